package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	// RED Metrics (Rate, Errors, Duration)
	httpRequestsTotal    metric.Int64Counter
	httpRequestDuration  metric.Float64Histogram
	httpRequestsInFlight metric.Int64UpDownCounter

	// Business Metrics
	intakesTotal     metric.Int64Counter
	pipelinesActive  metric.Int64UpDownCounter
	pipelineDuration metric.Float64Histogram
	decisionsTotal   metric.Int64Counter
	commandsTotal    metric.Int64Counter
	alertsTotal      metric.Int64Counter
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance. With Enabled false, every
// recording method is a no-op.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)

	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	// Go runtime metrics (goroutines, GC, memory) via the contrib package.
	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime instrumentation: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// RecordHTTPRequest records HTTP request metrics.
func (t *Telemetry) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", status),
	)

	if t.httpRequestsTotal != nil {
		t.httpRequestsTotal.Add(context.Background(), 1, attrs)
	}

	if t.httpRequestDuration != nil {
		t.httpRequestDuration.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// IncrementHTTPInFlight increments in-flight HTTP requests.
func (t *Telemetry) IncrementHTTPInFlight() {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), 1)
	}
}

// DecrementHTTPInFlight decrements in-flight HTTP requests.
func (t *Telemetry) DecrementHTTPInFlight() {
	if t.httpRequestsInFlight != nil {
		t.httpRequestsInFlight.Add(context.Background(), -1)
	}
}

// RecordIntake counts a creation event entering the coordinator.
func (t *Telemetry) RecordIntake() {
	if t == nil || t.intakesTotal == nil {
		return
	}

	t.intakesTotal.Add(context.Background(), 1)
}

// PipelineStarted marks a pause/fingerprint/decide pipeline as running.
func (t *Telemetry) PipelineStarted() {
	if t == nil || t.pipelinesActive == nil {
		return
	}

	t.pipelinesActive.Add(context.Background(), 1)
}

// PipelineFinished records a finished pipeline and its outcome.
func (t *Telemetry) PipelineFinished(outcome string, duration time.Duration) {
	if t == nil {
		return
	}

	if t.pipelinesActive != nil {
		t.pipelinesActive.Add(context.Background(), -1)
	}

	if t.pipelineDuration != nil {
		t.pipelineDuration.Record(context.Background(), duration.Seconds(),
			metric.WithAttributes(attribute.String("outcome", outcome)),
		)
	}
}

// RecordDecision counts a decision service verdict.
func (t *Telemetry) RecordDecision(verdict string) {
	if t == nil || t.decisionsTotal == nil {
		return
	}

	t.decisionsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("verdict", verdict)),
	)
}

// RecordCommand counts a manager command and its outcome.
func (t *Telemetry) RecordCommand(command, status string) {
	if t == nil || t.commandsTotal == nil {
		return
	}

	t.commandsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("command", command),
			attribute.String("status", status),
		),
	)
}

// RecordAlert counts a duplicate alert pushed to surfaces.
func (t *Telemetry) RecordAlert() {
	if t == nil || t.alertsTotal == nil {
		return
	}

	t.alertsTotal.Add(context.Background(), 1)
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	t.httpRequestsTotal, err = t.meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_total counter: %w", err)
	}

	t.httpRequestDuration, err = t.meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_request_duration histogram: %w", err)
	}

	t.httpRequestsInFlight, err = t.meter.Int64UpDownCounter(
		"http_requests_in_flight",
		metric.WithDescription("Number of HTTP requests currently being processed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create http_requests_in_flight counter: %w", err)
	}

	t.intakesTotal, err = t.meter.Int64Counter(
		"intakes_total",
		metric.WithDescription("Total number of downloads intercepted"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create intakes_total counter: %w", err)
	}

	t.pipelinesActive, err = t.meter.Int64UpDownCounter(
		"pipelines_active",
		metric.WithDescription("Number of decision pipelines currently in flight"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pipelines_active counter: %w", err)
	}

	t.pipelineDuration, err = t.meter.Float64Histogram(
		"pipeline_duration_seconds",
		metric.WithDescription("Pause-to-verdict pipeline duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("failed to create pipeline_duration histogram: %w", err)
	}

	t.decisionsTotal, err = t.meter.Int64Counter(
		"decisions_total",
		metric.WithDescription("Total number of decision service verdicts"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create decisions_total counter: %w", err)
	}

	t.commandsTotal, err = t.meter.Int64Counter(
		"manager_commands_total",
		metric.WithDescription("Total number of commands issued to the download manager"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create manager_commands_total counter: %w", err)
	}

	t.alertsTotal, err = t.meter.Int64Counter(
		"duplicate_alerts_total",
		metric.WithDescription("Total number of duplicate alerts shown"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return fmt.Errorf("failed to create duplicate_alerts_total counter: %w", err)
	}

	return nil
}
