// Package intake drives each download through the pause, fingerprint
// and decide pipeline while keeping the authoritative view of every
// download's state. It correlates the manager's unordered event streams
// per download id and guarantees at most one decision request per
// creation event.
package intake

import (
	"context"
	"sync"
	"time"

	"github.com/aakasharya8451/reduce/internal/decision"
	"github.com/aakasharya8451/reduce/internal/download"
	"github.com/aakasharya8451/reduce/internal/logctx"
	"github.com/aakasharya8451/reduce/internal/manager"
	"github.com/aakasharya8451/reduce/internal/meta"
	"github.com/aakasharya8451/reduce/internal/telemetry"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

// DuplicateMessage is the alert text pushed to surfaces when the
// decision service flags a download.
const DuplicateMessage = "Duplicate download detected!"

// Decider returns the verdict for a fingerprinted download.
type Decider interface {
	Decide(ctx context.Context, id string, md decision.MetaData, headers map[string]string, detail download.Detail, partialHash *string) decision.Verdict
}

// Prober gathers the remote identity signals for a paused download.
type Prober interface {
	FetchHeaders(ctx context.Context, url string) (map[string]string, error)
	PartialHash(ctx context.Context, url string, totalBytes int64) (string, error)
}

// Dispatcher delivers alert directives to rendering surfaces.
type Dispatcher interface {
	ShowAlert(id, message, filename string)
	CloseAlert(id string)
}

// Coordinator subscribes to download manager lifecycle events and is
// the sole writer of the download store.
type Coordinator struct {
	store      *download.Store
	commander  manager.Commander
	decider    Decider
	prober     Prober
	dispatcher Dispatcher
	telemetry  *telemetry.Telemetry

	mu      sync.Mutex
	pending map[string]download.Detail
	started map[string]struct{}

	wg sync.WaitGroup
}

func NewCoordinator(
	store *download.Store,
	commander manager.Commander,
	decider Decider,
	prober Prober,
	dispatcher Dispatcher,
	tel *telemetry.Telemetry,
) *Coordinator {
	return &Coordinator{
		store:      store,
		commander:  commander,
		decider:    decider,
		prober:     prober,
		dispatcher: dispatcher,
		telemetry:  tel,
		pending:    make(map[string]download.Detail),
		started:    make(map[string]struct{}),
	}
}

// OnFilenameResolving records the filename and origin observed while
// the manager resolves the target name. The event may precede the
// creation event; whichever order they arrive in, the resolved filename
// wins. Never blocks the manager.
func (c *Coordinator) OnFilenameResolving(ctx context.Context, ev download.FilenameEvent) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", ev.ID)

	filename := ev.SuggestedFilename
	if filename == "" {
		filename = download.UnknownFilename
	}

	detail := download.Detail{
		ID:       ev.ID,
		Filename: filename,
		Domain:   meta.ExtractDomain(ev.URL),
	}

	// The detail write and the patch happen under the same lock as the
	// creation path's pending read and upsert, so a creation racing this
	// event sees either the pending detail or a patchable record.
	c.mu.Lock()
	c.pending[ev.ID] = detail
	patched := c.store.PatchFilename(ctx, ev.ID, filename)
	c.mu.Unlock()

	logger.Debug("captured filename detail", "filename", detail.Filename, "domain", detail.Domain)

	if patched {
		logger.Debug("patched filename on active download")
	}
}

// OnCreated registers the download, pauses it and starts the decision
// pipeline. The pipeline runs on its own goroutine; pipelines for
// distinct ids proceed fully in parallel.
func (c *Coordinator) OnCreated(ctx context.Context, ev download.CreatedEvent) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", ev.ID)

	if ev.ID == "" {
		return
	}

	c.mu.Lock()

	if _, ok := c.started[ev.ID]; ok {
		c.mu.Unlock()

		logger.Warn("ignoring duplicate creation event")

		return
	}

	c.started[ev.ID] = struct{}{}
	pendingDetail, hasPending := c.pending[ev.ID]

	filename := ev.Filename
	if hasPending {
		filename = pendingDetail.Filename
	}

	if filename == "" {
		filename = download.UnknownFilename
	}

	state := ev.State
	if state == "" {
		state = download.StateInProgress
	}

	// Upsert before releasing the lock: a resolution event racing this
	// one either left the pending detail read above or finds this record
	// to patch. Released in between, it could miss both.
	c.store.UpsertActive(ctx, download.Record{
		ID:       ev.ID,
		Filename: filename,
		State:    state,
		Domain:   meta.ExtractDomain(ev.URL),
	})
	c.mu.Unlock()

	c.telemetry.RecordIntake()

	logger.Info("download detected",
		"filename", filename,
		"total_bytes", humanize.Bytes(uint64(max(ev.TotalBytes, 0))),
	)

	// The ingest request finishes before the pipeline does; keep the
	// logger and trace values but detach from the request lifetime.
	pipelineCtx := context.WithoutCancel(ctx)

	c.wg.Add(1)

	go c.runPipeline(pipelineCtx, ev)
}

// OnChanged applies a manager-reported state change. Terminal states
// move the record to history; a change for an untracked id is a no-op,
// which makes re-delivered terminal events harmless.
func (c *Coordinator) OnChanged(ctx context.Context, id string, state download.State) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	if !c.store.ApplyState(ctx, id, state) {
		logger.Debug("state change for untracked download", "state", state)

		return
	}

	logger.Info("download state changed", "state", state)
}

// Cancel delegates a user-requested cancel to the manager. The eventual
// interrupted state-change event is what archives the record.
func (c *Coordinator) Cancel(ctx context.Context, id string) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	if err := c.commander.Cancel(ctx, id); err != nil {
		c.telemetry.RecordCommand("cancel", "error")
		logger.Error("failed to cancel download", "err", err)

		return
	}

	c.telemetry.RecordCommand("cancel", "success")
}

// ForceResume resumes a download regardless of its verdict.
func (c *Coordinator) ForceResume(ctx context.Context, id string) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	if err := c.commander.Resume(ctx, id); err != nil {
		c.telemetry.RecordCommand("resume", "error")
		logger.Error("failed to force-resume download", "err", err)

		return
	}

	c.telemetry.RecordCommand("resume", "success")
}

// DismissAlert withdraws the duplicate alert for a download without
// touching its state.
func (c *Coordinator) DismissAlert(ctx context.Context, id string) {
	c.dispatcher.CloseAlert(id)
}

// Snapshot returns the current active set and history.
func (c *Coordinator) Snapshot() download.Snapshot {
	return c.store.Snapshot()
}

// Wait blocks until all in-flight pipelines have finished.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) runPipeline(ctx context.Context, ev download.CreatedEvent) {
	defer c.wg.Done()

	logger := logctx.LoggerFromContext(ctx).With("download_id", ev.ID)
	start := time.Now()

	c.telemetry.PipelineStarted()

	if err := c.commander.Pause(ctx, ev.ID); err != nil {
		// Fail open: without a successful pause the download proceeds
		// under the manager's default behavior, no decision is requested.
		c.telemetry.RecordCommand("pause", "error")
		c.telemetry.PipelineFinished("pause_failed", time.Since(start))
		logger.Error("failed to pause download, aborting pipeline", "err", err)

		return
	}

	c.telemetry.RecordCommand("pause", "success")
	c.store.ApplyState(ctx, ev.ID, download.StatePaused)

	logger.Info("download paused for fingerprinting")

	headers, detail, partialHash := c.fingerprint(ctx, ev)

	verdict := c.decider.Decide(ctx, ev.ID, metaDataFromEvent(ev), headers, detail, partialHash)

	c.telemetry.RecordDecision(verdict.String())
	c.telemetry.PipelineFinished(verdict.String(), time.Since(start))

	switch verdict {
	case decision.VerdictDuplicate:
		logger.Info("duplicate detected, download stays paused", "filename", detail.Filename)
		c.telemetry.RecordAlert()
		c.dispatcher.ShowAlert(ev.ID, DuplicateMessage, detail.Filename)
	case decision.VerdictAllow:
		if err := c.commander.Resume(ctx, ev.ID); err != nil {
			c.telemetry.RecordCommand("resume", "error")
			logger.Error("failed to resume allowed download", "err", err)

			return
		}

		c.telemetry.RecordCommand("resume", "success")
		logger.Info("download resumed")
	default:
		// No verdict, no action: the download stays paused. A visible
		// "decision unavailable" state would serve users better here.
		logger.Warn("decision unavailable, leaving download paused")
	}
}

// fingerprint gathers the header probe, the filename detail and the
// partial hash concurrently. All three complete before the decision
// request goes out; individual failures degrade to empty signals.
func (c *Coordinator) fingerprint(ctx context.Context, ev download.CreatedEvent) (map[string]string, download.Detail, *string) {
	logger := logctx.LoggerFromContext(ctx).With("download_id", ev.ID)

	var (
		headers map[string]string
		detail  download.Detail
		hash    string
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if headers, err = c.prober.FetchHeaders(gctx, ev.ResolvedURL()); err != nil {
			logger.Error("header probe failed", "err", err)
		}

		return nil
	})

	g.Go(func() error {
		detail = c.consumePending(ev)

		return nil
	})

	g.Go(func() error {
		var err error
		if hash, err = c.prober.PartialHash(gctx, ev.URL, ev.TotalBytes); err != nil {
			logger.Error("partial hash failed", "err", err)
			hash = ""
		}

		return nil
	})

	// Sub-operations swallow their own failures, so Wait cannot error.
	_ = g.Wait()

	var partialHash *string
	if hash != "" {
		partialHash = &hash
	}

	return headers, detail, partialHash
}

// consumePending takes the filename detail captured at resolution time,
// deleting it exactly once. Without one it derives the detail from the
// creation event.
func (c *Coordinator) consumePending(ev download.CreatedEvent) download.Detail {
	c.mu.Lock()
	detail, ok := c.pending[ev.ID]
	delete(c.pending, ev.ID)
	c.mu.Unlock()

	if ok {
		return detail
	}

	filename := ev.Filename
	if filename == "" {
		filename = download.UnknownFilename
	}

	return download.Detail{
		ID:       ev.ID,
		Filename: filename,
		Domain:   meta.ExtractDomain(ev.URL),
	}
}

func metaDataFromEvent(ev download.CreatedEvent) decision.MetaData {
	md := decision.MetaData{
		ID:         ev.ID,
		URL:        ev.URL,
		Filename:   ev.Filename,
		MIME:       ev.MIME,
		TotalBytes: ev.TotalBytes,
		State:      string(ev.State),
		StartTime:  ev.StartTime,
		Referrer:   ev.Referrer,
		FinalURL:   ev.ResolvedURL(),
	}

	if md.Filename == "" {
		md.Filename = "Unknown"
	}

	if md.MIME == "" {
		md.MIME = "Unknown"
	}

	if md.State == "" {
		md.State = string(download.StateInProgress)
	}

	if md.StartTime == "" {
		md.StartTime = time.Now().UTC().Format(time.RFC3339)
	}

	if md.Referrer == "" {
		md.Referrer = "None"
	}

	return md
}
