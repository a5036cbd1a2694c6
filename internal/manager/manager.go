// Package manager is the boundary to the download manager: the host
// facility that performs the actual byte transfer, emits lifecycle
// events and accepts pause/resume/cancel commands.
package manager

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/aakasharya8451/reduce/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Commander issues lifecycle commands to the download manager.
type Commander interface {
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// HTTPCommander drives a manager that exposes its command surface over
// HTTP, one POST per command.
type HTTPCommander struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPCommander(baseURL string, timeout time.Duration) *HTTPCommander {
	return &HTTPCommander{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *HTTPCommander) Pause(ctx context.Context, id string) error {
	return c.command(ctx, "pause", id)
}

func (c *HTTPCommander) Resume(ctx context.Context, id string) error {
	return c.command(ctx, "resume", id)
}

func (c *HTTPCommander) Cancel(ctx context.Context, id string) error {
	return c.command(ctx, "cancel", id)
}

func (c *HTTPCommander) command(ctx context.Context, command, id string) error {
	logger := logctx.LoggerFromContext(ctx)

	endpoint := fmt.Sprintf("%s/downloads/%s/%s", c.baseURL, url.PathEscape(id), command)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return &CommandError{Command: command, DownloadID: id, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &CommandError{Command: command, DownloadID: id, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return &CommandError{
			Command:    command,
			DownloadID: id,
			StatusCode: resp.StatusCode,
			Message:    string(msg),
		}
	}

	logger.Debug("manager command accepted", "command", command, "download_id", id)

	return nil
}
