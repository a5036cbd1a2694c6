// Package decision talks to the duplicate-decision service. The service
// receives the metadata gathered for a paused download and answers with
// an allow/duplicate verdict; its internal logic is opaque here.
package decision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/aakasharya8451/reduce/internal/download"
	"github.com/aakasharya8451/reduce/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Verdict is the tri-state answer of the decision service.
type Verdict int

const (
	// VerdictAllow means the download is not a duplicate and may resume.
	VerdictAllow Verdict = iota
	// VerdictDuplicate flags the download as a likely re-download.
	VerdictDuplicate
	// VerdictUnknown covers transport failures, decode failures and any
	// action value outside the contract.
	VerdictUnknown
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

const (
	actionAllow     = 0
	actionDuplicate = 1
)

// MetaData is the download snapshot taken at creation time, sent
// verbatim as the download_meta_data section of the payload.
type MetaData struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	Filename   string `json:"filename"`
	MIME       string `json:"mime"`
	TotalBytes int64  `json:"totalBytes"`
	State      string `json:"state"`
	StartTime  string `json:"startTime"`
	Referrer   string `json:"referrer"`
	FinalURL   string `json:"finalUrl"`
}

type requestBody struct {
	ID   string      `json:"id"`
	Data payloadData `json:"data"`
}

type payloadData struct {
	DownloadMetaData        MetaData          `json:"download_meta_data"`
	FetchedCompleteMetadata map[string]string `json:"fetched_complete_metadata"`
	Detail                  download.Detail   `json:"downloadFileNameDomainUrlDetails"`
	PartialHash             *string           `json:"partial_hash"`
	DeviceInfo              json.RawMessage   `json:"device_info"`
}

type verdictResponse struct {
	Action int `json:"action"`
}

// Client performs one request cycle per Decide call against a
// configurable endpoint. It holds no mutable shared state and never
// retries; retry policy belongs to the collaborator boundary.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Decide submits the combined payload and maps the response action to a
// verdict. Every failure along the way degrades to VerdictUnknown; the
// caller decides what an unknown verdict means for the download.
func (c *Client) Decide(
	ctx context.Context,
	id string,
	meta MetaData,
	headers map[string]string,
	detail download.Detail,
	partialHash *string,
) Verdict {
	logger := logctx.LoggerFromContext(ctx).With("download_id", id)

	deviceInfo, err := c.fetchDeviceInfo(ctx)
	if err != nil {
		logger.Error("failed to fetch device info", "err", err)

		return VerdictUnknown
	}

	body := requestBody{
		ID: id,
		Data: payloadData{
			DownloadMetaData:        meta,
			FetchedCompleteMetadata: headers,
			Detail:                  detail,
			PartialHash:             partialHash,
			DeviceInfo:              deviceInfo,
		},
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		logger.Error("failed to marshal decision payload", "err", err)

		return VerdictUnknown
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/process_download", bytes.NewReader(encoded))
	if err != nil {
		logger.Error("failed to build decision request", "err", err)

		return VerdictUnknown
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Error("decision request failed", "err", err)

		return VerdictUnknown
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.Error("decision service responded with an error", "status", resp.StatusCode)

		return VerdictUnknown
	}

	var verdict verdictResponse
	if err := json.NewDecoder(resp.Body).Decode(&verdict); err != nil {
		logger.Error("failed to decode decision response", "err", err)

		return VerdictUnknown
	}

	switch verdict.Action {
	case actionAllow:
		return VerdictAllow
	case actionDuplicate:
		return VerdictDuplicate
	default:
		logger.Warn("decision service returned an unrecognized action", "action", verdict.Action)

		return VerdictUnknown
	}
}

// fetchDeviceInfo retrieves the opaque device descriptor attached to
// every decision cycle.
func (c *Client) fetchDeviceInfo(ctx context.Context) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/device_info", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build device info request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("device info request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("device info responded with status %d", resp.StatusCode)
	}

	var info json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode device info: %w", err)
	}

	return info, nil
}
