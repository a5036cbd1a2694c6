// Package meta computes the lightweight identity signals attached to a
// decision request: the origin domain, the remote response headers and a
// partial content hash over a size-dependent byte prefix.
package meta

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// UnknownDomain is returned for URLs that cannot be parsed. A malformed
// URL degrades to this sentinel instead of failing the pipeline.
const UnknownDomain = "unknown-domain"

const mib = 1024 * 1024

// ExtractDomain returns the host component of rawURL.
func ExtractDomain(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return UnknownDomain
	}

	return u.Hostname()
}

// ProbeLength selects how many leading bytes to hash for a file of the
// given total size. Zero means the file is too small to probe.
func ProbeLength(totalBytes int64) int64 {
	switch {
	case totalBytes >= 50*mib:
		return 10 * mib
	case totalBytes >= 25*mib:
		return 5 * mib
	case totalBytes >= 10*mib:
		return mib * 5 / 2 // 2.5 MiB
	default:
		return 0
	}
}

// Prober issues the header-only and ranged requests used for
// fingerprinting.
type Prober struct {
	client *http.Client
}

func NewProber(timeout time.Duration) *Prober {
	return &Prober{
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// FetchHeaders performs a HEAD request against the final URL and
// collects the response header names lower-cased. Callers log the error
// and continue with the empty map; a failed probe never fails the
// pipeline.
func (p *Prober) FetchHeaders(ctx context.Context, rawURL string) (map[string]string, error) {
	headers := map[string]string{}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return headers, fmt.Errorf("failed to build head request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return headers, fmt.Errorf("head request failed: %w", err)
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}

	return headers, nil
}

// PartialHash fetches the probe prefix of the file with a ranged request
// and returns its SHA-256 as lower-case hex. It returns "" when the file
// is below the probe threshold or when the server does not serve the
// range; "" means "no content signal", not a failure.
func (p *Prober) PartialHash(ctx context.Context, rawURL string, totalBytes int64) (string, error) {
	probeLen := ProbeLength(totalBytes)
	if probeLen == 0 {
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build range request: %w", err)
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", probeLen-1))

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("range request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("range request not honored: status %d", resp.StatusCode)
	}

	// A server ignoring the Range header replies 200 with the full body;
	// cap the read at the probe length either way.
	digest := sha256.New()
	if _, err := io.Copy(digest, io.LimitReader(resp.Body, probeLen)); err != nil {
		return "", fmt.Errorf("failed to read probe bytes: %w", err)
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}
