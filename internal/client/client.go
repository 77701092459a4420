// Package client holds the JSON clients for peer services consulted during
// checkout.  Every call runs through a resilience.Breaker; each client
// decides its own fallback.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iliyamo/cinema-seat-saga/internal/apperr"
)

// Fallback values for degraded enrichment.
const (
	UnknownTitle = "Unknown"
	StandardRank = "STANDARD"
)

// ErrPricingUnavailable means no trustworthy price could be obtained.  A
// booking must never be created with a guessed amount.
var ErrPricingUnavailable = apperr.New(apperr.Dependency, "pricing_unavailable", "seat prices are temporarily unavailable")

// NewHTTPClient returns the http.Client shared by the peer clients.  The
// breaker enforces the per-call deadline; this timeout is a backstop.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

// JSON is a minimal JSON-over-HTTP client for a single base URL.
type JSON struct {
	base string
	hc   *http.Client
}

// NewJSON returns a JSON client for base.  A nil hc uses NewHTTPClient.
func NewJSON(base string, hc *http.Client) JSON {
	if hc == nil {
		hc = NewHTTPClient()
	}
	return JSON{base: strings.TrimRight(base, "/"), hc: hc}
}

// Do sends a JSON request and decodes a 2xx body into out.  Status codes are
// mapped onto error kinds so the breaker can tell a healthy "not found"
// from an outage.
func (c JSON) Do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return apperr.Wrap(err, apperr.Dependency, method+" "+path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperr.New(apperr.NotFound, "not_found", fmt.Sprintf("%s %s: not found", method, path))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return apperr.New(apperr.Validation, "rejected", fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode))
	case resp.StatusCode >= 500:
		return apperr.New(apperr.Dependency, "upstream_error", fmt.Sprintf("%s %s: status %d", method, path, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(err, apperr.Dependency, "decode "+path)
	}
	return nil
}
