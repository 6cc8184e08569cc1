package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"spikewatch/internal/model"
)

// restClient is shared by all drivers; symbol discovery and chart-trade
// fetches are low-volume.
var restClient = &http.Client{Timeout: 15 * time.Second}

// getJSON fetches url and decodes the body into out, classifying
// failures per the fetch-error taxonomy: network errors and 5xx are
// transient, malformed bodies are permanent, 429 is a rate limit.
func getJSON(ctx context.Context, op, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &model.PermanentFetchError{Op: op, Err: err}
	}
	return doJSON(op, req, out)
}

// postJSON sends a JSON body and decodes the response like getJSON.
func postJSON(ctx context.Context, op, url string, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return &model.PermanentFetchError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	return doJSON(op, req, out)
}

func doJSON(op string, req *http.Request, out any) error {
	resp, err := restClient.Do(req)
	if err != nil {
		return &model.TransientFetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		after, _ := strconv.Atoi(resp.Header.Get("Retry-After"))
		return &model.RateLimitError{Op: op, RetryAfter: after}
	case resp.StatusCode >= 500:
		return &model.TransientFetchError{Op: op, Err: fmt.Errorf("http %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return &model.PermanentFetchError{Op: op, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return &model.TransientFetchError{Op: op, Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &model.PermanentFetchError{Op: op, Err: err}
	}
	return nil
}

// parsePrice parses a decimal string defensively: non-numeric or
// non-positive values return ok=false and the record is discarded.
func parsePrice(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// parseMs parses a millisecond timestamp that may arrive as a JSON
// number or a string (Bitget sends string milliseconds).
func parseMs(raw json.RawMessage) (int64, bool) {
	s := strings.Trim(string(raw), `"`)
	// Gate delivers create_time_ms with a fractional part.
	if i := strings.IndexByte(s, '.'); i > 0 {
		s = s[:i]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

// chunk splits symbols into groups of at most n, preserving order.
func chunk(symbols []string, n int) [][]string {
	if len(symbols) == 0 {
		return nil
	}
	if n <= 0 {
		return [][]string{symbols}
	}
	var out [][]string
	for len(symbols) > n {
		out = append(out, symbols[:n])
		symbols = symbols[n:]
	}
	if len(symbols) > 0 {
		out = append(out, symbols)
	}
	return out
}
