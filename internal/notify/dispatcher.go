// Package notify delivers detections to Telegram: template rendering,
// HTML sanitizing, optional tick charts, bounded send concurrency and
// retry with backoff.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"spikewatch/internal/detector"
	"spikewatch/internal/exchange"
)

const (
	// maxInFlight caps concurrent Telegram requests across all users.
	maxInFlight = 30
	maxAttempts = 3

	telegramAPI = "https://api.telegram.org"
)

// Dispatcher fans detections out to Telegram chats.
type Dispatcher struct {
	api          string
	defaultToken string
	client       *http.Client
	sem          *semaphore.Weighted
	charts       ChartSource // nil disables charts
	logger       *log.Logger

	// OnResult observes delivery outcomes (metrics hook).
	OnResult func(ok bool)
}

func NewDispatcher(defaultToken string, charts ChartSource) *Dispatcher {
	return &Dispatcher{
		api:          telegramAPI,
		defaultToken: defaultToken,
		client:       &http.Client{Timeout: 15 * time.Second},
		sem:          semaphore.NewWeighted(maxInFlight),
		charts:       charts,
		logger:       log.New(os.Stdout, "[notify] ", log.LstdFlags),
	}
}

// Run consumes detections until ctx is canceled or the input closes,
// then drains in-flight sends.
func (d *Dispatcher) Run(ctx context.Context, in <-chan detector.Detection) {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return
		case det, ok := <-in:
			if !ok {
				d.drain()
				return
			}
			if err := d.sem.Acquire(ctx, 1); err != nil {
				d.drain()
				return
			}
			go func(det detector.Detection) {
				defer d.sem.Release(1)
				d.Deliver(ctx, det)
			}(det)
		}
	}
}

// drain waits for every in-flight send.
func (d *Dispatcher) drain() {
	_ = d.sem.Acquire(context.Background(), maxInFlight)
	d.sem.Release(maxInFlight)
}

// Deliver sends a detection: one message per matched strategy template,
// each to its own chat. The chart, when enabled, is fetched once and
// attached to every message; a failed chart falls back to plain text.
func (d *Dispatcher) Deliver(ctx context.Context, det detector.Detection) {
	token := det.User.TgToken
	if token == "" {
		token = d.defaultToken
	}
	if token == "" {
		d.logger.Printf("user %d: no telegram token, skipping", det.User.ID)
		return
	}

	var png []byte
	if det.SendChart && d.charts != nil {
		var err error
		png, err = d.charts.Chart(ctx, det)
		switch {
		case err == nil:
		case errors.Is(err, exchange.ErrNoChartSource):
			// venue has no trades endpoint, text only
		default:
			d.logger.Printf("chart %s: %v", det.Candle.Symbol, err)
		}
	}

	for _, msg := range RenderMessages(det) {
		if msg.Chat == "" {
			d.logger.Printf("user %d: no telegram chat, skipping", det.User.ID)
			continue
		}
		d.send(ctx, token, msg, png)
	}
}

// send delivers one message, falling back from photo to plain text when
// the photo send fails after retries.
func (d *Dispatcher) send(ctx context.Context, token string, msg Message, png []byte) {
	if png != nil {
		if err := d.withRetry(ctx, func() error {
			return d.sendPhoto(ctx, token, msg.Chat, msg.Text, png)
		}); err == nil {
			d.observe(true)
			return
		}
	}

	err := d.withRetry(ctx, func() error {
		return d.sendMessage(ctx, token, msg.Chat, msg.Text)
	})
	if err != nil {
		d.logger.Printf("chat %s: delivery failed: %v", msg.Chat, err)
		d.observe(false)
		return
	}
	d.observe(true)
}

func (d *Dispatcher) observe(ok bool) {
	if d.OnResult != nil {
		d.OnResult(ok)
	}
}

// retryableError marks failures worth another attempt: network errors,
// 5xx and rate limits. Telegram application errors (bad chat, bad
// markup) are permanent.
type retryableError struct {
	err   error
	after time.Duration // explicit retry_after when Telegram sent one
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func (d *Dispatcher) withRetry(ctx context.Context, send func() error) error {
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = send()
		if err == nil {
			return nil
		}
		var re *retryableError
		if !errors.As(err, &re) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		wait := time.Second << (attempt - 1)
		if re.after > wait {
			wait = re.after
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

type telegramResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code"`
	Description string `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

func (d *Dispatcher) sendMessage(ctx context.Context, token, chat, text string) error {
	body, _ := json.Marshal(map[string]any{
		"chat_id":                  chat,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	})
	url := fmt.Sprintf("%s/bot%s/sendMessage", d.api, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return d.do(req)
}

func (d *Dispatcher) sendPhoto(ctx context.Context, token, chat, caption string, png []byte) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("chat_id", chat)
	_ = mw.WriteField("caption", caption)
	_ = mw.WriteField("parse_mode", "HTML")
	fw, err := mw.CreateFormFile("photo", "chart.png")
	if err != nil {
		return err
	}
	if _, err := fw.Write(png); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/bot%s/sendPhoto", d.api, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return d.do(req)
}

func (d *Dispatcher) do(req *http.Request) error {
	resp, err := d.client.Do(req)
	if err != nil {
		return &retryableError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &retryableError{err: err}
	}
	if resp.StatusCode >= 500 {
		return &retryableError{err: fmt.Errorf("telegram http %d", resp.StatusCode)}
	}

	var tr telegramResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return fmt.Errorf("telegram response: %w", err)
	}
	if tr.OK {
		return nil
	}
	apiErr := fmt.Errorf("telegram %d: %s", tr.ErrorCode, tr.Description)
	if tr.ErrorCode == http.StatusTooManyRequests {
		re := &retryableError{err: apiErr}
		if tr.Parameters != nil {
			re.after = time.Duration(tr.Parameters.RetryAfter) * time.Second
		}
		return re
	}
	return apiErr
}
