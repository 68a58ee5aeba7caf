package alert

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/opswarden/opswarden/internal/config"
)

const (
	// SignatureHeader carries "sha256=" plus the hex HMAC-SHA256 of
	// "<timestamp>.<body>".
	SignatureHeader = "X-OpsWarden-Signature"
	// TimestampHeader carries the unix seconds the signature was made at,
	// so receivers can reject replays.
	TimestampHeader = "X-OpsWarden-Timestamp"
)

// WebhookSender posts alerts as JSON to a generic endpoint.
type WebhookSender struct {
	poster *poster
	secret []byte
}

// NewWebhookSender creates a new generic webhook sender.
func NewWebhookSender(cfg config.WebhookAlertConfig) *WebhookSender {
	return &WebhookSender{
		poster: newPoster(cfg.URL),
		secret: []byte(cfg.Secret),
	}
}

func (w *WebhookSender) Name() string { return "webhook" }

// Send posts an alert to the webhook URL, signing it when a secret is set.
func (w *WebhookSender) Send(ctx context.Context, a Alert) error {
	var sign func(req *http.Request, body []byte)
	if len(w.secret) > 0 {
		sign = func(req *http.Request, body []byte) {
			ts := strconv.FormatInt(time.Now().Unix(), 10)
			req.Header.Set(TimestampHeader, ts)
			req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, ts, body))
		}
	}
	return w.poster.postJSON(ctx, a, sign)
}

// Sign returns the hex signature a receiver should expect for body sent
// at timestamp ts.
func Sign(secret []byte, ts string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(ts))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// poster delivers JSON payloads, retrying network errors and 5xx/429
// responses with a doubling backoff.
type poster struct {
	url      string
	client   *http.Client
	attempts int
	backoff  time.Duration
}

func newPoster(url string) *poster {
	return &poster{
		url:      url,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		backoff:  500 * time.Millisecond,
	}
}

func (p *poster) postJSON(ctx context.Context, payload interface{}, sign func(*http.Request, []byte)) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal alert payload: %w", err)
	}

	wait := p.backoff
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		retry, err := p.post(ctx, body, sign)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == p.attempts {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (gave up: %v)", lastErr, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return lastErr
}

// post makes one delivery attempt and reports whether a failure is worth
// retrying.
func (p *poster) post(ctx context.Context, body []byte, sign func(*http.Request, []byte)) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("failed to create alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "opswarden-alerts")
	if sign != nil {
		sign(req, body)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("failed to deliver alert: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return true, fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
	default:
		return false, fmt.Errorf("alert endpoint returned %d", resp.StatusCode)
	}
}
