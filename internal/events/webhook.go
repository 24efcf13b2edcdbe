package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SignatureHeader carries the HMAC-SHA256 of the request body.
const SignatureHeader = "X-WasteLedger-Signature"

// WebhookPublisher POSTs events as JSON to a single endpoint. Delivery runs in
// the background with retries so a slow receiver never holds up a transition.
type WebhookPublisher struct {
	url        string
	secret     string
	httpClient *http.Client
	delays     []time.Duration // wait before each attempt
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// NewWebhookPublisher creates a WebhookPublisher. secret may be empty, in
// which case requests are unsigned.
func NewWebhookPublisher(endpoint, secret string, logger *zap.Logger) (*WebhookPublisher, error) {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid webhook url %q", endpoint)
	}
	return &WebhookPublisher{
		url:        endpoint,
		secret:     secret,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		delays:     []time.Duration{0, 1 * time.Second, 5 * time.Second},
		logger:     logger,
	}, nil
}

// Publish implements Publisher. It only fails if the event cannot be encoded.
func (p *WebhookPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.deliver(context.WithoutCancel(ctx), ev, body)
	}()
	return nil
}

// Close waits for in-flight deliveries to finish.
func (p *WebhookPublisher) Close() error {
	p.wg.Wait()
	return nil
}

func (p *WebhookPublisher) deliver(ctx context.Context, ev Event, body []byte) {
	signature := ""
	if p.secret != "" {
		signature = signPayload(body, p.secret)
	}

	for attempt, delay := range p.delays {
		if delay > 0 {
			time.Sleep(delay)
		}
		err := p.post(ctx, body, signature)
		if err == nil {
			return
		}
		p.logger.Warn("webhook: delivery failed",
			zap.String("type", ev.Type),
			zap.String("subject_id", ev.SubjectID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	p.logger.Error("webhook: giving up",
		zap.String("type", ev.Type),
		zap.String("subject_id", ev.SubjectID),
	)
}

func (p *WebhookPublisher) post(ctx context.Context, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(SignatureHeader, signature)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// signPayload computes an HMAC-SHA256 signature.
func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body under secret.
// Receivers use it to authenticate deliveries.
func VerifySignature(body []byte, secret, signature string) error {
	if !hmac.Equal([]byte(signPayload(body, secret)), []byte(signature)) {
		return errors.New("webhook signature mismatch")
	}
	return nil
}
