package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"pulsehub/internal/auth"
)

const (
	maxAttempts       = 3
	perAttemptTimeout = 10 * time.Second
	backoffBase       = time.Second
)

// Sender delivers one job as a signed HTTP POST with bounded retries.
type Sender struct {
	client *http.Client
}

// NewSender builds a sender with the per-attempt timeout baked in.
func NewSender() *Sender {
	return &Sender{client: &http.Client{Timeout: perAttemptTimeout}}
}

// Deliver posts the job payload, retrying with exponential backoff on non-2xx
// replies and transport errors. After the final attempt the job is dropped
// with a warning; webhook delivery is best effort.
func (s *Sender) Deliver(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}
	signature := auth.Sign(job.Secret, string(body))

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = s.post(ctx, job, body, signature)
		if lastErr == nil {
			return nil
		}
		if attempt < maxAttempts {
			backoff := backoffBase << (attempt - 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	log.Warn().Err(lastErr).
		Str("app", job.AppID).
		Str("url", job.URL).
		Int("events", len(job.Payload.Events)).
		Msg("webhook dropped after retries")
	return nil
}

func (s *Sender) post(ctx context.Context, job *Job, body []byte, signature string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Pusher-Key", job.AppKey)
	req.Header.Set("X-Pusher-Signature", signature)
	for k, v := range job.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook endpoint replied %d", resp.StatusCode)
	}
	return nil
}
