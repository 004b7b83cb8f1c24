package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"kbingest/internal/logging"
)

// Transport delivers one plain-text message to the chat endpoint.
// RecordFailure lands a message that never made it out (rate-limit deadline,
// permanent transport failure) in the failed-sends log.
type Transport interface {
	Send(ctx context.Context, text string) error
	RecordFailure(text string, cause error)
}

// ChatTransport posts {"chat_id": ..., "text": ...} JSON to an HTTP endpoint.
// Transient failures are retried with fixed exponential backoff; a permanent
// failure is recorded in the failed-sends log and returned for logging only.
type ChatTransport struct {
	endpoint   string
	chatID     string
	failedPath string
	httpClient *http.Client

	// backoff base, overridable in tests
	backoffBase time.Duration
}

const transportRetries = 3

// NewChatTransport builds the HTTP transport.
func NewChatTransport(endpoint, chatID, failedPath string) *ChatTransport {
	return &ChatTransport{
		endpoint:    endpoint,
		chatID:      chatID,
		failedPath:  failedPath,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		backoffBase: time.Second,
	}
}

type chatMessage struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Send delivers the message, retrying up to three times with 1s/2s/4s
// backoff. A Retry-After header on a rejected attempt overrides the backoff.
func (t *ChatTransport) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(chatMessage{ChatID: t.chatID, Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= transportRetries; attempt++ {
		if attempt > 0 {
			wait := t.backoffBase * time.Duration(1<<uint(attempt-1))
			if ra := retryAfter(lastErr); ra > 0 {
				wait = ra
			}
			select {
			case <-ctx.Done():
				t.RecordFailure(text, ctx.Err())
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		lastErr = t.attempt(ctx, payload)
		if lastErr == nil {
			return nil
		}
		logging.NotifyWarn("Send attempt %d/%d failed: %v", attempt+1, transportRetries+1, lastErr)
	}

	t.RecordFailure(text, lastErr)
	return fmt.Errorf("send failed after %d attempts: %w", transportRetries+1, lastErr)
}

// sendError carries the Retry-After hint from a rejected attempt.
type sendError struct {
	status     int
	retryAfter time.Duration
}

func (e *sendError) Error() string {
	return fmt.Sprintf("chat endpoint returned status %d", e.status)
}

func retryAfter(err error) time.Duration {
	if se, ok := err.(*sendError); ok {
		return se.retryAfter
	}
	return 0
}

func (t *ChatTransport) attempt(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, "POST", t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	se := &sendError{status: resp.StatusCode}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			se.retryAfter = time.Duration(secs) * time.Second
		}
	}
	return se
}

type failedSend struct {
	Timestamp string `json:"timestamp"`
	Text      string `json:"text"`
	Error     string `json:"error"`
}

// RecordFailure appends the undeliverable message to the failed-sends log.
func (t *ChatTransport) RecordFailure(text string, cause error) {
	if t.failedPath == "" {
		return
	}
	if dir := filepath.Dir(t.failedPath); dir != "." {
		os.MkdirAll(dir, 0o755)
	}

	f, err := os.OpenFile(t.failedPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		logging.NotifyError("Failed-sends log unavailable: %v", err)
		return
	}
	defer f.Close()

	json.NewEncoder(f).Encode(failedSend{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Text:      text,
		Error:     cause.Error(),
	})
}
