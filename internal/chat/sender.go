package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/siliconchat/internal/retry"
	"github.com/siliconchat/pkg/models"
)

// Sender delivers replies to the chat host.
type Sender interface {
	Send(ctx context.Context, reply models.Reply) error
}

// LogSender only logs replies. Used when no outbound URL is configured; the
// bridge still returns replies in its HTTP responses.
type LogSender struct{}

func (LogSender) Send(ctx context.Context, reply models.Reply) error {
	log.Info().
		Str("request_id", reply.RequestID).
		Str("channel", reply.Platform+":"+reply.ChannelID).
		Int("messages", len(reply.Messages)).
		Str("text", reply.Text).
		Msg("reply")
	return nil
}

// WebhookSender POSTs replies as JSON to the host's outbound endpoint.
type WebhookSender struct {
	url         string
	client      *http.Client
	retryConfig retry.RetryConfig
}

func NewWebhookSender(url string) *WebhookSender {
	return &WebhookSender{
		url:    url,
		client: &http.Client{Timeout: 15 * time.Second},
		retryConfig: retry.RetryConfig{
			MaxRetries: 3,
			BaseDelay:  250 * time.Millisecond,
			MaxDelay:   2 * time.Second,
			Multiplier: 2.0,
			Jitter:     true,
			LogRetries: true,
		},
	}
}

func (s *WebhookSender) Send(ctx context.Context, reply models.Reply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}

	result := retry.RetryWithBackoff(ctx, s.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if reply.RequestID != "" {
			req.Header.Set("X-Request-ID", reply.RequestID)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return retry.Retryable(fmt.Errorf("outbound endpoint returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)))
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return retry.Permanent(fmt.Errorf("outbound endpoint returned %d", resp.StatusCode))
		}
		return nil
	}, &log.Logger)

	if !result.Success {
		return fmt.Errorf("failed to deliver reply to %s: %w", s.url, result.LastError)
	}
	return nil
}
