package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/siliconchat/internal/metrics"
	"github.com/siliconchat/internal/retry"
)

const maxErrorBody = 4096

// Client talks to an OpenAI-compatible chat completion endpoint. It holds no
// conversation state; endpoint, key and model come in with every call.
type Client struct {
	httpClient  *http.Client
	retryConfig retry.RetryConfig
	limiter     *rate.Limiter
	replyCap    int
	metrics     *metrics.Metrics
	logger      zerolog.Logger
	now         func() time.Time
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout bounds a single HTTP attempt. Zero leaves it unbounded.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithRetry(cfg retry.RetryConfig) Option {
	return func(c *Client) { c.retryConfig = cfg }
}

// WithRateLimit caps outbound requests per second across all channels.
// A non-positive rps disables the limiter.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

func WithReplyCap(n int) Option {
	return func(c *Client) { c.replyCap = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a completion client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{},
		retryConfig: retry.CompletionRetryConfig(2),
		replyCap:    DefaultReplyCap,
		logger:      log.Logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete sends messages to {endpoint}/chat/completions and normalizes the
// answer. Transport and status failures come back as a degraded Result with a
// nil error. Only a 2xx body without choices[0].message.content is an error.
func (c *Client) Complete(ctx context.Context, messages []Message, p Params) (*Result, error) {
	body, err := json.Marshal(chatRequest{
		Model:       p.Model,
		Messages:    messages,
		MaxTokens:   p.MaxTokens,
		Temperature: p.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode completion request: %w", err)
	}

	url := joinURL(p.Endpoint, "chat/completions")
	requestID := uuid.NewString()
	logger := c.logger.With().Str("request_id", requestID).Str("model", p.Model).Logger()

	start := c.now()
	var envelope *chatResponse

	outcome := retry.RetryWithBackoffAndReason(ctx, c.retryConfig, func() (error, string) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(&TransportError{URL: url, Err: err}), "rate_limit_wait"
			}
		}
		resp, err := c.post(ctx, url, p.APIKey, requestID, body)
		if err != nil {
			return err, errorReason(err)
		}
		envelope = resp
		return nil, "success"
	}, &logger)

	duration := c.now().Sub(start)

	if !outcome.Success {
		lastErr := outcome.LastError
		if errors.Is(lastErr, ErrMalformedResponse) {
			c.metrics.ObserveCompletion("malformed", duration)
			logger.Error().Err(lastErr).Msg("completion response malformed")
			return nil, lastErr
		}

		statusText := ""
		statusCode := 0
		var se *StatusError
		if errors.As(lastErr, &se) {
			statusText = se.StatusText()
			statusCode = se.StatusCode
		}
		logger.Error().Err(lastErr).Int("attempts", outcome.Attempts).Msg("completion request failed")
		c.metrics.ObserveCompletion("degraded", duration)
		return &Result{
			CommonText: FormatDegradedText(statusText),
			Duration:   duration,
			Degraded:   true,
			StatusCode: statusCode,
		}, nil
	}

	choice := envelope.Choices[0].Message
	content := *choice.Content

	var usage *Usage
	if envelope.Usage != nil {
		usage = &Usage{
			PromptTokens:     envelope.Usage.PromptTokens,
			CompletionTokens: envelope.Usage.CompletionTokens,
			TotalTokens:      envelope.Usage.PromptTokens + envelope.Usage.CompletionTokens,
		}
	}

	processed := ProcessContent(content, choice.ReasoningContent, c.replyCap)
	if processed.RepairStats.WasRepaired {
		logger.Debug().
			Strs("strategies", processed.RepairStats.RepairStrategies).
			Int("errors_fixed", processed.RepairStats.ErrorsFixed).
			Msg("repaired completion JSON")
	}

	c.metrics.ObserveCompletion("ok", duration)
	logger.Debug().
		Int("tier", int(processed.Tier)).
		Dur("duration", duration).
		Msg("completion received")

	return &Result{
		CommonText:    FormatCommonText(processed.Reasoning, content, usage, duration.Milliseconds()),
		ExtractedText: processed.ExtractedText,
		Content:       content,
		Reasoning:     processed.Reasoning,
		Usage:         usage,
		Duration:      duration,
		StatusCode:    http.StatusOK,
	}, nil
}

// post performs one attempt. Transport failures, 429 and 5xx are wrapped
// with retry.Retryable; everything else that fails is retry.Permanent.
func (c *Client) post(ctx context.Context, url, apiKey, requestID string, body []byte) (*chatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(&TransportError{URL: url, Err: err})
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, retry.Retryable(&TransportError{URL: url, Err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: string(errBody)}
		if !retryableStatus(resp.StatusCode) {
			return nil, retry.Permanent(statusErr)
		}
		return nil, retry.Retryable(statusErr)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.Retryable(&TransportError{URL: url, Err: err})
	}

	var envelope chatResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, retry.Permanent(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
	}
	if len(envelope.Choices) == 0 || envelope.Choices[0].Message == nil || envelope.Choices[0].Message.Content == nil {
		return nil, retry.Permanent(fmt.Errorf("%w: choices[0].message.content missing", ErrMalformedResponse))
	}
	return &envelope, nil
}

// ListModels returns the models offered by the endpoint. Failures are
// returned as errors.
func (c *Client) ListModels(ctx context.Context, p Params) ([]Model, error) {
	url := joinURL(p.Endpoint, "models")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build models request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	var out modelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return out.Data, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

func errorReason(err error) string {
	var se *StatusError
	if errors.As(err, &se) {
		return fmt.Sprintf("status_%d", se.StatusCode)
	}
	var te *TransportError
	if errors.As(err, &te) {
		return "transport"
	}
	return err.Error()
}

func joinURL(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + "/" + path
}
