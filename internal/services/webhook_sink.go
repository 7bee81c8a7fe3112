package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// WebhookConfig tunes delivery to an HTTP consumer.
type WebhookConfig struct {
	URL                 string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// WebhookSink POSTs envelopes as JSON behind a circuit breaker. The event id
// travels as the Idempotency-Key header.
type WebhookSink struct {
	url     string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
}

func NewWebhookSink(config WebhookConfig, client *http.Client, logger zerolog.Logger) *WebhookSink {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if config.ConsecutiveFailures == 0 {
		config.ConsecutiveFailures = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}

	s := &WebhookSink{
		url:    config.URL,
		client: client,
		logger: logger.With().Str("component", "webhook_sink").Logger(),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-webhook",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ConsecutiveFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			s.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
	return s
}

func (s *WebhookSink) Deliver(ctx context.Context, env Envelope) error {
	_, err := s.breaker.Execute(func() (any, error) {
		return nil, s.post(ctx, env)
	})
	return err
}

// State reports the breaker state, for health output.
func (s *WebhookSink) State() gobreaker.State {
	return s.breaker.State()
}

func (s *WebhookSink) post(ctx context.Context, env Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", env.ID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook responded with status %d", resp.StatusCode)
	}
	return nil
}

// LogSink accepts every envelope and logs it. Used when no webhook is set.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "log_sink").Logger()}
}

func (s *LogSink) Deliver(ctx context.Context, env Envelope) error {
	s.logger.Info().
		Stringer("event_id", env.ID).
		Str("event_type", string(env.Type)).
		Time("occurred_at", env.OccurredAt).
		Interface("data", env.Data).
		Msg("outbox event would be sent")
	return nil
}
