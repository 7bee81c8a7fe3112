package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/ledgertx/backend/internal/metrics"
	"github.com/ledgertx/backend/internal/models"
	"github.com/ledgertx/backend/internal/store"
	"github.com/rs/zerolog"
)

// Envelope is the body delivered to the outbox sink. Consumers should
// deduplicate on ID.
type Envelope struct {
	ID         uuid.UUID           `json:"id"`
	Type       models.EventType    `json:"type"`
	OccurredAt time.Time           `json:"occurredAt"`
	Data       models.EventPayload `json:"data"`
}

// Sink delivers one envelope. A nil error means the consumer accepted it.
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}

type OutboxConfig struct {
	PollInterval    time.Duration
	BatchSize       int
	DeliveryTimeout time.Duration
	ErrorBackoff    time.Duration
	MaxErrorBackoff time.Duration
}

// DefaultOutboxConfig mirrors the publisher cadence used in production.
func DefaultOutboxConfig() OutboxConfig {
	return OutboxConfig{
		PollInterval:    2 * time.Second,
		BatchSize:       50,
		DeliveryTimeout: 5 * time.Second,
		ErrorBackoff:    3 * time.Second,
		MaxErrorBackoff: time.Minute,
	}
}

// PublishResult summarizes one publisher cycle.
type PublishResult struct {
	Fetched   int
	Published int
	Failed    int
}

// OutboxPublisher drains unpublished domain events to a Sink.
type OutboxPublisher struct {
	store   store.Store
	sink    Sink
	config  OutboxConfig
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

func NewOutboxPublisher(st store.Store, sink Sink, config OutboxConfig, logger zerolog.Logger, m *metrics.Metrics) *OutboxPublisher {
	defaults := DefaultOutboxConfig()
	if config.PollInterval <= 0 {
		config.PollInterval = defaults.PollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.DeliveryTimeout <= 0 {
		config.DeliveryTimeout = defaults.DeliveryTimeout
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = defaults.ErrorBackoff
	}
	if config.MaxErrorBackoff < config.ErrorBackoff {
		config.MaxErrorBackoff = max(defaults.MaxErrorBackoff, config.ErrorBackoff)
	}
	return &OutboxPublisher{
		store:   st,
		sink:    sink,
		config:  config,
		metrics: m,
		logger:  logger.With().Str("component", "outbox").Logger(),
	}
}

// Run publishes until ctx is cancelled. Idle cycles sleep PollInterval and
// failed cycles back off exponentially.
func (p *OutboxPublisher) Run(ctx context.Context) error {
	p.logger.Info().
		Dur("poll_interval", p.config.PollInterval).
		Int("batch_size", p.config.BatchSize).
		Msg("outbox publisher started")

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.config.ErrorBackoff
	bo.MaxInterval = p.config.MaxErrorBackoff
	bo.Reset()

	for ctx.Err() == nil {
		result, err := p.PublishBatch(ctx)
		var wait time.Duration
		switch {
		case err != nil && ctx.Err() != nil:
			continue
		case err != nil:
			wait = bo.NextBackOff()
			p.logger.Error().Err(err).Dur("retry_in", wait).Msg("outbox cycle failed")
		case result.Published == 0 || result.Failed > 0:
			bo.Reset()
			wait = p.config.PollInterval
		default:
			bo.Reset()
		}

		if wait > 0 {
			sleep(ctx, wait)
		}
	}

	p.logger.Info().Msg("outbox publisher stopped")
	return nil
}

// PublishBatch runs one cycle: claim pending events, deliver each and mark
// the delivered ones published, all in one store transaction.
func (p *OutboxPublisher) PublishBatch(ctx context.Context) (PublishResult, error) {
	var result PublishResult
	err := p.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		result = PublishResult{}
		events, err := tx.LockPendingEvents(ctx, p.config.BatchSize)
		if err != nil {
			return fmt.Errorf("lock pending events: %w", err)
		}
		result.Fetched = len(events)

		for _, ev := range events {
			if err := p.deliver(ctx, ev); err != nil {
				result.Failed++
				p.metrics.ObserveDelivery(string(ev.Type), false)
				p.logger.Warn().Err(err).
					Stringer("event_id", ev.ID).
					Str("event_type", string(ev.Type)).
					Msg("event delivery failed, will retry")
				continue
			}
			if err := tx.MarkEventPublished(ctx, ev.ID, models.Now()); err != nil {
				return fmt.Errorf("mark event published: %w", err)
			}
			result.Published++
			p.metrics.ObserveDelivery(string(ev.Type), true)
		}
		return nil
	})
	if err != nil {
		return PublishResult{}, err
	}
	if result.Fetched > 0 {
		p.logger.Debug().
			Int("fetched", result.Fetched).
			Int("published", result.Published).
			Int("failed", result.Failed).
			Msg("outbox cycle complete")
	}
	return result, nil
}

func (p *OutboxPublisher) deliver(ctx context.Context, ev *models.DomainEvent) error {
	payload, err := ev.DecodePayload()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.DeliveryTimeout)
	defer cancel()
	return p.sink.Deliver(ctx, Envelope{
		ID:         ev.ID,
		Type:       ev.Type,
		OccurredAt: ev.CreatedAt,
		Data:       payload,
	})
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
