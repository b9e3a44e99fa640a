// Package relay drains the outbox to the bus. It is the only component that
// mutates outbox record lifecycle state. Multiple instances may run for
// availability; rows are claimed with a lease so two instances never fight
// over the same row, while duplicate delivery to the bus remains acceptable
// under at-least-once semantics.
package relay

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domainErrors "github.com/microshop/eventcore/internal/domain/errors"
	"github.com/microshop/eventcore/internal/domain/event"
	"github.com/microshop/eventcore/internal/domain/outbox"
	"github.com/microshop/eventcore/internal/infrastructure/config"
	"github.com/microshop/eventcore/internal/infrastructure/observability"
)

// Sender publishes an encoded envelope to the bus, blocking for broker
// acknowledgement.
type Sender interface {
	Send(ctx context.Context, env *event.Envelope, data []byte) error
}

type Relay struct {
	repo       outbox.Repository
	codec      *event.Codec
	sender     Sender
	cfg        config.RelayConfig
	instanceID string
	logger     zerolog.Logger
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

func New(
	repo outbox.Repository,
	codec *event.Codec,
	sender Sender,
	cfg config.RelayConfig,
	instanceID string,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Relay {
	return &Relay{
		repo:       repo,
		codec:      codec,
		sender:     sender,
		cfg:        cfg,
		instanceID: instanceID,
		logger:     logger.With().Str("component", "relay").Str("instance", instanceID).Logger(),
		metrics:    metrics,
		tracer:     otel.Tracer("eventcore/relay"),
	}
}

// Run polls the outbox until ctx is cancelled. On shutdown it finishes the
// in-flight cycle and releases any leases it still holds, so pending rows
// are immediately claimable by the next run. No in-memory state survives a
// restart; recovery is a plain rescan of pending rows.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("batch_size", r.cfg.BatchSize).
		Msg("Relay started")

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.shutdown()
			return nil
		case <-ticker.C:
		}

		if err := r.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				r.shutdown()
				return nil
			}
			r.logger.Error().Err(err).Msg("Relay cycle failed")
			if r.metrics != nil {
				r.metrics.RelayErrors.WithLabelValues("cycle").Inc()
			}
		}
	}
}

// Cycle claims one batch and dispatches it. The claim query only hands out
// the head of each aggregate's queue, so the batch holds at most one record
// per aggregate and a later event can never overtake an earlier one, even
// across relay instances. Leftover leases are released at the end.
func (r *Relay) Cycle(ctx context.Context) error {
	start := time.Now()

	records, err := r.repo.ClaimBatch(ctx, r.instanceID, r.cfg.BatchSize, r.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.RelayBatchSize.Observe(float64(len(records)))
	}
	if len(records) == 0 {
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "relay.cycle",
		trace.WithAttributes(attribute.Int("outbox.batch", len(records))))
	defer span.End()

	for _, rec := range records {
		if ctx.Err() != nil {
			break
		}
		r.dispatch(ctx, rec)
	}

	// Claims left over by an early exit go back to pending.
	if err := r.repo.ReleaseClaims(context.WithoutCancel(ctx), r.instanceID); err != nil {
		r.logger.Error().Err(err).Msg("Failed to release leftover claims")
	}

	if r.metrics != nil {
		r.metrics.RelayCycleDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

// dispatch sends one record and advances its lifecycle.
func (r *Relay) dispatch(ctx context.Context, rec *outbox.Record) {
	logger := r.logger.With().
		Stringer("event_id", rec.ID).
		Str("event_type", rec.EventType).
		Str("aggregate_id", rec.AggregateID).
		Logger()

	env, data, err := r.codec.Encode(rec)
	if err != nil {
		// Not retryable: the payload will not serialize any better next time.
		logger.Error().Err(err).Msg("Encoding failed, moving record to failed")
		if failErr := r.repo.Fail(ctx, rec.ID, err.Error()); failErr != nil {
			logger.Error().Err(failErr).Msg("Failed to mark record failed")
		}
		r.countOutcome("encode_error")
		return
	}

	if err := r.sender.Send(ctx, env, data); err != nil {
		if !domainErrors.IsRetryable(err) {
			// A rejected message (too large, bad record) will be rejected
			// again; park it for the operator instead of burning attempts.
			logger.Error().Err(err).Msg("Publish rejected, moving record to failed")
			if failErr := r.repo.Fail(context.WithoutCancel(ctx), rec.ID, err.Error()); failErr != nil {
				logger.Error().Err(failErr).Msg("Failed to mark record failed")
			}
			r.countOutcome("failed")
			return
		}

		retryIn := outbox.NextBackoff(rec.AttemptCount, r.cfg.BackoffBase, r.cfg.BackoffMax)
		logger.Warn().Err(err).
			Int("attempt", rec.AttemptCount+1).
			Dur("retry_in", retryIn).
			Msg("Publish failed")
		if markErr := r.repo.MarkFailed(context.WithoutCancel(ctx), rec.ID, err.Error(), retryIn); markErr != nil {
			logger.Error().Err(markErr).Msg("Failed to record publish failure")
		}
		if rec.AttemptCount+1 >= rec.MaxAttempts {
			logger.Error().Msg("Record exhausted its attempts and needs operator attention")
			r.countOutcome("failed")
		} else {
			r.countOutcome("retry")
		}
		return
	}

	// A crash between Send and MarkDispatched redelivers the event; the
	// consumer-side dedup guard absorbs it.
	if err := r.repo.MarkDispatched(context.WithoutCancel(ctx), rec.ID); err != nil {
		logger.Error().Err(err).Msg("Published but failed to mark dispatched")
		r.countOutcome("mark_error")
		return
	}

	logger.Debug().Msg("Event dispatched")
	r.countOutcome("dispatched")
}

// RunLagMonitor periodically refreshes the pending-lag gauge, the one
// externally observable health signal the relay emits.
func (r *Relay) RunLagMonitor(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.LagPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		lag, err := r.repo.PendingLag(ctx, r.cfg.LagThreshold)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error().Err(err).Msg("Failed to measure outbox lag")
			continue
		}
		if r.metrics != nil {
			r.metrics.OutboxPendingLag.Set(float64(lag))
		}
		if lag > 0 {
			r.logger.Warn().Int64("lag", lag).Dur("threshold", r.cfg.LagThreshold).
				Msg("Outbox has pending records older than the lag threshold")
		}
	}
}

func (r *Relay) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.repo.ReleaseClaims(ctx, r.instanceID); err != nil {
		r.logger.Error().Err(err).Msg("Failed to release claims on shutdown")
	}
	r.logger.Info().Msg("Relay stopped")
}

func (r *Relay) countOutcome(outcome string) {
	if r.metrics != nil {
		r.metrics.RelayDispatched.WithLabelValues(outcome).Inc()
	}
}
