// Package consumer runs a consumer-group loop over the event topics and
// shields handlers from redelivery with the dedup guard, so a handler runs
// effectively once per event even though the bus delivers at least once.
package consumer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/microshop/eventcore/internal/domain/event"
	"github.com/microshop/eventcore/internal/domain/inbox"
	"github.com/microshop/eventcore/internal/infrastructure/config"
	"github.com/microshop/eventcore/internal/infrastructure/observability"
)

// Handler processes one decoded event. Returning an error leaves the event
// unacknowledged so it is retried; handlers must therefore tolerate being
// called again for the same event after a failure.
type Handler func(ctx context.Context, env *event.Envelope) error

// messageReader is the slice of kafka.Reader the runner uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewReader builds a consumer-group reader over the configured topics.
func NewReader(kafkaCfg config.KafkaConfig, cfg config.ConsumerConfig) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     kafkaCfg.Brokers,
		GroupID:     cfg.Group,
		GroupTopics: cfg.Topics,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		// Offsets are committed explicitly, one message at a time, only
		// after the dedup guard has recorded the event as processed.
		CommitInterval: 0,
	})
}

type Runner struct {
	reader  messageReader
	guard   inbox.Guard
	handler Handler
	cfg     config.ConsumerConfig
	logger  zerolog.Logger
	metrics *observability.Metrics
	tracer  trace.Tracer

	// Delay before reprocessing a message after a transient failure.
	retryDelay time.Duration
}

func NewRunner(
	reader messageReader,
	guard inbox.Guard,
	handler Handler,
	cfg config.ConsumerConfig,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Runner {
	return &Runner{
		reader:     reader,
		guard:      guard,
		handler:    handler,
		cfg:        cfg,
		logger:     logger.With().Str("component", "consumer").Str("group", cfg.Group).Logger(),
		metrics:    metrics,
		tracer:     otel.Tracer("eventcore/consumer"),
		retryDelay: time.Second,
	}
}

// Run fetches and processes messages until ctx is cancelled. A message is
// committed only once it has been handled or deliberately skipped; a message
// that keeps failing is retried in place rather than stepped over, because
// committing a later offset would implicitly acknowledge it.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Strs("topics", r.cfg.Topics).Msg("Consumer started")
	defer func() {
		if err := r.reader.Close(); err != nil {
			r.logger.Error().Err(err).Msg("Failed to close reader")
		}
		r.logger.Info().Msg("Consumer stopped")
	}()

	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			r.logger.Error().Err(err).Msg("Fetch failed")
			if !r.sleep(ctx) {
				return nil
			}
			continue
		}

		for {
			err := r.process(ctx, msg)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn().Err(err).
				Str("topic", msg.Topic).
				Int64("offset", msg.Offset).
				Msg("Processing failed, will retry")
			if !r.sleep(ctx) {
				return nil
			}
		}
	}
}

// process takes one message through decode, dedup guard, handler and commit.
// A nil return means the message's offset has been committed.
func (r *Runner) process(ctx context.Context, msg kafka.Message) error {
	start := time.Now()

	env, err := event.Decode(msg.Value)
	if err != nil {
		// A malformed message will never decode; committing it keeps the
		// partition moving instead of wedging the group on a poison record.
		r.logger.Error().Err(err).
			Str("topic", msg.Topic).
			Int64("offset", msg.Offset).
			Msg("Skipping undecodable message")
		r.countOutcome("malformed")
		return r.commit(ctx, msg)
	}

	logger := r.logger.With().
		Stringer("event_id", env.ID).
		Str("event_type", env.EventType).
		Str("aggregate_id", env.AggregateID).
		Logger()

	// ErrLeaseHeld means another instance is mid-flight on this event; wait
	// until it finishes or its lease expires. A guard store outage also
	// blocks here: handling without dedup could double-run the handler.
	acq, err := r.guard.TryAcquire(ctx, r.cfg.Group, env.ID, r.cfg.LeaseTTL)
	if err != nil {
		return err
	}
	if acq == inbox.AlreadyProcessed {
		logger.Debug().Msg("Duplicate delivery skipped")
		if r.metrics != nil {
			r.metrics.ConsumerDuplicates.WithLabelValues(r.cfg.Group).Inc()
		}
		return r.commit(ctx, msg)
	}

	handlerCtx, span := r.tracer.Start(ctx, "consumer.handle",
		trace.WithAttributes(
			attribute.String("event.type", env.EventType),
			attribute.String("event.id", env.ID.String()),
		))
	err = r.handler(handlerCtx, env)
	span.End()
	if err != nil {
		logger.Warn().Err(err).Msg("Handler failed, releasing dedup lease")
		if relErr := r.guard.Release(context.WithoutCancel(ctx), r.cfg.Group, env.ID); relErr != nil {
			logger.Error().Err(relErr).Msg("Failed to release dedup lease")
		}
		r.countOutcome("handler_error")
		return err
	}

	if err := r.guard.MarkProcessed(context.WithoutCancel(ctx), r.cfg.Group, env.ID); err != nil {
		// The handler already ran. Committing anyway trades a possible
		// duplicate after lease expiry for not re-running the handler now.
		logger.Error().Err(err).Msg("Handled but failed to mark processed")
	}

	if r.metrics != nil {
		r.metrics.ConsumerDuration.WithLabelValues(r.cfg.Group).Observe(time.Since(start).Seconds())
	}
	r.countOutcome("processed")
	logger.Debug().Msg("Event processed")
	return r.commit(ctx, msg)
}

func (r *Runner) commit(ctx context.Context, msg kafka.Message) error {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.CommitTimeout)
	defer cancel()
	if err := r.reader.CommitMessages(commitCtx, msg); err != nil {
		return err
	}
	return nil
}

func (r *Runner) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.retryDelay):
		return true
	}
}

func (r *Runner) countOutcome(outcome string) {
	if r.metrics != nil {
		r.metrics.ConsumerProcessed.WithLabelValues(r.cfg.Group, outcome).Inc()
	}
}
