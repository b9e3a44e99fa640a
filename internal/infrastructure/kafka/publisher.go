package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sony/gobreaker/v2"

	domainErrors "github.com/microshop/eventcore/internal/domain/errors"
	"github.com/microshop/eventcore/internal/domain/event"
	"github.com/microshop/eventcore/internal/infrastructure/config"
	"github.com/microshop/eventcore/internal/infrastructure/observability"
	"github.com/microshop/eventcore/pkg/retry"
)

// messageWriter is the slice of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher wraps the bus producer with delivery confirmation, bounded
// in-process retry, and a circuit breaker. Send blocks until the broker
// acknowledges persistence (acks=all) or the timeout elapses. A timeout is
// ambiguous (the message may have been persisted), so callers rely on
// downstream dedup rather than assuming failure.
type Publisher struct {
	writer   messageWriter
	cfg      *config.KafkaConfig
	breaker  *gobreaker.CircuitBreaker[struct{}]
	retryCfg retry.Config
	metrics  *observability.Metrics
}

// NewWriter builds the kafka writer: acks from all ISRs, hash balancing on
// the message key so one partition carries an aggregate's events in order.
func NewWriter(cfg *config.KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: cfg.WriteTimeout,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func NewPublisher(writer messageWriter, cfg *config.KafkaConfig, metrics *observability.Metrics) *Publisher {
	p := &Publisher{
		writer: writer,
		cfg:    cfg,
		retryCfg: retry.Config{
			MaxAttempts:  uint(max(cfg.SendRetries, 1)),
			InitialDelay: cfg.SendRetryDelay,
			MaxDelay:     cfg.WriteTimeout,
		},
		metrics: metrics,
	}
	p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "kafka-publisher",
		MaxRequests: 10,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 10 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if metrics != nil {
				metrics.CircuitBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			}
		},
	})
	return p
}

// Send publishes one envelope and blocks for broker acknowledgement.
func (p *Publisher) Send(ctx context.Context, env *event.Envelope, data []byte) error {
	if p.cfg.MaxMessageSize > 0 && len(data) > p.cfg.MaxMessageSize {
		return fmt.Errorf("%w: message size %d exceeds limit %d",
			domainErrors.ErrPublishRejected, len(data), p.cfg.MaxMessageSize)
	}

	topic := p.cfg.TopicFor(env.AggregateType)
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(env.AggregateID),
		Value: data,
		Time:  env.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(env.ID.String())},
			{Key: "event_type", Value: []byte(env.EventType)},
			{Key: "producer", Value: []byte(env.Producer)},
			{Key: "schema_version", Value: []byte(env.SchemaVersion)},
		},
	}

	start := time.Now()
	_, err := p.breaker.Execute(func() (struct{}, error) {
		sendCtx := ctx
		if p.cfg.WriteTimeout > 0 {
			var cancel context.CancelFunc
			sendCtx, cancel = context.WithTimeout(ctx, p.cfg.WriteTimeout)
			defer cancel()
		}
		return struct{}{}, retry.Do(sendCtx, p.retryCfg, func() error {
			werr := p.writer.WriteMessages(sendCtx, msg)
			if werr != nil && !isTransient(werr) {
				return retry.Unrecoverable(werr)
			}
			return werr
		})
	})
	if p.metrics != nil {
		p.metrics.PublishDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		classified := classify(err)
		if p.metrics != nil {
			p.metrics.PublishErrors.WithLabelValues(errorKind(classified)).Inc()
		}
		return classified
	}
	return nil
}

func isTransient(err error) bool {
	var kerr kafka.Error
	if errors.As(err, &kerr) {
		return kerr.Temporary() || kerr.Timeout()
	}
	return true
}

// classify maps transport failures onto the publisher error taxonomy,
// keeping the original error in the chain.
func classify(err error) error {
	var kerr kafka.Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%w: circuit open: %v", domainErrors.ErrBrokerUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", domainErrors.ErrPublishTimeout, err)
	case errors.As(err, &kerr):
		if kerr.Timeout() {
			return fmt.Errorf("%w: %v", domainErrors.ErrPublishTimeout, err)
		}
		if !kerr.Temporary() {
			return fmt.Errorf("%w: %v", domainErrors.ErrPublishRejected, err)
		}
		return fmt.Errorf("%w: %v", domainErrors.ErrBrokerUnavailable, err)
	default:
		return fmt.Errorf("%w: %v", domainErrors.ErrBrokerUnavailable, err)
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domainErrors.ErrPublishTimeout):
		return "timeout"
	case errors.Is(err, domainErrors.ErrPublishRejected):
		return "rejected"
	default:
		return "unavailable"
	}
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 2
	}
}
