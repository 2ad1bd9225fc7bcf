package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/p2p-escrow/trade-engine/internal/domain/event"
	"github.com/p2p-escrow/trade-engine/internal/infrastructure/bus"
)

// Config selects the brokers and topic backing the bus. GroupID must be
// unique per process: every process consumes the whole topic and serves
// its own subscribers.
type Config struct {
	Brokers      []string
	Topic        string
	GroupID      string
	BatchTimeout time.Duration
}

// recordReader is the consumer side of the bus. *kafkago.Reader satisfies it.
type recordReader interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Bus is an event.Bus backed by a Kafka topic. Publish writes one record per
// recipient keyed by the recipient identity, so events for a recipient stay
// ordered within a partition. Consumed records are handed to local
// subscriptions and committed only after the hand-off succeeds.
type Bus struct {
	writer *kafkago.Writer
	reader recordReader
	local  *bus.Memory
	logger zerolog.Logger

	closeOnce sync.Once
}

func NewBus(cfg Config, logger zerolog.Logger) *Bus {
	batch := cfg.BatchTimeout
	if batch <= 0 {
		batch = 10 * time.Millisecond
	}
	return &Bus{
		writer: &kafkago.Writer{
			Addr:         kafkago.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafkago.CRC32Balancer{},
			BatchTimeout: batch,
			RequiredAcks: kafkago.RequireOne,
		},
		reader: kafkago.NewReader(kafkago.ReaderConfig{
			Brokers:     cfg.Brokers,
			Topic:       cfg.Topic,
			GroupID:     cfg.GroupID,
			StartOffset: kafkago.LastOffset,
			MinBytes:    1,
			MaxBytes:    1 << 20,
			MaxWait:     250 * time.Millisecond,
		}),
		local:  bus.NewMemory(0),
		logger: logger.With().Str("component", "kafka_bus").Str("topic", cfg.Topic).Logger(),
	}
}

func (b *Bus) Publish(ctx context.Context, recipientID string, ev event.Event) error {
	msg, err := encodeMessage(recipientID, ev)
	if err != nil {
		return err
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write: %w", err)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, recipientID string) (event.Subscription, error) {
	return b.local.Subscribe(ctx, recipientID)
}

// Run consumes the topic until ctx ends or the bus is closed.
func (b *Bus) Run(ctx context.Context) error {
	for {
		msg, err := b.reader.FetchMessage(ctx)
		if err != nil {
			// io.EOF means the reader was closed.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("kafka fetch: %w", err)
		}

		recipient, ev, err := decodeMessage(msg)
		if err != nil {
			b.logger.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("skipping undecodable event")
		} else if err := b.local.Publish(ctx, recipient, ev); err != nil {
			if errors.Is(err, event.ErrBusClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("local dispatch: %w", err)
		}

		if err := b.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			b.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("commit failed")
		}
	}
}

// Close stops local subscriptions and releases the Kafka clients.
func (b *Bus) Close() error {
	var errs []error
	b.closeOnce.Do(func() {
		b.local.Close()
		if err := b.reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
		if err := b.writer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close writer: %w", err))
		}
	})
	return errors.Join(errs...)
}

func encodeMessage(recipientID string, ev event.Event) (kafkago.Message, error) {
	if recipientID == "" {
		return kafkago.Message{}, errors.New("kafka: empty recipient")
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("encode event: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(recipientID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafkago.Header{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}, nil
}

func decodeMessage(msg kafkago.Message) (string, event.Event, error) {
	var ev event.Event
	if len(msg.Key) == 0 {
		return "", ev, errors.New("kafka: record without recipient key")
	}
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return "", ev, fmt.Errorf("decode event: %w", err)
	}
	return string(msg.Key), ev, nil
}
