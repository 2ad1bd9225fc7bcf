package delivery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p2p-escrow/trade-engine/internal/domain/event"
	"github.com/p2p-escrow/trade-engine/internal/domain/trade"
)

// Metrics receives delivery outcomes.
type Metrics interface {
	DeliveryDegraded(kind string)
}

type nopMetrics struct{}

func (nopMetrics) DeliveryDegraded(string) {}

// DefaultTimeout bounds a publish when no positive timeout is configured.
const DefaultTimeout = 5 * time.Second

// Publisher fans committed trade events out to their recipients. Writers
// hold the trade's lock from compare-and-set until publish returns, which
// keeps per-recipient delivery in commit order for that trade. Waiting for
// the lock honours the caller's context and every publish is bounded by the
// publisher timeout.
type Publisher struct {
	bus     event.Bus
	timeout time.Duration
	locks   *keyedMutex
	metrics Metrics
	logger  zerolog.Logger
}

// NewPublisher creates a publisher. A non-positive timeout is replaced by
// DefaultTimeout.
func NewPublisher(bus event.Bus, timeout time.Duration, metrics Metrics, logger zerolog.Logger) *Publisher {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Publisher{
		bus:     bus,
		timeout: timeout,
		locks:   newKeyedMutex(),
		metrics: metrics,
		logger:  logger.With().Str("service", "delivery").Logger(),
	}
}

// Lock serializes commit+publish for one trade. Other trades never wait.
// If ctx ends first the error wraps trade.ErrTimeout or trade.ErrCancelled.
func (p *Publisher) Lock(ctx context.Context, tradeID uuid.UUID) (unlock func(), err error) {
	unlock, err = p.locks.Lock(ctx, tradeID)
	if err != nil {
		return nil, fmt.Errorf("wait for trade %s: %w", tradeID, trade.ClassifyInfra(err))
	}
	return unlock, nil
}

// Publish sends ev to every recipient in ev.RecipientIDs.
func (p *Publisher) Publish(ctx context.Context, ev event.Event) error {
	return p.PublishTo(ctx, ev, ev.RecipientIDs)
}

// PublishTo sends ev to each of targets. Failures do not stop delivery to
// the remaining targets; if any could not be reached the returned error
// wraps trade.ErrDeliveryDegraded.
func (p *Publisher) PublishTo(ctx context.Context, ev event.Event, targets []string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var (
		failed  int
		lastErr error
	)
	for _, recipient := range targets {
		if err := p.bus.Publish(ctx, recipient, ev); err != nil {
			failed++
			lastErr = err
			p.logger.Warn().
				Err(err).
				Str("trade_id", ev.TradeID.String()).
				Str("event_id", ev.ID.String()).
				Str("kind", string(ev.Kind)).
				Str("recipient", recipient).
				Msg("event delivery failed")
		}
	}
	if failed == 0 {
		return nil
	}
	p.metrics.DeliveryDegraded(string(ev.Kind))
	return fmt.Errorf("%w: %d of %d recipients unreachable: %v", trade.ErrDeliveryDegraded, failed, len(targets), lastErr)
}

// keyedMutex hands out one slot per trade. A held slot is a full buffered
// channel, so waiters can give up when their context ends.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[uuid.UUID]*slot)}
}

func (k *keyedMutex) Lock(ctx context.Context, id uuid.UUID) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k.mu.Lock()
	l, ok := k.locks[id]
	if !ok {
		l = &slot{ch: make(chan struct{}, 1)}
		k.locks[id] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				k.release(id, l)
			})
		}, nil
	case <-ctx.Done():
		k.release(id, l)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) release(id uuid.UUID, l *slot) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, id)
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
