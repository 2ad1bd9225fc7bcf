package fanout

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p2p-escrow/trade-engine/internal/clock"
	"github.com/p2p-escrow/trade-engine/internal/domain/event"
	"github.com/p2p-escrow/trade-engine/internal/domain/notification"
)

const updateBuffer = 16

var ErrServiceClosed = errors.New("fan-out closed")

// Metrics receives session lifecycle changes.
type Metrics interface {
	SessionOpened()
	SessionClosed()
}

type nopMetrics struct{}

func (nopMetrics) SessionOpened() {}
func (nopMetrics) SessionClosed() {}

// Update is pushed to every live session of a recipient after its counters
// change. Notification is set when the change came from an event.
type Update struct {
	Counts       notification.Counts        `json:"counts"`
	Notification *notification.Notification `json:"notification,omitempty"`
}

// Service keeps live unread counters per recipient. A recipient holds one
// bus subscription shared by all of its sessions; the counters live only
// as long as at least one session is open.
type Service struct {
	bus     event.Bus
	clock   clock.Clock
	ttl     time.Duration
	metrics Metrics
	logger  zerolog.Logger

	mu         sync.Mutex
	recipients map[string]*recipientState
	nextID     uint64
	closed     bool
}

type recipientState struct {
	id       string
	sub      event.Subscription
	counts   notification.Counts
	notes    []*notification.Notification
	sessions map[uint64]*Session
}

// NewService creates a fan-out over bus. ttl is the display timeout of
// ephemeral notifications.
func NewService(bus event.Bus, clk clock.Clock, ttl time.Duration, metrics Metrics, logger zerolog.Logger) *Service {
	if clk == nil {
		clk = clock.NewSystem()
	}
	if ttl <= 0 {
		ttl = notification.DefaultDisplayTimeout
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Service{
		bus:        bus,
		clock:      clk,
		ttl:        ttl,
		metrics:    metrics,
		logger:     logger.With().Str("service", "fanout").Logger(),
		recipients: make(map[string]*recipientState),
	}
}

// Subscribe opens a session for recipientID. The first session of a
// recipient subscribes to the bus; Close on the last one releases it.
func (s *Service) Subscribe(ctx context.Context, recipientID string) (*Session, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, ErrServiceClosed
		}
		if st, ok := s.recipients[recipientID]; ok {
			sess := s.attachLocked(st)
			s.mu.Unlock()
			return sess, nil
		}
		s.mu.Unlock()

		// The bus is subscribed without holding s.mu: a publisher blocked on
		// a full subscription waits for a pump that needs s.mu.
		sub, err := s.bus.Subscribe(ctx, recipientID)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			sub.Close()
			return nil, ErrServiceClosed
		}
		if _, ok := s.recipients[recipientID]; ok {
			s.mu.Unlock()
			sub.Close()
			continue
		}
		st := &recipientState{id: recipientID, sub: sub, sessions: make(map[uint64]*Session)}
		s.recipients[recipientID] = st
		go s.pump(st)
		sess := s.attachLocked(st)
		s.mu.Unlock()
		return sess, nil
	}
}

func (s *Service) attachLocked(st *recipientState) *Session {
	s.nextID++
	sess := &Session{
		svc:       s,
		recipient: st.id,
		id:        s.nextID,
		updates:   make(chan Update, updateBuffer),
	}
	st.sessions[sess.id] = sess
	sess.push(Update{Counts: st.counts})
	s.metrics.SessionOpened()
	s.logger.Debug().Str("recipient", st.id).Uint64("session", sess.id).Msg("session opened")
	return sess
}

// OnEvent counts ev for recipientID. Redelivered events are counted again.
// Events for a recipient without a live session are dropped.
func (s *Service) OnEvent(recipientID string, ev event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.recipients[recipientID]; ok {
		s.applyLocked(st, ev)
	}
}

// Clear resets every counter of recipientID.
func (s *Service) Clear(recipientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.recipients[recipientID]; ok {
		st.counts.Reset()
		broadcastLocked(st, Update{Counts: st.counts})
	}
}

// ClearKind resets one counter category of recipientID.
func (s *Service) ClearKind(recipientID string, kind event.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.recipients[recipientID]; ok {
		st.counts.ClearKind(kind)
		broadcastLocked(st, Update{Counts: st.counts})
	}
}

// Counts returns a snapshot; ok is false when recipientID has no session.
func (s *Service) Counts(recipientID string) (notification.Counts, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.recipients[recipientID]
	if !ok {
		return notification.Counts{}, false
	}
	return st.counts, true
}

// Notifications returns the recipient's notifications that are still
// within their display timeout, oldest first.
func (s *Service) Notifications(recipientID string) []*notification.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.recipients[recipientID]
	if !ok {
		return []*notification.Notification{}
	}
	s.pruneLocked(st)
	out := make([]*notification.Notification, 0, len(st.notes))
	for _, n := range st.notes {
		c := *n
		out = append(out, &c)
	}
	return out
}

// Dismiss removes one notification before its display timeout.
func (s *Service) Dismiss(recipientID string, notificationID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.recipients[recipientID]
	if !ok {
		return notification.ErrNotFound
	}
	for i, n := range st.notes {
		if n.ID == notificationID {
			st.notes = append(st.notes[:i], st.notes[i+1:]...)
			return nil
		}
	}
	return notification.ErrNotFound
}

// Close ends every session and bus subscription.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	var (
		subs     []event.Subscription
		sessions int
	)
	for id, st := range s.recipients {
		for _, sess := range st.sessions {
			sess.closeLocked()
			sessions++
		}
		subs = append(subs, st.sub)
		delete(s.recipients, id)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	for i := 0; i < sessions; i++ {
		s.metrics.SessionClosed()
	}
}

func (s *Service) pump(st *recipientState) {
	for ev := range st.sub.Events() {
		s.mu.Lock()
		if s.recipients[st.id] == st {
			s.applyLocked(st, ev)
		}
		s.mu.Unlock()
	}
}

func (s *Service) applyLocked(st *recipientState, ev event.Event) {
	if !st.counts.Add(ev.Kind) {
		s.logger.Warn().Str("kind", string(ev.Kind)).Str("recipient", st.id).Msg("ignoring unknown event kind")
		return
	}
	s.pruneLocked(st)
	n := notification.FromEvent(st.id, ev, s.clock.Now(), s.ttl)
	st.notes = append(st.notes, n)
	broadcastLocked(st, Update{Counts: st.counts, Notification: n})
}

func (s *Service) pruneLocked(st *recipientState) {
	now := s.clock.Now()
	kept := st.notes[:0]
	for _, n := range st.notes {
		if !n.IsExpired(now) {
			kept = append(kept, n)
		}
	}
	for i := len(kept); i < len(st.notes); i++ {
		st.notes[i] = nil
	}
	st.notes = kept
}

func (s *Service) release(sess *Session) {
	s.mu.Lock()
	st, ok := s.recipients[sess.recipient]
	if !ok || st.sessions[sess.id] != sess {
		s.mu.Unlock()
		return
	}
	delete(st.sessions, sess.id)
	sess.closeLocked()
	var sub event.Subscription
	if len(st.sessions) == 0 {
		delete(s.recipients, st.id)
		sub = st.sub
	}
	s.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	s.metrics.SessionClosed()
	s.logger.Debug().Str("recipient", sess.recipient).Uint64("session", sess.id).Msg("session closed")
}

func broadcastLocked(st *recipientState, u Update) {
	for _, sess := range st.sessions {
		sess.push(u)
	}
}

// Session is one live view of a recipient's counters.
type Session struct {
	svc       *Service
	recipient string
	id        uint64
	updates   chan Update
	closed    bool
}

// RecipientID returns the identity this session belongs to.
func (s *Session) RecipientID() string {
	return s.recipient
}

// Updates delivers the current counters on open and after every change.
// The channel is closed when the session ends.
func (s *Session) Updates() <-chan Update {
	return s.updates
}

// Close ends the session. Safe to call more than once.
func (s *Session) Close() {
	s.svc.release(s)
}

// push never blocks: when the reader lags, the oldest pending update is
// dropped, since every update carries the full counter snapshot.
func (s *Session) push(u Update) {
	if s.closed {
		return
	}
	for {
		select {
		case s.updates <- u:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

func (s *Session) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.updates)
	}
}
