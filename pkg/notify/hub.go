package notify

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// AllVaults subscribes to every vault.
const AllVaults = "*"

var ErrUnknownSubscriber = errors.New("unknown subscriber")

// Subscriber is one registered listener with a bounded queue.
type Subscriber struct {
	ID string

	send chan Event

	mu     sync.Mutex
	closed bool
	vaults map[string]struct{}
}

// Events is closed when the subscriber is unregistered or dropped.
func (s *Subscriber) Events() <-chan Event {
	return s.send
}

// IsSubscribed reports whether events for vaultKey reach this subscriber.
func (s *Subscriber) IsSubscribed(vaultKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vaults[AllVaults]; ok {
		return true
	}
	_, ok := s.vaults[vaultKey]
	return ok
}

// offer enqueues without blocking. ok is false when the queue is full.
func (s *Subscriber) offer(ev Event) (ok bool, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true, true
	}
	select {
	case s.send <- ev:
		return true, false
	default:
		return false, false
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.send)
}

// Hub is the process-local subscriber registry. It is created once at startup
// and handed to the transport layer and to the core as a Broadcaster.
type Hub struct {
	logger *zap.Logger
	buffer int

	subs    *xsync.Map[string, *Subscriber]
	dropped atomic.Uint64
}

// NewHub builds a hub whose subscribers queue up to buffer events.
func NewHub(logger *zap.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{
		logger: logger.With(zap.String("component", "notify")),
		buffer: buffer,
		subs:   xsync.NewMap[string, *Subscriber](),
	}
}

// Register adds a subscriber with no vault subscriptions.
func (h *Hub) Register() *Subscriber {
	s := &Subscriber{
		ID:     uuid.NewString(),
		send:   make(chan Event, h.buffer),
		vaults: make(map[string]struct{}),
	}
	h.subs.Store(s.ID, s)
	return s
}

// Unregister removes the subscriber and closes its queue.
func (h *Hub) Unregister(id string) {
	if s, ok := h.subs.LoadAndDelete(id); ok {
		s.close()
	}
}

// Subscribe adds vaultKey (or AllVaults) to the subscriber's filter.
func (h *Hub) Subscribe(id, vaultKey string) error {
	s, ok := h.subs.Load(id)
	if !ok {
		return ErrUnknownSubscriber
	}
	s.mu.Lock()
	s.vaults[vaultKey] = struct{}{}
	s.mu.Unlock()
	return nil
}

// Unsubscribe removes vaultKey from the subscriber's filter.
func (h *Hub) Unsubscribe(id, vaultKey string) error {
	s, ok := h.subs.Load(id)
	if !ok {
		return ErrUnknownSubscriber
	}
	s.mu.Lock()
	delete(s.vaults, vaultKey)
	s.mu.Unlock()
	return nil
}

// Broadcast delivers ev to subscribers of vaultKey.
func (h *Hub) Broadcast(vaultKey string, ev Event) {
	if ev.VaultKey == "" {
		ev.VaultKey = vaultKey
	}
	h.subs.Range(func(id string, s *Subscriber) bool {
		if s.IsSubscribed(vaultKey) {
			h.deliver(s, ev)
		}
		return true
	})
}

// BroadcastAll delivers ev to every subscriber.
func (h *Hub) BroadcastAll(ev Event) {
	h.subs.Range(func(id string, s *Subscriber) bool {
		h.deliver(s, ev)
		return true
	})
}

// deliver never blocks. A subscriber whose queue is full is dropped.
func (h *Hub) deliver(s *Subscriber, ev Event) {
	ok, closed := s.offer(ev)
	if ok || closed {
		return
	}
	h.dropped.Add(1)
	h.logger.Warn("Dropping slow subscriber",
		zap.String("subscriber", s.ID),
		zap.String("event", string(ev.Type)),
		zap.Int("buffer", h.buffer))
	h.Unregister(s.ID)
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	return h.subs.Size()
}

// Dropped returns how many subscribers were disconnected for overflowing.
func (h *Hub) Dropped() uint64 {
	return h.dropped.Load()
}

// Close unregisters every subscriber.
func (h *Hub) Close() {
	h.subs.Range(func(id string, _ *Subscriber) bool {
		h.Unregister(id)
		return true
	})
}
