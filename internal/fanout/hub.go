// Package fanout relays signals from one worker to every sibling through a
// single hub.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ligun0805/strike-cluster/internal/ipc"
	"github.com/ligun0805/strike-cluster/internal/metrics"
)

// DeliverFunc hands a signal to one subscriber. An error means the subscriber
// is gone and it is unregistered.
type DeliverFunc func(ipc.Signal) error

type Stats struct {
	Published uint64
	Delivered uint64
	Dropped   uint64
}

type envelope struct {
	origin string
	sig    ipc.Signal
}

type subscriber struct {
	id      string
	out     chan ipc.Signal
	deliver DeliverFunc
	quit    chan struct{}
	once    sync.Once
}

func (s *subscriber) stop() { s.once.Do(func() { close(s.quit) }) }

// Hub orders signals by arrival and offers each to every subscriber except its
// origin. No send in the hub ever blocks: a full inbox or outbox drops.
type Hub struct {
	inbox chan envelope
	done  chan struct{}
	once  sync.Once

	mu   sync.RWMutex
	subs map[string]*subscriber

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64

	metrics *metrics.Metrics
	log     zerolog.Logger
}

func NewHub(inbox int, m *metrics.Metrics, log zerolog.Logger) *Hub {
	if inbox <= 0 {
		inbox = 256
	}
	return &Hub{
		inbox:   make(chan envelope, inbox),
		done:    make(chan struct{}),
		subs:    map[string]*subscriber{},
		metrics: m,
		log:     log.With().Str("component", "fanout").Logger(),
	}
}

// Register adds a subscriber with a bounded outbox. Registering an id again
// replaces the previous subscriber (a respawned worker keeps its id).
func (h *Hub) Register(id string, deliver DeliverFunc, buffer int) {
	if buffer <= 0 {
		buffer = 1
	}
	s := &subscriber{id: id, out: make(chan ipc.Signal, buffer), deliver: deliver, quit: make(chan struct{})}
	h.mu.Lock()
	if old, ok := h.subs[id]; ok {
		old.stop()
	}
	h.subs[id] = s
	h.mu.Unlock()
	go h.pump(s)
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		s.stop()
	}
}

// remove drops s only if it is still the registered subscriber for its id.
func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if h.subs[s.id] == s {
		delete(h.subs, s.id)
	}
	h.mu.Unlock()
	s.stop()
}

// Publish enqueues sig for relay and never blocks. It reports false when the
// signal was dropped.
func (h *Hub) Publish(origin string, sig ipc.Signal) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case h.inbox <- envelope{origin: origin, sig: sig}:
		h.published.Add(1)
		h.metrics.SignalPublished()
		return true
	default:
		h.drop()
		h.log.Debug().Str("origin", origin).Str("signal", sig.ID).Msg("hub inbox full, signal dropped")
		return false
	}
}

// Run relays signals until ctx is done or the hub is closed.
func (h *Hub) Run(ctx context.Context) error {
	defer h.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.done:
			return nil
		case env := <-h.inbox:
			h.broadcast(env)
		}
	}
}

func (h *Hub) broadcast(env envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for id, s := range h.subs {
		if id == env.origin {
			continue
		}
		select {
		case s.out <- env.sig:
		default:
			h.drop()
			h.log.Debug().Str("worker", id).Str("signal", env.sig.ID).Msg("outbox full, signal dropped")
		}
	}
}

func (h *Hub) pump(s *subscriber) {
	for {
		select {
		case <-s.quit:
			return
		case <-h.done:
			return
		case sig := <-s.out:
			if err := s.deliver(sig); err != nil {
				h.log.Debug().Str("worker", s.id).Err(err).Msg("subscriber gone")
				h.remove(s)
				return
			}
			h.delivered.Add(1)
		}
	}
}

func (h *Hub) drop() {
	h.dropped.Add(1)
	h.metrics.SignalDropped()
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Stats() Stats {
	return Stats{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
		Dropped:   h.dropped.Load(),
	}
}

// Close stops every subscriber. Later publishes are dropped.
func (h *Hub) Close() {
	h.once.Do(func() {
		close(h.done)
		h.mu.Lock()
		for id, s := range h.subs {
			s.stop()
			delete(h.subs, id)
		}
		h.mu.Unlock()
	})
}
