// Package sequence owns the identity's next unused sequence number and grants
// it to workers one lease at a time.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ligun0805/strike-cluster/internal/metrics"
)

var (
	ErrNotReady = errors.New("sequence broker not ready")
	ErrClosed   = errors.New("sequence broker closed")
)

type State int32

const (
	Uninitialized State = iota
	Ready
	Resync
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case Resync:
		return "resync"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Lease is a one-time-use sequence value. A lease that is never delivered is
// skipped, not reissued.
type Lease struct {
	Value    uint64
	IssuedTo string
	IssuedAt time.Time
}

// Source reads the authoritative current sequence value.
type Source interface {
	Current(ctx context.Context) (uint64, error)
}

type SourceFunc func(ctx context.Context) (uint64, error)

func (f SourceFunc) Current(ctx context.Context) (uint64, error) { return f(ctx) }

type Options struct {
	RetryDelay       time.Duration // between failed bootstrap reads
	BootstrapTimeout time.Duration // bound on one bootstrap read
	Clock            func() time.Time
	Metrics          *metrics.Metrics
}

// deliveredWindow bounds the dedup set kept by ReportDelivered.
const deliveredWindow = 4096

// Broker is the single writer of the sequence counter. All state lives behind
// mu; Run is the only goroutine that performs bootstrap reads.
type Broker struct {
	src  Source
	opts Options
	log  zerolog.Logger

	mu      sync.Mutex
	state   State
	next    uint64
	highest uint64
	granted bool
	// ready is closed while state is Ready (or Closed) and replaced by an open
	// channel on every transition out of Ready.
	ready     chan struct{}
	wake      chan struct{}
	delivered map[uint64]struct{}
}

func NewBroker(src Source, opts Options, log zerolog.Logger) *Broker {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 30 * time.Second
	}
	if opts.BootstrapTimeout <= 0 {
		opts.BootstrapTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	b := &Broker{
		src:       src,
		opts:      opts,
		log:       log.With().Str("component", "broker").Logger(),
		state:     Uninitialized,
		ready:     make(chan struct{}),
		wake:      make(chan struct{}, 1),
		delivered: map[uint64]struct{}{},
	}
	opts.Metrics.SetBrokerState(int(Uninitialized))
	return b
}

// Run drives the bootstrap loop until ctx is done. Leases are only granted
// while Run is active.
func (b *Broker) Run(ctx context.Context) error {
	defer b.close()
	for {
		if st := b.State(); st == Uninitialized || st == Resync {
			if err := b.bootstrap(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				b.log.Warn().Err(err).Dur("retry_in", b.opts.RetryDelay).Msg("bootstrap read failed")
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(b.opts.RetryDelay):
				}
				continue
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-b.wake:
		}
	}
}

func (b *Broker) bootstrap(ctx context.Context) error {
	rctx, cancel := context.WithTimeout(ctx, b.opts.BootstrapTimeout)
	defer cancel()
	truth, err := b.src.Current(rctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Closed {
		return ErrClosed
	}
	next := truth
	if b.granted && b.highest+1 > next {
		next = b.highest + 1
	}
	prev := b.state
	b.next = next
	b.setState(Ready)
	b.log.Info().Str("from", prev.String()).Uint64("ground_truth", truth).Uint64("next", next).Msg("sequence broker ready")
	return nil
}

// setState must be called with mu held.
func (b *Broker) setState(s State) {
	wasOpen := b.state != Ready
	b.state = s
	switch s {
	case Ready, Closed:
		if wasOpen {
			close(b.ready)
		}
	default:
		if !wasOpen {
			b.ready = make(chan struct{})
		}
	}
	b.opts.Metrics.SetBrokerState(int(s))
}

func (b *Broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Closed {
		return
	}
	b.setState(Closed)
	b.log.Info().Msg("sequence broker closed")
}

// RequestLease blocks until the broker is Ready, then grants the next value.
func (b *Broker) RequestLease(ctx context.Context, workerID string) (Lease, error) {
	for {
		b.mu.Lock()
		switch b.state {
		case Ready:
			l := b.grant(workerID)
			b.mu.Unlock()
			return l, nil
		case Closed:
			b.mu.Unlock()
			return Lease{}, ErrClosed
		}
		ready := b.ready
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return Lease{}, fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
		case <-ready:
		}
	}
}

// TryLease grants a lease only if the broker is Ready right now.
func (b *Broker) TryLease(workerID string) (Lease, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Ready:
		return b.grant(workerID), nil
	case Closed:
		return Lease{}, ErrClosed
	}
	return Lease{}, ErrNotReady
}

func (b *Broker) grant(workerID string) Lease {
	v := b.next
	b.next++
	b.highest = v
	b.granted = true
	b.opts.Metrics.LeaseGranted()
	b.log.Debug().Str("worker", workerID).Uint64("value", v).Msg("lease granted")
	return Lease{Value: v, IssuedTo: workerID, IssuedAt: b.opts.Clock()}
}

// Resync moves a Ready broker back to bootstrap. It reports whether the
// request caused a transition; concurrent reports of the same drift collapse
// into one resync.
func (b *Broker) Resync(reason string) bool {
	b.mu.Lock()
	if b.state != Ready {
		b.mu.Unlock()
		return false
	}
	b.setState(Resync)
	b.mu.Unlock()

	b.opts.Metrics.Resync()
	b.log.Warn().Str("reason", reason).Msg("sequence drift reported, resyncing")
	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// ReportDelivered records that the lease value reached an endpoint. It returns
// false when the value was already reported.
func (b *Broker) ReportDelivered(value uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, dup := b.delivered[value]; dup {
		return false
	}
	b.delivered[value] = struct{}{}
	if len(b.delivered) > deliveredWindow && b.highest > deliveredWindow {
		floor := b.highest - deliveredWindow
		for v := range b.delivered {
			if v < floor {
				delete(b.delivered, v)
			}
		}
	}
	return true
}

func (b *Broker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Next returns the value the next lease would carry, if Ready.
func (b *Broker) Next() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next, b.state == Ready
}
