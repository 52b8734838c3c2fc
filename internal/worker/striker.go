package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/ligun0805/strike-cluster/internal/evaluate"
	"github.com/ligun0805/strike-cluster/internal/ipc"
	"github.com/ligun0805/strike-cluster/internal/metrics"
	"github.com/ligun0805/strike-cluster/internal/router"
	"github.com/ligun0805/strike-cluster/internal/signer"
)

// ErrStrikeDone ends the worker after its first accepted submission when the
// cluster runs in exit-after-first-success mode.
var ErrStrikeDone = errors.New("strike accepted, exiting")

// Link is the striker's view of the supervisor.
type Link interface {
	RequestLease(ctx context.Context) (uint64, error)
	Resync(reason string) error
	Delivered(value uint64) error
	Done(value uint64) error
	Status(state string) error
}

// Submitter routes a signed payload through the endpoint pools.
type Submitter interface {
	Route(ctx context.Context, req router.Request) (router.Response, error)
}

type Striker struct {
	Worker                string
	Link                  Link
	Evaluator             evaluate.Evaluator
	Signer                signer.Signer
	Submitter             Submitter
	LeaseTimeout          time.Duration
	ExitAfterFirstSuccess bool
	Metrics               *metrics.Metrics
	Log                   zerolog.Logger

	machine  Machine
	once     sync.Once
	inbox    chan ipc.Signal
	strikes  atomic.Int64
	accepted atomic.Int64
}

func (s *Striker) queue() chan ipc.Signal {
	s.once.Do(func() { s.inbox = make(chan ipc.Signal, 1) })
	return s.inbox
}

// Offer hands a relayed signal to the striker without blocking. While a cycle
// is in flight the signal is dropped.
func (s *Striker) Offer(sig ipc.Signal) bool {
	s.Metrics.SignalReceived()
	if !s.machine.Begin() {
		s.Log.Debug().Str("signal", sig.ID).Str("state", s.machine.State().String()).Msg("busy, dropping signal")
		return false
	}
	s.Metrics.SetBusy(true)
	select {
	case s.queue() <- sig:
		return true
	default:
		// unreachable while Begin guards the inbox
		_ = s.machine.Finish(Failed)
		s.Metrics.SetBusy(false)
		return false
	}
}

// Run executes one cycle per accepted signal until ctx ends. It returns
// ErrStrikeDone after the first accepted submission in exit mode.
func (s *Striker) Run(ctx context.Context) error {
	inbox := s.queue()
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-inbox:
			if err := s.strike(ctx, sig); err != nil {
				return err
			}
		}
	}
}

func (s *Striker) Busy() bool      { return s.machine.Busy() }
func (s *Striker) State() State    { return s.machine.State() }
func (s *Striker) Strikes() int64  { return s.strikes.Load() }
func (s *Striker) Accepted() int64 { return s.accepted.Load() }

func (s *Striker) strike(ctx context.Context, sig ipc.Signal) error {
	s.strikes.Add(1)
	log := s.Log.With().Str("signal", sig.ID).Logger()
	defer s.Metrics.SetBusy(false)
	_ = s.Link.Status(Leasing.String())

	leaseCtx, cancel := s.leaseContext(ctx)
	value, err := s.Link.RequestLease(leaseCtx)
	cancel()
	if err != nil {
		log.Warn().Err(err).Msg("lease unavailable")
		s.finish(Failed)
		return nil
	}
	if err := s.machine.Leased(); err != nil {
		return err
	}
	log = log.With().Uint64("sequence", value).Logger()

	req, err := s.Evaluator.Evaluate(ctx, evaluate.Snapshot{Signal: sig, Sequence: value})
	if err != nil {
		log.Warn().Err(err).Msg("evaluation failed, lease abandoned")
		s.finish(Failed)
		return nil
	}
	if req == nil {
		log.Debug().Msg("declined, lease abandoned")
		s.finish(Declined)
		return nil
	}
	signed, err := s.Signer.Sign(req.Draft, value)
	if err != nil {
		log.Error().Err(err).Msg("sign failed")
		s.finish(Failed)
		return nil
	}

	submitCtx := ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}
	_ = s.Link.Status(Submitting.String())
	resp, err := s.Submitter.Route(submitCtx, router.Request{
		Method:     "eth_sendRawTransaction",
		Params:     []any{signed.Hex()},
		Pools:      req.PoolOrder,
		Submission: true,
	})
	if err != nil {
		return s.rejected(log, err)
	}

	s.accepted.Add(1)
	log.Info().
		Str("tx", signed.Hash.Hex()).
		Str("endpoint", resp.Endpoint.String()).
		Int("attempts", resp.Attempts).
		Bool("duplicate", resp.Duplicate).
		Msg("submission accepted")
	if err := s.Link.Delivered(value); err != nil {
		log.Warn().Err(err).Msg("delivery report failed")
	}
	s.finish(Accepted)
	if s.ExitAfterFirstSuccess {
		if err := s.Link.Done(value); err != nil {
			log.Warn().Err(err).Msg("done report failed")
		}
		return ErrStrikeDone
	}
	return nil
}

func (s *Striker) rejected(log zerolog.Logger, err error) error {
	if router.IsSequenceConflict(err) {
		log.Warn().Err(err).Msg("sequence conflict, requesting resync")
		s.Metrics.Strike(Conflict.String())
		if ferr := s.machine.Finish(Conflict); ferr != nil {
			return ferr
		}
		_ = s.Link.Status(Resync.String())
		if rerr := s.Link.Resync(err.Error()); rerr != nil {
			log.Error().Err(rerr).Msg("resync request failed")
		}
		if rerr := s.machine.Recovered(); rerr != nil {
			return rerr
		}
		_ = s.Link.Status(Idle.String())
		return nil
	}
	var agg *router.AggregateError
	if errors.As(err, &agg) {
		log.Error().Err(err).Msg("submission failed on every endpoint")
	} else {
		log.Warn().Err(err).Msg("submission rejected")
	}
	s.finish(Failed)
	return nil
}

func (s *Striker) finish(o Outcome) {
	s.Metrics.Strike(o.String())
	if err := s.machine.Finish(o); err != nil {
		s.Log.Error().Err(err).Msg("strike state")
	}
	_ = s.Link.Status(Idle.String())
}

func (s *Striker) leaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.LeaseTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.LeaseTimeout)
}
