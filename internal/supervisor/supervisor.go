// Package supervisor spawns worker processes, respawns them when they exit,
// and relays their lease and signal traffic to the broker and fan-out hub.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ligun0805/strike-cluster/internal/fanout"
	"github.com/ligun0805/strike-cluster/internal/ipc"
	"github.com/ligun0805/strike-cluster/internal/metrics"
	"github.com/ligun0805/strike-cluster/internal/sequence"
)

var errStopping = errors.New("supervisor stopping")

// Broker is the lease authority hosted in the supervisor process.
type Broker interface {
	Run(ctx context.Context) error
	RequestLease(ctx context.Context, workerID string) (sequence.Lease, error)
	Resync(reason string) bool
	ReportDelivered(value uint64) bool
}

type Options struct {
	WorkerCount           int
	BootDelay             time.Duration // between consecutive initial spawns
	RespawnBackoff        time.Duration
	ListenerEvery         int
	LeaseTimeout          time.Duration // bound on one relayed lease request, 0 = none
	ExitAfterFirstSuccess bool
	KillGrace             time.Duration
	Outbox                int // per-worker signal buffer
	Metrics               *metrics.Metrics
}

// WorkerRecord is the supervisor's view of one worker slot.
type WorkerRecord struct {
	Spec          WorkerSpec
	Process       Process
	Role          Role
	RestartCount  int
	LastRestartAt time.Time
	StartedAt     time.Time
	Running       bool
	Status        string // last state the worker reported
}

type Supervisor struct {
	opts    Options
	spawner Spawner
	broker  Broker
	hub     *fanout.Hub
	log     zerolog.Logger

	mu       sync.Mutex
	records  map[string]*WorkerRecord
	stopping bool
	wg       sync.WaitGroup

	done chan ipc.Message
}

func New(opts Options, spawner Spawner, broker Broker, hub *fanout.Hub, log zerolog.Logger) *Supervisor {
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 1
	}
	if opts.ListenerEvery <= 0 {
		opts.ListenerEvery = 4
	}
	if opts.Outbox <= 0 {
		opts.Outbox = 4
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 500 * time.Millisecond
	}
	return &Supervisor{
		opts:    opts,
		spawner: spawner,
		broker:  broker,
		hub:     hub,
		log:     log.With().Str("component", "supervisor").Logger(),
		records: map[string]*WorkerRecord{},
		done:    make(chan ipc.Message, 1),
	}
}

// Start runs the broker and hub, spawns the workers with BootDelay between
// them and blocks until ctx ends or, in exit-after-first-success mode, a
// worker reports an accepted submission. All workers are stopped on return.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.broker.Run(gctx) })
	g.Go(func() error { return s.hub.Run(gctx) })
	g.Go(func() error {
		s.spawnAll(gctx)
		return nil
	})

	s.log.Info().
		Int("workers", s.opts.WorkerCount).
		Dur("boot_delay", s.opts.BootDelay).
		Bool("exit_after_first_success", s.opts.ExitAfterFirstSuccess).
		Msg("supervisor started")

	select {
	case <-gctx.Done():
	case m := <-s.done:
		s.log.Info().Str("worker", m.Worker).Uint64("sequence", m.Value).Msg("submission accepted, shutting down")
	}
	s.shutdown(cancel)
	return g.Wait()
}

func (s *Supervisor) spawnAll(ctx context.Context) {
	for i := 0; i < s.opts.WorkerCount; i++ {
		if i > 0 && s.opts.BootDelay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.opts.BootDelay):
			}
		}
		spec := WorkerSpec{ID: fmt.Sprintf("w%d", i), Role: RoleFor(i, s.opts.ListenerEvery), Index: i}
		if err := s.launch(ctx, spec); err != nil {
			if errors.Is(err, errStopping) {
				return
			}
			s.log.Error().Err(err).Str("worker", spec.ID).Msg("spawn failed")
			s.track(func() { s.retryLaunch(ctx, spec) })
		}
	}
}

func (s *Supervisor) launch(ctx context.Context, spec WorkerSpec) error {
	proc, err := s.spawner.Spawn(ctx, spec)
	if err != nil {
		return err
	}
	now := time.Now()

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		proc.Kill(0)
		return errStopping
	}
	rec, ok := s.records[spec.ID]
	if !ok {
		rec = &WorkerRecord{Spec: spec, Role: spec.Role}
		s.records[spec.ID] = rec
	}
	rec.Spec = spec
	rec.Process = proc
	rec.RestartCount = spec.Restarts
	rec.StartedAt = now
	rec.Running = true
	rec.Status = ""
	if spec.Restarts > 0 {
		rec.LastRestartAt = now
	}
	s.wg.Add(1)
	s.mu.Unlock()

	s.opts.Metrics.WorkerUp()
	s.hub.Register(spec.ID, func(sig ipc.Signal) error {
		return proc.Conn().Send(ipc.Message{Type: ipc.Strike, Signal: &sig})
	}, s.opts.Outbox)
	s.log.Info().
		Str("worker", spec.ID).
		Str("role", string(spec.Role)).
		Int("pid", proc.Pid()).
		Int("restarts", spec.Restarts).
		Msg("worker started")

	go s.watch(ctx, spec, proc)
	return nil
}

// watch relays the worker's messages until its stream ends, reaps it and
// schedules the respawn.
func (s *Supervisor) watch(ctx context.Context, spec WorkerSpec, proc Process) {
	defer s.wg.Done()
	s.relay(ctx, spec.ID, proc.Conn())
	err := proc.Wait()
	_ = proc.Conn().Close()
	s.hub.Unregister(spec.ID)
	s.opts.Metrics.WorkerDown()

	s.mu.Lock()
	stopping := s.stopping
	if rec := s.records[spec.ID]; rec != nil && rec.Process == proc {
		rec.Running = false
	}
	s.mu.Unlock()

	ev := s.log.Warn()
	if stopping {
		ev = s.log.Debug()
	}
	ev.Str("worker", spec.ID).Str("role", string(spec.Role)).Int("restarts", spec.Restarts).AnErr("exit", err).Msg("worker exited")
	if stopping || ctx.Err() != nil {
		return
	}
	s.respawn(ctx, spec)
}

// respawn relaunches spec's slot after the backoff, retrying until it
// succeeds or the supervisor stops.
func (s *Supervisor) respawn(ctx context.Context, spec WorkerSpec) {
	next := spec
	next.Restarts = spec.Restarts + 1
	s.retryLaunch(ctx, next)
}

// retryLaunch starts spec after the backoff, retrying with the same restart
// count until it runs or the supervisor stops.
func (s *Supervisor) retryLaunch(ctx context.Context, spec WorkerSpec) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.RespawnBackoff):
		}
		err := s.launch(ctx, spec)
		if err == nil {
			if spec.Restarts > 0 {
				s.opts.Metrics.WorkerRestarted(string(spec.Role))
			}
			return
		}
		if errors.Is(err, errStopping) {
			return
		}
		s.log.Error().Err(err).Str("worker", spec.ID).Msg("respawn failed")
	}
}

func (s *Supervisor) relay(ctx context.Context, id string, conn *ipc.Conn) {
	for {
		m, err := conn.Recv()
		if err != nil {
			if errors.Is(err, ipc.ErrMalformed) {
				s.log.Warn().Str("worker", id).Err(err).Msg("skipping worker message")
				continue
			}
			return
		}
		switch m.Type {
		case ipc.LeaseRequest:
			go s.grant(ctx, id, conn, m.ID)
		case ipc.Publish:
			if m.Signal == nil {
				continue
			}
			s.opts.Metrics.SignalReceived()
			sig := *m.Signal
			sig.Origin = id
			s.hub.Publish(id, sig)
		case ipc.Resync:
			s.broker.Resync(fmt.Sprintf("%s: %s", id, m.Reason))
		case ipc.Delivered:
			if !s.broker.ReportDelivered(m.Value) {
				s.log.Warn().Str("worker", id).Uint64("sequence", m.Value).Msg("sequence value reported delivered twice")
			}
		case ipc.Done:
			if !s.opts.ExitAfterFirstSuccess {
				continue
			}
			m.Worker = id
			select {
			case s.done <- m:
			default:
			}
		case ipc.Status:
			s.mu.Lock()
			if rec := s.records[id]; rec != nil {
				rec.Status = m.Reason
			}
			s.mu.Unlock()
		default:
			s.log.Debug().Str("worker", id).Str("type", string(m.Type)).Msg("ignoring worker message")
		}
	}
}

func (s *Supervisor) grant(ctx context.Context, id string, conn *ipc.Conn, reqID string) {
	if s.opts.LeaseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.LeaseTimeout)
		defer cancel()
	}
	reply := ipc.Message{Type: ipc.LeaseGrant, ID: reqID, Worker: id}
	lease, err := s.broker.RequestLease(ctx, id)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Value = lease.Value
	}
	if err := conn.Send(reply); err != nil {
		// the lease, if any, is skipped
		s.log.Debug().Str("worker", id).Err(err).Msg("lease reply not delivered")
	}
}

// track runs fn on a goroutine that shutdown waits for.
func (s *Supervisor) track(fn func()) {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// shutdown stops respawning, cancels pending backoffs and kills every worker.
func (s *Supervisor) shutdown(cancel context.CancelFunc) {
	s.mu.Lock()
	s.stopping = true
	var procs []Process
	for _, rec := range s.records {
		if rec.Running && rec.Process != nil {
			procs = append(procs, rec.Process)
		}
	}
	s.mu.Unlock()
	cancel()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p Process) {
			defer wg.Done()
			p.Kill(s.opts.KillGrace)
		}(p)
	}
	wg.Wait()
	s.wg.Wait()
	s.log.Info().Int("workers", len(procs)).Msg("workers stopped")
}

// Records returns a snapshot of every worker slot ordered by index.
func (s *Supervisor) Records() []WorkerRecord {
	s.mu.Lock()
	out := make([]WorkerRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, *rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Index < out[j].Spec.Index })
	return out
}

func (s *Supervisor) RestartCount(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return 0, false
	}
	return rec.RestartCount, true
}
