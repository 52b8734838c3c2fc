package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/strike-cluster/internal/evaluate"
	"github.com/ligun0805/strike-cluster/internal/ipc"
	"github.com/ligun0805/strike-cluster/internal/jsonrpc"
	"github.com/ligun0805/strike-cluster/internal/router"
	"github.com/ligun0805/strike-cluster/internal/sequence"
	"github.com/ligun0805/strike-cluster/internal/signer"
)

const testKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func waitUntil(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

// brokerLink stands in for the supervisor relay with an in-process broker.
type brokerLink struct {
	b  *sequence.Broker
	id string

	mu        sync.Mutex
	resyncs   []string
	delivered []uint64
	done      []uint64
}

func (l *brokerLink) RequestLease(ctx context.Context) (uint64, error) {
	lease, err := l.b.RequestLease(ctx, l.id)
	return lease.Value, err
}

func (l *brokerLink) Resync(reason string) error {
	l.mu.Lock()
	l.resyncs = append(l.resyncs, reason)
	l.mu.Unlock()
	l.b.Resync(reason)
	return nil
}

func (l *brokerLink) Delivered(v uint64) error {
	l.mu.Lock()
	l.delivered = append(l.delivered, v)
	l.mu.Unlock()
	l.b.ReportDelivered(v)
	return nil
}

func (l *brokerLink) Done(v uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.done = append(l.done, v)
	return nil
}

func (l *brokerLink) Status(string) error { return nil }

// chain accepts a submission only when its nonce passes accept.
type chain struct {
	accept func(nonce uint64) error

	mu       sync.Mutex
	seen     []uint64
	accepted []uint64
}

func (c *chain) call(_ context.Context, _ *router.Endpoint, method string, params []any) (json.RawMessage, error) {
	if method != "eth_sendRawTransaction" {
		return nil, fmt.Errorf("unexpected %s", method)
	}
	raw, err := hexutil.Decode(params[0].(string))
	if err != nil {
		return nil, err
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, tx.Nonce())
	if err := c.accept(tx.Nonce()); err != nil {
		return nil, err
	}
	c.accepted = append(c.accepted, tx.Nonce())
	return json.Marshal(tx.Hash().Hex())
}

func approveAll() evaluate.Evaluator {
	return evaluate.EvaluatorFunc(func(ctx context.Context, snap evaluate.Snapshot) (*evaluate.SubmissionRequest, error) {
		return &evaluate.SubmissionRequest{Draft: evaluate.Draft{
			ChainID: big.NewInt(8453),
			To:      common.HexToAddress("0x1111111111111111111111111111111111111111"),
			Gas:     21000,
			TipCap:  big.NewInt(1),
			FeeCap:  big.NewInt(2),
		}}, nil
	})
}

func newBroker(t *testing.T, src sequence.Source) *sequence.Broker {
	t.Helper()
	b := sequence.NewBroker(src, sequence.Options{RetryDelay: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return b
}

func fixed(v uint64) sequence.Source {
	return sequence.SourceFunc(func(context.Context) (uint64, error) { return v, nil })
}

func newStrikerFor(t *testing.T, link Link, c *chain, ev evaluate.Evaluator) *Striker {
	t.Helper()
	sgn, err := signer.FromHex(testKey)
	require.NoError(t, err)
	pool, err := router.NewPool("primary", "round-robin", []string{"http://node-a"})
	require.NoError(t, err)
	rt, err := router.New([]*router.Pool{pool}, router.Options{}, router.CallerFunc(c.call), zerolog.Nop())
	require.NoError(t, err)
	return &Striker{
		Worker:       "w",
		Link:         link,
		Evaluator:    ev,
		Signer:       sgn,
		Submitter:    rt,
		LeaseTimeout: time.Second,
		Log:          zerolog.Nop(),
	}
}

func runStriker(t *testing.T, s *Striker) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	out := make(chan error, 1)
	go func() { out <- s.Run(ctx) }()
	return out
}

func TestThreeStrikersOneAccepted(t *testing.T) {
	b := newBroker(t, fixed(42))
	c := &chain{accept: func(nonce uint64) error {
		if nonce == 42 {
			return nil
		}
		return &jsonrpc.RPCError{Code: -32000, Message: "execution reverted"}
	}}

	var strikers []*Striker
	var links []*brokerLink
	for i := 0; i < 3; i++ {
		link := &brokerLink{b: b, id: fmt.Sprintf("w%d", i+1)}
		s := newStrikerFor(t, link, c, approveAll())
		runStriker(t, s)
		strikers = append(strikers, s)
		links = append(links, link)
	}
	for _, s := range strikers {
		require.True(t, s.Offer(ipc.Signal{ID: "go"}))
	}
	waitUntil(t, 2*time.Second, func() bool {
		for _, s := range strikers {
			if s.Strikes() != 1 || s.Busy() {
				return false
			}
		}
		return true
	})

	c.mu.Lock()
	assert.ElementsMatch(t, []uint64{42, 43, 44}, c.seen)
	assert.Equal(t, []uint64{42}, c.accepted)
	c.mu.Unlock()

	var accepted int64
	var delivered []uint64
	for i, s := range strikers {
		accepted += s.Accepted()
		delivered = append(delivered, links[i].delivered...)
	}
	assert.EqualValues(t, 1, accepted)
	assert.Equal(t, []uint64{42}, delivered)
	assert.False(t, b.ReportDelivered(42))
}

func TestBusyStrikerDropsSignals(t *testing.T) {
	b := newBroker(t, fixed(7))
	release := make(chan struct{})
	slow := evaluate.EvaluatorFunc(func(ctx context.Context, snap evaluate.Snapshot) (*evaluate.SubmissionRequest, error) {
		<-release
		return nil, nil
	})
	s := newStrikerFor(t, &brokerLink{b: b, id: "w1"}, &chain{}, slow)
	runStriker(t, s)

	require.True(t, s.Offer(ipc.Signal{ID: "first"}))
	waitUntil(t, time.Second, func() bool { return s.State() == Submitting })
	assert.False(t, s.Offer(ipc.Signal{ID: "second"}))
	assert.False(t, s.Offer(ipc.Signal{ID: "third"}))

	close(release)
	waitUntil(t, time.Second, func() bool { return !s.Busy() })
	assert.EqualValues(t, 1, s.Strikes())
	assert.EqualValues(t, 0, s.Accepted())

	// a declined lease is abandoned, never reused
	require.True(t, s.Offer(ipc.Signal{ID: "fourth"}))
	waitUntil(t, time.Second, func() bool { return s.Strikes() == 2 && !s.Busy() })
	next, ready := b.Next()
	assert.True(t, ready)
	assert.EqualValues(t, 9, next)
}

func TestSequenceConflictTriggersResync(t *testing.T) {
	var truth uint64 = 42
	var mu sync.Mutex
	src := sequence.SourceFunc(func(context.Context) (uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		return truth, nil
	})
	b := newBroker(t, src)
	c := &chain{accept: func(uint64) error {
		return &jsonrpc.RPCError{Code: -32000, Message: "nonce too low: next nonce 50, tx nonce 42"}
	}}
	link := &brokerLink{b: b, id: "w1"}
	s := newStrikerFor(t, link, c, approveAll())
	runStriker(t, s)
	waitUntil(t, time.Second, func() bool { return b.State() == sequence.Ready })

	mu.Lock()
	truth = 50
	mu.Unlock()
	require.True(t, s.Offer(ipc.Signal{ID: "go"}))
	waitUntil(t, time.Second, func() bool { return s.Strikes() == 1 && !s.Busy() })

	c.mu.Lock()
	assert.Equal(t, []uint64{42}, c.seen)
	c.mu.Unlock()
	link.mu.Lock()
	require.Len(t, link.resyncs, 1)
	assert.Contains(t, link.resyncs[0], "nonce too low")
	assert.Empty(t, link.delivered)
	link.mu.Unlock()

	waitUntil(t, time.Second, func() bool {
		next, ready := b.Next()
		return ready && next == 50
	})
}

func TestAlreadyKnownAfterTimeoutReportsDelivered(t *testing.T) {
	b := newBroker(t, fixed(42))
	link := &brokerLink{b: b, id: "w1"}
	s := newStrikerFor(t, link, &chain{accept: func(uint64) error { return nil }}, approveAll())

	pool, err := router.NewPool("primary", "round-robin", []string{"http://node-a", "http://node-b"})
	require.NoError(t, err)
	caller := router.CallerFunc(func(ctx context.Context, ep *router.Endpoint, method string, params []any) (json.RawMessage, error) {
		if ep.URL == "http://node-a" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, &jsonrpc.RPCError{Code: -32000, Message: "already known"}
	})
	rt, err := router.New([]*router.Pool{pool}, router.Options{Timeout: 20 * time.Millisecond}, caller, zerolog.Nop())
	require.NoError(t, err)
	s.Submitter = rt
	runStriker(t, s)

	require.True(t, s.Offer(ipc.Signal{ID: "go"}))
	waitUntil(t, time.Second, func() bool { return s.Strikes() == 1 && !s.Busy() })

	assert.EqualValues(t, 1, s.Accepted())
	link.mu.Lock()
	assert.Equal(t, []uint64{42}, link.delivered)
	assert.Empty(t, link.resyncs)
	link.mu.Unlock()
	assert.False(t, b.ReportDelivered(42))
	next, ready := b.Next()
	assert.True(t, ready)
	assert.EqualValues(t, 43, next)
}

func TestExitAfterFirstSuccess(t *testing.T) {
	b := newBroker(t, fixed(42))
	c := &chain{accept: func(uint64) error { return nil }}
	link := &brokerLink{b: b, id: "w1"}
	s := newStrikerFor(t, link, c, approveAll())
	s.ExitAfterFirstSuccess = true
	done := runStriker(t, s)

	require.True(t, s.Offer(ipc.Signal{ID: "go"}))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrStrikeDone)
	case <-time.After(2 * time.Second):
		t.Fatal("striker did not stop")
	}
	link.mu.Lock()
	defer link.mu.Unlock()
	assert.Equal(t, []uint64{42}, link.done)
	assert.Equal(t, []uint64{42}, link.delivered)
}

func TestLeaseFailureLeavesStrikerIdle(t *testing.T) {
	refused := &refusingLink{}
	s := newStrikerFor(t, refused, &chain{}, approveAll())
	runStriker(t, s)

	require.True(t, s.Offer(ipc.Signal{ID: "go"}))
	waitUntil(t, time.Second, func() bool { return s.Strikes() == 1 && !s.Busy() })
	assert.True(t, s.Offer(ipc.Signal{ID: "again"}))
}

type refusingLink struct{ brokerLink }

func (*refusingLink) RequestLease(context.Context) (uint64, error) {
	return 0, &ipc.LeaseError{Reason: sequence.ErrNotReady.Error()}
}

func TestOutageIsNotFatal(t *testing.T) {
	b := newBroker(t, fixed(1))
	c := &chain{accept: func(uint64) error { return errors.New("connection reset") }}
	s := newStrikerFor(t, &brokerLink{b: b, id: "w1"}, c, approveAll())
	done := runStriker(t, s)

	require.True(t, s.Offer(ipc.Signal{ID: "go"}))
	waitUntil(t, time.Second, func() bool { return s.Strikes() == 1 && !s.Busy() })
	select {
	case err := <-done:
		t.Fatalf("striker stopped: %v", err)
	default:
	}
}
