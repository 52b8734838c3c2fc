package sequence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/strike-cluster/internal/router"
)

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

// startBroker runs b until the test ends.
func startBroker(t *testing.T, b *Broker) context.CancelFunc {
	t.Helper()
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
	return cancel
}

func fixed(v uint64) Source {
	return SourceFunc(func(context.Context) (uint64, error) { return v, nil })
}

func TestConcurrentLeasesAreContiguous(t *testing.T) {
	b := NewBroker(fixed(42), Options{RetryDelay: 10 * time.Millisecond}, zerolog.Nop())
	startBroker(t, b)

	const n = 500
	var (
		mu  sync.Mutex
		got = map[uint64]int{}
		wg  sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := b.RequestLease(context.Background(), fmt.Sprintf("w%d", i%16))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			got[l.Value]++
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	require.Len(t, got, n)
	for v := uint64(42); v < 42+n; v++ {
		assert.Equal(t, 1, got[v], "value %d", v)
	}
}

func TestResyncNeverRollsBack(t *testing.T) {
	var reads atomic.Int32
	src := SourceFunc(func(context.Context) (uint64, error) {
		if reads.Add(1) == 1 {
			return 42, nil
		}
		// stale view from a lagging endpoint
		return 40, nil
	})
	b := NewBroker(src, Options{RetryDelay: 10 * time.Millisecond}, zerolog.Nop())
	startBroker(t, b)

	ctx := context.Background()
	var last uint64
	for i := 0; i < 3; i++ {
		l, err := b.RequestLease(ctx, "w1")
		require.NoError(t, err)
		last = l.Value
	}
	require.EqualValues(t, 44, last)

	require.True(t, b.Resync("nonce too low"))
	assert.False(t, b.Resync("nonce too low"), "second report collapses into the first")

	l, err := b.RequestLease(ctx, "w2")
	require.NoError(t, err)
	assert.Greater(t, l.Value, last)
	assert.EqualValues(t, 45, l.Value)
	assert.EqualValues(t, 2, reads.Load())
}

func TestResyncAdoptsHigherGroundTruth(t *testing.T) {
	var truth atomic.Uint64
	truth.Store(10)
	b := NewBroker(SourceFunc(func(context.Context) (uint64, error) { return truth.Load(), nil }), Options{RetryDelay: 10 * time.Millisecond}, zerolog.Nop())
	startBroker(t, b)

	l, err := b.RequestLease(context.Background(), "w1")
	require.NoError(t, err)
	require.EqualValues(t, 10, l.Value)

	truth.Store(17)
	b.Resync("number already used")
	l, err = b.RequestLease(context.Background(), "w1")
	require.NoError(t, err)
	assert.EqualValues(t, 17, l.Value)
}

func TestNoLeaseWhileUninitialized(t *testing.T) {
	var healthy atomic.Bool
	src := SourceFunc(func(context.Context) (uint64, error) {
		if !healthy.Load() {
			return 0, errors.New("all endpoints down")
		}
		return 7, nil
	})
	b := NewBroker(src, Options{RetryDelay: 10 * time.Millisecond}, zerolog.Nop())
	startBroker(t, b)

	_, err := b.TryLease("w1")
	require.ErrorIs(t, err, ErrNotReady)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = b.RequestLease(ctx, "w1")
	require.ErrorIs(t, err, ErrNotReady)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Uninitialized, b.State())

	got := make(chan Lease, 1)
	go func() {
		l, err := b.RequestLease(context.Background(), "w2")
		if err == nil {
			got <- l
		}
	}()
	healthy.Store(true)
	select {
	case l := <-got:
		assert.EqualValues(t, 7, l.Value)
		assert.Equal(t, "w2", l.IssuedTo)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked lease was not granted after bootstrap")
	}
	assert.Equal(t, Ready, b.State())
}

func TestClosedBrokerRejectsLeases(t *testing.T) {
	b := NewBroker(fixed(1), Options{}, zerolog.Nop())
	cancel := startBroker(t, b)
	waitUntil(t, time.Second, func() bool { return b.State() == Ready })

	blocked := NewBroker(SourceFunc(func(ctx context.Context) (uint64, error) {
		return 0, errors.New("down")
	}), Options{RetryDelay: time.Hour}, zerolog.Nop())
	cancelBlocked := startBroker(t, blocked)
	errc := make(chan error, 1)
	go func() {
		_, err := blocked.RequestLease(context.Background(), "w1")
		errc <- err
	}()

	cancel()
	waitUntil(t, time.Second, func() bool { return b.State() == Closed })
	_, err := b.TryLease("w1")
	assert.ErrorIs(t, err, ErrClosed)

	cancelBlocked()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not released on close")
	}
}

func TestReportDeliveredDedup(t *testing.T) {
	b := NewBroker(fixed(0), Options{}, zerolog.Nop())
	assert.True(t, b.ReportDelivered(42))
	assert.False(t, b.ReportDelivered(42))
	assert.True(t, b.ReportDelivered(43))
}

func TestLeaseCarriesClock(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := NewBroker(fixed(5), Options{Clock: func() time.Time { return at }}, zerolog.Nop())
	startBroker(t, b)
	l, err := b.RequestLease(context.Background(), "w9")
	require.NoError(t, err)
	assert.Equal(t, at, l.IssuedAt)
	next, ok := b.Next()
	assert.True(t, ok)
	assert.EqualValues(t, 6, next)
}

func TestRouterSourceReadsNonce(t *testing.T) {
	addr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	pool, err := router.NewPool("base", "round-robin", []string{"a", "b"})
	require.NoError(t, err)
	caller := router.CallerFunc(func(ctx context.Context, ep *router.Endpoint, method string, params []any) (json.RawMessage, error) {
		if ep.URL == "a" {
			return nil, errors.New("timeout")
		}
		assert.Equal(t, "eth_getTransactionCount", method)
		require.Len(t, params, 2)
		assert.Equal(t, addr, params[0])
		assert.Equal(t, "pending", params[1])
		return json.RawMessage(`"0x2a"`), nil
	})
	r, err := router.New([]*router.Pool{pool}, router.Options{}, caller, zerolog.Nop())
	require.NoError(t, err)

	n, err := RouterSource{Router: r, Address: addr, Tag: "pending"}.Current(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)
}
