package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ligun0805/strike-cluster/internal/jsonrpc"
)

// fakeCaller answers per endpoint URL and records every call.
type fakeCaller struct {
	mu      sync.Mutex
	calls   []string
	answers map[string]func() (json.RawMessage, error)
}

func (f *fakeCaller) Call(ctx context.Context, ep *Endpoint, method string, params []any) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, ep.URL)
	fn := f.answers[ep.URL]
	f.mu.Unlock()
	if fn == nil {
		return nil, errors.New("connection refused")
	}
	return fn()
}

func (f *fakeCaller) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == url {
			n++
		}
	}
	return n
}

func ok(v string) func() (json.RawMessage, error) {
	return func() (json.RawMessage, error) { return json.RawMessage(v), nil }
}

func mustPool(t *testing.T, name, policy string, urls ...string) *Pool {
	t.Helper()
	p, err := NewPool(name, policy, urls)
	require.NoError(t, err)
	return p
}

func TestRouteFailsOverToThirdEndpoint(t *testing.T) {
	pool := mustPool(t, "base", "round-robin", "a", "b", "c")
	caller := &fakeCaller{answers: map[string]func() (json.RawMessage, error){"c": ok(`"0x2a"`)}}
	r, err := New([]*Pool{pool}, Options{RetryBudget: 1}, caller, zerolog.Nop())
	require.NoError(t, err)

	resp, err := r.Route(context.Background(), Request{Method: "eth_getTransactionCount"})
	require.NoError(t, err)
	assert.Equal(t, "c", resp.Endpoint.URL)
	assert.Equal(t, 3, resp.Attempts)
	assert.JSONEq(t, `"0x2a"`, string(resp.Result))
	assert.Equal(t, Degraded, pool.Endpoints[0].Health())
	assert.Equal(t, Healthy, pool.Endpoints[2].Health())
}

func TestRouteTotalOutageListsEveryAttempt(t *testing.T) {
	primary := mustPool(t, "primary", "round-robin", "a", "b", "c")
	backup := mustPool(t, "backup", "random", "d", "e")
	caller := &fakeCaller{answers: map[string]func() (json.RawMessage, error){}}
	r, err := New([]*Pool{primary, backup}, Options{RetryBudget: 2}, caller, zerolog.Nop())
	require.NoError(t, err)

	_, err = r.Route(context.Background(), Request{Method: "eth_blockNumber"})
	var agg *AggregateError
	require.ErrorAs(t, err, &agg)
	assert.Len(t, agg.Attempts, 10)
	assert.Nil(t, agg.Cause)
	assert.Contains(t, err.Error(), "total outage")
	for _, url := range []string{"a", "b", "c", "d", "e"} {
		assert.Equal(t, 2, caller.count(url), url)
	}
}

func TestRoundRobinStartsAtDistinctOffsets(t *testing.T) {
	pool := mustPool(t, "p", "round-robin", "a", "b", "c", "d")
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		seen[pool.ExecutionOrder()[0].URL] = true
	}
	assert.Len(t, seen, 4)
	assert.Equal(t, "a", pool.ExecutionOrder()[0].URL)
}

func TestRandomOrderIsPermutation(t *testing.T) {
	pool := mustPool(t, "p", "random", "a", "b", "c")
	firsts := map[string]bool{}
	for i := 0; i < 300; i++ {
		order := pool.ExecutionOrder()
		require.Len(t, order, 3)
		uniq := map[string]bool{}
		for _, e := range order {
			uniq[e.URL] = true
		}
		require.Len(t, uniq, 3)
		firsts[order[0].URL] = true
	}
	assert.Len(t, firsts, 3)
}

func TestPreferHealthyKeepsRelativeOrder(t *testing.T) {
	pool := mustPool(t, "p", "round-robin", "a", "b", "c", "d")
	pool.Endpoints[0].MarkFailure()
	pool.Endpoints[2].MarkFailure()
	var got []string
	for _, e := range preferHealthy(pool.Endpoints) {
		got = append(got, e.URL)
	}
	assert.Equal(t, []string{"b", "d", "a", "c"}, got)
}

func TestBroadcastFirstSuccessWins(t *testing.T) {
	pool := mustPool(t, "relays", "broadcast", "slow", "fast", "broken")
	release := make(chan struct{})
	defer close(release)
	caller := &fakeCaller{answers: map[string]func() (json.RawMessage, error){
		"slow": func() (json.RawMessage, error) {
			<-release
			return json.RawMessage(`"slow"`), nil
		},
		"fast": ok(`"fast"`),
	}}
	r, err := New([]*Pool{pool}, Options{Timeout: 5 * time.Second}, caller, zerolog.Nop())
	require.NoError(t, err)

	resp, err := r.Route(context.Background(), Request{Method: "eth_sendRawTransaction", Submission: true})
	require.NoError(t, err)
	assert.Equal(t, "fast", resp.Endpoint.URL)
}

func TestStructuralRejectionShortCircuits(t *testing.T) {
	pool := mustPool(t, "base", "round-robin", "a", "b", "c")
	caller := &fakeCaller{answers: map[string]func() (json.RawMessage, error){
		"a": func() (json.RawMessage, error) {
			return nil, &jsonrpc.RPCError{Code: -32000, Message: "insufficient funds for gas * price + value"}
		},
		"b": ok(`"0x1"`),
	}}
	r, err := New([]*Pool{pool}, Options{RetryBudget: 3}, caller, zerolog.Nop())
	require.NoError(t, err)

	_, err = r.Route(context.Background(), Request{Method: "eth_sendRawTransaction"})
	var se *StructuralError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Structural, se.Class)
	assert.Equal(t, 1, caller.count("a"))
	assert.Equal(t, 0, caller.count("b"))
}

func TestSequenceConflictIsReported(t *testing.T) {
	pool := mustPool(t, "base", "round-robin", "a", "b")
	caller := &fakeCaller{answers: map[string]func() (json.RawMessage, error){
		"a": func() (json.RawMessage, error) {
			return nil, &jsonrpc.RPCError{Code: -32000, Message: "nonce too low: next nonce 44, tx nonce 43"}
		},
	}}
	r, err := New([]*Pool{pool}, Options{}, caller, zerolog.Nop())
	require.NoError(t, err)

	_, err = r.Route(context.Background(), Request{Method: "eth_sendRawTransaction"})
	require.Error(t, err)
	assert.True(t, IsSequenceConflict(err))
	assert.Equal(t, 0, caller.count("b"))
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Class
	}{
		{errors.New("dial tcp: connection refused"), Transient},
		{context.DeadlineExceeded, Transient},
		{&jsonrpc.HTTPError{StatusCode: 503, Body: "upstream down"}, Transient},
		{&jsonrpc.RPCError{Message: "header not found"}, Transient},
		{&jsonrpc.RPCError{Message: "already known"}, Duplicate},
		{&jsonrpc.RPCError{Message: "known transaction: 0xabc"}, Duplicate},
		{&jsonrpc.RPCError{Message: "Replacement transaction underpriced"}, SequenceConflict},
		{&jsonrpc.RPCError{Message: "intrinsic gas too low"}, Structural},
		{&jsonrpc.RPCError{Message: "rlp: expected input list"}, Structural},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Classify(c.err), c.err.Error())
	}
	assert.True(t, IsSequenceConflict(errors.New("wrapped: nonce too low")))
	assert.False(t, IsSequenceConflict(nil))
	assert.False(t, IsSequenceConflict(&jsonrpc.RPCError{Message: "already known"}))
}

func TestSubmissionAlreadyKnownAfterTimeoutCountsAsDelivered(t *testing.T) {
	pool := mustPool(t, "primary", "round-robin", "a", "b")
	caller := CallerFunc(func(ctx context.Context, ep *Endpoint, method string, params []any) (json.RawMessage, error) {
		if ep.URL == "a" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, &jsonrpc.RPCError{Code: -32000, Message: "already known"}
	})
	r, err := New([]*Pool{pool}, Options{Timeout: 20 * time.Millisecond}, caller, zerolog.Nop())
	require.NoError(t, err)

	resp, err := r.Route(context.Background(), Request{Method: "eth_sendRawTransaction", Submission: true})
	require.NoError(t, err)
	assert.True(t, resp.Duplicate)
	assert.Equal(t, "b", resp.Endpoint.URL)
	assert.Equal(t, Healthy, resp.Endpoint.Health())
}

func TestAlreadyKnownOnReadShortCircuits(t *testing.T) {
	pool := mustPool(t, "primary", "round-robin", "a", "b")
	caller := &fakeCaller{answers: map[string]func() (json.RawMessage, error){
		"a": func() (json.RawMessage, error) {
			return nil, &jsonrpc.RPCError{Code: -32000, Message: "already known"}
		},
		"b": ok(`"0x1"`),
	}}
	r, err := New([]*Pool{pool}, Options{}, caller, zerolog.Nop())
	require.NoError(t, err)

	_, err = r.Route(context.Background(), Request{Method: "eth_call"})
	var se *StructuralError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, Duplicate, se.Class)
}

func TestRouteHonoursCallerCancellation(t *testing.T) {
	pool := mustPool(t, "base", "round-robin", "a", "b")
	ctx, cancel := context.WithCancel(context.Background())
	caller := CallerFunc(func(ctx context.Context, ep *Endpoint, method string, params []any) (json.RawMessage, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})
	r, err := New([]*Pool{pool}, Options{}, caller, zerolog.Nop())
	require.NoError(t, err)

	_, err = r.Route(ctx, Request{Method: "eth_blockNumber"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Healthy, pool.Endpoints[0].Health())
}

func TestRoutePerAttemptTimeout(t *testing.T) {
	pool := mustPool(t, "base", "round-robin", "hang", "ok")
	var hung atomic.Int32
	caller := CallerFunc(func(ctx context.Context, ep *Endpoint, method string, params []any) (json.RawMessage, error) {
		if ep.URL == "hang" {
			hung.Add(1)
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return json.RawMessage(`true`), nil
	})
	r, err := New([]*Pool{pool}, Options{Timeout: 20 * time.Millisecond}, caller, zerolog.Nop())
	require.NoError(t, err)

	resp, err := r.Route(context.Background(), Request{Method: "net_listening"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Endpoint.URL)
	assert.EqualValues(t, 1, hung.Load())
}

func TestCallDecodesOverHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x2105"}`))
	}))
	defer srv.Close()

	pool := mustPool(t, "base", "round-robin", "http://127.0.0.1:1", srv.URL)
	r, err := New([]*Pool{pool}, Options{Timeout: time.Second}, NewHTTPCaller([]*Pool{pool}, nil, time.Second), zerolog.Nop())
	require.NoError(t, err)

	var chainID string
	require.NoError(t, r.Call(context.Background(), &chainID, "eth_chainId"))
	assert.Equal(t, "0x2105", chainID)
}

func TestNewRejectsBadPools(t *testing.T) {
	_, err := New(nil, Options{}, &fakeCaller{}, zerolog.Nop())
	require.ErrorIs(t, err, ErrNoEndpoints)

	a := mustPool(t, "x", "rr", "a")
	b := mustPool(t, "x", "rr", "b")
	_, err = New([]*Pool{a, b}, Options{}, &fakeCaller{}, zerolog.Nop())
	require.Error(t, err)

	_, err = NewPool("y", "weighted", []string{"a"})
	require.Error(t, err)
}

func TestEndpointAuthPrefix(t *testing.T) {
	ep := NewEndpoint(" auth:https://relay.example ", "relays", 0)
	assert.True(t, ep.Auth)
	assert.Equal(t, "https://relay.example", ep.URL)
	assert.Equal(t, "relays/https://relay.example", ep.String())
}
