package router

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ligun0805/strike-cluster/internal/jsonrpc"
	"github.com/ligun0805/strike-cluster/internal/metrics"
)

// Caller performs one call against one endpoint.
type Caller interface {
	Call(ctx context.Context, ep *Endpoint, method string, params []any) (json.RawMessage, error)
}

type CallerFunc func(ctx context.Context, ep *Endpoint, method string, params []any) (json.RawMessage, error)

func (f CallerFunc) Call(ctx context.Context, ep *Endpoint, method string, params []any) (json.RawMessage, error) {
	return f(ctx, ep, method, params)
}

type Options struct {
	Timeout     time.Duration // per attempt
	RetryBudget int           // attempts per endpoint before moving on
	RPS         float64       // per-endpoint outbound limit, 0 = unlimited
	Metrics     *metrics.Metrics
}

type Request struct {
	Method string
	Params []any
	// Pools to try, in order. Empty means every pool in configured order.
	Pools []string
	// Submission marks calls that are not idempotent upstream.
	Submission bool
}

type Response struct {
	Result   json.RawMessage
	Endpoint *Endpoint
	Attempts int
	// Duplicate is set when a submission was answered with "already known".
	Duplicate bool
}

// Router executes requests against pools with failover. Its only mutable
// state is each pool's round-robin cursor and each endpoint's health.
type Router struct {
	pools  []*Pool
	byName map[string]*Pool
	opts   Options
	caller Caller
	log    zerolog.Logger
}

func New(pools []*Pool, opts Options, caller Caller, log zerolog.Logger) (*Router, error) {
	if len(pools) == 0 {
		return nil, ErrNoEndpoints
	}
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 1200 * time.Millisecond
	}
	r := &Router{
		pools:  pools,
		byName: make(map[string]*Pool, len(pools)),
		opts:   opts,
		caller: caller,
		log:    log.With().Str("component", "router").Logger(),
	}
	for _, p := range pools {
		if _, dup := r.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate pool %q", p.Name)
		}
		if len(p.Endpoints) == 0 {
			return nil, fmt.Errorf("pool %s: %w", p.Name, ErrNoEndpoints)
		}
		r.byName[p.Name] = p
		if opts.RPS > 0 {
			burst := int(opts.RPS)
			if burst < 1 {
				burst = 1
			}
			for _, ep := range p.Endpoints {
				ep.limiter = rate.NewLimiter(rate.Limit(opts.RPS), burst)
			}
		}
	}
	return r, nil
}

func (r *Router) Pools() []*Pool { return r.pools }

func (r *Router) Pool(name string) (*Pool, bool) {
	p, ok := r.byName[name]
	return p, ok
}

// Call routes method across all pools and decodes the result into out.
func (r *Router) Call(ctx context.Context, out any, method string, params ...any) error {
	resp, err := r.Route(ctx, Request{Method: method, Params: params})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result from %s: %w", method, resp.Endpoint, err)
	}
	return nil
}

// Route tries pools in order. Within a pool it walks the policy's execution
// order, spending the retry budget on each endpoint; broadcast pools race all
// endpoints. The first success returns. A submission answered as already
// known counts as success. A structural rejection short-circuits the route;
// total exhaustion yields an *AggregateError.
func (r *Router) Route(ctx context.Context, req Request) (Response, error) {
	pools, err := r.selectPools(req.Pools)
	if err != nil {
		return Response{}, err
	}
	agg := &AggregateError{Method: req.Method}
	for _, pool := range pools {
		var (
			resp  Response
			errs  []AttemptError
			fatal error
		)
		if pool.Policy == Broadcast {
			resp, errs, fatal = r.race(ctx, pool, req)
		} else {
			resp, errs, fatal = r.sequential(ctx, pool, req)
		}
		agg.Attempts = append(agg.Attempts, errs...)
		if fatal == nil && resp.Endpoint != nil {
			resp.Attempts += len(agg.Attempts) - len(errs)
			return resp, nil
		}
		if fatal != nil {
			return Response{}, fatal
		}
		if ctx.Err() != nil {
			agg.Cause = ctx.Err()
			return Response{}, agg
		}
	}
	r.opts.Metrics.Outage()
	r.log.Error().Str("method", req.Method).Int("attempts", len(agg.Attempts)).Msg("all endpoints exhausted")
	return Response{}, agg
}

func (r *Router) selectPools(names []string) ([]*Pool, error) {
	if len(names) == 0 {
		return r.pools, nil
	}
	out := make([]*Pool, 0, len(names))
	for _, n := range names {
		p, ok := r.byName[n]
		if !ok {
			return nil, fmt.Errorf("unknown pool %q", n)
		}
		out = append(out, p)
	}
	return out, nil
}

func (r *Router) sequential(ctx context.Context, pool *Pool, req Request) (Response, []AttemptError, error) {
	var errs []AttemptError
	for _, ep := range preferHealthy(pool.ExecutionOrder()) {
		resp, epErrs, fatal := r.tryEndpoint(ctx, ep, req)
		errs = append(errs, epErrs...)
		if fatal != nil || resp.Endpoint != nil {
			resp.Attempts += len(errs) - len(epErrs)
			return resp, errs, fatal
		}
		if ctx.Err() != nil {
			break
		}
	}
	return Response{}, errs, nil
}

type raceResult struct {
	resp  Response
	errs  []AttemptError
	fatal error
}

// race fans the request out to every endpoint of the pool and keeps the first
// success; late successes are still delivered upstream (duplicate delivery).
func (r *Router) race(ctx context.Context, pool *Pool, req Request) (Response, []AttemptError, error) {
	order := pool.ExecutionOrder()
	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan raceResult, len(order))
	for _, ep := range order {
		go func(ep *Endpoint) {
			resp, errs, fatal := r.tryEndpoint(raceCtx, ep, req)
			ch <- raceResult{resp: resp, errs: errs, fatal: fatal}
		}(ep)
	}

	var (
		errs  []AttemptError
		fatal error
	)
	for range order {
		res := <-ch
		errs = append(errs, res.errs...)
		if res.fatal == nil && res.resp.Endpoint != nil {
			res.resp.Attempts += len(errs) - len(res.errs)
			return res.resp, errs, nil
		}
		if res.fatal != nil && fatal == nil {
			fatal = res.fatal
		}
	}
	return Response{}, errs, fatal
}

// tryEndpoint spends the retry budget on one endpoint.
func (r *Router) tryEndpoint(ctx context.Context, ep *Endpoint, req Request) (Response, []AttemptError, error) {
	var errs []AttemptError
	for attempt := 1; attempt <= r.opts.RetryBudget; attempt++ {
		if ctx.Err() != nil {
			return Response{}, errs, nil
		}
		res, err := r.attempt(ctx, ep, req)
		if err == nil {
			ep.MarkSuccess()
			return Response{Result: res, Endpoint: ep, Attempts: len(errs) + 1}, errs, nil
		}
		// the caller's own cancellation is not the endpoint's fault
		if ctx.Err() != nil {
			return Response{}, errs, nil
		}
		class := Classify(err)
		if class == Duplicate && req.Submission {
			ep.MarkSuccess()
			r.log.Warn().Str("endpoint", ep.String()).Err(err).Msg("submission already held upstream")
			return Response{Endpoint: ep, Attempts: len(errs) + 1, Duplicate: true}, errs, nil
		}
		ep.MarkFailure()
		errs = append(errs, AttemptError{Pool: ep.Pool, Endpoint: ep.URL, Attempt: attempt, Reason: err.Error()})
		if class != Transient {
			r.log.Warn().Str("endpoint", ep.String()).Str("class", class.String()).Err(err).Msg("upstream rejected request")
			return Response{}, errs, &StructuralError{Endpoint: ep.String(), Class: class, Err: err}
		}
		if req.Submission && errors.Is(err, context.DeadlineExceeded) {
			r.log.Warn().Str("endpoint", ep.String()).Msg("submission timed out; retrying may deliver twice")
		}
		r.log.Debug().Str("endpoint", ep.String()).Int("attempt", attempt).Err(err).Msg("endpoint attempt failed")
	}
	return Response{}, errs, nil
}

func (r *Router) attempt(ctx context.Context, ep *Endpoint, req Request) (json.RawMessage, error) {
	if ep.limiter != nil {
		if err := ep.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	start := time.Now()
	res, err := r.caller.Call(callCtx, ep, req.Method, req.Params)
	r.opts.Metrics.ObserveAttempt(ep.Pool, ep.URL, err == nil, time.Since(start).Seconds())
	return res, err
}

// HTTPCaller dials one JSON-RPC client per endpoint up front; the map is
// read-only afterwards so concurrent callers need no lock.
type HTTPCaller struct {
	clients map[*Endpoint]*jsonrpc.Client
}

func NewHTTPCaller(pools []*Pool, authKey *ecdsa.PrivateKey, timeout time.Duration) *HTTPCaller {
	c := &HTTPCaller{clients: map[*Endpoint]*jsonrpc.Client{}}
	for _, p := range pools {
		for _, ep := range p.Endpoints {
			var key *ecdsa.PrivateKey
			if ep.Auth {
				key = authKey
			}
			c.clients[ep] = jsonrpc.NewClient(ep.URL, key, timeout)
		}
	}
	return c
}

func (c *HTTPCaller) Call(ctx context.Context, ep *Endpoint, method string, params []any) (json.RawMessage, error) {
	cl, ok := c.clients[ep]
	if !ok {
		return nil, fmt.Errorf("no client for endpoint %s", ep)
	}
	return cl.Call(ctx, method, params)
}
