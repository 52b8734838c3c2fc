package router

import (
	"fmt"
	"math/rand/v2"
	"strings"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Policy selects the order in which a pool's endpoints are tried.
type Policy int

const (
	RoundRobin Policy = iota
	Random
	// Broadcast sends to every endpoint of the pool at once; first success wins
	// and duplicate delivery upstream is expected.
	Broadcast
)

func (p Policy) String() string {
	switch p {
	case RoundRobin:
		return "round-robin"
	case Random:
		return "random"
	case Broadcast:
		return "broadcast"
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "round-robin", "roundrobin", "rr", "":
		return RoundRobin, nil
	case "random", "randomized", "shuffle":
		return Random, nil
	case "broadcast", "race":
		return Broadcast, nil
	}
	return 0, fmt.Errorf("unknown selection policy %q", s)
}

// Health is advisory: degraded endpoints are tried last, never skipped.
type Health int32

const (
	Healthy Health = iota
	Degraded
)

func (h Health) String() string {
	if h == Degraded {
		return "degraded"
	}
	return "healthy"
}

// Endpoint is immutable after construction except for its health.
type Endpoint struct {
	URL      string
	Pool     string
	Priority int
	Auth     bool

	health   atomic.Int32
	failures atomic.Int64
	limiter  *rate.Limiter
}

// NewEndpoint parses an endpoint URL. The "auth:" prefix marks endpoints
// whose requests are signed with the relay auth key.
func NewEndpoint(raw, pool string, priority int) *Endpoint {
	u := strings.TrimSpace(raw)
	auth := false
	if strings.HasPrefix(strings.ToLower(u), "auth:") {
		u = strings.TrimSpace(u[len("auth:"):])
		auth = true
	}
	return &Endpoint{URL: u, Pool: pool, Priority: priority, Auth: auth}
}

func (e *Endpoint) Health() Health { return Health(e.health.Load()) }

func (e *Endpoint) MarkSuccess() {
	e.failures.Store(0)
	e.health.Store(int32(Healthy))
}

func (e *Endpoint) MarkFailure() {
	e.failures.Add(1)
	e.health.Store(int32(Degraded))
}

// ConsecutiveFailures since the last success.
func (e *Endpoint) ConsecutiveFailures() int64 { return e.failures.Load() }

func (e *Endpoint) String() string { return e.Pool + "/" + e.URL }

// Pool is a named group of endpoints sharing a selection policy.
type Pool struct {
	Name      string
	Policy    Policy
	Endpoints []*Endpoint

	cursor atomic.Uint64
}

func NewPool(name, policy string, urls []string) (*Pool, error) {
	pol, err := ParsePolicy(policy)
	if err != nil {
		return nil, fmt.Errorf("pool %s: %w", name, err)
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("pool %s: %w", name, ErrNoEndpoints)
	}
	p := &Pool{Name: name, Policy: pol}
	for i, u := range urls {
		p.Endpoints = append(p.Endpoints, NewEndpoint(u, name, i))
	}
	return p, nil
}

// ExecutionOrder returns the order for one call. Round-robin advances a shared
// cursor so K consecutive calls on K endpoints start at K distinct offsets.
func (p *Pool) ExecutionOrder() []*Endpoint {
	n := len(p.Endpoints)
	out := make([]*Endpoint, 0, n)
	if n == 0 {
		return out
	}
	switch p.Policy {
	case RoundRobin:
		start := int((p.cursor.Add(1) - 1) % uint64(n))
		out = append(out, p.Endpoints[start:]...)
		out = append(out, p.Endpoints[:start]...)
	case Random:
		for _, i := range rand.Perm(n) {
			out = append(out, p.Endpoints[i])
		}
	default:
		out = append(out, p.Endpoints...)
	}
	return out
}

// preferHealthy is a stable partition: healthy endpoints keep their relative
// order and come before degraded ones.
func preferHealthy(order []*Endpoint) []*Endpoint {
	out := make([]*Endpoint, 0, len(order))
	var degraded []*Endpoint
	for _, e := range order {
		if e.Health() == Degraded {
			degraded = append(degraded, e)
			continue
		}
		out = append(out, e)
	}
	return append(out, degraded...)
}
