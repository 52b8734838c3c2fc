// Package events streams chain notifications from a websocket endpoint via
// eth_subscribe. A subscription is single-use: once the connection drops the
// stream ends and the owner is expected to exit.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var ErrConnectionClosed = errors.New("event subscription closed")

type Kind string

const (
	NewBlock  Kind = "new_block"
	Log       Kind = "log"
	PendingTx Kind = "pending_tx"
)

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "new_block", "newheads", "block", "":
		return NewBlock, nil
	case "log", "logs":
		return Log, nil
	case "pending_tx", "pending", "newpendingtransactions":
		return PendingTx, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

func (k Kind) params(filter map[string]any) []any {
	switch k {
	case Log:
		if filter == nil {
			filter = map[string]any{}
		}
		return []any{"logs", filter}
	case PendingTx:
		return []any{"newPendingTransactions"}
	}
	return []any{"newHeads"}
}

type Event struct {
	Type       Kind
	Payload    json.RawMessage
	Block      uint64 // zero when the payload carries no block number
	ReceivedAt time.Time
}

type Subscription interface {
	Events() <-chan Event
	// Err reports why the stream ended; nil after a local Close.
	Err() error
	Close() error
}

type Options struct {
	URL    string
	Kind   Kind
	Filter map[string]any // log filter object for Kind == Log

	DialAttempts     int
	BackoffMin       time.Duration
	BackoffJitter    time.Duration
	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Buffer           int
	Log              zerolog.Logger
}

func (o *Options) defaults() {
	if o.DialAttempts <= 0 {
		o.DialAttempts = 5
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: o.HandshakeTimeout, Proxy: http.ProxyFromEnvironment}
	}
	if o.Buffer <= 0 {
		o.Buffer = 64
	}
	if o.Kind == "" {
		o.Kind = NewBlock
	}
}

// Backoff returns the wait before the next dial: BackoffMin plus a uniform
// jitter in [0, BackoffJitter).
func (o Options) Backoff() time.Duration {
	if o.BackoffJitter <= 0 {
		return o.BackoffMin
	}
	return o.BackoffMin + rand.N(o.BackoffJitter)
}

// Subscribe dials and subscribes, retrying with jittered backoff up to
// DialAttempts times.
func Subscribe(ctx context.Context, opts Options) (Subscription, error) {
	opts.defaults()
	log := opts.Log.With().Str("component", "events").Str("kind", string(opts.Kind)).Logger()
	for attempt := 1; ; attempt++ {
		conn, subID, err := dialAndSubscribe(ctx, opts)
		if err == nil {
			s := newWSSubscription(conn, subID, opts, log)
			go s.readLoop()
			go func() {
				select {
				case <-ctx.Done():
					_ = s.Close()
				case <-s.done:
				}
			}()
			log.Info().Str("subscription", subID).Int("attempt", attempt).Msg("subscribed")
			return s, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if attempt >= opts.DialAttempts {
			return nil, fmt.Errorf("subscribe %s after %d attempts: %w", opts.Kind, attempt, err)
		}
		wait := opts.Backoff()
		ev := log.Warn()
		if errors.Is(err, errRateLimited) {
			ev = log.Debug()
		}
		ev.Err(err).Int("attempt", attempt).Dur("retry_in", wait).Msg("subscription dial failed")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

var errRateLimited = errors.New("rate limited")

func dialAndSubscribe(ctx context.Context, opts Options) (*websocket.Conn, string, error) {
	conn, resp, err := opts.Dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable) {
			return nil, "", fmt.Errorf("%w: handshake status %d", errRateLimited, resp.StatusCode)
		}
		return nil, "", err
	}
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_subscribe",
		"params":  opts.Kind.params(opts.Filter),
	}
	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("subscribe write: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(opts.HandshakeTimeout))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("subscribe read: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	var out struct {
		Result string `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(msg, &out); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("subscribe parse: %w", err)
	}
	if out.Error != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("subscribe rejected: %d %s", out.Error.Code, out.Error.Message)
	}
	if out.Result == "" {
		_ = conn.Close()
		return nil, "", errors.New("subscribe: empty subscription id")
	}
	return conn, out.Result, nil
}

type wsSubscription struct {
	conn  *websocket.Conn
	subID string
	kind  Kind
	log   zerolog.Logger

	events chan Event
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func newWSSubscription(conn *websocket.Conn, subID string, opts Options, log zerolog.Logger) *wsSubscription {
	return &wsSubscription{
		conn:   conn,
		subID:  subID,
		kind:   opts.Kind,
		log:    log,
		events: make(chan Event, opts.Buffer),
		done:   make(chan struct{}),
	}
}

func (s *wsSubscription) Events() <-chan Event { return s.events }

func (s *wsSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

type notification struct {
	Method string `json:"method"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
}

func (s *wsSubscription) readLoop() {
	defer close(s.events)
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.mu.Lock()
				s.err = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
				s.mu.Unlock()
				s.log.Warn().Err(err).Msg("event stream ended")
				_ = s.Close()
			}
			return
		}
		var n notification
		if err := json.Unmarshal(msg, &n); err != nil {
			s.log.Debug().Err(err).Msg("skipping undecodable frame")
			continue
		}
		if n.Method != "eth_subscription" || n.Params.Subscription != s.subID {
			continue
		}
		ev := Event{Type: s.kind, Payload: n.Params.Result, ReceivedAt: time.Now()}
		ev.Block = blockOf(s.kind, n.Params.Result)
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func blockOf(kind Kind, payload json.RawMessage) uint64 {
	var fields struct {
		Number      *hexutil.Uint64 `json:"number"`
		BlockNumber *hexutil.Uint64 `json:"blockNumber"`
	}
	if kind == PendingTx || json.Unmarshal(payload, &fields) != nil {
		return 0
	}
	switch {
	case fields.Number != nil:
		return uint64(*fields.Number)
	case fields.BlockNumber != nil:
		return uint64(*fields.BlockNumber)
	}
	return 0
}
