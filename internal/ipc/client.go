package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LeaseError is a lease refusal relayed from the supervisor.
type LeaseError struct{ Reason string }

func (e *LeaseError) Error() string { return "lease refused: " + e.Reason }

// Client is the worker's end of the supervisor link.
type Client struct {
	conn   *Conn
	worker string
	log    zerolog.Logger

	mu      sync.Mutex
	pending map[string]chan Message
	closed  bool
}

func NewClient(conn *Conn, worker string, log zerolog.Logger) *Client {
	return &Client{
		conn:    conn,
		worker:  worker,
		log:     log.With().Str("component", "ipc").Logger(),
		pending: map[string]chan Message{},
	}
}

func (c *Client) Worker() string { return c.worker }

// RequestLease asks the supervisor's broker for the next sequence value and
// waits for the matching grant.
func (c *Client) RequestLease(ctx context.Context) (uint64, error) {
	id := uuid.NewString()
	ch := make(chan Message, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.conn.Send(Message{Type: LeaseRequest, ID: id, Worker: c.worker}); err != nil {
		return 0, fmt.Errorf("send lease request: %w", err)
	}
	select {
	case <-ctx.Done():
		return 0, fmt.Errorf("await lease: %w", ctx.Err())
	case m, ok := <-ch:
		if !ok {
			return 0, ErrClosed
		}
		if m.Error != "" {
			return 0, &LeaseError{Reason: m.Error}
		}
		return m.Value, nil
	}
}

func (c *Client) Publish(sig Signal) error {
	sig.Origin = c.worker
	return c.conn.Send(Message{Type: Publish, Worker: c.worker, Signal: &sig})
}

func (c *Client) Resync(reason string) error {
	return c.conn.Send(Message{Type: Resync, Worker: c.worker, Reason: reason})
}

func (c *Client) Delivered(value uint64) error {
	return c.conn.Send(Message{Type: Delivered, Worker: c.worker, Value: value})
}

// Done tells the supervisor a submission was accepted in exit-after-first-success mode.
func (c *Client) Done(value uint64) error {
	return c.conn.Send(Message{Type: Done, Worker: c.worker, Value: value})
}

func (c *Client) Status(state string) error {
	return c.conn.Send(Message{Type: Status, Worker: c.worker, Reason: state})
}

// Dispatch reads supervisor messages until the link closes, completing lease
// requests and handing strike signals to onStrike. onStrike must not block.
func (c *Client) Dispatch(ctx context.Context, onStrike func(Signal)) error {
	defer c.shutdown()
	for {
		m, err := c.conn.Recv()
		if err != nil {
			if errors.Is(err, ErrMalformed) {
				c.log.Warn().Err(err).Msg("skipping message")
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
				return ErrClosed
			}
			return fmt.Errorf("read supervisor link: %w", err)
		}
		switch m.Type {
		case LeaseGrant:
			c.mu.Lock()
			ch, ok := c.pending[m.ID]
			c.mu.Unlock()
			if !ok {
				c.log.Debug().Str("id", m.ID).Uint64("value", m.Value).Msg("grant for abandoned request")
				continue
			}
			select {
			case ch <- m:
			default:
			}
		case Strike:
			if m.Signal != nil {
				onStrike(*m.Signal)
			}
		default:
			c.log.Debug().Str("type", string(m.Type)).Msg("ignoring message")
		}
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}
