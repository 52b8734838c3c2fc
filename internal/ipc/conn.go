package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

var (
	ErrClosed    = errors.New("ipc: connection closed")
	ErrMalformed = errors.New("ipc: malformed message")
)

const maxLine = 1 << 20

// Conn frames Messages as JSON lines. Send is safe for concurrent use; Recv
// must be called from a single goroutine.
type Conn struct {
	r      *bufio.Reader
	w      io.Writer
	closer []io.Closer

	wmu    sync.Mutex
	closed atomic.Bool
}

// NewConn wraps a reader/writer pair. Either side is closed by Close when it
// implements io.Closer.
func NewConn(r io.Reader, w io.Writer) *Conn {
	c := &Conn{r: bufio.NewReaderSize(r, maxLine), w: w}
	if wc, ok := w.(io.Closer); ok {
		c.closer = append(c.closer, wc)
	}
	if rc, ok := r.(io.Closer); ok {
		c.closer = append(c.closer, rc)
	}
	return c
}

func (c *Conn) Send(m Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}
	b = append(b, '\n')
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(b); err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		return err
	}
	return nil
}

// Recv reads the next message. A line that is not a valid message yields an
// error wrapping ErrMalformed; the stream stays usable.
func (c *Conn) Recv() (Message, error) {
	line, err := c.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		for errors.Is(err, bufio.ErrBufferFull) {
			_, err = c.r.ReadSlice('\n')
		}
		if err == nil {
			return Message{}, fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, maxLine)
		}
		line = nil
	}
	if err != nil {
		if c.closed.Load() {
			return Message{}, ErrClosed
		}
		if !errors.Is(err, io.EOF) {
			return Message{}, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			return Message{}, io.EOF
		}
		// unterminated final line
	}
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return m, nil
}

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	var errs []error
	for _, cl := range c.closer {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}
