package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ligun0805/strike-cluster/internal/jsonrpc"
)

var ErrNoEndpoints = errors.New("no endpoints configured")

// Class tells the router whether retrying elsewhere can help.
type Class int

const (
	Transient Class = iota
	Structural
	SequenceConflict
	// Duplicate means the endpoint already holds this exact payload.
	Duplicate
)

func (c Class) String() string {
	switch c {
	case Structural:
		return "structural"
	case SequenceConflict:
		return "sequence-conflict"
	case Duplicate:
		return "duplicate"
	}
	return "transient"
}

// Upstream messages meaning the account sequence number is stale or reused.
var conflictSignatures = []string{
	"nonce too low",
	"nonce has already been used",
	"replacement transaction underpriced",
	"invalid nonce",
	"number already used",
	"number too low",
}

// Upstream messages meaning the same signed payload was seen before.
var duplicateSignatures = []string{
	"already known",
	"known transaction",
	"already imported",
}

// Upstream messages meaning the payload itself is unacceptable.
var structuralSignatures = []string{
	"insufficient funds",
	"intrinsic gas too low",
	"exceeds block gas limit",
	"gas limit reached",
	"invalid sender",
	"invalid transaction",
	"invalid signature",
	"transaction type not supported",
	"max fee per gas less than block base fee",
	"execution reverted",
	"rlp:",
}

// Classify maps an endpoint error to a retry class.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}
	var se *StructuralError
	if errors.As(err, &se) {
		return se.Class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		return classifyMessage(rpcErr.Message)
	}
	// timeouts, resets, 429/5xx and malformed bodies
	return Transient
}

func classifyMessage(msg string) Class {
	low := strings.ToLower(msg)
	for _, s := range duplicateSignatures {
		if strings.Contains(low, s) {
			return Duplicate
		}
	}
	for _, s := range conflictSignatures {
		if strings.Contains(low, s) {
			return SequenceConflict
		}
	}
	for _, s := range structuralSignatures {
		if strings.Contains(low, s) {
			return Structural
		}
	}
	return Transient
}

// IsSequenceConflict reports whether err carries a stale or reused sequence signature.
func IsSequenceConflict(err error) bool {
	if err == nil {
		return false
	}
	if Classify(err) == SequenceConflict {
		return true
	}
	return classifyMessage(err.Error()) == SequenceConflict
}

// StructuralError is an upstream rejection that retrying elsewhere will not change.
type StructuralError struct {
	Endpoint string
	Class    Class
	Err      error
}

func (e *StructuralError) Error() string {
	return fmt.Sprintf("%s rejection from %s: %v", e.Class, e.Endpoint, e.Err)
}

func (e *StructuralError) Unwrap() error { return e.Err }

// AttemptError records one failed endpoint call.
type AttemptError struct {
	Pool     string
	Endpoint string
	Attempt  int
	Reason   string
}

func (a AttemptError) String() string {
	return fmt.Sprintf("%s/%s #%d: %s", a.Pool, a.Endpoint, a.Attempt, a.Reason)
}

// AggregateError is returned when every endpoint in every pool failed.
type AggregateError struct {
	Method   string
	Attempts []AttemptError
	Cause    error // set when the caller's context ended the route early
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	if e.Cause != nil {
		fmt.Fprintf(&b, "%s aborted after %d failed attempts (%v)", e.Method, len(e.Attempts), e.Cause)
	} else {
		fmt.Fprintf(&b, "total outage: %s failed on all endpoints (%d attempts)", e.Method, len(e.Attempts))
	}
	for _, a := range e.Attempts {
		b.WriteString("\n  ")
		b.WriteString(a.String())
	}
	return b.String()
}

func (e *AggregateError) Unwrap() error { return e.Cause }
