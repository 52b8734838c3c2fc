// Package evaluate decides whether an observed opportunity is worth a
// submission and drafts the payload.
package evaluate

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/ligun0805/strike-cluster/internal/events"
	"github.com/ligun0805/strike-cluster/internal/ipc"
)

// Snapshot is what the evaluator sees for one decision.
type Snapshot struct {
	Signal   ipc.Signal
	Sequence uint64 // leased sequence value the draft will carry
	Event    *events.Event
}

// Draft is an unsigned EIP-1559 payload.
type Draft struct {
	ChainID *big.Int
	To      common.Address
	Data    []byte
	Value   *big.Int
	Gas     uint64
	TipCap  *big.Int
	FeeCap  *big.Int
}

type SubmissionRequest struct {
	Draft     Draft
	PoolOrder []string // pools to route through, empty = all
	Deadline  time.Time

	ExpectedProfit *big.Int
	Cost           *big.Int
}

// Evaluator approves or declines. A nil request with a nil error is a decline.
type Evaluator interface {
	Evaluate(ctx context.Context, snap Snapshot) (*SubmissionRequest, error)
}

type EvaluatorFunc func(ctx context.Context, snap Snapshot) (*SubmissionRequest, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, snap Snapshot) (*SubmissionRequest, error) {
	return f(ctx, snap)
}

// Caller is the read path into the endpoint router.
type Caller interface {
	Call(ctx context.Context, out any, method string, params ...any) error
}
