package evaluate

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

var errNoReward = errors.New("feeHistory: empty reward")

// TipOracle suggests a priority fee per gas.
type TipOracle interface {
	SuggestTip(ctx context.Context) (*big.Int, error)
}

// FeeHistoryTip takes the highest reward at Percentile over the last Blocks
// blocks, falling back to eth_maxPriorityFeePerGas when the history is empty
// or unsupported.
type FeeHistoryTip struct {
	Caller     Caller
	Blocks     int
	Percentile int
}

type feeHistory struct {
	Reward [][]*hexutil.Big `json:"reward"`
}

func (f FeeHistoryTip) SuggestTip(ctx context.Context) (*big.Int, error) {
	blocks := f.Blocks
	if blocks <= 0 {
		blocks = 20
	}
	pct := f.Percentile
	if pct <= 0 || pct > 99 {
		pct = 99
	}
	var hist feeHistory
	err := f.Caller.Call(ctx, &hist, "eth_feeHistory", hexutil.Uint64(blocks), "pending", []int{pct})
	if err == nil {
		if tip := maxReward(hist.Reward); tip != nil {
			return tip, nil
		}
		err = errNoReward
	}
	var fallback hexutil.Big
	if ferr := f.Caller.Call(ctx, &fallback, "eth_maxPriorityFeePerGas"); ferr != nil {
		return nil, fmt.Errorf("suggest tip: %w", errors.Join(err, ferr))
	}
	return fallback.ToInt(), nil
}

func maxReward(rows [][]*hexutil.Big) *big.Int {
	var max *big.Int
	for _, row := range rows {
		if len(row) == 0 || row[0] == nil {
			continue
		}
		v := row[0].ToInt()
		if max == nil || v.Cmp(max) > 0 {
			max = v
		}
	}
	if max == nil || max.Sign() == 0 {
		return nil
	}
	return new(big.Int).Set(max)
}
