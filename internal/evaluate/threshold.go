package evaluate

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/ligun0805/strike-cluster/internal/router"
)

// BaseL1FeeOracle is the OP-stack GasPriceOracle predeploy.
var BaseL1FeeOracle = common.HexToAddress("0x420000000000000000000000000000000000000F")

const gasPriceOracleABI = `[{"inputs":[{"internalType":"bytes","name":"_data","type":"bytes"}],"name":"getL1Fee","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`

var oracleABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(gasPriceOracleABI))
	if err != nil {
		panic(err)
	}
	return parsed
}()

// ThresholdEvaluator simulates the strike call from the identity address and
// reads the return value as expected profit in wei. It approves when profit
// exceeds gas cost plus the rollup data fee plus MinNetProfit.
type ThresholdEvaluator struct {
	Caller       Caller
	From         common.Address
	To           common.Address
	Data         []byte
	ChainID      *big.Int
	GasLimit     uint64
	PriorityFee  *big.Int  // floor when Tip is set
	Tip          TipOracle // optional
	MinNetProfit *big.Int
	L1Oracle     *common.Address // nil skips the data fee
	PoolOrder    []string
	TTL          time.Duration
	Log          zerolog.Logger
}

func (e *ThresholdEvaluator) Evaluate(ctx context.Context, snap Snapshot) (*SubmissionRequest, error) {
	log := e.Log.With().Str("signal", snap.Signal.ID).Uint64("sequence", snap.Sequence).Logger()

	profit, err := e.simulate(ctx)
	if err != nil {
		return nil, err
	}
	if profit.Sign() == 0 {
		log.Debug().Msg("simulation shows no profit")
		return nil, nil
	}

	var price hexutil.Big
	if err := e.Caller.Call(ctx, &price, "eth_gasPrice"); err != nil {
		return nil, fmt.Errorf("gas price: %w", err)
	}
	base := price.ToInt()
	tip := e.tip(ctx, log)
	perGas := new(big.Int).Add(base, tip)

	cost := new(big.Int).Mul(new(big.Int).SetUint64(e.GasLimit), perGas)
	cost.Add(cost, e.l1Fee(ctx, log))
	threshold := new(big.Int).Set(cost)
	if e.MinNetProfit != nil {
		threshold.Add(threshold, e.MinNetProfit)
	}
	if profit.Cmp(threshold) <= 0 {
		log.Debug().
			Str("profit_eth", FormatEther(profit)).
			Str("cost_eth", FormatEther(cost)).
			Msg("below profit threshold")
		return nil, nil
	}

	net := new(big.Int).Sub(profit, cost)
	log.Info().
		Str("net_eth", FormatEther(net)).
		Str("base_gwei", FormatGwei(base)).
		Str("tip_gwei", FormatGwei(tip)).
		Msg("opportunity approved")

	req := &SubmissionRequest{
		Draft: Draft{
			ChainID: e.ChainID,
			To:      e.To,
			Data:    e.Data,
			Value:   new(big.Int),
			Gas:     e.GasLimit,
			TipCap:  new(big.Int).Set(tip),
			FeeCap:  perGas,
		},
		PoolOrder:      e.PoolOrder,
		ExpectedProfit: profit,
		Cost:           cost,
	}
	if e.TTL > 0 {
		req.Deadline = time.Now().Add(e.TTL)
	}
	return req, nil
}

func (e *ThresholdEvaluator) tip(ctx context.Context, log zerolog.Logger) *big.Int {
	tip := new(big.Int)
	if e.PriorityFee != nil {
		tip.Set(e.PriorityFee)
	}
	if e.Tip == nil {
		return tip
	}
	suggested, err := e.Tip.SuggestTip(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("tip suggestion unavailable, using configured fee")
		return tip
	}
	if suggested.Cmp(tip) > 0 {
		return suggested
	}
	return tip
}

// simulate returns zero when the call is rejected upstream (revert); only
// routing failures are errors.
func (e *ThresholdEvaluator) simulate(ctx context.Context) (*big.Int, error) {
	args := map[string]any{
		"from": e.From,
		"to":   e.To,
		"data": hexutil.Bytes(e.Data),
		"gas":  hexutil.Uint64(e.GasLimit),
	}
	var out hexutil.Bytes
	if err := e.Caller.Call(ctx, &out, "eth_call", args, "latest"); err != nil {
		if router.Classify(err) != router.Transient {
			e.Log.Debug().Err(err).Msg("simulation rejected")
			return new(big.Int), nil
		}
		return nil, fmt.Errorf("simulate: %w", err)
	}
	return new(big.Int).SetBytes(out), nil
}

func (e *ThresholdEvaluator) l1Fee(ctx context.Context, log zerolog.Logger) *big.Int {
	if e.L1Oracle == nil {
		return new(big.Int)
	}
	input, err := oracleABI.Pack("getL1Fee", e.Data)
	if err != nil {
		return new(big.Int)
	}
	var out hexutil.Bytes
	args := map[string]any{"to": *e.L1Oracle, "data": hexutil.Bytes(input)}
	if err := e.Caller.Call(ctx, &out, "eth_call", args, "latest"); err != nil {
		log.Debug().Err(err).Msg("l1 fee unavailable, assuming zero")
		return new(big.Int)
	}
	vals, err := oracleABI.Unpack("getL1Fee", out)
	if err != nil || len(vals) == 0 {
		return new(big.Int)
	}
	fee, ok := vals[0].(*big.Int)
	if !ok {
		return new(big.Int)
	}
	return fee
}
