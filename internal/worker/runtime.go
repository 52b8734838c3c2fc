// Package worker is the body of one worker process: a Listener that turns
// chain events into signals, or a Striker that turns signals into
// submissions, talking to the supervisor over stdin and stdout.
package worker

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ligun0805/strike-cluster/internal/config"
	"github.com/ligun0805/strike-cluster/internal/evaluate"
	"github.com/ligun0805/strike-cluster/internal/events"
	"github.com/ligun0805/strike-cluster/internal/ipc"
	"github.com/ligun0805/strike-cluster/internal/metrics"
	"github.com/ligun0805/strike-cluster/internal/router"
	"github.com/ligun0805/strike-cluster/internal/signer"
	"github.com/ligun0805/strike-cluster/internal/supervisor"
)

// Chains that expose the OP-stack GasPriceOracle predeploy.
var opStackChains = map[int64]bool{10: true, 8453: true, 84532: true}

type Options struct {
	ID       string
	Role     supervisor.Role
	Index    int
	Restarts int
	Settings config.Settings

	In      io.Reader // supervisor link, defaults to stdin
	Out     io.Writer // defaults to stdout
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

// Run serves one worker until ctx ends, the supervisor link closes, or the
// role loop fails. It returns ErrStrikeDone after an accepted submission in
// exit-after-first-success mode.
func Run(ctx context.Context, opts Options) error {
	if opts.In == nil {
		opts.In = os.Stdin
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	st := opts.Settings
	log := opts.Log.With().Str("worker", opts.ID).Str("role", string(opts.Role)).Logger()

	conn := ipc.NewConn(opts.In, opts.Out)
	client := ipc.NewClient(conn, opts.ID, log)

	var (
		loop   func(context.Context) error
		strike func(ipc.Signal)
		status func() Health
	)
	switch opts.Role {
	case supervisor.Listener:
		l, err := newListener(ctx, opts, client, log)
		if err != nil {
			return err
		}
		defer l.Events.Close()
		loop = l.Run
		strike = func(sig ipc.Signal) {}
		status = func() Health {
			return Health{Worker: opts.ID, Role: string(opts.Role), State: "listening", RestartCount: opts.Restarts}
		}
	case supervisor.Striker:
		s, err := newStriker(opts, client, log)
		if err != nil {
			return err
		}
		loop = s.Run
		strike = func(sig ipc.Signal) { s.Offer(sig) }
		status = func() Health {
			return Health{
				Worker:       opts.ID,
				Role:         string(opts.Role),
				Busy:         s.Busy(),
				State:        s.State().String(),
				RestartCount: opts.Restarts,
				Strikes:      s.Strikes(),
				Accepted:     s.Accepted(),
			}
		}
	default:
		return fmt.Errorf("unknown worker role %q", opts.Role)
	}

	g, gctx := errgroup.WithContext(ctx)

	// Dispatch blocks in Read; closing the link is what unblocks it.
	dispatched := make(chan error, 1)
	go func() { dispatched <- client.Dispatch(gctx, strike) }()
	g.Go(func() error {
		select {
		case err := <-dispatched:
			if errors.Is(err, ipc.ErrClosed) {
				return fmt.Errorf("supervisor link: %w", err)
			}
			return err
		case <-gctx.Done():
			_ = conn.Close()
			return nil
		}
	})

	g.Go(func() error { return loop(gctx) })

	if st.HealthBasePort > 0 {
		addr := net.JoinHostPort("", strconv.Itoa(st.HealthBasePort+opts.Index))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("health server disabled")
		} else {
			h := healthHandler(status, opts.Metrics)
			g.Go(func() error { return serveHealth(gctx, ln, h, log) })
		}
	}

	log.Info().Int("index", opts.Index).Int("restarts", opts.Restarts).Msg("worker started")
	_ = client.Status(Idle.String())
	err := g.Wait()
	if err != nil && !errors.Is(err, ErrStrikeDone) {
		log.Error().Err(err).Msg("worker stopped")
	}
	return err
}

func newListener(ctx context.Context, opts Options, link Publisher, log zerolog.Logger) (*Listener, error) {
	st := opts.Settings
	kind, err := events.ParseKind(st.EventKind)
	if err != nil {
		return nil, err
	}
	if st.WSURL == "" {
		return nil, errors.New("listener needs a websocket url")
	}
	sub, err := events.Subscribe(ctx, events.Options{
		URL:           st.WSURL,
		Kind:          kind,
		DialAttempts:  st.DialAttempts,
		BackoffMin:    10 * time.Second,
		BackoffJitter: 15 * time.Second,
		Log:           log,
	})
	if err != nil {
		return nil, err
	}
	return &Listener{
		Worker:  opts.ID,
		Events:  sub,
		Filter:  &evaluate.KindFilter{Kinds: []events.Kind{kind}},
		Link:    link,
		Metrics: opts.Metrics,
		Log:     log,
	}, nil
}

func newStriker(opts Options, link Link, log zerolog.Logger) (*Striker, error) {
	st := opts.Settings
	sgn, err := signer.FromHex(st.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	rt, err := NewRouter(st, opts.Metrics, log)
	if err != nil {
		return nil, err
	}
	minProfit, err := evaluate.ParseEther(st.MinNetProfitETH)
	if err != nil {
		return nil, err
	}
	if !common.IsHexAddress(st.TargetContract) {
		return nil, fmt.Errorf("target contract %q is not an address", st.TargetContract)
	}
	ev := &evaluate.ThresholdEvaluator{
		Caller:       rt,
		From:         sgn.Address(),
		To:           common.HexToAddress(st.TargetContract),
		Data:         common.FromHex(st.StrikeData),
		ChainID:      big.NewInt(st.ChainID),
		GasLimit:     st.GasLimit,
		PriorityFee:  evaluate.GweiToWei(float64(st.PriorityFeeGwei)),
		MinNetProfit: minProfit,
		PoolOrder:    st.PoolNames(),
		Log:          log,
	}
	if st.TipPercentile > 0 {
		ev.Tip = evaluate.FeeHistoryTip{Caller: rt, Blocks: st.TipBlocks, Percentile: st.TipPercentile}
	}
	if opStackChains[st.ChainID] {
		oracle := evaluate.BaseL1FeeOracle
		ev.L1Oracle = &oracle
	}
	return &Striker{
		Worker:                opts.ID,
		Link:                  link,
		Evaluator:             ev,
		Signer:                sgn,
		Submitter:             rt,
		LeaseTimeout:          st.LeaseTimeout(),
		ExitAfterFirstSuccess: st.ExitAfterFirstSuccess,
		Metrics:               opts.Metrics,
		Log:                   log,
	}, nil
}

// NewRouter builds the endpoint router described by st.
func NewRouter(st config.Settings, m *metrics.Metrics, log zerolog.Logger) (*router.Router, error) {
	pools := make([]*router.Pool, 0, len(st.EndpointPools))
	for _, ps := range st.EndpointPools {
		p, err := router.NewPool(ps.Name, ps.Policy, ps.URLs)
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	var authKey *ecdsa.PrivateKey
	if h := strings.TrimSpace(st.AuthKeyHex); h != "" {
		k, err := gethcrypto.HexToECDSA(strings.TrimPrefix(h, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse auth key: %w", err)
		}
		authKey = k
	}
	caller := router.NewHTTPCaller(pools, authKey, st.RequestTimeout())
	return router.New(pools, router.Options{
		Timeout:     st.RequestTimeout(),
		RetryBudget: st.RetryBudgetPerEndpoint,
		RPS:         st.EndpointRPS,
		Metrics:     m,
	}, caller, log)
}
