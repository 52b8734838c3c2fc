package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ligun0805/strike-cluster/internal/evaluate"
	"github.com/ligun0805/strike-cluster/internal/events"
	"github.com/ligun0805/strike-cluster/internal/ipc"
	"github.com/ligun0805/strike-cluster/internal/metrics"
)

// Publisher hands a signal to the supervisor for fan-out.
type Publisher interface {
	Publish(sig ipc.Signal) error
}

// Listener turns matching events into fan-out signals.
type Listener struct {
	Worker    string
	Events    events.Subscription
	Filter    evaluate.Filter
	Evaluator evaluate.Evaluator // optional go/no-go, nil approves every match
	Link      Publisher
	Metrics   *metrics.Metrics
	Log       zerolog.Logger
}

// Run consumes the subscription until ctx ends or the stream closes. A closed
// stream is returned as an error so the process exits and gets respawned.
func (l *Listener) Run(ctx context.Context) error {
	stream := l.Events.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-stream:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := l.Events.Err(); err != nil {
					return err
				}
				return events.ErrConnectionClosed
			}
			l.handle(ctx, ev)
		}
	}
}

func (l *Listener) handle(ctx context.Context, ev events.Event) {
	if l.Filter != nil && !l.Filter.Match(ev) {
		return
	}
	sig := ipc.Signal{
		ID:         uuid.NewString(),
		Origin:     l.Worker,
		Kind:       string(ev.Type),
		Block:      ev.Block,
		Payload:    ev.Payload,
		ObservedAt: time.Now(),
	}
	if l.Evaluator != nil {
		req, err := l.Evaluator.Evaluate(ctx, evaluate.Snapshot{Signal: sig, Event: &ev})
		if err != nil {
			l.Log.Warn().Err(err).Str("signal", sig.ID).Msg("evaluation failed")
			return
		}
		if req == nil {
			return
		}
	}
	if err := l.Link.Publish(sig); err != nil {
		l.Log.Error().Err(err).Str("signal", sig.ID).Msg("publish failed")
		return
	}
	l.Metrics.SignalPublished()
	l.Log.Info().Str("signal", sig.ID).Uint64("block", sig.Block).Str("kind", sig.Kind).Msg("signal published")
}
