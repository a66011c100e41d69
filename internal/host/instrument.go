// ABOUTME: Metric-recording wrappers around the bridge's command and relay paths
// ABOUTME: Counts delivery results without changing what the wrapped call returns

package host

import (
	"context"
	"errors"

	"github.com/2389/coven-editor/internal/bridge"
	"github.com/2389/coven-editor/internal/dispatch"
	"github.com/2389/coven-editor/internal/metrics"
)

type countingForwarder struct {
	next    dispatch.CommandForwarder
	metrics *metrics.Metrics
}

func (f countingForwarder) Forward(cmd bridge.Command) error {
	err := f.next.Forward(cmd)
	switch {
	case err == nil:
		f.metrics.CommandForwarded(metrics.ResultOK)
	case errors.Is(err, bridge.ErrNotReady):
		f.metrics.CommandForwarded(metrics.ResultNotReady)
	default:
		f.metrics.CommandForwarded(metrics.ResultError)
	}
	return err
}

type countingRelay struct {
	next    bridge.Relay
	metrics *metrics.Metrics
}

func (r countingRelay) RelayCommandResult(ctx context.Context, result bridge.CommandResult) error {
	err := r.next.RelayCommandResult(ctx, result)
	if err != nil {
		r.metrics.ReplyRelayed(metrics.ResultError)
	} else {
		r.metrics.ReplyRelayed(metrics.ResultOK)
	}
	return err
}

// turnOutcome classifies a turn closed by one of its own frames.
func turnOutcome(event string) string {
	if event == dispatch.EventFinalResponse {
		return metrics.TurnCompleted
	}
	return metrics.TurnFailed
}
