// ABOUTME: Dispatcher applying translated frame effects to a conversation session
// ABOUTME: Hands command-shaped tool results to the editor bridge

package dispatch

import (
	"log/slog"

	"github.com/2389/coven-editor/internal/bridge"
	"github.com/2389/coven-editor/internal/conversation"
	"github.com/2389/coven-editor/internal/sse"
)

// CommandForwarder sends a command into the editor document.
type CommandForwarder interface {
	Forward(cmd bridge.Command) error
}

// Dispatcher applies frames to one session in decode order.
type Dispatcher struct {
	session   *conversation.Session
	forwarder CommandForwarder
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. forwarder may be nil, in which case
// commands are logged and dropped.
func NewDispatcher(session *conversation.Session, forwarder CommandForwarder, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		session:   session,
		forwarder: forwarder,
		logger:    logger.With("component", "dispatch"),
	}
}

// Dispatch translates frame and applies the result. It does not end the
// turn; callers check Effect.EndsTurn. A returned error is terminal for the
// turn and nothing has been applied.
func (d *Dispatcher) Dispatch(frame sse.Frame) (Effect, error) {
	_, hasID := d.session.SessionID()
	eff, err := Translate(frame, hasID)
	if err != nil {
		d.logger.Warn("rejecting frame", "event", frame.Event, "error", err)
		return Effect{}, err
	}

	if eff.AdoptSessionID != "" {
		d.session.AdoptSessionID(eff.AdoptSessionID)
	}

	if eff.Command != nil {
		d.forward(*eff.Command)
	}

	for _, m := range eff.Messages {
		d.session.Append(m)
	}

	if len(eff.Messages) == 0 && !eff.EndsTurn && eff.Command == nil {
		d.logger.Debug("ignoring event", "event", frame.Event)
	}
	return eff, nil
}

// forward hands cmd to the bridge. Failures never reach the user; the
// tool-result message is still appended.
func (d *Dispatcher) forward(cmd bridge.Command) {
	if d.forwarder == nil {
		d.logger.Warn("no editor bridge, dropping command", "action", cmd.Action)
		return
	}
	if err := d.forwarder.Forward(cmd); err != nil {
		d.logger.Warn("command not delivered", "action", cmd.Action, "error", err)
	}
}
