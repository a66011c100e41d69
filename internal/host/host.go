// ABOUTME: Single-threaded host loop owning the conversation, bridge, and dispatcher
// ABOUTME: Serializes user sends, stream frames, and editor messages onto one goroutine

package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/2389/coven-editor/internal/agentapi"
	"github.com/2389/coven-editor/internal/bridge"
	"github.com/2389/coven-editor/internal/conversation"
	"github.com/2389/coven-editor/internal/correlate"
	"github.com/2389/coven-editor/internal/dispatch"
	"github.com/2389/coven-editor/internal/metrics"
	"github.com/2389/coven-editor/internal/sse"
	"github.com/2389/coven-editor/internal/store"
)

// Host errors
var (
	ErrStopped        = errors.New("host is not running")
	ErrAlreadyRunning = errors.New("host is already running")
)

// errTurnEnded stops reading a stream once its turn has been closed by a frame.
var errTurnEnded = errors.New("turn ended")

// Agent runs one streaming turn against the backend.
type Agent interface {
	StreamTurn(ctx context.Context, req agentapi.TurnRequest, onFrame func(sse.Frame) error) error
}

// TurnOptions are per-turn settings forwarded to the backend.
type TurnOptions struct {
	PermissionType   agentapi.PermissionType
	ExtendedThinking bool
	EnabledTools     []string
}

// Options wires a Host.
type Options struct {
	Session *conversation.Session
	Agent   Agent
	// AgentURL is shown to the user when the backend cannot be reached.
	AgentURL string
	Relay    bridge.Relay
	Store    store.Store
	Ledger   *correlate.Ledger
	Bridge   bridge.Config
	// Metrics is optional.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Host owns all mutable editor state. Every mutation runs on the goroutine
// executing Run; other goroutines submit work and wait for it.
type Host struct {
	session    *conversation.Session
	agent      Agent
	agentURL   string
	store      store.Store
	bridge     *bridge.Bridge
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics

	events  chan func()
	stopped chan struct{}
	running atomic.Bool

	// Owned by the loop goroutine.
	activeTurn string
	cancelTurn context.CancelFunc
	stopping   bool

	defaultURL string
	lastURL    atomic.Value // string

	turns  sync.WaitGroup
	logger *slog.Logger
}

// New creates a host. The bridge is built from opts.Bridge; its document
// URL also provides the default editor URL.
func New(opts Options) (*Host, error) {
	if opts.Session == nil {
		return nil, errors.New("host: session is required")
	}
	if opts.Agent == nil {
		return nil, errors.New("host: agent is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Host{
		session:    opts.Session,
		agent:      opts.Agent,
		agentURL:   opts.AgentURL,
		store:      opts.Store,
		metrics:    opts.Metrics,
		events:     make(chan func()),
		stopped:    make(chan struct{}),
		defaultURL: strings.TrimSuffix(opts.Bridge.DocumentURL, "/") + "/wp-admin",
		logger:     logger.With("component", "host"),
	}

	var urlStore bridge.URLStore
	if opts.Store != nil {
		urlStore = opts.Store
	}
	relay := opts.Relay
	if relay != nil && opts.Metrics != nil {
		relay = countingRelay{next: relay, metrics: opts.Metrics}
	}
	b, err := bridge.New(opts.Bridge, relay, urlStore, opts.Ledger,
		bridge.WithLogger(logger),
		bridge.WithURLChangeHandler(h.rememberURL))
	if err != nil {
		return nil, fmt.Errorf("creating bridge: %w", err)
	}
	h.bridge = b
	var forwarder dispatch.CommandForwarder = b
	if opts.Metrics != nil {
		forwarder = countingForwarder{next: b, metrics: opts.Metrics}
	}
	h.dispatcher = dispatch.NewDispatcher(opts.Session, forwarder, logger)
	h.lastURL.Store(h.defaultURL)
	return h, nil
}

// Run loads the persisted editor URL and then processes work until ctx is
// done. On exit the active turn is canceled and in-flight relays drained.
func (h *Host) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(h.stopped)

	h.loadLastURL(ctx)
	h.logger.Info("host loop started")

	for {
		select {
		case fn := <-h.events:
			fn()
		case <-ctx.Done():
			h.stopping = true
			if h.cancelTurn != nil {
				h.cancelTurn()
			}
			h.drain()
			h.bridge.Wait()
			h.logger.Info("host loop stopped")
			return nil
		}
	}
}

// drain waits for turn goroutines while still completing their submissions.
// No turn can start once stopping is set.
func (h *Host) drain() {
	done := make(chan struct{})
	go func() {
		h.turns.Wait()
		close(done)
	}()
	for {
		select {
		case fn := <-h.events:
			fn()
		case <-done:
			return
		}
	}
}

func (h *Host) loadLastURL(ctx context.Context) {
	if h.store == nil {
		return
	}
	url, err := h.store.LastURL(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.logger.Debug("no persisted editor url", "default", h.defaultURL)
	case err != nil:
		h.logger.Warn("failed to load persisted editor url", "error", err)
	case url != "":
		h.lastURL.Store(url)
		h.logger.Debug("restored editor url", "url", url)
	}
}

func (h *Host) rememberURL(url string) {
	h.lastURL.Store(url)
}

// submit runs fn on the loop goroutine and waits for it to finish.
func (h *Host) submit(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		fn()
	}

	select {
	case h.events <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.stopped:
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-h.stopped:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	}
}

// Send starts a turn for text. Rejections come from the session
// (conversation.ErrBusy, ErrNoCredits, ErrEmptyMessage) and change nothing.
func (h *Host) Send(ctx context.Context, text string, opts TurnOptions) error {
	var startErr error
	err := h.submit(ctx, func() {
		startErr = h.startTurn(text, opts)
	})
	if err != nil {
		return err
	}
	return startErr
}

// startTurn runs on the loop goroutine.
func (h *Host) startTurn(text string, opts TurnOptions) error {
	if h.stopping {
		return ErrStopped
	}
	turn, err := h.session.StartTurn(text)
	if err != nil {
		h.logger.Debug("turn rejected", "error", err)
		return err
	}

	req := agentapi.TurnRequest{
		Message:             turn.UserText,
		WordPressContext:    h.bridge.RawContext(),
		ConversationHistory: turn.History,
		PermissionType:      opts.PermissionType,
		ExtendedThinking:    opts.ExtendedThinking,
		EnabledTools:        opts.EnabledTools,
	}
	if turn.SessionID != "" {
		id := turn.SessionID
		req.ConversationID = &id
	}

	turnCtx, cancel := context.WithCancel(context.Background())
	h.activeTurn = turn.ID
	h.cancelTurn = cancel

	h.logger.Info("turn started",
		"turn_id", turn.ID,
		"has_session", turn.SessionID != "",
		"history", len(turn.History))

	h.turns.Add(1)
	go h.streamTurn(turnCtx, turn.ID, req)
	return nil
}

// streamTurn reads one turn's stream on its own goroutine and hands every
// frame to the loop.
func (h *Host) streamTurn(ctx context.Context, turnID string, req agentapi.TurnRequest) {
	defer h.turns.Done()

	err := h.agent.StreamTurn(ctx, req, func(f sse.Frame) error {
		var dispatchErr error
		ended := false
		if err := h.submit(ctx, func() {
			if h.activeTurn != turnID {
				ended = true
				return
			}
			h.metrics.Frame(f.Event)
			eff, err := h.dispatcher.Dispatch(f)
			if err != nil {
				dispatchErr = err
				return
			}
			if eff.EndsTurn {
				h.metrics.Turn(turnOutcome(f.Event))
				h.finishTurn(turnID)
				ended = true
			}
		}); err != nil {
			return err
		}
		if dispatchErr != nil {
			return dispatchErr
		}
		if ended {
			return errTurnEnded
		}
		return nil
	})

	// The loop may already be gone during shutdown; the session is then
	// abandoned with the process.
	_ = h.submit(context.Background(), func() {
		h.completeTurn(turnID, err)
	})
}

// completeTurn runs on the loop goroutine after the stream has returned.
// Every path clears busy.
func (h *Host) completeTurn(turnID string, err error) {
	if h.activeTurn != turnID {
		return
	}

	switch {
	case err == nil:
		h.metrics.Turn(metrics.TurnUnfinished)
		h.logger.Debug("stream ended without a final response", "turn_id", turnID)
	case errors.Is(err, context.Canceled):
		h.metrics.Turn(metrics.TurnCanceled)
		h.logger.Info("turn canceled", "turn_id", turnID)
	default:
		h.metrics.Turn(metrics.TurnFailed)
		h.logger.Error("turn failed", "turn_id", turnID, "error", err)
		h.session.Append(conversation.Draft{
			Role:    conversation.RoleAgent,
			Content: h.failureMessage(err),
		})
	}
	h.finishTurn(turnID)
}

func (h *Host) finishTurn(turnID string) {
	if h.activeTurn != turnID {
		return
	}
	if h.cancelTurn != nil {
		h.cancelTurn()
	}
	h.activeTurn = ""
	h.cancelTurn = nil
	h.session.EndTurn()
	h.logger.Debug("turn ended", "turn_id", turnID)
}

func (h *Host) failureMessage(err error) string {
	var decodeErr *sse.DecodeError
	if errors.As(err, &decodeErr) || errors.Is(err, dispatch.ErrAmbiguousToolResult) {
		return "Error: the agent sent a response that could not be read."
	}
	var apiErr *agentapi.APIError
	if errors.As(err, &apiErr) {
		return fmt.Sprintf("Error: the agent returned %d.", apiErr.StatusCode)
	}
	if errors.Is(err, sse.ErrStreamInterrupted) {
		return "Error: the connection to the agent was interrupted."
	}
	return fmt.Sprintf("Error: could not reach the agent. Check that the server is running at %s.", h.agentURL)
}

// Inbound processes one cross-origin message on the loop.
func (h *Host) Inbound(ctx context.Context, msg bridge.Inbound) (bridge.Disposition, error) {
	var d bridge.Disposition
	err := h.submit(ctx, func() {
		d = h.bridge.HandleInbound(ctx, msg)
		h.metrics.Inbound(string(d))
	})
	return d, err
}

// DocumentLoaded arms outbound commands to target.
func (h *Host) DocumentLoaded(ctx context.Context, target bridge.Target) error {
	return h.submit(ctx, func() { h.bridge.DocumentLoaded(target) })
}

// DocumentUnloaded disarms outbound commands until the next load.
func (h *Host) DocumentUnloaded(ctx context.Context) error {
	return h.submit(ctx, func() { h.bridge.DocumentUnloaded() })
}

// Reset starts a new conversation. It is refused while a turn is in flight.
func (h *Host) Reset(ctx context.Context) error {
	var resetErr error
	err := h.submit(ctx, func() {
		if h.session.Busy() {
			resetErr = conversation.ErrBusy
			return
		}
		h.session.Reset()
	})
	if err != nil {
		return err
	}
	return resetErr
}

// ClearSelectedBlock drops the editor's selected block from the context.
func (h *Host) ClearSelectedBlock(ctx context.Context) error {
	return h.submit(ctx, func() { h.bridge.ClearSelectedBlock() })
}

// Snapshot returns the conversation state. Safe from any goroutine.
func (h *Host) Snapshot() conversation.Snapshot {
	return h.session.Snapshot()
}

// EditorContext returns the latest editor context, or nil.
func (h *Host) EditorContext() *bridge.EditorContext {
	return h.bridge.Context()
}

// InitialURL returns the URL the editor should open: the last persisted
// one, else the site's admin page.
func (h *Host) InitialURL() string {
	url, _ := h.lastURL.Load().(string)
	return url
}

// EditorReady reports whether outbound commands can be delivered.
func (h *Host) EditorReady() bool {
	return h.bridge.Ready()
}

// DocumentOrigin returns the origin commands are addressed to.
func (h *Host) DocumentOrigin() string {
	return h.bridge.DocumentOrigin()
}
