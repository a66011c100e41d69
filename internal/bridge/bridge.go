// ABOUTME: Cross-origin bridge between the agent backend and the embedded editor document
// ABOUTME: Validates inbound origins, forwards commands, and relays editor replies to the backend

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/coven-editor/internal/correlate"
)

// relayTimeout bounds a single callback request to the backend.
const relayTimeout = 15 * time.Second

// Forwarding errors
var (
	ErrNotReady       = errors.New("editor document not ready")
	ErrNoTargetOrigin = errors.New("editor document origin unknown")
)

// Disposition describes what the bridge did with an inbound message.
type Disposition string

const (
	DispositionIgnoredSelf    Disposition = "ignored-self"
	DispositionRejectedOrigin Disposition = "rejected-origin"
	DispositionContextUpdated Disposition = "context-updated"
	DispositionURLChanged     Disposition = "url-changed"
	DispositionReplyRelayed   Disposition = "reply-relayed"
	DispositionReplyDuplicate Disposition = "reply-duplicate"
	DispositionUnrecognized   Disposition = "unrecognized"
)

// Target is the message port of the loaded editor document.
type Target interface {
	PostMessage(message []byte, targetOrigin string) error
}

// Relay delivers editor replies to the agent backend.
type Relay interface {
	RelayCommandResult(ctx context.Context, result CommandResult) error
}

// URLStore persists the last known editor URL.
type URLStore interface {
	SaveLastURL(ctx context.Context, url string) error
}

// Config holds the origins the bridge works with.
type Config struct {
	// DocumentURL is the editor site; its origin is the active document origin.
	DocumentURL string
	// FallbackOrigin is a second admissible inbound origin. Optional.
	FallbackOrigin string
	// HostOrigin is the hosting page's own origin, whose messages are ignored.
	HostOrigin string
}

// Bridge mediates both message directions across the editor boundary.
type Bridge struct {
	documentOrigin string
	policy         originPolicy

	relay  Relay
	store  URLStore
	ledger *correlate.Ledger

	onURLChange     func(string)
	onContextUpdate func(*EditorContext)

	mu         sync.RWMutex
	target     Target
	ready      bool
	context    *EditorContext
	rawContext json.RawMessage

	relays sync.WaitGroup
	logger *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithURLChangeHandler is called with every new editor URL.
func WithURLChangeHandler(fn func(url string)) Option {
	return func(b *Bridge) { b.onURLChange = fn }
}

// WithContextHandler is called after every context replacement.
func WithContextHandler(fn func(*EditorContext)) Option {
	return func(b *Bridge) { b.onContextUpdate = fn }
}

// WithLogger sets the bridge logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a bridge. The ledger is owned by the caller.
func New(cfg Config, relay Relay, store URLStore, ledger *correlate.Ledger, opts ...Option) (*Bridge, error) {
	documentOrigin, err := NormalizeOrigin(cfg.DocumentURL)
	if err != nil {
		return nil, fmt.Errorf("document url: %w", err)
	}
	if documentOrigin == "" {
		return nil, ErrNoTargetOrigin
	}
	fallback, err := NormalizeOrigin(cfg.FallbackOrigin)
	if err != nil {
		return nil, fmt.Errorf("fallback origin: %w", err)
	}
	self, err := NormalizeOrigin(cfg.HostOrigin)
	if err != nil {
		return nil, fmt.Errorf("host origin: %w", err)
	}

	b := &Bridge{
		documentOrigin: documentOrigin,
		policy:         newOriginPolicy(documentOrigin, fallback, self),
		relay:          relay,
		store:          store,
		ledger:         ledger,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "bridge")
	return b, nil
}

// DocumentOrigin returns the origin outbound commands are addressed to.
func (b *Bridge) DocumentOrigin() string {
	return b.documentOrigin
}

// HandleInbound processes one message from the cross-origin channel.
// Messages from unlisted origins cause no state change at all.
func (b *Bridge) HandleInbound(ctx context.Context, msg Inbound) Disposition {
	if b.policy.isSelf(msg.Origin) {
		return DispositionIgnoredSelf
	}
	if !b.policy.admits(msg.Origin) {
		b.logger.Warn("message from unauthorized origin", "origin", msg.Origin)
		return DispositionRejectedOrigin
	}

	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		b.logger.Debug("ignoring non-object editor message", "origin", msg.Origin, "error", err)
		return DispositionUnrecognized
	}

	// A typed message that also carries a request id answers that request
	// as well, after its own effect is applied.
	switch env.Type {
	case TypeContextUpdate:
		b.applyContext(ctx, env.Data)
		b.resolveAttachedReply(ctx, &env, msg.Data)
		return DispositionContextUpdated
	case TypeURLChange:
		b.applyURL(ctx, env.URL, "url_change")
		b.resolveAttachedReply(ctx, &env, msg.Data)
		return DispositionURLChanged
	}

	if id, ok := env.requestID(); ok {
		return b.resolveReply(ctx, id, &env, msg.Data)
	}

	b.logger.Debug("dropping editor message without request id", "type", env.Type)
	return DispositionUnrecognized
}

// applyContext replaces the stored context wholesale.
func (b *Bridge) applyContext(ctx context.Context, raw json.RawMessage) {
	var next *EditorContext
	if len(raw) > 0 && string(raw) != "null" {
		next = &EditorContext{}
		if err := json.Unmarshal(raw, next); err != nil {
			b.logger.Warn("malformed context update", "error", err)
			return
		}
	}

	b.mu.Lock()
	b.context = next
	if next != nil {
		b.rawContext = append(json.RawMessage(nil), raw...)
	} else {
		b.rawContext = nil
	}
	b.mu.Unlock()

	b.logger.Debug("editor context updated")

	if next != nil && next.CurrentURL != "" {
		b.applyURL(ctx, next.CurrentURL, "context_update")
	}
	if b.onContextUpdate != nil {
		b.onContextUpdate(next)
	}
}

// applyURL persists url and raises the URL-changed notification.
func (b *Bridge) applyURL(ctx context.Context, url, source string) {
	if url == "" {
		b.logger.Debug("ignoring empty editor url", "source", source)
		return
	}
	if b.store != nil {
		if err := b.store.SaveLastURL(ctx, url); err != nil {
			b.logger.Warn("failed to persist editor url", "error", err, "source", source)
		}
	}
	b.logger.Debug("editor url changed", "url", url, "source", source)
	if b.onURLChange != nil {
		b.onURLChange(url)
	}
}

func (b *Bridge) resolveAttachedReply(ctx context.Context, env *envelope, whole json.RawMessage) {
	if id, ok := env.requestID(); ok {
		b.resolveReply(ctx, id, env, whole)
	}
}

// resolveReply relays the first reply for id to the backend.
func (b *Bridge) resolveReply(ctx context.Context, id string, env *envelope, whole json.RawMessage) Disposition {
	first, awaited := true, false
	if b.ledger != nil {
		first, awaited = b.ledger.Resolve(id)
	}
	if !first {
		b.logger.Debug("duplicate editor reply ignored", "request_id", id)
		return DispositionReplyDuplicate
	}

	result := resultFromEnvelope(id, env, whole)
	b.logger.Debug("editor reply received",
		"request_id", id,
		"success", result.Success,
		"awaited", awaited)

	if b.relay == nil {
		return DispositionReplyRelayed
	}

	// The reply outlives the inbound request that carried it.
	relayCtx := context.WithoutCancel(ctx)
	b.relays.Add(1)
	go func() {
		defer b.relays.Done()
		ctx, cancel := context.WithTimeout(relayCtx, relayTimeout)
		defer cancel()
		if err := b.relay.RelayCommandResult(ctx, result); err != nil {
			b.logger.Error("failed to relay editor reply", "request_id", id, "error", err)
		}
	}()
	return DispositionReplyRelayed
}

// Forward posts cmd into the editor document, addressed to its origin.
// Commands are dropped, not queued, while the document is not ready.
func (b *Bridge) Forward(cmd Command) error {
	b.mu.RLock()
	target, ready := b.target, b.ready
	b.mu.RUnlock()

	if !ready || target == nil {
		b.logger.Warn("editor not ready, dropping command", "action", cmd.Action)
		return ErrNotReady
	}

	msg, err := cmd.Message()
	if err != nil {
		return fmt.Errorf("encoding command: %w", err)
	}

	if cmd.RequestID != "" && b.ledger != nil {
		if b.ledger.State(cmd.RequestID) == correlate.StateResolved {
			b.logger.Warn("command reuses an answered request id, its reply will be ignored",
				"action", cmd.Action,
				"request_id", cmd.RequestID)
		}
		b.ledger.Await(cmd.RequestID)
	}

	if err := target.PostMessage(msg, b.documentOrigin); err != nil {
		b.logger.Error("failed to post command", "action", cmd.Action, "error", err)
		return fmt.Errorf("posting command: %w", err)
	}

	b.logger.Info("command forwarded to editor",
		"action", cmd.Action,
		"request_id", cmd.RequestID)
	return nil
}

// DocumentLoaded arms outbound sends once the editor document has loaded.
func (b *Bridge) DocumentLoaded(target Target) {
	b.mu.Lock()
	b.target = target
	b.ready = target != nil
	b.mu.Unlock()

	b.logger.Info("editor document loaded")
}

// DocumentUnloaded disarms outbound sends until the next load.
func (b *Bridge) DocumentUnloaded() {
	b.mu.Lock()
	b.target = nil
	b.ready = false
	b.mu.Unlock()

	b.logger.Info("editor document unloaded")
}

// Ready reports whether outbound commands can be sent.
func (b *Bridge) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.ready
}

// Context returns a copy of the latest editor context, or nil.
func (b *Bridge) Context() *EditorContext {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.context == nil {
		return nil
	}
	c := *b.context
	if c.SelectedBlock != nil {
		sb := *c.SelectedBlock
		c.SelectedBlock = &sb
	}
	return &c
}

// RawContext returns the latest context exactly as the editor sent it.
func (b *Bridge) RawContext() json.RawMessage {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.rawContext == nil {
		return nil
	}
	return append(json.RawMessage(nil), b.rawContext...)
}

// ClearSelectedBlock drops the selected block from the stored context.
func (b *Bridge) ClearSelectedBlock() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.context == nil || b.context.SelectedBlock == nil {
		return
	}
	c := *b.context
	c.SelectedBlock = nil
	b.context = &c

	var fields map[string]json.RawMessage
	if json.Unmarshal(b.rawContext, &fields) == nil && fields != nil {
		delete(fields, "selected_block")
		if raw, err := json.Marshal(fields); err == nil {
			b.rawContext = raw
		}
	}
	b.logger.Debug("selected block cleared")
}

// Wait blocks until every in-flight reply relay has finished.
func (b *Bridge) Wait() {
	b.relays.Wait()
}
