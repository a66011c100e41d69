// ABOUTME: HTTP handlers for the embedded editor frame and its page-side shim
// ABOUTME: Carries inbound postMessage traffic in and streams outbound commands out

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/2389/coven-editor/internal/bridge"
	"github.com/2389/coven-editor/internal/fanout"
)

// ErrNoShim means the bound page-side shim is no longer subscribed.
var ErrNoShim = errors.New("no frame shim connected")

// unloadTimeout bounds the unload submitted when a bound shim disconnects.
const unloadTimeout = 5 * time.Second

// OutboundCommand is one postMessage call the shim must perform.
type OutboundCommand struct {
	TargetOrigin string          `json:"target_origin"`
	Message      json.RawMessage `json:"message"`
}

// shimTarget is the bridge's view of the embedded document: messages go to
// the one shim subscription that reported the document loaded.
type shimTarget struct {
	commands *fanout.Hub[OutboundCommand]
	shimID   string
}

func (s shimTarget) PostMessage(message []byte, targetOrigin string) error {
	if targetOrigin == "" || targetOrigin == "*" {
		return bridge.ErrNoTargetOrigin
	}
	if !s.commands.Send(s.shimID, OutboundCommand{TargetOrigin: targetOrigin, Message: message}) {
		return ErrNoShim
	}
	return nil
}

// shimBinding remembers which shim owns the editor document. The most
// recent load wins, and only the owner can unload.
type shimBinding struct {
	mu    sync.Mutex
	owner string
}

func (b *shimBinding) bind(shimID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owner = shimID
}

// release clears the binding if shimID owns it and reports whether it did.
func (b *shimBinding) release(shimID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if shimID == "" || b.owner != shimID {
		return false
	}
	b.owner = ""
	return true
}

// frameShimRequest is the body of POST /api/frame/load and /api/frame/unload.
type frameShimRequest struct {
	ShimID string `json:"shim_id"`
}

// FrameState is the body of GET /api/frame/state.
type FrameState struct {
	InitialURL   string                `json:"initial_url"`
	TargetOrigin string                `json:"target_origin"`
	Ready        bool                  `json:"ready"`
	Context      *bridge.EditorContext `json:"context"`
}

func (g *Gateway) handleFrameMessage(w http.ResponseWriter, r *http.Request) {
	var msg bridge.Inbound
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(msg.Data) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "data is required")
		return
	}

	d, err := g.host.Inbound(r.Context(), msg)
	if err != nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	// Rejected origins get an empty answer that says nothing about the allow-list.
	if d == bridge.DispositionRejectedOrigin {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	g.sendJSON(w, http.StatusAccepted, map[string]string{"disposition": string(d)})
}

func (g *Gateway) decodeShimRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req frameShimRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return "", false
	}
	if req.ShimID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "shim_id is required")
		return "", false
	}
	return req.ShimID, true
}

// handleFrameLoad binds the editor document to the reporting shim.
func (g *Gateway) handleFrameLoad(w http.ResponseWriter, r *http.Request) {
	shimID, ok := g.decodeShimRequest(w, r)
	if !ok {
		return
	}
	if !g.commands.Has(shimID) {
		g.sendJSONError(w, http.StatusConflict, "shim is not connected")
		return
	}

	g.shims.bind(shimID)
	if err := g.host.DocumentLoaded(r.Context(), shimTarget{commands: g.commands, shimID: shimID}); err != nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	g.logger.Info("editor document bound to shim", "shim_id", shimID)
	w.WriteHeader(http.StatusNoContent)
}

// handleFrameUnload disarms commands if the reporting shim owns the document.
// Unloads from other shims change nothing.
func (g *Gateway) handleFrameUnload(w http.ResponseWriter, r *http.Request) {
	shimID, ok := g.decodeShimRequest(w, r)
	if !ok {
		return
	}
	if !g.shims.release(shimID) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := g.host.DocumentUnloaded(r.Context()); err != nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleFrameCommands streams outbound commands to one page-side shim. The
// ready event carries the shim id the page reports back on load.
func (g *Gateway) handleFrameCommands(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	commands, shimID := g.commands.Subscribe(r.Context())
	setSSEHeaders(w)
	g.writeSSEEvent(w, "ready", map[string]string{
		"shim_id":       shimID,
		"target_origin": g.host.DocumentOrigin(),
	})
	flusher.Flush()

	g.logger.Info("frame shim connected", "shim_id", shimID)
	defer g.shimDisconnected(r.Context(), shimID)

	for {
		select {
		case <-r.Context().Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "command", cmd)
			flusher.Flush()
		}
	}
}

// shimDisconnected disarms commands when the owning shim goes away.
func (g *Gateway) shimDisconnected(ctx context.Context, shimID string) {
	g.logger.Info("frame shim disconnected", "shim_id", shimID)
	if !g.shims.release(shimID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unloadTimeout)
	defer cancel()
	if err := g.host.DocumentUnloaded(ctx); err != nil {
		g.logger.Debug("could not disarm commands after shim left", "shim_id", shimID, "error", err)
	}
}

func (g *Gateway) handleFrameState(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, FrameState{
		InitialURL:   g.host.InitialURL(),
		TargetOrigin: g.host.DocumentOrigin(),
		Ready:        g.host.EditorReady(),
		Context:      g.host.EditorContext(),
	})
}

func (g *Gateway) handleClearSelectedBlock(w http.ResponseWriter, r *http.Request) {
	if err := g.host.ClearSelectedBlock(r.Context()); err != nil {
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
