// ABOUTME: HTTP handlers for the chat side of the editor host
// ABOUTME: Sends user messages, serves conversation snapshots, and streams session updates

package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/2389/coven-editor/internal/agentapi"
	"github.com/2389/coven-editor/internal/conversation"
	"github.com/2389/coven-editor/internal/host"
)

// maxBodyBytes caps request bodies on every JSON endpoint.
const maxBodyBytes = 1 << 20

// SendMessageRequest is the body of POST /api/messages.
type SendMessageRequest struct {
	Content          string   `json:"content"`
	PermissionType   string   `json:"permission_type,omitempty"`
	ExtendedThinking bool     `json:"extended_thinking,omitempty"`
	Tools            []string `json:"tools,omitempty"`
}

// MessageView is a conversation message with its rendered HTML.
type MessageView struct {
	conversation.Message
	HTML string `json:"html"`
}

// ConversationView is the body of GET /api/messages.
type ConversationView struct {
	SessionID string        `json:"session_id,omitempty"`
	Busy      bool          `json:"busy"`
	Credits   int           `json:"credits"`
	Messages  []MessageView `json:"messages"`
}

func parseSendRequest(r io.Reader) (*SendMessageRequest, error) {
	var req SendMessageRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}

	switch agentapi.PermissionType(req.PermissionType) {
	case "", agentapi.PermissionPlan, agentapi.PermissionFull:
	default:
		return nil, fmt.Errorf("permission_type must be %q or %q", agentapi.PermissionPlan, agentapi.PermissionFull)
	}

	return &req, nil
}

// handleSendMessage starts a turn. The response only acknowledges the
// start; progress arrives on /api/events.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	err = g.host.Send(r.Context(), req.Content, host.TurnOptions{
		PermissionType:   agentapi.PermissionType(req.PermissionType),
		ExtendedThinking: req.ExtendedThinking,
		EnabledTools:     req.Tools,
	})
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusAccepted, g.conversationView())
	case errors.Is(err, conversation.ErrEmptyMessage):
		g.sendJSONError(w, http.StatusBadRequest, "content is required")
	case errors.Is(err, conversation.ErrBusy):
		g.sendJSONError(w, http.StatusConflict, "a turn is already in flight")
	case errors.Is(err, conversation.ErrNoCredits):
		g.sendJSONError(w, http.StatusPaymentRequired, "no credits remaining")
	case errors.Is(err, host.ErrStopped):
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
	default:
		g.logger.Error("failed to start turn", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (g *Gateway) handleListMessages(w http.ResponseWriter, r *http.Request) {
	g.sendJSON(w, http.StatusOK, g.conversationView())
}

func (g *Gateway) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	err := g.host.Reset(r.Context())
	switch {
	case err == nil:
		g.sendJSON(w, http.StatusOK, g.conversationView())
	case errors.Is(err, conversation.ErrBusy):
		g.sendJSONError(w, http.StatusConflict, "cannot start a new conversation while a turn is in flight")
	default:
		g.logger.Error("failed to reset conversation", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "shutting down")
	}
}

// handleEvents streams session updates as SSE until the client goes away.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	updates, subID := g.updates.Subscribe(r.Context())
	setSSEHeaders(w)

	// The snapshot lets a late subscriber render without a second request.
	g.writeSSEEvent(w, "snapshot", g.conversationView())
	flusher.Flush()

	g.logger.Debug("event stream opened", "sub_id", subID)
	for {
		select {
		case <-r.Context().Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			g.writeSSEEvent(w, string(u.Kind), g.updateView(u))
			flusher.Flush()
		}
	}
}

// updateView adds rendered HTML to message updates.
func (g *Gateway) updateView(u conversation.Update) any {
	if u.Message == nil {
		return u
	}
	return struct {
		conversation.Update
		Message MessageView `json:"message"`
	}{Update: u, Message: g.messageView(*u.Message)}
}

func (g *Gateway) conversationView() ConversationView {
	snap := g.host.Snapshot()
	view := ConversationView{
		SessionID: snap.SessionID,
		Busy:      snap.Busy,
		Credits:   snap.Credits,
		Messages:  make([]MessageView, 0, len(snap.Messages)),
	}
	for _, m := range snap.Messages {
		view.Messages = append(view.Messages, g.messageView(m))
	}
	return view
}

// messageView renders message content as Markdown. Raw HTML in the content
// is not passed through.
func (g *Gateway) messageView(m conversation.Message) MessageView {
	var buf bytes.Buffer
	if err := g.markdown.Convert([]byte(m.Content), &buf); err != nil {
		g.logger.Error("failed to convert markdown", "error", err, "message_id", m.ID)
		buf.Reset()
	}
	return MessageView{Message: m, HTML: buf.String()}
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}

	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

func (g *Gateway) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.sendJSON(w, status, map[string]string{"error": message})
}
