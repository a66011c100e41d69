// ABOUTME: Minimal fake agent backend for E2E testing, streams scripted SSE turns over HTTP
// ABOUTME: Usage: fake-agent [-addr localhost:8000] [-secret S]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-editor/internal/auth"
)

func main() {
	addr := flag.String("addr", "localhost:8000", "HTTP listen address")
	secret := flag.String("secret", "", "JWT secret shared with coven-editor; empty disables auth")
	delay := flag.Duration("delay", 50*time.Millisecond, "Delay between streamed events")
	flag.Parse()

	if err := run(*addr, *secret, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(addr, secret string, delay time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	a := &fakeAgent{delay: delay}
	if secret != "" {
		verifier, err := auth.NewJWTSigner([]byte(secret), "fake-agent", time.Hour)
		if err != nil {
			return fmt.Errorf("creating verifier: %w", err)
		}
		a.verifier = verifier
	}

	srv := &http.Server{Addr: addr, Handler: a.routes(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake agent listening on %s\n", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type fakeAgent struct {
	delay    time.Duration
	verifier *auth.JWTSigner
}

// event is one SSE frame of a scripted turn.
type event struct {
	name string
	data map[string]any
}

type turnRequest struct {
	Message        string  `json:"message"`
	ConversationID *string `json:"conversation_id"`
}

func (a *fakeAgent) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /agent/process-stream", a.authorized(a.handleStream))
	mux.HandleFunc("POST /agent/command-result", a.authorized(a.handleCommandResult))
	return mux
}

func (a *fakeAgent) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.verifier != nil {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok {
				http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
				return
			}
			if _, err := a.verifier.Verify(token); err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (a *fakeAgent) handleStream(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"detail":"invalid body"}`, http.StatusUnprocessableEntity)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := "fake-" + uuid.NewString()
	if req.ConversationID != nil {
		sessionID = *req.ConversationID
	}
	log.Printf("turn [%s]: %s", sessionID, req.Message)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for _, ev := range script(req.Message, sessionID) {
		data, err := json.Marshal(ev.data)
		if err != nil {
			log.Printf("marshal error: %v", err)
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, data)
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-time.After(a.delay):
		}
	}
}

func (a *fakeAgent) handleCommandResult(w http.ResponseWriter, r *http.Request) {
	var res struct {
		RequestID string          `json:"requestId"`
		Success   bool            `json:"success"`
		Result    json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&res); err != nil {
		http.Error(w, `{"detail":"invalid body"}`, http.StatusUnprocessableEntity)
		return
	}
	log.Printf("command result [%s] success=%t: %s", res.RequestID, res.Success, res.Result)
	w.WriteHeader(http.StatusOK)
}

// script builds the events for one turn. Messages mentioning a heading get
// an insert_block command; "fail" produces an error event.
func script(input, sessionID string) []event {
	lower := strings.ToLower(input)
	events := []event{
		{"iteration_start", map[string]any{"iteration": 1, "maxIterations": 3}},
		{"thinking", map[string]any{"content": "Reading the editor context."}},
	}

	if strings.Contains(lower, "fail") {
		return append(events, event{"error", map[string]any{"message": "scripted failure"}})
	}

	if strings.Contains(lower, "heading") {
		events = append(events,
			event{"tool_call", map[string]any{"toolName": "insert_block"}},
			event{"tool_result", map[string]any{
				"success":  true,
				"toolName": "insert_block",
				"command": map[string]any{
					"action":    "insert_block",
					"requestId": uuid.NewString(),
					"block": map[string]any{
						"name":       "core/heading",
						"attributes": map[string]any{"content": input, "level": 2},
					},
				},
			}},
		)
	}

	return append(events, event{"final_response", map[string]any{
		"response":   echoReply(input),
		"conversation_id": sessionID,
	}})
}

func echoReply(input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo: **%s**\n\nI received your message and am responding with some *formatted* text.", input)
}
