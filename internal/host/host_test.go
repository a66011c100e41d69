// ABOUTME: Tests for the host dispatch loop
// ABOUTME: Drives turns with a scripted agent and checks session, bridge, and persistence effects

package host

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-editor/internal/agentapi"
	"github.com/2389/coven-editor/internal/bridge"
	"github.com/2389/coven-editor/internal/conversation"
	"github.com/2389/coven-editor/internal/correlate"
	"github.com/2389/coven-editor/internal/sse"
	"github.com/2389/coven-editor/internal/store"
)

const (
	siteURL    = "https://site.example"
	siteOrigin = "https://site.example"
)

type scriptedAgent struct {
	mu       sync.Mutex
	requests []agentapi.TurnRequest
	frames   []sse.Frame
	err      error
	gate     chan struct{}
	stopErr  error
}

func (a *scriptedAgent) StreamTurn(ctx context.Context, req agentapi.TurnRequest, onFrame func(sse.Frame) error) error {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	frames, finalErr, gate := a.frames, a.err, a.gate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	for _, f := range frames {
		if err := onFrame(f); err != nil {
			a.mu.Lock()
			a.stopErr = err
			a.mu.Unlock()
			return err
		}
	}
	return finalErr
}

func (a *scriptedAgent) lastRequest(t *testing.T) agentapi.TurnRequest {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.requests)
	return a.requests[len(a.requests)-1]
}

type fakeRelay struct {
	mu      sync.Mutex
	results []bridge.CommandResult
}

func (r *fakeRelay) RelayCommandResult(_ context.Context, res bridge.CommandResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

func (r *fakeRelay) all() []bridge.CommandResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bridge.CommandResult(nil), r.results...)
}

type fakeTarget struct {
	mu       sync.Mutex
	messages []string
	origins  []string
}

func (f *fakeTarget) PostMessage(message []byte, targetOrigin string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, string(message))
	f.origins = append(f.origins, targetOrigin)
	return nil
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

type harness struct {
	host    *Host
	agent   *scriptedAgent
	relay   *fakeRelay
	store   *store.MockStore
	session *conversation.Session
	stop    func()
}

func frame(event, data string) sse.Frame {
	return sse.Frame{Event: event, Data: json.RawMessage(data)}
}

func newHarness(t *testing.T, agent *scriptedAgent, st *store.MockStore, mods ...func(*Options)) *harness {
	t.Helper()
	if st == nil {
		st = store.NewMockStore()
	}
	ledger := correlate.New(time.Minute, 64)
	t.Cleanup(ledger.Close)

	session := conversation.NewSession(3)
	relay := &fakeRelay{}
	opts := Options{
		Session:  session,
		Agent:    agent,
		AgentURL: "http://agent.test",
		Relay:    relay,
		Store:    st,
		Ledger:   ledger,
		Bridge:   bridge.Config{DocumentURL: siteURL, HostOrigin: "http://localhost:8090"},
	}
	for _, mod := range mods {
		mod(&opts)
	}
	h, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	stop := func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("host did not stop")
		}
	}
	var once sync.Once
	t.Cleanup(func() { once.Do(stop) })

	return &harness{
		host:    h,
		agent:   agent,
		relay:   relay,
		store:   st,
		session: session,
		stop:    func() { once.Do(stop) },
	}
}

func (hs *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !hs.session.Busy() }, 2*time.Second, 5*time.Millisecond)
}

func contents(msgs []conversation.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestSend_FinalResponse(t *testing.T) {
	agent := &scriptedAgent{frames: []sse.Frame{
		frame("iteration_start", `{"iteration":1,"maxIterations":5}`),
		frame("final_response", `{"response":"done","conversation_id":"abc"}`),
	}}
	hs := newHarness(t, agent, nil)

	require.NoError(t, hs.host.Send(t.Context(), "make a page", TurnOptions{PermissionType: agentapi.PermissionFull}))
	hs.waitIdle(t)

	assert.Equal(t, []string{"make a page", "Iteration 1/5", "done"}, contents(hs.session.Messages()))
	id, ok := hs.session.SessionID()
	assert.True(t, ok)
	assert.Equal(t, "abc", id)
	assert.Equal(t, 2, hs.session.Credits())

	req := agent.lastRequest(t)
	assert.Equal(t, "make a page", req.Message)
	assert.Nil(t, req.ConversationID)
	assert.Empty(t, req.ConversationHistory)
	assert.Equal(t, agentapi.PermissionFull, req.PermissionType)
}

func TestSend_SecondTurnCarriesSessionAndHistory(t *testing.T) {
	agent := &scriptedAgent{frames: []sse.Frame{
		frame("final_response", `{"response":"ok","conversation_id":"abc"}`),
	}}
	hs := newHarness(t, agent, nil)

	require.NoError(t, hs.host.Send(t.Context(), "first", TurnOptions{}))
	hs.waitIdle(t)

	agent.mu.Lock()
	agent.frames = []sse.Frame{frame("final_response", `{"response":"ok again","conversation_id":"xyz"}`)}
	agent.mu.Unlock()

	require.NoError(t, hs.host.Send(t.Context(), "second", TurnOptions{}))
	hs.waitIdle(t)

	req := agent.lastRequest(t)
	require.NotNil(t, req.ConversationID)
	assert.Equal(t, "abc", *req.ConversationID)
	assert.Equal(t, []conversation.HistoryEntry{
		{Role: "user", Content: "first"},
		{Role: "agent", Content: "ok"},
	}, req.ConversationHistory)

	id, _ := hs.session.SessionID()
	assert.Equal(t, "abc", id, "a later id never replaces the first")
}

func TestSend_RejectedWhileBusy(t *testing.T) {
	agent := &scriptedAgent{gate: make(chan struct{})}
	hs := newHarness(t, agent, nil)

	require.NoError(t, hs.host.Send(t.Context(), "first", TurnOptions{}))
	err := hs.host.Send(t.Context(), "second", TurnOptions{})
	assert.ErrorIs(t, err, conversation.ErrBusy)
	assert.Len(t, hs.session.Messages(), 1)
	assert.Equal(t, 2, hs.session.Credits())

	assert.ErrorIs(t, hs.host.Reset(t.Context()), conversation.ErrBusy)

	close(agent.gate)
	hs.waitIdle(t)
	require.NoError(t, hs.host.Reset(t.Context()))
	assert.Empty(t, hs.session.Messages())
}

func TestSend_CreditsExhausted(t *testing.T) {
	hs := newHarness(t, &scriptedAgent{}, nil)

	for i := 0; i < 3; i++ {
		require.NoError(t, hs.host.Send(t.Context(), "turn", TurnOptions{}))
		hs.waitIdle(t)
	}
	assert.ErrorIs(t, hs.host.Send(t.Context(), "turn", TurnOptions{}), conversation.ErrNoCredits)
	assert.Equal(t, 0, hs.session.Credits())
}

func TestSend_TransportFailureEndsTurn(t *testing.T) {
	agent := &scriptedAgent{err: errors.New("dial tcp: connection refused")}
	hs := newHarness(t, agent, nil)

	require.NoError(t, hs.host.Send(t.Context(), "hello", TurnOptions{}))
	hs.waitIdle(t)

	msgs := hs.session.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, conversation.RoleAgent, msgs[1].Role)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "Error: could not reach the agent"))
	assert.Contains(t, msgs[1].Content, "http://agent.test")
}

func TestSend_DecodeFailureEndsTurn(t *testing.T) {
	agent := &scriptedAgent{
		frames: []sse.Frame{frame("tool_call", `{"toolName":"x"}`)},
		err:    &sse.DecodeError{Reason: "invalid JSON payload for tool_result"},
	}
	hs := newHarness(t, agent, nil)

	require.NoError(t, hs.host.Send(t.Context(), "hello", TurnOptions{}))
	hs.waitIdle(t)

	assert.Equal(t, []string{
		"hello",
		"Calling tool: x",
		"Error: the agent sent a response that could not be read.",
	}, contents(hs.session.Messages()))
}

func TestSend_AmbiguousToolResultEndsTurn(t *testing.T) {
	agent := &scriptedAgent{frames: []sse.Frame{
		frame("tool_result", `{"success":true,"command":"insert"}`),
		frame("final_response", `{"response":"never seen"}`),
	}}
	hs := newHarness(t, agent, nil)

	require.NoError(t, hs.host.Send(t.Context(), "hello", TurnOptions{}))
	hs.waitIdle(t)

	assert.Equal(t, []string{"hello", "Error: the agent sent a response that could not be read."}, contents(hs.session.Messages()))
}

func TestSend_StreamEndsWithoutFinalResponse(t *testing.T) {
	agent := &scriptedAgent{frames: []sse.Frame{frame("tool_call", `{"toolName":"x"}`)}}
	hs := newHarness(t, agent, nil)

	require.NoError(t, hs.host.Send(t.Context(), "hello", TurnOptions{}))
	hs.waitIdle(t)

	assert.Equal(t, []string{"hello", "Calling tool: x"}, contents(hs.session.Messages()))
}

func TestSend_FramesAfterFinalResponseIgnored(t *testing.T) {
	agent := &scriptedAgent{frames: []sse.Frame{
		frame("final_response", `{"response":"done"}`),
		frame("tool_call", `{"toolName":"late"}`),
	}}
	hs := newHarness(t, agent, nil)

	require.NoError(t, hs.host.Send(t.Context(), "hello", TurnOptions{}))
	hs.waitIdle(t)

	require.Eventually(t, func() bool {
		agent.mu.Lock()
		defer agent.mu.Unlock()
		return agent.stopErr != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"hello", "done"}, contents(hs.session.Messages()))
}

func TestCommandRoundTrip(t *testing.T) {
	agent := &scriptedAgent{frames: []sse.Frame{
		frame("tool_result", `{"success":true,"toolName":"insert_block","command":{"action":"insert_block","requestId":"r1"}}`),
		frame("final_response", `{"response":"inserted"}`),
	}}
	hs := newHarness(t, agent, nil)
	target := &fakeTarget{}
	require.NoError(t, hs.host.DocumentLoaded(t.Context(), target))
	assert.True(t, hs.host.EditorReady())

	require.NoError(t, hs.host.Send(t.Context(), "add a heading", TurnOptions{}))
	hs.waitIdle(t)

	require.Equal(t, 1, target.count())
	assert.Equal(t, siteOrigin, target.origins[0])
	assert.JSONEq(t, `{"action":"insert_block","requestId":"r1","type":"insert_block"}`, target.messages[0])
	assert.Equal(t, []string{"add a heading", "Editor action: insert_block", "inserted"}, contents(hs.session.Messages()))

	d, err := hs.host.Inbound(t.Context(), bridge.Inbound{
		Origin: siteOrigin,
		Data:   json.RawMessage(`{"requestId":"r1","result":{"blockId":"b1"}}`),
	})
	require.NoError(t, err)
	assert.Equal(t, bridge.DispositionReplyRelayed, d)

	require.Eventually(t, func() bool { return len(hs.relay.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "r1", hs.relay.all()[0].RequestID)
}

func TestCommandDroppedBeforeLoad(t *testing.T) {
	agent := &scriptedAgent{frames: []sse.Frame{
		frame("tool_result", `{"success":true,"command":{"action":"refresh"}}`),
	}}
	hs := newHarness(t, agent, nil)

	require.NoError(t, hs.host.Send(t.Context(), "refresh", TurnOptions{}))
	hs.waitIdle(t)

	assert.Equal(t, []string{"refresh", "Editor action: refresh"}, contents(hs.session.Messages()))
}

func TestContextForwardedWithTurn(t *testing.T) {
	agent := &scriptedAgent{}
	hs := newHarness(t, agent, nil)

	_, err := hs.host.Inbound(t.Context(), bridge.Inbound{
		Origin: siteOrigin,
		Data:   json.RawMessage(`{"type":"context_update","data":{"post_title":"Home","current_url":"https://site.example/wp-admin/post.php?post=3"}}`),
	})
	require.NoError(t, err)

	require.NoError(t, hs.host.Send(t.Context(), "hi", TurnOptions{}))
	hs.waitIdle(t)

	assert.JSONEq(t, `{"post_title":"Home","current_url":"https://site.example/wp-admin/post.php?post=3"}`,
		string(agent.lastRequest(t).WordPressContext))
	assert.Equal(t, "https://site.example/wp-admin/post.php?post=3", hs.host.InitialURL())

	url, err := hs.store.LastURL(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "https://site.example/wp-admin/post.php?post=3", url)

	require.NoError(t, hs.host.ClearSelectedBlock(t.Context()))
	require.NotNil(t, hs.host.EditorContext())
}

func TestUnauthorizedInboundChangesNothing(t *testing.T) {
	hs := newHarness(t, &scriptedAgent{}, nil)

	d, err := hs.host.Inbound(t.Context(), bridge.Inbound{
		Origin: "https://evil.example",
		Data:   json.RawMessage(`{"type":"url_change","url":"https://evil.example/phish"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, bridge.DispositionRejectedOrigin, d)
	assert.Equal(t, siteURL+"/wp-admin", hs.host.InitialURL())
	assert.Zero(t, hs.store.Writes())
	assert.Nil(t, hs.host.EditorContext())
}

func TestInitialURL_RestoredFromStore(t *testing.T) {
	st := store.NewMockStore()
	require.NoError(t, st.SaveLastURL(t.Context(), "https://site.example/wp-admin/edit.php"))

	hs := newHarness(t, &scriptedAgent{}, st)

	// Any round trip through the loop happens after the URL is loaded.
	require.NoError(t, hs.host.DocumentUnloaded(t.Context()))
	assert.Equal(t, "https://site.example/wp-admin/edit.php", hs.host.InitialURL())
}

func TestStoppedHostRejectsWork(t *testing.T) {
	agent := &scriptedAgent{gate: make(chan struct{})}
	hs := newHarness(t, agent, nil)

	require.NoError(t, hs.host.Send(t.Context(), "in flight", TurnOptions{}))
	hs.stop()

	assert.ErrorIs(t, hs.host.Send(t.Context(), "late", TurnOptions{}), ErrStopped)
	assert.ErrorIs(t, hs.host.Run(t.Context()), ErrAlreadyRunning)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Agent: &scriptedAgent{}})
	assert.Error(t, err)

	_, err = New(Options{Session: conversation.NewSession(1)})
	assert.Error(t, err)

	_, err = New(Options{Session: conversation.NewSession(1), Agent: &scriptedAgent{}})
	assert.ErrorIs(t, err, bridge.ErrNoTargetOrigin)
}
