// ABOUTME: Tests for host instrumentation and clean goroutine shutdown
// ABOUTME: Reads Prometheus counters after scripted turns and checks Run leaves nothing behind

package host

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2389/coven-editor/internal/bridge"
	"github.com/2389/coven-editor/internal/conversation"
	"github.com/2389/coven-editor/internal/correlate"
	"github.com/2389/coven-editor/internal/metrics"
	"github.com/2389/coven-editor/internal/sse"
)

func withMetrics(m *metrics.Metrics) func(*Options) {
	return func(o *Options) { o.Metrics = m }
}

func counter(t *testing.T, m *metrics.Metrics, name, label, value string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestMetrics_TurnsAndFrames(t *testing.T) {
	m := metrics.New()
	agent := &scriptedAgent{frames: []sse.Frame{
		frame("thinking", `{"content":"hmm"}`),
		frame("tool_result", `{"success":true,"command":{"action":"save","requestId":"r9"}}`),
		frame("final_response", `{"response":"saved"}`),
	}}
	hs := newHarness(t, agent, nil, withMetrics(m))

	require.NoError(t, hs.host.Send(t.Context(), "save it", TurnOptions{}))
	hs.waitIdle(t)

	assert.Equal(t, 1.0, counter(t, m, "coven_editor_turns_total", "outcome", metrics.TurnCompleted))
	assert.Equal(t, 1.0, counter(t, m, "coven_editor_stream_frames_total", "event", "thinking"))
	assert.Equal(t, 1.0, counter(t, m, "coven_editor_stream_frames_total", "event", "final_response"))
	assert.Equal(t, 1.0, counter(t, m, "coven_editor_commands_forwarded_total", "result", metrics.ResultNotReady))

	agent.mu.Lock()
	agent.frames = nil
	agent.err = errors.New("connection refused")
	agent.mu.Unlock()

	require.NoError(t, hs.host.Send(t.Context(), "again", TurnOptions{}))
	hs.waitIdle(t)
	assert.Equal(t, 1.0, counter(t, m, "coven_editor_turns_total", "outcome", metrics.TurnFailed))
}

func TestMetrics_InboundAndRelays(t *testing.T) {
	m := metrics.New()
	hs := newHarness(t, &scriptedAgent{}, nil, withMetrics(m))

	reply := bridge.Inbound{Origin: siteOrigin, Data: json.RawMessage(`{"requestId":"r1","result":{}}`)}
	for i := 0; i < 2; i++ {
		_, err := hs.host.Inbound(t.Context(), reply)
		require.NoError(t, err)
	}
	_, err := hs.host.Inbound(t.Context(), bridge.Inbound{Origin: "https://evil.example", Data: json.RawMessage(`{}`)})
	require.NoError(t, err)

	assert.Equal(t, 1.0, counter(t, m, "coven_editor_inbound_messages_total", "disposition", string(bridge.DispositionReplyRelayed)))
	assert.Equal(t, 1.0, counter(t, m, "coven_editor_inbound_messages_total", "disposition", string(bridge.DispositionReplyDuplicate)))
	assert.Equal(t, 1.0, counter(t, m, "coven_editor_inbound_messages_total", "disposition", string(bridge.DispositionRejectedOrigin)))

	require.Eventually(t, func() bool {
		return counter(t, m, "coven_editor_reply_relays_total", "result", metrics.ResultOK) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestRun_NoGoroutineLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ledger := correlate.New(time.Minute, 16)
	session := conversation.NewSession(5)
	agent := &scriptedAgent{gate: make(chan struct{})}
	h, err := New(Options{
		Session: session,
		Agent:   agent,
		Relay:   &fakeRelay{},
		Ledger:  ledger,
		Bridge:  bridge.Config{DocumentURL: siteURL},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx) }()

	// Leave one turn blocked in the agent and one relay in flight.
	require.NoError(t, h.Send(ctx, "hang", TurnOptions{}))
	_, err = h.Inbound(ctx, bridge.Inbound{Origin: siteOrigin, Data: json.RawMessage(`{"requestId":"x"}`)})
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not stop")
	}
	ledger.Close()

	assert.False(t, session.Busy())
}
