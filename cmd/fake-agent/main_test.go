// ABOUTME: Tests for the fake agent backend
// ABOUTME: Checks scripted turns and bearer token enforcement

package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-editor/internal/auth"
)

func names(events []event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.name
	}
	return out
}

func TestScript(t *testing.T) {
	assert.Equal(t,
		[]string{"iteration_start", "thinking", "final_response"},
		names(script("hello", "s1")))
	assert.Equal(t,
		[]string{"iteration_start", "thinking", "tool_call", "tool_result", "final_response"},
		names(script("Add a heading", "s1")))
	assert.Equal(t,
		[]string{"iteration_start", "thinking", "error"},
		names(script("please fail", "s1")))

	final := script("hello", "s1")[2]
	assert.Equal(t, "s1", final.data["conversation_id"])
}

func TestStream_RequiresToken(t *testing.T) {
	signer, err := auth.NewJWTSigner([]byte("shared"), "coven-editor", time.Hour)
	require.NoError(t, err)
	a := &fakeAgent{verifier: signer}
	srv := httptest.NewServer(a.routes())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/agent/process-stream", "application/json", strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := signer.Token()
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/agent/process-stream", strings.NewReader(`{"message":"hi"}`))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
}
