// Package agentapi is the HTTP client for the agent backend.
//
// A turn is one POST to the stream path whose response body is a
// text/event-stream; frames are decoded with package sse and handed to the
// caller in order. Editor replies to forwarded commands go back through a
// separate POST to the callback path as {requestId, result, success}.
package agentapi
