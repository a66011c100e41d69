// ABOUTME: Pure translation of stream frames into session effects
// ABOUTME: Decodes each event payload and decides messages, session id, and editor command

package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/2389/coven-editor/internal/bridge"
	"github.com/2389/coven-editor/internal/conversation"
	"github.com/2389/coven-editor/internal/sse"
)

// Wire event names sent by the agent backend.
const (
	EventIterationStart = "iteration_start"
	EventToolCall       = "tool_call"
	EventToolResult     = "tool_result"
	EventThinking       = "thinking"
	EventFinalResponse  = "final_response"
	EventError          = "error"
)

// Message icons
const (
	IconIteration = "⏳"
	IconToolCall  = "🔧"
	IconSuccess   = "✅"
	IconFailure   = "❌"
	IconCommand   = "⚡"
)

// ErrAmbiguousToolResult reports a tool result whose command field is present
// but is not a usable command object.
var ErrAmbiguousToolResult = errors.New("ambiguous tool result")

// Effect is everything one frame does to the session.
type Effect struct {
	Messages       []conversation.Draft
	AdoptSessionID string
	Command        *bridge.Command
	EndsTurn       bool
}

type iterationStart struct {
	Iteration     json.Number `json:"iteration"`
	MaxIterations json.Number `json:"maxIterations"`
}

type toolCall struct {
	ToolName string `json:"toolName"`
}

type toolResult struct {
	Success       bool            `json:"success"`
	ToolName      string          `json:"toolName"`
	ResultSummary string          `json:"resultSummary"`
	Command       json.RawMessage `json:"command"`
}

type thinking struct {
	Content string `json:"content"`
	Text    string `json:"text"`
}

type finalResponse struct {
	Response       string `json:"response"`
	ConversationID string `json:"conversation_id"`
}

type streamError struct {
	Message string `json:"message"`
}

// Translate maps a frame to its effect. hasSessionID tells whether the
// session already holds a backend-assigned id. Unknown events yield an empty
// effect.
func Translate(frame sse.Frame, hasSessionID bool) (Effect, error) {
	switch frame.Event {
	case EventIterationStart:
		var p iterationStart
		if err := decode(frame, &p); err != nil {
			return Effect{}, err
		}
		return actionEffect(fmt.Sprintf("Iteration %s/%s", number(p.Iteration), number(p.MaxIterations)), IconIteration), nil

	case EventToolCall:
		var p toolCall
		if err := decode(frame, &p); err != nil {
			return Effect{}, err
		}
		return actionEffect("Calling tool: "+p.ToolName, IconToolCall), nil

	case EventToolResult:
		return translateToolResult(frame)

	case EventThinking:
		var p thinking
		if err := decode(frame, &p); err != nil {
			return Effect{}, err
		}
		content := p.Content
		if content == "" {
			content = p.Text
		}
		if content == "" {
			return Effect{}, nil
		}
		return Effect{Messages: []conversation.Draft{{Role: conversation.RoleThinking, Content: content}}}, nil

	case EventFinalResponse:
		var p finalResponse
		if err := decode(frame, &p); err != nil {
			return Effect{}, err
		}
		eff := Effect{
			Messages: []conversation.Draft{{Role: conversation.RoleAgent, Content: p.Response}},
			EndsTurn: true,
		}
		if !hasSessionID && p.ConversationID != "" {
			eff.AdoptSessionID = p.ConversationID
		}
		return eff, nil

	case EventError:
		var p streamError
		if err := decode(frame, &p); err != nil {
			return Effect{}, err
		}
		return Effect{
			Messages: []conversation.Draft{{Role: conversation.RoleAgent, Content: "Error: " + p.Message}},
			EndsTurn: true,
		}, nil
	}

	return Effect{}, nil
}

func translateToolResult(frame sse.Frame) (Effect, error) {
	var p toolResult
	if err := decode(frame, &p); err != nil {
		return Effect{}, err
	}

	raw := bytes.TrimSpace(p.Command)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		if p.Success {
			return actionEffect("Tool "+p.ToolName+" executed successfully", IconSuccess), nil
		}
		return actionEffect("Tool "+p.ToolName+" failed: "+p.ResultSummary, IconFailure), nil
	}

	cmd, err := bridge.ParseCommand(raw)
	if err != nil {
		return Effect{}, fmt.Errorf("%w: %v", ErrAmbiguousToolResult, err)
	}

	eff := actionEffect("Editor action: "+cmd.Action, IconCommand)
	eff.Command = &cmd
	return eff, nil
}

func actionEffect(content, icon string) Effect {
	return Effect{Messages: []conversation.Draft{{
		Role:    conversation.RoleAgentAction,
		Content: content,
		Icon:    icon,
	}}}
}

// decode unmarshals the frame payload. A payload that is valid JSON but not
// an object of the expected shape is a decode failure for the turn.
func decode(frame sse.Frame, v any) error {
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return &sse.DecodeError{Frame: frame.Event, Reason: "unexpected payload shape", Err: err}
	}
	return nil
}

// number renders an optional numeric field. Missing values render as "?".
func number(n json.Number) string {
	if n == "" {
		return "?"
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	return n.String()
}
