// ABOUTME: Wire shapes exchanged with the embedded editor document
// ABOUTME: Defines editor context, inbound envelopes, outbound commands, and command results

package bridge

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Inbound message type tags
const (
	TypeContextUpdate = "context_update"
	TypeURLChange     = "url_change"
)

// ErrInvalidCommand reports a command object without a usable action.
var ErrInvalidCommand = errors.New("invalid editor command")

// SelectedBlock is the block the user has selected in the editor.
type SelectedBlock struct {
	ClientID    string         `json:"clientId"`
	Name        string         `json:"name"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	InnerBlocks int            `json:"innerBlocks"`
	Index       int            `json:"index"`
}

// EditorContext is the latest state reported by the editor document.
// It is always replaced as a whole, never merged.
type EditorContext struct {
	CurrentPostID *int           `json:"current_post_id,omitempty"`
	PostTitle     string         `json:"post_title,omitempty"`
	PostStatus    string         `json:"post_status,omitempty"`
	PostType      string         `json:"post_type,omitempty"`
	BlocksCount   *int           `json:"blocks_count,omitempty"`
	CurrentURL    string         `json:"current_url,omitempty"`
	SelectedBlock *SelectedBlock `json:"selected_block,omitempty"`
}

// Inbound is one message received across the cross-origin channel.
type Inbound struct {
	Origin string          `json:"origin"`
	Data   json.RawMessage `json:"data"`
}

// envelope is the subset of an inbound payload the bridge inspects.
type envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	URL       string          `json:"url"`
	RequestID json.RawMessage `json:"requestId"`
	Result    json.RawMessage `json:"result"`
	Success   *bool           `json:"success"`
}

// requestID returns the reply correlation id, if the envelope carries one.
// Numeric ids are accepted in their literal form.
func (e *envelope) requestID() (string, bool) {
	raw := bytes.TrimSpace(e.RequestID)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, s != ""
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

// Command is a directive from the agent backend meant for the editor document.
type Command struct {
	Action    string
	RequestID string
	raw       map[string]json.RawMessage
}

// ParseCommand decodes a command object. It must be a JSON object with a
// non-empty string "action".
func ParseCommand(raw json.RawMessage) (Command, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return Command{}, fmt.Errorf("%w: not an object", ErrInvalidCommand)
	}

	var action string
	if err := json.Unmarshal(fields["action"], &action); err != nil || action == "" {
		return Command{}, fmt.Errorf("%w: missing action", ErrInvalidCommand)
	}

	cmd := Command{Action: action, raw: fields}
	if rid, ok := fields["requestId"]; ok {
		env := envelope{RequestID: rid}
		cmd.RequestID, _ = env.requestID()
	}
	return cmd, nil
}

// Message returns the outbound payload: the command object verbatim plus a
// "type" field mirroring its action.
func (c Command) Message() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(c.raw)+1)
	for k, v := range c.raw {
		out[k] = v
	}
	out["type"] = json.RawMessage(strconv.Quote(c.Action))
	if _, ok := out["action"]; !ok {
		out["action"] = out["type"]
	}
	return json.Marshal(out)
}

// CommandResult is relayed to the agent backend when the editor replies.
type CommandResult struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result"`
	Success   bool            `json:"success"`
}

// resultFromEnvelope builds the relay payload for a reply. When the reply
// has no "result" field the whole message is relayed as the result.
// Success is false only when the reply explicitly says so.
func resultFromEnvelope(id string, env *envelope, whole json.RawMessage) CommandResult {
	result := env.Result
	if len(bytes.TrimSpace(result)) == 0 {
		result = whole
	}

	success := true
	if env.Success != nil {
		success = *env.Success
	} else {
		var nested struct {
			Success *bool `json:"success"`
		}
		if json.Unmarshal(result, &nested) == nil && nested.Success != nil {
			success = *nested.Success
		}
	}

	return CommandResult{RequestID: id, Result: result, Success: success}
}
