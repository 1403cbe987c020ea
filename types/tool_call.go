package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrToolCallMissingName is returned when a ToolCallInput carries neither
// Name nor RawName.
var ErrToolCallMissingName = errors.New("types: tool call input requires name or raw_name")

// ErrToolCallMissingArguments is returned when a ToolCallInput carries
// neither Arguments nor RawArguments.
var ErrToolCallMissingArguments = errors.New("types: tool call input requires arguments or raw_arguments")

// ToolCallInput is the caller-facing tool-call shape accepted on inputs
// (e.g. replaying a prior assistant turn). Arguments may be supplied as a
// JSON object, a pre-serialized string (deprecated), or as RawArguments.
type ToolCallInput struct {
	ID            string          `json:"id,omitempty"`
	Name          string          `json:"name,omitempty"`
	RawName       string          `json:"raw_name,omitempty"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	RawArguments  string          `json:"raw_arguments,omitempty"`
}

// DeprecationWarning returns a non-empty warning string when Arguments was
// supplied as a bare JSON string rather than an object, which this type
// still accepts but flags for removal.
func (t ToolCallInput) DeprecationWarning() string {
	if len(t.Arguments) == 0 {
		return ""
	}
	trimmed := bytesTrimSpace(t.Arguments)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return "tool call arguments supplied as a string are deprecated; send a JSON object"
	}
	return ""
}

// Normalize converts a ToolCallInput into the internal ToolCall shape,
// resolving name/raw_name and arguments/raw_arguments precedence and
// serializing arguments to a single canonical string.
func (t ToolCallInput) Normalize() (ToolCall, error) {
	name := t.Name
	if name == "" {
		name = t.RawName
	}
	if name == "" {
		return ToolCall{}, ErrToolCallMissingName
	}

	var argsJSON string
	switch {
	case t.RawArguments != "":
		argsJSON = t.RawArguments
	case len(t.Arguments) > 0:
		trimmed := bytesTrimSpace(t.Arguments)
		if len(trimmed) > 0 && trimmed[0] == '"' {
			// Deprecated string-encoded-object form: the string IS the
			// already-serialized JSON arguments.
			var s string
			if err := json.Unmarshal(t.Arguments, &s); err != nil {
				return ToolCall{}, fmt.Errorf("types: decode deprecated string arguments: %w", err)
			}
			argsJSON = s
		} else {
			argsJSON = string(t.Arguments)
		}
	default:
		return ToolCall{}, ErrToolCallMissingArguments
	}

	return ToolCall{
		ID:            t.ID,
		Name:          name,
		RawName:       t.RawName,
		Arguments:     argsJSON,
		RawArguments:  argsJSON,
	}, nil
}

func bytesTrimSpace(b []byte) []byte {
	i, j := 0, len(b)
	for i < j && isJSONSpace(b[i]) {
		i++
	}
	for j > i && isJSONSpace(b[j-1]) {
		j--
	}
	return b[i:j]
}

func isJSONSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// ToolCall is the normalized, internal tool-call representation: Arguments
// is always already-serialized JSON text.
type ToolCall struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RawName      string `json:"raw_name,omitempty"`
	Arguments    string `json:"arguments"`
	RawArguments string `json:"raw_arguments"`
}

// ToolCallOutput is the post-inference view of a tool call: it carries the
// provider's raw strings plus parsed fields that are nil iff the name or
// arguments failed validation against the matched tool.
type ToolCallOutput struct {
	ID            string          `json:"id"`
	RawName       string          `json:"raw_name"`
	RawArguments  string          `json:"raw_arguments"`
	Name          *string         `json:"name,omitempty"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
}
