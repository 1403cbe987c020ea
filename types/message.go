package types

import "encoding/json"

// Role distinguishes the two message roles the core models; system content
// lives on Input.System rather than as a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single turn: a role plus its ordered content blocks.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`
}

// MarshalJSON renders Content using the canonical tagged block form so
// persisted messages round-trip through UnmarshalJSON unchanged.
func (m Message) MarshalJSON() ([]byte, error) {
	type wire struct {
		Role    Role              `json:"role"`
		Content []json.RawMessage `json:"content"`
	}
	w := wire{Role: m.Role, Content: make([]json.RawMessage, len(m.Content))}
	for i, b := range m.Content {
		raw, err := MarshalContentBlock(b)
		if err != nil {
			return nil, err
		}
		w.Content[i] = raw
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses a message, dispatching each content block by its
// kind tag rather than probing fields.
func (m *Message) UnmarshalJSON(data []byte) error {
	var wire struct {
		Role    Role              `json:"role"`
		Content []json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	m.Role = wire.Role
	m.Content = make([]ContentBlock, len(wire.Content))
	for i, raw := range wire.Content {
		b, err := UnmarshalContentBlock(raw)
		if err != nil {
			return err
		}
		m.Content[i] = b
	}
	return nil
}

// SystemInput is either plain text or a named template argument bundle,
// mirroring the Template content block shape.
type SystemInput struct {
	Text     string         `json:"text,omitempty"`
	Template string         `json:"template,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
}

// IsTemplate reports whether the system input is a named-template bundle
// rather than plain text.
func (s SystemInput) IsTemplate() bool { return s.Template != "" }

// Input is a request payload: an optional system prompt and an ordered
// sequence of messages.
type Input struct {
	System   *SystemInput `json:"system,omitempty"`
	Messages []Message    `json:"messages"`
}
