// Package types defines the canonical value types exchanged between the
// orchestrator, the provider adapters, and the persistence layer: inputs,
// messages, content blocks, tool calls, usage, and inference responses.
//
// Every ContentBlock implementation is a pure value with a stable, tagged
// JSON encoding; callers switch on Kind rather than probing fields, so a
// forward-compatible Unknown block can round-trip data this version of the
// gateway does not understand.
package types

import (
	"encoding/json"
	"fmt"
)

// BlockKind tags the concrete type of a ContentBlock for JSON encoding and
// type-switch dispatch.
type BlockKind string

const (
	BlockText     BlockKind = "text"
	BlockTemplate BlockKind = "template"
	BlockRawText  BlockKind = "raw_text"
	BlockFile     BlockKind = "file"
	BlockToolCall BlockKind = "tool_call"
	BlockToolResult BlockKind = "tool_result"
	BlockThought  BlockKind = "thought"
	BlockUnknown  BlockKind = "unknown"
)

// ContentBlock is the sealed interface implemented by every content block
// kind. The unexported marker method prevents implementations outside this
// package, keeping the variant closed the way a tagged union would be.
type ContentBlock interface {
	Kind() BlockKind
	isContentBlock()
}

// Text is plain assistant- or user-authored text.
type Text struct {
	Value string `json:"text"`
}

func (Text) Kind() BlockKind { return BlockText }
func (Text) isContentBlock() {}

// Template is a named template reference together with its argument bundle,
// rendered with the variant's user or assistant template when the
// orchestrator builds the provider request.
type Template struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (Template) Kind() BlockKind { return BlockTemplate }
func (Template) isContentBlock() {}

// RawText is inserted verbatim with no templating or schema validation.
type RawText struct {
	Value string `json:"value"`
}

func (RawText) Kind() BlockKind { return BlockRawText }
func (RawText) isContentBlock() {}

// FileKind distinguishes the two ways File content can be supplied.
type FileKind string

const (
	FileURL    FileKind = "url"
	FileBase64 FileKind = "base64"
)

// File is binary content, either a URL reference or inline base64 bytes.
// Exactly one of URL or Base64Data is populated, selected by FileKind.
type File struct {
	FileKind    FileKind `json:"file_kind"`
	URL         string   `json:"url,omitempty"`
	Base64Data  string   `json:"base64_data,omitempty"`
	MimeType    string   `json:"mime_type,omitempty"`
	Filename    string   `json:"filename,omitempty"`
}

func (File) Kind() BlockKind { return BlockFile }
func (File) isContentBlock() {}

// ToolCallBlock is the model's request to invoke a tool. ArgumentsJSON is
// the raw, unparsed JSON text the provider emitted.
type ToolCallBlock struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	ArgumentsJSON string `json:"arguments_json"`
}

func (ToolCallBlock) Kind() BlockKind { return BlockToolCall }
func (ToolCallBlock) isContentBlock() {}

// ToolResult is the caller's response to a prior tool call.
type ToolResult struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Result string `json:"result"`
}

func (ToolResult) Kind() BlockKind { return BlockToolResult }
func (ToolResult) isContentBlock() {}

// Thought is reasoning content. Signature is an opaque provider token that
// must be carried back verbatim on follow-up turns; providers that receive
// a corrupted signature reject the request.
type Thought struct {
	Text         string `json:"text,omitempty"`
	Signature    string `json:"signature,omitempty"`
	ProviderType string `json:"provider_type,omitempty"`
}

func (Thought) Kind() BlockKind { return BlockThought }
func (Thought) isContentBlock() {}

// Unknown preserves a provider-specific block verbatim for round-trip when
// this gateway version does not model its shape.
type Unknown struct {
	Data         json.RawMessage `json:"data"`
	ProviderName string          `json:"provider_name,omitempty"`
}

func (Unknown) Kind() BlockKind { return BlockUnknown }
func (Unknown) isContentBlock() {}

type taggedBlock struct {
	Kind BlockKind       `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalContentBlock renders a ContentBlock into its canonical tagged JSON
// form: {"kind": "...", "data": {...}}.
func MarshalContentBlock(b ContentBlock) ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("marshal content block body: %w", err)
	}
	return json.Marshal(taggedBlock{Kind: b.Kind(), Data: data})
}

// UnmarshalContentBlock parses the canonical tagged JSON form back into a
// concrete ContentBlock, dispatching purely on the kind tag.
func UnmarshalContentBlock(raw []byte) (ContentBlock, error) {
	var tb taggedBlock
	if err := json.Unmarshal(raw, &tb); err != nil {
		return nil, fmt.Errorf("unmarshal tagged content block: %w", err)
	}
	switch tb.Kind {
	case BlockText:
		var v Text
		if err := json.Unmarshal(tb.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case BlockTemplate:
		var v Template
		if err := json.Unmarshal(tb.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case BlockRawText:
		var v RawText
		if err := json.Unmarshal(tb.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case BlockFile:
		var v File
		if err := json.Unmarshal(tb.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case BlockToolCall:
		var v ToolCallBlock
		if err := json.Unmarshal(tb.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case BlockToolResult:
		var v ToolResult
		if err := json.Unmarshal(tb.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case BlockThought:
		var v Thought
		if err := json.Unmarshal(tb.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case BlockUnknown:
		var v Unknown
		if err := json.Unmarshal(tb.Data, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return Unknown{Data: tb.Data, ProviderName: string(tb.Kind)}, nil
	}
}

// ContentBlockOutput names the content blocks a provider may return in an
// InferenceResponse: Text, ToolCallBlock, Thought, or Unknown. It is an
// alias of ContentBlock, so the type itself does not restrict the kind.
type ContentBlockOutput = ContentBlock
