package types

import "encoding/json"

// Usage carries token accounting for a single provider call. Providers that
// omit usage leave both fields zero.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Total returns the sum of input and output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// ResponseKind tags whether an InferenceResponse is a Chat or Json result.
type ResponseKind string

const (
	ResponseChat ResponseKind = "chat"
	ResponseJSON ResponseKind = "json"
)

// JSONOutput is the Json-function result: Raw is always present, Parsed is
// nil iff the "respond" tool call's arguments failed to parse.
type JSONOutput struct {
	Raw    string          `json:"raw"`
	Parsed json.RawMessage `json:"parsed,omitempty"`
}

// InferenceResponse is the tagged result of a single inference. Exactly one
// of Content (Chat) or Output (Json) is meaningful, selected by Kind.
type InferenceResponse struct {
	Kind         ResponseKind   `json:"kind"`
	InferenceID  string         `json:"inference_id"`
	EpisodeID    string         `json:"episode_id"`
	VariantName  string         `json:"variant_name"`
	Usage        Usage          `json:"usage"`
	FinishReason string         `json:"finish_reason,omitempty"`

	// Chat-only.
	Content []ContentBlockOutput `json:"content,omitempty"`

	// Json-only.
	Output *JSONOutput `json:"output,omitempty"`
}

type inferenceResponseWire struct {
	Kind         ResponseKind      `json:"kind"`
	InferenceID  string            `json:"inference_id"`
	EpisodeID    string            `json:"episode_id"`
	VariantName  string            `json:"variant_name"`
	Usage        Usage             `json:"usage"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Content      []json.RawMessage `json:"content,omitempty"`
	Output       *JSONOutput       `json:"output,omitempty"`
}

// MarshalJSON renders Content using the canonical tagged block form.
func (r InferenceResponse) MarshalJSON() ([]byte, error) {
	w := inferenceResponseWire{
		Kind: r.Kind, InferenceID: r.InferenceID, EpisodeID: r.EpisodeID,
		VariantName: r.VariantName, Usage: r.Usage, FinishReason: r.FinishReason,
		Output: r.Output,
	}
	if r.Content != nil {
		w.Content = make([]json.RawMessage, len(r.Content))
		for i, b := range r.Content {
			raw, err := MarshalContentBlock(b)
			if err != nil {
				return nil, err
			}
			w.Content[i] = raw
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON parses an InferenceResponse, dispatching content blocks by
// their kind tag.
func (r *InferenceResponse) UnmarshalJSON(data []byte) error {
	var w inferenceResponseWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.Kind, r.InferenceID, r.EpisodeID, r.VariantName = w.Kind, w.InferenceID, w.EpisodeID, w.VariantName
	r.Usage, r.FinishReason, r.Output = w.Usage, w.FinishReason, w.Output
	if w.Content != nil {
		r.Content = make([]ContentBlockOutput, len(w.Content))
		for i, raw := range w.Content {
			b, err := UnmarshalContentBlock(raw)
			if err != nil {
				return err
			}
			r.Content[i] = b
		}
	}
	return nil
}
