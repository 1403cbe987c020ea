// Package stream implements the cross-provider streaming state machine:
// normalizing a provider.ChunkSource into a sequence of numbered Events,
// splitting body text on "<think>"/"</think>" markers for providers that
// interleave reasoning as plain text, and assembling the final content for
// persistence once the stream ends.
package stream

import (
	"context"
	"strings"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/types"
)

// Event is one normalized, numbered item a streaming caller observes.
type Event struct {
	Seq int64
	provider.Chunk
}

// Assembler drives the thinking-tag state machine over a provider's chunk
// stream and accumulates the final content for persistence, grounded on
// this codebase's index-keyed streaming chunk processor generalized across
// providers rather than tied to one SDK's event shapes.
type Assembler struct {
	src provider.ChunkSource

	seq     int64
	state   ThinkingState
	pending string // unresolved tail that might be a partial think tag

	buffered []string  // raw text fragments awaiting a scan() pass
	queue    []segment // resolved segments awaiting delivery via popQueued

	text      strings.Builder
	thought   strings.Builder
	signature string

	toolCalls   []*types.ToolCallBlock
	toolIndex   map[string]int // tool call id -> index into toolCalls
	usage       types.Usage
	finishReason string
}

// NewAssembler wraps src, ready to drive via Next until it reports done.
func NewAssembler(src provider.ChunkSource) *Assembler {
	return &Assembler{src: src, toolIndex: map[string]int{}}
}

// Next pulls the next chunk from the underlying source, applies the
// thinking-state machine to body text, and returns the resulting Event. A
// per-chunk error (Chunk.Err set) is returned as an event so the caller can
// surface it without ending the stream; a terminal error or clean end of
// stream is reported via the (Event{}, false, err) return, matching
// ChunkSource.Recv's contract.
func (a *Assembler) Next(ctx context.Context) (Event, bool, error) {
	for {
		if len(a.queue) > 0 {
			return a.popQueued()
		}

		raw, ok, err := a.src.Recv(ctx)
		if !ok {
			if err == nil {
				a.flushPending()
			}
			return Event{}, false, err
		}

		if raw.Err != nil {
			a.seq++
			return Event{Seq: a.seq, Chunk: raw}, true, nil
		}

		if raw.Usage != nil {
			a.usage = *raw.Usage
		}
		if raw.FinishReason != "" {
			a.finishReason = raw.FinishReason
		}

		switch {
		case raw.Thought != nil:
			a.thought.WriteString(raw.Thought.Text)
			if raw.Thought.Signature != "" {
				a.signature = raw.Thought.Signature
			}
			a.seq++
			return Event{Seq: a.seq, Chunk: raw}, true, nil

		case raw.ToolCallID != "" || raw.ToolCallArgs != "":
			if raw.ToolCallID == "" {
				return Event{}, false, gatewayerr.New(gatewayerr.MalformedStream, "tool call chunk missing id")
			}
			a.appendToolFragment(raw)
			a.seq++
			return Event{Seq: a.seq, Chunk: raw}, true, nil

		case raw.Text != "":
			ev, ok, err := a.processText(raw)
			if err != nil {
				return Event{}, false, err
			}
			if !ok {
				continue // entire fragment absorbed as a partial tag; pull more input
			}
			return ev, true, nil

		default:
			a.seq++
			return Event{Seq: a.seq, Chunk: raw}, true, nil
		}
	}
}

// processText runs the <think>/</think> tag scanner over one incoming text
// fragment, which may contain zero, one, or several tag transitions, and
// may end mid-tag (the remainder carries over via a.pending). Only the
// first resulting segment is returned as this call's Event; later Next
// calls deliver the remaining queued segments before pulling another raw
// chunk.
func (a *Assembler) processText(raw provider.Chunk) (Event, bool, error) {
	a.buffered = append(a.buffered, raw.Text)
	segs, err := a.scan()
	if err != nil {
		return Event{}, false, err
	}
	a.queue = append(a.queue, segs...)
	if len(a.queue) == 0 {
		// entire fragment absorbed into pending (looked like a partial tag).
		return Event{}, false, nil
	}
	ev, _, err := a.popQueued()
	return ev, true, err
}

func (a *Assembler) popQueued() (Event, bool, error) {
	seg := a.queue[0]
	a.queue = a.queue[1:]
	a.seq++
	chunk := provider.Chunk{ID: seg.id, Text: seg.text}
	switch seg.id {
	case "1":
		a.thought.WriteString(seg.text)
	default:
		a.text.WriteString(seg.text)
	}
	return Event{Seq: a.seq, Chunk: chunk}, true, nil
}

type segment struct {
	id   string
	text string
}

// scan consumes a.buffered against the thinking-tag FSM, returning the
// resolved segments and leaving any unresolved tail in a.pending.
func (a *Assembler) scan() ([]segment, error) {
	s := strings.Join(a.buffered, "")
	a.buffered = a.buffered[:0]
	s = a.pending + s
	a.pending = ""

	var out []segment
	for {
		openIdx := strings.Index(s, openThinkTag)
		closeIdx := strings.Index(s, closeThinkTag)
		tagIdx, tag := -1, ""
		switch {
		case openIdx == -1 && closeIdx == -1:
			tagIdx = -1
		case openIdx == -1:
			tagIdx, tag = closeIdx, closeThinkTag
		case closeIdx == -1:
			tagIdx, tag = openIdx, openThinkTag
		case openIdx < closeIdx:
			tagIdx, tag = openIdx, openThinkTag
		default:
			tagIdx, tag = closeIdx, closeThinkTag
		}

		if tagIdx == -1 {
			if partial := partialTagSuffix(s); partial != "" {
				out = appendSegment(out, a.state, s[:len(s)-len(partial)])
				a.pending = partial
			} else {
				out = appendSegment(out, a.state, s)
			}
			return out, nil
		}

		out = appendSegment(out, a.state, s[:tagIdx])
		next, err := a.state.transition(tag)
		if err != nil {
			return nil, err
		}
		a.state = next
		s = s[tagIdx+len(tag):]
	}
}

func appendSegment(out []segment, state ThinkingState, text string) []segment {
	if text == "" {
		return out
	}
	return append(out, segment{id: state.textChunkID(), text: text})
}

// partialTagSuffix returns the longest suffix of s that is a proper,
// non-empty prefix of either think tag, so it can be held back until the
// next fragment might complete it.
func partialTagSuffix(s string) string {
	longest := ""
	for _, tag := range []string{openThinkTag, closeThinkTag} {
		for n := len(tag) - 1; n > 0; n-- {
			if n > len(s) {
				continue
			}
			if s[len(s)-n:] == tag[:n] && n > len(longest) {
				longest = s[len(s)-n:]
			}
		}
	}
	return longest
}

func (a *Assembler) flushPending() {
	if a.pending == "" {
		return
	}
	a.text.WriteString(a.pending)
	a.pending = ""
}

func (a *Assembler) appendToolFragment(raw provider.Chunk) {
	idx, ok := a.toolIndex[raw.ToolCallID]
	if !ok {
		idx = len(a.toolCalls)
		a.toolIndex[raw.ToolCallID] = idx
		a.toolCalls = append(a.toolCalls, &types.ToolCallBlock{ID: raw.ToolCallID, Name: raw.ToolCallName})
	}
	if raw.ToolCallName != "" {
		a.toolCalls[idx].Name = raw.ToolCallName
	}
	a.toolCalls[idx].ArgumentsJSON += raw.ToolCallArgs
}

// Final returns the content, usage, and finish reason accumulated over the
// stream's lifetime, for persistence once the stream has ended.
func (a *Assembler) Final() (content []types.ContentBlock, usage types.Usage, finishReason string) {
	if a.text.Len() > 0 {
		content = append(content, types.Text{Value: a.text.String()})
	}
	if a.thought.Len() > 0 || a.signature != "" {
		content = append(content, types.Thought{Text: a.thought.String(), Signature: a.signature})
	}
	for _, tc := range a.toolCalls {
		content = append(content, *tc)
	}
	return content, a.usage, a.finishReason
}

// Close releases the underlying chunk source.
func (a *Assembler) Close() error { return a.src.Close() }
