package stream

import "goa.design/inferencegate/gatewayerr"

// ThinkingState tracks whether body text emitted by a provider that
// interleaves reasoning and output as plain text (bracketed by "<think>"
// and "</think>" markers) is currently inside a reasoning span.
type ThinkingState int

const (
	Normal ThinkingState = iota
	Thinking
	Finished
)

const (
	openThinkTag  = "<think>"
	closeThinkTag = "</think>"
)

// transition applies a thinking-tag token to the current state, returning
// the next state or a MalformedStream error for an illegal transition.
func (s ThinkingState) transition(tag string) (ThinkingState, error) {
	switch {
	case tag == openThinkTag && s == Normal:
		return Thinking, nil
	case tag == closeThinkTag && s == Thinking:
		return Finished, nil
	case tag == openThinkTag && s == Thinking:
		return s, gatewayerr.New(gatewayerr.MalformedStream, "nested <think> tag while already thinking")
	default:
		return s, gatewayerr.New(gatewayerr.MalformedStream, "unexpected thinking tag "+tag+" in state "+s.String())
	}
}

func (s ThinkingState) String() string {
	switch s {
	case Normal:
		return "normal"
	case Thinking:
		return "thinking"
	case Finished:
		return "finished"
	default:
		return "unknown"
	}
}

// textChunkID returns the stream id a body-text fragment should carry given
// the current thinking state: "0" outside any think span, "1" inside one,
// "2" once a think span has closed.
func (s ThinkingState) textChunkID() string {
	switch s {
	case Thinking:
		return "1"
	case Finished:
		return "2"
	default:
		return "0"
	}
}
