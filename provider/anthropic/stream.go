package anthropic

import (
	"context"
	"encoding/json"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/types"
)

// streamer adapts an Anthropic SSE stream into a provider.ChunkSource. A
// background goroutine consumes the SDK's event iterator and pushes
// normalized chunks onto a bounded channel; the caller drains the channel
// via Recv, and falling behind applies backpressure to the producer.
type streamer struct {
	ch     chan provider.Chunk
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
	done bool
}

func newStreamer(ctx context.Context, sdkStream *ssestream.Stream[sdk.MessageStreamEventUnion], names *toolNameMap) *streamer {
	ctx, cancel := context.WithCancel(ctx)
	s := &streamer{ch: make(chan provider.Chunk, 16), cancel: cancel}
	go s.run(ctx, sdkStream, names)
	return s
}

func (s *streamer) run(ctx context.Context, sdkStream *ssestream.Stream[sdk.MessageStreamEventUnion], names *toolNameMap) {
	defer close(s.ch)
	defer sdkStream.Close()

	toolNamesByIdx := map[int64]string{}
	toolIDsByIdx := map[int64]string{}

	for sdkStream.Next() {
		event := sdkStream.Current()
		switch event.Type {
		case "content_block_start":
			start := event.ContentBlock
			if start.Type == "tool_use" {
				idx := event.Index
				toolIDsByIdx[idx] = start.ID
				toolNamesByIdx[idx] = names.toCanonical(start.Name)
				s.emit(ctx, provider.Chunk{ToolCallID: start.ID, ToolCallName: toolNamesByIdx[idx]})
			}
		case "content_block_delta":
			delta := event.Delta
			idx := event.Index
			switch delta.Type {
			case "text_delta":
				s.emit(ctx, provider.Chunk{ID: "0", Text: delta.Text})
			case "thinking_delta":
				s.emit(ctx, provider.Chunk{ID: "1", Thought: &types.Thought{Text: delta.Thinking, ProviderType: "anthropic"}})
			case "signature_delta":
				s.emit(ctx, provider.Chunk{ID: "1", Thought: &types.Thought{Signature: delta.Signature, ProviderType: "anthropic"}})
			case "input_json_delta":
				name, ok := toolNamesByIdx[idx]
				if !ok {
					s.setErr(gatewayerr.New(gatewayerr.MalformedStream, "anthropic: tool delta at unregistered index"))
					continue
				}
				s.emit(ctx, provider.Chunk{ToolCallID: toolIDsByIdx[idx], ToolCallName: name, ToolCallArgs: delta.PartialJSON})
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				s.emit(ctx, provider.Chunk{
					FinishReason: string(event.Delta.StopReason),
					Usage: &types.Usage{
						InputTokens:  int(event.Usage.InputTokens),
						OutputTokens: int(event.Usage.OutputTokens),
					},
				})
			}
		case "error":
			s.setErr(classifyErr(streamEventError(event)))
			return
		}
	}
	if err := sdkStream.Err(); err != nil {
		s.setErr(classifyErr(err))
	}
}

func streamEventError(event sdk.MessageStreamEventUnion) error {
	raw, _ := json.Marshal(event)
	return &streamErr{body: string(raw)}
}

type streamErr struct{ body string }

func (e *streamErr) Error() string { return "anthropic stream error: " + e.body }

func (s *streamer) emit(ctx context.Context, c provider.Chunk) {
	select {
	case s.ch <- c:
	case <-ctx.Done():
	}
}

func (s *streamer) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *streamer) Recv(ctx context.Context) (provider.Chunk, bool, error) {
	select {
	case c, ok := <-s.ch:
		if !ok {
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			return provider.Chunk{}, false, err
		}
		return c, true, nil
	case <-ctx.Done():
		return provider.Chunk{}, false, ctx.Err()
	}
}

func (s *streamer) Close() error {
	s.cancel()
	return nil
}
