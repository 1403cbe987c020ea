package openai

import (
	"context"
	"sync"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/types"
)

// streamer adapts an OpenAI Chat Completions SSE stream into a
// provider.ChunkSource, mirroring the anthropic adapter's background-
// goroutine-plus-bounded-channel streamer.
type streamer struct {
	ch     chan provider.Chunk
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

func newStreamer(ctx context.Context, sdkStream *ssestream.Stream[openai.ChatCompletionChunk]) *streamer {
	ctx, cancel := context.WithCancel(ctx)
	s := &streamer{ch: make(chan provider.Chunk, 16), cancel: cancel}
	go s.run(ctx, sdkStream)
	return s
}

func (s *streamer) run(ctx context.Context, sdkStream *ssestream.Stream[openai.ChatCompletionChunk]) {
	defer close(s.ch)
	defer sdkStream.Close()

	toolNamesByIdx := map[int64]string{}
	toolIDsByIdx := map[int64]string{}

	for sdkStream.Next() {
		chunk := sdkStream.Current()
		if len(chunk.Choices) == 0 {
			if chunk.Usage.TotalTokens > 0 {
				s.emit(ctx, provider.Chunk{Usage: &types.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
				}})
			}
			continue
		}
		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			s.emit(ctx, provider.Chunk{ID: "0", Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := tc.Index
			if tc.ID != "" {
				toolIDsByIdx[idx] = tc.ID
			}
			if tc.Function.Name != "" {
				toolNamesByIdx[idx] = tc.Function.Name
			}
			name, ok := toolNamesByIdx[idx]
			if !ok {
				s.setErr(gatewayerr.New(gatewayerr.MalformedStream, "openai: tool delta at unregistered index"))
				continue
			}
			s.emit(ctx, provider.Chunk{
				ToolCallID:   toolIDsByIdx[idx],
				ToolCallName: name,
				ToolCallArgs: tc.Function.Arguments,
			})
		}
		if choice.FinishReason != "" {
			s.emit(ctx, provider.Chunk{FinishReason: choice.FinishReason})
		}
	}
	if err := sdkStream.Err(); err != nil {
		s.setErr(classifyErr("openai", err))
	}
}

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
