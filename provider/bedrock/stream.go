package bedrock

import (
	"context"
	"encoding/json"
	"sync"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/types"
)

// eventStream captures the subset of the Bedrock ConverseStream event
// reader used by streamer, letting tests substitute a fake channel.
type eventStream interface {
	Events() <-chan brtypes.ConverseStreamOutput
	Close() error
	Err() error
}

// streamer adapts a Bedrock ConverseStream event channel into a
// provider.ChunkSource, mirroring the background-goroutine-plus-bounded-
// channel shape used by the Anthropic adapter's streamer.
type streamer struct {
	ch     chan provider.Chunk
	cancel context.CancelFunc

	mu   sync.Mutex
	err  error
}

func newStreamer(ctx context.Context, stream eventStream, provToCanon map[string]string) *streamer {
	ctx, cancel := context.WithCancel(ctx)
	s := &streamer{ch: make(chan provider.Chunk, 16), cancel: cancel}
	go s.run(ctx, stream, provToCanon)
	return s
}

func (s *streamer) run(ctx context.Context, stream eventStream, provToCanon map[string]string) {
	defer close(s.ch)
	defer stream.Close()

	toolNamesByIdx := map[int32]string{}
	toolIDsByIdx := map[int32]string{}
	toolArgsByIdx := map[int32]*[]byte{}

	for {
		select {
		case event, ok := <-stream.Events():
			if !ok {
				if err := stream.Err(); err != nil {
					s.setErr(classifyErr(err))
				}
				return
			}
			if s.handleEvent(ctx, event, toolNamesByIdx, toolIDsByIdx, toolArgsByIdx, provToCanon) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *streamer) handleEvent(
	ctx context.Context,
	event brtypes.ConverseStreamOutput,
	toolNamesByIdx map[int32]string,
	toolIDsByIdx map[int32]string,
	toolArgsByIdx map[int32]*[]byte,
	provToCanon map[string]string,
) (stop bool) {
	switch e := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx := e.Value.ContentBlockIndex
		if start, ok := e.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			name := derefStr(start.Value.Name)
			if canon, ok := provToCanon[name]; ok {
				name = canon
			}
			if idx != nil {
				toolNamesByIdx[*idx] = name
				toolIDsByIdx[*idx] = derefStr(start.Value.ToolUseId)
				buf := []byte{}
				toolArgsByIdx[*idx] = &buf
			}
			s.emit(ctx, provider.Chunk{ToolCallID: derefStr(start.Value.ToolUseId), ToolCallName: name})
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := e.Value.ContentBlockIndex
		switch d := e.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			s.emit(ctx, provider.Chunk{ID: "0", Text: d.Value})
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			switch rc := d.Value.(type) {
			case *brtypes.ReasoningContentBlockDeltaMemberText:
				s.emit(ctx, provider.Chunk{ID: "1", Thought: &types.Thought{Text: rc.Value, ProviderType: "bedrock"}})
			case *brtypes.ReasoningContentBlockDeltaMemberSignature:
				s.emit(ctx, provider.Chunk{ID: "1", Thought: &types.Thought{Signature: rc.Value, ProviderType: "bedrock"}})
			}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if idx == nil {
				s.setErr(gatewayerr.New(gatewayerr.MalformedStream, "bedrock: tool_use delta missing content block index"))
				return true
			}
			name, ok := toolNamesByIdx[*idx]
			if !ok {
				s.setErr(gatewayerr.New(gatewayerr.MalformedStream, "bedrock: tool delta at unregistered index"))
				return true
			}
			frag := derefStr(d.Value.Input)
			s.emit(ctx, provider.Chunk{ToolCallID: toolIDsByIdx[*idx], ToolCallName: name, ToolCallArgs: frag})
		}
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		s.emit(ctx, provider.Chunk{FinishReason: string(e.Value.StopReason)})
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if e.Value.Usage != nil {
			s.emit(ctx, provider.Chunk{Usage: &types.Usage{
				InputTokens:  int(derefInt32(e.Value.Usage.InputTokens)),
				OutputTokens: int(derefInt32(e.Value.Usage.OutputTokens)),
			}})
		}
	case *brtypes.ConverseStreamOutputMemberInternalServerException,
		*brtypes.ConverseStreamOutputMemberModelStreamErrorException,
		*brtypes.ConverseStreamOutputMemberThrottlingException,
		*brtypes.ConverseStreamOutputMemberValidationException:
		raw, _ := json.Marshal(event)
		s.setErr(classifyErr(&streamErr{body: string(raw)}))
		return true
	}
	return false
}

type streamErr struct{ body string }

func (e *streamErr) Error() string { return "bedrock stream error: " + e.body }

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func derefInt32(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
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
