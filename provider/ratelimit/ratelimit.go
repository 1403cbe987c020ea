// Package ratelimit wraps a provider.Adapter with a per-provider token-
// bucket limiter, adapted from this codebase's adaptive model-client rate
// limiter: requests reserve an estimated token cost up front and block
// until the bucket can afford it, rather than limiting by request count.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"

	"goa.design/inferencegate/provider"
	"goa.design/inferencegate/types"
)

// Limiter applies a tokens-per-minute budget in front of a provider.Adapter.
type Limiter struct {
	next    provider.Adapter
	limiter *rate.Limiter
}

// New wraps next with a tokens-per-minute budget.
func New(next provider.Adapter, tokensPerMinute int) *Limiter {
	if tokensPerMinute <= 0 {
		tokensPerMinute = 60000
	}
	return &Limiter{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60.0), tokensPerMinute),
	}
}

var _ provider.Adapter = (*Limiter)(nil)

func (l *Limiter) Name() string { return l.next.Name() }

func (l *Limiter) Infer(ctx context.Context, req *provider.Request, cred provider.Credentials) (*provider.Response, error) {
	if err := l.limiter.WaitN(ctx, estimateInputTokens(req)); err != nil {
		return nil, err
	}
	return l.next.Infer(ctx, req, cred)
}

func (l *Limiter) InferStream(ctx context.Context, req *provider.Request, cred provider.Credentials) (provider.ChunkSource, []byte, error) {
	if err := l.limiter.WaitN(ctx, estimateInputTokens(req)); err != nil {
		return nil, nil, err
	}
	return l.next.InferStream(ctx, req, cred)
}

func (l *Limiter) StartBatch(ctx context.Context, reqs []*provider.Request, cred provider.Credentials) (*provider.StartBatchResult, error) {
	total := 0
	for _, r := range reqs {
		total += estimateInputTokens(r)
	}
	if err := l.limiter.WaitN(ctx, total); err != nil {
		return nil, err
	}
	return l.next.StartBatch(ctx, reqs, cred)
}

func (l *Limiter) PollBatch(ctx context.Context, row provider.ModelInferenceRow, cred provider.Credentials) (*provider.PollResult, error) {
	return l.next.PollBatch(ctx, row, cred)
}

// estimateInputTokens is a coarse character/4 estimator used to reserve
// rate-limit budget before a call completes and its real usage is known,
// grounded on this codebase's RateLimitedInputContent token estimation.
func estimateInputTokens(req *provider.Request) int {
	if req == nil {
		return 1
	}
	chars := len(req.System)
	for _, m := range req.Messages {
		for _, c := range m.Content {
			chars += contentBlockChars(c)
		}
	}
	tokens := chars / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

func contentBlockChars(c types.ContentBlock) int {
	switch b := c.(type) {
	case types.Text:
		return len(b.Value)
	case types.RawText:
		return len(b.Value)
	case types.ToolCallBlock:
		return len(b.ArgumentsJSON)
	case types.ToolResult:
		return len(b.Result)
	case types.Thought:
		return len(b.Text)
	case types.Template:
		n := len(b.Name)
		for _, v := range b.Arguments {
			if s, ok := v.(string); ok {
				n += len(s)
			}
		}
		return n
	default:
		return 0
	}
}
