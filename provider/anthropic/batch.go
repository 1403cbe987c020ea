package anthropic

import (
	"encoding/json"
	"fmt"

	"context"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/provider"
)

// BatchClient captures the Message Batches resource the adapter depends on,
// so tests can substitute a fake the same way MessagesClient does for
// single-request inference.
type BatchClient interface {
	NewBatch(ctx context.Context, params sdk.MessageBatchNewParams, opts ...option.RequestOption) (*sdk.MessageBatch, error)
	GetBatch(ctx context.Context, batchID string, opts ...option.RequestOption) (*sdk.MessageBatch, error)
	BatchResults(ctx context.Context, batchID string, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageBatchIndividualResponse]
}

type sdkBatchClient struct{ client *sdk.Client }

func (c sdkBatchClient) NewBatch(ctx context.Context, params sdk.MessageBatchNewParams, opts ...option.RequestOption) (*sdk.MessageBatch, error) {
	return c.client.Messages.Batches.New(ctx, params, opts...)
}

func (c sdkBatchClient) GetBatch(ctx context.Context, batchID string, opts ...option.RequestOption) (*sdk.MessageBatch, error) {
	return c.client.Messages.Batches.Get(ctx, batchID, opts...)
}

func (c sdkBatchClient) BatchResults(ctx context.Context, batchID string, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageBatchIndividualResponse] {
	return c.client.Messages.Batches.Results(ctx, batchID, opts...)
}

// StartBatch submits one Anthropic Message Batches job containing every
// request, each tagged with a custom_id that PollBatch's output correlation
// reuses as the returned BatchOutput.ProviderRequestID.
func (a *Adapter) StartBatch(ctx context.Context, reqs []*provider.Request, cred provider.Credentials) (*provider.StartBatchResult, error) {
	if a.batch == nil {
		return nil, provider.ErrUnsupportedForBatch
	}
	if len(reqs) == 0 {
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "anthropic: batch requires at least one request")
	}

	entries := make([]sdk.MessageBatchNewParamsRequest, 0, len(reqs))
	for i, req := range reqs {
		params, _, err := a.prepareRequest(req)
		if err != nil {
			return nil, err
		}
		entries = append(entries, sdk.MessageBatchNewParamsRequest{
			CustomID: fmt.Sprintf("req-%d", i),
			Params:   sdk.MessageBatchNewParamsRequestParams(*params),
		})
	}
	rawReq, _ := json.Marshal(entries)

	batch, err := a.batch.NewBatch(ctx, sdk.MessageBatchNewParams{Requests: entries})
	if err != nil {
		return nil, classifyErr(err)
	}
	rawResp, _ := json.Marshal(batch)
	return &provider.StartBatchResult{
		ProviderBatchID: batch.ID,
		RawRequest:      rawReq,
		RawResponse:     rawResp,
	}, nil
}

// PollBatch polls the Anthropic batch job named by row.ProviderRequestID.
// Once ended, it streams the JSONL results file and translates every
// succeeded entry into a BatchOutput keyed by its custom_id.
func (a *Adapter) PollBatch(ctx context.Context, row provider.ModelInferenceRow, cred provider.Credentials) (*provider.PollResult, error) {
	if a.batch == nil {
		return nil, provider.ErrUnsupportedForBatch
	}
	batch, err := a.batch.GetBatch(ctx, row.ProviderRequestID)
	if err != nil {
		return nil, classifyErr(err)
	}
	rawResp, _ := json.Marshal(batch)

	if batch.ProcessingStatus != "ended" {
		return &provider.PollResult{Status: provider.PollPending, RawResponse: rawResp}, nil
	}

	stream := a.batch.BatchResults(ctx, row.ProviderRequestID)
	defer stream.Close()

	var outputs []provider.BatchOutput
	for stream.Next() {
		entry := stream.Current()
		if entry.Result.Type != "succeeded" {
			continue
		}
		out, err := translateResponse(&entry.Result.Message, nil)
		if err != nil {
			continue
		}
		outputs = append(outputs, provider.BatchOutput{ProviderRequestID: entry.CustomID, Response: *out})
	}
	if err := stream.Err(); err != nil {
		return nil, classifyErr(err)
	}

	if len(outputs) == 0 {
		return &provider.PollResult{Status: provider.PollFailed, RawResponse: rawResp}, nil
	}
	return &provider.PollResult{Status: provider.PollCompleted, RawResponse: rawResp, Outputs: outputs}, nil
}
