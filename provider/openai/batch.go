package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/provider"
)

// BatchClient captures the subset of the OpenAI SDK's Batches/Files surface
// the adapter needs to submit and poll a batch job, so tests can substitute
// a fake the same way ChatClient does for single-request inference.
type BatchClient interface {
	NewBatch(ctx context.Context, params openai.BatchNewParams, opts ...option.RequestOption) (*openai.Batch, error)
	GetBatch(ctx context.Context, batchID string, opts ...option.RequestOption) (*openai.Batch, error)
	NewFile(ctx context.Context, params openai.FileNewParams, opts ...option.RequestOption) (*openai.FileObject, error)
	FileContent(ctx context.Context, fileID string, opts ...option.RequestOption) (*http.Response, error)
}

// batchLine is one row of the JSONL file the Batch API expects: a custom_id
// correlating the result back to the BatchModelInference row that requested
// it, plus the same request body Infer would have sent.
type batchLine struct {
	CustomID string                          `json:"custom_id"`
	Method   string                          `json:"method"`
	URL      string                          `json:"url"`
	Body     openai.ChatCompletionNewParams `json:"body"`
}

// StartBatch uploads a JSONL batch input file and submits it to the Batch
// API. The returned StartBatchResult.ProviderBatchID is the OpenAI batch
// job id; PollBatch polls that same id, correlating individual outputs back
// to requests via the custom_id assigned here (the request's index).
func (a *Adapter) StartBatch(ctx context.Context, reqs []*provider.Request, cred provider.Credentials) (*provider.StartBatchResult, error) {
	if a.batch == nil {
		return nil, provider.ErrUnsupportedForBatch
	}
	if len(reqs) == 0 {
		return nil, gatewayerr.New(gatewayerr.InvalidRequest, "openai: batch requires at least one request")
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i, req := range reqs {
		params, err := a.prepareRequest(req)
		if err != nil {
			return nil, err
		}
		if err := enc.Encode(batchLine{
			CustomID: fmt.Sprintf("req-%d", i),
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body:     params,
		}); err != nil {
			return nil, err
		}
	}
	rawReq := append([]byte(nil), buf.Bytes()...)

	opts := a.requestOptions(cred)
	file, err := a.batch.NewFile(ctx, openai.FileNewParams{
		File:    openai.File(bytes.NewReader(rawReq), "batch-input.jsonl", "application/jsonl"),
		Purpose: openai.FilePurposeBatch,
	}, opts...)
	if err != nil {
		return nil, classifyErr(a.name, err)
	}

	job, err := a.batch.NewBatch(ctx, openai.BatchNewParams{
		CompletionWindow: openai.BatchNewParamsCompletionWindow24h,
		Endpoint:         openai.BatchNewParamsEndpointV1ChatCompletions,
		InputFileID:      file.ID,
	}, opts...)
	if err != nil {
		return nil, classifyErr(a.name, err)
	}

	rawResp, _ := json.Marshal(job)
	return &provider.StartBatchResult{
		ProviderBatchID: job.ID,
		RawRequest:      rawReq,
		RawResponse:     rawResp,
	}, nil
}

// PollBatch polls the OpenAI batch job named by row.ProviderRequestID (the
// job id StartBatch returned) and, once the job has completed, downloads
// its output file and translates every line into a BatchOutput keyed by the
// custom_id StartBatch assigned to that request.
func (a *Adapter) PollBatch(ctx context.Context, row provider.ModelInferenceRow, cred provider.Credentials) (*provider.PollResult, error) {
	if a.batch == nil {
		return nil, provider.ErrUnsupportedForBatch
	}
	opts := a.requestOptions(cred)
	job, err := a.batch.GetBatch(ctx, row.ProviderRequestID, opts...)
	if err != nil {
		return nil, classifyErr(a.name, err)
	}
	rawResp, _ := json.Marshal(job)

	switch job.Status {
	case "completed":
		if job.OutputFileID == "" {
			return &provider.PollResult{Status: provider.PollCompleted, RawResponse: rawResp}, nil
		}
		outputs, err := a.downloadBatchOutputs(ctx, job.OutputFileID, opts)
		if err != nil {
			return nil, err
		}
		return &provider.PollResult{Status: provider.PollCompleted, RawResponse: rawResp, Outputs: outputs}, nil
	case "failed", "expired", "cancelled":
		return &provider.PollResult{Status: provider.PollFailed, RawResponse: rawResp}, nil
	default:
		return &provider.PollResult{Status: provider.PollPending, RawResponse: rawResp}, nil
	}
}

func (a *Adapter) downloadBatchOutputs(ctx context.Context, fileID string, opts []option.RequestOption) ([]provider.BatchOutput, error) {
	resp, err := a.batch.FileContent(ctx, fileID, opts...)
	if err != nil {
		return nil, classifyErr(a.name, err)
	}
	defer resp.Body.Close()

	var outputs []provider.BatchOutput
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var row struct {
			CustomID string `json:"custom_id"`
			Response struct {
				Body openai.ChatCompletion `json:"body"`
			} `json:"response"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.MalformedStream, err, "openai: malformed batch output line")
		}
		if row.Error != nil {
			continue
		}
		out, err := translateResponse(&row.Response.Body)
		if err != nil {
			continue
		}
		outputs = append(outputs, provider.BatchOutput{ProviderRequestID: row.CustomID, Response: *out})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return outputs, nil
}
