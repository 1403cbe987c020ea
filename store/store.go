// Package store defines the append-only analytical persistence surface the
// orchestrator, batch coordinator, and feedback path write through: an
// abstract AnalyticalStore capability plus the row shapes for every
// required table, per spec.md §4.I. The storage engine itself — the
// columnar database behind AnalyticalStore — is an external collaborator;
// this package only defines the contract and the rows that cross it.
package store

import (
	"context"
	"encoding/json"
	"time"

	"goa.design/inferencegate/tool"
	"goa.design/inferencegate/types"
)

// Table names the required tables, used as the tableName argument to
// AnalyticalStore.Write.
type Table string

const (
	TableChatInference         Table = "ChatInference"
	TableJSONInference          Table = "JsonInference"
	TableModelInference         Table = "ModelInference"
	TableBatchModelInference    Table = "BatchModelInference"
	TableBatchRequest           Table = "BatchRequest"
	TableInferenceByID          Table = "InferenceById"
	TableInferenceByEpisodeID   Table = "InferenceByEpisodeId"
	TableFloatMetricFeedback    Table = "FloatMetricFeedback"
	TableBooleanMetricFeedback  Table = "BooleanMetricFeedback"
	TableCommentFeedback        Table = "CommentFeedback"
	TableDemonstrationFeedback  Table = "DemonstrationFeedback"
)

// AnalyticalStore is the abstract append-only persistence capability the
// core depends on. Write never mutates an existing row: every call inserts.
type AnalyticalStore interface {
	Write(ctx context.Context, rows []any, table Table) error
	Query(ctx context.Context, sqlQuery string, params map[string]any) (string, error)
}

// Lookup answers the existence checks the feedback write path needs before
// inserting a row for an id that may not have landed yet, per spec.md §4.I.
type Lookup interface {
	InferenceExists(ctx context.Context, inferenceID string) (bool, error)
	EpisodeExists(ctx context.Context, episodeID string) (bool, error)
}

// ChatInferenceRow is one row of the ChatInference table: the persisted
// record of a Chat function's resolved call.
type ChatInferenceRow struct {
	ID             string            `json:"id"`
	EpisodeID      string            `json:"episode_id"`
	FunctionName   string            `json:"function_name"`
	VariantName    string            `json:"variant_name"`
	Input          types.Input       `json:"input"`
	Output         json.RawMessage   `json:"output"`
	ToolParams     tool.Snapshot     `json:"tool_params"`
	InferenceParams map[string]any   `json:"inference_params,omitempty"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
	Tags           map[string]string `json:"tags,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// JSONInferenceRow is one row of the JsonInference table.
type JSONInferenceRow struct {
	ID              string            `json:"id"`
	EpisodeID       string            `json:"episode_id"`
	FunctionName    string            `json:"function_name"`
	VariantName     string            `json:"variant_name"`
	Input           types.Input       `json:"input"`
	Output          types.JSONOutput  `json:"output"`
	OutputSchema    any               `json:"output_schema,omitempty"`
	InferenceParams map[string]any    `json:"inference_params,omitempty"`
	ProcessingTimeMs int64            `json:"processing_time_ms"`
	Tags            map[string]string `json:"tags,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// ModelInferenceRow is one row of the ModelInference table: one per
// provider call made while resolving a single Inference (retries across
// variants each leave their own row).
type ModelInferenceRow struct {
	ID               string    `json:"id"`
	InferenceID      string    `json:"inference_id"`
	ModelName        string    `json:"model_name"`
	ModelProvider    string    `json:"model_provider"`
	RawRequest       []byte    `json:"raw_request"`
	RawResponse      []byte    `json:"raw_response"`
	InputTokens      int       `json:"input_tokens"`
	OutputTokens     int       `json:"output_tokens"`
	ResponseTimeMs   int64     `json:"response_time_ms"`
	Timestamp        time.Time `json:"timestamp"`
}

// BatchModelInferenceRow is one row of the BatchModelInference table: the
// per-request state for one intended inference inside a batch job.
type BatchModelInferenceRow struct {
	InferenceID  string    `json:"inference_id"`
	BatchID      string    `json:"batch_id"`
	EpisodeID    string    `json:"episode_id"`
	FunctionName string    `json:"function_name"`
	VariantName  string    `json:"variant_name"`
	ModelName    string    `json:"model_name"`
	ModelProvider string   `json:"model_provider"`
	Input        types.Input `json:"input"`
	Tags         map[string]string `json:"tags,omitempty"`
	RawRequest   []byte    `json:"raw_request"`
	Timestamp    time.Time `json:"timestamp"`
}

// BatchStatus tags the lifecycle state of a BatchRequest row.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
)

// BatchRequestRow is one append-only status row for a batch job. The
// current status of a batch is the latest row with that BatchID.
type BatchRequestRow struct {
	BatchID       string      `json:"batch_id"`
	ModelName     string      `json:"model_name"`
	ModelProvider string      `json:"model_provider"`
	Status        BatchStatus `json:"status"`
	RawRequest    []byte      `json:"raw_request,omitempty"`
	RawResponse   []byte      `json:"raw_response,omitempty"`
	Errors        []string    `json:"errors,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// InferenceByIDRow and InferenceByEpisodeIDRow are secondary-index-shaped
// rows: the analytical store's lookup tables for "find an inference by id"
// and "find all inferences in an episode" respectively, written alongside
// every Chat/JsonInference row.
type InferenceByIDRow struct {
	ID           string             `json:"id"`
	EpisodeID    string             `json:"episode_id"`
	FunctionName string             `json:"function_name"`
	VariantName  string             `json:"variant_name"`
	Kind         types.ResponseKind `json:"kind"`
	Timestamp    time.Time          `json:"timestamp"`
}

type InferenceByEpisodeIDRow struct {
	EpisodeID    string             `json:"episode_id"`
	ID           string             `json:"id"`
	FunctionName string             `json:"function_name"`
	VariantName  string             `json:"variant_name"`
	Kind         types.ResponseKind `json:"kind"`
	Timestamp    time.Time          `json:"timestamp"`
}

// TargetLevel distinguishes feedback attached to a single inference from
// feedback attached to an entire episode.
type TargetLevel string

const (
	TargetInference TargetLevel = "inference"
	TargetEpisode   TargetLevel = "episode"
)

// FloatMetricFeedbackRow is one row of the FloatMetricFeedback table.
type FloatMetricFeedbackRow struct {
	ID         string            `json:"id"`
	TargetID   string            `json:"target_id"`
	TargetLevel TargetLevel      `json:"target_level"`
	MetricName string            `json:"metric_name"`
	Value      float64           `json:"value"`
	Tags       map[string]string `json:"tags,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// BooleanMetricFeedbackRow is one row of the BooleanMetricFeedback table.
type BooleanMetricFeedbackRow struct {
	ID          string            `json:"id"`
	TargetID    string            `json:"target_id"`
	TargetLevel TargetLevel       `json:"target_level"`
	MetricName  string            `json:"metric_name"`
	Value       bool              `json:"value"`
	Tags        map[string]string `json:"tags,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// CommentFeedbackRow is one row of the CommentFeedback table.
type CommentFeedbackRow struct {
	ID          string            `json:"id"`
	TargetID    string            `json:"target_id"`
	TargetLevel TargetLevel       `json:"target_level"`
	Value       string            `json:"value"`
	Tags        map[string]string `json:"tags,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// DemonstrationFeedbackRow is one row of the DemonstrationFeedback table.
// Always targets a single inference, never an episode.
type DemonstrationFeedbackRow struct {
	ID          string            `json:"id"`
	InferenceID string            `json:"inference_id"`
	Value       json.RawMessage   `json:"value"`
	Tags        map[string]string `json:"tags,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}
