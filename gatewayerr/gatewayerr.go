// Package gatewayerr defines the gateway's error taxonomy: a small, closed
// set of kinds with a stable retry/propagation policy, mirrored from the
// provider-error pattern used across this codebase's adapters but widened
// to cover every layer (registry lookups, tool assembly, persistence,
// batch lifecycle) rather than only provider calls.
package gatewayerr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind classifies a gateway failure for retry and propagation decisions.
type Kind string

const (
	Config               Kind = "config"
	InvalidRequest        Kind = "invalid_request"
	BatchInputValidation Kind = "batch_input_validation"
	ToolNotFound         Kind = "tool_not_found"
	DuplicateTool        Kind = "duplicate_tool"
	UnknownFunction      Kind = "unknown_function"
	UnknownVariant       Kind = "unknown_variant"
	UnknownMetric        Kind = "unknown_metric"
	ApiKeyMissing        Kind = "api_key_missing"
	InvalidModelProvider Kind = "invalid_model_provider"
	InferenceClient      Kind = "inference_client"
	InferenceServer      Kind = "inference_server"
	InferenceTimeout     Kind = "inference_timeout"
	MalformedStream      Kind = "malformed_stream"
	AllVariantsFailed    Kind = "all_variants_failed"
	Serialization        Kind = "serialization"
	JsonSchema           Kind = "json_schema"
	AnalyticalStore      Kind = "analytical_store"
	InferenceNotFound    Kind = "inference_not_found"
	BatchNotFound        Kind = "batch_not_found"
	NoActiveVariants     Kind = "no_active_variants"
)

// retryableKinds holds the kinds the orchestrator retries against a
// different variant rather than aborting the request. Kept as a set so the
// propagation policy in §7 is expressed once.
var retryableKinds = map[Kind]bool{
	InferenceClient:  true,
	InferenceServer:  true,
	InferenceTimeout: true,
}

// Retryable reports whether the orchestrator should retry a request that
// failed with kind k against another variant.
func Retryable(k Kind) bool { return retryableKinds[k] }

// Error is the gateway's single error type. Provider is set by adapters to
// label the failure with the originating provider's name before it leaves
// the adapter boundary, mirroring how provider errors are labeled upstream
// in this codebase's model package.
type Error struct {
	Kind     Kind
	Provider string
	Message  string
	Details  map[string]any
	cause    error
}

// New constructs a gateway error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs a gateway error of the given kind, preserving cause in
// the error chain.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// WithProvider labels the error with the originating provider's name,
// returning the same *Error for chaining.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// WithDetail attaches a structured detail key, returning the same *Error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap preserves the underlying error chain.
func (e *Error) Unwrap() error { return e.cause }

// Retryable reports whether the orchestrator should retry this error
// against a different variant.
func (e *Error) Retryable() bool { return Retryable(e.Kind) }

// As returns the first *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// envelope is the user-visible {error, error_json} pair spec.md §7
// requires: a human string plus a machine-readable form preserving kind
// and details.
type envelope struct {
	Error     string          `json:"error"`
	ErrorJSON json.RawMessage `json:"error_json"`
}

type errorJSON struct {
	Kind     Kind           `json:"kind"`
	Provider string         `json:"provider,omitempty"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// Envelope renders err as the {error, error_json} pair surfaced to callers.
// Non-gateway errors are wrapped as an unclassified InvalidRequest so the
// shape is always well-formed.
func Envelope(err error) ([]byte, error) {
	ge, ok := As(err)
	if !ok {
		ge = New(InvalidRequest, err.Error())
	}
	ej, marshalErr := json.Marshal(errorJSON{
		Kind: ge.Kind, Provider: ge.Provider, Message: ge.Message, Details: ge.Details,
	})
	if marshalErr != nil {
		return nil, marshalErr
	}
	return json.Marshal(envelope{Error: ge.Error(), ErrorJSON: ej})
}
