// Package provider defines the capability set every model provider adapter
// implements, and the credential-resolution policy shared across them. A
// closed set of adapters (anthropic, openai, bedrock) satisfies this
// interface; dispatch to one is a lookup by provider name, never a runtime-
// extensible plugin registry, per spec.md §9.
package provider

import (
	"context"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/registry"
	"goa.design/inferencegate/tool"
	"goa.design/inferencegate/types"
)

// CredentialKind tags how an adapter should resolve its API credential.
type CredentialKind string

const (
	CredentialStatic         CredentialKind = "static"
	CredentialDynamic        CredentialKind = "dynamic"
	CredentialProviderDefault CredentialKind = "provider_default"
)

// Credentials resolves an adapter's authentication secret. Static carries
// the value directly; Dynamic names a key the caller must supply in the
// per-request credentials map (carried here as RequestCredentials);
// ProviderDefault falls back to the fixed environment variable each adapter
// consults (e.g. ANTHROPIC_API_KEY).
type Credentials struct {
	Kind       CredentialKind
	StaticKey  string
	DynamicKey string
	// RequestCredentials is the caller's per-request credentials map
	// (spec.md §6: "overridable per-request via the credentials map"),
	// threaded in by CredentialsForVariant so Resolve never needs it
	// passed separately at the call site.
	RequestCredentials map[string]string
}

// CredentialsForVariant builds the Credentials an adapter call should use
// from a variant's configured credential policy plus the caller's
// per-request overrides, per spec.md §6.
func CredentialsForVariant(v *registry.Variant, requestCredentials map[string]string) Credentials {
	c := Credentials{StaticKey: v.CredentialStaticKey, DynamicKey: v.CredentialDynamicKey, RequestCredentials: requestCredentials}
	switch v.CredentialKind {
	case registry.CredentialStatic:
		c.Kind = CredentialStatic
	case registry.CredentialDynamic:
		c.Kind = CredentialDynamic
	default:
		c.Kind = CredentialProviderDefault
	}
	return c
}

// Resolve returns the API key to use, given the adapter's own default
// environment variable name.
func (c Credentials) Resolve(envLookup func(string) string, defaultEnvVar string) (string, error) {
	switch c.Kind {
	case CredentialStatic:
		return c.StaticKey, nil
	case CredentialDynamic:
		if v, ok := c.RequestCredentials[c.DynamicKey]; ok && v != "" {
			return v, nil
		}
		return "", errMissingKey(c.DynamicKey)
	default:
		if v := envLookup(defaultEnvVar); v != "" {
			return v, nil
		}
		return "", errMissingKey(defaultEnvVar)
	}
}

// Request is the fully-rendered, provider-agnostic request an adapter
// translates into its native wire format.
type Request struct {
	Model             string
	System            string
	Messages          []types.Message
	Tools             *tool.CallConfig
	Temperature       *float64
	MaxTokens         *int
	JSONMode          registry.JSONMode
	ImplicitRespond   bool // true for Json functions dispatching via tool_choice=Specific("respond")
	ExtraBody         map[string]any
	ExtraHeaders      map[string]string
	ReasonerProfile   bool // OpenAI-family "reasoner" message translation
	URLPassthrough    bool // send File(Url) as a URL reference rather than fetching
	Seed              *int64
}

// Response is an adapter's normalized, non-streamed result.
type Response struct {
	Content      []types.ContentBlockOutput
	Usage        types.Usage
	FinishReason string
	RawRequest   []byte
	RawResponse  []byte
}

// Chunk is one normalized streaming event.
type Chunk struct {
	ID           string // "0" body text, "1" thinking text, "2" post-thinking text, or a tool-call index as a string
	Text         string
	Thought      *types.Thought
	ToolCallID   string
	ToolCallName string
	ToolCallArgs string // incremental argument text for this chunk
	Usage        *types.Usage
	FinishReason string
	Err          error
}

// ChunkSource is a peekable stream of normalized chunks, matching the
// "async iterator" this codebase implements as a buffered channel plus
// background producer goroutine.
type ChunkSource interface {
	// Recv blocks until the next chunk is available, ctx is canceled, or
	// the stream ends (ok=false with a nil error signals clean end-of-stream).
	Recv(ctx context.Context) (Chunk, bool, error)
	// Close releases the underlying connection, canceling the producer.
	Close() error
}

// StartBatchResult is returned by an adapter's batch submission call.
type StartBatchResult struct {
	ProviderBatchID string
	RawRequest      []byte
	RawResponse     []byte
}

// PollStatus tags the three states a batch poll can resolve to.
type PollStatus string

const (
	PollPending   PollStatus = "pending"
	PollCompleted PollStatus = "completed"
	PollFailed    PollStatus = "failed"
)

// PollResult is the outcome of polling a provider-side batch job.
type PollResult struct {
	Status      PollStatus
	RawRequest  []byte
	RawResponse []byte
	Outputs     []BatchOutput // only populated when Status == PollCompleted
}

// BatchOutput is one resolved response within a completed batch.
type BatchOutput struct {
	ProviderRequestID string // correlates back to a BatchModelInference row
	Response           Response
}

// ModelInferenceRow is the minimal per-row state an adapter needs to poll a
// single intended inference within a batch job.
type ModelInferenceRow struct {
	InferenceID        string
	ProviderRequestID  string
	RawRequest         []byte
}

// ErrUnsupportedForBatch is returned by adapters (e.g. bedrock) whose
// provider offers no batch inference surface.
var ErrUnsupportedForBatch = errUnsupportedForBatch{}

type errUnsupportedForBatch struct{}

func (errUnsupportedForBatch) Error() string { return "provider: batch inference unsupported" }

// Adapter is the capability set every provider implements, per spec.md
// §4.E. StartBatch/PollBatch return ErrUnsupportedForBatch when the
// provider has no batch surface.
type Adapter interface {
	Name() string
	Infer(ctx context.Context, req *Request, cred Credentials) (*Response, error)
	InferStream(ctx context.Context, req *Request, cred Credentials) (ChunkSource, []byte, error)
	StartBatch(ctx context.Context, reqs []*Request, cred Credentials) (*StartBatchResult, error)
	PollBatch(ctx context.Context, row ModelInferenceRow, cred Credentials) (*PollResult, error)
}

func errMissingKey(name string) error {
	return gatewayerr.New(gatewayerr.ApiKeyMissing, "missing credential: "+name)
}
