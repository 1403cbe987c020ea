// Package registry holds the process-wide, read-mostly function and
// variant definitions, and the weighted sampling rule that picks a variant
// for a given episode. It is built once at startup from an already-
// validated configuration object (configuration parsing itself is out of
// scope, per spec.md §1) and threaded explicitly into the orchestrator,
// never read from an ambient global.
package registry

import (
	"goa.design/inferencegate/schema"
	"goa.design/inferencegate/tool"
)

// FunctionKind distinguishes the two function shapes.
type FunctionKind string

const (
	FunctionChat FunctionKind = "chat"
	FunctionJSON FunctionKind = "json"
)

// Function is a logical prompt contract: declared tools (Chat) or an output
// schema (Json), plus the variants that implement it.
type Function struct {
	Name string
	Kind FunctionKind

	// Chat-only.
	Tools             []string
	ToolChoice        tool.Choice
	ParallelToolCalls *bool

	// Json-only. Every Json function carries a pre-compiled implicit tool
	// named "respond" wrapping OutputSchema, per spec.md §3.
	OutputSchema any
	ImplicitTool *tool.Config

	SystemSchema    *schema.Static
	UserSchema      *schema.Static
	AssistantSchema *schema.Static

	// Variants is keyed by name so composite variants (BestOfN, MixtureOfN)
	// can reference their children by name without a cyclic value graph,
	// per spec.md §9.
	Variants map[string]*Variant
}

// VariantKind distinguishes direct chat-completion variants from
// composites that orchestrate multiple child variants.
type VariantKind string

const (
	VariantChatCompletion VariantKind = "chat_completion"
	VariantBestOfN        VariantKind = "best_of_n"
	VariantMixtureOfN     VariantKind = "mixture_of_n"
	VariantDicl           VariantKind = "dicl"
	VariantChainOfThought VariantKind = "chain_of_thought"
)

// CredentialKind tags how a variant's provider credential should be
// resolved. Declared here rather than in package provider (which already
// imports registry for JSONMode etc.) so provider can reference it without
// a cycle back into registry. Mirrors provider.CredentialKind's three-way
// policy: the zero value (ProviderDefault) falls back to the adapter's
// fixed environment variable, matching every variant's behavior before a
// config sets this field explicitly.
type CredentialKind string

const (
	CredentialProviderDefault CredentialKind = ""
	CredentialStatic          CredentialKind = "static"
	CredentialDynamic         CredentialKind = "dynamic"
)

// JSONMode is the strictness the variant requests from the provider.
type JSONMode string

const (
	JSONModeOff    JSONMode = "off"
	JSONModeOn     JSONMode = "on"
	JSONModeStrict JSONMode = "strict"
)

// RetryPolicy bounds how many times the orchestrator retries a single
// variant's own transient failures before falling through to variant
// resampling (a variant can fail outright without exhausting a retry
// budget belonging to a different variant).
type RetryPolicy struct {
	MaxRetries int
}

// Variant is one implementation of a function. Direct fields (ModelName,
// Templates, ...) apply to VariantChatCompletion; composite kinds reference
// their children by name via ChildNames, resolved lazily against the
// owning Function's Variants map at sampling time (spec.md §9).
type Variant struct {
	Name   string
	Kind   VariantKind
	Weight float64 // weight <= 0 means inactive

	ModelName        string
	SystemTemplate   string
	UserTemplate     string
	AssistantTemplate string
	Temperature      *float64
	MaxTokens        *int
	JSONMode         JSONMode
	Retry            RetryPolicy
	ExtraBody        map[string]any
	ExtraHeaders     map[string]string
	Timeout          int64 // milliseconds; 0 means no explicit deadline

	// CredentialKind picks the variant's credential-resolution policy,
	// per spec.md §6 ("overridable per-request via the credentials map").
	// CredentialStaticKey is used when CredentialKind is CredentialStatic;
	// CredentialDynamicKey names the key a caller must supply in the
	// per-request credentials map when CredentialKind is CredentialDynamic.
	CredentialKind       CredentialKind
	CredentialStaticKey  string
	CredentialDynamicKey string

	// ChildNames lists the variant names a composite draws upon (e.g. the N
	// candidates for BestOfN). Empty for VariantChatCompletion.
	ChildNames []string
}

// Active reports whether the variant participates in sampling.
func (v *Variant) Active() bool { return v.Weight > 0 }

// MetricType distinguishes the two scalar feedback kinds a registered
// metric can carry; Comment and Demonstration feedback are not registered
// metrics and need no MetricType.
type MetricType string

const (
	MetricFloat   MetricType = "float"
	MetricBoolean MetricType = "boolean"
)

// MetricLevel is the entity kind a metric's target_id must name.
type MetricLevel string

const (
	MetricLevelInference MetricLevel = "inference"
	MetricLevelEpisode   MetricLevel = "episode"
)

// Metric is a registered feedback metric: its scalar type and the entity
// level its target_id must resolve to, per spec.md §3 Feedback invariants.
type Metric struct {
	Name  string
	Type  MetricType
	Level MetricLevel
}

// StaticConfig is the process-wide, read-only application context the
// orchestrator is constructed with: functions, the static tool registry,
// provider-scoped tool declarations, and registered metrics. It is built
// once at startup and never mutated per request, per spec.md §5 "Shared
// resources".
type StaticConfig struct {
	Functions      map[string]*Function
	StaticTools    map[string]*tool.Config
	ProviderScoped []tool.ScopedTool
	Metrics        map[string]*Metric
}

// Function looks up a function by name.
func (c *StaticConfig) Function(name string) (*Function, bool) {
	f, ok := c.Functions[name]
	return f, ok
}

// Metric looks up a registered metric by name. "comment" and
// "demonstration" are always-available feedback kinds handled specially by
// package feedback and are never present in this map.
func (c *StaticConfig) Metric(name string) (*Metric, bool) {
	m, ok := c.Metrics[name]
	return m, ok
}
