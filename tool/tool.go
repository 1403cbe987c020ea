// Package tool implements the tool-configuration surface: the static and
// dynamic tool definitions a function can declare, and the assembler that
// merges them with per-request dynamic tool params into the resolved
// per-request ToolCallConfig.
package tool

import (
	"encoding/json"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/schema"
)

// ConfigKind tags which of the four ToolConfig shapes a tool uses.
type ConfigKind string

const (
	ConfigStatic          ConfigKind = "static"
	ConfigDynamic         ConfigKind = "dynamic"
	ConfigImplicit        ConfigKind = "implicit"
	ConfigDynamicImplicit ConfigKind = "dynamic_implicit"
)

// Config is a single tool's resolved definition: name, description, JSON
// Schema parameters, whether the provider must conform strictly, and a
// validator built from the appropriate schema shape (compiled eagerly for
// Static/Implicit, lazily for Dynamic/DynamicImplicit).
type Config struct {
	kind        ConfigKind
	name        string
	description string
	parameters  any
	strict      bool
	validator   schema.Validator
}

// NewStatic builds a precompiled tool definition, schema compiled eagerly.
func NewStatic(name, description string, parameters any, strict bool) (*Config, error) {
	s, err := schema.NewStatic("tool:"+name, parameters)
	if err != nil {
		return nil, err
	}
	return &Config{kind: ConfigStatic, name: name, description: description, parameters: parameters, strict: strict, validator: s}, nil
}

// NewDynamic builds a tool definition supplied on a single request; its
// schema compiles on first validation.
func NewDynamic(name, description string, parameters any, strict bool) *Config {
	return &Config{
		kind: ConfigDynamic, name: name, description: description, parameters: parameters, strict: strict,
		validator: schema.NewDynamic("tool:"+name, parameters),
	}
}

// NewImplicit wraps a Json function's output schema as its mandatory
// "respond" tool, per spec.md §3's invariant that every Json function
// carries a pre-compiled implicit tool.
func NewImplicit(outputSchema any, strict bool) (*Config, error) {
	s, err := schema.NewStatic("tool:respond", outputSchema)
	if err != nil {
		return nil, err
	}
	return &Config{kind: ConfigImplicit, name: ImplicitToolName, description: "Respond with structured output matching the required schema.", parameters: outputSchema, strict: strict, validator: s}, nil
}

// NewDynamicImplicit wraps a runtime-supplied output schema for a Json
// function invoked with a dynamic schema override.
func NewDynamicImplicit(outputSchema any, strict bool) *Config {
	return &Config{
		kind: ConfigDynamicImplicit, name: ImplicitToolName,
		description: "Respond with structured output matching the required schema.",
		parameters:  outputSchema, strict: strict,
		validator: schema.NewDynamic("tool:respond", outputSchema),
	}
}

// ImplicitToolName is the fixed name of the implicit structured-output tool
// every Json function carries.
const ImplicitToolName = "respond"

func (c *Config) Name() string        { return c.name }
func (c *Config) Description() string { return c.description }
func (c *Config) Parameters() any     { return c.parameters }
func (c *Config) Strict() bool        { return c.strict }
func (c *Config) Kind() ConfigKind    { return c.kind }

// Precompile forces the tool's underlying schema to compile now rather
// than lazily on first ValidateArguments call, surfacing a malformed
// schema's error immediately. A no-op (returns nil) for Static/Implicit,
// which are already compiled.
func (c *Config) Precompile() error {
	if p, ok := c.validator.(schema.Precompiler); ok {
		return p.Precompile()
	}
	return nil
}

// ValidateArguments parses and validates a tool call's raw JSON arguments
// against this tool's parameter schema.
func (c *Config) ValidateArguments(argumentsJSON string) error {
	var value any
	if err := json.Unmarshal([]byte(argumentsJSON), &value); err != nil {
		return gatewayerr.Wrap(gatewayerr.Serialization, err, "parse tool call arguments")
	}
	return c.validator.Validate(value)
}

// ChoiceMode tags the shape of ToolChoice.
type ChoiceMode string

const (
	ChoiceNone     ChoiceMode = "none"
	ChoiceAuto     ChoiceMode = "auto"
	ChoiceRequired ChoiceMode = "required"
	ChoiceSpecific ChoiceMode = "specific"
)

// Choice selects how a variant must use the available tools.
type Choice struct {
	Mode ChoiceMode
	Name string // only meaningful when Mode == ChoiceSpecific
}

// ProviderScope optionally restricts a tool to a specific (model, provider)
// pair, per spec.md §4.C rule 6.
type ProviderScope struct {
	Model    string
	Provider string
}

// ScopedTool pairs a Config with an optional scope restricting which
// provider/model may see it.
type ScopedTool struct {
	Config *Config
	Scope  *ProviderScope // nil means unscoped: visible to every provider
}

// CallConfig is the resolved, per-request tool surface: the final tool
// list, the tool-choice policy, and optional parallel-tool-call override.
type CallConfig struct {
	ToolsAvailable     []*Config
	ToolChoice         Choice
	ParallelToolCalls  *bool
	ProviderScoped     []ScopedTool
}

// ByName returns the tool with the given name, or nil.
func (c *CallConfig) ByName(name string) *Config {
	for _, t := range c.ToolsAvailable {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// DynamicToolParams are the per-request tool overrides a caller supplies,
// mirroring the original implementation's DynamicToolParams.
type DynamicToolParams struct {
	AllowedTools      []string
	AdditionalTools   []*Config
	ToolChoice        *Choice
	ParallelToolCalls *bool
}

// GetScopedProviderTools implements spec.md §4.C rule 6: returns the
// unscoped provider-scoped tools plus those whose scope matches (model,
// provider) exactly.
func GetScopedProviderTools(scoped []ScopedTool, model, provider string) []*Config {
	var out []*Config
	for _, st := range scoped {
		if st.Scope == nil || (st.Scope.Model == model && st.Scope.Provider == provider) {
			out = append(out, st.Config)
		}
	}
	return out
}

// Assemble implements spec.md §4.C: merges the function's static tool
// declarations with per-request dynamic tool params into a resolved
// CallConfig, or nil if there is nothing to offer the provider.
//
// functionTools are the function's declared tool names; staticRegistry
// resolves those names to their Config. functionChoice/functionParallel are
// the function's defaults, overridden by params when set.
func Assemble(
	functionTools []string,
	functionChoice Choice,
	functionParallel *bool,
	staticRegistry map[string]*Config,
	params DynamicToolParams,
	providerScoped []ScopedTool,
) (*CallConfig, error) {
	allowed := functionTools
	if len(params.AllowedTools) > 0 {
		allowed = params.AllowedTools
	}

	tools := make([]*Config, 0, len(allowed)+len(params.AdditionalTools))
	seen := make(map[string]struct{}, len(allowed)+len(params.AdditionalTools))

	for _, name := range allowed {
		cfg, ok := staticRegistry[name]
		if !ok {
			return nil, gatewayerr.New(gatewayerr.ToolNotFound, "tool not found: "+name)
		}
		if _, dup := seen[name]; dup {
			return nil, gatewayerr.New(gatewayerr.DuplicateTool, "duplicate tool: "+name)
		}
		seen[name] = struct{}{}
		tools = append(tools, cfg)
	}

	for _, cfg := range params.AdditionalTools {
		if _, dup := seen[cfg.Name()]; dup {
			return nil, gatewayerr.New(gatewayerr.DuplicateTool, "duplicate tool: "+cfg.Name())
		}
		seen[cfg.Name()] = struct{}{}
		tools = append(tools, cfg)
	}

	choice := functionChoice
	if params.ToolChoice != nil {
		choice = *params.ToolChoice
	}
	if choice.Mode == ChoiceSpecific {
		if _, ok := seen[choice.Name]; !ok {
			return nil, gatewayerr.New(gatewayerr.ToolNotFound, "tool choice references unknown tool: "+choice.Name)
		}
	}

	parallel := functionParallel
	if params.ParallelToolCalls != nil {
		parallel = params.ParallelToolCalls
	}

	if len(tools) == 0 && len(providerScoped) == 0 {
		return nil, nil
	}

	return &CallConfig{
		ToolsAvailable:    tools,
		ToolChoice:        choice,
		ParallelToolCalls: parallel,
		ProviderScoped:    providerScoped,
	}, nil
}

// Snapshot is the serialized tool configuration captured at inference time,
// used later to validate demonstrations against the exact tools that were
// available then rather than the function's current definition (§6 item 3
// / §4.I "Demonstration validation").
type Snapshot struct {
	Tools      []SnapshotTool `json:"tools"`
	ToolChoice Choice         `json:"tool_choice"`
}

// SnapshotTool is one tool's frozen definition inside a Snapshot.
type SnapshotTool struct {
	Name       string `json:"name"`
	Parameters any    `json:"parameters"`
	Strict     bool   `json:"strict"`
}

// Capture freezes a CallConfig into a Snapshot for persistence alongside the
// inference row it was used for.
func Capture(cc *CallConfig) Snapshot {
	if cc == nil {
		return Snapshot{}
	}
	snap := Snapshot{ToolChoice: cc.ToolChoice, Tools: make([]SnapshotTool, len(cc.ToolsAvailable))}
	for i, t := range cc.ToolsAvailable {
		snap.Tools[i] = SnapshotTool{Name: t.Name(), Parameters: t.Parameters(), Strict: t.Strict()}
	}
	return snap
}

// ValidateAgainst validates a tool call's arguments against the snapshot's
// frozen tool definitions rather than the live registry.
func (s Snapshot) ValidateAgainst(toolName, argumentsJSON string) error {
	for _, t := range s.Tools {
		if t.Name != toolName {
			continue
		}
		v := schema.NewDynamic("snapshot:"+toolName, t.Parameters)
		var value any
		if err := json.Unmarshal([]byte(argumentsJSON), &value); err != nil {
			return gatewayerr.Wrap(gatewayerr.Serialization, err, "parse demonstration arguments")
		}
		return v.Validate(value)
	}
	return gatewayerr.New(gatewayerr.ToolNotFound, "demonstration references tool not present at inference time: "+toolName)
}
