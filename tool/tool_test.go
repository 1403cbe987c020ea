package tool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/inferencegate/gatewayerr"
)

func weatherSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"location": map[string]any{"type": "string"},
		},
		"required": []any{"location"},
	}
}

func mustStatic(t *testing.T, name string) *Config {
	t.Helper()
	cfg, err := NewStatic(name, "desc for "+name, weatherSchema(), false)
	require.NoError(t, err)
	return cfg
}

func TestAssembleDefaultsToFunctionTools(t *testing.T) {
	registry := map[string]*Config{"get_weather": mustStatic(t, "get_weather")}

	cc, err := Assemble([]string{"get_weather"}, Choice{Mode: ChoiceAuto}, nil, registry, DynamicToolParams{}, nil)
	require.NoError(t, err)
	require.NotNil(t, cc)
	require.Len(t, cc.ToolsAvailable, 1)
	require.Equal(t, "get_weather", cc.ToolsAvailable[0].Name())
}

func TestAssembleUnknownStaticToolIsToolNotFound(t *testing.T) {
	registry := map[string]*Config{}

	_, err := Assemble([]string{"missing"}, Choice{Mode: ChoiceAuto}, nil, registry, DynamicToolParams{}, nil)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.ToolNotFound, ge.Kind)
}

func TestAssembleDuplicateStaticToolIsDuplicateTool(t *testing.T) {
	registry := map[string]*Config{"get_weather": mustStatic(t, "get_weather")}

	_, err := Assemble([]string{"get_weather", "get_weather"}, Choice{Mode: ChoiceAuto}, nil, registry, DynamicToolParams{}, nil)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.DuplicateTool, ge.Kind)
}

func TestAssembleAdditionalDynamicToolDuplicatesStaticNameFails(t *testing.T) {
	registry := map[string]*Config{"get_weather": mustStatic(t, "get_weather")}
	dyn := NewDynamic("get_weather", "dup", weatherSchema(), false)

	params := DynamicToolParams{AdditionalTools: []*Config{dyn}}
	_, err := Assemble([]string{"get_weather"}, Choice{Mode: ChoiceAuto}, nil, registry, params, nil)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.DuplicateTool, ge.Kind)
}

func TestAssembleSpecificToolChoiceRequiresPresence(t *testing.T) {
	registry := map[string]*Config{"get_weather": mustStatic(t, "get_weather")}

	choice := Choice{Mode: ChoiceSpecific, Name: "not_available"}
	_, err := Assemble([]string{"get_weather"}, choice, nil, registry, DynamicToolParams{}, nil)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.ToolNotFound, ge.Kind)
}

func TestAssembleReturnsNilWhenNoToolsAndNoProviderScoped(t *testing.T) {
	cc, err := Assemble(nil, Choice{Mode: ChoiceNone}, nil, map[string]*Config{}, DynamicToolParams{}, nil)
	require.NoError(t, err)
	require.Nil(t, cc)
}

func TestAssembleIsIdempotent(t *testing.T) {
	registry := map[string]*Config{"get_weather": mustStatic(t, "get_weather")}
	params := DynamicToolParams{AdditionalTools: []*Config{NewDynamic("lookup", "d", weatherSchema(), false)}}

	cc1, err := Assemble([]string{"get_weather"}, Choice{Mode: ChoiceAuto}, nil, registry, params, nil)
	require.NoError(t, err)
	cc2, err := Assemble([]string{"get_weather"}, Choice{Mode: ChoiceAuto}, nil, registry, params, nil)
	require.NoError(t, err)

	require.Equal(t, len(cc1.ToolsAvailable), len(cc2.ToolsAvailable))
	for i := range cc1.ToolsAvailable {
		require.Equal(t, cc1.ToolsAvailable[i].Name(), cc2.ToolsAvailable[i].Name())
	}
	require.Equal(t, cc1.ToolChoice, cc2.ToolChoice)
}

func TestGetScopedProviderToolsFiltersByScope(t *testing.T) {
	unscoped := ScopedTool{Config: mustStatic(t, "always")}
	scoped := ScopedTool{Config: mustStatic(t, "only_anthropic"), Scope: &ProviderScope{Model: "claude-3-haiku", Provider: "anthropic"}}

	out := GetScopedProviderTools([]ScopedTool{unscoped, scoped}, "claude-3-haiku", "anthropic")
	require.Len(t, out, 2)

	out = GetScopedProviderTools([]ScopedTool{unscoped, scoped}, "gpt-4o", "openai")
	require.Len(t, out, 1)
	require.Equal(t, "always", out[0].Name())
}

func TestConfigValidateArguments(t *testing.T) {
	cfg := mustStatic(t, "get_weather")

	require.NoError(t, cfg.ValidateArguments(`{"location":"Tokyo"}`))
	require.Error(t, cfg.ValidateArguments(`{}`))
}

func TestSnapshotValidateAgainstPinsToCapturedTools(t *testing.T) {
	registry := map[string]*Config{"get_weather": mustStatic(t, "get_weather")}
	cc, err := Assemble([]string{"get_weather"}, Choice{Mode: ChoiceAuto}, nil, registry, DynamicToolParams{}, nil)
	require.NoError(t, err)

	snap := Capture(cc)

	// Mutate the live registry after capture; the snapshot must still
	// validate against the tool definition that existed at inference time.
	delete(registry, "get_weather")

	require.NoError(t, snap.ValidateAgainst("get_weather", `{"location":"Osaka"}`))
	require.Error(t, snap.ValidateAgainst("get_weather", `{}`))

	err = snap.ValidateAgainst("never_existed", `{}`)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.ToolNotFound, ge.Kind)
}

func TestImplicitToolWrapsOutputSchema(t *testing.T) {
	outSchema := map[string]any{"type": "object", "properties": map[string]any{"answer": map[string]any{"type": "string"}}, "required": []any{"answer"}}
	implicit, err := NewImplicit(outSchema, true)
	require.NoError(t, err)
	require.Equal(t, ImplicitToolName, implicit.Name())
	require.NoError(t, implicit.ValidateArguments(`{"answer":"42"}`))
	require.Error(t, implicit.ValidateArguments(`{}`))
}
