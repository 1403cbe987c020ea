package registry

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// fixtureFile mirrors the shape of testdata/functions.yaml, decoded with
// yaml.v3 the way the teacher's integration_tests/framework.LoadScenarios
// decodes its scenario fixtures: a thin yaml-tagged struct, then a small
// translation step into the package's own types.
type fixtureFile struct {
	Functions []fixtureFunction `yaml:"functions"`
}

type fixtureFunction struct {
	Name         string           `yaml:"name"`
	Kind         string           `yaml:"kind"`
	Tools        []string         `yaml:"tools"`
	OutputSchema map[string]any   `yaml:"output_schema"`
	Variants     []fixtureVariant `yaml:"variants"`
}

type fixtureVariant struct {
	Name                 string  `yaml:"name"`
	Kind                 string  `yaml:"kind"`
	Weight               float64 `yaml:"weight"`
	ModelName            string  `yaml:"model_name"`
	CredentialKind       string  `yaml:"credential_kind"`
	CredentialStaticKey  string  `yaml:"credential_static_key"`
	CredentialDynamicKey string  `yaml:"credential_dynamic_key"`
}

// loadFixtureConfig decodes a testdata fixture file into a StaticConfig,
// the way a real deployment's config loader would, minus everything this
// package intentionally leaves out of scope (spec.md §1: configuration
// parsing itself is not this package's job). Test-only.
func loadFixtureConfig(t *testing.T, path string) *StaticConfig {
	t.Helper()
	data, err := os.ReadFile(path) // #nosec G304 -- test helper reads a fixed testdata path
	require.NoError(t, err)

	var f fixtureFile
	require.NoError(t, yaml.Unmarshal(data, &f))

	cfg := &StaticConfig{Functions: map[string]*Function{}}
	for _, ff := range f.Functions {
		fn := &Function{
			Name:     ff.Name,
			Kind:     FunctionKind(ff.Kind),
			Tools:    ff.Tools,
			Variants: map[string]*Variant{},
		}
		if ff.Kind == "json" {
			fn.OutputSchema = ff.OutputSchema
		}
		for _, fv := range ff.Variants {
			fn.Variants[fv.Name] = &Variant{
				Name:                 fv.Name,
				Kind:                 VariantKind(fv.Kind),
				Weight:               fv.Weight,
				ModelName:            fv.ModelName,
				CredentialKind:       CredentialKind(fv.CredentialKind),
				CredentialStaticKey:  fv.CredentialStaticKey,
				CredentialDynamicKey: fv.CredentialDynamicKey,
			}
		}
		cfg.Functions[ff.Name] = fn
	}
	return cfg
}

func TestLoadFixtureConfigDecodesChatFunction(t *testing.T) {
	cfg := loadFixtureConfig(t, "testdata/functions.yaml")

	fn, ok := cfg.Function("greet")
	require.True(t, ok)
	require.Equal(t, FunctionChat, fn.Kind)
	require.Equal(t, []string{"lookup_weather"}, fn.Tools)
	require.Len(t, fn.Variants, 2)

	gpt := fn.Variants["gpt"]
	require.Equal(t, VariantChatCompletion, gpt.Kind)
	require.Equal(t, "gpt-4o-mini", gpt.ModelName)
	require.Equal(t, CredentialProviderDefault, gpt.CredentialKind)
	require.True(t, gpt.Active())

	claude := fn.Variants["claude"]
	require.Equal(t, CredentialDynamic, claude.CredentialKind)
	require.Equal(t, "anthropic_key", claude.CredentialDynamicKey)
}

func TestLoadFixtureConfigDecodesJSONFunctionWithStaticCredential(t *testing.T) {
	cfg := loadFixtureConfig(t, "testdata/functions.yaml")

	fn, ok := cfg.Function("extract_entities")
	require.True(t, ok)
	require.Equal(t, FunctionJSON, fn.Kind)
	require.NotNil(t, fn.OutputSchema)

	def := fn.Variants["default"]
	require.Equal(t, CredentialStatic, def.CredentialKind)
	require.Equal(t, "EXTRACTOR_API_KEY", def.CredentialStaticKey)
}
