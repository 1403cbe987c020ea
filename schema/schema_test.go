package schema

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/inferencegate/gatewayerr"
)

func objectSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"location"},
		"properties": map[string]any{
			"location": map[string]any{"type": "string"},
			"unit":     map[string]any{"type": "string", "enum": []any{"celsius", "fahrenheit"}},
		},
	}
}

func TestStaticValidatePass(t *testing.T) {
	s, err := NewStatic("test:location", objectSchema())
	require.NoError(t, err)

	err = s.Validate(map[string]any{"location": "Tokyo", "unit": "celsius"})
	require.NoError(t, err)
}

func TestStaticValidateFailureCarriesPath(t *testing.T) {
	s, err := NewStatic("test:location2", objectSchema())
	require.NoError(t, err)

	err = s.Validate(map[string]any{"unit": "kelvin"})
	require.Error(t, err)

	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.JsonSchema, ge.Kind)

	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestDynamicCompilesLazilyAndMemoizes(t *testing.T) {
	d := NewDynamic("test:dynamic", objectSchema())

	err := d.Validate(map[string]any{"location": "Paris"})
	require.NoError(t, err)

	// second call reuses the memoized compiled schema and still validates.
	err = d.Validate(map[string]any{"unit": "not-a-unit"})
	require.Error(t, err)
}

func TestDynamicCompileErrorIsMemoized(t *testing.T) {
	d := NewDynamic("test:bad", map[string]any{"type": 12345})

	err1 := d.Validate(map[string]any{})
	require.Error(t, err1)

	err2 := d.Validate(map[string]any{})
	require.Error(t, err2)
	require.Equal(t, err1.Error(), err2.Error())
}

func TestNewStaticFromJSON(t *testing.T) {
	s, err := NewStaticFromJSON("test:fromjson", []byte(`{"type":"string"}`))
	require.NoError(t, err)
	require.NoError(t, s.Validate("hello"))
	require.Error(t, s.Validate(42))
}

func TestNilStaticValidateIsNoop(t *testing.T) {
	var s *Static
	require.NoError(t, s.Validate(map[string]any{"anything": true}))
}
