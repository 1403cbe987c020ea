package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToolCallInputNormalizeObjectArguments(t *testing.T) {
	in := ToolCallInput{
		ID:        "call_1",
		Name:      "get_temperature",
		Arguments: json.RawMessage(`{"location":"Tokyo","unit":"celsius"}`),
	}

	tc, err := in.Normalize()
	require.NoError(t, err)
	require.Equal(t, "get_temperature", tc.Name)
	require.JSONEq(t, `{"location":"Tokyo","unit":"celsius"}`, tc.Arguments)
	require.Empty(t, in.DeprecationWarning())
}

func TestToolCallInputNormalizeStringArgumentsIsDeprecated(t *testing.T) {
	serialized := `{"location":"Tokyo"}`
	raw, err := json.Marshal(serialized)
	require.NoError(t, err)

	in := ToolCallInput{Name: "get_temperature", Arguments: raw}

	require.NotEmpty(t, in.DeprecationWarning())

	tc, err := in.Normalize()
	require.NoError(t, err)
	require.JSONEq(t, serialized, tc.Arguments)
}

func TestToolCallInputNormalizeRawArguments(t *testing.T) {
	in := ToolCallInput{RawName: "lookup", RawArguments: `{"x":1}`}
	tc, err := in.Normalize()
	require.NoError(t, err)
	require.Equal(t, "lookup", tc.Name)
	require.Equal(t, `{"x":1}`, tc.Arguments)
}

func TestToolCallInputMissingNameErrors(t *testing.T) {
	in := ToolCallInput{Arguments: json.RawMessage(`{}`)}
	_, err := in.Normalize()
	require.ErrorIs(t, err, ErrToolCallMissingName)
}

func TestToolCallInputMissingArgumentsErrors(t *testing.T) {
	in := ToolCallInput{Name: "lookup"}
	_, err := in.Normalize()
	require.ErrorIs(t, err, ErrToolCallMissingArguments)
}

func TestToolCallInputNameFallsBackToRawName(t *testing.T) {
	in := ToolCallInput{RawName: "legacy_tool", RawArguments: "{}"}
	tc, err := in.Normalize()
	require.NoError(t, err)
	require.Equal(t, "legacy_tool", tc.Name)
}
