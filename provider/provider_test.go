package provider

import (
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/inferencegate/gatewayerr"
	"goa.design/inferencegate/registry"
)

func TestCredentialsForVariantProviderDefaultResolvesFromEnv(t *testing.T) {
	v := &registry.Variant{Name: "v1"}
	cred := CredentialsForVariant(v, nil)
	require.Equal(t, CredentialProviderDefault, cred.Kind)

	key, err := cred.Resolve(func(name string) string {
		require.Equal(t, "ANTHROPIC_API_KEY", name)
		return "env-key"
	}, "ANTHROPIC_API_KEY")
	require.NoError(t, err)
	require.Equal(t, "env-key", key)
}

func TestCredentialsForVariantProviderDefaultMissingEnvErrors(t *testing.T) {
	v := &registry.Variant{Name: "v1"}
	cred := CredentialsForVariant(v, nil)

	_, err := cred.Resolve(func(string) string { return "" }, "ANTHROPIC_API_KEY")
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.ApiKeyMissing, ge.Kind)
}

func TestCredentialsForVariantStaticUsesVariantKeyRegardlessOfEnv(t *testing.T) {
	v := &registry.Variant{Name: "v1", CredentialKind: registry.CredentialStatic, CredentialStaticKey: "sk-static"}
	cred := CredentialsForVariant(v, nil)
	require.Equal(t, CredentialStatic, cred.Kind)

	key, err := cred.Resolve(func(string) string { return "should-not-be-used" }, "ANTHROPIC_API_KEY")
	require.NoError(t, err)
	require.Equal(t, "sk-static", key)
}

func TestCredentialsForVariantDynamicResolvesFromRequestCredentials(t *testing.T) {
	v := &registry.Variant{Name: "v1", CredentialKind: registry.CredentialDynamic, CredentialDynamicKey: "caller_key"}
	cred := CredentialsForVariant(v, map[string]string{"caller_key": "sk-caller"})
	require.Equal(t, CredentialDynamic, cred.Kind)

	key, err := cred.Resolve(func(string) string { return "" }, "ANTHROPIC_API_KEY")
	require.NoError(t, err)
	require.Equal(t, "sk-caller", key)
}

func TestCredentialsForVariantDynamicMissingFromRequestErrors(t *testing.T) {
	v := &registry.Variant{Name: "v1", CredentialKind: registry.CredentialDynamic, CredentialDynamicKey: "caller_key"}
	cred := CredentialsForVariant(v, map[string]string{"other_key": "sk-caller"})

	_, err := cred.Resolve(func(string) string { return "" }, "ANTHROPIC_API_KEY")
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	require.Equal(t, gatewayerr.ApiKeyMissing, ge.Kind)
}
