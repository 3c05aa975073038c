package secrets

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"didcomm-agent/pkg/config"
	"didcomm-agent/pkg/errors"
)

func TestNewStore(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		wantErr  string
	}{
		{name: "default", provider: ""},
		{name: "memory", provider: "memory"},
		{name: "env", provider: "env"},
		{name: "unknown provider", provider: "unknown", wantErr: "unsupported secret provider"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store, err := NewStore(config.SecretsConfig{Provider: tc.provider})
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				assert.Nil(t, store)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, store)
		})
	}
}

func TestMemoryAndEnvStoreBasicContract(t *testing.T) {
	ctx := context.Background()
	for _, s := range []Store{NewMemoryStore(), NewEnvStore()} {
		require.NoError(t, s.Set(ctx, "wallet/alice/key1", "sealed"))
		got, err := s.Get(ctx, "wallet/alice/key1")
		require.NoError(t, err)
		assert.Equal(t, "sealed", got)

		keys, err := s.List(ctx, "wallet/alice/")
		require.NoError(t, err)
		assert.Len(t, keys, 1)

		require.NoError(t, s.Delete(ctx, "wallet/alice/key1"))
		_, err = s.Get(ctx, "wallet/alice/key1")
		assert.ErrorIs(t, err, errors.ErrNotFound)
	}
}

func TestEnvName(t *testing.T) {
	assert.Equal(t, "AGENT_SECRET_WALLET_ALICE_KEY1", envName("wallet/alice/key1"))
}

func TestVaultStore(t *testing.T) {
	addr := os.Getenv("TEST_VAULT_ADDR")
	if addr == "" {
		t.Skip("TEST_VAULT_ADDR not set")
	}
	s, err := NewStore(config.SecretsConfig{Provider: "vault", Address: addr, Token: os.Getenv("TEST_VAULT_TOKEN")})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "agent-test/k", "v"))
	got, err := s.Get(ctx, "agent-test/k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	require.NoError(t, s.Delete(ctx, "agent-test/k"))
}
