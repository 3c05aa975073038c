package wallet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"didcomm-agent/internal/pack"
	"didcomm-agent/internal/storage/cache"
	"didcomm-agent/internal/transport"
	"didcomm-agent/pkg/config"
	"didcomm-agent/pkg/errors"
	"didcomm-agent/pkg/secrets"
)

func openWallet(t *testing.T, sec secrets.Store, meta cache.Store, passphrase string, ephemeral bool) (*Wallet, error) {
	t.Helper()
	return Open(context.Background(), config.WalletConfig{Name: "alice", Passphrase: passphrase, Ephemeral: ephemeral}, sec, meta)
}

func TestWallet_CreateDIDAndLookup(t *testing.T) {
	ctx := context.Background()
	w, err := openWallet(t, secrets.NewMemoryStore(), cache.NewMemoryStore(), "pw", false)
	require.NoError(t, err)

	did, verkey, err := w.CreateDID(ctx, nil)
	require.NoError(t, err)
	expected, err := DIDFromVerkey(verkey)
	require.NoError(t, err)
	assert.Equal(t, expected, did)

	got, err := w.KeyForDID(ctx, did)
	require.NoError(t, err)
	assert.Equal(t, verkey, got)
	gotDID, err := w.DIDForKey(ctx, verkey)
	require.NoError(t, err)
	assert.Equal(t, did, gotDID)

	priv, err := w.PrivateKey(ctx, verkey)
	require.NoError(t, err)
	pub, err := pack.PublicFromPrivate(priv)
	require.NoError(t, err)
	assert.Equal(t, verkey, pack.Verkey(pub))

	_, err = w.PrivateKey(ctx, "unknown")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestWallet_ReopenWithPassphrase(t *testing.T) {
	ctx := context.Background()
	sec, meta := secrets.NewMemoryStore(), cache.NewMemoryStore()
	w, err := openWallet(t, sec, meta, "pw", false)
	require.NoError(t, err)
	verkey, err := w.CreateKey(ctx, make([]byte, 32))
	require.NoError(t, err)

	_, err = openWallet(t, sec, meta, "wrong", false)
	assert.ErrorIs(t, err, ErrWrongPassphrase)

	w2, err := openWallet(t, sec, meta, "pw", false)
	require.NoError(t, err)
	_, err = w2.PrivateKey(ctx, verkey)
	require.NoError(t, err)
}

func TestWallet_EphemeralResets(t *testing.T) {
	ctx := context.Background()
	sec, meta := secrets.NewMemoryStore(), cache.NewMemoryStore()
	w, err := openWallet(t, sec, meta, "pw", false)
	require.NoError(t, err)
	verkey, err := w.CreateKey(ctx, nil)
	require.NoError(t, err)

	w2, err := openWallet(t, sec, meta, "other", true)
	require.NoError(t, err)
	_, err = w2.PrivateKey(ctx, verkey)
	assert.ErrorIs(t, err, errors.ErrNotFound)
	keys, err := w2.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestWallet_ServiceMetadata(t *testing.T) {
	ctx := context.Background()
	w, err := openWallet(t, secrets.NewMemoryStore(), cache.NewMemoryStore(), "pw", false)
	require.NoError(t, err)

	require.NoError(t, w.SetKeyMetadata(ctx, "vk", transport.Service{Endpoint: "http://key"}))
	require.NoError(t, w.SetDIDMetadata(ctx, "did1", transport.Service{Endpoint: "ws://did"}))

	svc, err := w.LookupService(ctx, "vk", "did1")
	require.NoError(t, err)
	assert.Equal(t, "ws://did", svc.Endpoint)

	svc, err = w.LookupService(ctx, "vk", "unknown-did")
	require.NoError(t, err)
	assert.Equal(t, "http://key", svc.Endpoint)

	_, err = w.LookupService(ctx, "other", "")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestWallet_PackThroughWallet(t *testing.T) {
	ctx := context.Background()
	alice, err := Open(ctx, config.WalletConfig{Name: "alice", Passphrase: "a"}, secrets.NewMemoryStore(), cache.NewMemoryStore())
	require.NoError(t, err)
	bob, err := Open(ctx, config.WalletConfig{Name: "bob", Passphrase: "b"}, secrets.NewMemoryStore(), cache.NewMemoryStore())
	require.NoError(t, err)
	aliceKey, err := alice.CreateKey(ctx, nil)
	require.NoError(t, err)
	bobKey, err := bob.CreateKey(ctx, nil)
	require.NoError(t, err)

	wire, err := pack.New(alice).Pack(ctx, []byte("hi"), []string{bobKey}, aliceKey)
	require.NoError(t, err)
	out, err := pack.New(bob).Unpack(ctx, wire)
	require.NoError(t, err)
	assert.Equal(t, aliceKey, out.SenderKey)

	require.NoError(t, bob.Close())
	_, err = bob.PrivateKey(ctx, bobKey)
	assert.ErrorIs(t, err, ErrClosed)
}
