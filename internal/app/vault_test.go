package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptgate/promptgate/internal/keyring"
	"github.com/promptgate/promptgate/internal/store"
)

func newVaultTestDB(t *testing.T) *store.SQLiteStore {
	t.Helper()
	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))
	return db
}

func TestVaultKeyCustodyRoundTrip(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	db := newVaultTestDB(t)
	master := "correct horse battery staple"

	// First boot: env-supplied keys are encrypted into the persisted blob.
	cfg := Config{
		VaultEnabled: true,
		VaultMaster:  master,
		OpenAIKeys:   []string{"sk-first", "sk-second"},
		GeminiKeys:   []string{"gk-one"},
	}
	loadVaultKeys(ctx, keyring.NewVault(true), db, &cfg, logger)

	salt, data, err := db.LoadVaultBlob(ctx)
	require.NoError(t, err)
	assert.Equal(t, vaultKDFMarker, salt)
	assert.Contains(t, data, vaultEntryOpenAI)
	assert.Contains(t, data, vaultEntryGemini)
	// The blob stores ciphertext, never the raw keys.
	assert.NotContains(t, data[vaultEntryOpenAI], "sk-first")

	// Second boot without env keys: the vault restores them.
	restored := Config{VaultEnabled: true, VaultMaster: master}
	loadVaultKeys(ctx, keyring.NewVault(true), db, &restored, logger)
	assert.Equal(t, []string{"sk-first", "sk-second"}, restored.OpenAIKeys)
	assert.Equal(t, []string{"gk-one"}, restored.GeminiKeys)
	assert.Empty(t, restored.AnthropicKeys)
}

func TestVaultKeyCustodyEnvKeysWin(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	db := newVaultTestDB(t)
	master := "correct horse battery staple"

	seeded := Config{VaultEnabled: true, VaultMaster: master, OpenAIKeys: []string{"sk-old"}}
	loadVaultKeys(ctx, keyring.NewVault(true), db, &seeded, logger)

	// A later boot with a fresh env key replaces the stored copy.
	rotatedIn := Config{VaultEnabled: true, VaultMaster: master, OpenAIKeys: []string{"sk-new"}}
	loadVaultKeys(ctx, keyring.NewVault(true), db, &rotatedIn, logger)
	assert.Equal(t, []string{"sk-new"}, rotatedIn.OpenAIKeys)

	restored := Config{VaultEnabled: true, VaultMaster: master}
	loadVaultKeys(ctx, keyring.NewVault(true), db, &restored, logger)
	assert.Equal(t, []string{"sk-new"}, restored.OpenAIKeys)
}

func TestVaultKeyCustodyWrongMasterRestoresNothing(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	db := newVaultTestDB(t)

	seeded := Config{VaultEnabled: true, VaultMaster: "the right master", OpenAIKeys: []string{"sk-secret"}}
	loadVaultKeys(ctx, keyring.NewVault(true), db, &seeded, logger)

	wrong := Config{VaultEnabled: true, VaultMaster: "not the master!"}
	loadVaultKeys(ctx, keyring.NewVault(true), db, &wrong, logger)
	assert.Empty(t, wrong.OpenAIKeys, "a wrong master must not decrypt stored keys")
}
