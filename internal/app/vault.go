package app

import (
	"context"
	"log/slog"
	"strings"

	"github.com/promptgate/promptgate/internal/keyring"
	"github.com/promptgate/promptgate/internal/store"
)

// vaultKDFMarker records the key-derivation scheme alongside the persisted
// blob so a future scheme change can detect old blobs.
var vaultKDFMarker = []byte("sha256/v1")

// vaultEntryNames maps each provider key list onto its vault entry.
const (
	vaultEntryOpenAI    = "openai_api_keys"
	vaultEntryAnthropic = "anthropic_api_keys"
	vaultEntryGemini    = "gemini_api_keys"
	vaultEntryNVIDIA    = "nvidia_api_keys"
)

// loadVaultKeys wires the vault into provider key custody. The persisted
// blob is imported first; then, per provider, environment keys win and
// refresh the stored copy, while an empty environment restores keys from the
// vault. The updated blob is written back so keys survive restarts.
//
// Every failure is non-fatal: the gateway falls back to env-only keys.
func loadVaultKeys(ctx context.Context, vault *keyring.Vault, db store.Store, cfg *Config, logger *slog.Logger) {
	if err := vault.Unlock([]byte(cfg.VaultMaster)); err != nil {
		logger.Warn("vault unlock failed, provider keys stay env-only", slog.Any("error", err))
		return
	}

	_, data, err := db.LoadVaultBlob(ctx)
	if err != nil {
		logger.Warn("vault blob load failed", slog.Any("error", err))
	} else if len(data) > 0 {
		if err := vault.Import(data); err != nil {
			logger.Warn("vault blob import failed", slog.Any("error", err))
		}
	}

	merge := func(entry string, keys *[]string) {
		if len(*keys) > 0 {
			if err := vault.Set(entry, strings.Join(*keys, ",")); err != nil {
				logger.Warn("vault key store failed",
					slog.String("entry", entry), slog.Any("error", err))
			}
			return
		}
		stored, err := vault.Get(entry)
		if err != nil || stored == "" {
			// No stored keys, or a wrong master: decryption fails and the
			// provider simply stays unregistered.
			return
		}
		*keys = strings.Split(stored, ",")
		logger.Info("provider keys restored from vault",
			slog.String("entry", entry), slog.Int("keys", len(*keys)))
	}
	merge(vaultEntryOpenAI, &cfg.OpenAIKeys)
	merge(vaultEntryAnthropic, &cfg.AnthropicKeys)
	merge(vaultEntryGemini, &cfg.GeminiKeys)
	merge(vaultEntryNVIDIA, &cfg.NVIDIAKeys)

	if err := db.SaveVaultBlob(ctx, vaultKDFMarker, vault.Export()); err != nil {
		logger.Warn("vault blob save failed", slog.Any("error", err))
	}
}
