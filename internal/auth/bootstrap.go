package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/ashrun/ash/internal/db"
	"github.com/ashrun/ash/internal/logging"
	"github.com/ashrun/ash/pkg/types"
)

// EnsureAPIKey makes sure the node has some bearer credential. With
// ASH_API_KEY set, that key is used as-is. Otherwise, on a first start
// with no stored keys, a key is generated, its hash stored, and the
// plaintext written once to keyPath (0600). Returns devMode=true only
// when there is genuinely nothing to authenticate against.
func EnsureAPIKey(ctx context.Context, repo db.Repository, staticKey, keyPath string) (devMode bool, err error) {
	log := logging.WithComponent("auth")
	if staticKey != "" {
		return false, nil
	}

	keys, err := repo.ListAPIKeys(ctx, types.DefaultTenant)
	if err != nil {
		return false, fmt.Errorf("auth: list api keys: %w", err)
	}
	if len(keys) > 0 {
		return false, nil
	}

	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return false, fmt.Errorf("auth: generate key: %w", err)
	}
	plaintext := "ash_" + hex.EncodeToString(raw)

	if err := repo.InsertAPIKey(ctx, &types.APIKey{
		ID:       uuid.NewString(),
		TenantID: types.DefaultTenant,
		Name:     "initial",
		KeyHash:  db.HashAPIKey(plaintext),
	}); err != nil {
		return false, fmt.Errorf("auth: store initial key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(keyPath, []byte(plaintext+"\n"), 0o600); err != nil {
		return false, fmt.Errorf("auth: write initial key file: %w", err)
	}
	log.Info().Str("path", keyPath).Msg("generated initial API key")
	return false, nil
}
