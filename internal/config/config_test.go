package config_test

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/imsimpla2209/bear/internal/config"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTP.Addr)
	require.Equal(t, time.Minute, cfg.Session.RefreshSkew)
	require.Equal(t, 5*time.Second, cfg.Session.RefreshWait)
	require.Equal(t, 5*time.Minute, cfg.Secrets.CacheTTL)
	require.Equal(t, 4, cfg.Secrets.FetchAttempts)
	require.Equal(t, []string{"openid", "email", "profile"}, cfg.OIDC.Scopes)
	require.True(t, cfg.CookiesSecure())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
http:
  addr: ":9999"
oidc:
  issuer_url: "https://accounts.example.com"
  client_id: "file-client"
session:
  refresh_skew: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("OIDC_CLIENT_ID", "env-client")
	t.Setenv("SECURE_COOKIES", "false")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, ":9999", cfg.HTTP.Addr)
	require.Equal(t, "https://accounts.example.com", cfg.OIDC.IssuerURL)
	require.Equal(t, "env-client", cfg.OIDC.ClientID, "env must win over file")
	require.Equal(t, 30*time.Second, cfg.Session.RefreshSkew)
	require.False(t, cfg.CookiesSecure())
}

func TestEncryptionKey(t *testing.T) {
	var cfg config.Config

	_, err := cfg.EncryptionKey()
	require.Error(t, err, "empty key must be rejected")

	cfg.Crypto.Key = "!!not-base64!!"
	_, err = cfg.EncryptionKey()
	require.Error(t, err)

	raw := []byte("0123456789abcdef0123456789abcdef")
	cfg.Crypto.Key = base64.StdEncoding.EncodeToString(raw)
	key, err := cfg.EncryptionKey()
	require.NoError(t, err)
	require.Equal(t, raw, key)
}
