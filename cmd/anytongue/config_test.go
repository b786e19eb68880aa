package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatsync "github.com/anytongue/chatsync"
)

func TestSetConfigValue(t *testing.T) {
	t.Run("known fields", func(t *testing.T) {
		cfg := &Config{}
		require.NoError(t, setConfigValue(cfg, "server.base_url", "https://chat.example.com"))
		require.NoError(t, setConfigValue(cfg, "auth.token", "tok"))
		require.NoError(t, setConfigValue(cfg, "auth.user_id", "u1"))
		require.NoError(t, setConfigValue(cfg, "auth.language", "es"))
		require.NoError(t, setConfigValue(cfg, "sync.page_size", "25"))
		require.NoError(t, setConfigValue(cfg, "sync.poll_interval", "2s"))
		require.NoError(t, setConfigValue(cfg, "sync.max_reconnect_attempts", "3"))

		assert.Equal(t, "https://chat.example.com", cfg.Server.BaseURL)
		assert.Equal(t, "tok", cfg.Auth.Token)
		assert.Equal(t, "u1", cfg.Auth.UserID)
		assert.Equal(t, "es", cfg.Auth.Language)
		assert.Equal(t, 25, cfg.Sync.PageSize)
		assert.Equal(t, 2*time.Second, cfg.pollInterval())
		assert.Equal(t, 3, cfg.Sync.MaxReconnectAttempts)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		cfg := &Config{}
		assert.Error(t, setConfigValue(cfg, "language", "es"))
		assert.Error(t, setConfigValue(cfg, "auth.nope", "x"))
		assert.Error(t, setConfigValue(cfg, "nope.field", "x"))
		assert.Error(t, setConfigValue(cfg, "sync.page_size", "zero"))
		assert.Error(t, setConfigValue(cfg, "sync.page_size", "-1"))
		assert.Error(t, setConfigValue(cfg, "sync.poll_interval", "soon"))
	})
}

func TestGetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "auth.token", "secret-token-value"))
	require.NoError(t, setConfigValue(cfg, "auth.language", "es"))
	require.NoError(t, setConfigValue(cfg, "sync.page_size", "40"))

	v, err := getConfigValue(cfg, "auth.token")
	require.NoError(t, err)
	assert.Equal(t, "secret...alue", v)

	v, err = getConfigValue(cfg, "auth.language")
	require.NoError(t, err)
	assert.Equal(t, "es", v)

	v, err = getConfigValue(cfg, "sync.page_size")
	require.NoError(t, err)
	assert.Equal(t, "40", v)

	v, err = getConfigValue(cfg, "sync.max_reconnect_attempts")
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = getConfigValue(cfg, "auth")
	assert.Error(t, err)
	_, err = getConfigValue(cfg, "auth.password")
	assert.Error(t, err)

	for _, k := range configKeys {
		_, err := getConfigValue(cfg, k.name)
		assert.NoError(t, err, k.name)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)

	cfg.Auth.Token = "secret-token-value"
	cfg.Auth.Language = "fr"
	cfg.Sync.PollInterval = "500ms"
	require.NoError(t, saveConfig(cfg))

	path, err := configPath()
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "[auth]"))

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "secret-token-value", loaded.Auth.Token)
	assert.Equal(t, "fr", loaded.Auth.Language)
	assert.Equal(t, 500*time.Millisecond, loaded.pollInterval())
}

func TestLoadRuntimeConfigEnvOverrides(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, home)

	require.NoError(t, saveConfig(&Config{Auth: ConfigAuth{Token: "file-token", Language: "en"}}))
	t.Setenv("ANYTONGUE_TOKEN", "env-token")
	t.Setenv("ANYTONGUE_LANGUAGE", "de")

	cfg, err := loadRuntimeConfig()
	require.NoError(t, err)
	assert.Equal(t, "env-token", cfg.Auth.Token)
	assert.Equal(t, "de", cfg.Auth.Language)

	// Overrides never reach the file.
	onDisk, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "file-token", onDisk.Auth.Token)
}

func TestLoadRuntimeConfigDotEnv(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	chdir(t, home)
	os.Unsetenv("ANYTONGUE_USER_ID")
	require.NoError(t, os.WriteFile(filepath.Join(home, ".env"), []byte("ANYTONGUE_USER_ID=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ANYTONGUE_USER_ID") })

	cfg, err := loadRuntimeConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Auth.UserID)
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestFormatEntry(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.Local)
	e := chatsync.Entry{
		Message: chatsync.Message{
			ID: "m1", SenderID: "u2", SenderDisplayName: "Ana",
			OriginalText: "Hola", CreatedAt: at, DeliveryState: chatsync.DeliveryConfirmed,
		},
		Display: chatsync.DisplayText{Text: "Hello", IsTranslated: true, OriginalText: "Hola"},
	}
	assert.Equal(t, "[Mar 01 09:30] Ana: Hello  (original: Hola)", formatEntry(e))

	e.IsOwn = true
	e.DeliveryState = chatsync.DeliveryPending
	e.Display = chatsync.DisplayText{Text: "Hola"}
	assert.Equal(t, "[Mar 01 09:30] you: Hola  (sending)", formatEntry(e))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "abcdef...wxyz", maskKey("abcdefghijklmnopqrstuvwxyz"))
	assert.Equal(t, "****", maskKey("abc"))
}
