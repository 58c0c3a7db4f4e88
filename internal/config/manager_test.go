package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(kv map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := kv[k]
		return v, ok
	}
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestParseYAMLWithDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
telegram:
  token: "123:abc"
  admin_id: 42
broadcast:
  pause_every: 50
`)
	m := NewConfigManager(path)
	m.SetLookupEnv(envMap(nil))
	cfg, err := m.Load()
	require.NoError(t, err)

	assert.Equal(t, int64(42), cfg.Telegram.AdminID)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, DefaultStoragePath, cfg.Storage.Path)
	assert.Equal(t, 50, cfg.Broadcast.PauseEvery)
	assert.Equal(t, "10s", cfg.Telegram.PollTimeout)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram":{"token":"x","admin_id":1},"plugins":{}}`)
	m := NewConfigManager(path)
	m.SetLookupEnv(envMap(nil))
	_, err := m.Parse()
	require.Error(t, err)
}

func TestParseRejectsTrailingData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram":{"token":"x","admin_id":1}} {}`)
	m := NewConfigManager(path)
	m.SetLookupEnv(envMap(nil))
	_, err := m.Parse()
	require.ErrorContains(t, err, "trailing data")
}

func TestMissingFileUsesEnvironment(t *testing.T) {
	m := NewConfigManager(filepath.Join(t.TempDir(), "absent.json"))
	m.SetLookupEnv(envMap(map[string]string{
		EnvBotToken:    "777:xyz",
		EnvAdminID:     "1001",
		EnvDatabaseURL: "postgres://bot@localhost/castbot",
	}))
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "777:xyz", cfg.Telegram.Token)
	assert.Equal(t, int64(1001), cfg.Telegram.AdminID)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://bot@localhost/castbot", cfg.Storage.DSN)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram":{"token":"file","admin_id":1},"storage":{"driver":"memory"}}`)
	m := NewConfigManager(path)
	m.SetLookupEnv(envMap(map[string]string{EnvBotToken: "env", EnvDatabaseURL: "postgres://x"}))
	cfg, err := m.Parse()
	require.NoError(t, err)
	assert.Equal(t, "env", cfg.Telegram.Token)
	assert.Equal(t, "memory", cfg.Storage.Driver, "explicit driver wins over DATABASE_URL")
}

func TestApplyEnvRejectsBadAdminID(t *testing.T) {
	var cfg Config
	err := ApplyEnv(&cfg, envMap(map[string]string{EnvAdminID: "admin"}))
	require.ErrorContains(t, err, EnvAdminID)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{Telegram: TelegramConfig{Token: "t", AdminID: 1}}
		ApplyDefaults(c)
		return c
	}
	require.NoError(t, Validate(base()))

	cases := map[string]func(c *Config){
		"missing token":      func(c *Config) { c.Telegram.Token = "" },
		"missing admin":      func(c *Config) { c.Telegram.AdminID = 0 },
		"unknown driver":     func(c *Config) { c.Storage.Driver = "mongo" },
		"postgres no dsn":    func(c *Config) { c.Storage.Driver = "postgres" },
		"bad pause":          func(c *Config) { c.Broadcast.Pause = "soon" },
		"negative rate":      func(c *Config) { c.Broadcast.RatePerSec = -1 },
		"bad cron":           func(c *Config) { c.Report.StatsCron = "every day" },
		"bad timezone":       func(c *Config) { c.Report.Timezone = "Mars/Olympus" },
		"public obs no auth": func(c *Config) { c.Observability = ObservabilityConfig{Enabled: true, Addr: "0.0.0.0:9090"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			assert.Error(t, Validate(c))
		})
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	oldCfg := &Config{Telegram: TelegramConfig{Token: "a", AdminID: 1}}
	newCfg := &Config{Telegram: TelegramConfig{Token: "b", AdminID: 1}, Broadcast: BroadcastConfig{PauseEvery: 10}}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"telegram", "broadcast"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"telegram.token"}, RestartRequired(oldCfg, newCfg))

	adminOnly := &Config{Telegram: TelegramConfig{Token: "a", AdminID: 2}}
	changed, _ = SummarizeConfigChange(oldCfg, adminOnly)
	assert.Equal(t, []string{"telegram"}, changed)
	assert.Empty(t, RestartRequired(oldCfg, adminOnly), "admin id is applied live")

	moved := &Config{Telegram: oldCfg.Telegram, Storage: StorageConfig{Driver: "postgres"}}
	assert.Equal(t, []string{"storage"}, RestartRequired(oldCfg, moved))

	selfHosted := &Config{Telegram: TelegramConfig{Token: "a", AdminID: 1, APIURL: "http://127.0.0.1:8081"}}
	assert.Equal(t, []string{"telegram.api_url"}, RestartRequired(oldCfg, selfHosted))
}

func TestWatchPublishesChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"telegram":{"token":"t","admin_id":1}}`)
	m := NewConfigManager(path)
	m.SetLookupEnv(envMap(nil))
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, `{"telegram":{"token":"t","admin_id":1},"broadcast":{"pause_every":5}}`)

	select {
	case cfg := <-ch:
		assert.Equal(t, 5, cfg.Broadcast.PauseEvery)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}
}

func TestDecodeYAMLEdgeCases(t *testing.T) {
	var cfg Config
	require.NoError(t, decodeStrict("c.yaml", []byte(""), &cfg), "empty yaml is an empty config")
	require.NoError(t, decodeStrict("c.yml", []byte("# only a comment\n"), &cfg))

	err := decodeStrict("c.yaml", []byte("telegram:\n  admin_id: 1\n---\ntelegram:\n  admin_id: 2\n"), &cfg)
	assert.ErrorContains(t, err, "one document")

	err = decodeStrict("c.yaml", []byte("telegram: [unclosed"), &cfg)
	assert.ErrorContains(t, err, "yaml")
}

func TestStringKeys(t *testing.T) {
	in := map[any]any{1: "a", "b": []any{map[any]any{true: "c"}}}
	out, ok := stringKeys(in).(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a", out["1"])
	inner := out["b"].([]any)[0].(map[string]any)
	assert.Equal(t, "c", inner["true"])
}
