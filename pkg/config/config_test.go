package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSync struct {
	AutoSync bool          `yaml:"auto_sync" env:"AUTO_SYNC"`
	Interval string        `yaml:"interval" env:"INTERVAL"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

type testDatabase struct {
	Host string `yaml:"host" env:"DB_HOST"`
	Port int    `yaml:"port" env:"DB_PORT"`
}

type testConfig struct {
	Port     int           `yaml:"port" env:"PORT"`
	Origins  []string      `yaml:"origins" env:"ORIGINS"`
	Sync     testSync      `yaml:"sync" env:"SYNC"`
	Database *testDatabase `yaml:"database" env:",inline"`
	Ignored  string        `yaml:"ignored" env:"-"`
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoader_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
port: 8080
sync:
  auto_sync: false
  interval: 10m
database:
  host: db.internal
  port: 5432
`)

	t.Setenv("CM_SYNC_INTERVAL", "5m")
	t.Setenv("CM_SYNC_TIMEOUT", "20s")
	t.Setenv("CM_DB_PORT", "6543")
	t.Setenv("CM_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("CM_IGNORED", "nope")

	var cfg testConfig
	require.NoError(t, NewLoader("CM").Load(path, &cfg))

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "5m", cfg.Sync.Interval)
	assert.Equal(t, 20*time.Second, cfg.Sync.Timeout)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Origins)
	assert.Empty(t, cfg.Ignored)
}

func TestLoader_InvalidEnv(t *testing.T) {
	t.Setenv("CM_PORT", "not-a-number")
	var cfg testConfig
	assert.Error(t, NewLoader("CM").LoadFromEnv(&cfg))
}

func TestLoader_WriteExampleRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.json")
	loader := NewLoader("")

	in := testConfig{Port: 9000, Sync: testSync{Interval: "30m"}, Database: &testDatabase{Host: "x"}}
	require.NoError(t, loader.WriteExample(path, &in))

	var out testConfig
	require.NoError(t, loader.LoadFromFile(path, &out))
	assert.Equal(t, 9000, out.Port)
	assert.Equal(t, "30m", out.Sync.Interval)
}

func TestValidateConfigPath(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, ValidateConfigPath(""))
	assert.Error(t, ValidateConfigPath(filepath.Join(dir, "missing.yaml")))
	assert.Error(t, ValidateConfigPath(writeFile(t, dir, "config.toml", "")))
	assert.NoError(t, ValidateConfigPath(writeFile(t, dir, "config.yml", "")))
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "port: 1\n")

	var reloads int32
	w, err := NewWatcher(path, 20*time.Millisecond, func() error {
		atomic.AddInt32(&reloads, 1)
		return nil
	}, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	defer w.Stop()

	writeFile(t, dir, "other.yaml", "ignored: true\n")
	writeFile(t, dir, "config.yaml", "port: 2\n")

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&reloads) >= 1
	}, 2*time.Second, 10*time.Millisecond)
}
