package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openmined/scmmirror/internal/reconcile"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func TestLoad_FileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
workspace: `+filepath.Join(dir, "ws")+`
changelog: `+filepath.Join(dir, "changes.json")+`
remote:
  type: s3
  s3:
    bucket: mirror
    prefix: depot/main
    access_key: AKIA
    secret_key: secret
    use_path_style: true
fetch:
  workers: 4
include:
  - "src/**"
progress_interval: 10s
`), 0o644))

	v := newViper()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.Path)
	assert.Equal(t, filepath.Join(dir, "ws"), cfg.Workspace)
	assert.Equal(t, RemoteS3, cfg.Remote.Type)
	assert.Equal(t, "mirror", cfg.Remote.S3.Bucket)
	assert.Equal(t, "AKIA", cfg.Remote.S3.AccessKey)
	assert.True(t, cfg.Remote.S3.UsePathStyle)
	assert.Equal(t, 4, cfg.Fetch.Workers)
	assert.Equal(t, 2000, cfg.Fetch.QuietThreshold)
	assert.Equal(t, 100, cfg.Delete.QuietThreshold)
	assert.Equal(t, 10*time.Second, cfg.ProgressInterval)
	assert.Equal(t, []string{"src/**"}, cfg.Include)

	opts, err := cfg.MirrorOptions(nil)
	require.NoError(t, err)
	assert.NotNil(t, opts.Opener)
	assert.Equal(t, cfg.Workspace, opts.Root)
	assert.Equal(t, reconcile.MtimeCheckpoint, opts.MtimeSource)
	assert.Equal(t, 4, opts.Checkout.Workers)
	assert.Equal(t, 10*time.Second, opts.Checkout.ProgressInterval)
	assert.Equal(t, []string{"src/**"}, opts.Filter.Include)
	assert.Empty(t, opts.Filter.Exclude)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("SCMMIRROR_WORKSPACE", t.TempDir())
	t.Setenv("SCMMIRROR_REMOTE_HTTP_BASE_URL", "https://catalog.example.com")
	t.Setenv("SCMMIRROR_REMOTE_HTTP_TOKEN", "tok")
	t.Setenv("SCMMIRROR_MTIME_SOURCE", "local")
	t.Setenv("SCMMIRROR_DELETE_QUIET_THRESHOLD", "5")

	cfg, err := Load(newViper())
	require.NoError(t, err)
	assert.Equal(t, RemoteHTTP, cfg.Remote.Type)
	assert.Equal(t, "https://catalog.example.com", cfg.Remote.HTTP.BaseURL)
	assert.Equal(t, "tok", cfg.Remote.HTTP.Token)
	assert.Equal(t, 60*time.Second, cfg.Remote.HTTP.Timeout)
	assert.Equal(t, "local", cfg.MtimeSource)
	assert.Equal(t, 5, cfg.Delete.QuietThreshold)
}

func validConfig(t *testing.T) *Config {
	return &Config{
		Workspace:        t.TempDir(),
		Remote:           Remote{Type: RemoteHTTP},
		Fetch:            Fetch{Workers: 1, QuietThreshold: 1},
		Delete:           Delete{QuietThreshold: 1},
		ProgressInterval: time.Second,
		PollInterval:     time.Second,
		MtimeSource:      "checkpoint",
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown remote", func(c *Config) { c.Remote.Type = "p4" }, "unknown type"},
		{"http without url", func(c *Config) { c.Remote.HTTP.BaseURL = "" }, "base url"},
		{"s3 without bucket", func(c *Config) { c.Remote.Type = RemoteS3 }, "bucket"},
		{"workers", func(c *Config) { c.Fetch.Workers = 0 }, "fetch.workers"},
		{"fetch quiet", func(c *Config) { c.Fetch.QuietThreshold = 0 }, "fetch.quiet_threshold"},
		{"delete quiet", func(c *Config) { c.Delete.QuietThreshold = -1 }, "delete.quiet_threshold"},
		{"progress", func(c *Config) { c.ProgressInterval = 0 }, "progress_interval"},
		{"poll", func(c *Config) { c.PollInterval = 0 }, "poll_interval"},
		{"mtime source", func(c *Config) { c.MtimeSource = "remote" }, "mtime_source"},
		{"filter", func(c *Config) { c.Exclude = []string{"[oops"} }, "filter"},
		{"empty workspace", func(c *Config) { c.Workspace = "" }, "workspace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			cfg.Remote.HTTP.BaseURL = "http://localhost:8080"
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ResolvesPaths(t *testing.T) {
	cfg := validConfig(t)
	cfg.Remote.HTTP.BaseURL = "http://localhost:8080"
	cfg.Checkpoint = "relative/checkpoint.csv"

	require.NoError(t, cfg.Validate())
	assert.True(t, filepath.IsAbs(cfg.Checkpoint))
	assert.True(t, filepath.IsAbs(cfg.Workspace))
	assert.Empty(t, cfg.AuditDB)
}
