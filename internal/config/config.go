// Package config loads the mirror configuration from file, environment and flags through viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openmined/scmmirror/internal/catalog"
	"github.com/openmined/scmmirror/internal/catalog/httpcatalog"
	"github.com/openmined/scmmirror/internal/catalog/s3catalog"
	"github.com/openmined/scmmirror/internal/checkout"
	"github.com/openmined/scmmirror/internal/mirror"
	"github.com/openmined/scmmirror/internal/reconcile"
	"github.com/openmined/scmmirror/internal/utils"
	"github.com/spf13/viper"
)

const (
	EnvPrefix  = "SCMMIRROR"
	RemoteS3   = "s3"
	RemoteHTTP = "http"
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigDir   = filepath.Join(home, ".scmmirror")
	DefaultConfigPath  = filepath.Join(DefaultConfigDir, "config.yaml")
	DefaultLogFilePath = filepath.Join(DefaultConfigDir, "logs", "scmmirror.log")
)

type Remote struct {
	Type string             `mapstructure:"type"`
	S3   s3catalog.Config   `mapstructure:"s3"`
	HTTP httpcatalog.Config `mapstructure:"http"`
}

type Fetch struct {
	Workers        int `mapstructure:"workers"`
	QuietThreshold int `mapstructure:"quiet_threshold"`
}

type Delete struct {
	QuietThreshold int `mapstructure:"quiet_threshold"`
}

type Config struct {
	Workspace        string        `mapstructure:"workspace"`
	Checkpoint       string        `mapstructure:"checkpoint"`
	Changelog        string        `mapstructure:"changelog"`
	AuditDB          string        `mapstructure:"audit_db"`
	DisableAudit     bool          `mapstructure:"disable_audit"`
	Remote           Remote        `mapstructure:"remote"`
	Fetch            Fetch         `mapstructure:"fetch"`
	Delete           Delete        `mapstructure:"delete"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MtimeSource      string        `mapstructure:"mtime_source"`
	Include          []string      `mapstructure:"include"`
	Exclude          []string      `mapstructure:"exclude"`
	Ignore           []string      `mapstructure:"ignore"`
	Path             string        `mapstructure:"-"`
}

// SetDefaults registers the default of every key, which also lets AutomaticEnv see them.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workspace", ".")
	v.SetDefault("checkpoint", "")
	v.SetDefault("changelog", "")
	v.SetDefault("audit_db", "")
	v.SetDefault("disable_audit", false)
	v.SetDefault("remote.type", RemoteHTTP)
	v.SetDefault("remote.http.base_url", "")
	v.SetDefault("remote.http.token", "")
	v.SetDefault("remote.http.folder", "")
	v.SetDefault("remote.http.timeout", 60*time.Second)
	v.SetDefault("remote.http.retries", 3)
	v.SetDefault("remote.s3.bucket", "")
	v.SetDefault("remote.s3.prefix", "")
	v.SetDefault("remote.s3.region", "")
	v.SetDefault("remote.s3.endpoint", "")
	v.SetDefault("remote.s3.access_key", "")
	v.SetDefault("remote.s3.secret_key", "")
	v.SetDefault("remote.s3.use_path_style", false)
	v.SetDefault("fetch.workers", catalog.DefaultWorkers)
	v.SetDefault("fetch.quiet_threshold", checkout.DefaultFetchQuietThreshold)
	v.SetDefault("delete.quiet_threshold", checkout.DefaultDeleteQuietThreshold)
	v.SetDefault("progress_interval", checkout.DefaultProgressInterval)
	v.SetDefault("poll_interval", time.Minute)
	v.SetDefault("mtime_source", string(reconcile.MtimeCheckpoint))
	v.SetDefault("include", []string{})
	v.SetDefault("exclude", []string{})
	v.SetDefault("ignore", []string{})
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate normalizes paths and reports the first invalid setting.
func (c *Config) Validate() error {
	var err error

	if c.Workspace, err = utils.ResolvePath(c.Workspace); err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	for _, p := range []*string{&c.Checkpoint, &c.Changelog, &c.AuditDB} {
		if *p == "" {
			continue
		}
		resolved, err := utils.ResolvePath(*p)
		if err != nil {
			return fmt.Errorf("path %q: %w", *p, err)
		}
		*p = resolved
	}

	switch c.Remote.Type {
	case RemoteS3:
		if err := c.Remote.S3.Validate(); err != nil {
			return fmt.Errorf("remote: %w", err)
		}
	case RemoteHTTP:
		if err := c.Remote.HTTP.Validate(); err != nil {
			return fmt.Errorf("remote: %w", err)
		}
	default:
		return fmt.Errorf("remote: unknown type %q, expected %s or %s", c.Remote.Type, RemoteS3, RemoteHTTP)
	}

	if c.Fetch.Workers < 1 {
		return errors.New("fetch.workers must be at least 1")
	}
	if c.Fetch.QuietThreshold < 1 {
		return errors.New("fetch.quiet_threshold must be at least 1")
	}
	if c.Delete.QuietThreshold < 1 {
		return errors.New("delete.quiet_threshold must be at least 1")
	}
	if c.ProgressInterval <= 0 {
		return errors.New("progress_interval must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("poll_interval must be positive")
	}
	if _, err := reconcile.ParseMtimeSource(c.MtimeSource); err != nil {
		return fmt.Errorf("mtime_source: %w", err)
	}
	if err := c.Filter().Validate(); err != nil {
		return fmt.Errorf("filter: %w", err)
	}
	return nil
}

func (c *Config) Filter() reconcile.Filter {
	return reconcile.Filter{Include: c.Include, Exclude: c.Exclude}
}

// Opener returns the session factory of the configured remote.
func (c *Config) Opener() (catalog.Opener, error) {
	switch c.Remote.Type {
	case RemoteS3:
		s3cfg := c.Remote.S3
		return s3catalog.Opener(&s3cfg), nil
	case RemoteHTTP:
		httpCfg := c.Remote.HTTP
		return httpcatalog.Opener(&httpCfg), nil
	default:
		return nil, fmt.Errorf("remote: unknown type %q", c.Remote.Type)
	}
}

// MirrorOptions maps the configuration onto runner options. progress may be nil.
func (c *Config) MirrorOptions(progress checkout.ProgressSink) (mirror.Options, error) {
	opener, err := c.Opener()
	if err != nil {
		return mirror.Options{}, err
	}
	src, err := reconcile.ParseMtimeSource(c.MtimeSource)
	if err != nil {
		return mirror.Options{}, err
	}

	return mirror.Options{
		Root:           c.Workspace,
		Opener:         opener,
		CheckpointPath: c.Checkpoint,
		ChangelogPath:  c.Changelog,
		AuditDBPath:    c.AuditDB,
		DisableAudit:   c.DisableAudit,
		Filter:         c.Filter(),
		IgnorePatterns: c.Ignore,
		MtimeSource:    src,
		Checkout: checkout.Options{
			Workers:              c.Fetch.Workers,
			FetchQuietThreshold:  c.Fetch.QuietThreshold,
			DeleteQuietThreshold: c.Delete.QuietThreshold,
			ProgressInterval:     c.ProgressInterval,
			Progress:             progress,
		},
	}, nil
}
