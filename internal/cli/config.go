package cli

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/pthm/opctx/pkg/jobs"
	"github.com/pthm/opctx/pkg/pool"
)

// Config represents the complete opctx configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" json:"database"`
	Jobs     JobsConfig     `mapstructure:"jobs" json:"jobs"`
	Log      LogConfig      `mapstructure:"log" json:"log"`
}

// DatabaseConfig holds the reader and writer connection settings.
type DatabaseConfig struct {
	// URL is used for both roles when a role-specific URI is not set.
	URL       string `mapstructure:"url" json:"url,omitempty"`
	QueryURI  string `mapstructure:"query_uri" json:"query_uri,omitempty"`
	MutateURI string `mapstructure:"mutate_uri" json:"mutate_uri,omitempty"`

	TenantSetting  string        `mapstructure:"tenant_setting" json:"tenant_setting"`
	ReaderMinConns int32         `mapstructure:"reader_min_conns" json:"reader_min_conns"`
	ReaderMaxConns int32         `mapstructure:"reader_max_conns" json:"reader_max_conns"`
	WriterMinConns int32         `mapstructure:"writer_min_conns" json:"writer_min_conns"`
	WriterMaxConns int32         `mapstructure:"writer_max_conns" json:"writer_max_conns"`
	CommandTimeout time.Duration `mapstructure:"command_timeout" json:"command_timeout"`
}

// JobsConfig holds background worker settings.
type JobsConfig struct {
	RedisURL    string        `mapstructure:"redis_url" json:"redis_url"`
	Queue       string        `mapstructure:"queue" json:"queue"`
	Workers     int           `mapstructure:"workers" json:"workers"`
	PollTimeout time.Duration `mapstructure:"poll_timeout" json:"poll_timeout"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" json:"level"`
	// Format is json or text.
	Format string `mapstructure:"format" json:"format"`
}

// legacyEnv maps config keys to the unprefixed variables older deployments set.
var legacyEnv = map[string]string{
	"database.query_uri":  "POSTGRES_QUERY_URI",
	"database.mutate_uri": "POSTGRES_MUTATE_URI",
	"jobs.redis_url":      "REDIS_URI",
}

// LoadConfig loads configuration from file, environment, and defaults.
// If explicitConfigPath is non-empty, uses that file exclusively.
// Otherwise, auto-discovers opctx.yaml or opctx.yml.
//
// Returns the loaded config, the path to the config file (empty if none found),
// and any error encountered.
func LoadConfig(explicitConfigPath string) (*Config, string, error) {
	v := viper.New()

	setDefaults(v)

	// Environment variables (OPCTX_DATABASE_QUERY_URI, etc.)
	v.SetEnvPrefix("OPCTX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		if err := v.BindEnv(key, "OPCTX_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, "", fmt.Errorf("binding %s: %w", env, err)
		}
	}

	configPath, err := findConfigFile(explicitConfigPath)
	if err != nil {
		return nil, "", err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, "", fmt.Errorf("reading config file %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, configPath, nil
}

func setDefaults(v *viper.Viper) {
	pc := pool.DefaultConfig()
	v.SetDefault("database.url", "")
	v.SetDefault("database.query_uri", "")
	v.SetDefault("database.mutate_uri", "")
	v.SetDefault("database.tenant_setting", pc.TenantSetting)
	v.SetDefault("database.reader_min_conns", pc.ReaderMinConns)
	v.SetDefault("database.reader_max_conns", pc.ReaderMaxConns)
	v.SetDefault("database.writer_min_conns", pc.WriterMinConns)
	v.SetDefault("database.writer_max_conns", pc.WriterMaxConns)
	v.SetDefault("database.command_timeout", pc.CommandTimeout)

	jc := jobs.DefaultConfig()
	v.SetDefault("jobs.redis_url", jc.RedisURL)
	v.SetDefault("jobs.queue", jc.Queue)
	v.SetDefault("jobs.workers", jc.Workers)
	v.SetDefault("jobs.poll_timeout", jc.PollTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// configFileNames lists the config file names to search for, in priority order.
var configFileNames = []string{"opctx.yaml", "opctx.yml"}

// maxWalkDepth limits how far up the directory tree we search for config files.
const maxWalkDepth = 25

// findConfigFile locates the config file to use.
// Returns empty string if no config file is found (not an error).
func findConfigFile(explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicitPath)
		}
		return explicitPath, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}

	dir := cwd
	for range maxWalkDepth {
		for _, name := range configFileNames {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}

		// Stop at repository root
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			break
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// DSN returns the connection string for role, falling back to URL.
func (c *DatabaseConfig) DSN(role pool.Role) string {
	uri := c.MutateURI
	if role == pool.RoleReader {
		uri = c.QueryURI
	}
	if uri == "" {
		return c.URL
	}
	return uri
}

// PoolConfig converts the database section into a pool configuration.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		QueryURI:       c.Database.DSN(pool.RoleReader),
		MutateURI:      c.Database.DSN(pool.RoleWriter),
		TenantSetting:  c.Database.TenantSetting,
		ReaderMinConns: c.Database.ReaderMinConns,
		ReaderMaxConns: c.Database.ReaderMaxConns,
		WriterMinConns: c.Database.WriterMinConns,
		WriterMaxConns: c.Database.WriterMaxConns,
		CommandTimeout: c.Database.CommandTimeout,
	}
}

// JobsConfig converts the jobs section into a worker configuration.
func (c *Config) JobsConfig() jobs.Config {
	return jobs.Config{
		RedisURL:    c.Jobs.RedisURL,
		Queue:       c.Jobs.Queue,
		Workers:     c.Jobs.Workers,
		PollTimeout: c.Jobs.PollTimeout,
	}
}

// Validate checks the settings the process cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if err := c.PoolConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Jobs.Workers < 1 {
		errs = append(errs, fmt.Errorf("jobs.workers must be at least 1, got %d", c.Jobs.Workers))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// Redacted returns a copy with credentials removed from every URL.
func (c *Config) Redacted() Config {
	out := *c
	out.Database.URL = redactURL(c.Database.URL)
	out.Database.QueryURI = redactURL(c.Database.QueryURI)
	out.Database.MutateURI = redactURL(c.Database.MutateURI)
	out.Jobs.RedisURL = redactURL(c.Jobs.RedisURL)
	return out
}

var passwordParam = regexp.MustCompile(`(password=)('[^']*'|\S+)`)

func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	if u, err := url.Parse(raw); err == nil && u.Scheme != "" {
		return u.Redacted()
	}
	return passwordParam.ReplaceAllString(raw, "${1}xxxxx")
}
