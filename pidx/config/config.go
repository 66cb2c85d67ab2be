package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/pageindex/pidx"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. PIDX_SERVER_LISTENADDR.
const EnvPrefix = "PIDX"

// Config stores all configuration of the application.
// The values are read by viper from a config file, environment variables or flags.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Index    IndexConfig    `mapstructure:"index"`
	Resolver ResolverConfig `mapstructure:"resolver"`
	Log      LogConfig      `mapstructure:"log"`
}

// ServerConfig stores the HTTP listener settings.
type ServerConfig struct {
	ListenAddr     string `mapstructure:"listenAddr"`
	MetricsPath    string `mapstructure:"metricsPath"`
	LanguageHeader string `mapstructure:"languageHeader"`
}

// DatabaseConfig stores database connection details.
type DatabaseConfig struct {
	DSN  string `mapstructure:"dsn"`
	Type string `mapstructure:"type"`
}

// IndexConfig controls how language indexes are built and kept.
type IndexConfig struct {
	DefaultLanguage       int  `mapstructure:"defaultLanguage"`
	RetainOnFailedRebuild bool `mapstructure:"retainOnFailedRebuild"`
	BuildConcurrency      int  `mapstructure:"buildConcurrency"`
}

// ResolverConfig controls request path handling.
// Routes are path prefixes served by the application when the page tree
// has no match. Pages of the ExtendedPageTypes own the URL space below them,
// up to ExtenderDepth segments (0 is unlimited).
type ResolverConfig struct {
	Extensions        []string `mapstructure:"extensions"`
	IgnoreFile        string   `mapstructure:"ignoreFile"`
	RetryAfterSeconds int      `mapstructure:"retryAfterSeconds"`
	Routes            []string `mapstructure:"routes"`
	ExtendedPageTypes []int    `mapstructure:"extendedPageTypes"`
	ExtenderDepth     int      `mapstructure:"extenderDepth"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// RetryAfter is the Retry-After hint sent while indexes are rebuilt.
func (c ResolverConfig) RetryAfter() time.Duration {
	if c.RetryAfterSeconds <= 0 {
		return internal.DefaultRetryAfter
	}
	return time.Duration(c.RetryAfterSeconds) * time.Second
}

var ErrInvalidConfig = errors.New("invalid configuration")

// Validate rejects values the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listenAddr is empty"))
	}
	if c.Server.MetricsPath != "" && !strings.HasPrefix(c.Server.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("server.metricsPath must start with /, got %q", c.Server.MetricsPath))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is empty"))
	}
	if c.Index.DefaultLanguage <= 0 {
		errs = append(errs, fmt.Errorf("index.defaultLanguage must be positive, got %d", c.Index.DefaultLanguage))
	}
	if c.Index.BuildConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("index.buildConcurrency must be positive, got %d", c.Index.BuildConcurrency))
	}
	if c.Resolver.RetryAfterSeconds < 0 {
		errs = append(errs, fmt.Errorf("resolver.retryAfterSeconds must not be negative, got %d", c.Resolver.RetryAfterSeconds))
	}
	if c.Resolver.ExtenderDepth < 0 {
		errs = append(errs, fmt.Errorf("resolver.extenderDepth must not be negative, got %d", c.Resolver.ExtenderDepth))
	}
	for _, id := range c.Resolver.ExtendedPageTypes {
		if id <= 0 {
			errs = append(errs, fmt.Errorf("resolver.extendedPageTypes holds non-positive id %d", id))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

var AppConfig Config

// userConfigFile is read when no config.yaml is found in the search paths.
var userConfigFile = internal.DefaultConfigFile

// flagKeys maps command line flag names onto config keys.
var flagKeys = map[string]string{
	"listen":            "server.listenAddr",
	"metrics-path":      "server.metricsPath",
	"dsn":               "database.dsn",
	"default-language":  "index.defaultLanguage",
	"build-concurrency": "index.buildConcurrency",
	"retain-on-failure": "index.retainOnFailedRebuild",
	"ignore-file":       "resolver.ignoreFile",
	"route":             "resolver.routes",
	"log-level":         "log.level",
	"log-pretty":        "log.pretty",
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	return Load(configPath, nil)
}

// Load is LoadConfig with command line flags taking precedence over the
// file and the environment. Only flags named in flagKeys are bound.
// Without configPath, config.yaml is searched in the working directory, its
// parent and etc/pidx, then the per-user config file is tried.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("..")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := readUserConfig(v); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	AppConfig = cfg
	return &cfg, nil
}

// readUserConfig reads userConfigFile into v if it exists. Without it the
// defaults apply.
func readUserConfig(v *viper.Viper) error {
	if _, err := os.Stat(userConfigFile); err != nil {
		return nil
	}
	v.SetConfigFile(userConfigFile)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", userConfigFile, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listenAddr", internal.DefaultListenAddr)
	v.SetDefault("server.metricsPath", internal.DefaultMetricsPath)
	v.SetDefault("server.languageHeader", internal.DefaultLanguageHeader)

	v.SetDefault("database.dsn", internal.DefaultDatabaseDSN)
	v.SetDefault("database.type", internal.DefaultDatabaseType)

	v.SetDefault("index.defaultLanguage", internal.DefaultLanguageID)
	v.SetDefault("index.retainOnFailedRebuild", false)
	v.SetDefault("index.buildConcurrency", internal.DefaultBuildConcurrency)

	v.SetDefault("resolver.extensions", internal.DefaultPageExtensions)
	v.SetDefault("resolver.ignoreFile", internal.DefaultIgnoreFile)
	v.SetDefault("resolver.retryAfterSeconds", int(internal.DefaultRetryAfter/time.Second))
	v.SetDefault("resolver.routes", []string{})
	v.SetDefault("resolver.extendedPageTypes", []int{})
	v.SetDefault("resolver.extenderDepth", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}
