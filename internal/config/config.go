// Package config provides configuration management for pagecache using
// Viper for loading from files, environment variables and command-line
// flags.
//
// Configuration is read from .pagecache.yml (or the file named by --config
// or PAGECACHE_CONFIG_FILE) and can be overridden with PAGECACHE_ prefixed
// environment variables such as PAGECACHE_SERVER_PORT. PAGECACHE_ENV selects
// the process mode.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/conneroisu/pagecache/internal/build"
	"github.com/conneroisu/pagecache/internal/logging"
	"github.com/spf13/viper"
)

// Environments understood by server.environment.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "PAGECACHE"
	// DefaultConfigName is the config file searched for in the working
	// directory, without extension.
	DefaultConfigName = ".pagecache"
	// DefaultEntry is served at / when no pages are configured.
	DefaultEntry = "index.html"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server" yaml:"server"`
	Build       BuildConfig       `mapstructure:"build" yaml:"build"`
	Development DevelopmentConfig `mapstructure:"development" yaml:"development"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
}

type ServerConfig struct {
	Port           int      `mapstructure:"port" yaml:"port"`
	Host           string   `mapstructure:"host" yaml:"host"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	Environment    string   `mapstructure:"environment" yaml:"environment"`
}

type BuildConfig struct {
	CacheDir     string   `mapstructure:"cache_dir" yaml:"cache_dir"`
	CSSFramework bool     `mapstructure:"css_framework" yaml:"css_framework"`
	ExtraPlugins []string `mapstructure:"extra_plugins" yaml:"extra_plugins"`
	// ClearOnStart empties the persistent cache when the server starts.
	// Records written by "pagecache build" only survive a restart when it
	// is off.
	ClearOnStart bool `mapstructure:"clear_on_start" yaml:"clear_on_start"`
	// Pages maps request paths to entry HTML files.
	Pages map[string]string `mapstructure:"pages" yaml:"pages"`
}

type DevelopmentConfig struct {
	// Debounce is the quiet period before a source change rebuilds.
	Debounce time.Duration `mapstructure:"debounce" yaml:"debounce"`
	// IgnoreDirs are extra directory names whose changes never trigger a
	// rebuild.
	IgnoreDirs []string `mapstructure:"ignore_dirs" yaml:"ignore_dirs"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Route is one configured page.
type Route struct {
	Path  string
	Entry string
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.environment", EnvProduction)
	v.SetDefault("server.allowed_origins", []string{"localhost", "127.0.0.1"})
	v.SetDefault("build.cache_dir", ".pagecache")
	v.SetDefault("build.css_framework", false)
	v.SetDefault("build.extra_plugins", []string{})
	v.SetDefault("build.clear_on_start", true)
	v.SetDefault("development.debounce", 100*time.Millisecond)
	v.SetDefault("development.ignore_dirs", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Configure prepares v for Load: defaults, PAGECACHE_ environment binding
// and the config file. file wins over PAGECACHE_CONFIG_FILE, which wins over
// .pagecache.yml in the working directory. A missing default file is not an
// error; a missing explicit file is.
func Configure(v *viper.Viper, file string) error {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.environment", EnvPrefix+"_ENV", EnvPrefix+"_SERVER_ENVIRONMENT"); err != nil {
		return fmt.Errorf("bind environment: %w", err)
	}

	if file == "" {
		file = os.Getenv(EnvPrefix + "_CONFIG_FILE")
	}
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", file, err)
		}
		return nil
	}

	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	v.SetConfigName(DefaultConfigName)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// Load decodes and validates the configuration held by the global viper.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom decodes and validates the configuration held by v. Defaults are
// applied for anything v does not set.
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	config.Server.Environment = strings.ToLower(strings.TrimSpace(config.Server.Environment))
	// Map defaults would be merged key by key into the configured pages.
	if len(config.Build.Pages) == 0 {
		config.Build.Pages = map[string]string{"/": DefaultEntry}
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// IsDevelopment reports whether the server runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == EnvDevelopment
}

// BuildOptions returns the build configuration every page is built with.
func (c *Config) BuildOptions() build.Config {
	return build.Config{
		CSSFramework: c.Build.CSSFramework,
		ExtraPlugins: append([]string(nil), c.Build.ExtraPlugins...),
	}
}

// Routes returns the configured pages sorted by request path.
func (c *Config) Routes() []Route {
	routes := make([]Route, 0, len(c.Build.Pages))
	for path, entry := range c.Build.Pages {
		routes = append(routes, Route{Path: path, Entry: entry})
	}
	sort.Slice(routes, func(i, j int) bool { return routes[i].Path < routes[j].Path })
	return routes
}

// Address returns host:port.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// LoggerConfig translates the log section into a logging configuration.
func (c *Config) LoggerConfig() (*logging.LoggerConfig, error) {
	level, err := logging.ParseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = c.Log.Format
	return lc, nil
}

// Validate checks every section and returns the first problem found.
func (c *Config) Validate() error {
	if err := validateServerConfig(&c.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := validateBuildConfig(&c.Build); err != nil {
		return fmt.Errorf("build config: %w", err)
	}
	if c.Development.Debounce < 0 {
		return fmt.Errorf("development config: debounce must not be negative")
	}
	if err := validateLogConfig(&c.Log); err != nil {
		return fmt.Errorf("log config: %w", err)
	}
	return nil
}

func validateServerConfig(config *ServerConfig) error {
	// Port 0 asks the system for a free port.
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		if i := strings.IndexAny(config.Host, ";&|$`()<>\"'\\ "); i >= 0 {
			return fmt.Errorf("host contains invalid character: %q", config.Host[i])
		}
	}

	switch config.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("environment %q must be %q or %q", config.Environment, EnvDevelopment, EnvProduction)
	}

	for _, origin := range config.AllowedOrigins {
		if strings.TrimSpace(origin) == "" {
			return fmt.Errorf("allowed_origins contains an empty origin")
		}
	}
	return nil
}

func validateBuildConfig(config *BuildConfig) error {
	if config.CacheDir == "" {
		return fmt.Errorf("cache_dir is required")
	}
	if err := validateRelativePath(config.CacheDir); err != nil {
		return fmt.Errorf("cache_dir: %w", err)
	}

	if len(config.Pages) == 0 {
		return fmt.Errorf("at least one page is required")
	}
	for route, entry := range config.Pages {
		if !strings.HasPrefix(route, "/") {
			return fmt.Errorf("page route %q must start with /", route)
		}
		if strings.Contains(route, ".") {
			return fmt.Errorf("page route %q must not contain a dot", route)
		}
		if strings.ContainsAny(route, "{} \t") {
			return fmt.Errorf("page route %q contains invalid characters", route)
		}
		if strings.HasPrefix(route, "/_build") {
			return fmt.Errorf("page route %q collides with the asset path", route)
		}
		if isReservedRoute(route) {
			return fmt.Errorf("page route %q is reserved", route)
		}
		if err := validateRelativePath(entry); err != nil {
			return fmt.Errorf("page %s entry: %w", route, err)
		}
	}

	for _, name := range config.ExtraPlugins {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("extra_plugins contains an empty name")
		}
	}
	return nil
}

// isReservedRoute reports whether route is served by the server itself.
func isReservedRoute(route string) bool {
	switch strings.TrimSuffix(route, "/") {
	case "/health", "/metrics", "/ws", "/api":
		return true
	}
	return strings.HasPrefix(route, "/api/")
}

func validateLogConfig(config *LogConfig) error {
	if _, err := logging.ParseLevel(config.Level); err != nil {
		return err
	}
	switch config.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("format %q must be text or json", config.Format)
	}
}

// validateRelativePath rejects empty, absolute and escaping paths.
func validateRelativePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}
	if filepath.IsAbs(path) {
		return fmt.Errorf("path should be relative: %s", path)
	}
	for _, segment := range strings.FieldsFunc(filepath.ToSlash(path), func(r rune) bool { return r == '/' }) {
		if segment == ".." {
			return fmt.Errorf("path contains traversal: %s", path)
		}
	}
	return nil
}
