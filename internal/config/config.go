package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MatchType defines how a path pattern is interpreted.
type MatchType string

const (
	// MatchTypeExact matches the path exactly.
	MatchTypeExact MatchType = "Exact"
	// MatchTypePrefix matches the pattern itself and any path below it.
	MatchTypePrefix MatchType = "Prefix"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

const (
	DefaultAddress                 = "127.0.0.1:8080"
	DefaultGracefulShutdownTimeout = 30 * time.Second

	// HandlerTypeStaticFileServer is the handler_type of routes served by the
	// static file server.
	HandlerTypeStaticFileServer = "StaticFileServer"
)

// Config is the top-level configuration structure for the server.
type Config struct {
	Server  *ServerConfig  `json:"server,omitempty" toml:"server,omitempty"`
	Routing *RoutingConfig `json:"routing,omitempty" toml:"routing,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`

	// OriginalFilePath is the absolute path of the file the config was loaded
	// from. Empty for programmatically built configs.
	OriginalFilePath string `json:"-" toml:"-"`
}

// ServerConfig holds general server settings.
type ServerConfig struct {
	Address                 *string   `json:"address,omitempty" toml:"address,omitempty"`
	GracefulShutdownTimeout *Duration `json:"graceful_shutdown_timeout,omitempty" toml:"graceful_shutdown_timeout,omitempty"` // e.g., "30s"
}

// RoutingConfig contains the list of routes.
type RoutingConfig struct {
	Routes []Route `json:"routes,omitempty" toml:"routes,omitempty"`
}

// Route defines a single routing rule. PathPattern doubles as the mount
// prefix handed to the handler.
type Route struct {
	PathPattern   string          `json:"path_pattern" toml:"path_pattern"`
	MatchType     MatchType       `json:"match_type" toml:"match_type"`
	HandlerType   string          `json:"handler_type" toml:"handler_type"`
	HandlerConfig json.RawMessage `json:"handler_config,omitempty" toml:"-"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel  LogLevel         `json:"log_level,omitempty" toml:"log_level,omitempty"`
	AccessLog *AccessLogConfig `json:"access_log,omitempty" toml:"access_log,omitempty"`
	ErrorLog  *ErrorLogConfig  `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// AccessLogConfig configures access logging.
type AccessLogConfig struct {
	Enabled        *bool    `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target         *string  `json:"target,omitempty" toml:"target,omitempty"`
	Format         string   `json:"format,omitempty" toml:"format,omitempty"`
	TrustedProxies []string `json:"trusted_proxies,omitempty" toml:"trusted_proxies,omitempty"`
	RealIPHeader   *string  `json:"real_ip_header,omitempty" toml:"real_ip_header,omitempty"`
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target *string `json:"target,omitempty" toml:"target,omitempty"`
}

// StaticFileServerConfig is the HandlerConfig for "StaticFileServer" routes.
// It is unmarshalled from Route.HandlerConfig.
type StaticFileServerConfig struct {
	DocumentRoot          string `json:"document_root" toml:"document_root"`
	ServeDirectoryListing *bool  `json:"serve_directory_listing,omitempty" toml:"serve_directory_listing,omitempty"`
}

// Duration is a time.Duration that unmarshals from strings such as "10s".
type Duration struct {
	time.Duration
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration string cannot be empty")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be positive, got %q", s)
	}
	return d, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration should be a string, got %s", string(b))
	}
	parsed, err := parseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalText implements encoding.TextUnmarshaler, used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// IsFilePath reports whether a log target names a file rather than a standard stream.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration file at
// filePath. The format is taken from the extension (.json, .toml); any other
// extension is auto-detected by trying JSON first and TOML second.
func LoadConfig(filePath string) (*Config, error) {
	if filePath == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", filePath, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("configuration file %s is empty", filePath)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".json":
		if err := decodeJSON(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON configuration file %s: %w", filePath, err)
		}
	case ".toml":
		if err := decodeTOML(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML configuration file %s: %w", filePath, err)
		}
	default:
		jsonErr := decodeJSON(data, &cfg)
		if jsonErr != nil {
			cfg = Config{}
			if tomlErr := decodeTOML(data, &cfg); tomlErr != nil {
				return nil, fmt.Errorf("failed to auto-detect configuration format for %s (JSON error: %v; TOML error: %v)", filePath, jsonErr, tomlErr)
			}
		}
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path of configuration file %s: %w", filePath, err)
	}
	cfg.OriginalFilePath = absPath

	ApplyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", filePath, err)
	}
	return &cfg, nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// decodeTOML decodes into a generic tree and re-encodes it as JSON, so the
// json tags govern both formats and handler_config survives as raw JSON.
func decodeTOML(data []byte, cfg *Config) error {
	var tree map[string]interface{}
	if _, err := toml.Decode(string(data), &tree); err != nil {
		return err
	}
	asJSON, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("failed to convert TOML document: %w", err)
	}
	return decodeJSON(asJSON, cfg)
}

// ApplyDefaults fills in every optional setting left unset.
func ApplyDefaults(cfg *Config) {
	if cfg.Server == nil {
		cfg.Server = &ServerConfig{}
	}
	if cfg.Server.Address == nil {
		addr := DefaultAddress
		cfg.Server.Address = &addr
	}
	if cfg.Server.GracefulShutdownTimeout == nil {
		cfg.Server.GracefulShutdownTimeout = &Duration{DefaultGracefulShutdownTimeout}
	}

	if cfg.Routing == nil {
		cfg.Routing = &RoutingConfig{}
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	if cfg.Logging.LogLevel == "" {
		cfg.Logging.LogLevel = LogLevelInfo
	}
	if cfg.Logging.AccessLog == nil {
		cfg.Logging.AccessLog = &AccessLogConfig{}
	}
	al := cfg.Logging.AccessLog
	if al.Enabled == nil {
		enabled := true
		al.Enabled = &enabled
	}
	if al.Target == nil {
		target := "stdout"
		al.Target = &target
	}
	if al.Format == "" {
		al.Format = "json"
	}
	if cfg.Logging.ErrorLog == nil {
		cfg.Logging.ErrorLog = &ErrorLogConfig{}
	}
	if cfg.Logging.ErrorLog.Target == nil {
		target := "stderr"
		cfg.Logging.ErrorLog.Target = &target
	}
}

// Validate checks a defaulted configuration for semantic errors.
func Validate(cfg *Config) error {
	if cfg.Server == nil || cfg.Server.Address == nil || strings.TrimSpace(*cfg.Server.Address) == "" {
		return fmt.Errorf("server.address must not be empty")
	}

	if cfg.Routing != nil {
		seen := make(map[string]bool)
		for i, route := range cfg.Routing.Routes {
			if !strings.HasPrefix(route.PathPattern, "/") {
				return fmt.Errorf("routing.routes[%d]: path_pattern %q must start with '/'", i, route.PathPattern)
			}
			switch route.MatchType {
			case MatchTypeExact, MatchTypePrefix:
			default:
				return fmt.Errorf("routing.routes[%d]: match_type %q must be %q or %q", i, route.MatchType, MatchTypeExact, MatchTypePrefix)
			}
			if route.HandlerType == "" {
				return fmt.Errorf("routing.routes[%d]: handler_type must not be empty", i)
			}
			key := string(route.MatchType) + " " + route.PathPattern
			if seen[key] {
				return fmt.Errorf("routing.routes[%d]: duplicate route %s %s", i, route.MatchType, route.PathPattern)
			}
			seen[key] = true
		}
	}

	if cfg.Logging != nil {
		switch cfg.Logging.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fmt.Errorf("logging.log_level %q is invalid (DEBUG|INFO|WARNING|ERROR)", cfg.Logging.LogLevel)
		}
		if al := cfg.Logging.AccessLog; al != nil {
			if al.Target != nil {
				if err := validateLogTarget("logging.access_log.target", *al.Target); err != nil {
					return err
				}
			}
			if al.Format != "json" {
				return fmt.Errorf("logging.access_log.format %q is invalid (json)", al.Format)
			}
			for _, p := range al.TrustedProxies {
				if strings.Contains(p, "/") {
					if _, _, err := net.ParseCIDR(p); err != nil {
						return fmt.Errorf("logging.access_log.trusted_proxies: invalid CIDR %q: %w", p, err)
					}
				} else if net.ParseIP(p) == nil {
					return fmt.Errorf("logging.access_log.trusted_proxies: invalid IP %q", p)
				}
			}
		}
		if el := cfg.Logging.ErrorLog; el != nil && el.Target != nil {
			if err := validateLogTarget("logging.error_log.target", *el.Target); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateLogTarget(field, target string) error {
	if !IsFilePath(target) {
		return nil
	}
	if target == "" {
		return fmt.Errorf("%s must not be empty", field)
	}
	if !filepath.IsAbs(target) {
		return fmt.Errorf("%s %q must be stdout, stderr or an absolute file path", field, target)
	}
	return nil
}

// ParseAndValidateStaticFileServerConfig decodes a StaticFileServer
// handler_config. A relative document_root is resolved against the directory
// of mainConfigFilePath, or the working directory when that is empty. The
// root must exist and be a directory.
func ParseAndValidateStaticFileServerConfig(raw json.RawMessage, mainConfigFilePath string) (*StaticFileServerConfig, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("handler_config is required for %s", HandlerTypeStaticFileServer)
	}

	var sfs StaticFileServerConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&sfs); err != nil {
		return nil, fmt.Errorf("failed to parse %s handler_config: %w", HandlerTypeStaticFileServer, err)
	}

	if sfs.DocumentRoot == "" {
		return nil, fmt.Errorf("document_root is required")
	}
	if !filepath.IsAbs(sfs.DocumentRoot) {
		if mainConfigFilePath != "" {
			sfs.DocumentRoot = filepath.Join(filepath.Dir(mainConfigFilePath), sfs.DocumentRoot)
		} else {
			abs, err := filepath.Abs(sfs.DocumentRoot)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve document_root %q: %w", sfs.DocumentRoot, err)
			}
			sfs.DocumentRoot = abs
		}
	}

	info, err := os.Stat(sfs.DocumentRoot)
	if err != nil {
		return nil, fmt.Errorf("document_root %q is not accessible: %w", sfs.DocumentRoot, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("document_root %q is not a directory", sfs.DocumentRoot)
	}

	if sfs.ServeDirectoryListing == nil {
		listing := true
		sfs.ServeDirectoryListing = &listing
	}
	return &sfs, nil
}
