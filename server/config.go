package server

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/makotom/netspeed/chunk"
)

const (
	LatencyModeStatic = "static"
	LatencyModeICMP   = "icmp"

	LogFormatText = "text"
	LogFormatJSON = "json"

	envPrefix = "NETSPEED_"
)

var ErrInvalidConfig = errors.New("invalid configuration")

// Config is populated once at startup: defaults, then the YAML file, then
// the environment, then command-line flags. Validate must pass before any
// socket is bound.
type Config struct {
	Host           string   `yaml:"host"`
	Port           int      `yaml:"port"`
	TLSCertFile    string   `yaml:"tls_cert_file"`
	TLSKeyFile     string   `yaml:"tls_key_file"`
	RedirectPort   int      `yaml:"redirect_port"`
	AllowedDomains []string `yaml:"allowed_domains"`

	DownloadDefaultSize int64 `yaml:"download_default_size"`
	DownloadMaxSize     int64 `yaml:"download_max_size"`
	ChunkSize           int   `yaml:"chunk_size"`
	UploadMaxSize       int64 `yaml:"upload_max_size"`

	LatencyMode string        `yaml:"latency_mode"`
	ICMPTimeout time.Duration `yaml:"icmp_timeout"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`

	// bytes per second per connection, 0 for no limit
	ReadLimit  int64 `yaml:"read_limit"`
	WriteLimit int64 `yaml:"write_limit"`

	MetricsPath string `yaml:"metrics_path"`
	StaticDir   string `yaml:"static_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func DefaultConfig() Config {
	return Config{
		Host:                "0.0.0.0",
		Port:                8080,
		DownloadDefaultSize: 10 * 1024 * 1024,   // 10 MiB
		DownloadMaxSize:     1024 * 1024 * 1024, // 1 GiB
		ChunkSize:           chunk.DefaultSize,
		LatencyMode:         LatencyModeStatic,
		ICMPTimeout:         2 * time.Second,
		IdleTimeout:         120 * time.Second,
		MetricsPath:         "/metrics",
		LogLevel:            "info",
		LogFormat:           LogFormatText,
	}
}

func (c Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// LoadConfig applies the YAML file at path (if any) and then the environment on top of the defaults.
func LoadConfig(path string, lookupEnv func(string) (string, bool)) (Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, errors.Wrap(err, "could not read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "could not parse config file %s", path)
		}
	}

	if lookupEnv == nil {
		lookupEnv = os.LookupEnv
	}
	if err := cfg.applyEnv(lookupEnv); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func splitList(value string) []string {
	ret := []string{}

	for _, element := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(element); trimmed != "" {
			ret = append(ret, trimmed)
		}
	}

	return ret
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) error {
	lookup := func(keys ...string) (string, string, bool) {
		for _, key := range keys {
			if value, ok := lookupEnv(key); ok && value != "" {
				return key, value, true
			}
		}
		return "", "", false
	}

	stringFields := map[*string][]string{
		&c.Host:        {envPrefix + "HOST"},
		&c.TLSCertFile: {envPrefix + "TLS_CERT_FILE", "SSL_CERT_FILE"},
		&c.TLSKeyFile:  {envPrefix + "TLS_KEY_FILE", "SSL_KEY_FILE"},
		&c.LatencyMode: {envPrefix + "LATENCY_MODE"},
		&c.MetricsPath: {envPrefix + "METRICS_PATH"},
		&c.StaticDir:   {envPrefix + "STATIC_DIR"},
		&c.LogLevel:    {envPrefix + "LOG_LEVEL"},
		&c.LogFormat:   {envPrefix + "LOG_FORMAT"},
	}
	for dst, keys := range stringFields {
		if _, value, ok := lookup(keys...); ok {
			*dst = value
		}
	}

	intFields := map[*int]string{
		&c.Port:         envPrefix + "PORT",
		&c.RedirectPort: envPrefix + "REDIRECT_PORT",
		&c.ChunkSize:    envPrefix + "CHUNK_SIZE",
	}
	for dst, key := range intFields {
		if _, value, ok := lookup(key); ok {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				return errors.Wrapf(ErrInvalidConfig, "%s: %v", key, err)
			}
			*dst = parsed
		}
	}

	int64Fields := map[*int64]string{
		&c.DownloadDefaultSize: envPrefix + "DOWNLOAD_DEFAULT_SIZE",
		&c.DownloadMaxSize:     envPrefix + "DOWNLOAD_MAX_SIZE",
		&c.UploadMaxSize:       envPrefix + "UPLOAD_MAX_SIZE",
		&c.ReadLimit:           envPrefix + "READ_LIMIT",
		&c.WriteLimit:          envPrefix + "WRITE_LIMIT",
	}
	for dst, key := range int64Fields {
		if _, value, ok := lookup(key); ok {
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return errors.Wrapf(ErrInvalidConfig, "%s: %v", key, err)
			}
			*dst = parsed
		}
	}

	durationFields := map[*time.Duration]string{
		&c.ICMPTimeout:  envPrefix + "ICMP_TIMEOUT",
		&c.ReadTimeout:  envPrefix + "READ_TIMEOUT",
		&c.WriteTimeout: envPrefix + "WRITE_TIMEOUT",
		&c.IdleTimeout:  envPrefix + "IDLE_TIMEOUT",
	}
	for dst, key := range durationFields {
		if _, value, ok := lookup(key); ok {
			parsed, err := time.ParseDuration(value)
			if err != nil {
				return errors.Wrapf(ErrInvalidConfig, "%s: %v", key, err)
			}
			*dst = parsed
		}
	}

	if _, value, ok := lookup(envPrefix+"ALLOWED_DOMAINS", "DOMAINS"); ok {
		c.AllowedDomains = splitList(value)
	}

	return nil
}

// RegisterFlags binds a flag for every Config field to a scratch Config
// seeded with the defaults. ApplyFlags later copies only the flags the user set.
func RegisterFlags(fs *pflag.FlagSet) *Config {
	v := DefaultConfig()

	fs.StringVar(&v.Host, "host", v.Host, "Address to listen on")
	fs.IntVarP(&v.Port, "port", "p", v.Port, "Port to listen on")
	fs.StringVar(&v.TLSCertFile, "tls-cert", v.TLSCertFile, "TLS certificate file; enables HTTPS together with --tls-key")
	fs.StringVar(&v.TLSKeyFile, "tls-key", v.TLSKeyFile, "TLS private key file")
	fs.IntVar(&v.RedirectPort, "redirect-port", v.RedirectPort, "Plain HTTP port redirecting to HTTPS, 0 to disable")
	fs.StringSliceVar(&v.AllowedDomains, "allowed-domain", v.AllowedDomains, "Host names accepted by the server, repeatable; empty accepts any")
	fs.Int64Var(&v.DownloadDefaultSize, "download-default-size", v.DownloadDefaultSize, "Download size in bytes when the request names none")
	fs.Int64Var(&v.DownloadMaxSize, "download-max-size", v.DownloadMaxSize, "Largest download size in bytes, 0 for no limit")
	fs.IntVar(&v.ChunkSize, "chunk-size", v.ChunkSize, "Chunk size in bytes for download generation and upload reads")
	fs.Int64Var(&v.UploadMaxSize, "upload-max-size", v.UploadMaxSize, "Largest accepted upload in bytes, 0 for no limit")
	fs.StringVar(&v.LatencyMode, "latency-mode", v.LatencyMode, "How /ping answers: static or icmp")
	fs.DurationVar(&v.ICMPTimeout, "icmp-timeout", v.ICMPTimeout, "Echo reply timeout in icmp latency mode")
	fs.DurationVar(&v.ReadTimeout, "read-timeout", v.ReadTimeout, "HTTP read timeout, 0 for none")
	fs.DurationVar(&v.WriteTimeout, "write-timeout", v.WriteTimeout, "HTTP write timeout, 0 for none")
	fs.DurationVar(&v.IdleTimeout, "idle-timeout", v.IdleTimeout, "HTTP keep-alive idle timeout")
	fs.Int64Var(&v.ReadLimit, "read-limit", v.ReadLimit, "Per-connection read limit in bytes per second, 0 for none")
	fs.Int64Var(&v.WriteLimit, "write-limit", v.WriteLimit, "Per-connection write limit in bytes per second, 0 for none")
	fs.StringVar(&v.MetricsPath, "metrics-path", v.MetricsPath, "Path of the Prometheus endpoint, empty to disable")
	fs.StringVar(&v.StaticDir, "static-dir", v.StaticDir, "Directory served at / for a browser front-end")
	fs.StringVar(&v.LogLevel, "log-level", v.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&v.LogFormat, "log-format", v.LogFormat, "Log format (text, json)")

	return &v
}

var flagCopiers = map[string]func(dst, src *Config){
	"host":                  func(dst, src *Config) { dst.Host = src.Host },
	"port":                  func(dst, src *Config) { dst.Port = src.Port },
	"tls-cert":              func(dst, src *Config) { dst.TLSCertFile = src.TLSCertFile },
	"tls-key":               func(dst, src *Config) { dst.TLSKeyFile = src.TLSKeyFile },
	"redirect-port":         func(dst, src *Config) { dst.RedirectPort = src.RedirectPort },
	"allowed-domain":        func(dst, src *Config) { dst.AllowedDomains = src.AllowedDomains },
	"download-default-size": func(dst, src *Config) { dst.DownloadDefaultSize = src.DownloadDefaultSize },
	"download-max-size":     func(dst, src *Config) { dst.DownloadMaxSize = src.DownloadMaxSize },
	"chunk-size":            func(dst, src *Config) { dst.ChunkSize = src.ChunkSize },
	"upload-max-size":       func(dst, src *Config) { dst.UploadMaxSize = src.UploadMaxSize },
	"latency-mode":          func(dst, src *Config) { dst.LatencyMode = src.LatencyMode },
	"icmp-timeout":          func(dst, src *Config) { dst.ICMPTimeout = src.ICMPTimeout },
	"read-timeout":          func(dst, src *Config) { dst.ReadTimeout = src.ReadTimeout },
	"write-timeout":         func(dst, src *Config) { dst.WriteTimeout = src.WriteTimeout },
	"idle-timeout":          func(dst, src *Config) { dst.IdleTimeout = src.IdleTimeout },
	"read-limit":            func(dst, src *Config) { dst.ReadLimit = src.ReadLimit },
	"write-limit":           func(dst, src *Config) { dst.WriteLimit = src.WriteLimit },
	"metrics-path":          func(dst, src *Config) { dst.MetricsPath = src.MetricsPath },
	"static-dir":            func(dst, src *Config) { dst.StaticDir = src.StaticDir },
	"log-level":             func(dst, src *Config) { dst.LogLevel = src.LogLevel },
	"log-format":            func(dst, src *Config) { dst.LogFormat = src.LogFormat },
}

func ApplyFlags(fs *pflag.FlagSet, flagged *Config, cfg *Config) {
	fs.Visit(func(flag *pflag.Flag) {
		if copier, ok := flagCopiers[flag.Name]; ok {
			copier(cfg, flagged)
		}
	})
}

func invalid(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidConfig, format, args...)
}

func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return invalid("port %d out of range", c.Port)
	}
	if c.RedirectPort < 0 || c.RedirectPort > 65535 {
		return invalid("redirect port %d out of range", c.RedirectPort)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return invalid("TLS certificate and key must be given together")
	}
	if c.RedirectPort > 0 {
		if !c.TLSEnabled() {
			return invalid("HTTPS redirect requires TLS")
		}
		if c.RedirectPort == c.Port {
			return invalid("redirect port must differ from port %d", c.Port)
		}
	}
	if c.ChunkSize <= 0 {
		return invalid("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.DownloadDefaultSize < 0 || c.DownloadMaxSize < 0 || c.UploadMaxSize < 0 {
		return invalid("sizes must not be negative")
	}
	if c.DownloadMaxSize > 0 && c.DownloadDefaultSize > c.DownloadMaxSize {
		return invalid("default download size %d exceeds maximum %d", c.DownloadDefaultSize, c.DownloadMaxSize)
	}
	switch c.LatencyMode {
	case LatencyModeStatic:
	case LatencyModeICMP:
		if c.ICMPTimeout <= 0 {
			return invalid("icmp timeout must be positive, got %v", c.ICMPTimeout)
		}
	default:
		return invalid("unknown latency mode %q", c.LatencyMode)
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.IdleTimeout < 0 {
		return invalid("timeouts must not be negative")
	}
	if c.ReadLimit < 0 || c.WriteLimit < 0 {
		return invalid("bandwidth limits must not be negative")
	}
	if c.MetricsPath != "" && !strings.HasPrefix(c.MetricsPath, "/") {
		return invalid("metrics path %q must start with /", c.MetricsPath)
	}
	switch c.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return invalid("unknown log format %q", c.LogFormat)
	}

	return nil
}
