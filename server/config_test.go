package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"gotest.tools/v3/assert"
)

func envFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()

	assert.NilError(t, cfg.Validate())
	assert.Equal(t, cfg.DownloadDefaultSize, int64(10*1024*1024))
	assert.Equal(t, cfg.ChunkSize, 1024*1024)
	assert.Equal(t, cfg.LatencyMode, LatencyModeStatic)
	assert.Assert(t, !cfg.TLSEnabled())
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netspeed.yaml")
	assert.NilError(t, os.WriteFile(path, []byte(`
port: 9000
chunk_size: 8192
download_default_size: 163840000
download_max_size: 0
icmp_timeout: 500ms
allowed_domains:
  - speed.example.com
log_format: json
`), 0o600))

	cfg, err := LoadConfig(path, envFrom(map[string]string{
		"NETSPEED_PORT": "9443",
		"SSL_CERT_FILE": "/etc/tls/cert.pem",
		"SSL_KEY_FILE":  "/etc/tls/key.pem",
	}))

	assert.NilError(t, err)
	assert.Equal(t, cfg.Port, 9443)
	assert.Equal(t, cfg.ChunkSize, 8192)
	assert.Equal(t, cfg.DownloadDefaultSize, int64(163840000))
	assert.Equal(t, cfg.DownloadMaxSize, int64(0))
	assert.Equal(t, cfg.ICMPTimeout, 500*time.Millisecond)
	assert.DeepEqual(t, cfg.AllowedDomains, []string{"speed.example.com"})
	assert.Equal(t, cfg.LogFormat, LogFormatJSON)
	assert.Equal(t, cfg.TLSCertFile, "/etc/tls/cert.pem")
	assert.Assert(t, cfg.TLSEnabled())
	assert.NilError(t, cfg.Validate())
}

func TestLoadConfig_PrefixedEnvWinsOverLegacy(t *testing.T) {
	cfg, err := LoadConfig("", envFrom(map[string]string{
		"NETSPEED_TLS_CERT_FILE":   "/new/cert.pem",
		"SSL_CERT_FILE":            "/old/cert.pem",
		"DOMAINS":                  "a.example.com, b.example.com,,",
		"NETSPEED_ALLOWED_DOMAINS": "",
		"NETSPEED_WRITE_TIMEOUT":   "90s",
	}))

	assert.NilError(t, err)
	assert.Equal(t, cfg.TLSCertFile, "/new/cert.pem")
	assert.DeepEqual(t, cfg.AllowedDomains, []string{"a.example.com", "b.example.com"})
	assert.Equal(t, cfg.WriteTimeout, 90*time.Second)
}

func TestLoadConfig_InvalidEnv(t *testing.T) {
	for key, value := range map[string]string{
		"NETSPEED_PORT":              "https",
		"NETSPEED_DOWNLOAD_MAX_SIZE": "1GB",
		"NETSPEED_ICMP_TIMEOUT":      "2",
	} {
		_, err := LoadConfig("", envFrom(map[string]string{key: value}))
		assert.Assert(t, errors.Is(err, ErrInvalidConfig), "%s=%s: %v", key, value, err)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), envFrom(nil))

	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyFlags_OnlyChangedFlags(t *testing.T) {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flagged := RegisterFlags(fs)
	assert.NilError(t, fs.Parse([]string{"--port", "8443", "--allowed-domain", "x.example.com", "--latency-mode", "icmp"}))

	cfg := DefaultConfig()
	cfg.ChunkSize = 4096
	ApplyFlags(fs, flagged, &cfg)

	assert.Equal(t, cfg.Port, 8443)
	assert.DeepEqual(t, cfg.AllowedDomains, []string{"x.example.com"})
	assert.Equal(t, cfg.LatencyMode, LatencyModeICMP)
	// not given on the command line, so the earlier value stays
	assert.Equal(t, cfg.ChunkSize, 4096)
}

func TestValidate_Rejects(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"port":                 func(c *Config) { c.Port = 70000 },
		"cert without key":     func(c *Config) { c.TLSCertFile = "cert.pem" },
		"redirect without tls": func(c *Config) { c.RedirectPort = 80 },
		"redirect on same port": func(c *Config) {
			c.TLSCertFile, c.TLSKeyFile = "cert.pem", "key.pem"
			c.RedirectPort = c.Port
		},
		"chunk size":        func(c *Config) { c.ChunkSize = 0 },
		"negative size":     func(c *Config) { c.UploadMaxSize = -1 },
		"default above max": func(c *Config) { c.DownloadMaxSize = c.DownloadDefaultSize - 1 },
		"latency mode":      func(c *Config) { c.LatencyMode = "udp" },
		"icmp timeout": func(c *Config) {
			c.LatencyMode = LatencyModeICMP
			c.ICMPTimeout = 0
		},
		"timeout":      func(c *Config) { c.IdleTimeout = -time.Second },
		"limit":        func(c *Config) { c.WriteLimit = -1 },
		"metrics path": func(c *Config) { c.MetricsPath = "metrics" },
		"log format":   func(c *Config) { c.LogFormat = "xml" },
	} {
		cfg := DefaultConfig()
		mutate(&cfg)

		assert.Assert(t, errors.Is(cfg.Validate(), ErrInvalidConfig), name)
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, ParseLevel("DEBUG").String(), "DEBUG")
	assert.Equal(t, ParseLevel(" warning ").String(), "WARN")
	assert.Equal(t, ParseLevel("fatal").String(), "ERROR")
	assert.Equal(t, ParseLevel("verbose").String(), "INFO")
}
