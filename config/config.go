package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/opd-ai/communic8/limits"
	"github.com/opd-ai/communic8/noise"
	"github.com/opd-ai/communic8/protocol"
	"github.com/opd-ai/communic8/transport"
	"github.com/sirupsen/logrus"
)

// Validation constants for configuration bounds checking.
const (
	// MinResponseTimeout is the minimum allowed response timeout in milliseconds.
	MinResponseTimeout = 100
	// MaxResponseTimeout is the maximum allowed response timeout in milliseconds (10 minutes).
	MaxResponseTimeout = 600000
	// MinQueueSize is the minimum allowed outbound queue size.
	MinQueueSize = 1
	// MaxQueueSize is the maximum allowed outbound queue size.
	MaxQueueSize = 65536
	// MaxStallTimeout is the maximum allowed stall timeout in milliseconds (1 hour).
	// Zero disables stall detection.
	MaxStallTimeout = 3600000
)

// Environment variables read by Load.
const (
	EnvListen          = "COMMUNIC8_LISTEN"
	EnvServer          = "COMMUNIC8_SERVER"
	EnvDiscovery       = "COMMUNIC8_DISCOVERY"
	EnvMetrics         = "COMMUNIC8_METRICS"
	EnvResponseTimeout = "COMMUNIC8_RESPONSE_TIMEOUT_MS"
	EnvQueueSize       = "COMMUNIC8_QUEUE_SIZE"
	EnvBlockSize       = "COMMUNIC8_BLOCK_SIZE"
	EnvStallTimeout    = "COMMUNIC8_STALL_TIMEOUT_MS"
	EnvDownloadDir     = "COMMUNIC8_DOWNLOAD_DIR"
	EnvKeepPartial     = "COMMUNIC8_KEEP_PARTIAL"
	EnvNoiseKey        = "COMMUNIC8_NOISE_KEY"
	EnvProxy           = "COMMUNIC8_PROXY"
	EnvLogLevel        = "COMMUNIC8_LOG_LEVEL"
	EnvLogFormat       = "COMMUNIC8_LOG_FORMAT"
)

// DefaultEnvFile is loaded by Load when no file is named and it exists.
const DefaultEnvFile = ".env"

// Config holds the settings shared by the server and client commands.
type Config struct {
	ListenAddr      string
	ServerAddr      string
	DiscoveryAddr   string // empty disables discovery
	MetricsAddr     string // empty disables the metrics endpoint
	ResponseTimeout time.Duration
	QueueSize       int
	BlockSize       int64
	StallTimeout    time.Duration // zero disables stall detection
	DownloadDir     string
	KeepPartial     bool
	NoiseKey        string // hex private key; empty disables Noise
	Proxy           string // proxy URL; empty dials directly
	LogLevel        string
	LogFormat       string
}

// Default returns the configuration used when nothing is overridden.
//
// Default Value Rationale:
//   - ResponseTimeout: 10s - matches the connection default and tolerates slow links
//   - QueueSize: 256 - enough frames to absorb a burst of notifications per connection
//   - BlockSize: 8 KiB - the chunk size peers announce unless configured otherwise
//   - StallTimeout: 30s - long enough for a paused receiver to drain its queue
func Default() *Config {
	return &Config{
		ListenAddr:      fmt.Sprintf(":%d", transport.DefaultPort),
		ServerAddr:      fmt.Sprintf("127.0.0.1:%d", transport.DefaultPort),
		ResponseTimeout: protocol.DefaultResponseTimeout,
		QueueSize:       protocol.DefaultQueueSize,
		BlockSize:       limits.DefaultBlockSize,
		StallTimeout:    30 * time.Second,
		DownloadDir:     ".",
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load reads the named env files (or DefaultEnvFile if present) into the
// environment without overriding variables already set, then applies
// COMMUNIC8_* overrides to the defaults. Unparseable or out of range values
// are logged and ignored.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		if _, err := os.Stat(DefaultEnvFile); err == nil {
			files = []string{DefaultEnvFile}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("stat %s: %w", DefaultEnvFile, err)
		}
	}
	if len(files) > 0 {
		if err := godotenv.Load(files...); err != nil {
			return nil, fmt.Errorf("load env files: %w", err)
		}
	}

	cfg := Default()
	applyEnvironmentOverrides(cfg)
	logConfigurationInfo(cfg)
	return cfg, nil
}

// applyEnvironmentOverrides updates configuration from COMMUNIC8_* variables.
func applyEnvironmentOverrides(cfg *Config) {
	parseStringSetting(EnvListen, &cfg.ListenAddr)
	parseStringSetting(EnvServer, &cfg.ServerAddr)
	parseStringSetting(EnvDiscovery, &cfg.DiscoveryAddr)
	parseStringSetting(EnvMetrics, &cfg.MetricsAddr)
	parseStringSetting(EnvDownloadDir, &cfg.DownloadDir)
	parseStringSetting(EnvNoiseKey, &cfg.NoiseKey)
	parseStringSetting(EnvProxy, &cfg.Proxy)
	parseStringSetting(EnvLogFormat, &cfg.LogFormat)
	parseStringSetting(EnvLogLevel, &cfg.LogLevel)

	parseMillisSetting(EnvResponseTimeout, &cfg.ResponseTimeout, MinResponseTimeout, MaxResponseTimeout)
	parseMillisSetting(EnvStallTimeout, &cfg.StallTimeout, 0, MaxStallTimeout)
	parseQueueSizeSetting(cfg)
	parseBlockSizeSetting(cfg)
	parseKeepPartialSetting(cfg)
}

func parseStringSetting(env string, target *string) {
	if v, ok := os.LookupEnv(env); ok {
		*target = v
	}
}

// parseMillisSetting updates target from a millisecond count in env. It
// validates the value is within [lo, hi] and logs warnings for invalid
// values.
func parseMillisSetting(env string, target *time.Duration, lo, hi int) {
	s := os.Getenv(env)
	if s == "" {
		return
	}
	ms, err := strconv.Atoi(s)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseMillisSetting",
			"env_var":     env,
			"value":       s,
			"error":       err.Error(),
			"using_value": target.String(),
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	if ms < lo || ms > hi {
		logrus.WithFields(logrus.Fields{
			"function":    "parseMillisSetting",
			"env_var":     env,
			"value":       ms,
			"min":         lo,
			"max":         hi,
			"using_value": target.String(),
		}).Warn("Environment variable out of bounds, using default")
		return
	}
	*target = time.Duration(ms) * time.Millisecond
}

// parseQueueSizeSetting updates QueueSize from COMMUNIC8_QUEUE_SIZE.
func parseQueueSizeSetting(cfg *Config) {
	s := os.Getenv(EnvQueueSize)
	if s == "" {
		return
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseQueueSizeSetting",
			"env_var":     EnvQueueSize,
			"value":       s,
			"error":       err.Error(),
			"using_value": cfg.QueueSize,
		}).Warn("Failed to parse COMMUNIC8_QUEUE_SIZE environment variable, using default")
		return
	}
	if n < MinQueueSize || n > MaxQueueSize {
		logrus.WithFields(logrus.Fields{
			"function":    "parseQueueSizeSetting",
			"env_var":     EnvQueueSize,
			"value":       n,
			"min":         MinQueueSize,
			"max":         MaxQueueSize,
			"using_value": cfg.QueueSize,
		}).Warn("COMMUNIC8_QUEUE_SIZE value out of bounds, using default")
		return
	}
	cfg.QueueSize = n
}

// parseBlockSizeSetting updates BlockSize from COMMUNIC8_BLOCK_SIZE.
func parseBlockSizeSetting(cfg *Config) {
	s := os.Getenv(EnvBlockSize)
	if s == "" {
		return
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		err = limits.ValidateBlockSize(n)
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseBlockSizeSetting",
			"env_var":     EnvBlockSize,
			"value":       s,
			"error":       err.Error(),
			"using_value": cfg.BlockSize,
		}).Warn("Invalid COMMUNIC8_BLOCK_SIZE environment variable, using default")
		return
	}
	cfg.BlockSize = n
}

// parseKeepPartialSetting updates KeepPartial from COMMUNIC8_KEEP_PARTIAL.
func parseKeepPartialSetting(cfg *Config) {
	s := os.Getenv(EnvKeepPartial)
	if s == "" {
		return
	}
	keep, err := strconv.ParseBool(s)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "parseKeepPartialSetting",
			"env_var":     EnvKeepPartial,
			"value":       s,
			"error":       err.Error(),
			"using_value": cfg.KeepPartial,
		}).Warn("Failed to parse COMMUNIC8_KEEP_PARTIAL environment variable, using default")
		return
	}
	cfg.KeepPartial = keep
}

func logConfigurationInfo(cfg *Config) {
	logrus.WithFields(logrus.Fields{
		"function":         "Load",
		"listen":           cfg.ListenAddr,
		"server":           cfg.ServerAddr,
		"discovery":        cfg.DiscoveryAddr,
		"metrics":          cfg.MetricsAddr,
		"response_timeout": cfg.ResponseTimeout.String(),
		"queue_size":       cfg.QueueSize,
		"block_size":       cfg.BlockSize,
		"stall_timeout":    cfg.StallTimeout.String(),
		"download_dir":     cfg.DownloadDir,
		"keep_partial":     cfg.KeepPartial,
		"noise":            cfg.NoiseKey != "",
		"proxy":            cfg.Proxy != "",
	}).Debug("Loaded configuration")
}

// TransportOptions resolves the Noise key and proxy settings.
func (c *Config) TransportOptions() (transport.Options, error) {
	opts := transport.Options{DialTimeout: c.ResponseTimeout}
	if c.NoiseKey != "" {
		key, err := noise.ParseKey(c.NoiseKey)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", EnvNoiseKey, err)
		}
		opts.NoiseKey = &key
	}
	if c.Proxy != "" {
		p, err := transport.ParseProxyURL(c.Proxy)
		if err != nil {
			return opts, fmt.Errorf("%s: %w", EnvProxy, err)
		}
		opts.Proxy = p
	}
	return opts, nil
}

// PeerStallTimeout converts StallTimeout to the client convention where a
// negative value disables the check.
func (c *Config) PeerStallTimeout() time.Duration {
	if c.StallTimeout == 0 {
		return -1
	}
	return c.StallTimeout
}

// ConfigureLogging applies LogLevel and LogFormat to the standard logger.
func (c *Config) ConfigureLogging() error {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return fmt.Errorf("%s: %w", EnvLogLevel, err)
	}
	logrus.SetLevel(level)

	switch c.LogFormat {
	case "text", "":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		return fmt.Errorf("%s: unknown log format %q (must be 'text' or 'json')", EnvLogFormat, c.LogFormat)
	}
	return nil
}
