package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opd-ai/communic8/limits"
	"github.com/opd-ai/communic8/noise"
	"github.com/opd-ai/communic8/protocol"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, ":8125", cfg.ListenAddr)
	assert.Equal(t, protocol.DefaultResponseTimeout, cfg.ResponseTimeout)
	assert.Equal(t, int64(limits.DefaultBlockSize), cfg.BlockSize)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv(EnvListen, "127.0.0.1:9000")
	t.Setenv(EnvDiscovery, ":9001")
	t.Setenv(EnvResponseTimeout, "2500")
	t.Setenv(EnvQueueSize, "64")
	t.Setenv(EnvBlockSize, "1024")
	t.Setenv(EnvStallTimeout, "0")
	t.Setenv(EnvKeepPartial, "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Equal(t, ":9001", cfg.DiscoveryAddr)
	assert.Equal(t, 2500*time.Millisecond, cfg.ResponseTimeout)
	assert.Equal(t, 64, cfg.QueueSize)
	assert.Equal(t, int64(1024), cfg.BlockSize)
	assert.Zero(t, cfg.StallTimeout)
	assert.Negative(t, cfg.PeerStallTimeout())
	assert.True(t, cfg.KeepPartial)
}

func TestInvalidOverridesKeepDefaults(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
	}{
		{"timeout not a number", EnvResponseTimeout, "soon"},
		{"timeout too small", EnvResponseTimeout, "5"},
		{"timeout too large", EnvResponseTimeout, "600001"},
		{"queue size zero", EnvQueueSize, "0"},
		{"queue size not a number", EnvQueueSize, "lots"},
		{"block size zero", EnvBlockSize, "0"},
		{"block size negative", EnvBlockSize, "-8"},
		{"stall timeout negative", EnvStallTimeout, "-1"},
		{"keep partial not a bool", EnvKeepPartial, "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.env, tt.value)
			cfg, err := Load()
			require.NoError(t, err)
			assert.Equal(t, Default(), cfg)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "communic8.env")
	require.NoError(t, os.WriteFile(path, []byte("COMMUNIC8_SERVER=chat.example.org:8125\nCOMMUNIC8_DOWNLOAD_DIR=/tmp/incoming\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv(EnvServer)
		os.Unsetenv(EnvDownloadDir)
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "chat.example.org:8125", cfg.ServerAddr)
	assert.Equal(t, "/tmp/incoming", cfg.DownloadDir)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "communic8.env")
	require.NoError(t, os.WriteFile(path, []byte("COMMUNIC8_LISTEN=:1111\n"), 0o600))
	t.Setenv(EnvListen, ":2222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":2222", cfg.ListenAddr)
}

func TestTransportOptions(t *testing.T) {
	cfg := Default()
	opts, err := cfg.TransportOptions()
	require.NoError(t, err)
	assert.Nil(t, opts.NoiseKey)
	assert.Nil(t, opts.Proxy)

	key, err := noise.GenerateKey()
	require.NoError(t, err)
	cfg.NoiseKey = key.String()
	cfg.Proxy = "socks5://127.0.0.1:9050"
	opts, err = cfg.TransportOptions()
	require.NoError(t, err)
	require.NotNil(t, opts.NoiseKey)
	assert.Equal(t, key.Public, opts.NoiseKey.Public)
	require.NotNil(t, opts.Proxy)
	assert.Equal(t, uint16(9050), opts.Proxy.Port)

	cfg.NoiseKey = "abc"
	_, err = cfg.TransportOptions()
	assert.ErrorContains(t, err, EnvNoiseKey)

	cfg.NoiseKey = ""
	cfg.Proxy = "gopher://x:70"
	_, err = cfg.TransportOptions()
	assert.ErrorContains(t, err, EnvProxy)
}

func TestConfigureLogging(t *testing.T) {
	defer logrus.SetLevel(logrus.GetLevel())
	defer logrus.SetFormatter(logrus.StandardLogger().Formatter)

	cfg := Default()
	cfg.LogLevel = "debug"
	cfg.LogFormat = "json"
	require.NoError(t, cfg.ConfigureLogging())
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logrus.StandardLogger().Formatter)

	cfg.LogLevel = "loud"
	assert.Error(t, cfg.ConfigureLogging())

	cfg.LogLevel = "info"
	cfg.LogFormat = "xml"
	assert.Error(t, cfg.ConfigureLogging())
}
