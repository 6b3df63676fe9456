package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, logrus.InfoLevel, cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.ScanTimeout)
	assert.Equal(t, 30*time.Second, cfg.DeviceTimeout)
	assert.Equal(t, "table", cfg.OutputFormat)

	assert.Equal(t, 45*time.Millisecond, cfg.Simulation.ConnectionInterval)
	assert.Equal(t, 4*time.Second, cfg.Simulation.SupervisionTimeout)
	assert.Equal(t, 15, cfg.Simulation.RSSIDeviation)
	assert.Equal(t, 20, cfg.Simulation.WriteCredits)
	assert.Equal(t, 23, cfg.Simulation.DefaultMTU)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel logrus.Level
	}{
		{
			name:     "creates logger with debug level",
			logLevel: logrus.DebugLevel,
		},
		{
			name:     "creates logger with warn level",
			logLevel: logrus.WarnLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.logLevel, logger.GetLevel())

			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
log_level: debug
output_format: json
simulation:
  connection_interval: 30ms
  supervision_timeout: 1s
  seed: 7
`))
	require.NoError(t, err)

	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.Equal(t, "json", cfg.OutputFormat)
	assert.Equal(t, 30*time.Millisecond, cfg.Simulation.ConnectionInterval)
	assert.Equal(t, time.Second, cfg.Simulation.SupervisionTimeout)
	assert.Equal(t, uint64(7), cfg.Simulation.Seed)
	assert.Equal(t, 20, cfg.Simulation.WriteCredits, "unset fields MUST keep defaults")
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad level", "log_level: loud", "invalid log_level"},
		{"mtu too small", "simulation:\n  default_mtu: 10", "default_mtu"},
		{"no credits", "simulation:\n  write_credits: 0", "write_credits"},
		{"malformed", "simulation: [", "failed to parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blesim.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scan_timeout: 2s\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.ScanTimeout)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
