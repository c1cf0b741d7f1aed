package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Service.Addr)
	assert.Equal(t, "X-Webitel-User", cfg.Service.IdentityHeader)
	assert.NotEmpty(t, cfg.Service.InstanceID)
	assert.Equal(t, "memory", cfg.Bus.Driver)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, 3, cfg.Delivery.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Delivery.RetryBackoff)
	assert.Equal(t, 4096, cfg.Router.MaxBodyBytes)
	assert.Equal(t, slog.LevelInfo, cfg.LevelVar.Level())
}

func TestLoadConfig_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  instance_id: node-a
log:
  level: debug
delivery:
  max_retries: 5
  ack_deadline: 3s
ws:
  allowed_origins: ["https://chat.example.com"]
`), 0o600))

	t.Setenv("IM_FANOUT_ROUTER_MAX_BODY_BYTES", "128")

	cfg, err := LoadConfig(path, []string{"--service.addr", ":9999"})
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Service.InstanceID)
	assert.Equal(t, ":9999", cfg.Service.Addr)
	assert.Equal(t, 5, cfg.Delivery.MaxRetries)
	assert.Equal(t, 3*time.Second, cfg.Delivery.AckDeadline)
	assert.Equal(t, 128, cfg.Router.MaxBodyBytes)
	assert.Equal(t, []string{"https://chat.example.com"}, cfg.WS.AllowedOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.LevelVar.Level())
}

func TestLoadConfig_RejectsUnknownDriver(t *testing.T) {
	t.Setenv("IM_FANOUT_BUS_DRIVER", "carrier-pigeon")

	_, err := LoadConfig("", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bus.driver")
}

func TestValidate_RequiresDriverSettings(t *testing.T) {
	cfg := &Config{
		Service:   ServiceConfig{IdentityHeader: "X-Webitel-User"},
		Bus:       BusConfig{Driver: "memory"},
		Storage:   StorageConfig{Driver: "postgres"},
		Presence:  PresenceConfig{Driver: "memory"},
		Delivery:  DeliveryConfig{AckDeadline: time.Second},
		Router:    RouterConfig{MaxBodyBytes: 1},
		Telemetry: TelemetryConfig{Exporter: ExporterNone, SampleRatio: 1},
	}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres_dsn")

	cfg.Storage.PostgresDSN = "postgres://localhost/im"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_Telemetry(t *testing.T) {
	cfg, err := LoadConfig("", nil)
	require.NoError(t, err)
	assert.Equal(t, ExporterNone, cfg.Telemetry.Exporter)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRatio)

	cfg.Log.OTel = true
	assert.ErrorContains(t, cfg.Validate(), "log.otel")

	cfg.Telemetry.Exporter = ExporterStdout
	assert.NoError(t, cfg.Validate())

	cfg.Telemetry.Exporter = "jaeger"
	cfg.Telemetry.SampleRatio = 2
	err = cfg.Validate()
	assert.ErrorContains(t, err, "telemetry.exporter")
	assert.ErrorContains(t, err, "telemetry.sample_ratio")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("ERROR"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
