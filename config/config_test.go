package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Listener.Host)
	assert.Equal(t, 5000, cfg.Listener.Port)
	assert.Equal(t, 1024, cfg.Listener.MaxPayload)
	assert.Equal(t, 10*time.Second, cfg.Listener.ReadTimeout)
	assert.Equal(t, "Unknown TCP", cfg.Listener.Protocol)
	assert.Equal(t, "", cfg.Database.Driver)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 2*time.Minute, cfg.Pipeline.ClaimLease)
	assert.Equal(t, "tracklink.fix", cfg.NATS.SubjectPrefix)
}

func TestLoadFile(t *testing.T) {
	p := writeFile(t, `
listener:
  port: 6001
  read_timeout: 3s
database:
  driver: sqlite
  dsn: "file::memory:"
protocols:
  - name: Fleet MQTT
    type: mqtt
    dynamic_config:
      broker: mqtt.local
      topic: fleet/+/up
sources:
  - protocol: Fleet MQTT
    params:
      qos: "0"
    interval: 2s
devices:
  - imei: "123456789012345"
    status: active
`)
	cfg, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, 6001, cfg.Listener.Port)
	assert.Equal(t, 3*time.Second, cfg.Listener.ReadTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "file::memory:", cfg.Database.DSN)
	require.Len(t, cfg.Protocols, 1)
	assert.Equal(t, "mqtt.local", cfg.Protocols[0].DynamicConfig["broker"])
	require.Len(t, cfg.Sources, 1)
	assert.Equal(t, "0", cfg.Sources[0].Params["qos"])
	assert.Equal(t, 2*time.Second, cfg.Sources[0].Interval)
	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "active", cfg.Devices[0].Status)
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeFile(t, "listener:\n  port: 6001\n")
	t.Setenv("TRACKLINK_LISTENER_PORT", "7002")
	t.Setenv("TRACKLINK_LOGGING_LEVEL", "debug")

	cfg, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 7002, cfg.Listener.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestConfigPathFromEnv(t *testing.T) {
	t.Setenv("TRACKLINK_CONFIG", writeFile(t, "pipeline:\n  workers: 9\n"))
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Pipeline.Workers)
}

func TestValidate(t *testing.T) {
	cases := map[string]string{
		"port":     "listener:\n  port: 70000\n",
		"payload":  "listener:\n  max_payload: 0\n",
		"protocol": "listener:\n  protocol: \" \"\n",
		"workers":  "pipeline:\n  workers: 0\n",
		"driver":   "database:\n  driver: oracle\n",
		"source":   "sources:\n  - transport: tcp\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			assert.Error(t, err)
		})
	}
}

func TestMalformedFile(t *testing.T) {
	_, err := Load(writeFile(t, "listener: [unclosed\n"))
	assert.Error(t, err)
}
