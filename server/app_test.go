package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"tracklink/config"
	"tracklink/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const appConfig = `
server:
  address: 127.0.0.1
  http_port: "0"
listener:
  host: 127.0.0.1
  port: 0
  idle_gap: 20ms
  ack_reply: OK
logging:
  level: warn
pipeline:
  workers: 2
  poll_interval: 10ms
protocols:
  - name: Fleet JSON
    type: http
    message_format:
      codec: json
devices:
  - imei: "123456789012345"
    status: active
  - device_id: TRK-9
`

func loadConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tracklink.yaml")
	require.NoError(t, os.WriteFile(p, []byte(appConfig+extra), 0o600))
	cfg, err := config.Load(p)
	require.NoError(t, err)
	return cfg
}

func startApp(t *testing.T, cfg *config.Config) (*App, func()) {
	t.Helper()
	var a App
	require.NoError(t, a.Initialize(cfg))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-a.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("run: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("app not ready")
	}
	return &a, func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Error("app did not stop")
		}
	}
}

func send(t *testing.T, addr net.Addr, payload string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer c.Close()
	_, err = c.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	ack, _ := io.ReadAll(c)
	return string(ack)
}

func getJSON(t *testing.T, a *App, path string, v any) int {
	t.Helper()
	resp, err := http.Get("http://" + a.HTTPAddr().String() + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		_ = json.NewDecoder(resp.Body).Decode(v)
	}
	return resp.StatusCode
}

func TestAppEndToEnd(t *testing.T) {
	cases := map[string]string{
		"memory": "",
		"sqlite": "database:\n  driver: sqlite\n  dsn: file:" + filepath.Join(t.TempDir(), "e2e.db") + "\n",
	}
	for name, extra := range cases {
		t.Run(name, func(t *testing.T) {
			a, stop := startApp(t, loadConfig(t, extra))
			defer stop()

			assert.Equal(t, "OK", send(t, a.ListenerAddr(), "IMEI:123456789012345,LAT:52.52,LNG:13.405,SPD:40"))
			assert.Equal(t, "OK", send(t, a.ListenerAddr(), "IMEI:999999999999999,LAT:1,LNG:2"))

			require.Eventually(t, func() bool {
				var st models.RawStats
				return getJSON(t, a, "/api/v1/raw-messages/stats", &st) == http.StatusOK &&
					st.Processed == 1 && st.Errored == 1
			}, 5*time.Second, 20*time.Millisecond)

			dev, err := a.dir.FindByIMEI(context.Background(), "123456789012345")
			require.NoError(t, err)
			require.NotNil(t, dev.LastLocation)
			assert.InDelta(t, 52.52, dev.LastLocation.Lat, 1e-9)
			assert.InDelta(t, 13.405, dev.LastLocation.Lng, 1e-9)

			_, err = a.dir.FindByDeviceID(context.Background(), "TRK-9")
			assert.NoError(t, err)

			var protos []map[string]any
			require.Equal(t, http.StatusOK, getJSON(t, a, "/api/v1/protocols", &protos))
			assert.Len(t, protos, 2)

			assert.Equal(t, http.StatusOK, getJSON(t, a, "/readyz", nil))

			resp, err := http.Get("http://" + a.HTTPAddr().String() + "/metrics")
			require.NoError(t, err)
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			assert.Contains(t, string(body), `tracklink_pipeline_rows_total{outcome="processed"} 1`)
			assert.Contains(t, string(body), `tracklink_pipeline_rows_total{outcome="unresolved"} 1`)
		})
	}
}

func TestAppRejectsUnknownSourceProtocol(t *testing.T) {
	cfg := loadConfig(t, "sources:\n  - protocol: Nope\n")
	var a App
	assert.Error(t, a.Initialize(cfg))
}

func TestAppRejectsUnsupportedSourceTransport(t *testing.T) {
	cfg := loadConfig(t, "sources:\n  - protocol: Fleet JSON\n    transport: zigbee\n")
	var a App
	assert.Error(t, a.Initialize(cfg))
}

func TestAppBindFailureIsFatal(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := loadConfig(t, "")
	cfg.Listener.Port = busy.Addr().(*net.TCPAddr).Port
	var a App
	require.NoError(t, a.Initialize(cfg))
	assert.Error(t, a.Run(context.Background()))
}

func TestHTTPBindFailureReleasesListener(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	cfg := loadConfig(t, "")
	cfg.Server.HTTPPort = strconv.Itoa(busy.Addr().(*net.TCPAddr).Port)
	var a App
	require.NoError(t, a.Initialize(cfg))
	require.Error(t, a.Run(context.Background()))

	ln, err := net.Listen("tcp", a.ListenerAddr().String())
	require.NoError(t, err, "device port is free again")
	_ = ln.Close()
}

func TestRunBeforeInitialize(t *testing.T) {
	var a App
	assert.ErrorIs(t, a.Run(context.Background()), ErrNotInitialized)
}
