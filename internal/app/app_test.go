package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsgateway/internal/api"
	"smsgateway/internal/config"
	"smsgateway/internal/observability/pprof"
	"smsgateway/internal/settings"
	"smsgateway/internal/storage"
	logx "smsgateway/pkg/logx"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func writeConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "smsgateway.yaml")
	body := "logging:\n  level: warn\n" +
		"storage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "database.db") + "\n" +
		"sender:\n  poll_interval: 50ms\n  report_delay: 20ms\n  loopback_delay: 10ms\n" +
		"maintenance:\n  enabled: true\n  correlation_sweep: \"@every 1m\"\n" +
		"api:\n  host: 127.0.0.1\n  shutdown_timeout: 1s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func postSMS(t *testing.T, base, number, msg string) api.Response {
	t.Helper()
	b, _ := json.Marshal(map[string]string{"number": number, "message": msg})
	resp, err := http.Post(base+"/v1/sendsms", "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out api.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func getStatus(t *testing.T, base, ref string) api.Response {
	t.Helper()
	resp, err := http.Get(base + "/v1/smsstatus/" + ref)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out api.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestApp_EndToEnd(t *testing.T) {
	dir := t.TempDir()
	port := freePort(t)
	a, err := New(Options{
		ConfigPath: writeConfig(t, dir),
		Settings: []Setting{
			{Key: settings.KeyWebPort, Value: strconv.Itoa(port)},
			{Key: settings.KeyComPort, Value: "loopback"},
			{Key: settings.KeyMinSendInterval, Value: "0"},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	base := "http://127.0.0.1:" + strconv.Itoa(port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	first := postSMS(t, base, "+15551234", "hello")
	assert.Equal(t, "1", first.Reference)
	assert.Equal(t, "-1", first.Status)
	loop := postSMS(t, base, "0", "self test")
	assert.Equal(t, "2", loop.Reference)

	for _, ref := range []string{"1", "2"} {
		require.Eventually(t, func() bool {
			return getStatus(t, base, ref).Status == "1"
		}, 5*time.Second, 20*time.Millisecond, "request %s delivered", ref)
	}
	assert.Equal(t, "INVALID REFERENCE", getStatus(t, base, "99").Message)

	// Settings saved at runtime reach the sender.
	a.settings.Save(settings.KeyMinSendInterval, "1.5")
	require.Eventually(t, func() bool {
		return a.sender.MinSendInterval() == 1500*time.Millisecond
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("app did not stop")
	}

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(dir, "database.db")}, a.Logger())
	require.NoError(t, err)
	defer st.Close()
	m, ok, err := st.FindMessage(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, m.RequestStatus)
	assert.Equal(t, "+15551234", m.Number)

	s, ok, err := st.FindSetting(context.Background(), settings.KeyWebPort)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, strconv.Itoa(port), s.Value)
}

func TestApp_StopLeavesNoQueuedRows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "smsgateway.yaml")
	body := "logging:\n  level: warn\n" +
		"storage:\n  driver: sqlite\n  path: " + filepath.Join(dir, "database.db") + "\n" +
		"sender:\n  poll_interval: 50ms\n  send_timeout: 1s\n" +
		"api:\n  host: 127.0.0.1\n  shutdown_timeout: 1s\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	port := freePort(t)
	// The interval is far longer than the whole stop budget.
	a, err := New(Options{
		ConfigPath: path,
		Settings: []Setting{
			{Key: settings.KeyWebPort, Value: strconv.Itoa(port)},
			{Key: settings.KeyComPort, Value: "loopback"},
			{Key: settings.KeyMinSendInterval, Value: "600"},
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	base := "http://127.0.0.1:" + strconv.Itoa(port)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	for i := 1; i <= 4; i++ {
		assert.Equal(t, strconv.Itoa(i), postSMS(t, base, "+1555000"+strconv.Itoa(i), "x").Reference)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.Less(t, time.Since(start), 12*time.Second)

	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: filepath.Join(dir, "database.db")}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()
	for id := int64(1); id <= 4; id++ {
		m, ok, err := st.FindMessage(context.Background(), id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, -2, m.RequestStatus, "request %d", id)
	}
}

func TestApp_RejectsInvalidOverride(t *testing.T) {
	dir := t.TempDir()
	a, err := New(Options{
		ConfigPath: writeConfig(t, dir),
		Settings:   []Setting{{Key: settings.KeyWebPort, Value: "http"}},
	})
	require.NoError(t, err)
	err = a.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web_port")
}

func TestApplyOverrides(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Driver = "postgres"
	applyOverrides(cfg, Options{DBFile: "/tmp/x.db", LogDir: "/var/log/sms", Debug: true})
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.Path)
	assert.True(t, cfg.Logging.File.Enabled)
	assert.Equal(t, filepath.Join("/var/log/sms", "main.log"), cfg.Logging.File.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestApplyConfig_TogglesDebugListener(t *testing.T) {
	logs, log := logx.New(logx.Config{Level: "error", File: logx.FileConfig{Enabled: true, Path: filepath.Join(t.TempDir(), "main.log")}}, nil)
	t.Cleanup(func() { _ = logs.Close() })
	a := &App{log: log, logs: logs, debug: pprof.New(nil, log)}
	t.Cleanup(func() { a.debug.Stop(context.Background()) })

	old := config.Default()
	next := config.Default()
	next.Debug = config.DebugConfig{Enabled: true, Addr: "127.0.0.1:0"}

	got := a.applyConfig(context.Background(), old, next)
	assert.Same(t, next, got)
	require.Eventually(t, func() bool { return a.debug.Addr() != "" }, 2*time.Second, 10*time.Millisecond)

	a.applyConfig(context.Background(), next, config.Default())
	assert.Empty(t, a.debug.Addr())
}
