package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smsgateway/internal/app"
	"smsgateway/internal/settings"
	"smsgateway/internal/storage"
	logx "smsgateway/pkg/logx"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmd := NewRootCommand()

	names := map[string]bool{}
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "status", "settings"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestRootCommand_FlagShorthands(t *testing.T) {
	cmd := NewRootCommand()

	for short, long := range map[string]string{"d": "dbfile", "v": "debug"} {
		f := cmd.PersistentFlags().ShorthandLookup(short)
		require.NotNil(t, f, "-%s", short)
		assert.Equal(t, long, f.Name)
	}
	for short, long := range map[string]string{"p": "port", "c": "com", "t": "interval", "a": "keyprotection", "k": "keyfile", "l": "logdir"} {
		f := cmd.Flags().ShorthandLookup(short)
		require.NotNil(t, f, "-%s", short)
		assert.Equal(t, long, f.Name)
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	_, err := execute(t, "--format", "xml", "settings", "list")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(assert.AnError))
	assert.Equal(t, ExitCommandError, GetExitCode(WrapExitError(ExitCommandError, "x", assert.AnError)))
}

func TestSettingOverrides_OrderAndValidation(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(keyFile, []byte("  s3cret  \nignored\n"), 0o600))

	got, err := settingOverrides(&ServeOptions{
		Port:          "8888",
		Com:           "loopback",
		Interval:      "5",
		KeyProtection: "1",
		KeyFile:       keyFile,
	})
	require.NoError(t, err)
	assert.Equal(t, []app.Setting{
		{Key: settings.KeyWebPort, Value: "8888"},
		{Key: settings.KeyComPort, Value: "loopback"},
		{Key: settings.KeyMinSendInterval, Value: "5"},
		{Key: settings.KeyKeyProtection, Value: "1"},
		{Key: settings.KeyAPIKey, Value: "s3cret"},
	}, got)

	got, err = settingOverrides(&ServeOptions{})
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = settingOverrides(&ServeOptions{Port: "http"})
	assert.Error(t, err)
	_, err = settingOverrides(&ServeOptions{Interval: "-2"})
	assert.Error(t, err)
}

func TestReadKeyFile(t *testing.T) {
	dir := t.TempDir()

	_, err := readKeyFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	_, err = readKeyFile(empty)
	assert.Error(t, err)

	noNewline := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(noNewline, []byte("abc"), 0o600))
	key, err := readKeyFile(noNewline)
	require.NoError(t, err)
	assert.Equal(t, "abc", key)
}

func TestStatusCommand(t *testing.T) {
	db := seedStore(t)

	out, err := execute(t, "--dbfile", db, "status", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "reference: 1")
	assert.Contains(t, out, "status:    1 (DELIVERED)")
	assert.Contains(t, out, "number:    +15551234")

	out, err = execute(t, "--dbfile", db, "--format", "json", "status", "1")
	require.NoError(t, err)
	var v statusView
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "1", v.Status)
	assert.Equal(t, "DELIVERED", v.StatusName)
	require.NotNil(t, v.ModemReference)
	assert.Equal(t, 7, *v.ModemReference)

	_, err = execute(t, "--dbfile", db, "status", "99")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), "INVALID REFERENCE")

	_, err = execute(t, "--dbfile", db, "status", "abc")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func TestSettingsCommands(t *testing.T) {
	db := seedStore(t)

	_, err := execute(t, "--dbfile", db, "settings", "set", "min_send_interval", "7")
	require.NoError(t, err)

	out, err := execute(t, "--dbfile", db, "settings", "get", "min_send_interval")
	require.NoError(t, err)
	assert.Equal(t, "7\n", out)

	_, err = execute(t, "--dbfile", db, "settings", "set", "web_port", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	_, err = execute(t, "--dbfile", db, "settings", "get", "nothing")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err = execute(t, "--dbfile", db, "settings", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "min_send_interval=7\n")
	assert.Contains(t, out, "key=***\n")
	assert.NotContains(t, out, "topsecret")

	out, err = execute(t, "--dbfile", db, "--format", "json", "settings", "list")
	require.NoError(t, err)
	var views []settingView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	assert.Len(t, views, 2)
}

// execute runs the root command with a config path that does not exist, so
// only defaults and flags apply.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", filepath.Join(t.TempDir(), "none.yaml")}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func seedStore(t *testing.T) string {
	t.Helper()
	db := filepath.Join(t.TempDir(), "sms.db")
	st, err := storage.Open(storage.Config{Driver: "sqlite", Path: db}, logx.Nop())
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	require.NoError(t, st.UpsertMessage(ctx, storage.MessagePatch{
		ID:            1,
		RequestStatus: storage.Int(1),
		Number:        storage.String("+15551234"),
		Text:          storage.String("hello"),
		Reference:     storage.Int(7),
	}))
	require.NoError(t, st.UpsertSetting(ctx, storage.Setting{Key: settings.KeyAPIKey, Value: "topsecret"}))
	return db
}
