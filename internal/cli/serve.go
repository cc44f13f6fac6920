package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"smsgateway/internal/app"
	"smsgateway/internal/settings"
)

// ServeOptions holds flags for the serve command. Empty values leave the
// stored setting untouched.
type ServeOptions struct {
	*RootOptions
	Port          string
	Com           string
	Interval      string
	KeyProtection string
	KeyFile       string
	LogDir        string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Long: `Run the HTTP API, the send loop and the persistence loop until SIGINT or SIGTERM.

Flags given here are saved into the settings table before startup, so they
also apply to later runs.

Example:
  smsgateway serve -p 8888 -c loopback -t 10
  smsgateway serve -a 1 -k /etc/smsgateway/key -l /var/log/smsgateway`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	addServeFlags(cmd, opts)
	return cmd
}

func addServeFlags(cmd *cobra.Command, opts *ServeOptions) {
	f := cmd.Flags()
	f.StringVarP(&opts.Port, "port", "p", "", "web server port")
	f.StringVarP(&opts.Com, "com", "c", "", "serial or comm port (\"loopback\" for a simulated modem)")
	f.StringVarP(&opts.Interval, "interval", "t", "", "time between each SMS in seconds")
	f.StringVarP(&opts.KeyProtection, "keyprotection", "a", "", "enable/disable secret key only access (1|0)")
	f.StringVarP(&opts.KeyFile, "keyfile", "k", "", "file whose first line is the secret key")
	f.StringVarP(&opts.LogDir, "logdir", "l", "", "directory for main.log (default: no log file)")
}

// settingOverrides maps the given flags to settings, in the order they are saved.
func settingOverrides(opts *ServeOptions) ([]app.Setting, error) {
	var out []app.Setting
	add := func(key, value string) {
		if value = strings.TrimSpace(value); value != "" {
			out = append(out, app.Setting{Key: key, Value: value})
		}
	}
	add(settings.KeyWebPort, opts.Port)
	add(settings.KeyComPort, opts.Com)
	add(settings.KeyMinSendInterval, opts.Interval)
	add(settings.KeyKeyProtection, opts.KeyProtection)
	if opts.KeyFile != "" {
		key, err := readKeyFile(opts.KeyFile)
		if err != nil {
			return nil, err
		}
		add(settings.KeyAPIKey, key)
	}
	for _, s := range out {
		if err := settings.Validate(s.Key, s.Value); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readKeyFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("keyfile: %w", err)
	}
	defer f.Close()
	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("keyfile %s: no key found", path)
	}
	key := strings.TrimSpace(line)
	if key == "" {
		return "", fmt.Errorf("keyfile %s: first line is empty", path)
	}
	return key, nil
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	overrides, err := settingOverrides(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	}
	a, err := app.New(app.Options{
		ConfigPath: opts.ConfigPath,
		DBFile:     opts.DBFile,
		LogDir:     opts.LogDir,
		Debug:      opts.Debug,
		Settings:   overrides,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "gateway stopped with error", err)
	}
	return nil
}
