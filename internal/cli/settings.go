package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"smsgateway/internal/app"
	"smsgateway/internal/settings"
	"smsgateway/internal/storage"
)

type settingView struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// NewSettingsCommand creates the settings command group.
func NewSettingsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Inspect or change stored settings",
		Long: `Read and write the settings table directly. A running gateway picks up
changed ports only after a restart.

Example:
  smsgateway settings list
  smsgateway settings get web_port
  smsgateway settings set min_send_interval 5`,
	}
	cmd.AddCommand(newSettingsListCommand(rootOpts))
	cmd.AddCommand(newSettingsGetCommand(rootOpts))
	cmd.AddCommand(newSettingsSetCommand(rootOpts))
	return cmd
}

func openSettingsStore(rootOpts *RootOptions) (storage.Store, error) {
	st, err := app.OpenStore(app.Options{ConfigPath: rootOpts.ConfigPath, DBFile: rootOpts.DBFile, Debug: rootOpts.Debug})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open store", err)
	}
	return st, nil
}

func newSettingsListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List all settings",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openSettingsStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()
			all, err := st.ListSettings(cmd.Context())
			if err != nil {
				return WrapExitError(ExitCommandError, "list settings", err)
			}
			views := make([]settingView, 0, len(all))
			for _, s := range all {
				views = append(views, settingView{Key: s.Key, Value: displayValue(s.Key, s.Value, rootOpts.Debug)})
			}
			return printer{format: rootOpts.Format, w: cmd.OutOrStdout()}.print(views, func(w io.Writer) {
				for _, v := range views {
					fmt.Fprintf(w, "%s=%s\n", v.Key, v.Value)
				}
			})
		},
	}
}

func newSettingsGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <key>",
		Short:         "Print one setting",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openSettingsStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()
			s, ok, err := st.FindSetting(cmd.Context(), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "get setting", err)
			}
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("setting %q not found", args[0]))
			}
			v := settingView{Key: s.Key, Value: s.Value}
			return printer{format: rootOpts.Format, w: cmd.OutOrStdout()}.print(v, func(w io.Writer) {
				fmt.Fprintln(w, v.Value)
			})
		},
	}
}

func newSettingsSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "set <key> <value>",
		Short:         "Change one setting",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], strings.TrimSpace(args[1])
			if err := settings.Validate(key, value); err != nil {
				return WrapExitError(ExitCommandError, "invalid setting", err)
			}
			st, err := openSettingsStore(rootOpts)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.UpsertSetting(cmd.Context(), storage.Setting{Key: key, Value: value}); err != nil {
				return WrapExitError(ExitCommandError, "save setting", err)
			}
			v := settingView{Key: key, Value: displayValue(key, value, rootOpts.Debug)}
			return printer{format: rootOpts.Format, w: cmd.OutOrStdout()}.print(v, func(w io.Writer) {
				fmt.Fprintf(w, "%s=%s\n", v.Key, v.Value)
			})
		},
	}
}

// displayValue hides the API key unless debugging.
func displayValue(key, value string, reveal bool) string {
	if key == settings.KeyAPIKey && !reveal && value != "" {
		return "***"
	}
	return value
}
