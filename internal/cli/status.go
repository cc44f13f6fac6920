package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"smsgateway/internal/app"
	"smsgateway/internal/modem"
	"smsgateway/internal/storage"
)

// statusView is the printed form of one sms row.
type statusView struct {
	Reference      string     `json:"reference"`
	Status         string     `json:"status"`
	StatusName     string     `json:"status_name"`
	Number         string     `json:"number"`
	Message        string     `json:"message"`
	ModemReference *int       `json:"modem_reference,omitempty"`
	TimeSent       *time.Time `json:"time_sent,omitempty"`
	TimeFinalized  *time.Time `json:"time_finalized,omitempty"`
	DeliveryStatus *int       `json:"delivery_status,omitempty"`
}

func newStatusView(m storage.Message) statusView {
	return statusView{
		Reference:      strconv.FormatInt(m.ID, 10),
		Status:         strconv.Itoa(m.RequestStatus),
		StatusName:     modem.Status(m.RequestStatus).String(),
		Number:         m.Number,
		Message:        m.Text,
		ModemReference: m.Reference,
		TimeSent:       m.TimeSent,
		TimeFinalized:  m.TimeFinalized,
		DeliveryStatus: m.DeliveryStatus,
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Show the stored status of a request",
		Long: `Look up a request in the store without starting the gateway.

Example:
  smsgateway status 42
  smsgateway status 42 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid request id %q", args[0]))
			}
			st, err := app.OpenStore(app.Options{ConfigPath: rootOpts.ConfigPath, DBFile: rootOpts.DBFile, Debug: rootOpts.Debug})
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open store", err)
			}
			defer st.Close()

			m, ok, err := st.FindMessage(cmd.Context(), id)
			if err != nil {
				return WrapExitError(ExitCommandError, "lookup failed", err)
			}
			if !ok {
				return NewExitError(ExitFailure, fmt.Sprintf("request %d: INVALID REFERENCE", id))
			}
			v := newStatusView(m)
			return printer{format: rootOpts.Format, w: cmd.OutOrStdout()}.print(v, func(w io.Writer) {
				fmt.Fprintf(w, "reference: %s\nstatus:    %s (%s)\nnumber:    %s\nmessage:   %s\n", v.Reference, v.Status, v.StatusName, v.Number, v.Message)
				if v.TimeSent != nil {
					fmt.Fprintf(w, "sent:      %s\n", v.TimeSent.Format(time.RFC3339))
				}
				if v.TimeFinalized != nil {
					fmt.Fprintf(w, "final:     %s\n", v.TimeFinalized.Format(time.RFC3339))
				}
			})
		},
	}
}
