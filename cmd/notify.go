package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Mikescher/catenis-client/ctnclient"
)

var closeWait time.Duration

var listEventsCmd = &cobra.Command{
	Use:   "list-events",
	Short: "List the notification events of the Catenis service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		events, err := client.ListNotificationEvents(commandContext(cmd))
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), events)
	},
}

var notifyCmd = &cobra.Command{
	Use:   "notify <event>",
	Short: "Print the notifications of an event until interrupted",
	Long: `Opens a notification channel for the given event and prints every notification it receives.
The channel is closed gracefully on SIGINT or SIGTERM.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		event := ctnclient.NotificationEvent(args[0])
		if !event.Known() {
			fmt.Fprintf(os.Stderr, "Warning: unknown notification event '%s'\n", event)
		}

		client, err := newClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
		defer stop()

		out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

		ch := client.NewNotificationChannel(event)

		err = ch.Open(ctx, func(ev ctnclient.NotifyEvent) {
			printNotifyEvent(out, errOut, ev)
		})
		if err != nil {
			return err
		}

		select {
		case <-ch.Done():
		case <-ctx.Done():
			ch.Close()

			select {
			case <-ch.Done():
			case <-time.After(closeWait):
				ch.Drop()
				ch.Wait()
			}
		}

		if ch.State() == ctnclient.StateFailed {
			return fmt.Errorf("notification channel for '%s' failed", event)
		}

		return nil
	},
}

func init() {
	notifyCmd.Flags().DurationVar(&closeWait, "close-wait", 2*ctnclient.DefaultCloseTimeout, "Time to wait for a graceful close before dropping the channel")

	rootCmd.AddCommand(listEventsCmd, notifyCmd)
}

func printNotifyEvent(w io.Writer, errW io.Writer, ev ctnclient.NotifyEvent) {
	ts := time.Now().Format(time.RFC3339)

	switch ev.Type {
	case ctnclient.NotifyOpen:
		fmt.Fprintf(w, "[%s] channel open\n", ts)
	case ctnclient.NotifyMessage:
		fmt.Fprintf(w, "[%s] %s\n", ts, ev.Message.Kind)
		if err := printJSON(w, ev.Message.Payload()); err != nil {
			fmt.Fprintf(errW, "[%s] failed to print %s notification: %v\n", ts, ev.Message.Kind, err)
		}
	case ctnclient.NotifyClose:
		fmt.Fprintf(w, "[%s] channel closed by server (%d) %s\n", ts, ev.Close.Code, ev.Close.Reason)
	case ctnclient.NotifyError:
		fmt.Fprintf(w, "[%s] channel error: %v\n", ts, ev.Err)
	}
}
