package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Mikescher/catenis-client/ctnclient"
)

var (
	msgEncoding         string
	msgStorage          string
	msgEncrypt          bool
	msgOffChain         bool
	msgAsync            bool
	msgReadConfirmation bool
	msgTargetProdID     bool
	msgContinuation     string
	msgChunkSize        int
)

var logMessageCmd = &cobra.Command{
	Use:   "log-message [message]",
	Short: "Log a message on the blockchain",
	Long: `Logs a message on the blockchain on behalf of the device.
The message is read from stdin when omitted or given as "-".`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		message, err := messageArg(args)
		if err != nil {
			return err
		}

		client, err := newClient()
		if err != nil {
			return err
		}

		opts := &ctnclient.LogMessageOptions{
			Encoding: ctnclient.Encoding(msgEncoding),
			Storage:  ctnclient.Storage(msgStorage),
			Encrypt:  boolFlag(cmd, "encrypt", msgEncrypt),
			OffChain: boolFlag(cmd, "off-chain", msgOffChain),
			Async:    boolFlag(cmd, "async", msgAsync),
		}

		res, err := client.LogMessage(commandContext(cmd), message, opts)
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), res)
	},
}

var sendMessageCmd = &cobra.Command{
	Use:   "send-message <target-device> [message]",
	Short: "Send a message to another device",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		message, err := messageArg(args[1:])
		if err != nil {
			return err
		}

		client, err := newClient()
		if err != nil {
			return err
		}

		target := ctnclient.DeviceID{
			ID:             args[0],
			IsProdUniqueID: boolFlag(cmd, "prod-unique-id", msgTargetProdID),
		}

		opts := &ctnclient.SendMessageOptions{
			Encoding:         ctnclient.Encoding(msgEncoding),
			Storage:          ctnclient.Storage(msgStorage),
			Encrypt:          boolFlag(cmd, "encrypt", msgEncrypt),
			OffChain:         boolFlag(cmd, "off-chain", msgOffChain),
			ReadConfirmation: boolFlag(cmd, "read-confirmation", msgReadConfirmation),
			Async:            boolFlag(cmd, "async", msgAsync),
		}

		res, err := client.SendMessage(commandContext(cmd), message, target, opts)
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), res)
	},
}

var readMessageCmd = &cobra.Command{
	Use:   "read-message <message-id>",
	Short: "Read a logged or received message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		opts := &ctnclient.ReadMessageOptions{
			Encoding:          ctnclient.Encoding(msgEncoding),
			ContinuationToken: msgContinuation,
			DataChunkSize:     msgChunkSize,
			Async:             boolFlag(cmd, "async", msgAsync),
		}

		res, err := client.ReadMessage(commandContext(cmd), args[0], opts)
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), res)
	},
}

var messageProgressCmd = &cobra.Command{
	Use:   "message-progress <ephemeral-message-id>",
	Short: "Show the progress of an asynchronously processed message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}

		res, err := client.RetrieveMessageProgress(commandContext(cmd), args[0])
		if err != nil {
			return err
		}

		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	for _, c := range []*cobra.Command{logMessageCmd, sendMessageCmd} {
		c.Flags().StringVar(&msgEncoding, "encoding", "", "Encoding of the message contents (utf8, base64, hex)")
		c.Flags().StringVar(&msgStorage, "storage", "", "Where to store the message contents (auto, embedded, external)")
		c.Flags().BoolVar(&msgEncrypt, "encrypt", true, "Encrypt the message contents")
		c.Flags().BoolVar(&msgOffChain, "off-chain", true, "Log the message as an off-chain message")
		c.Flags().BoolVar(&msgAsync, "async", false, "Process the message asynchronously")
	}

	sendMessageCmd.Flags().BoolVar(&msgReadConfirmation, "read-confirmation", false, "Request a read confirmation")
	sendMessageCmd.Flags().BoolVar(&msgTargetProdID, "prod-unique-id", false, "The target is a product unique ID")

	readMessageCmd.Flags().StringVar(&msgEncoding, "encoding", "", "Encoding of the returned contents (utf8, base64, hex)")
	readMessageCmd.Flags().StringVar(&msgContinuation, "continuation-token", "", "Token of the next data chunk")
	readMessageCmd.Flags().IntVar(&msgChunkSize, "chunk-size", 0, "Size of the returned data chunk in bytes")
	readMessageCmd.Flags().BoolVar(&msgAsync, "async", false, "Retrieve the message asynchronously")

	rootCmd.AddCommand(logMessageCmd, sendMessageCmd, readMessageCmd, messageProgressCmd)
}

func messageArg(args []string) (string, error) {
	if len(args) > 0 && args[0] != "-" {
		return args[0], nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read message from stdin: %w", err)
	}

	return strings.TrimSuffix(string(data), "\n"), nil
}

// boolFlag returns nil unless the flag was given, so the service default applies.
func boolFlag(cmd *cobra.Command, name string, value bool) *bool {
	if !cmd.Flags().Changed(name) {
		return nil
	}
	return &value
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, string(data))
	return err
}
