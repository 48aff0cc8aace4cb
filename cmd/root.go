package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Mikescher/catenis-client/ctnclient"
)

var (
	deviceID   string
	secret     string
	host       string
	apiVersion string
	sandbox    bool
	insecure   bool
	skipVerify bool
	retries    int
	timeout    time.Duration
	debugLog   bool
)

var rootCmd = &cobra.Command{
	Use:   "ctnclient",
	Short: "ctnclient is a CLI for the Catenis API",
	Long: `ctnclient is a command-line interface for the Catenis API.
It logs, sends and reads messages and listens on notification channels.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if debugLog {
			installDebugLog(os.Stderr)
		}
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&deviceID, "device-id", "d", os.Getenv("CATENIS_DEVICE_ID"), "Catenis virtual device ID")
	pf.StringVarP(&secret, "secret", "s", os.Getenv("CATENIS_ACCESS_SECRET"), "API access secret of the device")
	pf.StringVar(&host, "host", ctnclient.DefaultHost, "Catenis service host, optionally with port")
	pf.StringVar(&apiVersion, "api-version", ctnclient.DefaultAPIVersion, "Catenis API version")
	pf.BoolVar(&sandbox, "sandbox", false, "Use the sandbox environment")
	pf.BoolVar(&insecure, "insecure", false, "Use plain HTTP and WebSocket connections")
	pf.BoolVar(&skipVerify, "skip-verify", false, "Ignore TLS certificate errors")
	pf.IntVar(&retries, "retries", 0, "Number of retries for failed API requests")
	pf.DurationVar(&timeout, "timeout", 0, "Timeout of a single API request")
	pf.BoolVar(&debugLog, "debug", false, "Print debug log to stderr")
}

func newClient() (*ctnclient.Client, error) {
	if deviceID == "" || secret == "" {
		deviceID, secret = promptCredentials()
	}

	if deviceID == "" {
		return nil, fmt.Errorf("missing device ID")
	}
	if secret == "" {
		return nil, fmt.Errorf("missing access secret")
	}

	c := ctnclient.New(secret, deviceID)
	c.Host = host
	c.APIVersion = apiVersion
	c.Secure = !insecure
	c.RequestX509Ignore = skipVerify
	c.MaxRetries = retries
	c.RequestTimeout = timeout

	if sandbox {
		c.Environment = ctnclient.EnvSandbox
	}

	return c, nil
}

func installDebugLog(out io.Writer) {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: out, NoColor: !isTerminal(out), TimeFormat: time.TimeOnly}).
		Level(zerolog.DebugLevel).
		With().
		Timestamp().
		Logger()

	ctnclient.LogFunc = func(filename, funcname, msg string, keysAndVals ...any) {
		ev := logger.Debug().Str("caller", filename).Str("func", funcname)

		for i := 0; i+1 < len(keysAndVals); i += 2 {
			key := fmt.Sprint(keysAndVals[i])

			switch v := keysAndVals[i+1].(type) {
			case error:
				ev = ev.AnErr(key, v)
			case fmt.Stringer:
				ev = ev.Stringer(key, v)
			default:
				ev = ev.Interface(key, v)
			}
		}

		ev.Msg(msg)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
