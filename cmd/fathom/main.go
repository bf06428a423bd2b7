// Command fathom runs the Fathom session runtime, either as a server
// exposing the Runtime Facade over HTTP or as a terminal client driving one,
// grounded on the teacher pack's cobra root-command layout
// (lucas-zan-agent-sea's cmd/root.go).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes per the runtime's CLI contract: 0 normal, 2 config error,
// 3 bind error, 1 any other fatal.
const (
	exitOK         = 0
	exitFatal      = 1
	exitConfig     = 2
	exitBindFailed = 3
)

var rootCmd = &cobra.Command{
	Use:   "fathom",
	Short: "Fathom runs a session-oriented agent runtime",
	Long: `Fathom hosts long-lived agent sessions behind a small RPC surface:
create a session, enqueue triggers (user messages, heartbeats, cron ticks,
profile refreshes), and subscribe to the resulting turn-by-turn event
stream. "fathom server" binds that surface over HTTP; "fathom client" is a
terminal front end for driving a running server.`,
}

// configPath is the resolved --config value, read by loadRuntimeConfig.
var configPath string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to an optional fathom.yaml config file (default: ./fathom.yaml)")
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(clientCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeOf(err))
	}
}

// exitCodeOf maps a fatal error to the CLI's exit-code contract. Config and
// bind failures are tagged with cliError as they're constructed; anything
// else is an ordinary fatal.
func exitCodeOf(err error) int {
	var ce *cliError
	if asCLIError(err, &ce) {
		return ce.code
	}
	return exitFatal
}

// cliError tags an error with the exit code it should produce.
type cliError struct {
	code int
	err  error
}

func (e *cliError) Error() string { return e.err.Error() }
func (e *cliError) Unwrap() error { return e.err }

func configErr(err error) error { return &cliError{code: exitConfig, err: err} }
func bindErr(err error) error   { return &cliError{code: exitBindFailed, err: err} }

func asCLIError(err error, target **cliError) bool {
	for err != nil {
		if ce, ok := err.(*cliError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
