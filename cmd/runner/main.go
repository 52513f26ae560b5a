package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sevigo/ci-dispatch/internal/core"
)

var rootCmd = &cobra.Command{
	Use:           "ci-runner",
	Short:         "ci-runner executes queued test jobs and reports their status.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// errJobFailed is returned when a job ran but did not succeed.
var errJobFailed = errors.New("job did not succeed")

type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ue usageError
	if errors.As(err, &ue) || core.IsValidationError(err) {
		return 2
	}
	return 1
}

func main() {
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error { return usageError{err} })
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}
