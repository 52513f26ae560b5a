package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/sevigo/ci-dispatch/internal/core"
)

// usageError marks configuration and invocation mistakes.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func usagef(format string, args ...any) error {
	return usageError{fmt.Errorf(format, args...)}
}

// exitCode is 2 for configuration or validation errors and 1 otherwise.
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
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorColor.Sprint("error: ")+err.Error())
		os.Exit(exitCode(err))
	}
}
