package cmdutil

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pachyderm/datumfetch/src/internal/errors"
)

// PrintErrorStacks should be set to true if you want to print out a stack for
// errors that are returned by the run commands.
var PrintErrorStacks bool

// RunFixedArgs returns a cobra RunE that checks its exact argument count.
func RunFixedArgs(numArgs int, run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return RunBoundedArgs(numArgs, numArgs, run)
}

// RunBoundedArgs returns a cobra RunE that checks its argument count is within a range.
func RunBoundedArgs(min int, max int, run func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < min || len(args) > max {
			if min == max {
				return errors.Errorf("expected %d arguments, got %d", min, len(args))
			}
			return errors.Errorf("expected %d to %d arguments, got %d", min, max, len(args))
		}
		return run(cmd, args)
	}
}

// PrintError writes err to w, followed by its stack if PrintErrorStacks is set.
func PrintError(w io.Writer, err error) {
	if errString := strings.TrimSpace(err.Error()); errString != "" {
		fmt.Fprintf(w, "%s\n", errString)
	}
	if PrintErrorStacks {
		errors.ForEachStackFrame(err, func(frame errors.Frame) {
			fmt.Fprintf(w, "%+v\n", frame)
		})
	}
}

// ErrorAndExit errors with the given format and args, and then exits.
func ErrorAndExit(format string, args ...interface{}) {
	if len(args) == 1 && format == "%v" {
		if err, ok := args[0].(error); ok {
			PrintError(os.Stderr, err)
			os.Exit(1)
		}
	}
	if errString := strings.TrimSpace(fmt.Sprintf(format, args...)); errString != "" {
		fmt.Fprintf(os.Stderr, "%s\n", errString)
	}
	os.Exit(1)
}
