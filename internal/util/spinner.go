package util

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"golang.org/x/term"
)

// UISpinner shows progress for a blocking step. When output is not a
// terminal, or in verbose mode, it prints plain lines instead.
type UISpinner struct {
	sp    *spinner.Spinner
	out   io.Writer
	plain bool
}

// NewUISpinner starts a spinner with the given message
func NewUISpinner(message string) *UISpinner {
	plain := IsVerbose() || !term.IsTerminal(int(os.Stdout.Fd()))
	return newUISpinner(os.Stdout, plain, message)
}

func newUISpinner(out io.Writer, plain bool, message string) *UISpinner {
	s := &UISpinner{out: out, plain: plain}
	if plain {
		fmt.Fprintf(out, "… %s\n", message)
		return s
	}
	s.sp = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
	s.sp.Prefix = "  "
	s.sp.Suffix = " " + message
	s.sp.Start()
	return s
}

// Success stops the spinner and prints a success message
func (s *UISpinner) Success(message string) {
	s.finish("✓", message)
}

// Fail stops the spinner and prints an error message
func (s *UISpinner) Fail(message string) {
	s.finish("✗", message)
}

// Stop stops the spinner without printing anything
func (s *UISpinner) Stop() {
	if s.sp != nil {
		s.sp.Stop()
		fmt.Fprint(s.out, "\r\033[K")
	}
}

func (s *UISpinner) finish(mark, message string) {
	if s.plain {
		fmt.Fprintf(s.out, "%s %s\n", mark, message)
		return
	}
	s.sp.Stop()
	fmt.Fprintf(s.out, "\r\033[K  %s %s\n", mark, message)
}
