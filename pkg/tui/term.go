package tui

import (
	"os"

	"golang.org/x/term"
)

// TerminalWidth returns the current terminal width, defaulting to 80 when
// it can't be determined (e.g. output piped to a file).
func TerminalWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}
