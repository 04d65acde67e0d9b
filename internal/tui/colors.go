package tui

import "os"

// ANSI color/style constants.
const (
	Reset     = "\033[0m"
	Bold      = "\033[1m"
	Dim       = "\033[2m"
	Italic    = "\033[3m"
	Underline = "\033[4m"

	Red     = "\033[31m"
	Green   = "\033[32m"
	Yellow  = "\033[33m"
	Blue    = "\033[34m"
	Magenta = "\033[35m"
	Cyan    = "\033[36m"
	White   = "\033[37m"
	Gray    = "\033[90m"

	BgRed    = "\033[41m"
	BgGreen  = "\033[42m"
	BgYellow = "\033[43m"
	BgBlue   = "\033[44m"
)

var colorsOff bool

// DisableColors turns ANSI styling off for the process (--no-color).
func DisableColors() { colorsOff = true }

// ColorsEnabled reports whether the terminal supports ANSI colors.
func ColorsEnabled() bool {
	if colorsOff || os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return true
}

// C wraps s with the given ANSI style code, resetting at the end.
// Returns plain s when colors are disabled.
func C(style, s string) string {
	if !ColorsEnabled() {
		return s
	}
	return style + s + Reset
}
