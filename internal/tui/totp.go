package tui

import (
	"fmt"
	"os"
	"regexp"

	"golang.org/x/term"
)

var totpPattern = regexp.MustCompile(`^\d{6}$`)

// TOTPInput reads a masked 6-digit code.
func TOTPInput(prompt string) (string, error) {
	code, err := SecretInput(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to read TOTP code: %w", err)
	}
	if !totpPattern.MatchString(code) {
		return "", fmt.Errorf("TOTP code must be exactly 6 digits")
	}
	return code, nil
}

// Interactive reports whether stdin is a terminal, which the bubbletea
// prompts need.
func Interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}
