// Package totp gates live order placement behind an authenticator code.
package totp

import (
	"fmt"
	"io"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/haiphen/tradegate/internal/tui"
)

const issuer = "tradegate"

// EnrollTOTP generates a new TOTP secret for accountName (usually
// "<profile>:<broker id>"), writes a terminal QR code and the manual entry
// key to w, and returns the secret. The caller should verify one code before
// persisting the secret.
func EnrollTOTP(w io.Writer, accountName string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Algorithm:   otp.AlgorithmSHA1,
		Digits:      otp.DigitsSix,
	})
	if err != nil {
		return "", fmt.Errorf("generate TOTP key: %w", err)
	}

	qr, err := qrcode.New(key.URL(), qrcode.Medium)
	if err == nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, tui.C(tui.Bold, "  Scan this QR code with your authenticator app:"))
		fmt.Fprintln(w)
		fmt.Fprint(w, qr.ToSmallString(false))
	}

	// Always show manual entry as fallback.
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  %s %s\n", tui.C(tui.Gray, "Manual entry:"), key.Secret())
	fmt.Fprintln(w)

	return key.Secret(), nil
}

// ValidateTOTP checks a 6-digit TOTP code against the given secret.
func ValidateTOTP(code, secret string) bool {
	return totp.Validate(code, secret)
}

// ValidateAt checks code at a given instant, allowing one 30s step of skew.
func ValidateAt(code, secret string, at time.Time) bool {
	ok, err := totp.ValidateCustom(code, secret, at, totp.ValidateOpts{
		Period:    30,
		Skew:      1,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}
