package totp

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
)

func TestEnrollReturnsSecret(t *testing.T) {
	var out bytes.Buffer
	secret, err := EnrollTOTP(&out, "default:alpaca")
	if err != nil {
		t.Fatalf("EnrollTOTP error: %v", err)
	}
	// base32, at least 16 chars
	if len(secret) < 16 {
		t.Errorf("secret length = %d, want >= 16", len(secret))
	}
	if !strings.Contains(out.String(), secret) {
		t.Error("manual entry key should be printed")
	}
}

func TestValidateTOTPCorrectCode(t *testing.T) {
	secret, err := EnrollTOTP(io.Discard, "default:validate")
	if err != nil {
		t.Fatalf("EnrollTOTP error: %v", err)
	}
	code, err := totp.GenerateCode(secret, time.Now())
	if err != nil {
		t.Fatalf("GenerateCode error: %v", err)
	}
	if !ValidateTOTP(code, secret) {
		t.Error("ValidateTOTP returned false for a valid code")
	}
}

func TestValidateTOTPWrongCode(t *testing.T) {
	secret, err := EnrollTOTP(io.Discard, "default:wrong")
	if err != nil {
		t.Fatalf("EnrollTOTP error: %v", err)
	}
	if ValidateTOTP("not-a-code", secret) {
		t.Error("ValidateTOTP returned true for non-numeric code")
	}
}

func TestValidateAtSkew(t *testing.T) {
	secret, err := EnrollTOTP(io.Discard, "default:skew")
	if err != nil {
		t.Fatalf("EnrollTOTP error: %v", err)
	}
	at := time.Date(2026, 10, 16, 14, 30, 0, 0, time.UTC)
	code, err := totp.GenerateCode(secret, at)
	if err != nil {
		t.Fatal(err)
	}
	if !ValidateAt(code, secret, at.Add(30*time.Second)) {
		t.Error("one step of skew should be accepted")
	}
	if ValidateAt(code, secret, at.Add(5*time.Minute)) {
		t.Error("a code from five minutes ago should be rejected")
	}
}
