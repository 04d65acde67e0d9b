package broker

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{400, KindRejected},
		{404, KindRejected},
		{422, KindRejected},
		{408, KindTransport},
		{429, KindTransport},
		{500, KindTransport},
		{503, KindTransport},
		{200, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := ClassifyStatus(tt.status); got != tt.want {
				t.Errorf("ClassifyStatus(%d) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestRetryableVsTerminal(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		terminal  bool
	}{
		{"transport", NewError("v", "op", KindTransport, "timeout"), true, false},
		{"expired", NewError("v", "op", KindAuthExpired, "session expired"), true, false},
		{"auth", NewError("v", "op", KindAuth, "bad key"), false, true},
		{"rejected", NewError("v", "op", KindRejected, "market closed"), false, true},
		{"funds", NewError("v", "op", KindInsufficientFunds, "short"), false, true},
		{"not connected over auth", &Error{Venue: "v", Kind: KindNotConnected, Err: NewError("v", "connect", KindAuth, "bad key")}, false, true},
		{"not connected over transport", &Error{Venue: "v", Kind: KindNotConnected, Err: NewError("v", "connect", KindTransport, "eof")}, true, false},
		{"untyped", errors.New("eof"), true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", got, tt.retryable)
			}
			if got := IsTerminal(tt.err); got != tt.terminal {
				t.Errorf("IsTerminal = %v, want %v", got, tt.terminal)
			}
		})
	}
}

func TestErrorMessageCarriesVenueAndStatus(t *testing.T) {
	err := fmt.Errorf("placing order: %w", &Error{
		Venue: "alpaca", Op: "place order", Kind: KindRejected, StatusCode: 422,
		Message: "insufficient buying power",
	})
	want := "placing order: alpaca place order: rejected (422): insufficient buying power"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if StatusOf(err) != 422 || KindOf(err) != KindRejected {
		t.Errorf("StatusOf/KindOf lost through wrapping")
	}
	if IsUnauthorized(err) {
		t.Error("422 is not unauthorized")
	}
}

func TestWrapUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap("oanda", "get account", KindTransport, cause)
	if !errors.Is(err, cause) {
		t.Error("Wrap should keep the cause reachable")
	}
	if Logged(nil) != nil {
		t.Error("Logged(nil) should be nil")
	}
}
