package broker

import (
	"errors"
	"fmt"
	"log"
	"net/http"
)

// Kind classifies a broker error so callers can decide between retrying and
// surfacing the failure without matching on message text.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfig means missing or malformed credentials/configuration.
	KindConfig
	// KindAuth means the venue rejected the credentials. Terminal.
	KindAuth
	// KindAuthExpired means a session or token expired. Reconnecting may help.
	KindAuthExpired
	// KindNotConnected means the implicit connect attempt failed.
	KindNotConnected
	// KindRejected means the venue refused the request itself (4xx).
	KindRejected
	// KindTransport covers network errors, timeouts, 429 and 5xx responses.
	KindTransport
	// KindInsufficientFunds is raised by the internal ledger.
	KindInsufficientFunds
	// KindValidation means the request failed local validation.
	KindValidation
	// KindProtocol means the venue answered with something unparseable.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAuth:
		return "auth"
	case KindAuthExpired:
		return "auth_expired"
	case KindNotConnected:
		return "not_connected"
	case KindRejected:
		return "rejected"
	case KindTransport:
		return "transport"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindValidation:
		return "validation"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is the typed error returned by every adapter.
type Error struct {
	Venue      string
	Op         string
	Kind       Kind
	StatusCode int    // HTTP status when available
	Code       string // venue error code when available
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.StatusCode != 0 {
		msg = http.StatusText(e.StatusCode)
	}
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}

	prefix := e.Venue
	if e.Op != "" {
		prefix += " " + e.Op
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (%d): %s", prefix, e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s: %s", prefix, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the caller may retry the operation.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindTransport, KindAuthExpired:
		return true
	case KindNotConnected:
		var inner *Error
		if errors.As(e.Err, &inner) {
			return inner.Retryable()
		}
		return true
	default:
		return false
	}
}

// Terminal reports whether retrying cannot succeed without operator action.
func (e *Error) Terminal() bool {
	switch e.Kind {
	case KindConfig, KindAuth, KindValidation, KindRejected, KindInsufficientFunds:
		return true
	case KindNotConnected:
		var inner *Error
		if errors.As(e.Err, &inner) {
			return inner.Terminal()
		}
		return false
	default:
		return false
	}
}

// NewError builds a typed error without an underlying cause.
func NewError(venue, op string, kind Kind, format string, args ...any) *Error {
	return &Error{Venue: venue, Op: op, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches venue context and a kind to err.
func Wrap(venue, op string, kind Kind, err error) *Error {
	return &Error{Venue: venue, Op: op, Kind: kind, Err: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}
	return 0
}

// IsRetryable reports whether err is worth retrying. Untyped errors are
// treated as transport failures.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return true
}

// IsTerminal reports whether err needs operator action.
func IsTerminal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Terminal()
	}
	return false
}

// IsUnauthorized reports whether err carries an HTTP 401.
func IsUnauthorized(err error) bool {
	return StatusOf(err) == http.StatusUnauthorized
}

// ClassifyStatus maps an HTTP status to an error kind: 401/403 are
// credential rejections, 408/429/5xx are transient, other 4xx are venue
// rejections.
func ClassifyStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		return KindTransport
	case status >= 500:
		return KindTransport
	case status >= 400:
		return KindRejected
	default:
		return KindUnknown
	}
}

// Logged logs err with its venue context and returns it unchanged, so error
// paths read `return nil, broker.Logged(err)`.
func Logged(err error) error {
	if err == nil {
		return nil
	}
	component := "broker"
	var e *Error
	if errors.As(err, &e) && e.Venue != "" {
		component = "broker/" + e.Venue
	}
	log.Printf("[%s] %v", component, err)
	return err
}
