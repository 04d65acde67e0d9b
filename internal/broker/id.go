package broker

import (
	"fmt"
	"regexp"
	"strings"
)

// ID identifies a registered connection (e.g. "alpaca",
// "tradehybrid_42"). Use ParseID to obtain one from free-form input.
type ID string

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,63}$`)

// ParseID normalizes and validates a broker identifier.
func ParseID(s string) (ID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !idPattern.MatchString(s) {
		return "", fmt.Errorf("invalid broker id %q: must match %s", s, idPattern)
	}
	return ID(s), nil
}

// MustID is ParseID for identifiers known at compile time.
func MustID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

func (id ID) String() string { return string(id) }
