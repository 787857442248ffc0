package core

import "strings"

// ClientStatus is the health state of a backend client.
type ClientStatus string

const (
	StatusUnknown     ClientStatus = "unknown"
	StatusAvailable   ClientStatus = "available"
	StatusError       ClientStatus = "error"
	StatusUnavailable ClientStatus = "unavailable"
)

// ParseClientStatus maps a string to a ClientStatus. Anything it does
// not recognize parses as StatusError, matching the conservative
// "unknown value means something is wrong" rule.
func ParseClientStatus(s string) ClientStatus {
	switch ClientStatus(strings.ToLower(strings.TrimSpace(s))) {
	case StatusUnknown:
		return StatusUnknown
	case StatusAvailable:
		return StatusAvailable
	case StatusError:
		return StatusError
	case StatusUnavailable:
		return StatusUnavailable
	default:
		return StatusError
	}
}

// Valid reports whether s is one of the four defined statuses.
func (s ClientStatus) Valid() bool {
	switch s {
	case StatusUnknown, StatusAvailable, StatusError, StatusUnavailable:
		return true
	}
	return false
}
