package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"aifleet/core"
)

// classifyStatus maps a non-200 HTTP status to its APIError. The table
// is authoritative: 400 is a bad request (the caller's fault), 401/403/
// 404 kill the backend, 429 and 5xx are transient server faults, and
// anything else is treated as permanent.
func classifyStatus(status int, body string) *core.APIError {
	msg := fmt.Sprintf("HTTP %d: %s", status, truncate(body, 200))

	switch {
	case status == 400:
		return &core.APIError{Type: core.ErrorBadRequest, Code: core.HTTPCode(status), Message: msg}
	case status == 401 || status == 403 || status == 404:
		return &core.APIError{Type: core.ErrorPermanent, Code: core.HTTPCode(status), Message: msg}
	case status == 429:
		return &core.APIError{Type: core.ErrorTransientServer, Code: core.HTTPCode(status), Message: msg}
	case status >= 500 && status < 600:
		return &core.APIError{Type: core.ErrorTransientServer, Code: core.HTTPCode(status), Message: msg}
	default:
		return &core.APIError{Type: core.ErrorPermanent, Code: core.HTTPCode(status), Message: msg}
	}
}

// isConnectionError reports whether err is a connection-class failure
// (dial timeout, connection refused, proxy failure). Only these are
// retried; read timeouts, TLS faults and HTTP statuses never are.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if isProxyError(err) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// Dial-phase failures only. Errors on an established
		// connection (read/write) are not retried.
		return opErr.Op == "dial"
	}
	return false
}

func isProxyError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		// net/http reports CONNECT failures with this op string.
		if strings.Contains(urlErr.Op, "proxyconnect") {
			return true
		}
	}
	return strings.Contains(err.Error(), "proxyconnect")
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls:")
}

// classifyTransportError maps a transport-level failure (after the
// retry policy has run its course) to the network half of the table.
// Everything here is TRANSIENT_NETWORK; the code distinguishes proxy
// faults from plain connection faults for operators.
func classifyTransportError(err error) *core.APIError {
	code := core.CodeConnectionTimeout
	if isProxyError(err) {
		code = core.CodeProxyFail
	}

	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		msg = "request deadline exceeded: " + msg
	case isTLSError(err):
		msg = "TLS failure: " + msg
	}

	return &core.APIError{Type: core.ErrorTransientNetwork, Code: code, Message: msg}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
