// Package wsproto holds the session error taxonomy shared by authn, protocol,
// bus and session so a single type switch can map any failure to a WebSocket
// close code.
package wsproto

import "fmt"

// Close codes used to terminate a session. 1011 and 1000 are the standard
// RFC 6455 codes for "internal error" and "normal closure"; 4001-4004 are
// private-use codes reserved for this protocol.
const (
	CloseNoToken              = 4001
	CloseAuthenticationFailed = 4002
	CloseAuthenticationExpired = 4003
	CloseProtocolError        = 4004
	CloseBusError             = 1011
	CloseNormal               = 1000
)

// CloseCoder is implemented by every error in the taxonomy so callers can map
// an arbitrary error to a close code with a single type assertion.
type CloseCoder interface {
	error
	CloseCode() int
}

// NoTokenError means the request carried no credential at all.
type NoTokenError struct{}

func (NoTokenError) Error() string  { return "no token in request" }
func (NoTokenError) CloseCode() int { return CloseNoToken }

// AuthenticationError wraps a failure to validate or fetch a token.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	if e.Err == nil {
		return "authentication failed"
	}
	return fmt.Sprintf("authentication failed: %s", e.Err)
}
func (e *AuthenticationError) Unwrap() error { return e.Err }
func (e *AuthenticationError) CloseCode() int { return CloseAuthenticationFailed }

// AuthenticationExpiredError means a watcher discovered a once-valid token
// became invalid while the session was streaming.
type AuthenticationExpiredError struct{}

func (AuthenticationExpiredError) Error() string  { return "authentication expired" }
func (AuthenticationExpiredError) CloseCode() int { return CloseAuthenticationExpired }

// MasterTenantUnknownError means the process has not yet learned the master
// tenant UUID at accept time. It is treated the same as a failed
// authentication check because the session cannot decide admin scope.
type MasterTenantUnknownError struct{}

func (MasterTenantUnknownError) Error() string  { return "unable to determine master tenant" }
func (MasterTenantUnknownError) CloseCode() int { return CloseAuthenticationFailed }

// SessionProtocolError means a client frame was malformed or illegal.
type SessionProtocolError struct {
	Reason string
}

func (e *SessionProtocolError) Error() string {
	if e.Reason == "" {
		return "session protocol error"
	}
	return "session protocol error: " + e.Reason
}
func (e *SessionProtocolError) CloseCode() int { return CloseProtocolError }

// UnsupportedVersionError means the requested protocol version is neither 1
// nor 2.
type UnsupportedVersionError struct {
	Version string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported protocol version %q", e.Version)
}
func (e *UnsupportedVersionError) CloseCode() int { return CloseProtocolError }

// BusConnectionError wraps an AMQP failure that is fatal to an open session.
type BusConnectionError struct {
	Err error
}

func (e *BusConnectionError) Error() string {
	if e.Err == nil {
		return "bus connection error"
	}
	return fmt.Sprintf("bus connection error: %s", e.Err)
}
func (e *BusConnectionError) Unwrap() error { return e.Err }
func (e *BusConnectionError) CloseCode() int { return CloseBusError }

// BusConnectionLostError is the sentinel BusConnection pushes onto every
// consumer's stream when its underlying AMQP connection drops.
type BusConnectionLostError struct{}

func (BusConnectionLostError) Error() string  { return "bus connection lost" }
func (BusConnectionLostError) CloseCode() int { return CloseBusError }

// InvalidEvent means an upstream AMQP message failed the decode rules. It
// never reaches a client; it is logged and the message is dropped.
type InvalidEvent struct {
	Reason string
}

func (e *InvalidEvent) Error() string { return "invalid event: " + e.Reason }

// EventPermissionError means a well-formed event failed the ACL check. Like
// InvalidEvent, it is drop-and-log only, never surfaced to the client.
type EventPermissionError struct {
	Reason string
}

func (e *EventPermissionError) Error() string { return "event permission denied: " + e.Reason }

// UnexpectedError wraps any other failure; it always closes 1011.
type UnexpectedError struct {
	Err error
}

func (e *UnexpectedError) Error() string  { return fmt.Sprintf("unexpected error: %s", e.Err) }
func (e *UnexpectedError) Unwrap() error  { return e.Err }
func (e *UnexpectedError) CloseCode() int { return CloseBusError }

// CloseCodeFor maps any error to the WebSocket close code a Session should
// use to terminate the connection. Errors that don't implement CloseCoder
// are treated as unexpected.
func CloseCodeFor(err error) int {
	if err == nil {
		return CloseNormal
	}
	if cc, ok := err.(CloseCoder); ok {
		return cc.CloseCode()
	}
	return CloseBusError
}

// CloseReasonFor returns the text to send alongside a close frame. Protocol
// errors and unsupported-version rejections close with an empty reason;
// every other close carries err's message.
func CloseReasonFor(err error) string {
	if err == nil {
		return ""
	}
	switch err.(type) {
	case *SessionProtocolError, *UnsupportedVersionError:
		return ""
	default:
		return err.Error()
	}
}
