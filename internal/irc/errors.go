package irc

import "errors"

var (
	// ErrMalformedMessage is returned by ParseMessage for lines without a command
	ErrMalformedMessage = errors.New("malformed message")
	// ErrTransportUnavailable means the connection cannot carry more lines
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrMissedPings ends a session after too many unanswered keepalive pings
	ErrMissedPings = errors.New("keepalive pings unanswered")
	// ErrRegistrationTimeout ends a session the server never welcomed
	ErrRegistrationTimeout = errors.New("registration timed out")
	// ErrServerClosed is the cause when the server sends ERROR
	ErrServerClosed = errors.New("server closed the connection")
	// ErrStopped is the cause of an intentional stop
	ErrStopped = errors.New("client stopped")
	// ErrRetriesExhausted ends reconnecting once the retry budget is spent
	ErrRetriesExhausted = errors.New("reconnect attempts exhausted")
)
