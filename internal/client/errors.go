package client

import "errors"

// Session failure taxonomy. Operations wrap these with context where
// useful; callers branch with errors.Is. Nothing is retried internally
// and no reconnection is attempted: recovery policy belongs to the
// caller.
var (
	// ErrHostUnreachable reports that the TCP connection could not be
	// established (dial failures of any kind, including dial timeouts).
	ErrHostUnreachable = errors.New("client: host cannot be reached")

	// ErrSendFailed reports a socket fault while writing a packet.
	ErrSendFailed = errors.New("client: cannot send message to host")

	// ErrReceiveFailed reports a socket fault while reading a packet.
	ErrReceiveFailed = errors.New("client: cannot receive response from host")

	// ErrAuthFailed reports the server's explicit bad-password signal:
	// a packet with id -1, sent at any point during the handshake.
	ErrAuthFailed = errors.New("client: authentication failed")

	// ErrTimeout reports an operation that exceeded its deadline.
	ErrTimeout = errors.New("client: operation timed out")

	// ErrSessionBroken reports a session poisoned by an earlier
	// mid-command failure. Id correlation can no longer be trusted, so
	// the session refuses all further commands; reconnect to recover.
	ErrSessionBroken = errors.New("client: session unusable after earlier failure")
)
