package auth

import "errors"

var (
	// ErrPopupBlocked is returned when the login window could not be opened.
	ErrPopupBlocked = errors.New("popup blocked")
	// ErrTimeout is returned when no terminal message arrived before the deadline.
	ErrTimeout = errors.New("authentication timed out")
	// ErrCancelled is returned when the user or the popup abandoned the attempt.
	ErrCancelled = errors.New("authentication cancelled")
	// ErrRejected is returned when the backend answered with success=false.
	ErrRejected = errors.New("rejected by backend")
	// ErrAuthFailed is returned when the popup reported an authentication error.
	ErrAuthFailed = errors.New("authentication failed")

	ErrAlreadyConnecting = errors.New("authentication already in progress")
	ErrAlreadyConnected  = errors.New("already connected")
	ErrNotConnected      = errors.New("not connected")
	ErrNotConnecting     = errors.New("no authentication in progress")
	ErrTornDown          = errors.New("handshake torn down")
	// ErrSuperseded is returned when an attempt ended while its RPC was in flight.
	ErrSuperseded = errors.New("attempt superseded")

	ErrUntrustedOrigin  = errors.New("untrusted message origin")
	ErrMalformedMessage = errors.New("malformed message")
)
