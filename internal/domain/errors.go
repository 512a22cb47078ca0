package domain

import "errors"

// Sentinel errors shared across the client, hub and coordinator packages.
var (
	// ErrUnauthorized means the caller's bearer credential could not be
	// validated by the negotiation endpoint.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotAuthorized means a connection attempted a group operation its
	// grant does not cover.
	ErrNotAuthorized = errors.New("not authorized for group")

	// ErrUnavailable means the hub control plane could not be reached
	// within the bounded retry budget.
	ErrUnavailable = errors.New("hub unavailable")

	// ErrAckTimeout means the hub did not acknowledge a send in time.
	ErrAckTimeout = errors.New("acknowledgment timeout")

	// ErrSessionClosed means an operation was attempted on a disposed session.
	ErrSessionClosed = errors.New("session closed")
)
