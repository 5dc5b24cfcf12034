package domain

import "errors"

var (
	// ErrCooldownActive marks a stream that exhausted its reconnect attempts and is waiting out the cooldown.
	ErrCooldownActive = errors.New("reconnect cooldown active")

	// ErrUnknownMethod is returned for subscription methods the transport does not support.
	ErrUnknownMethod = errors.New("unknown subscription method")

	// ErrMissingParam is returned when a required subscription parameter is absent or empty.
	ErrMissingParam = errors.New("missing subscription parameter")
)
