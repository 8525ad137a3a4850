// Package common defines shared constants and sentinel errors used across
// the identity host. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound      = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	ErrLeaseLost       = errors.New("lease lost")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")
	ErrorAccessDenied = errors.New("access denied")
	ErrorBadRequest   = errors.New("bad request")

	// Delivery errors.
	ErrRecipientUnreachable = errors.New("recipient unreachable")
	ErrUnknownIdentity      = errors.New("unknown identity")
	ErrDriveNotFound        = errors.New("drive not found")

	// Validation errors.
	ErrorIncorrectMetadata = errors.New("incorrect metadata")
	ErrInvalidToken        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
)
