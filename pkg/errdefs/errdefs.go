// Package errdefs defines the error taxonomy shared by the credit
// subsystem. Every precondition violation is detected before any state
// mutation and surfaced synchronously as one of these sentinels; nothing
// is retried internally. Callers match with errors.Is.
package errdefs

import "errors"

var (
	// ErrUnauthorized means the caller lacks the role the operation requires.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNotFound means a referenced id does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyDecided means the calculation's one-way verification
	// transition already happened.
	ErrAlreadyDecided = errors.New("calculation already decided")

	// ErrAlreadyGenerated means a credit record already references the
	// calculation.
	ErrAlreadyGenerated = errors.New("credits already generated")

	// ErrAlreadyIssued means the credit's one-time issuance already happened.
	ErrAlreadyIssued = errors.New("credits already issued")

	// ErrNotVerified means the calculation has not been verified.
	ErrNotVerified = errors.New("calculation not verified")

	// ErrInsufficientVehicleBalance means the vehicle balance does not cover
	// the requested amount.
	ErrInsufficientVehicleBalance = errors.New("insufficient vehicle credits")

	// ErrInsufficientAccountBalance means the account balance does not cover
	// the requested amount.
	ErrInsufficientAccountBalance = errors.New("insufficient account credits")

	// ErrVersionNotIncreasing means an upgrade did not strictly increase the
	// registered version.
	ErrVersionNotIncreasing = errors.New("new version must be greater")

	// ErrNotRegistered means the registry has no entry under the name.
	ErrNotRegistered = errors.New("contract not registered")
)
