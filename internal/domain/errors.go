package domain

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrValidation         = errors.New("validation failed")
	ErrLeaseHeld          = errors.New("account already holds an active lease")
	ErrPairingCodeInvalid = errors.New("pairing code invalid, expired or used")
	ErrDeviceRevoked      = errors.New("device revoked")
	ErrLeaseRevoked       = errors.New("lease revoked or expired")
	ErrNotResumable       = errors.New("account not resumable")
	ErrBatchCompleted     = errors.New("batch already completed")
	ErrCheckInProgress    = errors.New("recipient check already in progress")
	ErrNoActiveLease      = errors.New("account has no active lease")
)
