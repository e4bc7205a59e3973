package store

import "errors"

var (
	ErrValidation      = errors.New("invalid input")
	ErrInvalidStatus   = errors.New("invalid status")
	ErrBranchNotFound  = errors.New("branch not found")
	ErrServiceNotFound = errors.New("service not found")
	ErrEntryNotFound   = errors.New("queue entry not found")
	ErrServiceInUse    = errors.New("service is referenced by queue entries")
	ErrCodeExhausted   = errors.New("could not allocate a unique branch code")
)
