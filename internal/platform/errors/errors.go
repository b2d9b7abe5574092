package apperrors

import "errors"

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNotFound         = errors.New("not found")
	ErrDuplicateName    = errors.New("duplicate dataset name")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrConcurrentUpdate = errors.New("dataset changed concurrently")
)
