package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrNotOpen           = errors.New("position is not open")
	ErrInvalidParameters = errors.New("invalid position parameters")
	ErrUnavailable       = errors.New("exchange unavailable")
	ErrInvalidResponse   = errors.New("invalid decision response")
	ErrQueueEmpty        = errors.New("wake queue is empty")
	ErrStaleQuote        = errors.New("quote is stale beyond bound")
	ErrContextDone       = errors.New("context cancelled")
	ErrLockHeld          = errors.New("lock held by another holder")
)
