package store

import "errors"

var (
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrInvalidState     = errors.New("invalid ticket state")
	ErrDuplicateNumber  = errors.New("duplicate ticket number")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrUnknownAction    = errors.New("unknown ticket action")
)
