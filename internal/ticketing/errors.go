package ticketing

import "errors"

var (
	ErrInvalidCategory   = errors.New("invalid service category")
	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrInvalidCounter    = errors.New("invalid counter")
	ErrInvalidDay        = errors.New("invalid business day")
	// ErrClaimContention means every claim attempt lost a race to another
	// caller while tickets were still waiting.
	ErrClaimContention = errors.New("claim contention")
)
