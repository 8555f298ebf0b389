package apperrors

import "errors"

// Standardized venue and engine errors. Venue JSON error codes are mapped
// onto these sentinels in one place (the venue client's parseError); the
// rest of the engine matches with errors.Is and never inspects messages.
var (
	ErrRateLimited          = errors.New("rate limited")
	ErrBanned               = errors.New("ip banned")
	ErrAuthFailed           = errors.New("authentication failed")
	ErrInvalidParam         = errors.New("invalid order parameter")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrReduceOnlyRejected   = errors.New("reduce-only order rejected")
	ErrPositionNotFound     = errors.New("position not found")
	ErrOrderNotFound        = errors.New("order not found")
	ErrMinNotional          = errors.New("order below min notional")
	ErrNoPositionSideChange = errors.New("position mode already set")
	ErrDuplicateOrder       = errors.New("duplicate client order id")
	ErrStoreBusy            = errors.New("store busy")
	ErrStreamDisconnected   = errors.New("stream disconnected")
	ErrNetwork              = errors.New("network error")
	ErrUnknownVenue         = errors.New("unclassified venue error")
)

// Retryable reports whether an operation that failed with err may be retried
// as-is. Rate limiting is excluded: the governor owns that policy.
func Retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrStoreBusy), errors.Is(err, ErrStreamDisconnected):
		return true
	}
	return false
}

// PositionGone reports whether err indicates the venue position backing a
// reduce order no longer exists.
func PositionGone(err error) bool {
	return errors.Is(err, ErrReduceOnlyRejected) || errors.Is(err, ErrPositionNotFound)
}
