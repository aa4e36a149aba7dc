package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrWSDisconnect  = errors.New("websocket disconnected")
	ErrLockHeld      = errors.New("lock already held")

	// Exchange boundary taxonomy.
	ErrTransient           = errors.New("transient exchange error")
	ErrRejected            = errors.New("rejected by exchange")
	ErrDuplicateOrder      = errors.New("duplicate client order id")
	ErrExchangeUnavailable = errors.New("exchange unavailable")
	ErrMalformedPayload    = errors.New("malformed exchange payload")
	ErrPositionAbsent      = errors.New("position absent on exchange")

	ErrSideMismatch      = errors.New("side mismatch between ledger and exchange")
	ErrStatusConflict    = errors.New("position status conflict")
	ErrStalePrice        = errors.New("stale price")
	ErrTradingHalted     = errors.New("trading halted by circuit breaker")
	ErrInvalidResetToken = errors.New("invalid reset token")
	ErrAlreadyProtected  = errors.New("position already protected")
	ErrCloseInFlight     = errors.New("close already in flight")
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrExchangeUnavailable)
}
