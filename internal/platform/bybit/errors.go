package bybit

import (
	"context"
	"errors"
	"fmt"

	"github.com/derobiwan/trader-sub000/internal/domain"
)

// Ret codes with a defined mapping.
const (
	codeParamsError       = 10001
	codeServerTimeout     = 10002
	codeRateLimit         = 10006
	codeAuthFailed        = 10003
	codeSignError         = 10004
	codeServerBusy        = 10016
	codeOrderNotFound     = 110001
	codeOrderFinished     = 110008
	codePositionAbsent    = 110017
	codeLeverageUnchanged = 110043
	codeDuplicateLinkID   = 110072
)

// APIError is a non-zero retCode from the venue.
type APIError struct {
	Op   string
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bybit: %s: retCode %d: %s", e.Op, e.Code, e.Msg)
}

// Is maps the ret code onto the domain error taxonomy.
func (e *APIError) Is(target error) bool {
	return errors.Is(classify(e.Code), target)
}

func classify(code int) error {
	switch code {
	case codeRateLimit:
		return domain.ErrRateLimited
	case codeServerTimeout, codeServerBusy:
		return domain.ErrTransient
	case codeAuthFailed, codeSignError:
		return domain.ErrUnauthorized
	case codeOrderNotFound, codeOrderFinished:
		return domain.ErrNotFound
	case codeDuplicateLinkID:
		return domain.ErrDuplicateOrder
	case codePositionAbsent:
		return domain.ErrPositionAbsent
	case codeParamsError:
		return domain.ErrInvalidOrder
	}
	return domain.ErrRejected
}

// transportError classifies failures below the API layer. Anything that is
// not a caller cancellation is treated as transient.
func transportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("bybit: %s: %w", op, err)
	}
	return fmt.Errorf("bybit: %s: %w: %v", op, domain.ErrTransient, err)
}

func malformed(op, format string, args ...any) error {
	return fmt.Errorf("bybit: %s: %w: %s", op, domain.ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func asAPIError(err error, target **APIError) bool {
	return err != nil && errors.As(err, target)
}
