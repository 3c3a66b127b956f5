package exchange

import (
	"errors"
	"fmt"
)

// ErrorKind classifies every vendor failure into the engine taxonomy.
type ErrorKind int

const (
	KindGeneric ErrorKind = iota
	KindInvalidCredentials
	KindInsufficientFunds
	KindOrderValidation
	KindRateLimit
	KindConnection
	KindSlippageExceeded
	KindOrderNotFound
)

func (k ErrorKind) String() string {
	switch k {
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindOrderValidation:
		return "order_validation"
	case KindRateLimit:
		return "rate_limit"
	case KindConnection:
		return "exchange_connection"
	case KindSlippageExceeded:
		return "slippage_exceeded"
	case KindOrderNotFound:
		return "order_not_found"
	default:
		return "exchange_error"
	}
}

// Error is the tagged exchange failure surfaced to the engine. Vendor
// errors never cross this boundary unmapped.
type Error struct {
	Kind     ErrorKind
	Exchange string
	Code     string // vendor code, verbatim
	Msg      string
	Err      error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (code %s): %s", e.Exchange, e.Kind, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Exchange, e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether the caller should retry on a later cycle.
func (e *Error) Transient() bool {
	return e.Kind == KindRateLimit || e.Kind == KindConnection
}

// Fatal reports whether the order can never succeed as submitted.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindInvalidCredentials, KindInsufficientFunds, KindOrderValidation, KindSlippageExceeded:
		return true
	}
	return false
}

func newError(kind ErrorKind, exchange, code, msg string, err error) *Error {
	return &Error{Kind: kind, Exchange: exchange, Code: code, Msg: msg, Err: err}
}

// IsKind reports whether err carries the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Kind == kind
}

// IsTransient reports whether err is worth retrying on the next cycle.
func IsTransient(err error) bool {
	var ee *Error
	return errors.As(err, &ee) && ee.Transient()
}

// IsNotFound reports whether the venue no longer knows the order.
func IsNotFound(err error) bool {
	return IsKind(err, KindOrderNotFound)
}
