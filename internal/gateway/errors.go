package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientFunds rejects a buy whose estimated cost exceeds the
	// cash balance. No side effects occur.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrPriceUnavailable rejects a buy that cannot be validated because no
	// market price could be obtained.
	ErrPriceUnavailable = errors.New("price unavailable")
)

// ValidationError reports a malformed order request.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// BrokerError wraps a failed broker call. When submission fails no ledger
// mutation has occurred.
type BrokerError struct {
	Op  string
	Err error
}

func (e *BrokerError) Error() string { return fmt.Sprintf("broker %s failed: %v", e.Op, e.Err) }
func (e *BrokerError) Unwrap() error { return e.Err }
