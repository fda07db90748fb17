package accounting

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates a missing account, voucher, entry or parent.
	ErrNotFound = errors.New("accounting: not found")
	// ErrValidation indicates bad input such as an inactive account or a non-positive amount.
	ErrValidation = errors.New("accounting: validation failed")
	// ErrState indicates the operation is invalid for the current lifecycle state.
	ErrState = errors.New("accounting: invalid state")
	// ErrBalance indicates debits and credits differ beyond tolerance.
	ErrBalance = errors.New("accounting: voucher does not balance")
	// ErrEmptyVoucher indicates posting a voucher without entries.
	ErrEmptyVoucher = errors.New("accounting: voucher has no entries")
	// ErrConcurrentModification indicates a conflicting concurrent write; the operation may be retried.
	ErrConcurrentModification = errors.New("accounting: concurrent modification")
	// ErrMappingNotFound indicates account mapping missing.
	ErrMappingNotFound = fmt.Errorf("%w: account mapping", ErrNotFound)
	// ErrSourceAlreadyPosted indicates a business document that already has a posted voucher.
	ErrSourceAlreadyPosted = fmt.Errorf("%w: source already posted", ErrState)
)

// BalanceError carries the totals of a voucher rejected at posting time.
type BalanceError struct {
	VoucherNumber string
	Debit         decimal.Decimal
	Credit        decimal.Decimal
	Difference    decimal.Decimal
}

func (e *BalanceError) Error() string {
	return fmt.Sprintf("accounting: voucher %s does not balance: debit %s, credit %s, difference %s",
		e.VoucherNumber, e.Debit.StringFixed(2), e.Credit.StringFixed(2), e.Difference.StringFixed(2))
}

func (e *BalanceError) Unwrap() error {
	return ErrBalance
}

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "accounting: " + e.Reason
	}
	return fmt.Sprintf("accounting: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AmountScale is the number of decimal places an amount may carry.
const AmountScale = 4

// maxAmount bounds amounts to the NUMERIC(20,4) columns of the ledger.
var maxAmount = decimal.New(1, 20-AmountScale)

func checkAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return invalid(field, "amount must be greater than zero")
	}
	if !amount.Equal(amount.Truncate(AmountScale)) {
		return invalid(field, fmt.Sprintf("amount must not have more than %d decimal places", AmountScale))
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return invalid(field, "amount is too large")
	}
	return nil
}

func notFound(what string, id int64) error {
	return fmt.Errorf("%w: %s %d", ErrNotFound, what, id)
}

func badState(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrState, fmt.Sprintf(format, args...))
}

// IsNotFound reports whether err indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError reports whether err was caused by caller input or lifecycle state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrState) ||
		errors.Is(err, ErrBalance) ||
		errors.Is(err, ErrEmptyVoucher)
}

// IsRetryable reports whether the operation might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
