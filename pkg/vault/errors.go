package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/collateralvault/vaultmirror/pkg/db/models/mirror"
	"github.com/collateralvault/vaultmirror/pkg/ledger"
)

var (
	ErrNotFound                  = errors.New("vault not found")
	ErrInvalidInput              = errors.New("invalid input")
	ErrInsufficientBalance       = errors.New("insufficient balance")
	ErrInsufficientLockedBalance = errors.New("insufficient locked balance")
	ErrOverflow                  = errors.New("arithmetic overflow")
	ErrUnderflow                 = errors.New("arithmetic underflow")
	ErrInvariantViolation        = errors.New("balance invariant violated")
	ErrUpstreamUnavailable       = errors.New("upstream unavailable")
	ErrConflict                  = errors.New("vault already exists")
)

// BalanceError is a rejected balance change. It matches its Kind with errors.Is.
type BalanceError struct {
	Kind      error
	Vault     string
	Amount    uint64
	Available uint64
	Locked    uint64
}

func (e *BalanceError) Error() string {
	switch e.Kind {
	case ErrInsufficientBalance:
		return fmt.Sprintf("insufficient balance in vault %s: requested %d, available %d", e.Vault, e.Amount, e.Available)
	case ErrInsufficientLockedBalance:
		return fmt.Sprintf("insufficient locked balance in vault %s: requested %d, locked %d", e.Vault, e.Amount, e.Locked)
	default:
		return fmt.Sprintf("%v in vault %s: amount %d", e.Kind, e.Vault, e.Amount)
	}
}

func (e *BalanceError) Unwrap() error { return e.Kind }

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

// isCritical reports errors that mean the mutation path itself is broken.
func isCritical(err error) bool {
	return errors.Is(err, ErrOverflow) || errors.Is(err, ErrUnderflow) || errors.Is(err, ErrInvariantViolation)
}

// classify maps store and ledger failures onto the package taxonomy.
// Errors already in the taxonomy pass through.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConflict),
		errors.Is(err, ErrInsufficientBalance), errors.Is(err, ErrInsufficientLockedBalance),
		isCritical(err), errors.Is(err, ErrUpstreamUnavailable):
		return err
	case errors.Is(err, mirror.ErrNotFound), errors.Is(err, ledger.ErrAccountNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, mirror.ErrAlreadyExists):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case errors.Is(err, ledger.ErrShortData), errors.Is(err, ledger.ErrUnexpectedAccount):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
}
