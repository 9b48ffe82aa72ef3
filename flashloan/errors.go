package flashloan

import (
	"errors"

	"github.com/michaelpento.lv/flashvault/fee"
	"github.com/michaelpento.lv/flashvault/guard"
	"github.com/michaelpento.lv/flashvault/state"
	"github.com/michaelpento.lv/flashvault/utils/math"
	"github.com/michaelpento.lv/flashvault/vault"
)

// Errors returned by the protocol. Errors from the component packages are
// re-exported so callers only need this package for errors.Is checks.
var (
	ErrInvalidExpiration     = errors.New("flashloan: expiration must be in the future")
	ErrExpired               = errors.New("flashloan: loan expired before settlement")
	ErrVaultExists           = errors.New("flashloan: vault already registered")
	ErrMintMismatch          = errors.New("flashloan: mint does not match vault")
	ErrUnauthorized          = errors.New("flashloan: borrower did not authorize request")
	ErrCooldown              = errors.New("flashloan: vault cooldown period not over")
	ErrRateLimited           = errors.New("flashloan: borrower rate limit exceeded")
	ErrNoReceiver            = errors.New("flashloan: receiver required")
	ErrCallbackFailed        = errors.New("flashloan: borrower callback failed")
	ErrLoanStateChanged      = errors.New("flashloan: loan state changed during callback")
	ErrForbidden             = errors.New("flashloan: operation not permitted during callback")
	ErrRollbackFailed        = errors.New("flashloan: rollback failed")
	ErrInvalidAmount         = fee.ErrInvalidAmount
	ErrAlreadyLocked         = guard.ErrAlreadyLocked
	ErrInsufficientFunds     = vault.ErrInsufficientFunds
	ErrInsufficientRepayment = vault.ErrInsufficientRepayment
	ErrOverflow              = math.ErrOverflow
	ErrUnknownVault          = state.ErrVaultNotFound
)
