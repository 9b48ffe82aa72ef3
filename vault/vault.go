// Package vault moves pooled funds between a vault account and borrowers
// through the ledger.
package vault

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flashvault/ledger"
	"github.com/michaelpento.lv/flashvault/types"
	"github.com/michaelpento.lv/flashvault/utils/math"
)

var (
	ErrInsufficientFunds     = errors.New("vault: insufficient funds")
	ErrInsufficientRepayment = errors.New("vault: insufficient repayment")
)

// Vault is a handle on one registered vault. It holds no balance of its own:
// the ledger is the source of truth.
type Vault struct {
	info   types.VaultInfo
	ledger ledger.Ledger
	logger *zap.Logger
}

func New(info types.VaultInfo, l ledger.Ledger, logger *zap.Logger) *Vault {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Vault{
		info:   info,
		ledger: l,
		logger: logger.With(zap.String("vault", info.Address.Hex())),
	}
}

func (v *Vault) Address() common.Address { return v.info.Address }
func (v *Vault) Mint() common.Address    { return v.info.Mint }

// Balance returns the pooled balance.
func (v *Vault) Balance(ctx context.Context) (types.Amount, error) {
	return v.ledger.BalanceOf(ctx, v.info.Address)
}

// Disburse sends amount from the vault to the borrower account. The balance is
// checked first so a short vault never starts a transfer.
func (v *Vault) Disburse(ctx context.Context, borrower common.Address, amount types.Amount) error {
	balance, err := v.Balance(ctx)
	if err != nil {
		return fmt.Errorf("failed to read vault balance: %w", err)
	}
	if balance < amount {
		return fmt.Errorf("%w: have %d, requested %d", ErrInsufficientFunds, balance, amount)
	}
	if err := v.ledger.Transfer(ctx, v.info.Address, borrower, amount); err != nil {
		return fmt.Errorf("failed to disburse: %w", err)
	}
	v.logger.Debug("Disbursed loan", zap.String("borrower", borrower.Hex()), zap.Uint64("amount", amount))
	return nil
}

// Settle collects principal plus fee from the borrower account.
func (v *Vault) Settle(ctx context.Context, borrower common.Address, principal, fee types.Amount) error {
	total, err := math.Add(principal, fee)
	if err != nil {
		return fmt.Errorf("repayment amount: %w", err)
	}
	balance, err := v.ledger.BalanceOf(ctx, borrower)
	if err != nil {
		return fmt.Errorf("failed to read borrower balance: %w", err)
	}
	if balance < total {
		return fmt.Errorf("%w: borrower holds %d, owes %d", ErrInsufficientRepayment, balance, total)
	}
	if err := v.ledger.Transfer(ctx, borrower, v.info.Address, total); err != nil {
		return fmt.Errorf("failed to settle: %w", err)
	}
	v.logger.Debug("Settled loan",
		zap.String("borrower", borrower.Hex()),
		zap.Uint64("principal", principal),
		zap.Uint64("fee", fee),
	)
	return nil
}

// Reclaim pulls a disbursed amount back from the borrower. It reverses
// Disburse on ledgers that cannot roll back a unit of execution themselves.
func (v *Vault) Reclaim(ctx context.Context, borrower common.Address, amount types.Amount) error {
	balance, err := v.ledger.BalanceOf(ctx, borrower)
	if err != nil {
		return fmt.Errorf("failed to read borrower balance: %w", err)
	}
	if balance < amount {
		return fmt.Errorf("%w: borrower holds %d of %d disbursed", ErrInsufficientRepayment, balance, amount)
	}
	if err := v.ledger.Transfer(ctx, borrower, v.info.Address, amount); err != nil {
		return fmt.Errorf("failed to reclaim: %w", err)
	}
	v.logger.Warn("Reclaimed disbursement", zap.String("borrower", borrower.Hex()), zap.Uint64("amount", amount))
	return nil
}
