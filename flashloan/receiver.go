package flashloan

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/flashvault/ledger"
	"github.com/michaelpento.lv/flashvault/types"
)

// Loan is what the borrower callback sees of a disbursed loan.
type Loan struct {
	ID              string
	Vault           common.Address
	BorrowerAccount common.Address
	Borrower        common.Address
	Mint            common.Address
	Amount          types.Amount
	Fee             types.Amount
	Expiration      time.Time
	// Ledger only moves funds out of BorrowerAccount.
	Ledger ledger.Ledger
}

// Repayment is the balance BorrowerAccount must hold when the callback
// returns.
func (l Loan) Repayment() types.Amount {
	return l.Amount + l.Fee
}

// Receiver is the borrower logic run between disbursement and settlement.
// Returning an error reverts the loan. Nested protocol calls join the running
// loan only when they pass on the ctx they were given; any other ctx starts an
// unrelated loan, which a journaled ledger rejects while this one runs.
type Receiver interface {
	OnFlashLoan(ctx context.Context, loan Loan) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(ctx context.Context, loan Loan) error

func (f ReceiverFunc) OnFlashLoan(ctx context.Context, loan Loan) error {
	return f(ctx, loan)
}

// scopedLedger is the capability handed to the callback.
type scopedLedger struct {
	ledger  ledger.Ledger
	account common.Address
}

func (s scopedLedger) Transfer(ctx context.Context, from, to common.Address, amount types.Amount) error {
	if from != s.account {
		return fmt.Errorf("%w: transfer from %s", ErrForbidden, from.Hex())
	}
	return s.ledger.Transfer(ctx, from, to, amount)
}

func (s scopedLedger) BalanceOf(ctx context.Context, account common.Address) (types.Amount, error) {
	return s.ledger.BalanceOf(ctx, account)
}

func (s scopedLedger) Mint(context.Context, common.Address, types.Amount) error {
	return fmt.Errorf("%w: mint", ErrForbidden)
}
