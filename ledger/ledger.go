// Package ledger defines the token custody service the protocol moves funds
// through, and Book, an in-process implementation of it.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/flashvault/types"
)

var (
	ErrUnknownAccount      = errors.New("ledger: unknown account")
	ErrAccountExists       = errors.New("ledger: account already exists")
	ErrMintMismatch        = errors.New("ledger: accounts hold different mints")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	ErrInvalidRevision     = errors.New("ledger: invalid snapshot revision")
)

// Ledger moves and reports balances of token accounts.
type Ledger interface {
	Transfer(ctx context.Context, from, to common.Address, amount types.Amount) error
	BalanceOf(ctx context.Context, account common.Address) (types.Amount, error)
	Mint(ctx context.Context, to common.Address, amount types.Amount) error
}

// Journal is implemented by ledgers that can undo every change made since a
// snapshot, giving callers all-or-nothing units of execution.
type Journal interface {
	Snapshot() int
	RevertToSnapshot(revision int) error
}

// Committer is implemented by ledgers that buffer changes until told to
// persist them.
type Committer interface {
	Commit() error
}
