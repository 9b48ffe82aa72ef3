package vault

import (
	"context"
	stdmath "math"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/flashvault/ledger"
	"github.com/michaelpento.lv/flashvault/store"
	"github.com/michaelpento.lv/flashvault/types"
	"github.com/michaelpento.lv/flashvault/utils/math"
)

var (
	mint     = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	vaultAcc = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	borrower = common.HexToAddress("0x00000000000000000000000000000000000000c1")
)

func setup(t *testing.T) (*Vault, *ledger.Book) {
	t.Helper()
	ctx := context.Background()
	book := ledger.NewBook(store.NewMemDB(), zaptest.NewLogger(t))
	require.NoError(t, book.OpenAccount(ctx, vaultAcc, mint))
	require.NoError(t, book.OpenAccount(ctx, borrower, mint))
	require.NoError(t, book.Mint(ctx, vaultAcc, 1_000_000))

	v := New(types.VaultInfo{Address: vaultAcc, Mint: mint}, book, zaptest.NewLogger(t))
	return v, book
}

func TestDisburseAndSettle(t *testing.T) {
	ctx := context.Background()
	v, book := setup(t)
	require.NoError(t, book.Mint(ctx, borrower, 3_000))

	require.NoError(t, v.Disburse(ctx, borrower, 500_000))
	bal, err := v.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Amount(500_000), bal)

	require.NoError(t, v.Settle(ctx, borrower, 500_000, 3_000))
	bal, err = v.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Amount(1_003_000), bal)

	left, err := book.BalanceOf(ctx, borrower)
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestDisburseInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	v, book := setup(t)

	err := v.Disburse(ctx, borrower, 1_000_001)
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	bal, err := book.BalanceOf(ctx, borrower)
	require.NoError(t, err)
	assert.Zero(t, bal)
}

func TestSettleInsufficientRepayment(t *testing.T) {
	ctx := context.Background()
	v, book := setup(t)
	require.NoError(t, v.Disburse(ctx, borrower, 500_000))

	err := v.Settle(ctx, borrower, 500_000, 3_000)
	assert.ErrorIs(t, err, ErrInsufficientRepayment)

	bal, err := book.BalanceOf(ctx, borrower)
	require.NoError(t, err)
	assert.Equal(t, types.Amount(500_000), bal, "failed settlement must not move funds")
}

func TestSettleOverflow(t *testing.T) {
	v, _ := setup(t)
	err := v.Settle(context.Background(), borrower, stdmath.MaxUint64, 1)
	assert.ErrorIs(t, err, math.ErrOverflow)
}

func TestReclaim(t *testing.T) {
	ctx := context.Background()
	v, _ := setup(t)
	require.NoError(t, v.Disburse(ctx, borrower, 400_000))

	require.NoError(t, v.Reclaim(ctx, borrower, 400_000))
	bal, err := v.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.Amount(1_000_000), bal)

	err = v.Reclaim(ctx, borrower, 1)
	assert.ErrorIs(t, err, ErrInsufficientRepayment)
}

func TestLedgerFailureIsVaultFailure(t *testing.T) {
	ctx := context.Background()
	book := ledger.NewBook(store.NewMemDB(), nil)
	require.NoError(t, book.OpenAccount(ctx, vaultAcc, mint))
	require.NoError(t, book.Mint(ctx, vaultAcc, 10))

	v := New(types.VaultInfo{Address: vaultAcc, Mint: mint}, book, nil)
	err := v.Disburse(ctx, borrower, 5)
	assert.ErrorIs(t, err, ledger.ErrUnknownAccount)
}
