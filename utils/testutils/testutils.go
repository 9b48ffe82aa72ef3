package testutils

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/flashvault/auth"
	"github.com/michaelpento.lv/flashvault/ledger"
	"github.com/michaelpento.lv/flashvault/store"
	"github.com/michaelpento.lv/flashvault/types"
)

// CreateTestKey generates a borrower key and its address
func CreateTestKey(t testing.TB) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// Address returns a deterministic address for test account n
func Address(n uint64) common.Address {
	return common.BigToAddress(new(big.Int).SetUint64(n))
}

// NewFundedBook opens one account per balance entry, all holding mint, and
// commits the initial balances.
func NewFundedBook(t testing.TB, db store.KV, mint common.Address, balances map[common.Address]types.Amount) *ledger.Book {
	t.Helper()
	ctx := context.Background()
	book := ledger.NewBook(db, zaptest.NewLogger(t))
	for addr, amount := range balances {
		require.NoError(t, book.OpenAccount(ctx, addr, mint))
		if amount > 0 {
			require.NoError(t, book.Mint(ctx, addr, amount))
		}
	}
	require.NoError(t, book.Commit())
	return book
}

// SignRequest signs req with key and returns it
func SignRequest(t testing.TB, req types.LoanRequest, key *ecdsa.PrivateKey) types.LoanRequest {
	t.Helper()
	require.NoError(t, auth.Sign(&req, key))
	return req
}

// Balance reads the balance of addr or fails the test
func Balance(t testing.TB, l ledger.Ledger, addr common.Address) types.Amount {
	t.Helper()
	bal, err := l.BalanceOf(context.Background(), addr)
	require.NoError(t, err)
	return bal
}
