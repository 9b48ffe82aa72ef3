package flashloan

import (
	"context"
	"crypto/ecdsa"
	"errors"
	stdmath "math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/flashvault/fee"
	"github.com/michaelpento.lv/flashvault/ledger"
	"github.com/michaelpento.lv/flashvault/receipts"
	"github.com/michaelpento.lv/flashvault/state"
	"github.com/michaelpento.lv/flashvault/store"
	"github.com/michaelpento.lv/flashvault/types"
	"github.com/michaelpento.lv/flashvault/utils/metrics"
	"github.com/michaelpento.lv/flashvault/utils/testutils"
)

var (
	testMint   = testutils.Address(0xaa)
	otherMint  = testutils.Address(0xbb)
	vaultAcct  = testutils.Address(0x10)
	otherVault = testutils.Address(0x11)
	borrowAcct = testutils.Address(0x30)
	sinkAcct   = testutils.Address(0x40)
)

const (
	vaultFunds    = 1_000_000
	borrowerFunds = 10_000
	loanAmount    = 500_000
	loanFee       = 3_000
)

// failingKV fails batch writes once armed. The ledger book never commits
// through it in compensating mode, so only the repository sees the failure.
type failingKV struct {
	store.KV
	armed *atomic.Bool
}

func (kv failingKV) NewBatch() store.Batch {
	return failingBatch{Batch: kv.KV.NewBatch(), armed: kv.armed}
}

type failingBatch struct {
	store.Batch
	armed *atomic.Bool
}

func (b failingBatch) Write() error {
	if b.armed.Load() {
		return errors.New("disk full")
	}
	return b.Batch.Write()
}

// plainLedger hides the journal of the book underneath so the protocol has
// to fall back to compensating transfers.
type plainLedger struct {
	ledger.Ledger
}

type fixture struct {
	protocol *Protocol
	book     *ledger.Book
	ledger   ledger.Ledger
	db       store.KV
	repo     *state.Repository
	index    *receipts.Index
	metrics  *metrics.LoanMetrics
	key      *ecdsa.PrivateKey
	borrower common.Address
	now      time.Time
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	params   Params
	journal  bool
	balances map[common.Address]types.Amount
	wrap     func(store.KV) store.KV
}

func withParams(p Params) fixtureOption {
	return func(c *fixtureConfig) { c.params = p }
}

func withoutJournal() fixtureOption {
	return func(c *fixtureConfig) { c.journal = false }
}

func withRepositoryStore(wrap func(store.KV) store.KV) fixtureOption {
	return func(c *fixtureConfig) { c.wrap = wrap }
}

func withBorrowerFunds(amount types.Amount) fixtureOption {
	return func(c *fixtureConfig) { c.balances[borrowAcct] = amount }
}

func noLimits() Params {
	p := DefaultParams()
	p.Cooldown = 0
	return p
}

func newFixture(t testing.TB, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := &fixtureConfig{
		params:  noLimits(),
		journal: true,
		balances: map[common.Address]types.Amount{
			vaultAcct:  vaultFunds,
			otherVault: vaultFunds,
			borrowAcct: borrowerFunds,
			sinkAcct:   0,
		},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	logger := zaptest.NewLogger(t)
	db := store.NewMemDB()
	book := testutils.NewFundedBook(t, db, testMint, cfg.balances)
	var l ledger.Ledger = book
	if !cfg.journal {
		l = plainLedger{book}
	}

	calc, err := fee.NewCalculator(fee.DefaultSchedule())
	require.NoError(t, err)
	var repoDB store.KV = db
	if cfg.wrap != nil {
		repoDB = cfg.wrap(db)
	}
	repo := state.NewRepository(repoDB)
	p, err := New(repo, l, calc, cfg.params, logger)
	require.NoError(t, err)

	index, err := receipts.NewIndex(&receipts.IndexConfig{MaxSize: 16}, logger)
	require.NoError(t, err)
	m := metrics.NewLoanMetrics(prometheus.NewRegistry(), "test")
	p.SetEventSink(index)
	p.SetMetrics(m)

	key, borrower := testutils.CreateTestKey(t)
	f := &fixture{
		protocol: p,
		book:     book,
		ledger:   l,
		db:       db,
		repo:     repo,
		index:    index,
		metrics:  m,
		key:      key,
		borrower: borrower,
		now:      time.Unix(1_700_000_000, 0),
	}
	p.SetClock(func() time.Time { return f.now })

	ctx := context.Background()
	_, err = p.InitVault(ctx, vaultAcct, testMint)
	require.NoError(t, err)
	_, err = p.InitVault(ctx, otherVault, testMint)
	require.NoError(t, err)
	return f
}

func (f *fixture) request(t testing.TB, vault common.Address, amount types.Amount) types.LoanRequest {
	t.Helper()
	return testutils.SignRequest(t, types.LoanRequest{
		Vault:           vault,
		BorrowerAccount: borrowAcct,
		Mint:            testMint,
		Amount:          amount,
		Expiration:      f.now.Add(time.Minute),
	}, f.key)
}

func (f *fixture) balance(t testing.TB, addr common.Address) types.Amount {
	t.Helper()
	return testutils.Balance(t, f.ledger, addr)
}

func (f *fixture) assertIdle(t *testing.T, vault common.Address) {
	t.Helper()
	st, err := f.protocol.LoanState(vault)
	require.NoError(t, err)
	assert.False(t, st.Active)
	locked, err := f.protocol.guard.Locked(vault)
	require.NoError(t, err)
	assert.False(t, locked)
}

func (f *fixture) assertUntouched(t *testing.T) {
	t.Helper()
	assert.Equal(t, types.Amount(vaultFunds), f.balance(t, vaultAcct))
	assert.Equal(t, types.Amount(borrowerFunds), f.balance(t, borrowAcct))
	assert.Equal(t, types.Amount(0), f.balance(t, sinkAcct))
	f.assertIdle(t, vaultAcct)
}

var repay = ReceiverFunc(func(context.Context, Loan) error { return nil })

// spend moves the borrowed funds away so they cannot be repaid.
var spend = ReceiverFunc(func(ctx context.Context, loan Loan) error {
	return loan.Ledger.Transfer(ctx, loan.BorrowerAccount, sinkAcct, loan.Amount)
})

func TestExecuteFlashLoan(t *testing.T) {
	ctx := context.Background()

	t.Run("Repaid", func(t *testing.T) {
		f := newFixture(t)
		f.assertIdle(t, vaultAcct)

		var seen Loan
		recv := ReceiverFunc(func(ctx context.Context, loan Loan) error {
			seen = loan
			st, err := f.protocol.LoanState(vaultAcct)
			require.NoError(t, err)
			assert.True(t, st.Active)
			assert.Equal(t, types.Amount(loanAmount), st.Amount)
			assert.Equal(t, types.Amount(loanFee), st.Fee)
			assert.Equal(t, types.Amount(borrowerFunds+loanAmount), testutils.Balance(t, loan.Ledger, loan.BorrowerAccount))
			return nil
		})

		receipt, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), recv)
		require.NoError(t, err)
		require.NotNil(t, receipt)

		assert.Equal(t, types.Amount(loanFee), receipt.Fee)
		assert.Equal(t, seen.ID, receipt.ID)
		assert.Equal(t, f.borrower, receipt.Borrower)
		assert.Equal(t, types.Amount(loanAmount+loanFee), seen.Repayment())
		assert.Equal(t, types.Amount(vaultFunds+loanFee), f.balance(t, vaultAcct))
		assert.Equal(t, types.Amount(borrowerFunds-loanFee), f.balance(t, borrowAcct))
		f.assertIdle(t, vaultAcct)

		stats, err := f.protocol.Stats(vaultAcct)
		require.NoError(t, err)
		assert.Equal(t, types.LoanStats{
			TotalLoansIssued:   1,
			TotalFeesCollected: loanFee,
			TotalVolume:        loanAmount,
			AverageLoanSize:    loanAmount,
		}, *stats)

		st, err := f.protocol.LoanState(vaultAcct)
		require.NoError(t, err)
		assert.Equal(t, uint64(f.now.Unix()), st.LastLoanAt)

		stored, ok := f.index.Get(receipt.ID)
		require.True(t, ok)
		assert.Equal(t, *receipt, stored)

		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Successes))
		assert.Equal(t, float64(loanFee), testutil.ToFloat64(f.metrics.Fees))
		assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.ActiveLoans))

		var latency dto.Metric
		require.NoError(t, f.metrics.ExecutionTime.Write(&latency))
		assert.Equal(t, uint64(1), latency.GetHistogram().GetSampleCount())
	})

	t.Run("CommitsLedger", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), repay)
		require.NoError(t, err)

		reopened := ledger.NewBook(f.db, zaptest.NewLogger(t))
		assert.Equal(t, types.Amount(vaultFunds+loanFee), testutils.Balance(t, reopened, vaultAcct))
	})

	t.Run("NotRepaid", func(t *testing.T) {
		f := newFixture(t)
		receipt, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), spend)
		assert.ErrorIs(t, err, ErrInsufficientRepayment)
		assert.Nil(t, receipt)
		f.assertUntouched(t)
		assert.Equal(t, 0, f.index.Len())

		stats, err := f.protocol.Stats(vaultAcct)
		require.NoError(t, err)
		assert.Equal(t, types.LoanStats{}, *stats)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Rollbacks.WithLabelValues(metrics.RollbackJournal)))
	})

	t.Run("Reentrant", func(t *testing.T) {
		f := newFixture(t)
		var nestedErr error
		recv := ReceiverFunc(func(ctx context.Context, loan Loan) error {
			_, nestedErr = f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, 1_000), repay)
			return nestedErr
		})

		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), recv)
		assert.ErrorIs(t, nestedErr, ErrAlreadyLocked)
		assert.ErrorIs(t, err, ErrAlreadyLocked)
		assert.ErrorIs(t, err, ErrCallbackFailed)
		f.assertUntouched(t)
	})

	t.Run("ReentrantDetachedContext", func(t *testing.T) {
		f := newFixture(t)
		var nestedErr error
		recv := ReceiverFunc(func(_ context.Context, loan Loan) error {
			_, nestedErr = f.protocol.ExecuteFlashLoan(context.Background(), f.request(t, vaultAcct, 1_000), repay)
			return nestedErr
		})

		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), recv)
		assert.ErrorIs(t, nestedErr, ErrAlreadyLocked)
		assert.ErrorIs(t, err, ErrAlreadyLocked)
		f.assertUntouched(t)
	})

	t.Run("OtherVaultDetachedContext", func(t *testing.T) {
		f := newFixture(t)
		var nestedErr error
		recv := ReceiverFunc(func(_ context.Context, loan Loan) error {
			_, nestedErr = f.protocol.ExecuteFlashLoan(context.Background(), f.request(t, otherVault, 1_000), repay)
			return nil
		})

		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), recv)
		require.NoError(t, err)
		assert.ErrorIs(t, nestedErr, ErrAlreadyLocked)
		assert.Equal(t, types.Amount(vaultFunds), f.balance(t, otherVault))
		f.assertIdle(t, otherVault)
	})

	t.Run("NestedLoanRevertsWithOuter", func(t *testing.T) {
		f := newFixture(t)
		var nested *types.Receipt
		recv := ReceiverFunc(func(ctx context.Context, loan Loan) error {
			var err error
			nested, err = f.protocol.ExecuteFlashLoan(ctx, f.request(t, otherVault, 1_000), repay)
			require.NoError(t, err)
			return spend.OnFlashLoan(ctx, loan)
		})

		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), recv)
		assert.ErrorIs(t, err, ErrInsufficientRepayment)
		require.NotNil(t, nested)
		f.assertUntouched(t)

		assert.Equal(t, types.Amount(vaultFunds), f.balance(t, otherVault))
		f.assertIdle(t, otherVault)
		stats, err := f.protocol.Stats(otherVault)
		require.NoError(t, err)
		assert.Equal(t, types.LoanStats{}, *stats)
		st, err := f.protocol.LoanState(otherVault)
		require.NoError(t, err)
		assert.Zero(t, st.LastLoanAt)

		_, ok := f.index.Get(nested.ID)
		assert.False(t, ok)
		assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.Successes))
	})

	t.Run("NestedLoanCommitsWithOuter", func(t *testing.T) {
		f := newFixture(t)
		var nested []*types.Receipt
		recv := ReceiverFunc(func(ctx context.Context, loan Loan) error {
			for i := 0; i < 2; i++ {
				r, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, otherVault, 1_000), repay)
				require.NoError(t, err)
				nested = append(nested, r)
			}
			return nil
		})

		outer, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), recv)
		require.NoError(t, err)
		require.Len(t, nested, 2)

		assert.Equal(t, types.Amount(vaultFunds+loanFee), f.balance(t, vaultAcct))
		assert.Equal(t, types.Amount(vaultFunds+20), f.balance(t, otherVault))
		assert.Equal(t, types.Amount(borrowerFunds-loanFee-20), f.balance(t, borrowAcct))
		f.assertIdle(t, otherVault)

		stats, err := f.protocol.Stats(otherVault)
		require.NoError(t, err)
		assert.Equal(t, types.LoanStats{
			TotalLoansIssued:   2,
			TotalFeesCollected: 20,
			TotalVolume:        2_000,
			AverageLoanSize:    1_000,
		}, *stats)
		st, err := f.protocol.LoanState(otherVault)
		require.NoError(t, err)
		assert.Equal(t, uint64(f.now.Unix()), st.LastLoanAt)

		for _, r := range append(nested, outer) {
			_, ok := f.index.Get(r.ID)
			assert.True(t, ok, r.ID)
		}
		assert.Equal(t, float64(3), testutil.ToFloat64(f.metrics.Successes))

		reopened := ledger.NewBook(f.db, zaptest.NewLogger(t))
		assert.Equal(t, types.Amount(vaultFunds+20), testutils.Balance(t, reopened, otherVault))
	})

	t.Run("CallbackError", func(t *testing.T) {
		f := newFixture(t)
		boom := errors.New("swap failed")
		recv := ReceiverFunc(func(ctx context.Context, loan Loan) error {
			require.NoError(t, loan.Ledger.Transfer(ctx, loan.BorrowerAccount, sinkAcct, 100))
			return boom
		})

		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), recv)
		assert.ErrorIs(t, err, ErrCallbackFailed)
		assert.ErrorIs(t, err, boom)
		f.assertUntouched(t)
	})

	t.Run("CallbackPanic", func(t *testing.T) {
		f := newFixture(t)
		recv := ReceiverFunc(func(context.Context, Loan) error { panic("boom") })

		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), recv)
		assert.ErrorIs(t, err, ErrCallbackFailed)
		f.assertUntouched(t)
	})

	t.Run("ScopedLedger", func(t *testing.T) {
		f := newFixture(t)
		recv := ReceiverFunc(func(ctx context.Context, loan Loan) error {
			assert.ErrorIs(t, loan.Ledger.Transfer(ctx, vaultAcct, sinkAcct, 1), ErrForbidden)
			assert.ErrorIs(t, loan.Ledger.Mint(ctx, loan.BorrowerAccount, loanFee), ErrForbidden)
			return nil
		})

		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), recv)
		require.NoError(t, err)
		assert.Equal(t, types.Amount(0), f.balance(t, sinkAcct))
	})

	t.Run("ExpiresDuringCallback", func(t *testing.T) {
		f := newFixture(t)
		req := f.request(t, vaultAcct, loanAmount)
		recv := ReceiverFunc(func(context.Context, Loan) error {
			f.now = req.Expiration
			return nil
		})

		_, err := f.protocol.ExecuteFlashLoan(ctx, req, recv)
		assert.ErrorIs(t, err, ErrExpired)
		f.assertUntouched(t)
	})

	t.Run("InsufficientFunds", func(t *testing.T) {
		params := noLimits()
		params.MaxLoanAmount = 0
		f := newFixture(t, withParams(params))

		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, vaultFunds+1), repay)
		assert.ErrorIs(t, err, ErrInsufficientFunds)
		f.assertUntouched(t)
	})

	t.Run("StatsOverflow", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.repo.PutStats(vaultAcct, &types.LoanStats{TotalVolume: stdmath.MaxUint64}))

		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), repay)
		assert.ErrorIs(t, err, ErrOverflow)
		f.assertUntouched(t)
	})
}

func TestExecuteFlashLoanValidation(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		mutate   func(t *testing.T, f *fixture, req *types.LoanRequest)
		unsigned bool
		nilRecv  bool
		wantErr  error
	}{
		{
			name:    "UnknownVault",
			mutate:  func(_ *testing.T, _ *fixture, req *types.LoanRequest) { req.Vault = sinkAcct },
			wantErr: ErrUnknownVault,
		},
		{
			name:    "MintMismatch",
			mutate:  func(_ *testing.T, _ *fixture, req *types.LoanRequest) { req.Mint = otherMint },
			wantErr: ErrMintMismatch,
		},
		{
			name:    "ZeroAmount",
			mutate:  func(_ *testing.T, _ *fixture, req *types.LoanRequest) { req.Amount = 0 },
			wantErr: ErrInvalidAmount,
		},
		{
			name: "AboveMaximum",
			mutate: func(_ *testing.T, _ *fixture, req *types.LoanRequest) {
				req.Amount = DefaultParams().MaxLoanAmount + 1
			},
			wantErr: ErrInvalidAmount,
		},
		{
			name: "PastExpiration",
			mutate: func(_ *testing.T, f *fixture, req *types.LoanRequest) {
				req.Expiration = f.now.Add(-time.Second)
			},
			wantErr: ErrInvalidExpiration,
		},
		{
			name:    "ExpirationIsNow",
			mutate:  func(_ *testing.T, f *fixture, req *types.LoanRequest) { req.Expiration = f.now },
			wantErr: ErrInvalidExpiration,
		},
		{
			name:     "MissingSignature",
			mutate:   func(_ *testing.T, _ *fixture, req *types.LoanRequest) { req.Signature = nil },
			unsigned: true,
			wantErr:  ErrUnauthorized,
		},
		{
			name: "WrongSigner",
			mutate: func(t *testing.T, _ *fixture, req *types.LoanRequest) {
				other, _ := testutils.CreateTestKey(t)
				req.Signature = testutils.SignRequest(t, *req, other).Signature
			},
			unsigned: true,
			wantErr:  ErrUnauthorized,
		},
		{
			name:    "NilReceiver",
			nilRecv: true,
			wantErr: ErrNoReceiver,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := f.request(t, vaultAcct, loanAmount)
			if tt.mutate != nil {
				tt.mutate(t, f, &req)
			}
			if !tt.unsigned {
				req = testutils.SignRequest(t, req, f.key)
			}
			var recv Receiver = repay
			if tt.nilRecv {
				recv = nil
			}

			receipt, err := f.protocol.ExecuteFlashLoan(ctx, req, recv)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, receipt)
			f.assertUntouched(t)
			assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Attempts))
			assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.Successes))
		})
	}
}

func TestComponentErrorsMatch(t *testing.T) {
	calc, err := fee.NewCalculator(fee.DefaultSchedule())
	require.NoError(t, err)

	_, err = calc.Compute(0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = calc.Compute(stdmath.MaxUint64)
	assert.ErrorIs(t, err, ErrOverflow)
}

func TestCompensatingRollback(t *testing.T) {
	ctx := context.Background()

	t.Run("Reclaimed", func(t *testing.T) {
		f := newFixture(t, withoutJournal())
		require.Nil(t, f.protocol.journal)

		recv := ReceiverFunc(func(context.Context, Loan) error { return errors.New("abort") })
		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), recv)
		assert.ErrorIs(t, err, ErrCallbackFailed)
		assert.NotErrorIs(t, err, ErrRollbackFailed)
		f.assertUntouched(t)
		assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Rollbacks.WithLabelValues(metrics.RollbackCompensating)))
	})

	t.Run("FeeRefundedAfterSettle", func(t *testing.T) {
		var armed atomic.Bool
		f := newFixture(t, withoutJournal(), withRepositoryStore(func(db store.KV) store.KV {
			return failingKV{KV: db, armed: &armed}
		}))
		// Settlement succeeds but persisting the slot and stats fails.
		recv := ReceiverFunc(func(context.Context, Loan) error {
			armed.Store(true)
			return nil
		})

		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), recv)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrRollbackFailed)
		f.assertUntouched(t)
	})

	t.Run("ReclaimFails", func(t *testing.T) {
		f := newFixture(t, withoutJournal())
		recv := ReceiverFunc(func(ctx context.Context, loan Loan) error {
			require.NoError(t, spend(ctx, loan))
			return errors.New("abort")
		})

		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), recv)
		assert.ErrorIs(t, err, ErrCallbackFailed)
		assert.ErrorIs(t, err, ErrRollbackFailed)
		f.assertIdle(t, vaultAcct)
	})
}

func TestCooldown(t *testing.T) {
	ctx := context.Background()
	params := noLimits()
	params.Cooldown = time.Minute
	f := newFixture(t, withParams(params))

	_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, 1_000), repay)
	require.NoError(t, err)

	f.now = f.now.Add(30 * time.Second)
	_, err = f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, 1_000), repay)
	assert.ErrorIs(t, err, ErrCooldown)
	f.assertIdle(t, vaultAcct)

	// Other vaults keep their own cooldown.
	_, err = f.protocol.ExecuteFlashLoan(ctx, f.request(t, otherVault, 1_000), repay)
	require.NoError(t, err)

	f.now = f.now.Add(30 * time.Second)
	_, err = f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, 1_000), repay)
	require.NoError(t, err)
}

func TestBorrowerRateLimit(t *testing.T) {
	ctx := context.Background()
	params := noLimits()
	params.BorrowerRateLimit = 1.0 / 60
	params.BorrowerBurst = 1
	f := newFixture(t, withParams(params))

	_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, 1_000), repay)
	require.NoError(t, err)

	_, err = f.protocol.ExecuteFlashLoan(ctx, f.request(t, otherVault, 1_000), repay)
	assert.ErrorIs(t, err, ErrRateLimited)

	f.now = f.now.Add(time.Minute)
	_, err = f.protocol.ExecuteFlashLoan(ctx, f.request(t, otherVault, 1_000), repay)
	require.NoError(t, err)
}

func TestConcurrentLoans(t *testing.T) {
	ctx := context.Background()

	t.Run("SameVaultRejected", func(t *testing.T) {
		f := newFixture(t, withoutJournal())
		req := f.request(t, vaultAcct, 1_000)

		entered := make(chan struct{})
		release := make(chan struct{})
		blocking := ReceiverFunc(func(context.Context, Loan) error {
			close(entered)
			<-release
			return nil
		})

		done := make(chan error, 1)
		go func() {
			_, err := f.protocol.ExecuteFlashLoan(ctx, req, blocking)
			done <- err
		}()
		<-entered

		for i := 0; i < 5; i++ {
			_, err := f.protocol.ExecuteFlashLoan(ctx, req, repay)
			assert.ErrorIs(t, err, ErrAlreadyLocked)
		}
		// Another vault is not affected.
		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, otherVault, 1_000), repay)
		require.NoError(t, err)

		close(release)
		require.NoError(t, <-done)
		f.assertIdle(t, vaultAcct)
		assert.Equal(t, float64(5), testutil.ToFloat64(f.metrics.Failures.WithLabelValues(metrics.ReasonLocked)))
	})

	t.Run("JournaledLedgerAdmitsOne", func(t *testing.T) {
		f := newFixture(t)

		entered := make(chan struct{})
		release := make(chan struct{})
		blocking := ReceiverFunc(func(context.Context, Loan) error {
			close(entered)
			<-release
			return nil
		})

		done := make(chan error, 1)
		go func() {
			_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, 1_000), blocking)
			done <- err
		}()
		<-entered

		_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, otherVault, 1_000), repay)
		assert.ErrorIs(t, err, ErrAlreadyLocked)
		f.assertIdle(t, otherVault)

		close(release)
		require.NoError(t, <-done)

		_, err = f.protocol.ExecuteFlashLoan(ctx, f.request(t, otherVault, 1_000), repay)
		require.NoError(t, err)
		assert.Equal(t, types.Amount(vaultFunds+10), f.balance(t, vaultAcct))
		assert.Equal(t, types.Amount(vaultFunds+10), f.balance(t, otherVault))
	})

	t.Run("ConcurrentAttemptsStayConsistent", func(t *testing.T) {
		const loans = 8
		f := newFixture(t)

		var wg sync.WaitGroup
		var succeeded atomic.Int64
		for i := 0; i < loans; i++ {
			vault := vaultAcct
			if i%2 == 1 {
				vault = otherVault
			}
			req := f.request(t, vault, 1_000)
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := f.protocol.ExecuteFlashLoan(ctx, req, repay)
				if err == nil {
					succeeded.Add(1)
					return
				}
				assert.ErrorIs(t, err, ErrAlreadyLocked)
			}()
		}
		wg.Wait()

		n := types.Amount(succeeded.Load())
		require.NotZero(t, n)
		total := f.balance(t, vaultAcct) + f.balance(t, otherVault)
		assert.Equal(t, types.Amount(2*vaultFunds)+n*10, total)
		assert.Equal(t, types.Amount(borrowerFunds)-n*10, f.balance(t, borrowAcct))

		var issued uint64
		for _, vault := range []common.Address{vaultAcct, otherVault} {
			f.assertIdle(t, vault)
			stats, err := f.protocol.Stats(vault)
			require.NoError(t, err)
			issued += stats.TotalLoansIssued
		}
		assert.Equal(t, uint64(n), issued)
	})
}

func TestInitVault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.protocol.InitVault(ctx, vaultAcct, testMint)
	assert.ErrorIs(t, err, ErrVaultExists)

	_, err = f.protocol.InitVault(ctx, testutils.Address(0x99), testMint)
	assert.ErrorIs(t, err, ledger.ErrUnknownAccount)

	info, err := f.protocol.Vault(vaultAcct)
	require.NoError(t, err)
	assert.Equal(t, testMint, info.Mint)
	assert.Equal(t, uint64(f.now.Unix()), info.CreatedAt)

	_, err = f.protocol.Stats(sinkAcct)
	assert.ErrorIs(t, err, ErrUnknownVault)
}

func TestRecover(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Simulate a process that died mid-loan.
	require.NoError(t, f.repo.SetGuard(vaultAcct, true))
	require.NoError(t, f.repo.PutLoanState(vaultAcct, &types.LoanState{Amount: loanAmount, Active: true}))

	_, err := f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), repay)
	assert.ErrorIs(t, err, ErrAlreadyLocked)

	released, err := f.protocol.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, []common.Address{vaultAcct}, released)
	f.assertIdle(t, vaultAcct)

	_, err = f.protocol.ExecuteFlashLoan(ctx, f.request(t, vaultAcct, loanAmount), repay)
	require.NoError(t, err)
}

func BenchmarkExecuteFlashLoan(b *testing.B) {
	ctx := context.Background()
	f := newFixture(b, withBorrowerFunds(stdmath.MaxUint32))
	req := f.request(b, vaultAcct, 10_000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := f.protocol.ExecuteFlashLoan(ctx, req, repay); err != nil {
			b.Fatal(err)
		}
	}
}
