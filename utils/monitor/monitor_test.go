package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/flashvault/state"
	"github.com/michaelpento.lv/flashvault/store"
	"github.com/michaelpento.lv/flashvault/types"
	"github.com/michaelpento.lv/flashvault/utils/testutils"
)

var (
	mint  = testutils.Address(0xaa)
	vault = testutils.Address(0x10)
)

type brokenSource struct{ *state.Repository }

func (brokenSource) Vaults() ([]types.VaultInfo, error) { return nil, errors.New("store offline") }

func TestMonitor(t *testing.T) {
	ctx := context.Background()
	db := store.NewMemDB()
	book := testutils.NewFundedBook(t, db, mint, map[common.Address]types.Amount{vault: 5_000})
	repo := state.NewRepository(db)
	require.NoError(t, repo.CreateVault(types.VaultInfo{Address: vault, Mint: mint}))
	require.NoError(t, repo.PutStats(vault, &types.LoanStats{TotalLoansIssued: 3, TotalFeesCollected: 30}))

	reg := prometheus.NewRegistry()
	mon, err := NewMonitor(ctx, repo, book, reg, "test", time.Hour, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer mon.Cleanup()

	snaps := mon.Vaults()
	require.Len(t, snaps, 1)
	assert.Equal(t, vault, snaps[0].Address)
	assert.Equal(t, mint, snaps[0].Mint)
	assert.Equal(t, types.Amount(5_000), snaps[0].Balance)
	assert.Equal(t, uint64(3), snaps[0].Stats.TotalLoansIssued)
	assert.False(t, snaps[0].Locked)

	label := vault.Hex()
	assert.Equal(t, float64(5_000), testutil.ToFloat64(mon.metrics.balance.WithLabelValues(label)))
	assert.Equal(t, float64(30), testutil.ToFloat64(mon.metrics.fees.WithLabelValues(label)))
	assert.Greater(t, testutil.ToFloat64(mon.metrics.goroutines), float64(0))

	t.Run("Resample", func(t *testing.T) {
		require.NoError(t, book.Mint(ctx, vault, 1_000))
		require.NoError(t, repo.SetGuard(vault, true))
		require.NoError(t, mon.Collect(ctx))

		snaps := mon.Vaults()
		require.Len(t, snaps, 1)
		assert.Equal(t, types.Amount(6_000), snaps[0].Balance)
		assert.True(t, snaps[0].Locked)
		assert.Equal(t, float64(1), testutil.ToFloat64(mon.metrics.locked.WithLabelValues(label)))
	})

	t.Run("SourceError", func(t *testing.T) {
		_, err := NewMonitor(ctx, brokenSource{}, book, prometheus.NewRegistry(), "test", time.Hour, nil)
		assert.ErrorContains(t, err, "store offline")
	})

	t.Run("InvalidInterval", func(t *testing.T) {
		_, err := NewMonitor(ctx, repo, book, prometheus.NewRegistry(), "test", 0, nil)
		assert.Error(t, err)
	})
}

func BenchmarkCollect(b *testing.B) {
	ctx := context.Background()
	db := store.NewMemDB()
	balances := make(map[common.Address]types.Amount)
	repo := state.NewRepository(db)
	for i := uint64(0); i < 32; i++ {
		addr := testutils.Address(0x100 + i)
		balances[addr] = 1_000
		require.NoError(b, repo.CreateVault(types.VaultInfo{Address: addr, Mint: mint}))
	}
	book := testutils.NewFundedBook(b, db, mint, balances)

	mon, err := NewMonitor(ctx, repo, book, prometheus.NewRegistry(), "bench", time.Hour, nil)
	require.NoError(b, err)
	defer mon.Cleanup()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		require.NoError(b, mon.Collect(ctx))
	}
}
