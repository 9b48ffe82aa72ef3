package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/michaelpento.lv/flashvault/config"
	"github.com/michaelpento.lv/flashvault/store"
	"github.com/michaelpento.lv/flashvault/utils/testutils"
)

func TestNodeLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = store.DriverLevelDB
	cfg.Storage.Path = t.TempDir()
	cfg.Metrics.ListenAddress = "127.0.0.1:0"

	vault := testutils.Address(0x10)
	mint := testutils.Address(0xaa)

	n, err := New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, n.Book.OpenAccount(ctx, vault, mint))
	require.NoError(t, n.Book.Mint(ctx, vault, 1_000))
	require.NoError(t, n.Book.Commit())
	_, err = n.Protocol.InitVault(ctx, vault, mint)
	require.NoError(t, err)
	// Leave a guard behind as if the process died mid-loan.
	require.NoError(t, n.Repo.SetGuard(vault, true))

	require.NoError(t, n.Start(ctx))
	require.NotNil(t, n.monitor)
	snaps := n.monitor.Vaults()
	require.Len(t, snaps, 1)
	assert.Equal(t, uint64(1_000), snaps[0].Balance)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, n.Stop(stopCtx))

	reopened, err := New(ctx, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer reopened.Close()

	locked, err := reopened.Repo.GuardSet(vault)
	require.NoError(t, err)
	assert.False(t, locked)
	balance, err := reopened.Book.BalanceOf(ctx, vault)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), balance)
}

func TestNewRejectsBadStore(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Driver = "bolt"
	_, err := New(context.Background(), cfg, nil)
	assert.Error(t, err)
}
