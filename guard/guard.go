// Package guard implements the per-vault reentrancy lock.
package guard

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var ErrAlreadyLocked = errors.New("guard: vault already locked")

const stripeCount = 64

// FlagStore persists the lock flag of each vault.
type FlagStore interface {
	GuardSet(vault common.Address) (bool, error)
	SetGuard(vault common.Address, locked bool) error
	LockedVaults() ([]common.Address, error)
}

// Guard serializes loans per vault. Enter never blocks: a second Enter on a
// vault that is already locked fails, whether it comes from another goroutine
// or from a nested call on the same one.
type Guard struct {
	flags   FlagStore
	logger  *zap.Logger
	stripes [stripeCount]sync.Mutex
}

func New(flags FlagStore, logger *zap.Logger) *Guard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{flags: flags, logger: logger}
}

// The stripe mutex only covers the check-and-set; it is never held while a
// loan runs.
func (g *Guard) stripe(vault common.Address) *sync.Mutex {
	return &g.stripes[xxhash.Sum64(vault.Bytes())%stripeCount]
}

// Enter sets the flag of vault, or fails with ErrAlreadyLocked.
func (g *Guard) Enter(vault common.Address) error {
	mu := g.stripe(vault)
	mu.Lock()
	defer mu.Unlock()

	set, err := g.flags.GuardSet(vault)
	if err != nil {
		return fmt.Errorf("failed to read guard: %w", err)
	}
	if set {
		return fmt.Errorf("%w: %s", ErrAlreadyLocked, vault.Hex())
	}
	if err := g.flags.SetGuard(vault, true); err != nil {
		return fmt.Errorf("failed to set guard: %w", err)
	}
	g.logger.Debug("Guard entered", zap.String("vault", vault.Hex()))
	return nil
}

// Exit clears the flag of vault unconditionally.
func (g *Guard) Exit(vault common.Address) error {
	mu := g.stripe(vault)
	mu.Lock()
	defer mu.Unlock()

	if err := g.flags.SetGuard(vault, false); err != nil {
		g.logger.Error("Failed to clear guard", zap.String("vault", vault.Hex()), zap.Error(err))
		return fmt.Errorf("failed to clear guard: %w", err)
	}
	g.logger.Debug("Guard exited", zap.String("vault", vault.Hex()))
	return nil
}

// Locked reports whether vault is currently locked.
func (g *Guard) Locked(vault common.Address) (bool, error) {
	mu := g.stripe(vault)
	mu.Lock()
	defer mu.Unlock()
	return g.flags.GuardSet(vault)
}

// Recover clears flags left behind by a process that stopped mid-loan and
// returns the vaults it released. It must run before any loan is accepted.
func (g *Guard) Recover() ([]common.Address, error) {
	locked, err := g.flags.LockedVaults()
	if err != nil {
		return nil, fmt.Errorf("failed to list locked vaults: %w", err)
	}
	for _, vault := range locked {
		if err := g.Exit(vault); err != nil {
			return nil, err
		}
		g.logger.Warn("Released stale guard", zap.String("vault", vault.Hex()))
	}
	return locked, nil
}
