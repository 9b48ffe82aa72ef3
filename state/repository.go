// Package state persists the protocol's own per-vault records: the vault
// descriptor, the loan slot, the cumulative stats and the reentrancy flag.
// Records are RLP encoded and keyed by vault address.
package state

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"

	"github.com/michaelpento.lv/flashvault/store"
	"github.com/michaelpento.lv/flashvault/types"
)

var ErrVaultNotFound = errors.New("state: vault not found")

var (
	prefixVault     = []byte("vault/")
	prefixLoanState = []byte("loanstate/")
	prefixLoanStats = []byte("loanstats/")
	prefixGuard     = []byte("guard/")
)

func key(prefix []byte, addr common.Address) []byte {
	k := make([]byte, 0, len(prefix)+common.AddressLength)
	k = append(k, prefix...)
	return append(k, addr.Bytes()...)
}

// Repository reads and writes vault records. Writes go straight to the
// underlying store; it holds no cache.
type Repository struct {
	db store.KV
}

func NewRepository(db store.KV) *Repository {
	return &Repository{db: db}
}

func (r *Repository) get(k []byte, out interface{}) (bool, error) {
	raw, err := r.db.Get(k)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := rlp.DecodeBytes(raw, out); err != nil {
		return false, fmt.Errorf("failed to decode %q: %w", k, err)
	}
	return true, nil
}

func (r *Repository) put(k []byte, v interface{}) error {
	raw, err := rlp.EncodeToBytes(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", k, err)
	}
	return r.db.Put(k, raw)
}

// GetVault returns the descriptor of a registered vault.
func (r *Repository) GetVault(addr common.Address) (*types.VaultInfo, error) {
	info := new(types.VaultInfo)
	ok, err := r.get(key(prefixVault, addr), info)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrVaultNotFound, addr.Hex())
	}
	return info, nil
}

// CreateVault registers a vault along with an empty loan slot and zeroed
// stats. The three records are written in one batch.
func (r *Repository) CreateVault(info types.VaultInfo) error {
	batch := r.db.NewBatch()
	for _, rec := range []struct {
		k []byte
		v interface{}
	}{
		{key(prefixVault, info.Address), &info},
		{key(prefixLoanState, info.Address), &types.LoanState{}},
		{key(prefixLoanStats, info.Address), &types.LoanStats{}},
	} {
		raw, err := rlp.EncodeToBytes(rec.v)
		if err != nil {
			return fmt.Errorf("failed to encode %q: %w", rec.k, err)
		}
		batch.Put(rec.k, raw)
	}
	return batch.Write()
}

// HasVault reports whether addr is registered.
func (r *Repository) HasVault(addr common.Address) (bool, error) {
	return r.db.Has(key(prefixVault, addr))
}

// Vaults lists every registered vault in address order.
func (r *Repository) Vaults() ([]types.VaultInfo, error) {
	var out []types.VaultInfo
	err := r.db.Iterate(prefixVault, func(k, raw []byte) error {
		var info types.VaultInfo
		if err := rlp.DecodeBytes(raw, &info); err != nil {
			return fmt.Errorf("failed to decode %q: %w", k, err)
		}
		out = append(out, info)
		return nil
	})
	return out, err
}

// LoanState returns the loan slot of a vault. A missing record reads as an
// idle slot.
func (r *Repository) LoanState(vault common.Address) (*types.LoanState, error) {
	s := new(types.LoanState)
	if _, err := r.get(key(prefixLoanState, vault), s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Repository) PutLoanState(vault common.Address, s *types.LoanState) error {
	return r.put(key(prefixLoanState, vault), s)
}

// Stats returns the cumulative counters of a vault.
func (r *Repository) Stats(vault common.Address) (*types.LoanStats, error) {
	s := new(types.LoanStats)
	if _, err := r.get(key(prefixLoanStats, vault), s); err != nil {
		return nil, err
	}
	return s, nil
}

func (r *Repository) PutStats(vault common.Address, s *types.LoanStats) error {
	return r.put(key(prefixLoanStats, vault), s)
}

// Settlement is the post-loan slot and stats of one vault.
type Settlement struct {
	Vault common.Address
	State types.LoanState
	Stats types.LoanStats
}

// Settle writes the post-loan slots and stats of every record in one batch, so
// a crash never leaves stats counted for a loan whose slot is still active.
func (r *Repository) Settle(records ...Settlement) error {
	batch := r.db.NewBatch()
	for i := range records {
		rec := &records[i]
		rawState, err := rlp.EncodeToBytes(&rec.State)
		if err != nil {
			return fmt.Errorf("failed to encode loan state: %w", err)
		}
		rawStats, err := rlp.EncodeToBytes(&rec.Stats)
		if err != nil {
			return fmt.Errorf("failed to encode loan stats: %w", err)
		}
		batch.Put(key(prefixLoanState, rec.Vault), rawState)
		batch.Put(key(prefixLoanStats, rec.Vault), rawStats)
	}
	return batch.Write()
}

// GuardSet reports whether the reentrancy flag of vault is set.
func (r *Repository) GuardSet(vault common.Address) (bool, error) {
	return r.db.Has(key(prefixGuard, vault))
}

// SetGuard sets or clears the reentrancy flag of vault.
func (r *Repository) SetGuard(vault common.Address, locked bool) error {
	if locked {
		return r.db.Put(key(prefixGuard, vault), []byte{1})
	}
	return r.db.Delete(key(prefixGuard, vault))
}

// LockedVaults lists vaults whose reentrancy flag is set.
func (r *Repository) LockedVaults() ([]common.Address, error) {
	var out []common.Address
	err := r.db.Iterate(prefixGuard, func(k, _ []byte) error {
		out = append(out, common.BytesToAddress(k[len(prefixGuard):]))
		return nil
	})
	return out, err
}
