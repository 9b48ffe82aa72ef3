package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flashvault/store"
	"github.com/michaelpento.lv/flashvault/types"
	"github.com/michaelpento.lv/flashvault/utils/math"
)

var prefixAccount = []byte("account/")

func accountKey(addr common.Address) []byte {
	return append(append([]byte{}, prefixAccount...), addr.Bytes()...)
}

// Account is a token account: a balance of one mint.
type Account struct {
	Mint    common.Address
	Balance types.Amount
}

type journalEntry struct {
	addr common.Address
	prev *Account // nil when the account did not exist
}

type revision struct {
	id           int
	journalIndex int
}

// Book is an in-process ledger backed by a store.KV. Changes are kept in
// memory and journaled until Commit writes every dirty account in one batch.
//
// A snapshot covers all changes made through the book after it was taken, so
// units of execution that use the journal must not interleave.
type Book struct {
	mu       sync.Mutex
	db       store.KV
	logger   *zap.Logger
	accounts map[common.Address]*Account
	dirty    map[common.Address]struct{}

	journal        []journalEntry
	validRevisions []revision
	nextRevisionID int
}

func NewBook(db store.KV, logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		db:       db,
		logger:   logger,
		accounts: make(map[common.Address]*Account),
		dirty:    make(map[common.Address]struct{}),
	}
}

// load returns the live account, reading it from the store on first use.
// Callers hold b.mu.
func (b *Book) load(addr common.Address) (*Account, error) {
	if acc, ok := b.accounts[addr]; ok {
		return acc, nil
	}
	raw, err := b.db.Get(accountKey(addr))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, addr.Hex())
	}
	if err != nil {
		return nil, err
	}
	acc := new(Account)
	if err := rlp.DecodeBytes(raw, acc); err != nil {
		return nil, fmt.Errorf("failed to decode account %s: %w", addr.Hex(), err)
	}
	b.accounts[addr] = acc
	return acc, nil
}

// record journals the current value of addr before it is changed.
func (b *Book) record(addr common.Address) {
	var prev *Account
	if acc, ok := b.accounts[addr]; ok {
		cp := *acc
		prev = &cp
	}
	b.journal = append(b.journal, journalEntry{addr: addr, prev: prev})
	b.dirty[addr] = struct{}{}
}

// OpenAccount creates an empty account for mint.
func (b *Book) OpenAccount(ctx context.Context, addr, mint common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := b.load(addr); err == nil {
		return fmt.Errorf("%w: %s", ErrAccountExists, addr.Hex())
	} else if !errors.Is(err, ErrUnknownAccount) {
		return err
	}
	b.record(addr)
	b.accounts[addr] = &Account{Mint: mint}
	b.logger.Debug("Opened account", zap.String("account", addr.Hex()), zap.String("mint", mint.Hex()))
	return nil
}

// Account returns a copy of the account at addr.
func (b *Book) Account(addr common.Address) (Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, err := b.load(addr)
	if err != nil {
		return Account{}, err
	}
	return *acc, nil
}

func (b *Book) BalanceOf(ctx context.Context, addr common.Address) (types.Amount, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	acc, err := b.load(addr)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// Mint credits newly issued tokens to an existing account.
func (b *Book) Mint(ctx context.Context, to common.Address, amount types.Amount) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	acc, err := b.load(to)
	if err != nil {
		return err
	}
	balance, err := math.Add(acc.Balance, amount)
	if err != nil {
		return fmt.Errorf("failed to mint to %s: %w", to.Hex(), err)
	}
	b.record(to)
	acc.Balance = balance
	return nil
}

// Transfer moves amount between two accounts of the same mint. Nothing
// changes when it fails.
func (b *Book) Transfer(ctx context.Context, from, to common.Address, amount types.Amount) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	src, err := b.load(from)
	if err != nil {
		return err
	}
	dst, err := b.load(to)
	if err != nil {
		return err
	}
	if src.Mint != dst.Mint {
		return fmt.Errorf("%w: %s -> %s", ErrMintMismatch, from.Hex(), to.Hex())
	}
	if src.Balance < amount {
		return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, from.Hex(), src.Balance, amount)
	}
	if from == to {
		return nil
	}
	credited, err := math.Add(dst.Balance, amount)
	if err != nil {
		return fmt.Errorf("failed to credit %s: %w", to.Hex(), err)
	}

	b.record(from)
	b.record(to)
	src.Balance -= amount
	dst.Balance = credited
	return nil
}

// Snapshot returns a revision that RevertToSnapshot can roll back to.
func (b *Book) Snapshot() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextRevisionID
	b.nextRevisionID++
	b.validRevisions = append(b.validRevisions, revision{id: id, journalIndex: len(b.journal)})
	return id
}

// RevertToSnapshot undoes every change made after the snapshot was taken.
// Snapshots taken after it become invalid.
func (b *Book) RevertToSnapshot(id int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := sort.Search(len(b.validRevisions), func(i int) bool {
		return b.validRevisions[i].id >= id
	})
	if idx == len(b.validRevisions) || b.validRevisions[idx].id != id {
		return fmt.Errorf("%w: %d", ErrInvalidRevision, id)
	}
	snapshot := b.validRevisions[idx].journalIndex

	for i := len(b.journal) - 1; i >= snapshot; i-- {
		entry := b.journal[i]
		if entry.prev == nil {
			delete(b.accounts, entry.addr)
			continue
		}
		cp := *entry.prev
		b.accounts[entry.addr] = &cp
	}
	b.journal = b.journal[:snapshot]
	b.validRevisions = b.validRevisions[:idx]
	return nil
}

// Commit persists dirty accounts atomically and discards the journal.
func (b *Book) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.db.NewBatch()
	for addr := range b.dirty {
		acc, ok := b.accounts[addr]
		if !ok {
			batch.Delete(accountKey(addr))
			continue
		}
		raw, err := rlp.EncodeToBytes(acc)
		if err != nil {
			return fmt.Errorf("failed to encode account %s: %w", addr.Hex(), err)
		}
		batch.Put(accountKey(addr), raw)
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("failed to commit ledger: %w", err)
	}

	b.logger.Debug("Committed ledger", zap.Int("accounts", len(b.dirty)))
	b.dirty = make(map[common.Address]struct{})
	b.journal = nil
	b.validRevisions = nil
	return nil
}

var (
	_ Ledger    = (*Book)(nil)
	_ Journal   = (*Book)(nil)
	_ Committer = (*Book)(nil)
)
