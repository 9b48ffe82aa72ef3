package flashloan

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/flashvault/state"
	"github.com/michaelpento.lv/flashvault/types"
)

type unitKey struct{}

// unit is carried on the ctx of a top-level loan. On a journaled ledger the
// loans nested inside it stage their records and receipts here; they are
// written when the top-level loan commits and dropped when it reverts.
type unit struct {
	mu       sync.Mutex
	records  map[common.Address]state.Settlement
	order    []common.Address
	receipts []types.Receipt
}

func newUnit() *unit {
	return &unit{records: make(map[common.Address]state.Settlement)}
}

// unitFrom returns the unit of the loan ctx belongs to, if any.
func unitFrom(ctx context.Context) (*unit, bool) {
	u, ok := ctx.Value(unitKey{}).(*unit)
	return u, ok
}

func (u *unit) stage(rec state.Settlement, receipt types.Receipt) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, ok := u.records[rec.Vault]; !ok {
		u.order = append(u.order, rec.Vault)
	}
	u.records[rec.Vault] = rec
	u.receipts = append(u.receipts, receipt)
}

// staged returns the pending record of vault.
func (u *unit) staged(vault common.Address) (state.Settlement, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	rec, ok := u.records[vault]
	return rec, ok
}

// pending returns the staged records in staging order followed by the
// staged receipts.
func (u *unit) pending() ([]state.Settlement, []types.Receipt) {
	u.mu.Lock()
	defer u.mu.Unlock()
	records := make([]state.Settlement, 0, len(u.order))
	for _, vault := range u.order {
		records = append(records, u.records[vault])
	}
	return records, append([]types.Receipt(nil), u.receipts...)
}
