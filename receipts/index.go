// Package receipts keeps the most recent loan receipts in memory for lookup by
// loan ID or vault.
package receipts

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flashvault/types"
)

type IndexConfig struct {
	MaxSize int
}

// Index is a bounded receipt cache. The oldest receipts are evicted first.
type Index struct {
	config  *IndexConfig
	logger  *zap.Logger
	cache   *lru.Cache
	byVault map[common.Address]map[string]struct{}
	mu      sync.RWMutex
}

func NewIndex(config *IndexConfig, logger *zap.Logger) (*Index, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &Index{
		config:  config,
		logger:  logger,
		byVault: make(map[common.Address]map[string]struct{}),
	}
	cache, err := lru.NewWithEvict(config.MaxSize, idx.onEvict)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	idx.cache = cache
	return idx, nil
}

// onEvict runs inside cache.Add, which Emit calls with i.mu held.
func (i *Index) onEvict(key, value interface{}) {
	r := value.(types.Receipt)
	ids := i.byVault[r.Vault]
	delete(ids, key.(string))
	if len(ids) == 0 {
		delete(i.byVault, r.Vault)
	}
}

// Emit indexes a receipt.
func (i *Index) Emit(r types.Receipt) {
	i.mu.Lock()
	defer i.mu.Unlock()

	ids, ok := i.byVault[r.Vault]
	if !ok {
		ids = make(map[string]struct{})
		i.byVault[r.Vault] = ids
	}
	ids[r.ID] = struct{}{}
	i.cache.Add(r.ID, r)

	i.logger.Debug("Indexed receipt", zap.String("id", r.ID), zap.String("vault", r.Vault.Hex()))
}

// Get returns the receipt with the given loan ID.
func (i *Index) Get(id string) (types.Receipt, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	v, ok := i.cache.Peek(id)
	if !ok {
		return types.Receipt{}, false
	}
	return v.(types.Receipt), true
}

// ByVault returns up to limit receipts of vault, newest first. A limit <= 0
// returns all of them.
func (i *Index) ByVault(vault common.Address, limit int) []types.Receipt {
	i.mu.RLock()
	defer i.mu.RUnlock()

	out := make([]types.Receipt, 0, len(i.byVault[vault]))
	for id := range i.byVault[vault] {
		if v, ok := i.cache.Peek(id); ok {
			out = append(out, v.(types.Receipt))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		return out[a].ExecutedAt.After(out[b].ExecutedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (i *Index) Len() int {
	return i.cache.Len()
}
