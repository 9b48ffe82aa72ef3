// Package monitor samples vault balances, loan counters and process
// resources into Prometheus gauges.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flashvault/types"
)

// VaultSource lists vaults and their persisted counters.
type VaultSource interface {
	Vaults() ([]types.VaultInfo, error)
	Stats(vault common.Address) (*types.LoanStats, error)
	GuardSet(vault common.Address) (bool, error)
}

// BalanceReader reads ledger balances.
type BalanceReader interface {
	BalanceOf(ctx context.Context, account common.Address) (types.Amount, error)
}

// VaultSnapshot is one sampled vault.
type VaultSnapshot struct {
	Address common.Address  `json:"address"`
	Mint    common.Address  `json:"mint"`
	Balance types.Amount    `json:"balance"`
	Locked  bool            `json:"locked"`
	Stats   types.LoanStats `json:"stats"`
}

type Monitor struct {
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger
	vaults   VaultSource
	balances BalanceReader
	interval time.Duration
	metrics  struct {
		balance    *prometheus.GaugeVec
		loans      *prometheus.GaugeVec
		fees       *prometheus.GaugeVec
		locked     *prometheus.GaugeVec
		goroutines prometheus.Gauge
		heapAlloc  prometheus.Gauge
		cpuSeconds prometheus.Gauge
	}

	mu   sync.RWMutex
	last []VaultSnapshot
	wg   sync.WaitGroup
}

// NewMonitor takes a first sample and then keeps sampling every interval
// until ctx is done or Cleanup is called.
func NewMonitor(ctx context.Context, vaults VaultSource, balances BalanceReader, reg prometheus.Registerer, namespace string, interval time.Duration, logger *zap.Logger) (*Monitor, error) {
	if interval <= 0 {
		return nil, errors.New("monitor: interval must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ctx, cancel := context.WithCancel(ctx)
	m := &Monitor{
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger,
		vaults:   vaults,
		balances: balances,
		interval: interval,
	}

	factory := promauto.With(reg)
	m.metrics.balance = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vault_balance",
		Help:      "Pooled balance of each vault",
	}, []string{"vault"})
	m.metrics.loans = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vault_loans_issued",
		Help:      "Repaid loans recorded for each vault",
	}, []string{"vault"})
	m.metrics.fees = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vault_fees_collected",
		Help:      "Fees recorded for each vault",
	}, []string{"vault"})
	m.metrics.locked = factory.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "vault_locked",
		Help:      "1 while a loan holds the vault guard",
	}, []string{"vault"})
	m.metrics.goroutines = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_goroutines",
		Help:      "Current number of goroutines",
	})
	m.metrics.heapAlloc = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_heap_alloc_bytes",
		Help:      "Current heap allocation in bytes",
	})
	m.metrics.cpuSeconds = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "process_cpu_seconds",
		Help:      "User plus system CPU time consumed",
	})

	if err := m.Collect(ctx); err != nil {
		cancel()
		return nil, err
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run()
	}()
	return m, nil
}

func (m *Monitor) run() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if err := m.Collect(m.ctx); err != nil && m.ctx.Err() == nil {
				m.logger.Error("Failed to collect vault metrics", zap.Error(err))
			}
		}
	}
}

// Collect samples every vault once.
func (m *Monitor) Collect(ctx context.Context) error {
	infos, err := m.vaults.Vaults()
	if err != nil {
		return fmt.Errorf("failed to list vaults: %w", err)
	}

	snapshots := make([]VaultSnapshot, 0, len(infos))
	for _, info := range infos {
		snap, err := m.sample(ctx, info)
		if err != nil {
			return err
		}
		label := info.Address.Hex()
		m.metrics.balance.WithLabelValues(label).Set(float64(snap.Balance))
		m.metrics.loans.WithLabelValues(label).Set(float64(snap.Stats.TotalLoansIssued))
		m.metrics.fees.WithLabelValues(label).Set(float64(snap.Stats.TotalFeesCollected))
		locked := 0.0
		if snap.Locked {
			locked = 1
		}
		m.metrics.locked.WithLabelValues(label).Set(locked)
		snapshots = append(snapshots, snap)
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.metrics.goroutines.Set(float64(runtime.NumGoroutine()))
	m.metrics.heapAlloc.Set(float64(memStats.HeapAlloc))
	if cpu, err := processCPUSeconds(); err == nil {
		m.metrics.cpuSeconds.Set(cpu)
	}

	m.mu.Lock()
	m.last = snapshots
	m.mu.Unlock()
	return nil
}

func (m *Monitor) sample(ctx context.Context, info types.VaultInfo) (VaultSnapshot, error) {
	balance, err := m.balances.BalanceOf(ctx, info.Address)
	if err != nil {
		return VaultSnapshot{}, fmt.Errorf("failed to read balance of %s: %w", info.Address.Hex(), err)
	}
	stats, err := m.vaults.Stats(info.Address)
	if err != nil {
		return VaultSnapshot{}, err
	}
	locked, err := m.vaults.GuardSet(info.Address)
	if err != nil {
		return VaultSnapshot{}, err
	}
	return VaultSnapshot{
		Address: info.Address,
		Mint:    info.Mint,
		Balance: balance,
		Locked:  locked,
		Stats:   *stats,
	}, nil
}

// Vaults returns the latest sample.
func (m *Monitor) Vaults() []VaultSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VaultSnapshot, len(m.last))
	copy(out, m.last)
	return out
}

// Cleanup stops sampling and waits for the loop to exit.
func (m *Monitor) Cleanup() error {
	m.cancel()
	m.wg.Wait()
	return nil
}
