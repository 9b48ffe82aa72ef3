package node

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flashvault/api"
	"github.com/michaelpento.lv/flashvault/config"
	"github.com/michaelpento.lv/flashvault/fee"
	"github.com/michaelpento.lv/flashvault/flashloan"
	"github.com/michaelpento.lv/flashvault/ledger"
	"github.com/michaelpento.lv/flashvault/receipts"
	"github.com/michaelpento.lv/flashvault/state"
	"github.com/michaelpento.lv/flashvault/store"
	"github.com/michaelpento.lv/flashvault/utils/metrics"
	"github.com/michaelpento.lv/flashvault/utils/monitor"
)

const monitorInterval = 15 * time.Second

// Node is one flashvault process: a store, the ledger book on top of it and
// the protocol serving loans against both.
type Node struct {
	cfg      *config.Config
	db       store.KV
	Book     *ledger.Book
	Repo     *state.Repository
	Protocol *flashloan.Protocol
	Receipts *receipts.Index
	Registry *prometheus.Registry
	logger   *zap.Logger

	monitor *monitor.Monitor
	server  *http.Server
	wg      sync.WaitGroup
}

// New opens the configured store and releases any guard left behind by a
// previous process.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Node, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := store.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	n, err := build(ctx, cfg, db, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return n, nil
}

func build(ctx context.Context, cfg *config.Config, db store.KV, logger *zap.Logger) (*Node, error) {
	calc, err := fee.NewCalculator(cfg.Fee)
	if err != nil {
		return nil, err
	}
	book := ledger.NewBook(db, logger.Named("ledger"))
	repo := state.NewRepository(db)
	protocol, err := flashloan.New(repo, book, calc, cfg.Protocol, logger.Named("flashloan"))
	if err != nil {
		return nil, err
	}
	index, err := receipts.NewIndex(&receipts.IndexConfig{MaxSize: cfg.Receipts.CacheSize}, logger.Named("receipts"))
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	protocol.SetMetrics(metrics.NewLoanMetrics(reg, cfg.Metrics.Namespace))
	protocol.SetEventSink(index)

	released, err := protocol.Recover(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover vault guards: %w", err)
	}
	if len(released) > 0 {
		logger.Warn("Recovered interrupted loans", zap.Int("vaults", len(released)))
	}

	return &Node{
		cfg:      cfg,
		db:       db,
		Book:     book,
		Repo:     repo,
		Protocol: protocol,
		Receipts: index,
		Registry: reg,
		logger:   logger,
	}, nil
}

// Start begins sampling vaults and, when metrics are enabled, serves the
// HTTP API.
func (n *Node) Start(ctx context.Context) error {
	n.logger.Info("Starting flashvault node...")

	mon, err := monitor.NewMonitor(ctx, n.Repo, n.Book, n.Registry, n.cfg.Metrics.Namespace, monitorInterval, n.logger.Named("monitor"))
	if err != nil {
		return fmt.Errorf("failed to start vault monitor: %w", err)
	}
	n.monitor = mon

	if !n.cfg.Metrics.Enabled {
		return nil
	}
	handler, err := api.NewRouter(api.Config{
		Protocol: n.Protocol,
		Receipts: n.Receipts,
		Vaults:   mon,
		Gatherer: n.Registry,
		Logger:   n.logger.Named("api"),
	})
	if err != nil {
		return err
	}
	n.server = &http.Server{
		Addr:              n.cfg.Metrics.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.logger.Info("API listening", zap.String("address", n.server.Addr))
		if err := n.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("API server error", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the API down, stops the monitor and closes the store.
func (n *Node) Stop(ctx context.Context) error {
	n.logger.Info("Stopping flashvault node...")
	var errs []error
	if n.server != nil {
		errs = append(errs, n.server.Shutdown(ctx))
	}
	n.wg.Wait()
	if n.monitor != nil {
		errs = append(errs, n.monitor.Cleanup())
	}
	errs = append(errs, n.Close())
	return errors.Join(errs...)
}

// Close commits pending ledger changes and closes the store.
func (n *Node) Close() error {
	commitErr := n.Book.Commit()
	return errors.Join(commitErr, n.db.Close())
}
