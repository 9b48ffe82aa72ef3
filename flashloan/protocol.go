// Package flashloan runs uncollateralized loans that are disbursed, used and
// repaid inside one call, and reverted when any step fails.
package flashloan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/michaelpento.lv/flashvault/auth"
	"github.com/michaelpento.lv/flashvault/fee"
	"github.com/michaelpento.lv/flashvault/guard"
	"github.com/michaelpento.lv/flashvault/ledger"
	"github.com/michaelpento.lv/flashvault/state"
	"github.com/michaelpento.lv/flashvault/types"
	"github.com/michaelpento.lv/flashvault/utils/metrics"
	"github.com/michaelpento.lv/flashvault/vault"
)

// Authorizer decides whether the borrower approved a request.
type Authorizer interface {
	Authorize(req types.LoanRequest) error
}

// EventSink receives a receipt for every repaid loan.
type EventSink interface {
	Emit(r types.Receipt)
}

// Params are the protocol limits.
type Params struct {
	// MaxLoanAmount caps a single loan. Zero means no cap.
	MaxLoanAmount types.Amount `yaml:"max_loan_amount"`
	// Cooldown is the minimum time between two loans from the same vault.
	Cooldown time.Duration `yaml:"cooldown"`
	// BorrowerRateLimit is loans per second per borrower. Zero disables it.
	BorrowerRateLimit float64 `yaml:"borrower_rate_limit"`
	BorrowerBurst     int     `yaml:"borrower_burst"`
	ThrottleCacheSize int     `yaml:"throttle_cache_size"`
}

func DefaultParams() Params {
	return Params{
		MaxLoanAmount:     1_000_000,
		Cooldown:          time.Minute,
		BorrowerRateLimit: 0,
		BorrowerBurst:     1,
		ThrottleCacheSize: 10_000,
	}
}

// Protocol owns the loan lifecycle of every registered vault.
//
// When the ledger implements ledger.Journal only one top-level loan holds the
// ledger at a time, so a revert only ever undoes the failing loan. A second
// top-level loan is rejected with ErrAlreadyLocked instead of waiting. Calls
// made from inside a callback with the callback's ctx join the running loan:
// they reach the guard, and their records are kept only if it commits.
type Protocol struct {
	repo     *state.Repository
	guard    *guard.Guard
	ledger   ledger.Ledger
	journal  ledger.Journal
	fees     *fee.Calculator
	params   Params
	auth     Authorizer
	events   EventSink
	metrics  *metrics.LoanMetrics
	limiters *lru.Cache
	lane     chan struct{}
	now      func() time.Time
	logger   *zap.Logger
}

func New(repo *state.Repository, l ledger.Ledger, fees *fee.Calculator, params Params, logger *zap.Logger) (*Protocol, error) {
	if repo == nil || l == nil || fees == nil {
		return nil, errors.New("flashloan: repository, ledger and fee calculator are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if params.ThrottleCacheSize <= 0 {
		params.ThrottleCacheSize = DefaultParams().ThrottleCacheSize
	}
	if params.BorrowerBurst <= 0 {
		params.BorrowerBurst = 1
	}
	limiters, err := lru.New(params.ThrottleCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create throttle cache: %w", err)
	}

	p := &Protocol{
		repo:     repo,
		guard:    guard.New(repo, logger),
		ledger:   l,
		fees:     fees,
		params:   params,
		auth:     auth.Verifier{},
		metrics:  metrics.NewLoanMetrics(prometheus.NewRegistry(), "flashvault"),
		limiters: limiters,
		now:      time.Now,
		logger:   logger,
	}
	if j, ok := l.(ledger.Journal); ok {
		p.journal = j
		p.lane = make(chan struct{}, 1)
	}
	return p, nil
}

func (p *Protocol) SetAuthorizer(a Authorizer) { p.auth = a }

func (p *Protocol) SetEventSink(s EventSink) { p.events = s }

func (p *Protocol) SetMetrics(m *metrics.LoanMetrics) {
	if m != nil {
		p.metrics = m
	}
}

// SetClock replaces the time source used for expiration, cooldown and
// throttling.
func (p *Protocol) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// InitVault registers account as a vault lending mint. The ledger account
// must already exist.
func (p *Protocol) InitVault(ctx context.Context, account, mint common.Address) (*types.VaultInfo, error) {
	exists, err := p.repo.HasVault(account)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrVaultExists, account.Hex())
	}
	if _, err := p.ledger.BalanceOf(ctx, account); err != nil {
		return nil, fmt.Errorf("vault account: %w", err)
	}

	info := types.VaultInfo{
		Address:   account,
		Mint:      mint,
		CreatedAt: uint64(p.now().Unix()),
	}
	if err := p.repo.CreateVault(info); err != nil {
		return nil, err
	}
	p.logger.Info("Vault initialized",
		zap.String("vault", account.Hex()),
		zap.String("mint", mint.Hex()),
	)
	return &info, nil
}

func (p *Protocol) Vault(addr common.Address) (*types.VaultInfo, error) {
	return p.repo.GetVault(addr)
}

func (p *Protocol) LoanState(addr common.Address) (*types.LoanState, error) {
	if _, err := p.repo.GetVault(addr); err != nil {
		return nil, err
	}
	return p.repo.LoanState(addr)
}

func (p *Protocol) Stats(addr common.Address) (*types.LoanStats, error) {
	if _, err := p.repo.GetVault(addr); err != nil {
		return nil, err
	}
	return p.repo.Stats(addr)
}

// Recover releases guards and loan slots left active by a process that
// stopped mid-loan. Call it once at startup, before accepting loans.
func (p *Protocol) Recover(ctx context.Context) ([]common.Address, error) {
	released, err := p.guard.Recover()
	if err != nil {
		return nil, err
	}
	for _, addr := range released {
		if err := ctx.Err(); err != nil {
			return released, err
		}
		st, err := p.repo.LoanState(addr)
		if err != nil {
			return released, err
		}
		if !st.Active {
			continue
		}
		st.Reset()
		if err := p.repo.PutLoanState(addr, st); err != nil {
			return released, err
		}
		p.logger.Warn("Cleared stale loan", zap.String("vault", addr.Hex()))
	}
	return released, nil
}

// ExecuteFlashLoan lends req.Amount from req.Vault to req.BorrowerAccount, runs
// recv and collects the principal plus fee. Either the loan is fully repaid
// and a receipt returned, or every balance is as it was before the call.
// A loan nested in another loan's callback on a journaled ledger is final
// only once the enclosing loan succeeds.
func (p *Protocol) ExecuteFlashLoan(ctx context.Context, req types.LoanRequest, recv Receiver) (receipt *types.Receipt, err error) {
	start := time.Now()
	p.metrics.Attempts.Inc()
	defer func() {
		p.metrics.ExecutionTime.Observe(time.Since(start).Seconds())
		if err != nil {
			p.metrics.Failures.WithLabelValues(failureReason(err)).Inc()
			p.logger.Debug("Flash loan failed",
				zap.String("vault", req.Vault.Hex()),
				zap.String("borrower", req.Borrower.Hex()),
				zap.Uint64("amount", req.Amount),
				zap.Error(err),
			)
		}
	}()

	if recv == nil {
		return nil, ErrNoReceiver
	}

	u, nested := unitFrom(ctx)
	if !nested {
		u = newUnit()
		ctx = context.WithValue(ctx, unitKey{}, u)
	}
	staging := nested && p.journal != nil

	now := p.now()
	info, loanFee, err := p.validate(req, now)
	if err != nil {
		return nil, err
	}

	if err := p.guard.Enter(req.Vault); err != nil {
		return nil, err
	}
	defer func() {
		if exitErr := p.guard.Exit(req.Vault); exitErr != nil {
			err = errors.Join(err, exitErr)
			receipt = nil
		}
	}()

	// The holder may be the caller's own callback, so never wait here.
	if p.lane != nil && !nested {
		select {
		case p.lane <- struct{}{}:
			defer func() { <-p.lane }()
		default:
			return nil, fmt.Errorf("%w: ledger busy with another loan", ErrAlreadyLocked)
		}
	}

	slot, err := p.repo.LoanState(req.Vault)
	if err != nil {
		return nil, err
	}
	if slot.Active {
		return nil, fmt.Errorf("%w: loan slot of %s still active", ErrAlreadyLocked, req.Vault.Hex())
	}
	lastLoanAt := slot.LastLoanAt
	if rec, ok := u.staged(req.Vault); ok {
		lastLoanAt = rec.State.LastLoanAt
	}
	if err := p.checkCooldown(lastLoanAt, now); err != nil {
		return nil, err
	}

	active := *slot
	active.Amount = req.Amount
	active.Fee = loanFee
	active.Expiration = uint64(req.Expiration.Unix())
	active.Active = true
	active.Borrower = req.Borrower
	if err := p.repo.PutLoanState(req.Vault, &active); err != nil {
		return nil, err
	}
	p.metrics.ActiveLoans.Inc()
	defer p.metrics.ActiveLoans.Dec()
	defer func() {
		if err == nil {
			return
		}
		idle := active
		idle.Reset()
		if putErr := p.repo.PutLoanState(req.Vault, &idle); putErr != nil {
			err = errors.Join(err, putErr)
		}
	}()

	loan := Loan{
		ID:              uuid.NewString(),
		Vault:           req.Vault,
		BorrowerAccount: req.BorrowerAccount,
		Borrower:        req.Borrower,
		Mint:            info.Mint,
		Amount:          req.Amount,
		Fee:             loanFee,
		Expiration:      req.Expiration,
		Ledger:          scopedLedger{ledger: p.ledger, account: req.BorrowerAccount},
	}
	v := vault.New(*info, p.ledger, p.logger)

	var (
		revision  int
		disbursed bool
		settled   bool
	)
	if p.journal != nil {
		revision = p.journal.Snapshot()
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := p.rollback(ctx, v, loan, revision, disbursed, settled); rbErr != nil {
			err = errors.Join(err, fmt.Errorf("%w: %w", ErrRollbackFailed, rbErr))
		}
	}()

	if err := v.Disburse(ctx, req.BorrowerAccount, req.Amount); err != nil {
		return nil, err
	}
	disbursed = true

	if err := p.invoke(ctx, recv, loan); err != nil {
		return nil, err
	}

	if err := p.checkSlot(req.Vault, &active); err != nil {
		return nil, err
	}
	settledAt := p.now()
	if !settledAt.Before(req.Expiration) {
		return nil, fmt.Errorf("%w: expired at %s", ErrExpired, req.Expiration.UTC().Format(time.RFC3339))
	}

	stats, err := p.repo.Stats(req.Vault)
	if err != nil {
		return nil, err
	}
	if rec, ok := u.staged(req.Vault); ok {
		*stats = rec.Stats
	}
	if err := stats.Record(req.Amount, loanFee); err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}

	if err := v.Settle(ctx, req.BorrowerAccount, req.Amount, loanFee); err != nil {
		return nil, err
	}
	settled = true

	record := state.Settlement{Vault: req.Vault, State: active, Stats: *stats}
	record.State.Reset()
	record.State.LastLoanAt = uint64(settledAt.Unix())
	receipt = &types.Receipt{
		ID:              loan.ID,
		Vault:           req.Vault,
		Borrower:        req.Borrower,
		BorrowerAccount: req.BorrowerAccount,
		Amount:          req.Amount,
		Fee:             loanFee,
		ExecutedAt:      settledAt,
	}

	if staging {
		// Free the slot now; stats and the cooldown marker wait for the
		// enclosing loan.
		idle := active
		idle.Reset()
		if err := p.repo.PutLoanState(req.Vault, &idle); err != nil {
			return nil, err
		}
		u.stage(record, *receipt)
		p.logger.Debug("Nested flash loan staged",
			zap.String("id", receipt.ID),
			zap.String("vault", req.Vault.Hex()),
			zap.Uint64("amount", req.Amount),
		)
		return receipt, nil
	}

	records, receipts := []state.Settlement{record}, []types.Receipt{*receipt}
	if !nested {
		staged, stagedReceipts := u.pending()
		records = append(staged, record)
		receipts = append(stagedReceipts, *receipt)
	}
	if err := p.repo.Settle(records...); err != nil {
		return nil, err
	}

	if !nested {
		if c, ok := p.ledger.(ledger.Committer); ok {
			if err := c.Commit(); err != nil {
				return nil, fmt.Errorf("failed to commit ledger: %w", err)
			}
		}
	}

	for _, r := range receipts {
		p.executed(r)
	}
	return receipt, nil
}

// executed publishes a loan that is final.
func (p *Protocol) executed(r types.Receipt) {
	p.metrics.Successes.Inc()
	p.metrics.Volume.Add(float64(r.Amount))
	p.metrics.Fees.Add(float64(r.Fee))
	if p.events != nil {
		p.events.Emit(r)
	}
	p.logger.Info("Flash loan executed",
		zap.String("id", r.ID),
		zap.String("vault", r.Vault.Hex()),
		zap.String("borrower", r.Borrower.Hex()),
		zap.Uint64("amount", r.Amount),
		zap.Uint64("fee", r.Fee),
	)
}

// validate runs every check that needs no lock. It returns the vault and the
// fee owed on success.
func (p *Protocol) validate(req types.LoanRequest, now time.Time) (*types.VaultInfo, types.Amount, error) {
	info, err := p.repo.GetVault(req.Vault)
	if err != nil {
		return nil, 0, err
	}
	if req.Mint != info.Mint {
		return nil, 0, fmt.Errorf("%w: vault lends %s, request names %s", ErrMintMismatch, info.Mint.Hex(), req.Mint.Hex())
	}
	if req.Amount == 0 {
		return nil, 0, fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if p.params.MaxLoanAmount > 0 && req.Amount > p.params.MaxLoanAmount {
		return nil, 0, fmt.Errorf("%w: %d exceeds maximum %d", ErrInvalidAmount, req.Amount, p.params.MaxLoanAmount)
	}
	if !req.Expiration.After(now) {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidExpiration, req.Expiration.UTC().Format(time.RFC3339))
	}
	if p.auth != nil {
		if err := p.auth.Authorize(req); err != nil {
			return nil, 0, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
	}
	if !p.allow(req.Borrower, now) {
		return nil, 0, fmt.Errorf("%w: %s", ErrRateLimited, req.Borrower.Hex())
	}
	loanFee, err := p.fees.Compute(req.Amount)
	if err != nil {
		return nil, 0, fmt.Errorf("fee: %w", err)
	}
	return info, loanFee, nil
}

func (p *Protocol) allow(borrower common.Address, now time.Time) bool {
	if p.params.BorrowerRateLimit <= 0 {
		return true
	}
	v, ok := p.limiters.Get(borrower)
	if !ok {
		lim := rate.NewLimiter(rate.Limit(p.params.BorrowerRateLimit), p.params.BorrowerBurst)
		if prev, found, _ := p.limiters.PeekOrAdd(borrower, lim); found {
			v = prev
		} else {
			v = lim
		}
	}
	return v.(*rate.Limiter).AllowN(now, 1)
}

// checkCooldown runs under the guard so two loans cannot both pass against
// the same lastLoanAt.
func (p *Protocol) checkCooldown(lastLoanAt uint64, now time.Time) error {
	if p.params.Cooldown <= 0 || lastLoanAt == 0 {
		return nil
	}
	ready := time.Unix(int64(lastLoanAt), 0).Add(p.params.Cooldown)
	if now.Before(ready) {
		return fmt.Errorf("%w: next loan at %s", ErrCooldown, ready.UTC().Format(time.RFC3339))
	}
	return nil
}

// checkSlot makes sure the persisted slot still describes this loan after the
// untrusted callback ran.
func (p *Protocol) checkSlot(addr common.Address, want *types.LoanState) error {
	got, err := p.repo.LoanState(addr)
	if err != nil {
		return err
	}
	if *got != *want {
		return fmt.Errorf("%w: vault %s", ErrLoanStateChanged, addr.Hex())
	}
	return nil
}

// invoke runs the borrower callback, turning errors and panics into
// ErrCallbackFailed.
func (p *Protocol) invoke(ctx context.Context, recv Receiver, loan Loan) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Borrower callback panicked",
				zap.String("id", loan.ID),
				zap.Any("panic", r),
			)
			err = fmt.Errorf("%w: panic: %v", ErrCallbackFailed, r)
		}
	}()
	if err := recv.OnFlashLoan(ctx, loan); err != nil {
		return fmt.Errorf("%w: %w", ErrCallbackFailed, err)
	}
	return nil
}

// rollback undoes the ledger effects of a failed loan.
func (p *Protocol) rollback(ctx context.Context, v *vault.Vault, loan Loan, revision int, disbursed, settled bool) error {
	if p.journal != nil {
		if err := p.journal.RevertToSnapshot(revision); err != nil {
			return err
		}
		if disbursed {
			p.metrics.Rollbacks.WithLabelValues(metrics.RollbackJournal).Inc()
		}
		return nil
	}
	if !disbursed {
		return nil
	}

	// The rollback must run even when the caller's ctx is done.
	ctx = context.WithoutCancel(ctx)
	p.metrics.Rollbacks.WithLabelValues(metrics.RollbackCompensating).Inc()
	if settled {
		// Principal is already back; only the fee moved.
		return p.ledger.Transfer(ctx, loan.Vault, loan.BorrowerAccount, loan.Fee)
	}
	return v.Reclaim(ctx, loan.BorrowerAccount, loan.Amount)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return metrics.ReasonUnauthorized
	case errors.Is(err, ErrRateLimited), errors.Is(err, ErrCooldown):
		return metrics.ReasonThrottled
	case errors.Is(err, ErrAlreadyLocked):
		return metrics.ReasonLocked
	case errors.Is(err, ErrInsufficientFunds):
		return metrics.ReasonInsufficientFunds
	case errors.Is(err, ErrCallbackFailed):
		return metrics.ReasonCallback
	case errors.Is(err, ErrExpired):
		return metrics.ReasonExpired
	case errors.Is(err, ErrInsufficientRepayment):
		return metrics.ReasonInsufficientRepay
	case errors.Is(err, ErrOverflow):
		return metrics.ReasonOverflow
	case errors.Is(err, ErrUnknownVault), errors.Is(err, ErrMintMismatch),
		errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrInvalidExpiration),
		errors.Is(err, ErrNoReceiver):
		return metrics.ReasonInvalidRequest
	default:
		return metrics.ReasonInternal
	}
}
