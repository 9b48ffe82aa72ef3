// Package api exposes vaults, receipts and loan execution over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/michaelpento.lv/flashvault/flashloan"
	"github.com/michaelpento.lv/flashvault/types"
	"github.com/michaelpento.lv/flashvault/utils/monitor"
)

const (
	requestLimit       = 64 << 10
	defaultReceiptPage = 20
	maxReceiptPage     = 200
)

// Protocol is the part of flashloan.Protocol the API serves.
type Protocol interface {
	Vault(addr common.Address) (*types.VaultInfo, error)
	LoanState(addr common.Address) (*types.LoanState, error)
	Stats(addr common.Address) (*types.LoanStats, error)
	ExecuteFlashLoan(ctx context.Context, req types.LoanRequest, recv flashloan.Receiver) (*types.Receipt, error)
}

type ReceiptStore interface {
	Get(id string) (types.Receipt, bool)
	ByVault(vault common.Address, limit int) []types.Receipt
}

type VaultLister interface {
	Vaults() []monitor.VaultSnapshot
}

type Config struct {
	Protocol Protocol
	Receipts ReceiptStore
	Vaults   VaultLister
	Gatherer prometheus.Gatherer
	Timeout  time.Duration
	Logger   *zap.Logger
}

type server struct {
	protocol Protocol
	receipts ReceiptStore
	vaults   VaultLister
	timeout  time.Duration
	logger   *zap.Logger
}

// NewRouter builds the HTTP handler. Loans submitted over HTTP run with a
// receiver that takes no action, so the borrower account must already hold
// the fee.
func NewRouter(cfg Config) (http.Handler, error) {
	if cfg.Protocol == nil || cfg.Receipts == nil || cfg.Vaults == nil {
		return nil, errors.New("api: protocol, receipts and vaults are required")
	}
	s := &server{
		protocol: cfg.Protocol,
		receipts: cfg.Receipts,
		vaults:   cfg.Vaults,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger,
	}
	if s.timeout <= 0 {
		s.timeout = 10 * time.Second
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	r.Route("/vaults", func(r chi.Router) {
		r.Get("/", s.listVaults)
		r.Get("/{address}", s.getVault)
		r.Get("/{address}/stats", s.getStats)
		r.Get("/{address}/receipts", s.listReceipts)
	})
	r.Get("/receipts/{id}", s.getReceipt)
	r.Post("/loans", s.executeLoan)
	return r, nil
}

type vaultResponse struct {
	Address   string          `json:"address"`
	Mint      string          `json:"mint"`
	CreatedAt uint64          `json:"created_at"`
	Loan      loanStateResult `json:"loan"`
}

type loanStateResult struct {
	Active     bool       `json:"active"`
	Amount     uint64     `json:"amount"`
	Fee        uint64     `json:"fee"`
	Expiration uint64     `json:"expiration"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	Borrower   string     `json:"borrower,omitempty"`
	LastLoanAt uint64     `json:"last_loan_at"`
}

type statsResponse struct {
	Vault              string `json:"vault"`
	TotalLoansIssued   uint64 `json:"total_loans_issued"`
	TotalFeesCollected uint64 `json:"total_fees_collected"`
	TotalVolume        uint64 `json:"total_volume"`
	AverageLoanSize    uint64 `json:"average_loan_size"`
}

type receiptResponse struct {
	ID              string    `json:"id"`
	Vault           string    `json:"vault"`
	Borrower        string    `json:"borrower"`
	BorrowerAccount string    `json:"borrower_account"`
	Amount          uint64    `json:"amount"`
	Fee             uint64    `json:"fee"`
	ExecutedAt      time.Time `json:"executed_at"`
}

type loanRequestBody struct {
	Vault           string `json:"vault"`
	BorrowerAccount string `json:"borrower_account"`
	Borrower        string `json:"borrower"`
	Mint            string `json:"mint"`
	Amount          uint64 `json:"amount"`
	Expiration      int64  `json:"expiration"` // unix seconds
	Signature       string `json:"signature"`  // 0x-prefixed hex
}

func (s *server) listVaults(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.vaults.Vaults())
}

func (s *server) getVault(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	info, err := s.protocol.Vault(addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	st, err := s.protocol.LoanState(addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := vaultResponse{
		Address:   info.Address.Hex(),
		Mint:      info.Mint.Hex(),
		CreatedAt: info.CreatedAt,
		Loan: loanStateResult{
			Active:     st.Active,
			Amount:     st.Amount,
			Fee:        st.Fee,
			Expiration: st.Expiration,
			LastLoanAt: st.LastLoanAt,
		},
	}
	if st.Active {
		expiresAt := st.ExpiresAt().UTC()
		resp.Loan.ExpiresAt = &expiresAt
		resp.Loan.Borrower = st.Borrower.Hex()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) getStats(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	stats, err := s.protocol.Stats(addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Vault:              addr.Hex(),
		TotalLoansIssued:   stats.TotalLoansIssued,
		TotalFeesCollected: stats.TotalFeesCollected,
		TotalVolume:        stats.TotalVolume,
		AverageLoanSize:    stats.AverageLoanSize,
	})
}

func (s *server) listReceipts(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddress(w, r)
	if !ok {
		return
	}
	limit := defaultReceiptPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = min(n, maxReceiptPage)
	}
	list := s.receipts.ByVault(addr, limit)
	out := make([]receiptResponse, 0, len(list))
	for _, rc := range list {
		out = append(out, toReceiptResponse(rc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) getReceipt(w http.ResponseWriter, r *http.Request) {
	rc, ok := s.receipts.Get(chi.URLParam(r, "id"))
	if !ok {
		writeJSONError(w, http.StatusNotFound, errors.New("receipt not found"))
		return
	}
	writeJSON(w, http.StatusOK, toReceiptResponse(rc))
}

func (s *server) executeLoan(w http.ResponseWriter, r *http.Request) {
	var body loanRequestBody
	dec := json.NewDecoder(io.LimitReader(r.Body, requestLimit))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	req, err := body.toRequest()
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	receipt, err := s.protocol.ExecuteFlashLoan(ctx, req, flashloan.ReceiverFunc(func(context.Context, flashloan.Loan) error {
		return nil
	}))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReceiptResponse(*receipt))
}

func (b loanRequestBody) toRequest() (types.LoanRequest, error) {
	addrs := map[string]string{
		"vault":            b.Vault,
		"borrower_account": b.BorrowerAccount,
		"borrower":         b.Borrower,
		"mint":             b.Mint,
	}
	for field, v := range addrs {
		if !common.IsHexAddress(v) {
			return types.LoanRequest{}, fmt.Errorf("%s: invalid address %q", field, v)
		}
	}
	sig, err := hexutil.Decode(b.Signature)
	if err != nil {
		return types.LoanRequest{}, fmt.Errorf("signature: %w", err)
	}
	return types.LoanRequest{
		Vault:           common.HexToAddress(b.Vault),
		BorrowerAccount: common.HexToAddress(b.BorrowerAccount),
		Borrower:        common.HexToAddress(b.Borrower),
		Mint:            common.HexToAddress(b.Mint),
		Amount:          b.Amount,
		Expiration:      time.Unix(b.Expiration, 0),
		Signature:       sig,
	}, nil
}

func toReceiptResponse(rc types.Receipt) receiptResponse {
	return receiptResponse{
		ID:              rc.ID,
		Vault:           rc.Vault.Hex(),
		Borrower:        rc.Borrower.Hex(),
		BorrowerAccount: rc.BorrowerAccount.Hex(),
		Amount:          rc.Amount,
		Fee:             rc.Fee,
		ExecutedAt:      rc.ExecutedAt.UTC(),
	}
}

func pathAddress(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		writeJSONError(w, http.StatusBadRequest, fmt.Errorf("invalid address %q", raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.Error(err))
	}
	writeJSONError(w, status, err)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, flashloan.ErrUnknownVault):
		return http.StatusNotFound
	case errors.Is(err, flashloan.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, flashloan.ErrRateLimited), errors.Is(err, flashloan.ErrCooldown):
		return http.StatusTooManyRequests
	case errors.Is(err, flashloan.ErrAlreadyLocked):
		return http.StatusConflict
	case errors.Is(err, flashloan.ErrInvalidAmount), errors.Is(err, flashloan.ErrInvalidExpiration),
		errors.Is(err, flashloan.ErrMintMismatch):
		return http.StatusBadRequest
	case errors.Is(err, flashloan.ErrInsufficientFunds), errors.Is(err, flashloan.ErrInsufficientRepayment),
		errors.Is(err, flashloan.ErrExpired), errors.Is(err, flashloan.ErrOverflow):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}
