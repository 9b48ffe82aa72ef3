package types

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/michaelpento.lv/flashvault/utils/math"
)

// Amount is a quantity of a single fungible asset in its smallest unit.
type Amount = uint64

// VaultInfo describes a registered vault: the ledger account that holds the
// pooled funds and the mint of the asset it lends.
type VaultInfo struct {
	Address   common.Address
	Mint      common.Address
	CreatedAt uint64 // unix seconds
}

// LoanState tracks the single in-flight loan slot of a vault. Active is only
// ever true while an ExecuteFlashLoan call is running against the vault.
type LoanState struct {
	Amount     Amount
	Fee        Amount
	Expiration uint64 // unix seconds
	Active     bool
	Borrower   common.Address
	LastLoanAt uint64 // unix seconds of the last successful loan, 0 if none
}

// ExpiresAt returns the expiration as a time value.
func (s *LoanState) ExpiresAt() time.Time {
	return time.Unix(int64(s.Expiration), 0)
}

// Reset clears the in-flight fields while keeping the cooldown marker.
func (s *LoanState) Reset() {
	s.Amount = 0
	s.Fee = 0
	s.Expiration = 0
	s.Active = false
	s.Borrower = common.Address{}
}

// LoanStats holds the cumulative counters of a vault. All counters are
// monotonically non-decreasing.
type LoanStats struct {
	TotalLoansIssued   uint64
	TotalFeesCollected Amount
	TotalVolume        Amount
	AverageLoanSize    Amount
}

// Record folds one fully repaid loan into the counters. The receiver is left
// untouched when any counter would overflow.
func (s *LoanStats) Record(amount, fee Amount) error {
	loans, err := math.Add(s.TotalLoansIssued, 1)
	if err != nil {
		return fmt.Errorf("loan count: %w", err)
	}
	fees, err := math.Add(s.TotalFeesCollected, fee)
	if err != nil {
		return fmt.Errorf("fees collected: %w", err)
	}
	volume, err := math.Add(s.TotalVolume, amount)
	if err != nil {
		return fmt.Errorf("volume: %w", err)
	}

	s.TotalLoansIssued = loans
	s.TotalFeesCollected = fees
	s.TotalVolume = volume
	s.AverageLoanSize = volume / loans
	return nil
}

// Receipt describes one fully repaid flash loan.
type Receipt struct {
	ID              string
	Vault           common.Address
	Borrower        common.Address
	BorrowerAccount common.Address
	Amount          Amount
	Fee             Amount
	ExecutedAt      time.Time
}
