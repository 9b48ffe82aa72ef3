// Package fee computes flash loan fees from the loan size.
//
// The schedule is progressive: each bracket's rate applies only to the part of
// the amount that falls inside it, so the fee never decreases as the amount
// grows. Every bracket contribution truncates toward zero and the total is
// raised to MinFee.
package fee

import (
	"errors"
	"fmt"

	"github.com/michaelpento.lv/flashvault/types"
	"github.com/michaelpento.lv/flashvault/utils/math"
)

var (
	ErrInvalidAmount  = errors.New("fee: invalid loan amount")
	ErrOverflow       = math.ErrOverflow
	ErrInvalidBracket = errors.New("fee: invalid bracket schedule")
)

// Bracket charges RateBps on the portion of the amount up to UpTo. UpTo == 0
// marks the open-ended last bracket.
type Bracket struct {
	UpTo    types.Amount `yaml:"up_to"`
	RateBps uint64       `yaml:"rate_bps"`
}

// Schedule is the full fee formula.
type Schedule struct {
	Brackets []Bracket    `yaml:"brackets"`
	MinFee   types.Amount `yaml:"min_fee"`
}

// DefaultSchedule charges 1% on the first 100,000 units, 0.5% up to 500,000
// and 0.25% above, with a floor of one unit.
func DefaultSchedule() Schedule {
	return Schedule{
		Brackets: []Bracket{
			{UpTo: 100_000, RateBps: 100},
			{UpTo: 500_000, RateBps: 50},
			{UpTo: 0, RateBps: 25},
		},
		MinFee: 1,
	}
}

// Validate checks that thresholds ascend, rates are at most 100% and the last
// bracket is open-ended.
func (s Schedule) Validate() error {
	if len(s.Brackets) == 0 {
		return fmt.Errorf("%w: no brackets", ErrInvalidBracket)
	}
	var prev types.Amount
	for i, b := range s.Brackets {
		if b.RateBps > math.BasisPoints {
			return fmt.Errorf("%w: bracket %d rate %d bps exceeds 100%%", ErrInvalidBracket, i, b.RateBps)
		}
		last := i == len(s.Brackets)-1
		if last {
			if b.UpTo != 0 {
				return fmt.Errorf("%w: last bracket must be open-ended", ErrInvalidBracket)
			}
			break
		}
		if b.UpTo == 0 || b.UpTo <= prev {
			return fmt.Errorf("%w: bracket %d threshold %d not ascending", ErrInvalidBracket, i, b.UpTo)
		}
		prev = b.UpTo
	}
	return nil
}

// Calculator applies a validated Schedule. It is immutable and safe for
// concurrent use.
type Calculator struct {
	schedule Schedule
}

// NewCalculator validates the schedule and returns a calculator for it.
func NewCalculator(schedule Schedule) (*Calculator, error) {
	if err := schedule.Validate(); err != nil {
		return nil, err
	}
	brackets := make([]Bracket, len(schedule.Brackets))
	copy(brackets, schedule.Brackets)
	return &Calculator{schedule: Schedule{Brackets: brackets, MinFee: schedule.MinFee}}, nil
}

// Compute returns the fee owed for a loan of amount. It fails with
// ErrOverflow when amount plus fee could not be represented, since such a
// loan could never be repaid.
func (c *Calculator) Compute(amount types.Amount) (types.Amount, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}

	var (
		total types.Amount
		lower types.Amount
	)
	for _, b := range c.schedule.Brackets {
		upper := b.UpTo
		if upper == 0 || upper > amount {
			upper = amount
		}
		part, err := math.ApplyBasisPoints(upper-lower, b.RateBps)
		if err != nil {
			return 0, err
		}
		if total, err = math.Add(total, part); err != nil {
			return 0, err
		}
		lower = upper
		if lower >= amount {
			break
		}
	}

	if total < c.schedule.MinFee {
		total = c.schedule.MinFee
	}
	if _, err := math.Add(amount, total); err != nil {
		return 0, err
	}
	return total, nil
}

// Schedule returns a copy of the calculator's schedule.
func (c *Calculator) Schedule() Schedule {
	brackets := make([]Bracket, len(c.schedule.Brackets))
	copy(brackets, c.schedule.Brackets)
	return Schedule{Brackets: brackets, MinFee: c.schedule.MinFee}
}
