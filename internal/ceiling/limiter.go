// Package ceiling enforces system-wide exposure limits: how much debt the
// protocol will issue in total and per position, and how much collateral it
// will custody.
//
// Limits are checked against committed totals plus any amounts reserved by
// in-flight commits, so concurrent operations on different positions cannot
// jointly exceed a ceiling. A zero limit means unlimited.
package ceiling

import (
	"github.com/bollar/cdp-engine/internal/model"
)

// Limiter holds the configured ceilings.
type Limiter struct {
	// MaxSystemDebt caps the sum of minted debt across all positions.
	MaxSystemDebt uint64

	// MaxSystemCollateral caps the sum of collateral across all positions.
	MaxSystemCollateral uint64

	// MaxPositionDebt caps the debt of any single position.
	MaxPositionDebt uint64
}

// NewLimiter creates a limiter from the system configuration.
func NewLimiter(cfg model.SystemConfig) *Limiter {
	return &Limiter{
		MaxSystemDebt:       cfg.MaxSystemDebt,
		MaxSystemCollateral: cfg.MaxSystemCollateral,
		MaxPositionDebt:     cfg.MaxPositionDebt,
	}
}

// CheckMint validates minting amount more debt on a position that already
// carries positionDebt, given systemDebt already outstanding or reserved.
func (l *Limiter) CheckMint(positionDebt, systemDebt, amount uint64) error {
	if l == nil {
		return nil
	}
	if exceeds(positionDebt, amount, l.MaxPositionDebt) {
		return model.Errorf(model.KindCeilingExceeded, "position debt ceiling").
			Bounds(positionDebt+amount, l.MaxPositionDebt)
	}
	if exceeds(systemDebt, amount, l.MaxSystemDebt) {
		return model.Errorf(model.KindCeilingExceeded, "system debt ceiling").
			Bounds(amount, headroom(systemDebt, l.MaxSystemDebt))
	}
	return nil
}

// CheckDeposit validates adding amount of collateral given systemCollateral
// already custodied or reserved.
func (l *Limiter) CheckDeposit(systemCollateral, amount uint64) error {
	if l == nil {
		return nil
	}
	if exceeds(systemCollateral, amount, l.MaxSystemCollateral) {
		return model.Errorf(model.KindCeilingExceeded, "system collateral ceiling").
			Bounds(amount, headroom(systemCollateral, l.MaxSystemCollateral))
	}
	return nil
}

// DebtHeadroom returns how much more debt the system ceiling admits, or
// 0 with ok=false when there is no ceiling.
func (l *Limiter) DebtHeadroom(systemDebt uint64) (uint64, bool) {
	if l == nil || l.MaxSystemDebt == 0 {
		return 0, false
	}
	return headroom(systemDebt, l.MaxSystemDebt), true
}

// exceeds reports whether current+amount > limit without overflowing.
func exceeds(current, amount, limit uint64) bool {
	if limit == 0 {
		return false
	}
	return current > limit || amount > limit-current
}

func headroom(current, limit uint64) uint64 {
	if current >= limit {
		return 0
	}
	return limit - current
}
