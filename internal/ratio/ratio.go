// Package ratio implements the solvency arithmetic for collateralized debt
// positions: collateral value, collateral ratio, mint capacity, liquidation
// eligibility and the liquidation reward split.
//
// Every function is pure and uses integer arithmetic only. Intermediate
// products are computed in 256-bit integers so that the largest supported
// collateral amount times the largest supported price cannot overflow.
// Results that do not fit in a uint64 saturate at math.MaxUint64.
//
// Rounding is always in the direction that is conservative for the
// protocol: collateral value and ratios round down, liquidation prices
// round up.
package ratio

import (
	"math"

	"github.com/holiman/uint256"

	"github.com/bollar/cdp-engine/internal/model"
)

// InfiniteRatio is returned by CollateralRatioBps for a position with no
// debt. It compares greater than every finite ratio.
const InfiniteRatio uint64 = math.MaxUint64

var (
	satsPerBTC = uint256.NewInt(model.SatsPerBTC)
	bps        = uint256.NewInt(model.BpsDenominator)
)

// saturate converts x to a uint64, clamping at math.MaxUint64.
func saturate(x *uint256.Int) uint64 {
	if !x.IsUint64() {
		return math.MaxUint64
	}
	return x.Uint64()
}

// mulDiv returns floor(a*b/d). d must be non-zero.
func mulDiv(a, b uint64, d *uint256.Int) *uint256.Int {
	x := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	return x.Div(x, d)
}

// ceilDiv returns ceil(x/d). d must be non-zero.
func ceilDiv(x, d *uint256.Int) *uint256.Int {
	q := new(uint256.Int).Div(x, d)
	if !new(uint256.Int).Mod(x, d).IsZero() {
		q.AddUint64(q, 1)
	}
	return q
}

// CollateralValue returns the USD value in cents of collateral satoshis at
// priceCents per BTC: floor(collateral * price / 1e8).
func CollateralValue(collateral, priceCents uint64) uint64 {
	return saturate(mulDiv(collateral, priceCents, satsPerBTC))
}

// CollateralRatioBps returns floor(value * 10000 / minted), or InfiniteRatio
// when minted is zero.
func CollateralRatioBps(collateral, minted, priceCents uint64) uint64 {
	if minted == 0 {
		return InfiniteRatio
	}
	value := mulDiv(collateral, priceCents, satsPerBTC)
	value.Mul(value, bps)
	return saturate(value.Div(value, uint256.NewInt(minted)))
}

// MintCapacity returns the total debt a position may carry:
// floor(value * maxRatioBps / 10000).
func MintCapacity(collateral, priceCents, maxRatioBps uint64) uint64 {
	value := mulDiv(collateral, priceCents, satsPerBTC)
	value.Mul(value, uint256.NewInt(maxRatioBps))
	return saturate(value.Div(value, bps))
}

// MaxMintable returns how much more debt a position may take on:
// max(0, MintCapacity - alreadyMinted).
func MaxMintable(collateral, alreadyMinted, priceCents, maxRatioBps uint64) uint64 {
	capacity := MintCapacity(collateral, priceCents, maxRatioBps)
	if capacity <= alreadyMinted {
		return 0
	}
	return capacity - alreadyMinted
}

// IsLiquidatable reports whether a position with debt has fallen strictly
// below thresholdBps. A ratio exactly at the threshold is not eligible.
func IsLiquidatable(collateral, minted, priceCents, thresholdBps uint64) bool {
	return minted > 0 && CollateralRatioBps(collateral, minted, priceCents) < thresholdBps
}

// LiquidationSplit divides collateral between the owner and the liquidator.
// reward = floor(collateral * penaltyBps / 10000); the owner keeps the rest.
// penaltyBps above 10000 is treated as 10000.
func LiquidationSplit(collateral, penaltyBps uint64) (ownerShare, reward uint64) {
	if penaltyBps > model.BpsDenominator {
		penaltyBps = model.BpsDenominator
	}
	reward = saturate(mulDiv(collateral, penaltyBps, bps))
	return collateral - reward, reward
}

// LiquidationPrice returns the lowest price in cents at which the position
// is not liquidatable. It is 0 for a position without debt and
// math.MaxUint64 for a position without collateral.
func LiquidationPrice(collateral, minted, thresholdBps uint64) uint64 {
	if minted == 0 {
		return 0
	}
	if collateral == 0 {
		return math.MaxUint64
	}
	// ratio >= t  <=>  value >= ceil(t*m/10000)  <=>  p >= ceil(v*1e8/c)
	need := ceilDiv(new(uint256.Int).Mul(uint256.NewInt(thresholdBps), uint256.NewInt(minted)), bps)
	need.Mul(need, satsPerBTC)
	return saturate(ceilDiv(need, uint256.NewInt(collateral)))
}

// UtilizationBps returns system debt as a share of collateral value:
// floor(minted * 10000 / value). It is 0 when there is no collateral value.
func UtilizationBps(totalCollateral, totalMinted, priceCents uint64) uint64 {
	value := mulDiv(totalCollateral, priceCents, satsPerBTC)
	if value.IsZero() {
		return 0
	}
	x := new(uint256.Int).Mul(uint256.NewInt(totalMinted), bps)
	return saturate(x.Div(x, value))
}
