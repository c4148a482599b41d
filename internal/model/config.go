package model

import (
	"fmt"
	"time"
)

// SystemConfig holds the protocol parameters. It is loaded once at start-up
// and validated before any component uses it.
type SystemConfig struct {
	MaxCollateralRatioBps   uint64        `mapstructure:"max_collateral_ratio_bps" json:"max_collateral_ratio_bps"`
	LiquidationThresholdBps uint64        `mapstructure:"liquidation_threshold_bps" json:"liquidation_threshold_bps"`
	LiquidationPenaltyBps   uint64        `mapstructure:"liquidation_penalty_bps" json:"liquidation_penalty_bps"`
	MinCollateralAmount     uint64        `mapstructure:"min_collateral_amount" json:"min_collateral_amount"`
	MaxCollateralAmount     uint64        `mapstructure:"max_collateral_amount" json:"max_collateral_amount"`
	MinMintAmount           uint64        `mapstructure:"min_mint_amount" json:"min_mint_amount"`
	MaxSystemDebt           uint64        `mapstructure:"max_system_debt" json:"max_system_debt"`
	MaxSystemCollateral     uint64        `mapstructure:"max_system_collateral" json:"max_system_collateral"`
	MaxPositionDebt         uint64        `mapstructure:"max_position_debt" json:"max_position_debt"`
	PriceFreshness          time.Duration `mapstructure:"price_freshness" json:"price_freshness"`
}

// DefaultSystemConfig returns the production defaults: 90% max loan to
// value, liquidation below 85%, 5% penalty, 0.001 BTC minimum deposit and a
// $10 minimum mint.
func DefaultSystemConfig() SystemConfig {
	return SystemConfig{
		MaxCollateralRatioBps:   9000,
		LiquidationThresholdBps: 8500,
		LiquidationPenaltyBps:   500,
		MinCollateralAmount:     100_000,
		MaxCollateralAmount:     100 * SatsPerBTC,
		MinMintAmount:           1_000,
		PriceFreshness:          5 * time.Minute,
	}
}

// Validate enforces the invariants every other component relies on.
func (c SystemConfig) Validate() error {
	switch {
	case c.LiquidationPenaltyBps > BpsDenominator:
		return fmt.Errorf("liquidation_penalty_bps %d exceeds %d", c.LiquidationPenaltyBps, BpsDenominator)
	case c.MaxCollateralRatioBps == 0 || c.MaxCollateralRatioBps > BpsDenominator:
		return fmt.Errorf("max_collateral_ratio_bps %d outside (0, %d]", c.MaxCollateralRatioBps, BpsDenominator)
	case c.LiquidationThresholdBps == 0:
		return fmt.Errorf("liquidation_threshold_bps must be positive")
	case c.MinCollateralAmount == 0:
		return fmt.Errorf("min_collateral_amount must be positive")
	case c.MinCollateralAmount > c.MaxCollateralAmount:
		return fmt.Errorf("min_collateral_amount %d exceeds max_collateral_amount %d", c.MinCollateralAmount, c.MaxCollateralAmount)
	case c.PriceFreshness <= 0:
		return fmt.Errorf("price_freshness must be positive")
	}
	return nil
}
