package model_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/bollar/cdp-engine/internal/model"
)

func TestErrorIs_MatchesKind(t *testing.T) {
	err := model.ErrInsufficientCollateral.ForCDP(7).Bounds(5_850_001, 5_850_000)
	wrapped := fmt.Errorf("mint: %w", err)

	if !errors.Is(wrapped, model.ErrInsufficientCollateral) {
		t.Error("wrapped error should match its sentinel")
	}
	if errors.Is(wrapped, model.ErrInvalidAmount) {
		t.Error("different kinds must not match")
	}

	var e *model.Error
	if !errors.As(wrapped, &e) {
		t.Fatal("expected *model.Error in chain")
	}
	if e.CDPID != 7 || e.Requested != 5_850_001 || e.Limit != 5_850_000 {
		t.Errorf("boundary values lost: %+v", e)
	}
}

func TestErrorIs_TerminalStatesAreNotActive(t *testing.T) {
	tests := []struct {
		status model.Status
		want   error
	}{
		{model.StatusLiquidated, model.ErrCDPAlreadyLiquidated},
		{model.StatusClosed, model.ErrCDPClosed},
	}
	for _, tt := range tests {
		err := model.StatusError(1, tt.status)
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: expected %v", tt.status, tt.want)
		}
		if !errors.Is(err, model.ErrCDPNotActive) {
			t.Errorf("%s: should also match ErrCDPNotActive", tt.status)
		}
		if !tt.status.Terminal() {
			t.Errorf("%s should be terminal", tt.status)
		}
	}
	if model.StatusActive.Terminal() {
		t.Error("active must not be terminal")
	}
	if errors.Is(model.ErrCDPNotActive, model.ErrCDPClosed) {
		t.Error("not-active must not match closed")
	}
}

func TestKindCategory(t *testing.T) {
	tests := map[model.Kind]model.Category{
		model.KindInvalidAmount:              model.CategoryInput,
		model.KindInvalidAddress:             model.CategoryInput,
		model.KindUnauthorized:               model.CategoryAuthorization,
		model.KindCDPNotLiquidatable:         model.CategoryState,
		model.KindInsufficientCollateral:     model.CategorySolvency,
		model.KindPriceManipulationSuspected: model.CategoryOracle,
		model.KindDepositPending:             model.CategorySettlement,
		model.KindPaused:                     model.CategoryAvailability,
	}
	for kind, want := range tests {
		if got := kind.Category(); got != want {
			t.Errorf("%s: got %s, want %s", kind, got, want)
		}
	}
}

func TestKindOf(t *testing.T) {
	if got := model.KindOf(errors.New("boom")); got != "" {
		t.Errorf("plain error should have no kind, got %q", got)
	}
	if got := model.KindOf(fmt.Errorf("x: %w", model.ErrPriceStale)); got != model.KindPriceStale {
		t.Errorf("got %q", got)
	}
}

func TestTotalsApply(t *testing.T) {
	tot := model.Totals{TotalCollateral: 100, TotalMinted: 50}
	tot = tot.Apply(model.TotalsDelta{CollateralAdded: 10, MintedRemoved: 20})
	if tot.TotalCollateral != 110 || tot.TotalMinted != 30 {
		t.Errorf("unexpected totals %+v", tot)
	}
	tot = tot.Apply(model.TotalsDelta{MintedRemoved: 1000})
	if tot.TotalMinted != 0 {
		t.Errorf("removal should floor at zero, got %d", tot.TotalMinted)
	}
}

func TestSystemConfigValidate(t *testing.T) {
	if err := model.DefaultSystemConfig().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*model.SystemConfig)
	}{
		{"penalty above 100%", func(c *model.SystemConfig) { c.LiquidationPenaltyBps = 10_001 }},
		{"zero max ratio", func(c *model.SystemConfig) { c.MaxCollateralRatioBps = 0 }},
		{"min above max", func(c *model.SystemConfig) { c.MinCollateralAmount = c.MaxCollateralAmount + 1 }},
		{"zero freshness", func(c *model.SystemConfig) { c.PriceFreshness = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := model.DefaultSystemConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}

	cfg := model.DefaultSystemConfig()
	cfg.LiquidationPenaltyBps = 10_000
	if err := cfg.Validate(); err != nil {
		t.Errorf("penalty of exactly 100%% is allowed: %v", err)
	}
}
