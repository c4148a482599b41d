package ceiling

import (
	"errors"
	"math"
	"testing"

	"github.com/bollar/cdp-engine/internal/model"
)

func TestCheckMint_WithinLimits(t *testing.T) {
	l := &Limiter{MaxSystemDebt: 10_000, MaxPositionDebt: 5_000}

	if err := l.CheckMint(1_000, 4_000, 2_000); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckMint_PositionCeiling(t *testing.T) {
	l := &Limiter{MaxPositionDebt: 5_000}

	// 4,500 existing + 600 = 5,100 > 5,000.
	err := l.CheckMint(4_500, 0, 600)
	if !errors.Is(err, model.ErrCeilingExceeded) {
		t.Fatalf("expected ceiling error, got %v", err)
	}
	var e *model.Error
	errors.As(err, &e)
	if e.Requested != 5_100 || e.Limit != 5_000 {
		t.Errorf("unexpected bounds %+v", e)
	}

	// Exactly at the ceiling is allowed.
	if err := l.CheckMint(4_500, 0, 500); err != nil {
		t.Errorf("exact ceiling should pass, got %v", err)
	}
}

func TestCheckMint_SystemCeiling(t *testing.T) {
	l := &Limiter{MaxSystemDebt: 10_000}

	err := l.CheckMint(0, 9_000, 1_001)
	if !errors.Is(err, model.ErrCeilingExceeded) {
		t.Fatalf("expected ceiling error, got %v", err)
	}
	var e *model.Error
	errors.As(err, &e)
	if e.Limit != 1_000 {
		t.Errorf("limit should report remaining headroom 1000, got %d", e.Limit)
	}
}

func TestCheckMint_ZeroMeansUnlimited(t *testing.T) {
	l := &Limiter{}
	if err := l.CheckMint(math.MaxUint64-1, math.MaxUint64-1, 1); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckMint_NoOverflow(t *testing.T) {
	l := &Limiter{MaxSystemDebt: 100}
	if err := l.CheckMint(0, 50, math.MaxUint64); err == nil {
		t.Error("huge amount must not wrap around the ceiling")
	}
}

func TestCheckDeposit(t *testing.T) {
	l := &Limiter{MaxSystemCollateral: 21 * model.SatsPerBTC}

	if err := l.CheckDeposit(20*model.SatsPerBTC, model.SatsPerBTC); err != nil {
		t.Errorf("expected no error at exact ceiling, got %v", err)
	}
	if err := l.CheckDeposit(20*model.SatsPerBTC, model.SatsPerBTC+1); !errors.Is(err, model.ErrCeilingExceeded) {
		t.Errorf("expected ceiling error, got %v", err)
	}
}

func TestNilLimiter(t *testing.T) {
	var l *Limiter
	if err := l.CheckMint(1, 1, 1); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
	if _, ok := l.DebtHeadroom(0); ok {
		t.Error("nil limiter has no headroom bound")
	}
}

func TestNewLimiter_FromConfig(t *testing.T) {
	cfg := model.DefaultSystemConfig()
	cfg.MaxSystemDebt = 1_000_000
	l := NewLimiter(cfg)

	room, ok := l.DebtHeadroom(400_000)
	if !ok || room != 600_000 {
		t.Errorf("expected 600,000 headroom, got %d (%v)", room, ok)
	}
}
