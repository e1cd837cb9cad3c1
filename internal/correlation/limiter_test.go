package correlation

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/chartbet/market-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func exposure(byMarket, byEntity map[string]float64) model.Exposure {
	e := model.NewExposure()
	for k, v := range byMarket {
		e.ByMarket[k] = d(v)
	}
	for k, v := range byEntity {
		e.ByEntity[k] = d(v)
	}
	return e
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	err := limiter.CheckLimit("m1", "artist-1", d(100), model.NewExposure())
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerMarketExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))

	// Existing 950 + new 100 = 1050 > 1000.
	existing := exposure(map[string]float64{"m1": 950}, nil)

	err := limiter.CheckLimit("m1", "", d(100), existing)
	if err != ErrPerMarketLimitExceeded {
		t.Errorf("expected ErrPerMarketLimitExceeded, got %v", err)
	}
	if !errors.Is(err, model.ErrPositionLimitExceeded) {
		t.Error("expected error to wrap model.ErrPositionLimitExceeded")
	}
	if model.KindOf(err) != model.KindStateConflict {
		t.Errorf("expected state conflict kind, got %v", model.KindOf(err))
	}
}

func TestCheckLimit_AtLimitAllowed(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(5000))
	existing := exposure(map[string]float64{"m1": 900}, nil)

	if err := limiter.CheckLimit("m1", "", d(100), existing); err != nil {
		t.Errorf("exactly at limit should pass, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(1500))

	// Three markets on the same artist, each well under the per-market cap.
	existing := exposure(
		map[string]float64{"m1": 600, "m2": 600},
		map[string]float64{"artist-1": 1200},
	)

	err := limiter.CheckLimit("m3", "artist-1", d(400), existing)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_UnrelatedEntityIgnored(t *testing.T) {
	limiter := NewPositionLimiter(d(1000), d(1500))

	existing := exposure(
		map[string]float64{"m1": 900},
		map[string]float64{"artist-1": 1400},
	)

	if err := limiter.CheckLimit("m2", "artist-2", d(500), existing); err != nil {
		t.Errorf("different entity should not count, got %v", err)
	}
}

func TestCheckLimit_ZeroLimitsDisable(t *testing.T) {
	limiter := NewPositionLimiter(decimal.Zero, decimal.Zero)
	existing := exposure(map[string]float64{"m1": 1e9}, map[string]float64{"a": 1e9})

	if err := limiter.CheckLimit("m1", "a", d(1e6), existing); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}
}

func TestCheckLimit_NilLimiter(t *testing.T) {
	var limiter *PositionLimiter
	if err := limiter.CheckLimit("m1", "a", d(10), model.NewExposure()); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}
