// Package amm implements the automated market maker that prices outcomes of
// music prediction markets.
//
// The curve is a single-parameter scarcity curve:
//
//	p = shares / (shares + liquidity)
//
// clamped to [MinPrice, MaxPrice]. Buying an outcome raises its price,
// selling lowers it, and a larger liquidity pool dampens both moves.
//
// Each outcome is priced independently from its own share count and the
// market's shared liquidity, so prices across a market are not required to
// sum to 1. This differs from LMSR-style makers and is kept as-is.
//
// All monetary values use shopspring/decimal, never float64.
package amm

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/chartbet/market-engine/internal/model"
)

var (
	// ErrInvalidLiquidity is returned when liquidity <= 0.
	ErrInvalidLiquidity = errors.New("amm: liquidity must be positive")

	// MinPrice is the lowest price an outcome can quote.
	MinPrice = decimal.RequireFromString("0.01")

	// MaxPrice is the highest price an outcome can quote.
	MaxPrice = decimal.RequireFromString("0.99")

	// PriceScale is the number of decimal places prices are rounded to.
	PriceScale int32 = 8
)

// ValidateLiquidity checks that a liquidity pool can price outcomes.
func ValidateLiquidity(liquidity decimal.Decimal) error {
	if !liquidity.IsPositive() {
		return ErrInvalidLiquidity
	}
	return nil
}

// Price returns the price of an outcome with the given outstanding shares in
// a market whose pool is liquidity. It is a pure function of its inputs.
func Price(shares, liquidity decimal.Decimal) decimal.Decimal {
	if shares.IsNegative() {
		shares = decimal.Zero
	}
	denom := shares.Add(liquidity)
	if !denom.IsPositive() {
		return MinPrice
	}
	p := shares.Div(denom).Round(PriceScale)
	return clamp(p)
}

func clamp(p decimal.Decimal) decimal.Decimal {
	if p.LessThan(MinPrice) {
		return MinPrice
	}
	if p.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return p
}

// Reprice recomputes the price of every outcome in m. It must run after any
// change to outcome shares, including outcomes that were not traded.
func Reprice(m *model.Market) {
	for i := range m.Outcomes {
		m.Outcomes[i].Price = Price(m.Outcomes[i].Shares, m.TotalLiquidity)
	}
}

// PriceSum returns Σ price over all outcomes. Informational only; see the
// package comment.
func PriceSum(m *model.Market) decimal.Decimal {
	sum := decimal.Zero
	for _, o := range m.Outcomes {
		sum = sum.Add(o.Price)
	}
	return sum
}
