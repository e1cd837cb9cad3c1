package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chartbet/market-engine/internal/model"
)

var t0 = time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func key() model.PositionKey {
	return model.PositionKey{UserID: "alice", MarketID: "m1", OutcomeID: "a"}
}

func TestApplyBuy_AverageCost(t *testing.T) {
	p := model.NewPosition(key(), t0)

	ApplyBuy(p, dec("10"), dec("1.5"), t0)
	ApplyBuy(p, dec("30"), dec("7.5"), t0.Add(time.Minute))

	if !p.Shares.Equal(dec("40")) {
		t.Errorf("shares = %s, want 40", p.Shares)
	}
	if !p.TotalInvested.Equal(dec("9")) {
		t.Errorf("invested = %s, want 9", p.TotalInvested)
	}
	if !p.AverageCost.Equal(dec("0.225")) {
		t.Errorf("avg = %s, want 0.225", p.AverageCost)
	}
	if !p.UpdatedAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("updated_at = %v", p.UpdatedAt)
	}
}

func TestApplySell_RealizesAgainstAverageCost(t *testing.T) {
	p := model.NewPosition(key(), t0)
	ApplyBuy(p, dec("40"), dec("8"), t0) // avg 0.2

	profit, err := ApplySell(p, dec("10"), dec("3"), dec("0.06"), t0)
	if err != nil {
		t.Fatal(err)
	}
	// 3 - 0.06 - 10*0.2
	if !profit.Equal(dec("0.94")) {
		t.Errorf("profit = %s, want 0.94", profit)
	}
	if !p.RealizedPnL.Equal(dec("0.94")) {
		t.Errorf("realized = %s", p.RealizedPnL)
	}
	if !p.Shares.Equal(dec("30")) || !p.TotalInvested.Equal(dec("6")) {
		t.Errorf("after sell: shares %s, invested %s", p.Shares, p.TotalInvested)
	}
	if !p.AverageCost.Equal(dec("0.2")) {
		t.Errorf("average cost changed on sell: %s", p.AverageCost)
	}
}

func TestApplySell_Insufficient(t *testing.T) {
	p := model.NewPosition(key(), t0)
	ApplyBuy(p, dec("5"), dec("1"), t0)

	before := *p
	_, err := ApplySell(p, dec("5.00000001"), dec("1"), dec("0"), t0.Add(time.Hour))
	if !errors.Is(err, model.ErrInsufficientShares) {
		t.Fatalf("err = %v, want ErrInsufficientShares", err)
	}
	if !p.Shares.Equal(before.Shares) || !p.RealizedPnL.Equal(before.RealizedPnL) || !p.UpdatedAt.Equal(before.UpdatedAt) {
		t.Error("position mutated on rejected sell")
	}
}

func TestApplySell_FullExitClearsBasis(t *testing.T) {
	p := model.NewPosition(key(), t0)
	ApplyBuy(p, dec("3"), dec("1"), t0) // avg 0.333...

	if _, err := ApplySell(p, dec("3"), dec("0.9"), dec("0"), t0); err != nil {
		t.Fatal(err)
	}
	if !p.Shares.IsZero() || !p.TotalInvested.IsZero() {
		t.Errorf("flat position keeps residue: shares %s, invested %s", p.Shares, p.TotalInvested)
	}
}

func TestRevalue(t *testing.T) {
	p := model.NewPosition(key(), t0)
	ApplyBuy(p, dec("20"), dec("2"), t0)

	Revalue(p, dec("0.15"))
	if !p.CurrentValue.Equal(dec("3")) || !p.UnrealizedPnL.Equal(dec("1")) {
		t.Errorf("value %s, unrealized %s", p.CurrentValue, p.UnrealizedPnL)
	}

	Settle(p, t0)
	Revalue(p, dec("0.5"))
	if !p.CurrentValue.Equal(dec("20")) || !p.UnrealizedPnL.IsZero() {
		t.Errorf("settled position re-marked: value %s, unrealized %s", p.CurrentValue, p.UnrealizedPnL)
	}
}

func TestValuationPrice(t *testing.T) {
	m := &model.Market{
		ID:     "m1",
		Status: model.StatusActive,
		Outcomes: []model.Outcome{
			{ID: "a", Price: dec("0.3")},
			{ID: "b", Price: dec("0.7")},
		},
	}
	if got := ValuationPrice(m, "b"); !got.Equal(dec("0.7")) {
		t.Errorf("active price = %s", got)
	}
	if got := ValuationPrice(m, "zzz"); !got.IsZero() {
		t.Errorf("unknown outcome = %s, want 0", got)
	}

	m.Status = model.StatusResolved
	m.ResolvedOutcomeID = "a"
	if got := ValuationPrice(m, "a"); !got.Equal(dec("1")) {
		t.Errorf("winner = %s, want 1", got)
	}
	if got := ValuationPrice(m, "b"); !got.IsZero() {
		t.Errorf("loser = %s, want 0", got)
	}
}

func TestSettle_Once(t *testing.T) {
	p := model.NewPosition(key(), t0)
	ApplyBuy(p, dec("50"), dec("4.6"), t0)

	amount, profit, ok := Settle(p, t0)
	if !ok || !amount.Equal(dec("50")) || !profit.Equal(dec("45.4")) {
		t.Fatalf("settle = %s, %s, %v", amount, profit, ok)
	}

	_, _, ok = Settle(p, t0)
	if ok {
		t.Error("second settle should be a no-op")
	}
	if !p.RealizedPnL.Equal(dec("45.4")) {
		t.Errorf("realized = %s after second settle", p.RealizedPnL)
	}

	empty := model.NewPosition(key(), t0)
	if _, _, ok := Settle(empty, t0); ok || empty.Settled {
		t.Error("empty position should not settle")
	}
}

func TestReplay(t *testing.T) {
	trades := []model.Trade{
		{ID: "2", UserID: "alice", MarketID: "m1", OutcomeID: "a", Type: model.TradeSell,
			Shares: dec("10"), TotalCost: dec("3"), Fee: dec("0.06"), Status: model.TradeCompleted, CreatedAt: t0.Add(time.Minute)},
		{ID: "1", UserID: "alice", MarketID: "m1", OutcomeID: "a", Type: model.TradeBuy,
			Shares: dec("40"), TotalCost: dec("8"), Status: model.TradeCompleted, CreatedAt: t0},
		{ID: "3", UserID: "bob", MarketID: "m1", OutcomeID: "b", Type: model.TradeBuy,
			Shares: dec("99"), TotalCost: dec("9"), Status: model.TradeFailed, CreatedAt: t0},
	}
	payouts := []model.Payout{
		{ID: "p1", UserID: "alice", MarketID: "m1", OutcomeID: "a", CreatedAt: t0.Add(time.Hour)},
	}

	positions, err := Replay(trades, payouts)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1 (failed trades skipped)", len(positions))
	}
	p := positions[key()]
	if !p.Shares.Equal(dec("30")) || !p.Settled {
		t.Errorf("replayed = %+v", p)
	}
	// 0.94 from the sale plus 30 - 6 at settlement.
	if !p.RealizedPnL.Equal(dec("24.94")) {
		t.Errorf("realized = %s, want 24.94", p.RealizedPnL)
	}
}

func TestReplay_Errors(t *testing.T) {
	oversell := []model.Trade{
		{ID: "1", UserID: "alice", MarketID: "m1", OutcomeID: "a", Type: model.TradeSell,
			Shares: dec("1"), TotalCost: dec("0.1"), Status: model.TradeCompleted, CreatedAt: t0},
	}
	if _, err := Replay(oversell, nil); !errors.Is(err, model.ErrInsufficientShares) {
		t.Errorf("oversell: err = %v", err)
	}

	badType := []model.Trade{
		{ID: "1", UserID: "alice", MarketID: "m1", OutcomeID: "a", Type: "hold", Status: model.TradeCompleted},
	}
	if _, err := Replay(badType, nil); !errors.Is(err, model.ErrInvalidTradeType) {
		t.Errorf("bad type: err = %v", err)
	}

	orphan := []model.Payout{{ID: "p1", UserID: "ghost", MarketID: "m1", OutcomeID: "a"}}
	if _, err := Replay(nil, orphan); !errors.Is(err, model.ErrPositionNotFound) {
		t.Errorf("orphan payout: err = %v", err)
	}
}

func TestSummarize(t *testing.T) {
	empty := Summarize("nobody", nil)
	if empty.Positions == nil || len(empty.Positions) != 0 || !empty.TotalValue.IsZero() {
		t.Errorf("empty portfolio = %+v", empty)
	}

	pf := Summarize("alice", []model.Position{
		{TotalInvested: dec("5"), CurrentValue: dec("7"), RealizedPnL: dec("1"), UnrealizedPnL: dec("2")},
		{TotalInvested: dec("3"), CurrentValue: dec("0"), RealizedPnL: dec("-0.5"), UnrealizedPnL: dec("-3")},
	})
	if !pf.TotalInvested.Equal(dec("8")) || !pf.TotalValue.Equal(dec("7")) {
		t.Errorf("totals: invested %s, value %s", pf.TotalInvested, pf.TotalValue)
	}
	if !pf.RealizedPnL.Equal(dec("0.5")) || !pf.UnrealizedPnL.Equal(dec("-1")) {
		t.Errorf("pnl: realized %s, unrealized %s", pf.RealizedPnL, pf.UnrealizedPnL)
	}
}
