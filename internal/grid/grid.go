package grid

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/stratexbot/stratex/internal/precision"
)

// ═══════════════════════════════════════════════════════════════════════════════
// GRID CALCULATOR - Pure DCA plan math
// ═══════════════════════════════════════════════════════════════════════════════
//
// Lays out the full ladder for one pyramid: entry price per leg, quantity per
// leg, take-profit price per leg. No I/O, no clock, no randomness — equal
// inputs produce identical plans.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Side is the direction of a plan. The engine trades spot longs only.
type Side string

const (
	SideLong Side = "long"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Level is one configured DCA rung: how far below base to sit, what share
// of capital to commit, and the profit target from that rung.
type Level struct {
	GapPercent    decimal.Decimal `json:"gap_percent"`
	WeightPercent decimal.Decimal `json:"weight_percent"`
	TPPercent     decimal.Decimal `json:"tp_percent"`
}

// Leg is one computed order of a plan.
type Leg struct {
	Index         int             `json:"index"`
	GapPercent    decimal.Decimal `json:"gap_percent"`
	WeightPercent decimal.Decimal `json:"weight_percent"`
	Price         decimal.Decimal `json:"price"`
	Quantity      decimal.Decimal `json:"quantity"`
	Notional      decimal.Decimal `json:"notional"`
	TPPercent     decimal.Decimal `json:"tp_percent"`
	TPPrice       decimal.Decimal `json:"tp_price"`
}

// Plan is a fully-laid-out DCA grid for one pyramid.
type Plan struct {
	BasePrice     decimal.Decimal `json:"base_price"`
	Capital       decimal.Decimal `json:"capital"`
	Legs          []Leg           `json:"legs"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	TotalNotional decimal.Decimal `json:"total_notional"`
}

// PlanInvalidError rejects a whole plan; no partial plans are ever returned.
type PlanInvalidError struct {
	Reason string
	Leg    int // -1 when not tied to a single leg
}

func (e *PlanInvalidError) Error() string {
	if e.Leg >= 0 {
		return fmt.Sprintf("invalid DCA plan at leg %d: %s", e.Leg, e.Reason)
	}
	return fmt.Sprintf("invalid DCA plan: %s", e.Reason)
}

func planInvalid(leg int, format string, args ...interface{}) error {
	return &PlanInvalidError{Reason: fmt.Sprintf(format, args...), Leg: leg}
}

// Build computes every leg of a long DCA plan against basePrice.
//
// Entry prices round DOWN to the tick (a long buy never crosses up), TP
// prices round half-up to the tick, quantities round DOWN to the step. Any
// leg that lands below min_qty or min_notional invalidates the whole plan.
func Build(basePrice decimal.Decimal, side Side, levels []Level, rules precision.Rules, capital decimal.Decimal) (*Plan, error) {
	if side != SideLong {
		return nil, planInvalid(-1, "side %q not supported on spot", side)
	}
	if !basePrice.IsPositive() {
		return nil, planInvalid(-1, "base price must be positive, got %s", basePrice)
	}
	if !capital.IsPositive() {
		return nil, planInvalid(-1, "capital must be positive, got %s", capital)
	}
	if len(levels) == 0 {
		return nil, planInvalid(-1, "no DCA levels configured")
	}
	if !rules.Complete() {
		return nil, planInvalid(-1, "incomplete precision rules (tick=%s step=%s)", rules.TickSize, rules.StepSize)
	}

	weightSum := decimal.Zero
	for _, lv := range levels {
		weightSum = weightSum.Add(lv.WeightPercent)
	}
	if !weightSum.Equal(hundred) {
		return nil, planInvalid(-1, "level weights sum to %s, want 100", weightSum)
	}

	plan := &Plan{
		BasePrice:     basePrice,
		Capital:       capital,
		Legs:          make([]Leg, 0, len(levels)),
		TotalQuantity: decimal.Zero,
		TotalNotional: decimal.Zero,
	}

	for i, lv := range levels {
		rawPrice := basePrice.Mul(one.Add(lv.GapPercent.Div(hundred)))
		price := FloorToIncrement(rawPrice, rules.TickSize)
		if !price.IsPositive() {
			return nil, planInvalid(i, "entry price %s collapses to zero at tick %s", rawPrice, rules.TickSize)
		}

		notional := capital.Mul(lv.WeightPercent).Div(hundred)
		qty := FloorToIncrement(notional.Div(price), rules.StepSize)

		if rules.MinQty.IsPositive() && qty.LessThan(rules.MinQty) {
			return nil, planInvalid(i, "quantity %s below min_qty %s", qty, rules.MinQty)
		}
		if rules.MinNotional.IsPositive() && qty.Mul(price).LessThan(rules.MinNotional) {
			return nil, planInvalid(i, "order value %s below min_notional %s", qty.Mul(price), rules.MinNotional)
		}

		tpPrice := RoundToIncrement(price.Mul(one.Add(lv.TPPercent.Div(hundred))), rules.TickSize)

		plan.Legs = append(plan.Legs, Leg{
			Index:         i,
			GapPercent:    lv.GapPercent,
			WeightPercent: lv.WeightPercent,
			Price:         price,
			Quantity:      qty,
			Notional:      notional,
			TPPercent:     lv.TPPercent,
			TPPrice:       tpPrice,
		})
		plan.TotalQuantity = plan.TotalQuantity.Add(qty)
		plan.TotalNotional = plan.TotalNotional.Add(notional)
	}

	return plan, nil
}

// TPForAverage computes an aggregate take-profit price above a weighted
// average entry, rounded half-up to the tick.
func TPForAverage(avgEntry, tpPercent, tick decimal.Decimal) decimal.Decimal {
	return RoundToIncrement(avgEntry.Mul(one.Add(tpPercent.Div(hundred))), tick)
}

// FloorToIncrement rounds v down to a multiple of inc. inc <= 0 returns v.
func FloorToIncrement(v, inc decimal.Decimal) decimal.Decimal {
	if !inc.IsPositive() {
		return v
	}
	return v.Div(inc).Floor().Mul(inc)
}

// CeilToIncrement rounds v up to a multiple of inc. inc <= 0 returns v.
func CeilToIncrement(v, inc decimal.Decimal) decimal.Decimal {
	if !inc.IsPositive() {
		return v
	}
	return v.Div(inc).Ceil().Mul(inc)
}

// RoundToIncrement rounds v half-up to a multiple of inc. inc <= 0 returns v.
func RoundToIncrement(v, inc decimal.Decimal) decimal.Decimal {
	if !inc.IsPositive() {
		return v
	}
	return v.Div(inc).Round(0).Mul(inc)
}
