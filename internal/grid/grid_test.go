package grid

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratexbot/stratex/internal/precision"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func testRules() precision.Rules {
	return precision.Rules{
		TickSize:    d("0.01"),
		StepSize:    d("0.001"),
		MinQty:      d("0.001"),
		MinNotional: d("10"),
	}
}

// Standard four-rung ladder: 20/20/20/40 weights, gaps 0/-0.5/-1/-2,
// TPs 1/0.5/0.5/0.5.
func testLevels() []Level {
	return []Level{
		{GapPercent: d("0"), WeightPercent: d("20"), TPPercent: d("1")},
		{GapPercent: d("-0.5"), WeightPercent: d("20"), TPPercent: d("0.5")},
		{GapPercent: d("-1"), WeightPercent: d("20"), TPPercent: d("0.5")},
		{GapPercent: d("-2"), WeightPercent: d("40"), TPPercent: d("0.5")},
	}
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, got.Equal(d(want)), "want %s got %s %v", want, got, msgAndArgs)
}

func TestBuildFourLegLadder(t *testing.T) {
	plan, err := Build(d("50000"), SideLong, testLevels(), testRules(), d("1000"))
	require.NoError(t, err)
	require.Len(t, plan.Legs, 4)

	// base 50000: 0% / -0.5% / -1% / -2%
	assertDecimal(t, "50000", plan.Legs[0].Price)
	assertDecimal(t, "49750", plan.Legs[1].Price)
	assertDecimal(t, "49500", plan.Legs[2].Price)
	assertDecimal(t, "49000", plan.Legs[3].Price)

	// 1000 split 20/20/20/40
	assertDecimal(t, "200", plan.Legs[0].Notional)
	assertDecimal(t, "200", plan.Legs[1].Notional)
	assertDecimal(t, "200", plan.Legs[2].Notional)
	assertDecimal(t, "400", plan.Legs[3].Notional)

	// qty = notional/price floored to 0.001
	assertDecimal(t, "0.004", plan.Legs[0].Quantity)
	assertDecimal(t, "0.004", plan.Legs[1].Quantity)
	assertDecimal(t, "0.004", plan.Legs[2].Quantity)
	assertDecimal(t, "0.008", plan.Legs[3].Quantity)
	assertDecimal(t, "0.020", plan.TotalQuantity)

	// per-leg TPs off the rounded entry price
	assertDecimal(t, "50500", plan.Legs[0].TPPrice)
	assertDecimal(t, "49998.75", plan.Legs[1].TPPrice)
	assertDecimal(t, "49747.50", plan.Legs[2].TPPrice)
	assertDecimal(t, "49245", plan.Legs[3].TPPrice)

	assertDecimal(t, "1000", plan.TotalNotional)
}

func TestBuildIsDeterministic(t *testing.T) {
	a, err := Build(d("50000"), SideLong, testLevels(), testRules(), d("1000"))
	require.NoError(t, err)
	b, err := Build(d("50000"), SideLong, testLevels(), testRules(), d("1000"))
	require.NoError(t, err)

	require.Equal(t, len(a.Legs), len(b.Legs))
	for i := range a.Legs {
		assert.True(t, a.Legs[i].Price.Equal(b.Legs[i].Price))
		assert.True(t, a.Legs[i].Quantity.Equal(b.Legs[i].Quantity))
		assert.True(t, a.Legs[i].TPPrice.Equal(b.Legs[i].TPPrice))
	}
}

func TestBuildRejectsBelowMinNotional(t *testing.T) {
	// capital 40 on a 100-quote symbol: leg 0 gets 8 USD of notional,
	// qty 0.08 clears min_qty but the order value sits below min_notional 10
	plan, err := Build(d("100"), SideLong, testLevels(), testRules(), d("40"))
	assert.Nil(t, plan)

	var pi *PlanInvalidError
	require.ErrorAs(t, err, &pi)
	assert.Equal(t, 0, pi.Leg)
	assert.Contains(t, pi.Reason, "min_notional")
}

func TestBuildRejectsBelowMinQty(t *testing.T) {
	rules := testRules()
	rules.MinQty = d("0.01")
	rules.MinNotional = d("0")

	plan, err := Build(d("50000"), SideLong, testLevels(), rules, d("1000"))
	assert.Nil(t, plan)

	var pi *PlanInvalidError
	require.ErrorAs(t, err, &pi)
	assert.Contains(t, pi.Reason, "min_qty")
}

func TestBuildRejectsBadWeights(t *testing.T) {
	levels := testLevels()
	levels[3].WeightPercent = d("50") // sum 110

	_, err := Build(d("50000"), SideLong, levels, testRules(), d("1000"))
	var pi *PlanInvalidError
	require.ErrorAs(t, err, &pi)
	assert.Contains(t, pi.Reason, "sum")
}

func TestBuildRejectsShortSide(t *testing.T) {
	_, err := Build(d("50000"), Side("short"), testLevels(), testRules(), d("1000"))
	var pi *PlanInvalidError
	require.ErrorAs(t, err, &pi)
}

func TestBuildRejectsIncompleteRules(t *testing.T) {
	rules := testRules()
	rules.TickSize = decimal.Zero

	_, err := Build(d("50000"), SideLong, testLevels(), rules, d("1000"))
	var pi *PlanInvalidError
	require.ErrorAs(t, err, &pi)
}

// Rounding loses at most one step of quantity, so the realized order value
// stays within step*price of the allocated notional.
func TestNotionalRoundTripBound(t *testing.T) {
	rules := testRules()
	plan, err := Build(d("43211.37"), SideLong, testLevels(), rules, d("873.55"))
	require.NoError(t, err)

	for _, leg := range plan.Legs {
		realized := leg.Quantity.Mul(leg.Price)
		diff := leg.Notional.Sub(realized).Abs()
		bound := rules.StepSize.Mul(leg.Price)
		assert.True(t, diff.LessThanOrEqual(bound),
			"leg %d: |%s - %s| = %s > %s", leg.Index, leg.Notional, realized, diff, bound)
	}
}

func TestIncrementRounding(t *testing.T) {
	assertDecimal(t, "49998.75", RoundToIncrement(d("49998.75"), d("0.01")))
	assertDecimal(t, "49998.76", RoundToIncrement(d("49998.755"), d("0.01")))
	assertDecimal(t, "49998.75", RoundToIncrement(d("49998.754"), d("0.01")))

	assertDecimal(t, "0.004", FloorToIncrement(d("0.0049"), d("0.001")))
	assertDecimal(t, "0.005", CeilToIncrement(d("0.0041"), d("0.001")))

	// inc <= 0 passes the value through
	assertDecimal(t, "1.2345", FloorToIncrement(d("1.2345"), decimal.Zero))
}

func TestTPForAverage(t *testing.T) {
	// 49450 * 1.015 = 50191.75
	assertDecimal(t, "50191.75", TPForAverage(d("49450"), d("1.5"), d("0.01")))
}
