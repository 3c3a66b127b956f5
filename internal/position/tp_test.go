package position

import (
	"context"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/exchange"
	"github.com/stratexbot/stratex/internal/grid"
)

// fillOnVenue executes a resting order at its limit price and returns the
// venue's final view of it.
func (e *env) fillOnVenue(t *testing.T, id, symbol string) *exchange.ExchangeOrder {
	t.Helper()
	require.NoError(t, e.venue.Fill(id, decimal.Zero))
	observed, err := e.venue.GetOrder(context.Background(), id, symbol)
	require.NoError(t, err)
	return observed
}

// syntheticExits returns the group's recorded exit fills.
func (e *env) syntheticExits(t *testing.T, groupID uint) []database.DCAOrder {
	t.Helper()
	orders, err := e.db.OrdersForGroup(groupID)
	require.NoError(t, err)
	exits := make([]database.DCAOrder, 0, 1)
	for _, o := range orders {
		if o.LegIndex == database.SyntheticExitLegIndex {
			exits = append(exits, o)
		}
	}
	return exits
}

func (e *env) tpActions(t *testing.T) []database.RiskAction {
	t.Helper()
	all, err := e.db.RiskActionsForUser(e.user.ID, 50)
	require.NoError(t, err)
	hits := make([]database.RiskAction, 0, 1)
	for _, a := range all {
		if a.ActionType == database.RiskActionTPHit {
			hits = append(hits, a)
		}
	}
	return hits
}

func (e *env) order(t *testing.T, id uint) *database.DCAOrder {
	t.Helper()
	o, err := e.db.OrderByID(id)
	require.NoError(t, err)
	return o
}

func TestLegTPRestsAfterFill(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.list(t, "BTCUSDT", "1000")
	group := e.open(t, "BTCUSDT")

	leg := e.buyLegs(t, group.ID)[0]
	e.fillLeg(t, leg)

	fresh := e.order(t, leg.ID)
	require.NotEmpty(t, fresh.TPOrderID)
	require.False(t, fresh.TPHit)

	resting, err := e.venue.GetOrder(ctx, fresh.TPOrderID, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, exchange.StatusNew, resting.Status)
	require.Equal(t, exchange.SideSell, resting.Side)
	require.True(t, d("10").Equal(resting.Quantity))
	require.True(t, d("101").Equal(resting.Price))
	require.Equal(t, fmt.Sprintf("sx-tp-l%d", leg.ID), resting.ClientID)

	// A second pass must not stack another sell on the same leg.
	require.NoError(t, e.manager.PlaceTPForLeg(ctx, leg.ID))
	require.Equal(t, fresh.TPOrderID, e.order(t, leg.ID).TPOrderID)
	require.Len(t, e.venue.OpenOrderIDs(), 1)
}

func TestLegTPWaitsForTheFill(t *testing.T) {
	e := newEnv(t)
	e.list(t, "BTCUSDT", "1000")
	group := e.open(t, "BTCUSDT")

	leg := e.buyLegs(t, group.ID)[0]
	require.NoError(t, e.manager.PlaceTPForLeg(context.Background(), leg.ID))

	require.Empty(t, e.order(t, leg.ID).TPOrderID)
	require.Len(t, e.venue.OpenOrderIDs(), 1, "only the entry itself may rest")
}

func TestLegTPFillClosesOutTheLeg(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.list(t, "BTCUSDT", "1000")
	group := e.open(t, "BTCUSDT")

	leg := e.buyLegs(t, group.ID)[0]
	e.fillLeg(t, leg)
	tpID := e.order(t, leg.ID).TPOrderID

	observed := e.fillOnVenue(t, tpID, "BTCUSDT")
	require.NoError(t, e.manager.ApplyLegTPFill(ctx, leg.ID, observed))

	fresh := e.order(t, leg.ID)
	require.True(t, fresh.TPHit)
	require.NotNil(t, fresh.TPExecutedAt)

	exits := e.syntheticExits(t, group.ID)
	require.Len(t, exits, 1)
	require.Equal(t, database.OrderSideSell, exits[0].Side)
	require.Equal(t, database.OrderStatusFilled, exits[0].Status)
	require.Equal(t, tpID, exits[0].ExchangeOrderID)
	require.True(t, d("10").Equal(exits[0].FilledQuantity))
	require.True(t, d("101").Equal(exits[0].AvgFillPrice))

	// Everything bought was sold back out: 1010 - 1000 - 1.01 exit fee.
	g := e.group(t, group.ID)
	require.Equal(t, database.GroupStatusClosed, g.Status)
	require.NotNil(t, g.ClosedAt)
	require.True(t, d("8.99").Equal(g.RealizedPnLUSD), "realized: 1010 - 1000 - 1.01 fee, got %s", g.RealizedPnLUSD)

	hits := e.tpActions(t)
	require.Len(t, hits, 1)
	require.Equal(t, group.ID, hits[0].LoserGroupID)
	require.True(t, d("10").Equal(hits[0].Quantity))
	require.True(t, d("101").Equal(hits[0].Price))
	require.True(t, d("1010").Equal(hits[0].NotionalUSD))
	require.True(t, d("10").Equal(hits[0].PnLUSD), "gross fill pnl, fees excluded")
	require.True(t, hits[0].Success)

	// Replaying the same fill is a no-op.
	require.NoError(t, e.manager.ApplyLegTPFill(ctx, leg.ID, observed))
	require.Len(t, e.syntheticExits(t, group.ID), 1)
	require.Len(t, e.tpActions(t), 1)
}

func TestAggregateTPRetargetsAsLegsFill(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.listMode(t, "BTCUSDT", "1000", database.TPModeAggregate,
		grid.Level{GapPercent: d("0"), WeightPercent: d("50"), TPPercent: d("1")},
		grid.Level{GapPercent: d("-2"), WeightPercent: d("50"), TPPercent: d("1")},
	)
	group := e.open(t, "BTCUSDT")
	legs := e.buyLegs(t, group.ID)

	e.fillLeg(t, legs[0])
	first := e.group(t, group.ID)
	require.NotEmpty(t, first.AggregateTPOrderID)
	require.True(t, d("102").Equal(first.AggregateTPPrice), "2 percent over a 100 average")
	require.Empty(t, e.order(t, legs[0].ID).TPOrderID, "aggregate mode never pins per-leg sells")

	resting, err := e.venue.GetOrder(ctx, first.AggregateTPOrderID, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, d("5").Equal(resting.Quantity))
	require.True(t, d("102").Equal(resting.Price))

	// The second fill drags the average down; the sell is re-targeted for
	// the full holdings.
	e.fillLeg(t, legs[1])
	second := e.group(t, group.ID)
	require.NotEmpty(t, second.AggregateTPOrderID)
	require.NotEqual(t, first.AggregateTPOrderID, second.AggregateTPOrderID)

	stale, err := e.venue.GetOrder(ctx, first.AggregateTPOrderID, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, exchange.StatusCanceled, stale.Status)

	want := grid.TPForAverage(second.WeightedAvgEntry, d("2"), d("0.01"))
	require.True(t, want.Equal(second.AggregateTPPrice))

	resting, err = e.venue.GetOrder(ctx, second.AggregateTPOrderID, "BTCUSDT")
	require.NoError(t, err)
	require.True(t, d("10.10204").Equal(resting.Quantity))
	require.True(t, want.Equal(resting.Price))
}

func TestAggregateTPFillClosesGroup(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.listMode(t, "BTCUSDT", "1000", database.TPModeAggregate)
	group := e.open(t, "BTCUSDT")

	e.fillLeg(t, e.buyLegs(t, group.ID)[0])
	tpID := e.group(t, group.ID).AggregateTPOrderID
	require.NotEmpty(t, tpID)

	observed := e.fillOnVenue(t, tpID, "BTCUSDT")
	require.NoError(t, e.manager.ApplyAggregateTPFill(ctx, group.ID, observed))

	g := e.group(t, group.ID)
	require.Equal(t, database.GroupStatusClosed, g.Status)
	require.Empty(t, g.AggregateTPOrderID)
	require.NotNil(t, g.ClosedAt)
	require.True(t, d("18.98").Equal(g.RealizedPnLUSD), "realized: 1020 - 1000 - 1.02 fee, got %s", g.RealizedPnLUSD)

	exits := e.syntheticExits(t, group.ID)
	require.Len(t, exits, 1)
	require.Equal(t, tpID, exits[0].ExchangeOrderID)
	require.True(t, d("10").Equal(exits[0].FilledQuantity))

	hits := e.tpActions(t)
	require.Len(t, hits, 1)
	require.True(t, d("20").Equal(hits[0].PnLUSD))
	require.True(t, d("1020").Equal(hits[0].NotionalUSD))

	require.NoError(t, e.manager.ApplyAggregateTPFill(ctx, group.ID, observed))
	require.Len(t, e.syntheticExits(t, group.ID), 1)
	require.Len(t, e.tpActions(t), 1)
}

func TestHybridLegWinFellsAggregate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.listMode(t, "BTCUSDT", "1000", database.TPModeHybrid, sixtyForty()...)
	group := e.open(t, "BTCUSDT")
	legs := e.buyLegs(t, group.ID)

	e.fillLeg(t, legs[0])
	e.fillLeg(t, legs[1])

	g := e.group(t, group.ID)
	aggID := g.AggregateTPOrderID
	require.NotEmpty(t, aggID)
	leg0TP := e.order(t, legs[0].ID).TPOrderID
	leg1TP := e.order(t, legs[1].ID).TPOrderID
	require.NotEmpty(t, leg0TP)
	require.NotEmpty(t, leg1TP)
	require.Len(t, e.venue.OpenOrderIDs(), 3, "two leg sells plus the aggregate sell")

	// The first leg's sell fires: the aggregate sell must come down, the
	// sibling leg's sell stays up.
	observed := e.fillOnVenue(t, leg0TP, "BTCUSDT")
	require.NoError(t, e.manager.ApplyLegTPFill(ctx, legs[0].ID, observed))

	g = e.group(t, group.ID)
	require.Empty(t, g.AggregateTPOrderID)
	require.Equal(t, database.GroupStatusActive, g.Status, "the deeper rung is still held")

	stale, err := e.venue.GetOrder(ctx, aggID, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, exchange.StatusCanceled, stale.Status)

	sibling, err := e.venue.GetOrder(ctx, leg1TP, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, exchange.StatusNew, sibling.Status)

	hits := e.tpActions(t)
	require.Len(t, hits, 1)
	require.True(t, d("6").Equal(hits[0].PnLUSD), "(101-100) * 6, got %s", hits[0].PnLUSD)
}

func TestHybridAggregateWinFellsLegTPs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.listMode(t, "BTCUSDT", "1000", database.TPModeHybrid, sixtyForty()...)
	group := e.open(t, "BTCUSDT")
	legs := e.buyLegs(t, group.ID)

	e.fillLeg(t, legs[0])
	e.fillLeg(t, legs[1])

	g := e.group(t, group.ID)
	leg0TP := e.order(t, legs[0].ID).TPOrderID
	leg1TP := e.order(t, legs[1].ID).TPOrderID

	observed := e.fillOnVenue(t, g.AggregateTPOrderID, "BTCUSDT")
	require.NoError(t, e.manager.ApplyAggregateTPFill(ctx, group.ID, observed))

	g = e.group(t, group.ID)
	require.Equal(t, database.GroupStatusClosed, g.Status, "the aggregate sell moved the whole position")
	require.Empty(t, g.AggregateTPOrderID)

	for _, id := range []string{leg0TP, leg1TP} {
		cancelled, err := e.venue.GetOrder(ctx, id, "BTCUSDT")
		require.NoError(t, err)
		require.Equal(t, exchange.StatusCanceled, cancelled.Status)
	}
	for _, leg := range []uint{legs[0].ID, legs[1].ID} {
		fresh := e.order(t, leg)
		require.Empty(t, fresh.TPOrderID, "beaten leg sells are cleared, not hit")
		require.False(t, fresh.TPHit)
	}

	require.Empty(t, e.venue.OpenOrderIDs())
}

func TestPyramidTPLifecycle(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.listMode(t, "BTCUSDT", "1000", database.TPModePyramidAggregate)
	group := e.open(t, "BTCUSDT")

	e.fillLeg(t, e.buyLegs(t, group.ID)[0])

	pyramids, err := e.db.PyramidsForGroup(group.ID)
	require.NoError(t, err)
	pyramid := pyramids[0]
	require.NotEmpty(t, pyramid.TPOrderID)
	require.True(t, d("102").Equal(pyramid.TPPrice))

	resting, err := e.venue.GetOrder(ctx, pyramid.TPOrderID, "BTCUSDT")
	require.NoError(t, err)
	require.Equal(t, exchange.SideSell, resting.Side)
	require.True(t, d("10").Equal(resting.Quantity))

	observed := e.fillOnVenue(t, pyramid.TPOrderID, "BTCUSDT")
	require.NoError(t, e.manager.ApplyPyramidTPFill(ctx, pyramid.ID, observed))

	closed, err := e.db.PyramidByID(pyramid.ID)
	require.NoError(t, err)
	require.Equal(t, database.PyramidStatusClosed, closed.Status)
	require.NotNil(t, closed.ClosedAt)
	require.Empty(t, closed.TPOrderID)
	require.True(t, d("102").Equal(closed.ExitPrice))
	require.True(t, d("20").Equal(closed.RealizedPnLUSD), "(102-100) * 10, got %s", closed.RealizedPnLUSD)
	require.True(t, d("10").Equal(closed.TotalQuantity))

	g := e.group(t, group.ID)
	require.Equal(t, database.GroupStatusClosed, g.Status, "the only pyramid sold out")
	require.True(t, d("18.98").Equal(g.RealizedPnLUSD))

	exits := e.syntheticExits(t, group.ID)
	require.Len(t, exits, 1)
	require.Equal(t, pyramid.ID, exits[0].PyramidID)

	require.NoError(t, e.manager.ApplyPyramidTPFill(ctx, pyramid.ID, observed))
	require.Len(t, e.syntheticExits(t, group.ID), 1)
	require.Len(t, e.tpActions(t), 1)
}
