package risk

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/exchange"
	"github.com/stratexbot/stratex/internal/feed"
	"github.com/stratexbot/stratex/internal/grid"
	"github.com/stratexbot/stratex/internal/lockstore"
	"github.com/stratexbot/stratex/internal/pool"
	"github.com/stratexbot/stratex/internal/position"
	"github.com/stratexbot/stratex/internal/precision"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type env struct {
	db        *database.Database
	user      *database.User
	venue     *exchange.MockGateway
	factory   *exchange.Factory
	rules     *precision.Registry
	positions *position.Manager
	engine    *Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "risk.db"))
	require.NoError(t, err)

	user := &database.User{Email: "trader@example.com", Active: true}
	require.NoError(t, db.CreateUser(user))

	factory := exchange.NewFactory(nil)
	venue := factory.PaperVenue(user.ID, "mock")

	registry := precision.NewRegistry(time.Hour, precision.Strict, precision.Rules{},
		func(string) (precision.FetchFunc, error) { return venue.PrecisionRules, nil })

	positions := position.NewManager(position.Deps{
		DB:       db,
		Gateways: factory,
		Rules:    registry,
		Prices:   feed.NewCache(),
		Pool:     pool.New(db),
	})

	return &env{
		db:        db,
		user:      user,
		venue:     venue,
		factory:   factory,
		rules:     registry,
		positions: positions,
		engine: New(Deps{
			DB:             db,
			Positions:      positions,
			Rules:          registry,
			Interval:       time.Second,
			ClosingTimeout: 10 * time.Minute,
		}),
	}
}

// saveSettings materializes the user's risk row, then overwrites it with
// explicit values so no test leans on column defaults.
func (e *env) saveSettings(t *testing.T, mutate func(*database.RiskSettings)) {
	t.Helper()
	_, err := e.db.RiskSettingsFor(e.user.ID)
	require.NoError(t, err)

	s := &database.RiskSettings{
		UserID:                  e.user.ID,
		Enabled:                 true,
		MaxOpenPositionsGlobal:  10,
		TimerStartCondition:     database.TimerAfterAllDCAFilled,
		PostFullWaitMinutes:     60,
		LossThresholdPercent:    d("-2"),
		MaxWinnersToCombine:     3,
		PartialCloseEnabled:     true,
		MinCloseNotional:        d("10"),
		AgeThresholdMinutes:     60,
		ResetTimerOnReplacement: true,
	}
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, e.db.SaveRiskSettings(s))
}

// list pins price 100, standard rules, and a DCA config for symbol. The
// default grid is a single full-weight rung at the signal price.
func (e *env) list(t *testing.T, symbol, capital string, levels ...grid.Level) {
	t.Helper()
	e.venue.SetPrice(symbol, d("100"))
	e.venue.SetRules(symbol, precision.Rules{
		TickSize:    d("0.01"),
		StepSize:    d("0.00001"),
		MinQty:      d("0.00001"),
		MinNotional: d("5"),
	})
	if len(levels) == 0 {
		levels = []grid.Level{{GapPercent: d("0"), WeightPercent: d("100"), TPPercent: d("1")}}
	}
	cfg := &database.DCAConfiguration{
		UserID: e.user.ID, Pair: symbol, Timeframe: "1h", Exchange: "mock",
		TPMode: database.TPModePerLeg, TPAggregatePercent: d("2"),
		MaxPyramids: 3, DefaultCapital: d(capital),
	}
	require.NoError(t, cfg.SetLevels(levels))
	require.NoError(t, e.db.UpsertDCAConfig(cfg))
}

func splitLevels() []grid.Level {
	return []grid.Level{
		{GapPercent: d("0"), WeightPercent: d("50"), TPPercent: d("1")},
		{GapPercent: d("-1"), WeightPercent: d("50"), TPPercent: d("1")},
	}
}

func (e *env) open(t *testing.T, symbol string) *database.PositionGroup {
	t.Helper()
	group, err := e.positions.OpenFromSignal(context.Background(), position.Entry{
		UserID:    e.user.ID,
		Exchange:  "mock",
		Symbol:    symbol,
		Timeframe: "1h",
		Side:      database.PositionSideLong,
		Price:     d("100"),
		TradeID:   symbol + "-t1",
	})
	require.NoError(t, err)
	return group
}

func (e *env) buyLegs(t *testing.T, groupID uint) []database.DCAOrder {
	t.Helper()
	orders, err := e.db.OrdersForGroup(groupID)
	require.NoError(t, err)
	legs := make([]database.DCAOrder, 0, len(orders))
	for _, o := range orders {
		if o.Side == database.OrderSideBuy {
			legs = append(legs, o)
		}
	}
	return legs
}

func (e *env) fillLeg(t *testing.T, leg database.DCAOrder) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.venue.Fill(leg.ExchangeOrderID, decimal.Zero))
	observed, err := e.venue.GetOrder(ctx, leg.ExchangeOrderID, leg.Symbol)
	require.NoError(t, err)
	require.NoError(t, e.positions.HandleOrderObservation(ctx, leg.ID, observed))
}

// openFilled lists symbol, opens a group, fills every entry at 100, then
// moves the mark so the next stat refresh sees the wanted PnL.
func (e *env) openFilled(t *testing.T, symbol, capital, mark string) *database.PositionGroup {
	t.Helper()
	e.list(t, symbol, capital)
	group := e.open(t, symbol)
	for _, leg := range e.buyLegs(t, group.ID) {
		e.fillLeg(t, leg)
	}
	e.venue.SetPrice(symbol, d(mark))
	fresh, err := e.db.GroupByID(group.ID)
	require.NoError(t, err)
	return fresh
}

// expireTimer plants an already-elapsed countdown on the group.
func (e *env) expireTimer(t *testing.T, groupID uint) {
	t.Helper()
	expires := time.Now().Add(-time.Minute)
	start := expires.Add(-time.Hour)
	require.NoError(t, e.db.DB().Model(&database.PositionGroup{}).
		Where("id = ?", groupID).
		Updates(map[string]interface{}{
			"risk_timer_start":   start,
			"risk_timer_expires": expires,
		}).Error)
}

func (e *env) group(t *testing.T, id uint) *database.PositionGroup {
	t.Helper()
	g, err := e.db.GroupByID(id)
	require.NoError(t, err)
	return g
}

func (e *env) actions(t *testing.T) []database.RiskAction {
	t.Helper()
	acts, err := e.db.RiskActionsForUser(e.user.ID, 50)
	require.NoError(t, err)
	return acts
}

func actionsOfType(acts []database.RiskAction, actionType string) []database.RiskAction {
	out := make([]database.RiskAction, 0, len(acts))
	for _, a := range acts {
		if a.ActionType == actionType {
			out = append(out, a)
		}
	}
	return out
}

func TestTimerArmsWhenGridCompletes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.saveSettings(t, nil)

	full := e.openFilled(t, "AAAUSDT", "1000", "100")

	e.list(t, "BBBUSDT", "1000", splitLevels()...)
	waiting := e.open(t, "BBBUSDT")

	e.list(t, "CCCUSDT", "1000", splitLevels()...)
	partial := e.open(t, "CCCUSDT")
	e.fillLeg(t, e.buyLegs(t, partial.ID)[0])

	require.NoError(t, e.engine.RunUser(ctx, e.user.ID))

	g := e.group(t, full.ID)
	require.NotNil(t, g.RiskTimerStart)
	require.NotNil(t, g.RiskTimerExpires)
	require.WithinDuration(t, g.RiskTimerStart.Add(time.Hour), *g.RiskTimerExpires, time.Second)

	require.Nil(t, e.group(t, waiting.ID).RiskTimerStart, "unfilled grid never arms")
	require.Nil(t, e.group(t, partial.ID).RiskTimerStart, "half-filled grid never arms under the default condition")

	// A second pass leaves the armed countdown alone.
	firstExpiry := *g.RiskTimerExpires
	require.NoError(t, e.engine.RunUser(ctx, e.user.ID))
	require.True(t, e.group(t, full.ID).RiskTimerExpires.Equal(firstExpiry))

	require.Empty(t, e.actions(t), "no countdown has elapsed")
}

func TestTimerImmediateArmsOnFirstFill(t *testing.T) {
	e := newEnv(t)
	e.saveSettings(t, func(s *database.RiskSettings) {
		s.TimerStartCondition = database.TimerImmediate
	})

	e.list(t, "AAAUSDT", "1000", splitLevels()...)
	group := e.open(t, "AAAUSDT")
	e.fillLeg(t, e.buyLegs(t, group.ID)[0])

	require.NoError(t, e.engine.RunUser(context.Background(), e.user.ID))

	g := e.group(t, group.ID)
	require.Equal(t, database.GroupStatusPartiallyFilled, g.Status)
	require.NotNil(t, g.RiskTimerStart)
}

func TestOffsetClosesLoserAgainstWinners(t *testing.T) {
	e := newEnv(t)
	e.saveSettings(t, nil)

	loser := e.openFilled(t, "LOSSUSDT", "1000", "95") // 10 @ 100, down 50
	w1 := e.openFilled(t, "AAAUSDT", "1000", "103")    // 10 @ 100, up 30
	w2 := e.openFilled(t, "BBBUSDT", "1000", "101.5")  // 10 @ 100, up 15
	w3 := e.openFilled(t, "CCCUSDT", "500", "102")     // 5 @ 100, up 10
	w4 := e.openFilled(t, "DDDUSDT", "1000", "100.5")  // up 5, beyond the winner cap

	e.expireTimer(t, loser.ID)
	require.NoError(t, e.engine.RunUser(context.Background(), e.user.ID))

	g := e.group(t, loser.ID)
	require.Equal(t, database.GroupStatusClosed, g.Status)
	require.True(t, g.TotalFilledQuantity.IsZero())

	acts := e.actions(t)
	require.Len(t, acts, 4)

	full := actionsOfType(acts, database.RiskActionFullClose)
	require.Len(t, full, 1)
	require.Equal(t, loser.ID, full[0].LoserGroupID)
	require.True(t, d("10").Equal(full[0].Quantity))
	require.True(t, d("950").Equal(full[0].NotionalUSD))
	require.True(t, d("-50.95").Equal(full[0].PnLUSD), "realized: 950 - 1000 - 0.95 fee, got %s", full[0].PnLUSD)
	require.Equal(t, []uint{w1.ID, w2.ID, w3.ID}, full[0].WinnerGroupIDs())

	// Every winner sheds the same 50/55 of its position, so realized profit
	// splits in proportion to each winner's share of the combined PnL.
	hedges := actionsOfType(acts, database.RiskActionHedgeClose)
	require.Len(t, hedges, 3)
	byGroup := make(map[uint]database.RiskAction, len(hedges))
	for _, a := range hedges {
		byGroup[a.LoserGroupID] = a
	}
	require.True(t, d("9.0909").Equal(byGroup[w1.ID].Quantity))
	require.True(t, d("27.2727").Equal(byGroup[w1.ID].PnLUSD))
	require.True(t, d("9.0909").Equal(byGroup[w2.ID].Quantity))
	require.True(t, d("13.63635").Equal(byGroup[w2.ID].PnLUSD))
	require.True(t, d("4.54545").Equal(byGroup[w3.ID].Quantity))
	require.True(t, d("9.0909").Equal(byGroup[w3.ID].PnLUSD))

	for _, id := range []uint{w1.ID, w2.ID, w3.ID} {
		w := e.group(t, id)
		require.Equal(t, database.GroupStatusActive, w.Status, "harvested winners keep the remainder")
		require.True(t, w.TotalFilledQuantity.IsPositive())
		require.True(t, w.TotalHedgedQty.IsPositive())
		require.True(t, w.TotalHedgedValueUSD.IsPositive())
	}

	untouched := e.group(t, w4.ID)
	require.True(t, d("10").Equal(untouched.TotalFilledQuantity))
	require.True(t, untouched.TotalHedgedQty.IsZero())
}

func TestPartialOffsetWhenWinnersCannotCover(t *testing.T) {
	e := newEnv(t)
	e.saveSettings(t, nil)

	loser := e.openFilled(t, "LOSSUSDT", "1000", "95")    // down 50
	winner := e.openFilled(t, "AAAUSDT", "1000", "101.5") // up 15, covers 30%

	e.expireTimer(t, loser.ID)
	require.NoError(t, e.engine.RunUser(context.Background(), e.user.ID))

	g := e.group(t, loser.ID)
	require.Equal(t, database.GroupStatusActive, g.Status, "loser keeps the uncovered remainder")
	require.True(t, d("7").Equal(g.TotalFilledQuantity))

	acts := e.actions(t)
	require.Len(t, acts, 2)

	partials := actionsOfType(acts, database.RiskActionPartialClose)
	require.Len(t, partials, 1)
	require.Equal(t, loser.ID, partials[0].LoserGroupID)
	require.True(t, d("3").Equal(partials[0].Quantity))
	require.True(t, d("-15").Equal(partials[0].PnLUSD))
	require.Equal(t, []uint{winner.ID}, partials[0].WinnerGroupIDs())

	hedges := actionsOfType(acts, database.RiskActionHedgeClose)
	require.Len(t, hedges, 1)
	require.Equal(t, winner.ID, hedges[0].LoserGroupID)
	require.True(t, d("10").Equal(hedges[0].Quantity))
	require.True(t, d("13.985").Equal(hedges[0].PnLUSD), "realized: 1015 - 1000 - 1.015 fee, got %s", hedges[0].PnLUSD)

	w := e.group(t, winner.ID)
	require.Equal(t, database.GroupStatusClosed, w.Status, "winners close fully on a partial offset")
	require.True(t, d("10").Equal(w.TotalHedgedQty))
	require.True(t, d("1015").Equal(w.TotalHedgedValueUSD))
}

func TestPartialDisabledHoldsFire(t *testing.T) {
	e := newEnv(t)
	e.saveSettings(t, func(s *database.RiskSettings) {
		s.PartialCloseEnabled = false
	})

	loser := e.openFilled(t, "LOSSUSDT", "1000", "95")
	e.openFilled(t, "AAAUSDT", "1000", "101.5") // up 15, cannot cover the 50

	e.expireTimer(t, loser.ID)
	require.NoError(t, e.engine.RunUser(context.Background(), e.user.ID))

	require.Empty(t, e.actions(t))
	g := e.group(t, loser.ID)
	require.Equal(t, database.GroupStatusActive, g.Status)
	require.True(t, d("10").Equal(g.TotalFilledQuantity))
}

func TestLossAboveThresholdNotSelected(t *testing.T) {
	e := newEnv(t)
	e.saveSettings(t, nil)

	loser := e.openFilled(t, "LOSSUSDT", "1000", "99") // down 1%, threshold is 2%
	e.openFilled(t, "AAAUSDT", "1000", "103")

	e.expireTimer(t, loser.ID)
	require.NoError(t, e.engine.RunUser(context.Background(), e.user.ID))

	require.Empty(t, e.actions(t))
}

func TestNoWinnersNoAction(t *testing.T) {
	e := newEnv(t)
	e.saveSettings(t, nil)

	loser := e.openFilled(t, "LOSSUSDT", "1000", "95")
	e.expireTimer(t, loser.ID)

	require.NoError(t, e.engine.RunUser(context.Background(), e.user.ID))

	require.Empty(t, e.actions(t))
	require.Equal(t, database.GroupStatusActive, e.group(t, loser.ID).Status)
}

func TestSkipOnceShieldsOneRound(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.saveSettings(t, nil)

	loser := e.openFilled(t, "LOSSUSDT", "1000", "95")
	e.openFilled(t, "AAAUSDT", "1000", "106") // up 60, covers fully

	e.expireTimer(t, loser.ID)
	require.NoError(t, e.engine.SkipOnce(loser.ID))

	require.NoError(t, e.engine.RunUser(ctx, e.user.ID))
	require.Empty(t, e.actions(t))
	require.False(t, e.group(t, loser.ID).RiskSkipOnce, "shield is consumed")

	require.NoError(t, e.engine.RunUser(ctx, e.user.ID))
	require.Len(t, e.actions(t), 2)
	require.Equal(t, database.GroupStatusClosed, e.group(t, loser.ID).Status)
}

func TestBlockedGroupNeverSelected(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.saveSettings(t, nil)

	loser := e.openFilled(t, "LOSSUSDT", "1000", "95")
	e.openFilled(t, "AAAUSDT", "1000", "106")

	e.expireTimer(t, loser.ID)
	require.NoError(t, e.engine.Block(loser.ID))

	require.NoError(t, e.engine.RunUser(ctx, e.user.ID))
	require.NoError(t, e.engine.RunUser(ctx, e.user.ID))
	require.Empty(t, e.actions(t))

	require.NoError(t, e.engine.Unblock(loser.ID))
	require.NoError(t, e.engine.RunUser(ctx, e.user.ID))
	require.Len(t, e.actions(t), 2)
}

func TestDisabledEngineStillArmsTimers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.saveSettings(t, func(s *database.RiskSettings) {
		s.Enabled = false
	})

	loser := e.openFilled(t, "LOSSUSDT", "1000", "95")
	winner := e.openFilled(t, "AAAUSDT", "1000", "103")

	require.NoError(t, e.engine.RunUser(ctx, e.user.ID))
	require.NotNil(t, e.group(t, loser.ID).RiskTimerStart)
	require.NotNil(t, e.group(t, winner.ID).RiskTimerStart)
	require.Empty(t, e.actions(t), "disabled engine never trades")

	e.saveSettings(t, nil)
	e.expireTimer(t, loser.ID)
	require.NoError(t, e.engine.RunUser(ctx, e.user.ID))
	require.Len(t, e.actions(t), 2)
}

func TestAgeFilterExcludesYoungWinners(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.saveSettings(t, func(s *database.RiskSettings) {
		s.UseTradeAgeFilter = true
	})

	loser := e.openFilled(t, "LOSSUSDT", "1000", "98") // down exactly 2%, on the threshold
	winner := e.openFilled(t, "AAAUSDT", "1000", "103")

	e.expireTimer(t, loser.ID)
	require.NoError(t, e.engine.RunUser(ctx, e.user.ID))
	require.Empty(t, e.actions(t), "a winner younger than the age floor is untouchable")

	require.NoError(t, e.db.DB().Model(&database.PositionGroup{}).
		Where("id = ?", winner.ID).
		Update("created_at", time.Now().Add(-2*time.Hour)).Error)

	require.NoError(t, e.engine.RunUser(ctx, e.user.ID))
	require.Len(t, e.actions(t), 2)
	require.Equal(t, database.GroupStatusClosed, e.group(t, loser.ID).Status)
}

func TestMinNotionalBumpsHarvest(t *testing.T) {
	e := newEnv(t)
	e.saveSettings(t, func(s *database.RiskSettings) {
		s.MinCloseNotional = d("200")
	})

	loser := e.openFilled(t, "LOSSUSDT", "100", "95")   // 1 @ 100, down 5
	winner := e.openFilled(t, "AAAUSDT", "1000", "103") // up 30

	e.expireTimer(t, loser.ID)
	require.NoError(t, e.engine.RunUser(context.Background(), e.user.ID))

	// 5/30 of the winner is 1.66666, worth ~171 at the mark; the close floor
	// lifts it to the next step multiple above 200 USD.
	hedges := actionsOfType(e.actions(t), database.RiskActionHedgeClose)
	require.Len(t, hedges, 1)
	require.True(t, d("1.94175").Equal(hedges[0].Quantity), "got %s", hedges[0].Quantity)
	require.True(t, hedges[0].NotionalUSD.GreaterThanOrEqual(d("200")))

	require.Equal(t, database.GroupStatusClosed, e.group(t, loser.ID).Status)
	require.Equal(t, database.GroupStatusActive, e.group(t, winner.ID).Status)
}

func TestStuckClosingRecovered(t *testing.T) {
	e := newEnv(t)
	e.saveSettings(t, nil)

	stuck := e.openFilled(t, "AAAUSDT", "1000", "100")
	stale := time.Now().Add(-20 * time.Minute)
	require.NoError(t, e.db.DB().Model(&database.PositionGroup{}).
		Where("id = ?", stuck.ID).
		Updates(map[string]interface{}{
			"status":             database.GroupStatusClosing,
			"closing_started_at": stale,
			"risk_timer_start":   stale,
			"risk_timer_expires": stale,
		}).Error)

	inFlight := e.openFilled(t, "BBBUSDT", "1000", "100")
	recent := time.Now().Add(-5 * time.Minute)
	require.NoError(t, e.db.DB().Model(&database.PositionGroup{}).
		Where("id = ?", inFlight.ID).
		Updates(map[string]interface{}{
			"status":             database.GroupStatusClosing,
			"closing_started_at": recent,
		}).Error)

	e.engine.recoverStuckClosing()

	g := e.group(t, stuck.ID)
	require.Equal(t, database.GroupStatusActive, g.Status)
	require.Nil(t, g.ClosingStartedAt)
	require.Nil(t, g.RiskTimerStart, "the countdown restarts from scratch")
	require.Nil(t, g.RiskTimerExpires)

	h := e.group(t, inFlight.ID)
	require.Equal(t, database.GroupStatusClosing, h.Status)
	require.NotNil(t, h.ClosingStartedAt)
}

func TestRunOnceBeatsHeartbeat(t *testing.T) {
	e := newEnv(t)
	locks, err := lockstore.Open(filepath.Join(t.TempDir(), "locks"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = locks.Close() })

	eng := New(Deps{
		DB:             e.db,
		Positions:      e.positions,
		Rules:          e.rules,
		Locks:          locks,
		Interval:       time.Second,
		ClosingTimeout: 10 * time.Minute,
	})
	eng.RunOnce(context.Background())

	beats, err := locks.Heartbeats()
	require.NoError(t, err)
	require.Contains(t, beats, "risk-engine")
}
