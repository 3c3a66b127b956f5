package risk

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/grid"
	"github.com/stratexbot/stratex/internal/lockstore"
	"github.com/stratexbot/stratex/internal/metrics"
	"github.com/stratexbot/stratex/internal/notify"
	"github.com/stratexbot/stratex/internal/position"
	"github.com/stratexbot/stratex/internal/precision"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK ENGINE - Timers, loser selection, winner-offset closes
// ═══════════════════════════════════════════════════════════════════════════════
//
// One pass per interval, sequential per user:
//
//   1. Recover groups stuck in CLOSING past the timeout.
//   2. Refresh every live group's stats against the market.
//   3. Arm the post-fill timer on groups that just finished their grid.
//   4. Pick the deepest eligible loser, gather up to max_winners_to_combine
//      profitable groups, and realize enough winner profit to offset the
//      loser's drawdown.
//
// Every close goes through the position manager, so the no-transaction-
// across-venue-calls rule holds here for free. A failed loser close aborts
// the round for that user; failed winner harvests are logged and the
// shortfall carries to the next cycle.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Deps wires the engine into the rest of the process.
type Deps struct {
	DB             *database.Database
	Positions      *position.Manager
	Rules          *precision.Registry
	Notifier       *notify.Notifier
	Locks          *lockstore.Store
	Interval       time.Duration
	ClosingTimeout time.Duration
}

type Engine struct {
	db             *database.Database
	positions      *position.Manager
	rules          *precision.Registry
	notifier       *notify.Notifier
	locks          *lockstore.Store
	interval       time.Duration
	closingTimeout time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(deps Deps) *Engine {
	return &Engine{
		db:             deps.DB,
		positions:      deps.Positions,
		rules:          deps.Rules,
		notifier:       deps.Notifier,
		locks:          deps.Locks,
		interval:       deps.Interval,
		closingTimeout: deps.ClosingTimeout,
		stopCh:         make(chan struct{}),
	}
}

func (e *Engine) Start() {
	e.wg.Add(1)
	go e.loop()
	log.Info().
		Dur("interval", e.interval).
		Dur("closing_timeout", e.closingTimeout).
		Msg("⚖️ Risk engine started")
}

func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	log.Info().Msg("Risk engine stopped")
}

func (e *Engine) loop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.RunOnce(context.Background())
		}
	}
}

// RunOnce executes one full engine pass across all users with live groups.
func (e *Engine) RunOnce(ctx context.Context) {
	e.recoverStuckClosing()

	users, err := e.db.UsersWithLiveGroups()
	if err != nil {
		log.Error().Err(err).Msg("Risk engine: user scan failed")
		return
	}
	for _, userID := range users {
		select {
		case <-e.stopCh:
			return
		default:
		}
		if err := e.RunUser(ctx, userID); err != nil {
			log.Error().Err(err).Uint("user_id", userID).Msg("Risk engine: user pass failed")
		}
	}

	if e.locks != nil {
		if err := e.locks.Beat("risk-engine", 3*e.interval); err != nil {
			log.Warn().Err(err).Msg("Risk engine heartbeat failed")
		}
	}
}

// RunUser evaluates one user: timers always, offset selection only while the
// user's risk engine is enabled. Exposed for the run-evaluation operator verb.
func (e *Engine) RunUser(ctx context.Context, userID uint) error {
	// Settings may be inserted on first read; must happen outside any
	// transaction.
	settings, err := e.db.RiskSettingsFor(userID)
	if err != nil {
		return err
	}

	stale, err := e.db.LiveGroupsForUser(userID)
	if err != nil {
		return err
	}

	groups := make([]database.PositionGroup, 0, len(stale))
	for i := range stale {
		fresh, err := e.positions.RecomputeStats(ctx, stale[i].ID)
		if err != nil {
			log.Warn().Err(err).Uint("group_id", stale[i].ID).Msg("Risk engine: stat refresh failed")
			continue
		}
		if !fresh.Terminal() {
			groups = append(groups, *fresh)
		}
	}

	e.updateTimers(groups, settings)

	if !settings.Enabled {
		return nil
	}

	skipped := e.consumeSkipOnce(groups)

	loser := pickLoser(groups, settings, skipped, time.Now())
	if loser == nil {
		return nil
	}

	winners := pickWinners(groups, settings, skipped, loser.ID, time.Now())
	if len(winners) == 0 {
		log.Debug().
			Uint("group_id", loser.ID).
			Str("loss", loser.UnrealizedPnLPercent.StringFixed(2)).
			Msg("Risk engine: loser eligible but no winners to offset")
		return nil
	}

	return e.executeOffset(ctx, settings, loser, winners)
}

// recoverStuckClosing reverts groups whose close never finished. The prior
// hedge attempt is treated as failed; timers restart from scratch.
func (e *Engine) recoverStuckClosing() {
	cutoff := time.Now().Add(-e.closingTimeout)
	groups, err := e.db.ClosingGroupsOlderThan(cutoff)
	if err != nil {
		log.Error().Err(err).Msg("Risk engine: closing scan failed")
		return
	}

	for i := range groups {
		id := groups[i].ID
		err := e.db.Transaction(func(tx *gorm.DB) error {
			locked, err := e.db.GroupForUpdate(tx, id)
			if err != nil {
				return err
			}
			if locked.Status != database.GroupStatusClosing ||
				locked.ClosingStartedAt == nil || locked.ClosingStartedAt.After(cutoff) {
				return nil
			}
			locked.Status = database.GroupStatusActive
			locked.ClosingStartedAt = nil
			locked.RiskTimerStart = nil
			locked.RiskTimerExpires = nil
			return e.db.SaveGroupTx(tx, locked)
		})
		if err != nil {
			log.Error().Err(err).Uint("group_id", id).Msg("Risk engine: CLOSING recovery failed")
			continue
		}
		metrics.ClosingRecovered()
		log.Warn().
			Uint("group_id", id).
			Str("symbol", groups[i].Symbol).
			Dur("stuck_for", time.Since(*groups[i].ClosingStartedAt)).
			Msg("⏰ Stuck CLOSING group reverted to ACTIVE")
	}
}

// updateTimers arms the post-fill countdown on groups that meet the start
// condition. A timer is armed once and only cleared by a pyramid
// continuation or a CLOSING recovery.
func (e *Engine) updateTimers(groups []database.PositionGroup, settings *database.RiskSettings) {
	for i := range groups {
		g := &groups[i]
		if g.Status == database.GroupStatusClosing || g.RiskTimerStart != nil {
			continue
		}
		if !timerShouldStart(g, settings) {
			continue
		}

		start := time.Now()
		expires := start.Add(time.Duration(settings.PostFullWaitMinutes) * time.Minute)
		err := e.db.Transaction(func(tx *gorm.DB) error {
			locked, err := e.db.GroupForUpdate(tx, g.ID)
			if err != nil {
				return err
			}
			if locked.RiskTimerStart != nil || locked.Terminal() {
				return nil
			}
			locked.RiskTimerStart = &start
			locked.RiskTimerExpires = &expires
			return e.db.SaveGroupTx(tx, locked)
		})
		if err != nil {
			log.Warn().Err(err).Uint("group_id", g.ID).Msg("Risk engine: timer arm failed")
			continue
		}
		g.RiskTimerStart = &start
		g.RiskTimerExpires = &expires
		log.Info().
			Uint("group_id", g.ID).
			Str("symbol", g.Symbol).
			Time("expires", expires).
			Msg("⏳ Risk timer armed")
	}
}

// timerShouldStart evaluates the user's start condition against one group.
func timerShouldStart(g *database.PositionGroup, settings *database.RiskSettings) bool {
	switch settings.TimerStartCondition {
	case database.TimerImmediate:
		return g.TotalFilledQuantity.IsPositive()
	default: // after_all_dca_filled
		return g.Status == database.GroupStatusActive && fullyFilled(g, settings)
	}
}

// fullyFilled reports whether the group's grid is complete, including the
// optional full-pyramid requirement.
func fullyFilled(g *database.PositionGroup, settings *database.RiskSettings) bool {
	if g.TotalDCALegs == 0 || g.FilledDCALegs < g.TotalDCALegs {
		return false
	}
	if settings.RequireFullPyramids && g.PyramidCount < g.MaxPyramids {
		return false
	}
	return true
}

// consumeSkipOnce clears the one-round exclusion flag and returns the ids it
// protected. A skipped group is neither closed as a loser nor harvested as a
// winner this round.
func (e *Engine) consumeSkipOnce(groups []database.PositionGroup) map[uint]bool {
	skipped := make(map[uint]bool)
	for i := range groups {
		g := &groups[i]
		if !g.RiskSkipOnce {
			continue
		}
		err := e.db.Transaction(func(tx *gorm.DB) error {
			locked, err := e.db.GroupForUpdate(tx, g.ID)
			if err != nil {
				return err
			}
			locked.RiskSkipOnce = false
			return e.db.SaveGroupTx(tx, locked)
		})
		if err != nil {
			log.Warn().Err(err).Uint("group_id", g.ID).Msg("Risk engine: skip-once clear failed")
		}
		skipped[g.ID] = true
		g.RiskSkipOnce = false
	}
	return skipped
}

// pickLoser returns the deepest-loss eligible group, or nil.
func pickLoser(groups []database.PositionGroup, settings *database.RiskSettings, skipped map[uint]bool, now time.Time) *database.PositionGroup {
	var loser *database.PositionGroup
	for i := range groups {
		g := &groups[i]
		if g.Status != database.GroupStatusActive {
			continue
		}
		if skipped[g.ID] || g.RiskBlocked || !g.RiskEligible {
			continue
		}
		if g.RiskTimerExpires == nil || now.Before(*g.RiskTimerExpires) {
			continue
		}
		if !fullyFilled(g, settings) {
			continue
		}
		if g.UnrealizedPnLPercent.GreaterThan(settings.LossThresholdPercent) {
			continue
		}
		if loser == nil || g.UnrealizedPnLPercent.LessThan(loser.UnrealizedPnLPercent) {
			loser = g
		}
	}
	return loser
}

// pickWinners returns up to max_winners_to_combine profitable groups, best
// first. Blocked and skipped groups are never harvested.
func pickWinners(groups []database.PositionGroup, settings *database.RiskSettings, skipped map[uint]bool, loserID uint, now time.Time) []database.PositionGroup {
	cutoff := now.Add(-time.Duration(settings.AgeThresholdMinutes) * time.Minute)

	var winners []database.PositionGroup
	for i := range groups {
		g := &groups[i]
		if g.ID == loserID || g.Status != database.GroupStatusActive {
			continue
		}
		if skipped[g.ID] || g.RiskBlocked {
			continue
		}
		if !g.UnrealizedPnLUSD.IsPositive() || !g.TotalFilledQuantity.IsPositive() {
			continue
		}
		if settings.UseTradeAgeFilter && g.CreatedAt.After(cutoff) {
			continue
		}
		winners = append(winners, *g)
	}

	sort.Slice(winners, func(i, j int) bool {
		return winners[i].UnrealizedPnLUSD.GreaterThan(winners[j].UnrealizedPnLUSD)
	})
	if len(winners) > settings.MaxWinnersToCombine {
		winners = winners[:settings.MaxWinnersToCombine]
	}
	return winners
}

// executeOffset realizes winner profit against the loser's drawdown. When
// the winners cover the whole loss the loser closes fully and each winner
// sells the fraction needed/combined of its position; otherwise, with
// partial closes enabled, every winner closes fully and the loser sheds the
// covered fraction.
func (e *Engine) executeOffset(ctx context.Context, settings *database.RiskSettings, loser *database.PositionGroup, winners []database.PositionGroup) error {
	lossDepth := loser.UnrealizedPnLUSD.Neg()
	if !lossDepth.IsPositive() {
		return nil
	}
	combined := decimal.Zero
	for i := range winners {
		combined = combined.Add(winners[i].UnrealizedPnLUSD)
	}

	if combined.GreaterThanOrEqual(lossDepth) {
		return e.offsetFull(ctx, settings, loser, winners, lossDepth, combined)
	}
	if settings.PartialCloseEnabled {
		return e.offsetPartial(ctx, settings, loser, winners, lossDepth, combined)
	}
	log.Debug().
		Uint("group_id", loser.ID).
		Str("loss_usd", lossDepth.StringFixed(2)).
		Str("winner_usd", combined.StringFixed(2)).
		Msg("Risk engine: winners cannot cover and partial close disabled")
	return nil
}

// offsetFull closes the loser entirely, then harvests needed/combined of
// each winner. The loser goes first: if its market sell is rejected nothing
// else moves and the whole round retries next cycle.
func (e *Engine) offsetFull(ctx context.Context, settings *database.RiskSettings, loser *database.PositionGroup, winners []database.PositionGroup, lossDepth, combined decimal.Decimal) error {
	_, action, err := e.positions.CloseGroup(ctx, loser.ID, database.RiskActionFullClose,
		fmt.Sprintf("risk offset: %s loss covered by %d winner(s)", lossDepth.StringFixed(2), len(winners)))
	if err != nil {
		return fmt.Errorf("offset close of loser group %d: %w", loser.ID, err)
	}
	if action == nil {
		// Another path is already closing this group; leave the winners be.
		return nil
	}
	e.recordWinnerIDs(action, winners)

	frac := lossDepth.Div(combined)
	for i := range winners {
		e.harvestWinner(ctx, settings, &winners[i], frac)
	}

	e.notifier.RiskClose(action, loser.Symbol, len(winners))
	log.Info().
		Uint("loser_group_id", loser.ID).
		Str("symbol", loser.Symbol).
		Str("loss_usd", lossDepth.StringFixed(2)).
		Str("winner_usd", combined.StringFixed(2)).
		Int("winners", len(winners)).
		Msg("⚖️ Full offset executed")
	return nil
}

// offsetPartial sheds the covered fraction of the loser and closes every
// winner fully, realizing all their profit against the remaining drawdown.
func (e *Engine) offsetPartial(ctx context.Context, settings *database.RiskSettings, loser *database.PositionGroup, winners []database.PositionGroup, lossDepth, combined decimal.Decimal) error {
	rules, err := e.rulesFor(ctx, loser.Exchange, loser.Symbol)
	if err != nil {
		return err
	}
	mark := markPrice(loser)
	coverage := combined.Div(lossDepth)

	qty := grid.FloorToIncrement(loser.TotalFilledQuantity.Mul(coverage), rules.StepSize)
	qty = bumpToMinNotional(qty, mark, settings.MinCloseNotional, rules.StepSize)
	if qty.GreaterThanOrEqual(loser.TotalFilledQuantity) {
		// The bump swallowed the whole position; treat as a full offset.
		return e.offsetFull(ctx, settings, loser, winners, lossDepth, combined)
	}
	if !qty.IsPositive() {
		log.Debug().
			Uint("group_id", loser.ID).
			Str("coverage", coverage.StringFixed(4)).
			Msg("Risk engine: partial close rounds to zero")
		return nil
	}

	_, action, err := e.positions.ClosePartial(ctx, loser.ID, qty, database.RiskActionPartialClose,
		fmt.Sprintf("risk offset: %s of %s loss covered", combined.StringFixed(2), lossDepth.StringFixed(2)))
	if err != nil {
		return fmt.Errorf("partial offset of loser group %d: %w", loser.ID, err)
	}
	e.recordWinnerIDs(action, winners)

	one := decimal.NewFromInt(1)
	for i := range winners {
		e.harvestWinner(ctx, settings, &winners[i], one)
	}

	e.notifier.RiskClose(action, loser.Symbol, len(winners))
	log.Info().
		Uint("loser_group_id", loser.ID).
		Str("symbol", loser.Symbol).
		Str("qty", qty.String()).
		Str("coverage", coverage.StringFixed(4)).
		Int("winners", len(winners)).
		Msg("⚖️ Partial offset executed")
	return nil
}

// harvestWinner sells frac of one winner. A fraction at or above one closes
// the group; anything smaller is a partial sell bumped to the close
// notional floor. Failures are logged, never fatal: the winner keeps its
// profit and the next cycle sees the remaining drawdown.
func (e *Engine) harvestWinner(ctx context.Context, settings *database.RiskSettings, w *database.PositionGroup, frac decimal.Decimal) {
	reason := "risk offset: profit harvested against loser"

	full := frac.GreaterThanOrEqual(decimal.NewFromInt(1))
	var qty decimal.Decimal
	if !full {
		rules, err := e.rulesFor(ctx, w.Exchange, w.Symbol)
		if err != nil {
			log.Warn().Err(err).Uint("group_id", w.ID).Msg("⚠️ Winner harvest skipped: no precision rules")
			return
		}
		qty = grid.FloorToIncrement(w.TotalFilledQuantity.Mul(frac), rules.StepSize)
		qty = bumpToMinNotional(qty, markPrice(w), settings.MinCloseNotional, rules.StepSize)
		if qty.GreaterThanOrEqual(w.TotalFilledQuantity) {
			full = true
		} else if !qty.IsPositive() {
			log.Debug().Uint("group_id", w.ID).Msg("Risk engine: winner harvest rounds to zero")
			return
		}
	}

	var (
		action *database.RiskAction
		err    error
	)
	if full {
		_, action, err = e.positions.CloseGroup(ctx, w.ID, database.RiskActionHedgeClose, reason)
	} else {
		_, action, err = e.positions.ClosePartial(ctx, w.ID, qty, database.RiskActionHedgeClose, reason)
	}
	if err != nil {
		log.Warn().Err(err).
			Uint("group_id", w.ID).
			Str("symbol", w.Symbol).
			Msg("⚠️ Winner harvest failed; shortfall carries to next cycle")
		return
	}
	e.recordHedged(w.ID, action)
}

// recordHedged accumulates the harvested quantity and notional on the
// winner's row.
func (e *Engine) recordHedged(groupID uint, action *database.RiskAction) {
	if action == nil {
		return
	}
	err := e.db.Transaction(func(tx *gorm.DB) error {
		locked, err := e.db.GroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		locked.TotalHedgedQty = locked.TotalHedgedQty.Add(action.Quantity)
		locked.TotalHedgedValueUSD = locked.TotalHedgedValueUSD.Add(action.NotionalUSD)
		return e.db.SaveGroupTx(tx, locked)
	})
	if err != nil {
		log.Warn().Err(err).Uint("group_id", groupID).Msg("⚠️ Hedged totals not recorded")
	}
}

// recordWinnerIDs enriches the loser's audit row with the winner set.
func (e *Engine) recordWinnerIDs(action *database.RiskAction, winners []database.PositionGroup) {
	if action == nil {
		return
	}
	ids := make([]uint, len(winners))
	for i := range winners {
		ids[i] = winners[i].ID
	}
	action.SetWinnerGroupIDs(ids)
	if err := e.db.SaveRiskAction(action); err != nil {
		log.Warn().Err(err).Uint("action_id", action.ID).Msg("⚠️ Winner ids not recorded on action")
	}
}

// Block excludes a group from loser selection until unblocked.
func (e *Engine) Block(groupID uint) error {
	return e.setFlag(groupID, func(g *database.PositionGroup) { g.RiskBlocked = true })
}

// Unblock re-admits a group to loser selection.
func (e *Engine) Unblock(groupID uint) error {
	return e.setFlag(groupID, func(g *database.PositionGroup) { g.RiskBlocked = false })
}

// SkipOnce shields a group from the next evaluation round only.
func (e *Engine) SkipOnce(groupID uint) error {
	return e.setFlag(groupID, func(g *database.PositionGroup) { g.RiskSkipOnce = true })
}

func (e *Engine) setFlag(groupID uint, mutate func(*database.PositionGroup)) error {
	return e.db.Transaction(func(tx *gorm.DB) error {
		locked, err := e.db.GroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		mutate(locked)
		return e.db.SaveGroupTx(tx, locked)
	})
}

// markPrice derives the group's mark from its own freshly recomputed stats,
// avoiding a second feed lookup.
func markPrice(g *database.PositionGroup) decimal.Decimal {
	if !g.TotalFilledQuantity.IsPositive() {
		return decimal.Zero
	}
	return g.WeightedAvgEntry.Add(g.UnrealizedPnLUSD.Div(g.TotalFilledQuantity))
}

// bumpToMinNotional lifts a sell quantity to the configured close floor.
// Zero mark or floor leaves the quantity untouched.
func bumpToMinNotional(qty, mark, minNotional, step decimal.Decimal) decimal.Decimal {
	if !minNotional.IsPositive() || !mark.IsPositive() || !qty.IsPositive() {
		return qty
	}
	if qty.Mul(mark).GreaterThanOrEqual(minNotional) {
		return qty
	}
	return grid.CeilToIncrement(minNotional.Div(mark), step)
}

func (e *Engine) rulesFor(ctx context.Context, exch, symbol string) (precision.Rules, error) {
	cache, err := e.rules.For(exch)
	if err != nil {
		return precision.Rules{}, err
	}
	return cache.RulesFor(ctx, symbol)
}
