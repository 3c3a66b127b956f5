package position

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/exchange"
	"github.com/stratexbot/stratex/internal/grid"
	"github.com/stratexbot/stratex/internal/metrics"
	"github.com/stratexbot/stratex/internal/precision"
)

// Take-profit placement
//
// Four modes. per_leg pins one sell to each filled entry leg. aggregate
// keeps a single sell on the whole group, re-targeted after every fill.
// pyramid_aggregate does the same per pyramid. hybrid runs per-leg AND
// aggregate at once; whichever fires first wins and the other is cancelled.
//
// A placement failure is never fatal: the entry stays filled without a TP
// and the fill monitor retries it next iteration.

// PlaceTPsForFill routes TP placement after an entry leg fills, according
// to the group's mode.
func (m *Manager) PlaceTPsForFill(ctx context.Context, leg *database.DCAOrder) error {
	group, err := m.db.GroupByID(leg.GroupID)
	if err != nil {
		return err
	}
	if group.Terminal() || group.Status == database.GroupStatusClosing {
		return nil
	}

	switch group.TPMode {
	case database.TPModePerLeg:
		return m.PlaceTPForLeg(ctx, leg.ID)
	case database.TPModeAggregate:
		return m.RefreshAggregateTP(ctx, group.ID)
	case database.TPModeHybrid:
		if err := m.PlaceTPForLeg(ctx, leg.ID); err != nil {
			return err
		}
		return m.RefreshAggregateTP(ctx, group.ID)
	case database.TPModePyramidAggregate:
		return m.RefreshPyramidTP(ctx, leg.PyramidID)
	default:
		return fmt.Errorf("unknown tp mode %q on group %d", group.TPMode, group.ID)
	}
}

// PlaceTPForLeg rests one LIMIT sell at the leg's planned TP price for its
// filled quantity. No-op if the leg already carries a TP or never filled.
func (m *Manager) PlaceTPForLeg(ctx context.Context, orderID uint) error {
	leg, err := m.db.OrderByID(orderID)
	if err != nil {
		return err
	}
	if leg.Side != database.OrderSideBuy ||
		leg.Status != database.OrderStatusFilled ||
		leg.TPHit || leg.TPOrderID != "" || !leg.TPPrice.IsPositive() {
		return nil
	}

	rules, err := m.rulesFor(ctx, leg.Exchange, leg.Symbol)
	if err != nil {
		return err
	}
	qty := grid.FloorToIncrement(leg.FilledQuantity, rules.StepSize)
	if !qty.IsPositive() {
		return nil
	}
	if rules.MinNotional.IsPositive() && qty.Mul(leg.TPPrice).LessThan(rules.MinNotional) {
		log.Debug().
			Uint("order_id", leg.ID).
			Str("notional", qty.Mul(leg.TPPrice).String()).
			Msg("Leg TP below min notional, skipping")
		return nil
	}

	gw, err := m.gateways.Gateway(ctx, leg.UserID, leg.Exchange)
	if err != nil {
		return err
	}
	defer gw.Close()

	placed, err := gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     leg.Symbol,
		Type:       exchange.TypeLimit,
		Side:       exchange.SideSell,
		Quantity:   qty,
		Price:      leg.TPPrice,
		AmountType: exchange.AmountBase,
		ClientID:   fmt.Sprintf("sx-tp-l%d", leg.ID),
	})
	if err != nil {
		metrics.OrderFailed(leg.Exchange)
		return fmt.Errorf("place leg TP for order %d: %w", leg.ID, err)
	}

	err = m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.OrderForUpdate(tx, leg.ID)
		if err != nil {
			return err
		}
		if locked.TPOrderID != "" {
			// Lost a race with another placer; drop the duplicate.
			return errTPRace
		}
		locked.TPOrderID = placed.ID
		return m.db.SaveOrderTx(tx, locked)
	})
	if err == errTPRace {
		_ = gw.CancelOrder(ctx, placed.ID, leg.Symbol)
		return nil
	}
	if err != nil {
		return err
	}

	metrics.TPPlaced(database.TPModePerLeg)
	log.Info().
		Uint("group_id", leg.GroupID).
		Int("leg", leg.LegIndex).
		Str("tp_price", leg.TPPrice.String()).
		Str("qty", qty.String()).
		Msg("🎯 Leg TP placed")
	return nil
}

var (
	errTPRace         = fmt.Errorf("tp already placed")
	errAlreadyApplied = fmt.Errorf("already applied")
)

// RefreshAggregateTP cancels the group's prior aggregate TP and rests a new
// LIMIT sell for the whole filled quantity at tp_aggregate_percent above
// the weighted average entry.
func (m *Manager) RefreshAggregateTP(ctx context.Context, groupID uint) error {
	group, err := m.db.GroupByID(groupID)
	if err != nil {
		return err
	}
	if group.Terminal() || group.Status == database.GroupStatusClosing {
		return nil
	}

	rules, err := m.rulesFor(ctx, group.Exchange, group.Symbol)
	if err != nil {
		return err
	}
	qty := grid.FloorToIncrement(group.TotalFilledQuantity, rules.StepSize)

	gw, err := m.gateways.Gateway(ctx, group.UserID, group.Exchange)
	if err != nil {
		return err
	}
	defer gw.Close()

	if group.AggregateTPOrderID != "" {
		filled, err := cancelOrVerify(ctx, gw, group.AggregateTPOrderID, group.Symbol)
		if err != nil {
			return fmt.Errorf("cancel aggregate TP %s: %w", group.AggregateTPOrderID, err)
		}
		if filled != nil {
			// Raced its own fill; record it instead of replacing it.
			return m.ApplyAggregateTPFill(ctx, group.ID, filled)
		}
	}

	if !qty.IsPositive() || !group.WeightedAvgEntry.IsPositive() {
		return m.db.Transaction(func(tx *gorm.DB) error {
			locked, err := m.db.GroupForUpdate(tx, groupID)
			if err != nil {
				return err
			}
			locked.AggregateTPOrderID = ""
			return m.db.SaveGroupTx(tx, locked)
		})
	}

	target := grid.TPForAverage(group.WeightedAvgEntry, group.TPAggregatePercent, rules.TickSize)
	placed, err := gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     group.Symbol,
		Type:       exchange.TypeLimit,
		Side:       exchange.SideSell,
		Quantity:   qty,
		Price:      target,
		AmountType: exchange.AmountBase,
		ClientID:   fmt.Sprintf("sx-atp-%d-%d", group.ID, time.Now().UnixNano()),
	})
	if err != nil {
		metrics.OrderFailed(group.Exchange)
		return fmt.Errorf("place aggregate TP for group %d: %w", group.ID, err)
	}

	err = m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.GroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		locked.AggregateTPOrderID = placed.ID
		locked.AggregateTPPrice = target
		return m.db.SaveGroupTx(tx, locked)
	})
	if err != nil {
		return err
	}

	metrics.TPPlaced(database.TPModeAggregate)
	log.Info().
		Uint("group_id", group.ID).
		Str("target", target.String()).
		Str("qty", qty.String()).
		Msg("🎯 Aggregate TP refreshed")
	return nil
}

// RefreshPyramidTP re-targets one pyramid's TP on its own weighted average.
func (m *Manager) RefreshPyramidTP(ctx context.Context, pyramidID uint) error {
	pyramid, err := m.db.PyramidByID(pyramidID)
	if err != nil {
		return err
	}
	if pyramid.Status == database.PyramidStatusClosed {
		return nil
	}
	group, err := m.db.GroupByID(pyramid.GroupID)
	if err != nil {
		return err
	}
	if group.Terminal() || group.Status == database.GroupStatusClosing {
		return nil
	}

	legs, err := m.db.OrdersForPyramid(pyramidID)
	if err != nil {
		return err
	}
	var qty, weighted decimal.Decimal
	for _, o := range legs {
		if o.Side == database.OrderSideBuy && o.FilledQuantity.IsPositive() {
			qty = qty.Add(o.FilledQuantity)
			weighted = weighted.Add(o.FilledQuantity.Mul(o.AvgFillPrice))
		}
	}

	rules, err := m.rulesFor(ctx, group.Exchange, group.Symbol)
	if err != nil {
		return err
	}
	sellQty := grid.FloorToIncrement(qty, rules.StepSize)

	gw, err := m.gateways.Gateway(ctx, group.UserID, group.Exchange)
	if err != nil {
		return err
	}
	defer gw.Close()

	if pyramid.TPOrderID != "" {
		filled, err := cancelOrVerify(ctx, gw, pyramid.TPOrderID, group.Symbol)
		if err != nil {
			return fmt.Errorf("cancel pyramid TP %s: %w", pyramid.TPOrderID, err)
		}
		if filled != nil {
			return m.ApplyPyramidTPFill(ctx, pyramid.ID, filled)
		}
	}

	if !sellQty.IsPositive() || !qty.IsPositive() {
		return nil
	}
	avg := weighted.Div(qty)
	target := grid.TPForAverage(avg, group.TPAggregatePercent, rules.TickSize)

	placed, err := gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     group.Symbol,
		Type:       exchange.TypeLimit,
		Side:       exchange.SideSell,
		Quantity:   sellQty,
		Price:      target,
		AmountType: exchange.AmountBase,
		ClientID:   fmt.Sprintf("sx-ptp-%d-%d", pyramid.ID, time.Now().UnixNano()),
	})
	if err != nil {
		metrics.OrderFailed(group.Exchange)
		return fmt.Errorf("place pyramid TP for pyramid %d: %w", pyramid.ID, err)
	}

	err = m.db.Transaction(func(tx *gorm.DB) error {
		var locked database.Pyramid
		if err := m.db.ForUpdate(tx).First(&locked, pyramid.ID).Error; err != nil {
			return err
		}
		locked.TPOrderID = placed.ID
		locked.TPPrice = target
		return m.db.SavePyramidTx(tx, &locked)
	})
	if err != nil {
		return err
	}

	metrics.TPPlaced(database.TPModePyramidAggregate)
	log.Info().
		Uint("group_id", group.ID).
		Int("pyramid", pyramid.PyramidIndex).
		Str("target", target.String()).
		Str("qty", sellQty.String()).
		Msg("🎯 Pyramid TP refreshed")
	return nil
}

// ApplyLegTPFill records a filled per-leg TP: marks the leg hit, writes the
// synthetic exit row, and in hybrid mode tears down the aggregate TP.
func (m *Manager) ApplyLegTPFill(ctx context.Context, legID uint, observed *exchange.ExchangeOrder) error {
	var (
		leg  *database.DCAOrder
		exit database.DCAOrder
	)
	err := m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.OrderForUpdate(tx, legID)
		if err != nil {
			return err
		}
		if locked.TPHit {
			return errAlreadyApplied
		}
		now := time.Now()
		locked.TPHit = true
		locked.TPExecutedAt = &now
		if err := m.db.SaveOrderTx(tx, locked); err != nil {
			return err
		}
		leg = locked
		exit = syntheticExit(locked.GroupID, locked.PyramidID, locked.UserID, locked.Exchange, locked.Symbol, observed)
		return m.db.CreateOrdersTx(tx, []database.DCAOrder{exit})
	})
	if err == errAlreadyApplied {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.OrderFilled(leg.Exchange, string(exchange.SideSell))

	group, err := m.db.GroupByID(leg.GroupID)
	if err != nil {
		return err
	}
	if group.TPMode == database.TPModeHybrid && group.AggregateTPOrderID != "" {
		// Per-leg side fired first; the aggregate sell must come down.
		if err := m.teardownAggregateTP(ctx, group); err != nil {
			log.Warn().Err(err).Uint("group_id", group.ID).Msg("⚠️ Aggregate TP teardown failed")
		}
	}

	group, err = m.RecomputeStats(ctx, group.ID)
	if err != nil {
		return err
	}

	pnl := observed.AvgFillPrice.Sub(leg.AvgFillPrice).Mul(observed.FilledQty)
	m.recordTPAction(leg.UserID, group.ID, leg.Symbol, observed, pnl)
	m.notifier.TPHit(group, fmt.Sprintf("Leg %d take profit", leg.LegIndex),
		observed.AvgFillPrice, observed.FilledQty, pnl)
	if group.Status == database.GroupStatusClosed {
		m.notifier.GroupClosed(group, "all take profits hit")
	}
	return nil
}

// ApplyAggregateTPFill records a filled aggregate TP and, in hybrid mode,
// tears down the per-leg TPs it beat.
func (m *Manager) ApplyAggregateTPFill(ctx context.Context, groupID uint, observed *exchange.ExchangeOrder) error {
	var legTPs []database.DCAOrder
	err := m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.GroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		if applied, err := m.exitRecorded(tx, locked.UserID, locked.Exchange, observed.ID); err != nil || applied {
			return errOr(err, errAlreadyApplied)
		}
		if locked.AggregateTPOrderID == observed.ID {
			locked.AggregateTPOrderID = ""
		}
		if err := m.db.SaveGroupTx(tx, locked); err != nil {
			return err
		}
		exit := syntheticExit(locked.ID, 0, locked.UserID, locked.Exchange, locked.Symbol, observed)
		if err := m.db.CreateOrdersTx(tx, []database.DCAOrder{exit}); err != nil {
			return err
		}
		if locked.TPMode == database.TPModeHybrid {
			orders, err := m.db.OrdersForGroupTx(tx, groupID)
			if err != nil {
				return err
			}
			for _, o := range orders {
				if o.Side == database.OrderSideBuy && o.TPOrderID != "" && !o.TPHit {
					legTPs = append(legTPs, o)
				}
			}
		}
		return nil
	})
	if err == errAlreadyApplied {
		return nil
	}
	if err != nil {
		return err
	}

	group, err := m.db.GroupByID(groupID)
	if err != nil {
		return err
	}
	metrics.OrderFilled(group.Exchange, string(exchange.SideSell))

	if len(legTPs) > 0 {
		m.cancelLegTPs(ctx, group, legTPs)
	}

	group, err = m.RecomputeStats(ctx, groupID)
	if err != nil {
		return err
	}

	pnl := observed.AvgFillPrice.Sub(group.WeightedAvgEntry).Mul(observed.FilledQty)
	m.recordTPAction(group.UserID, group.ID, group.Symbol, observed, pnl)
	m.notifier.TPHit(group, "Aggregate take profit", observed.AvgFillPrice, observed.FilledQty, pnl)
	if group.Status == database.GroupStatusClosed {
		m.notifier.GroupClosed(group, "aggregate take profit")
	}
	return nil
}

// ApplyPyramidTPFill closes one pyramid off the back of its TP fill.
func (m *Manager) ApplyPyramidTPFill(ctx context.Context, pyramidID uint, observed *exchange.ExchangeOrder) error {
	pyramid, err := m.db.PyramidByID(pyramidID)
	if err != nil {
		return err
	}

	err = m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.GroupForUpdate(tx, pyramid.GroupID)
		if err != nil {
			return err
		}
		if applied, err := m.exitRecorded(tx, locked.UserID, locked.Exchange, observed.ID); err != nil || applied {
			return errOr(err, errAlreadyApplied)
		}

		var p database.Pyramid
		if err := m.db.ForUpdate(tx).First(&p, pyramidID).Error; err != nil {
			return err
		}
		legs, err := m.db.OrdersForPyramidTx(tx, pyramidID)
		if err != nil {
			return err
		}
		var qty, weighted decimal.Decimal
		for _, o := range legs {
			if o.Side == database.OrderSideBuy && o.FilledQuantity.IsPositive() {
				qty = qty.Add(o.FilledQuantity)
				weighted = weighted.Add(o.FilledQuantity.Mul(o.AvgFillPrice))
			}
		}
		avg := decimal.Zero
		if qty.IsPositive() {
			avg = weighted.Div(qty)
		}

		now := time.Now()
		p.Status = database.PyramidStatusClosed
		p.ClosedAt = &now
		p.TPOrderID = ""
		p.ExitPrice = observed.AvgFillPrice
		p.RealizedPnLUSD = observed.AvgFillPrice.Sub(avg).Mul(observed.FilledQty)
		p.TotalQuantity = observed.FilledQty
		if err := m.db.SavePyramidTx(tx, &p); err != nil {
			return err
		}
		pyramid = &p

		exit := syntheticExit(locked.ID, p.ID, locked.UserID, locked.Exchange, locked.Symbol, observed)
		return m.db.CreateOrdersTx(tx, []database.DCAOrder{exit})
	})
	if err == errAlreadyApplied {
		return nil
	}
	if err != nil {
		return err
	}

	group, err := m.RecomputeStats(ctx, pyramid.GroupID)
	if err != nil {
		return err
	}
	metrics.OrderFilled(group.Exchange, string(exchange.SideSell))

	m.recordTPAction(group.UserID, group.ID, group.Symbol, observed, pyramid.RealizedPnLUSD)
	m.notifier.TPHit(group, fmt.Sprintf("Pyramid %d take profit", pyramid.PyramidIndex),
		observed.AvgFillPrice, observed.FilledQty, pyramid.RealizedPnLUSD)
	if group.Status == database.GroupStatusClosed {
		m.notifier.GroupClosed(group, "all pyramids took profit")
	}
	return nil
}

// ClearLegTP drops a leg's cancelled TP id so the monitor re-places it
// while the group is still live.
func (m *Manager) ClearLegTP(ctx context.Context, legID uint) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.OrderForUpdate(tx, legID)
		if err != nil {
			return err
		}
		if locked.TPHit || locked.TPOrderID == "" {
			return nil
		}
		locked.TPOrderID = ""
		return m.db.SaveOrderTx(tx, locked)
	})
}

// ClearAggregateTP drops a group's cancelled aggregate TP id.
func (m *Manager) ClearAggregateTP(ctx context.Context, groupID uint) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.GroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		locked.AggregateTPOrderID = ""
		return m.db.SaveGroupTx(tx, locked)
	})
}

// ClearPyramidTP drops a pyramid's cancelled TP id.
func (m *Manager) ClearPyramidTP(ctx context.Context, pyramidID uint) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		var locked database.Pyramid
		if err := m.db.ForUpdate(tx).First(&locked, pyramidID).Error; err != nil {
			return err
		}
		locked.TPOrderID = ""
		return m.db.SavePyramidTx(tx, &locked)
	})
}

// teardownAggregateTP cancels the group's aggregate TP and clears the field.
func (m *Manager) teardownAggregateTP(ctx context.Context, group *database.PositionGroup) error {
	gw, err := m.gateways.Gateway(ctx, group.UserID, group.Exchange)
	if err != nil {
		return err
	}
	defer gw.Close()

	filled, err := cancelOrVerify(ctx, gw, group.AggregateTPOrderID, group.Symbol)
	if err != nil {
		return err
	}
	if filled != nil {
		return m.ApplyAggregateTPFill(ctx, group.ID, filled)
	}
	return m.ClearAggregateTP(ctx, group.ID)
}

// cancelLegTPs tears down per-leg TPs the aggregate fill beat. A leg whose
// cancel races its own fill is handed to the leg-fill path instead.
func (m *Manager) cancelLegTPs(ctx context.Context, group *database.PositionGroup, legs []database.DCAOrder) {
	gw, err := m.gateways.Gateway(ctx, group.UserID, group.Exchange)
	if err != nil {
		log.Warn().Err(err).Uint("group_id", group.ID).Msg("⚠️ No gateway for leg TP teardown")
		return
	}
	defer gw.Close()

	for i := range legs {
		leg := &legs[i]
		filled, err := cancelOrVerify(ctx, gw, leg.TPOrderID, leg.Symbol)
		if err != nil {
			log.Warn().Err(err).
				Uint("order_id", leg.ID).
				Str("tp_order_id", leg.TPOrderID).
				Msg("⚠️ Leg TP cancel failed")
			continue
		}
		if filled != nil {
			if err := m.ApplyLegTPFill(ctx, leg.ID, filled); err != nil {
				log.Error().Err(err).Uint("order_id", leg.ID).Msg("❌ Racing leg TP fill failed to apply")
			}
			continue
		}
		if err := m.ClearLegTP(ctx, leg.ID); err != nil {
			log.Warn().Err(err).Uint("order_id", leg.ID).Msg("⚠️ Leg TP clear failed")
		}
	}
}

// recordTPAction writes the tp_hit audit row.
func (m *Manager) recordTPAction(userID, groupID uint, symbol string, observed *exchange.ExchangeOrder, pnl decimal.Decimal) {
	action := &database.RiskAction{
		UserID:       userID,
		ActionType:   database.RiskActionTPHit,
		LoserGroupID: groupID,
		Symbol:       symbol,
		Quantity:     observed.FilledQty,
		Price:        observed.AvgFillPrice,
		NotionalUSD:  observed.FilledQty.Mul(observed.AvgFillPrice),
		PnLUSD:       pnl,
		Success:      true,
	}
	if err := m.db.CreateRiskAction(action); err != nil {
		log.Warn().Err(err).Uint("group_id", groupID).Msg("⚠️ tp_hit action row failed")
	}
}

// exitRecorded reports whether a synthetic exit row already exists for this
// exchange order, which makes every fill application idempotent.
func (m *Manager) exitRecorded(tx *gorm.DB, userID uint, exch, exchangeOrderID string) (bool, error) {
	var n int64
	err := tx.Model(&database.DCAOrder{}).
		Where("user_id = ? AND exchange = ? AND exchange_order_id = ? AND leg_index = ?",
			userID, exch, exchangeOrderID, database.SyntheticExitLegIndex).
		Count(&n).Error
	return n > 0, err
}

// syntheticExit builds the leg_index-999 row recording one exit fill.
func syntheticExit(groupID, pyramidID, userID uint, exch, symbol string, observed *exchange.ExchangeOrder) database.DCAOrder {
	now := time.Now()
	avg := observed.AvgFillPrice
	if !avg.IsPositive() {
		avg = observed.Price
	}
	return database.DCAOrder{
		GroupID:         groupID,
		PyramidID:       pyramidID,
		UserID:          userID,
		Exchange:        exch,
		Symbol:          symbol,
		LegIndex:        database.SyntheticExitLegIndex,
		Side:            database.OrderSideSell,
		OrderType:       string(observed.Type),
		Status:          database.OrderStatusFilled,
		Price:           observed.Price,
		Quantity:        observed.Quantity,
		FilledQuantity:  observed.FilledQty,
		AvgFillPrice:    avg,
		Fee:             observed.Fee,
		FeeCurrency:     observed.FeeCurrency,
		ExchangeOrderID: observed.ID,
		SubmittedAt:     &now,
		FilledAt:        &now,
	}
}

// cancelOrVerify cancels a resting order. If the venue says the order is
// already done, it fetches the final state: a fill comes back to the caller,
// a cancel reads as success.
func cancelOrVerify(ctx context.Context, gw exchange.Gateway, id, symbol string) (*exchange.ExchangeOrder, error) {
	err := gw.CancelOrder(ctx, id, symbol)
	if err == nil {
		return nil, nil
	}
	observed, gerr := gw.GetOrder(ctx, id, symbol)
	if gerr != nil {
		if exchange.IsNotFound(err) || exchange.IsNotFound(gerr) {
			return nil, nil
		}
		return nil, err
	}
	if observed.Status == exchange.StatusFilled {
		return observed, nil
	}
	if observed.Status.Terminal() {
		return nil, nil
	}
	return nil, err
}

func errOr(err, fallback error) error {
	if err != nil {
		return err
	}
	return fallback
}

// rulesFor is a small convenience over the precision registry.
func (m *Manager) rulesFor(ctx context.Context, exch, symbol string) (precision.Rules, error) {
	cache, err := m.rules.For(exch)
	if err != nil {
		return precision.Rules{}, err
	}
	return cache.RulesFor(ctx, symbol)
}
