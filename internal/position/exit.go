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
)

// Exits
//
// A close walks the group to CLOSING, tears down every resting order, then
// market-sells the holdings. If the market sell is rejected the group
// reverts to its prior status and a failed RiskAction records the attempt;
// the risk engine or a fresh exit signal retries later.

// CloseGroup fully exits a group: cancel resting entries and TPs, market
// sell the whole quantity, record the audit row. Idempotent on terminal and
// already-closing groups.
func (m *Manager) CloseGroup(ctx context.Context, groupID uint, actionType, reason string) (*database.PositionGroup, *database.RiskAction, error) {
	var (
		prevStatus string
		entryLegs  []database.DCAOrder
		legTPs     []database.DCAOrder
	)

	// Phase 1: flip to CLOSING and snapshot what must come down.
	err := m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.GroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		if locked.Terminal() || locked.Status == database.GroupStatusClosing {
			return errAlreadyApplied
		}
		prevStatus = locked.Status
		now := time.Now()
		locked.Status = database.GroupStatusClosing
		locked.ClosingStartedAt = &now
		if err := m.db.SaveGroupTx(tx, locked); err != nil {
			return err
		}

		orders, err := m.db.OrdersForGroupTx(tx, groupID)
		if err != nil {
			return err
		}
		for _, o := range orders {
			if o.Side != database.OrderSideBuy {
				continue
			}
			switch o.Status {
			case database.OrderStatusPending, database.OrderStatusOpen, database.OrderStatusPartiallyFilled:
				entryLegs = append(entryLegs, o)
			}
			if o.TPOrderID != "" && !o.TPHit {
				legTPs = append(legTPs, o)
			}
		}
		return nil
	})
	if err == errAlreadyApplied {
		group, gerr := m.db.GroupByID(groupID)
		return group, nil, gerr
	}
	if err != nil {
		return nil, nil, err
	}

	group, err := m.db.GroupByID(groupID)
	if err != nil {
		return nil, nil, err
	}

	gw, err := m.gateways.Gateway(ctx, group.UserID, group.Exchange)
	if err != nil {
		return nil, nil, err
	}
	defer gw.Close()

	// Phase 2: tear down resting orders. Races against fills are absorbed:
	// anything that filled first is recorded as a fill.
	m.cancelEntryLegs(ctx, gw, entryLegs)
	if len(legTPs) > 0 {
		m.cancelLegTPs(ctx, group, legTPs)
	}
	if group.AggregateTPOrderID != "" {
		if err := m.teardownAggregateTP(ctx, group); err != nil {
			log.Warn().Err(err).Uint("group_id", group.ID).Msg("⚠️ Aggregate TP teardown failed during close")
		}
	}
	pyramids, err := m.db.PyramidsForGroup(groupID)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range pyramids {
		if p.TPOrderID == "" || p.Status == database.PyramidStatusClosed {
			continue
		}
		filled, err := cancelOrVerify(ctx, gw, p.TPOrderID, group.Symbol)
		if err != nil {
			log.Warn().Err(err).Uint("pyramid_id", p.ID).Msg("⚠️ Pyramid TP cancel failed during close")
			continue
		}
		if filled != nil {
			if err := m.ApplyPyramidTPFill(ctx, p.ID, filled); err != nil {
				log.Error().Err(err).Uint("pyramid_id", p.ID).Msg("❌ Racing pyramid TP fill failed to apply")
			}
			continue
		}
		if err := m.ClearPyramidTP(ctx, p.ID); err != nil {
			log.Warn().Err(err).Uint("pyramid_id", p.ID).Msg("⚠️ Pyramid TP clear failed")
		}
	}

	// Phase 3: market-sell whatever the group still holds.
	group, err = m.RecomputeStats(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}

	rules, err := m.rulesFor(ctx, group.Exchange, group.Symbol)
	if err != nil {
		return nil, nil, err
	}
	qty := grid.FloorToIncrement(group.TotalFilledQuantity, rules.StepSize)

	action := &database.RiskAction{
		UserID:          group.UserID,
		ActionType:      actionType,
		LoserGroupID:    group.ID,
		Symbol:          group.Symbol,
		Quantity:        qty,
		DurationSeconds: int64(time.Since(group.CreatedAt).Seconds()),
		Success:         true,
	}

	if qty.IsPositive() {
		placed, err := gw.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:     group.Symbol,
			Type:       exchange.TypeMarket,
			Side:       exchange.SideSell,
			Quantity:   qty,
			AmountType: exchange.AmountBase,
			ClientID:   fmt.Sprintf("sx-x-%d-%d", group.ID, time.Now().UnixNano()),
		})
		if err != nil {
			metrics.OrderFailed(group.Exchange)
			m.revertClose(groupID, prevStatus)
			action.Success = false
			action.ErrorMessage = err.Error()
			if aerr := m.db.CreateRiskAction(action); aerr != nil {
				log.Warn().Err(aerr).Uint("group_id", group.ID).Msg("⚠️ Failed close action row not written")
			}
			m.notifier.Error(group.UserID, fmt.Sprintf("Close of %s group #%d failed", group.Symbol, group.ID), err)
			return nil, action, fmt.Errorf("market sell for group %d: %w", group.ID, err)
		}
		metrics.OrderPlaced(group.Exchange, string(exchange.SideSell))
		if err := m.recordExit(group, placed); err != nil {
			return nil, nil, err
		}
		action.Price = placed.AvgFillPrice
		action.NotionalUSD = placed.FilledQty.Mul(placed.AvgFillPrice)
	}

	group, err = m.RecomputeStats(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}
	action.PnLUSD = group.RealizedPnLUSD
	if err := m.db.CreateRiskAction(action); err != nil {
		log.Warn().Err(err).Uint("group_id", group.ID).Msg("⚠️ Close action row not written")
	}
	metrics.RiskClose(actionType)

	log.Info().
		Uint("group_id", group.ID).
		Str("symbol", group.Symbol).
		Str("status", group.Status).
		Str("qty", qty.String()).
		Str("reason", reason).
		Msg("🔴 Group close executed")

	if group.Terminal() {
		m.notifier.GroupClosed(group, reason)
	}
	return group, action, nil
}

// ClosePartial market-sells part of a group's holdings without tearing the
// group down. The risk engine uses it for partial loser closes and
// fractional winner harvests.
func (m *Manager) ClosePartial(ctx context.Context, groupID uint, qty decimal.Decimal, actionType, reason string) (*database.PositionGroup, *database.RiskAction, error) {
	group, err := m.db.GroupByID(groupID)
	if err != nil {
		return nil, nil, err
	}
	if group.Terminal() || group.Status == database.GroupStatusClosing {
		return nil, nil, ErrGroupNotLive
	}

	rules, err := m.rulesFor(ctx, group.Exchange, group.Symbol)
	if err != nil {
		return nil, nil, err
	}
	sellQty := grid.FloorToIncrement(qty, rules.StepSize)
	if sellQty.GreaterThan(group.TotalFilledQuantity) {
		sellQty = grid.FloorToIncrement(group.TotalFilledQuantity, rules.StepSize)
	}
	if !sellQty.IsPositive() {
		return nil, nil, fmt.Errorf("partial close of group %d: quantity %s rounds to zero", groupID, qty)
	}

	gw, err := m.gateways.Gateway(ctx, group.UserID, group.Exchange)
	if err != nil {
		return nil, nil, err
	}
	defer gw.Close()

	action := &database.RiskAction{
		UserID:          group.UserID,
		ActionType:      actionType,
		LoserGroupID:    group.ID,
		Symbol:          group.Symbol,
		Quantity:        sellQty,
		DurationSeconds: int64(time.Since(group.CreatedAt).Seconds()),
		Success:         true,
	}

	placed, err := gw.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     group.Symbol,
		Type:       exchange.TypeMarket,
		Side:       exchange.SideSell,
		Quantity:   sellQty,
		AmountType: exchange.AmountBase,
		ClientID:   fmt.Sprintf("sx-px-%d-%d", group.ID, time.Now().UnixNano()),
	})
	if err != nil {
		metrics.OrderFailed(group.Exchange)
		action.Success = false
		action.ErrorMessage = err.Error()
		if aerr := m.db.CreateRiskAction(action); aerr != nil {
			log.Warn().Err(aerr).Uint("group_id", group.ID).Msg("⚠️ Failed partial close action row not written")
		}
		return nil, action, fmt.Errorf("partial market sell for group %d: %w", group.ID, err)
	}
	metrics.OrderPlaced(group.Exchange, string(exchange.SideSell))
	if err := m.recordExit(group, placed); err != nil {
		return nil, nil, err
	}

	group, err = m.RecomputeStats(ctx, groupID)
	if err != nil {
		return nil, nil, err
	}

	action.Price = placed.AvgFillPrice
	action.NotionalUSD = placed.FilledQty.Mul(placed.AvgFillPrice)
	action.PnLUSD = placed.AvgFillPrice.Sub(group.WeightedAvgEntry).Mul(placed.FilledQty)
	if err := m.db.CreateRiskAction(action); err != nil {
		log.Warn().Err(err).Uint("group_id", group.ID).Msg("⚠️ Partial close action row not written")
	}
	metrics.RiskClose(actionType)

	log.Info().
		Uint("group_id", group.ID).
		Str("symbol", group.Symbol).
		Str("qty", sellQty.String()).
		Str("reason", reason).
		Msg("🟠 Partial close executed")
	return group, action, nil
}

// HandleOrderObservation applies one exchange-side order state to its row
// and drives the follow-on work: TP placement on entry fills, stat
// recomputation, close detection on exit fills.
func (m *Manager) HandleOrderObservation(ctx context.Context, orderID uint, observed *exchange.ExchangeOrder) error {
	row, changed, filledNow, err := m.applyOrderRow(orderID, observed)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	if filledNow {
		metrics.OrderFilled(row.Exchange, row.Side)
	}

	// Stats first: aggregate TP targeting reads the group's totals, so the
	// fill must be folded in before any sell is placed.
	group, err := m.RecomputeStats(ctx, row.GroupID)
	if err != nil {
		return err
	}

	if filledNow && row.Side == database.OrderSideBuy {
		if err := m.PlaceTPsForFill(ctx, row); err != nil {
			// Leave the leg without a TP; the monitor's retry pass picks
			// it up next iteration.
			log.Warn().Err(err).
				Uint("order_id", row.ID).
				Uint("group_id", row.GroupID).
				Msg("⚠️ TP placement deferred")
		}
	}

	if filledNow && row.Side == database.OrderSideSell && group.Status == database.GroupStatusClosed {
		m.notifier.GroupClosed(group, "exit filled")
	}
	return nil
}

// applyOrderRow maps one observed exchange state onto the DCAOrder row.
func (m *Manager) applyOrderRow(orderID uint, observed *exchange.ExchangeOrder) (row *database.DCAOrder, changed, filledNow bool, err error) {
	err = m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.OrderForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		prev := locked.Status
		prevFilled := locked.FilledQuantity

		switch observed.Status {
		case exchange.StatusNew:
			locked.Status = database.OrderStatusOpen
		case exchange.StatusPartiallyFilled:
			locked.Status = database.OrderStatusPartiallyFilled
		case exchange.StatusFilled:
			locked.Status = database.OrderStatusFilled
			if locked.FilledAt == nil {
				now := time.Now()
				locked.FilledAt = &now
			}
		case exchange.StatusCanceled, exchange.StatusExpired:
			locked.Status = database.OrderStatusCancelled
			if locked.CancelledAt == nil {
				now := time.Now()
				locked.CancelledAt = &now
			}
		case exchange.StatusRejected:
			locked.Status = database.OrderStatusFailed
		}

		if observed.FilledQty.IsPositive() {
			locked.FilledQuantity = observed.FilledQty
			if observed.AvgFillPrice.IsPositive() {
				locked.AvgFillPrice = observed.AvgFillPrice
			} else if observed.Price.IsPositive() {
				locked.AvgFillPrice = observed.Price
			}
		}
		if observed.Fee.IsPositive() {
			locked.Fee = observed.Fee
			locked.FeeCurrency = observed.FeeCurrency
		}

		changed = prev != locked.Status || !prevFilled.Equal(locked.FilledQuantity)
		filledNow = locked.Status == database.OrderStatusFilled && prev != database.OrderStatusFilled
		row = locked
		if !changed {
			return nil
		}
		return m.db.SaveOrderTx(tx, locked)
	})
	return row, changed, filledNow, err
}

// cancelEntryLegs tears down unfilled entries. Legs that filled before the
// cancel landed are recorded as fills; never-submitted rows just flip to
// CANCELLED.
func (m *Manager) cancelEntryLegs(ctx context.Context, gw exchange.Gateway, legs []database.DCAOrder) {
	for i := range legs {
		leg := &legs[i]
		if leg.ExchangeOrderID == "" {
			if err := m.markLegCancelled(leg.ID); err != nil {
				log.Warn().Err(err).Uint("order_id", leg.ID).Msg("⚠️ Pending leg cancel not recorded")
			}
			continue
		}
		filled, err := cancelOrVerify(ctx, gw, leg.ExchangeOrderID, leg.Symbol)
		if err != nil {
			log.Warn().Err(err).
				Uint("order_id", leg.ID).
				Str("exchange_order_id", leg.ExchangeOrderID).
				Msg("⚠️ Entry leg cancel failed")
			continue
		}
		if filled != nil {
			if _, _, _, err := m.applyOrderRow(leg.ID, filled); err != nil {
				log.Error().Err(err).Uint("order_id", leg.ID).Msg("❌ Racing entry fill failed to apply")
			}
			continue
		}
		if err := m.markLegCancelled(leg.ID); err != nil {
			log.Warn().Err(err).Uint("order_id", leg.ID).Msg("⚠️ Leg cancel not recorded")
		}
	}
}

func (m *Manager) markLegCancelled(orderID uint) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.OrderForUpdate(tx, orderID)
		if err != nil {
			return err
		}
		switch locked.Status {
		case database.OrderStatusFilled, database.OrderStatusCancelled, database.OrderStatusFailed:
			return nil
		}
		now := time.Now()
		locked.Status = database.OrderStatusCancelled
		locked.CancelledAt = &now
		return m.db.SaveOrderTx(tx, locked)
	})
}

// recordExit persists the sell produced by a close. Terminal responses
// become synthetic FILLED rows; anything still working is tracked OPEN so
// the fill monitor finishes the story.
func (m *Manager) recordExit(group *database.PositionGroup, placed *exchange.ExchangeOrder) error {
	row := syntheticExit(group.ID, 0, group.UserID, group.Exchange, group.Symbol, placed)
	if placed.Status != exchange.StatusFilled {
		row.Status = database.OrderStatusOpen
		row.FilledAt = nil
	}
	return m.db.Transaction(func(tx *gorm.DB) error {
		return m.db.CreateOrdersTx(tx, []database.DCAOrder{row})
	})
}

// revertClose undoes the CLOSING flip after a rejected market sell.
func (m *Manager) revertClose(groupID uint, prevStatus string) {
	err := m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.GroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		if locked.Status != database.GroupStatusClosing {
			return nil
		}
		locked.Status = prevStatus
		locked.ClosingStartedAt = nil
		return m.db.SaveGroupTx(tx, locked)
	})
	if err != nil {
		log.Error().Err(err).Uint("group_id", groupID).Msg("❌ Close revert failed; risk recovery will pick it up")
	}
}
