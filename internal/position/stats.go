package position

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stratexbot/stratex/internal/database"
)

// Stat recomputation
//
// Every aggregate on a group is re-derived from its order rows; nothing is
// incrementally patched. The reference price is resolved before the
// transaction opens so the transaction itself never touches the network.

// RecomputeStats rebuilds a group's aggregates and advances its status.
// Returns the refreshed group. A missing ticker leaves the previous
// unrealized figures in place rather than zeroing them.
func (m *Manager) RecomputeStats(ctx context.Context, groupID uint) (*database.PositionGroup, error) {
	snapshot, err := m.db.GroupByID(groupID)
	if err != nil {
		return nil, err
	}
	price := m.referencePrice(ctx, snapshot)

	var group *database.PositionGroup
	err = m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.GroupForUpdate(tx, groupID)
		if err != nil {
			return err
		}
		orders, err := m.db.OrdersForGroupTx(tx, groupID)
		if err != nil {
			return err
		}
		pyramids, err := m.db.PyramidsForGroupTx(tx, groupID)
		if err != nil {
			return err
		}

		applyAggregates(locked, orders, price)
		advanceStatus(locked, orders)

		for i := range pyramids {
			if refreshPyramid(&pyramids[i], orders) {
				if err := m.db.SavePyramidTx(tx, &pyramids[i]); err != nil {
					return err
				}
			}
		}

		group = locked
		return m.db.SaveGroupTx(tx, locked)
	})
	if err != nil {
		return nil, err
	}

	if group.Status != snapshot.Status {
		log.Info().
			Uint("group_id", group.ID).
			Str("from", snapshot.Status).
			Str("to", group.Status).
			Str("qty", group.TotalFilledQuantity.String()).
			Msg("🔁 Group status advanced")
	}
	return group, nil
}

// applyAggregates recomputes the money and count fields from order rows.
func applyAggregates(g *database.PositionGroup, orders []database.DCAOrder, price decimal.Decimal) {
	var (
		buyQty, sellQty   decimal.Decimal
		weightedNum       decimal.Decimal
		invested          decimal.Decimal
		sellProceeds      decimal.Decimal
		entryFees, exitFees decimal.Decimal
		filledLegs        int
	)

	for _, o := range orders {
		switch o.Side {
		case database.OrderSideBuy:
			if o.FilledQuantity.IsPositive() {
				buyQty = buyQty.Add(o.FilledQuantity)
				weightedNum = weightedNum.Add(o.FilledQuantity.Mul(o.AvgFillPrice))
				invested = invested.Add(o.FilledQuantity.Mul(o.AvgFillPrice))
				entryFees = entryFees.Add(feeUSD(o))
			}
			if o.Status == database.OrderStatusFilled {
				filledLegs++
			}
		case database.OrderSideSell:
			if o.FilledQuantity.IsPositive() {
				sellQty = sellQty.Add(o.FilledQuantity)
				sellProceeds = sellProceeds.Add(o.FilledQuantity.Mul(o.AvgFillPrice))
				exitFees = exitFees.Add(feeUSD(o))
			}
		}
	}

	totalQty := buyQty.Sub(sellQty)
	if totalQty.IsNegative() {
		totalQty = decimal.Zero
	}

	avg := decimal.Zero
	if buyQty.IsPositive() {
		avg = weightedNum.Div(buyQty)
	}

	g.TotalFilledQuantity = totalQty
	g.WeightedAvgEntry = avg
	g.TotalInvestedUSD = invested
	g.TotalEntryFeesUSD = entryFees
	g.TotalExitFeesUSD = exitFees
	g.FilledDCALegs = filledLegs
	g.RealizedPnLUSD = sellProceeds.Sub(sellQty.Mul(avg)).Sub(exitFees)

	switch {
	case totalQty.IsZero():
		g.UnrealizedPnLUSD = decimal.Zero
		g.UnrealizedPnLPercent = decimal.Zero
	case price.IsPositive() && avg.IsPositive():
		g.UnrealizedPnLUSD = price.Sub(avg).Mul(totalQty)
		g.UnrealizedPnLPercent = price.Sub(avg).Div(avg).Mul(decimal.NewFromInt(100))
	}
	// price unavailable: keep the previous unrealized figures
}

// advanceStatus moves the group along its state machine. Terminal states
// are frozen; CLOSING only ever advances to CLOSED.
func advanceStatus(g *database.PositionGroup, orders []database.DCAOrder) {
	if g.Terminal() {
		return
	}

	var buyFills decimal.Decimal
	undecided := 0 // entry legs the venue may still fill
	for _, o := range orders {
		if o.Side != database.OrderSideBuy {
			continue
		}
		buyFills = buyFills.Add(o.FilledQuantity)
		switch o.Status {
		case database.OrderStatusPending, database.OrderStatusOpen, database.OrderStatusPartiallyFilled:
			undecided++
		}
	}

	now := time.Now()
	switch {
	case g.TotalFilledQuantity.IsZero() && (buyFills.IsPositive() || g.Status == database.GroupStatusClosing):
		// Everything bought has been sold back, or a close finished with
		// nothing ever filled.
		g.Status = database.GroupStatusClosed
		g.ClosedAt = &now
		g.ClosingStartedAt = nil
	case g.Status == database.GroupStatusClosing:
		// A close is in flight; hold until the exit fill lands.
	case buyFills.IsPositive() && undecided == 0:
		g.Status = database.GroupStatusActive
	case buyFills.IsPositive() && g.Status == database.GroupStatusWaiting:
		g.Status = database.GroupStatusPartiallyFilled
	case buyFills.IsZero() && undecided == 0:
		// Nothing filled and nothing can: every leg cancelled or rejected.
		g.Status = database.GroupStatusFailed
		g.ClosedAt = &now
	}
}

// refreshPyramid re-derives one pyramid's fill state from its legs.
// Returns true when the row changed. Closed pyramids are frozen.
func refreshPyramid(p *database.Pyramid, orders []database.DCAOrder) bool {
	if p.Status == database.PyramidStatusClosed {
		return false
	}

	var qty decimal.Decimal
	undecided := 0
	for _, o := range orders {
		if o.PyramidID != p.ID || o.Side != database.OrderSideBuy {
			continue
		}
		qty = qty.Add(o.FilledQuantity)
		switch o.Status {
		case database.OrderStatusPending, database.OrderStatusOpen, database.OrderStatusPartiallyFilled:
			undecided++
		}
	}

	status := p.Status
	if qty.IsPositive() && undecided == 0 {
		status = database.PyramidStatusFilled
	}

	changed := status != p.Status || !qty.Equal(p.TotalQuantity)
	p.Status = status
	p.TotalQuantity = qty
	return changed
}

// referencePrice resolves the mark price for unrealized math: live feed
// first, then a REST ticker. Zero means "no price available".
func (m *Manager) referencePrice(ctx context.Context, g *database.PositionGroup) decimal.Decimal {
	if p, ok := m.prices.Price(g.Exchange, g.Symbol); ok {
		return p
	}
	gw, err := m.gateways.Gateway(ctx, g.UserID, g.Exchange)
	if err != nil {
		return decimal.Zero
	}
	defer gw.Close()
	p, err := gw.GetPrice(ctx, g.Symbol)
	if err != nil {
		log.Debug().Err(err).
			Str("exchange", g.Exchange).
			Str("symbol", g.Symbol).
			Msg("No ticker for stat recompute")
		return decimal.Zero
	}
	return p
}

// feeUSD approximates one order's fee in quote units. Base-denominated fees
// convert at the fill price; exotic fee assets (BNB) pass through as-is.
func feeUSD(o database.DCAOrder) decimal.Decimal {
	if o.Fee.IsZero() {
		return decimal.Zero
	}
	if o.FeeCurrency == "" || strings.EqualFold(o.FeeCurrency, quoteAsset(o.Symbol)) {
		return o.Fee
	}
	if strings.EqualFold(o.Symbol, o.FeeCurrency+quoteAsset(o.Symbol)) && o.AvgFillPrice.IsPositive() {
		return o.Fee.Mul(o.AvgFillPrice)
	}
	return o.Fee
}
