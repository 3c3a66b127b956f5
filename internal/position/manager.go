package position

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stratexbot/stratex/internal/config"
	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/exchange"
	"github.com/stratexbot/stratex/internal/feed"
	"github.com/stratexbot/stratex/internal/grid"
	"github.com/stratexbot/stratex/internal/metrics"
	"github.com/stratexbot/stratex/internal/notify"
	"github.com/stratexbot/stratex/internal/pool"
	"github.com/stratexbot/stratex/internal/precision"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - Group/pyramid lifecycle and order placement
// ═══════════════════════════════════════════════════════════════════════════════
//
// Owns every mutation of PositionGroup, Pyramid, and DCAOrder rows. The
// cardinal rule: no database transaction is ever held across an exchange
// call. Creation runs in three phases — insert rows PENDING, submit legs
// to the venue, record the outcome in a follow-up transaction.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrScopeBusy means a live group already occupies the signal scope.
	ErrScopeBusy = errors.New("live position group already exists for this scope")
	// ErrMaxPyramids rejects a continuation on a fully-stacked group.
	ErrMaxPyramids = errors.New("max pyramids reached")
	// ErrDuplicateTrade means this trade id already opened a pyramid.
	ErrDuplicateTrade = errors.New("trade id already processed")
	// ErrInsufficientBalance blocks entries the free balance cannot fund.
	ErrInsufficientBalance = errors.New("insufficient free balance for plan")
	// ErrGroupNotLive rejects operations on terminal groups.
	ErrGroupNotLive = errors.New("position group is not live")
	// ErrAllLegsRejected means the venue accepted none of a pyramid's legs.
	ErrAllLegsRejected = errors.New("exchange rejected every leg")
)

// Entry is one admitted long signal, normalized and ready to execute.
type Entry struct {
	UserID    uint
	Exchange  string
	Symbol    string
	Timeframe string
	Side      string
	Price     decimal.Decimal // zero means use the live price
	TradeID   string
}

// Deps wires the manager into the rest of the engine.
type Deps struct {
	DB            *database.Database
	Gateways      *exchange.Factory
	Rules         *precision.Registry
	Prices        *feed.Cache
	Pool          *pool.Pool
	Presets       map[string]config.Preset
	DefaultPreset string
	Notifier      *notify.Notifier
}

type Manager struct {
	db            *database.Database
	gateways      *exchange.Factory
	rules         *precision.Registry
	prices        *feed.Cache
	pool          *pool.Pool
	presets       map[string]config.Preset
	defaultPreset string
	notifier      *notify.Notifier
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		db:            deps.DB,
		gateways:      deps.Gateways,
		rules:         deps.Rules,
		prices:        deps.Prices,
		pool:          deps.Pool,
		presets:       deps.Presets,
		defaultPreset: deps.DefaultPreset,
		notifier:      deps.Notifier,
	}
}

// OpenFromSignal creates a position group for a fresh entry, consuming one
// execution-pool slot. Returns pool.ErrNoSlot when the user's pool is full.
func (m *Manager) OpenFromSignal(ctx context.Context, e Entry) (*database.PositionGroup, error) {
	return m.open(ctx, e, false)
}

// ForceOpen creates a position group bypassing the execution pool. The
// operator force-add path uses it; webhooks never do.
func (m *Manager) ForceOpen(ctx context.Context, e Entry) (*database.PositionGroup, error) {
	return m.open(ctx, e, true)
}

func (m *Manager) open(ctx context.Context, e Entry, force bool) (*database.PositionGroup, error) {
	cfg, err := m.templateFor(e.UserID, e.Symbol, e.Timeframe, e.Exchange)
	if err != nil {
		return nil, err
	}

	gw, err := m.gateways.Gateway(ctx, e.UserID, e.Exchange)
	if err != nil {
		return nil, err
	}
	defer gw.Close()

	plan, err := m.planPyramid(ctx, gw, e, cfg, 0)
	if err != nil {
		return nil, err
	}

	settings, err := m.db.RiskSettingsFor(e.UserID)
	if err != nil {
		return nil, fmt.Errorf("load risk settings: %w", err)
	}

	group := &database.PositionGroup{
		UserID:             e.UserID,
		Status:             database.GroupStatusWaiting,
		Symbol:             e.Symbol,
		Exchange:           e.Exchange,
		Timeframe:          e.Timeframe,
		Side:               database.PositionSideLong,
		PyramidCount:       1,
		MaxPyramids:        cfg.MaxPyramids,
		TotalDCALegs:       len(plan.Legs),
		BaseEntryPrice:     plan.BasePrice,
		TPMode:             cfg.TPMode,
		TPAggregatePercent: cfg.TPAggregatePercent,
	}
	pyramid := &database.Pyramid{
		PyramidIndex:  0,
		EntryPrice:    plan.BasePrice,
		Status:        database.PyramidStatusPending,
		SourceTradeID: e.TradeID,
		DCAConfigJSON: cfg.LevelsJSON,
	}
	orders := orderRows(e, plan)

	// Phase 1: claim the slot and persist the plan, everything PENDING.
	err = m.db.Transaction(func(tx *gorm.DB) error {
		if !force {
			if err := m.pool.AcquireInTx(tx, e.UserID, settings.MaxOpenPositionsGlobal); err != nil {
				return err
			}
		}
		if err := m.db.CreateGroupTx(tx, group); err != nil {
			return err
		}
		pyramid.GroupID = group.ID
		if err := m.db.CreatePyramidTx(tx, pyramid); err != nil {
			return err
		}
		for i := range orders {
			orders[i].GroupID = group.ID
			orders[i].PyramidID = pyramid.ID
		}
		return m.db.CreateOrdersTx(tx, orders)
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrScopeBusy
		}
		return nil, err
	}

	// Phase 2: submit outside any transaction.
	accepted := m.submitLegs(ctx, gw, group.ID, 0, orders)

	// Phase 3: record what the venue accepted.
	err = m.db.Transaction(func(tx *gorm.DB) error {
		for i := range orders {
			if err := m.db.SaveOrderTx(tx, &orders[i]); err != nil {
				return err
			}
		}
		locked, err := m.db.GroupForUpdate(tx, group.ID)
		if err != nil {
			return err
		}
		switch {
		case accepted == 0:
			now := time.Now()
			locked.Status = database.GroupStatusFailed
			locked.ClosedAt = &now
		case accepted < len(orders):
			locked.Status = database.GroupStatusPartiallyFilled
		}
		group = locked
		return m.db.SaveGroupTx(tx, locked)
	})
	if err != nil {
		return nil, err
	}

	if accepted == 0 {
		log.Error().
			Uint("group_id", group.ID).
			Str("symbol", e.Symbol).
			Msg("❌ Group failed: no legs accepted")
		return group, ErrAllLegsRejected
	}

	log.Info().
		Uint("group_id", group.ID).
		Uint("user_id", e.UserID).
		Str("symbol", e.Symbol).
		Str("timeframe", e.Timeframe).
		Str("base_price", plan.BasePrice.String()).
		Int("legs", accepted).
		Str("capital", plan.TotalNotional.StringFixed(2)).
		Msg("🟢 Position group opened")

	m.notifier.GroupOpened(group, plan.TotalNotional, accepted, len(orders))
	return group, nil
}

// ContinuePyramid stacks one more pyramid onto a live group at a new base
// price. No pool slot is consumed. When the venue rejects every leg the
// pyramid row is rolled back so pyramid_count never counts an empty stack.
func (m *Manager) ContinuePyramid(ctx context.Context, groupID uint, e Entry) (*database.Pyramid, error) {
	group, err := m.db.GroupByID(groupID)
	if err != nil {
		return nil, err
	}
	if group.Terminal() || group.Status == database.GroupStatusClosing {
		return nil, ErrGroupNotLive
	}
	if group.PyramidCount >= group.MaxPyramids {
		return nil, ErrMaxPyramids
	}

	cfg, err := m.templateFor(e.UserID, e.Symbol, e.Timeframe, e.Exchange)
	if err != nil {
		return nil, err
	}

	gw, err := m.gateways.Gateway(ctx, e.UserID, e.Exchange)
	if err != nil {
		return nil, err
	}
	defer gw.Close()

	index := group.PyramidCount
	plan, err := m.planPyramid(ctx, gw, e, cfg, index)
	if err != nil {
		return nil, err
	}

	pyramid := &database.Pyramid{
		GroupID:       group.ID,
		PyramidIndex:  index,
		EntryPrice:    plan.BasePrice,
		Status:        database.PyramidStatusPending,
		SourceTradeID: e.TradeID,
		DCAConfigJSON: cfg.LevelsJSON,
	}
	orders := orderRows(e, plan)

	// Phase 1: re-check under lock, then persist the new stack PENDING.
	// pyramid_count and total_dca_legs move only after the venue accepts.
	err = m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.GroupForUpdate(tx, group.ID)
		if err != nil {
			return err
		}
		if locked.Terminal() || locked.Status == database.GroupStatusClosing {
			return ErrGroupNotLive
		}
		if locked.PyramidCount >= locked.MaxPyramids {
			return ErrMaxPyramids
		}
		if e.TradeID != "" {
			if _, err := m.db.PyramidBySourceTrade(tx, group.ID, e.TradeID); err == nil {
				return ErrDuplicateTrade
			} else if !database.IsNotFound(err) {
				return err
			}
		}
		pyramid.PyramidIndex = locked.PyramidCount
		if err := m.db.CreatePyramidTx(tx, pyramid); err != nil {
			return err
		}
		for i := range orders {
			orders[i].GroupID = group.ID
			orders[i].PyramidID = pyramid.ID
		}
		return m.db.CreateOrdersTx(tx, orders)
	})
	if err != nil {
		return nil, err
	}

	// Phase 2: submit.
	accepted := m.submitLegs(ctx, gw, group.ID, pyramid.PyramidIndex, orders)

	// Phase 3: commit the stack, or roll the empty pyramid back.
	settings, err := m.db.RiskSettingsFor(e.UserID)
	if err != nil {
		return nil, err
	}
	err = m.db.Transaction(func(tx *gorm.DB) error {
		locked, err := m.db.GroupForUpdate(tx, group.ID)
		if err != nil {
			return err
		}
		if accepted == 0 {
			if err := m.db.DeleteOrdersForPyramidTx(tx, pyramid.ID); err != nil {
				return err
			}
			return m.db.DeletePyramidTx(tx, pyramid.ID)
		}
		for i := range orders {
			if err := m.db.SaveOrderTx(tx, &orders[i]); err != nil {
				return err
			}
		}
		locked.PyramidCount++
		locked.TotalDCALegs += len(orders)
		if settings.ResetTimerOnReplacement {
			locked.RiskTimerStart = nil
			locked.RiskTimerExpires = nil
		}
		group = locked
		return m.db.SaveGroupTx(tx, locked)
	})
	if err != nil {
		return nil, err
	}
	if accepted == 0 {
		log.Error().
			Uint("group_id", group.ID).
			Int("pyramid", pyramid.PyramidIndex).
			Msg("❌ Pyramid rolled back: no legs accepted")
		return nil, ErrAllLegsRejected
	}

	log.Info().
		Uint("group_id", group.ID).
		Int("pyramid", pyramid.PyramidIndex).
		Str("base_price", plan.BasePrice.String()).
		Int("legs", accepted).
		Msg("🪜 Pyramid added")

	m.notifier.PyramidAdded(group, pyramid.PyramidIndex, accepted, len(orders))
	return pyramid, nil
}

// planPyramid lays out and validates the grid for one pyramid index,
// including precision rules and a free-balance check.
func (m *Manager) planPyramid(ctx context.Context, gw exchange.Gateway, e Entry, cfg *database.DCAConfiguration, index int) (*grid.Plan, error) {
	base, err := m.basePrice(ctx, gw, e)
	if err != nil {
		return nil, fmt.Errorf("resolve base price for %s: %w", e.Symbol, err)
	}

	cache, err := m.rules.For(e.Exchange)
	if err != nil {
		return nil, err
	}
	rules, err := cache.RulesFor(ctx, e.Symbol)
	if err != nil {
		return nil, err
	}

	levels, err := cfg.LevelsForPyramid(index)
	if err != nil {
		return nil, fmt.Errorf("decode DCA levels: %w", err)
	}
	capital := cfg.CapitalForPyramid(index)

	plan, err := grid.Build(base, grid.SideLong, levels, rules, capital)
	if err != nil {
		return nil, err
	}

	free, err := gw.FetchFreeBalance(ctx, quoteAsset(e.Symbol))
	if err != nil {
		return nil, fmt.Errorf("fetch free balance: %w", err)
	}
	if free.LessThan(plan.TotalNotional) {
		log.Warn().
			Uint("user_id", e.UserID).
			Str("symbol", e.Symbol).
			Str("free", free.StringFixed(2)).
			Str("needed", plan.TotalNotional.StringFixed(2)).
			Msg("💸 Entry blocked: balance below plan")
		return nil, ErrInsufficientBalance
	}
	return plan, nil
}

// submitLegs places every PENDING leg, mutating the rows in place. Returns
// how many the venue accepted. A rejected leg is marked FAILED and never
// aborts its siblings.
func (m *Manager) submitLegs(ctx context.Context, gw exchange.Gateway, groupID uint, pyramidIndex int, orders []database.DCAOrder) int {
	accepted := 0
	for i := range orders {
		row := &orders[i]
		clientID := fmt.Sprintf("sx-%d-%d-%d", groupID, pyramidIndex, row.LegIndex)
		placed, err := gw.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:     row.Symbol,
			Type:       exchange.TypeLimit,
			Side:       exchange.SideBuy,
			Quantity:   row.Quantity,
			Price:      row.Price,
			AmountType: exchange.AmountBase,
			ClientID:   clientID,
		})
		if err != nil {
			row.Status = database.OrderStatusFailed
			row.ErrorMessage = err.Error()
			metrics.OrderFailed(row.Exchange)
			log.Error().Err(err).
				Uint("group_id", groupID).
				Int("leg", row.LegIndex).
				Str("price", row.Price.String()).
				Msg("❌ Entry leg rejected")
			continue
		}
		now := time.Now()
		row.Status = database.OrderStatusOpen
		row.ExchangeOrderID = placed.ID
		row.ClientOrderID = clientID
		row.SubmittedAt = &now
		accepted++
		metrics.OrderPlaced(row.Exchange, string(exchange.SideBuy))
	}
	return accepted
}

// templateFor resolves the user's grid template for a signal scope, falling
// back to the default preset when none is configured.
func (m *Manager) templateFor(userID uint, symbol, timeframe, exch string) (*database.DCAConfiguration, error) {
	cfg, err := m.db.DCAConfigFor(userID, symbol, timeframe, exch)
	if err == nil {
		return cfg, nil
	}
	if !database.IsNotFound(err) {
		return nil, err
	}

	preset, ok := m.presets[m.defaultPreset]
	if !ok {
		return nil, fmt.Errorf("no DCA config for %s %s on %s and preset %q is missing",
			symbol, timeframe, exch, m.defaultPreset)
	}
	levels, err := preset.GridLevels()
	if err != nil {
		return nil, err
	}
	aggregate, _ := decimal.NewFromString(preset.TPAggregatePercent)
	cfg = &database.DCAConfiguration{
		UserID:             userID,
		Pair:               symbol,
		Timeframe:          timeframe,
		Exchange:           exch,
		TPMode:             preset.TPMode,
		TPAggregatePercent: aggregate,
		MaxPyramids:        preset.MaxPyramids,
		DefaultCapital:     preset.CapitalDecimal(),
	}
	if err := cfg.SetLevels(levels); err != nil {
		return nil, err
	}
	log.Debug().
		Uint("user_id", userID).
		Str("symbol", symbol).
		Str("preset", m.defaultPreset).
		Msg("Using preset grid template")
	return cfg, nil
}

// basePrice picks the plan's anchor: the signal price when given, else the
// live feed, else a REST ticker.
func (m *Manager) basePrice(ctx context.Context, gw exchange.Gateway, e Entry) (decimal.Decimal, error) {
	if e.Price.IsPositive() {
		return e.Price, nil
	}
	if p, ok := m.prices.Price(e.Exchange, e.Symbol); ok {
		return p, nil
	}
	return gw.GetPrice(ctx, e.Symbol)
}

func orderRows(e Entry, plan *grid.Plan) []database.DCAOrder {
	rows := make([]database.DCAOrder, 0, len(plan.Legs))
	for _, leg := range plan.Legs {
		rows = append(rows, database.DCAOrder{
			UserID:      e.UserID,
			Exchange:    e.Exchange,
			Symbol:      e.Symbol,
			LegIndex:    leg.Index,
			Side:        database.OrderSideBuy,
			OrderType:   string(exchange.TypeLimit),
			Status:      database.OrderStatusPending,
			Price:       leg.Price,
			Quantity:    leg.Quantity,
			QuoteAmount: leg.Notional,
			TPPercent:   leg.TPPercent,
			TPPrice:     leg.TPPrice,
		})
	}
	return rows
}

// quoteAssets are checked longest-first so BTCUSDT resolves to USDT, not BTC.
var quoteAssets = []string{"FDUSD", "USDT", "USDC", "BUSD", "TUSD", "BTC", "ETH", "BNB", "EUR"}

func quoteAsset(symbol string) string {
	s := strings.ToUpper(symbol)
	for _, q := range quoteAssets {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return q
		}
	}
	return "USDT"
}
