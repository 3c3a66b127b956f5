package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/exchange"
	"github.com/stratexbot/stratex/internal/lockstore"
	"github.com/stratexbot/stratex/internal/metrics"
	"github.com/stratexbot/stratex/internal/position"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORDER FILL MONITOR - Polls the venues and drives state forward
// ═══════════════════════════════════════════════════════════════════════════════
//
// One loop per process. Every cycle: poll live entry and exit orders, poll
// resting TP orders in all three shapes (per-leg, aggregate, per-pyramid),
// and re-place TPs that failed at fill time. Every observation is applied
// in its own transaction; one bad order or one venue hiccup never poisons
// the batch, it just waits for the next cycle.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Monitor struct {
	db        *database.Database
	gateways  *exchange.Factory
	positions *position.Manager
	locks     *lockstore.Store
	interval  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func New(db *database.Database, gateways *exchange.Factory, positions *position.Manager, locks *lockstore.Store, interval time.Duration) *Monitor {
	return &Monitor{
		db:        db,
		gateways:  gateways,
		positions: positions,
		locks:     locks,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.loop()
	log.Info().Dur("interval", m.interval).Msg("👁️ Fill monitor started")
}

func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	log.Info().Msg("Fill monitor stopped")
}

func (m *Monitor) loop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(context.Background())
		}
	}
}

// RunOnce executes one full monitor cycle. Exposed for tests.
func (m *Monitor) RunOnce(ctx context.Context) {
	start := time.Now()
	conns := newConnCache(m.gateways)
	defer conns.closeAll()

	// 1. Entry legs and market exits still working on the venues.
	m.pollLiveOrders(ctx, conns)

	// 2. Resting per-leg TPs.
	m.pollLegTPs(ctx, conns)

	// 3. Legs that filled but never got their TP placed.
	m.retryMissingTPs(ctx)

	// 4. Group-level aggregate TPs.
	m.pollAggregateTPs(ctx, conns)

	// 5. Per-pyramid TPs.
	m.pollPyramidTPs(ctx, conns)

	if n, err := m.db.CountLiveGroupsAll(); err == nil {
		metrics.SetLiveGroups(n)
	}
	metrics.MonitorCycle(time.Since(start))
	if m.locks != nil {
		if err := m.locks.Beat("fill-monitor", 3*m.interval); err != nil {
			log.Warn().Err(err).Msg("Fill monitor heartbeat failed")
		}
	}
}

func (m *Monitor) pollLiveOrders(ctx context.Context, conns *connCache) {
	orders, err := m.db.LiveOrders()
	if err != nil {
		log.Error().Err(err).Msg("Monitor: live order query failed")
		return
	}

	for i := range orders {
		row := &orders[i]
		if row.ExchangeOrderID == "" {
			continue
		}
		gw, err := conns.get(ctx, row.UserID, row.Exchange)
		if err != nil {
			log.Warn().Err(err).Uint("user_id", row.UserID).Str("exchange", row.Exchange).
				Msg("Monitor: no gateway, deferring user")
			continue
		}
		observed, err := gw.GetOrder(ctx, row.ExchangeOrderID, row.Symbol)
		if err != nil {
			logPollError(err, "order", row.ExchangeOrderID)
			continue
		}
		if err := m.positions.HandleOrderObservation(ctx, row.ID, observed); err != nil {
			log.Error().Err(err).Uint("order_id", row.ID).Msg("Monitor: applying order observation failed")
		}
	}
}

func (m *Monitor) pollLegTPs(ctx context.Context, conns *connCache) {
	legs, err := m.db.EntryLegsAwaitingTP()
	if err != nil {
		log.Error().Err(err).Msg("Monitor: TP leg query failed")
		return
	}

	for i := range legs {
		leg := &legs[i]
		gw, err := conns.get(ctx, leg.UserID, leg.Exchange)
		if err != nil {
			continue
		}
		observed, err := gw.GetOrder(ctx, leg.TPOrderID, leg.Symbol)
		if err != nil {
			if exchange.IsNotFound(err) {
				// Venue no longer knows the id; drop it so the TP re-places.
				m.clearLegTP(ctx, leg.ID)
			} else {
				logPollError(err, "leg tp", leg.TPOrderID)
			}
			continue
		}
		switch observed.Status {
		case exchange.StatusFilled:
			if err := m.positions.ApplyLegTPFill(ctx, leg.ID, observed); err != nil {
				log.Error().Err(err).Uint("order_id", leg.ID).Msg("Monitor: applying leg TP fill failed")
			}
		case exchange.StatusCanceled, exchange.StatusExpired, exchange.StatusRejected:
			m.clearLegTP(ctx, leg.ID)
		}
	}
}

func (m *Monitor) clearLegTP(ctx context.Context, legID uint) {
	if err := m.positions.ClearLegTP(ctx, legID); err != nil {
		log.Error().Err(err).Uint("order_id", legID).Msg("Monitor: clearing leg TP failed")
	}
}

// retryMissingTPs re-places per-leg TPs the fill path could not place. The
// query returns filled buy legs with a planned TP price and no live TP.
func (m *Monitor) retryMissingTPs(ctx context.Context) {
	legs, err := m.db.EntryLegsMissingTP()
	if err != nil {
		log.Error().Err(err).Msg("Monitor: missing-TP query failed")
		return
	}

	for i := range legs {
		leg := &legs[i]
		group, err := m.db.GroupByID(leg.GroupID)
		if err != nil {
			continue
		}
		if group.Terminal() || group.Status == database.GroupStatusClosing {
			continue
		}
		if group.TPMode != database.TPModePerLeg && group.TPMode != database.TPModeHybrid {
			continue
		}
		if err := m.positions.PlaceTPForLeg(ctx, leg.ID); err != nil {
			log.Warn().Err(err).Uint("order_id", leg.ID).Msg("Monitor: TP re-place failed, will retry")
		}
	}
}

func (m *Monitor) pollAggregateTPs(ctx context.Context, conns *connCache) {
	groups, err := m.db.GroupsWithAggregateTP()
	if err != nil {
		log.Error().Err(err).Msg("Monitor: aggregate TP query failed")
		return
	}

	for i := range groups {
		group := &groups[i]
		gw, err := conns.get(ctx, group.UserID, group.Exchange)
		if err != nil {
			continue
		}
		observed, err := gw.GetOrder(ctx, group.AggregateTPOrderID, group.Symbol)
		if err != nil {
			if exchange.IsNotFound(err) {
				m.restoreAggregateTP(ctx, group)
			} else {
				logPollError(err, "aggregate tp", group.AggregateTPOrderID)
			}
			continue
		}
		switch observed.Status {
		case exchange.StatusFilled:
			if err := m.positions.ApplyAggregateTPFill(ctx, group.ID, observed); err != nil {
				log.Error().Err(err).Uint("group_id", group.ID).Msg("Monitor: applying aggregate TP fill failed")
			}
		case exchange.StatusCanceled, exchange.StatusExpired, exchange.StatusRejected:
			m.restoreAggregateTP(ctx, group)
		}
	}
}

// restoreAggregateTP handles an aggregate TP that disappeared without
// filling: re-place it while the group lives, forget it otherwise.
func (m *Monitor) restoreAggregateTP(ctx context.Context, group *database.PositionGroup) {
	if group.Terminal() || group.Status == database.GroupStatusClosing {
		if err := m.positions.ClearAggregateTP(ctx, group.ID); err != nil {
			log.Error().Err(err).Uint("group_id", group.ID).Msg("Monitor: clearing aggregate TP failed")
		}
		return
	}
	if err := m.positions.RefreshAggregateTP(ctx, group.ID); err != nil {
		log.Warn().Err(err).Uint("group_id", group.ID).Msg("Monitor: aggregate TP re-place failed, will retry")
	}
}

func (m *Monitor) pollPyramidTPs(ctx context.Context, conns *connCache) {
	pyramids, err := m.db.PyramidsWithOpenTP()
	if err != nil {
		log.Error().Err(err).Msg("Monitor: pyramid TP query failed")
		return
	}

	for i := range pyramids {
		pyramid := &pyramids[i]
		group, err := m.db.GroupByID(pyramid.GroupID)
		if err != nil {
			continue
		}
		gw, err := conns.get(ctx, group.UserID, group.Exchange)
		if err != nil {
			continue
		}
		observed, err := gw.GetOrder(ctx, pyramid.TPOrderID, group.Symbol)
		if err != nil {
			if exchange.IsNotFound(err) {
				m.restorePyramidTP(ctx, group, pyramid.ID)
			} else {
				logPollError(err, "pyramid tp", pyramid.TPOrderID)
			}
			continue
		}
		switch observed.Status {
		case exchange.StatusFilled:
			if err := m.positions.ApplyPyramidTPFill(ctx, pyramid.ID, observed); err != nil {
				log.Error().Err(err).Uint("pyramid_id", pyramid.ID).Msg("Monitor: applying pyramid TP fill failed")
			}
		case exchange.StatusCanceled, exchange.StatusExpired, exchange.StatusRejected:
			m.restorePyramidTP(ctx, group, pyramid.ID)
		}
	}
}

func (m *Monitor) restorePyramidTP(ctx context.Context, group *database.PositionGroup, pyramidID uint) {
	if group.Terminal() || group.Status == database.GroupStatusClosing {
		if err := m.positions.ClearPyramidTP(ctx, pyramidID); err != nil {
			log.Error().Err(err).Uint("pyramid_id", pyramidID).Msg("Monitor: clearing pyramid TP failed")
		}
		return
	}
	if err := m.positions.RefreshPyramidTP(ctx, pyramidID); err != nil {
		log.Warn().Err(err).Uint("pyramid_id", pyramidID).Msg("Monitor: pyramid TP re-place failed, will retry")
	}
}

// logPollError keeps venue noise at debug unless the error looks permanent.
func logPollError(err error, what, id string) {
	if exchange.IsTransient(err) {
		log.Debug().Err(err).Str("id", id).Msgf("Monitor: transient %s poll error", what)
		return
	}
	log.Warn().Err(err).Str("id", id).Msgf("Monitor: %s poll error", what)
}

// connCache shares one connector per (user, exchange) within an iteration.
type connCache struct {
	gateways *exchange.Factory
	conns    map[string]exchange.Gateway
}

func newConnCache(gateways *exchange.Factory) *connCache {
	return &connCache{gateways: gateways, conns: make(map[string]exchange.Gateway)}
}

func (c *connCache) get(ctx context.Context, userID uint, exch string) (exchange.Gateway, error) {
	key := fmt.Sprintf("%d:%s", userID, exch)
	if gw, ok := c.conns[key]; ok {
		return gw, nil
	}
	gw, err := c.gateways.Gateway(ctx, userID, exch)
	if err != nil {
		return nil, err
	}
	c.conns[key] = gw
	return gw, nil
}

func (c *connCache) closeAll() {
	for _, gw := range c.conns {
		_ = gw.Close()
	}
}
