package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/feed"
	"github.com/stratexbot/stratex/internal/metrics"
	"github.com/stratexbot/stratex/internal/notify"
	"github.com/stratexbot/stratex/internal/pool"
	"github.com/stratexbot/stratex/internal/position"
)

// ═══════════════════════════════════════════════════════════════════════════════
// QUEUE MANAGER - Deferred admissions and priority promotion
// ═══════════════════════════════════════════════════════════════════════════════
//
// Signals that cannot get an execution-pool slot wait here. One queued row
// per (user, symbol, exchange, timeframe, side); a repeat signal for an
// occupied scope overwrites the row and bumps replacement_count instead of
// stacking. Promotion re-runs the admission path; losing the race to a
// concurrent webhook just puts the row back in the queue.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Priority tiers, highest first. A signal lands in exactly one tier and
// ties break on time in queue.
const (
	tierContinuationBase = 10_000_000.0
	tierLossBase         = 1_000_000.0
	tierReplacementBase  = 10_000.0

	lossWeight        = 10_000.0
	replacementWeight = 100.0
	ageWeight         = 0.001 // per second in queue
)

// errGroupClosing delays a continuation while its group drains an exit.
var errGroupClosing = errors.New("group is closing")

// errPoolFull aborts a promotion pick without touching the row.
var errPoolFull = errors.New("no free slot")

type Manager struct {
	db        *database.Database
	positions *position.Manager
	prices    *feed.Cache
	notifier  *notify.Notifier
}

func NewManager(db *database.Database, positions *position.Manager, prices *feed.Cache, notifier *notify.Notifier) *Manager {
	return &Manager{db: db, positions: positions, prices: prices, notifier: notifier}
}

// Score computes the promotion priority for one queued signal. Returned
// explanation is stored on the row for the operator surfaces.
func Score(isContinuation bool, lossPercent decimal.Decimal, replacements int, queuedAt, now time.Time) (float64, string) {
	age := now.Sub(queuedAt).Seconds()
	if age < 0 {
		age = 0
	}
	tiebreak := age * ageWeight

	switch {
	case isContinuation:
		return tierContinuationBase + tiebreak, "pyramid continuation"
	case lossPercent.IsNegative():
		loss, _ := lossPercent.Abs().Float64()
		return tierLossBase + loss*lossWeight + tiebreak,
			fmt.Sprintf("loss depth %s%%", lossPercent.StringFixed(2))
	default:
		return tierReplacementBase + float64(replacements)*replacementWeight + tiebreak,
			fmt.Sprintf("%d replacement(s)", replacements)
	}
}

// Enqueue parks a signal that could not be admitted. Idempotent per scope:
// an existing queued row is overwritten in place, keeping its queue
// position but bumping replacement_count so it climbs within its tier.
func (q *Manager) Enqueue(e position.Entry, rawPayload string, continuation bool) (*database.QueuedSignal, error) {
	now := time.Now()
	var sig *database.QueuedSignal
	fresh := false

	err := q.db.Transaction(func(tx *gorm.DB) error {
		existing, err := q.db.QueuedForScope(tx, e.UserID, e.Symbol, e.Exchange, e.Timeframe, e.Side)
		switch {
		case err == nil:
			existing.EntryPrice = e.Price
			existing.Payload = rawPayload
			existing.TradeID = e.TradeID
			existing.ReplacementCount++
			existing.IsPyramidContinuation = continuation
			existing.CurrentLossPercent = q.lossPercent(e.Exchange, e.Symbol, e.Price)
			existing.PriorityScore, existing.PriorityExplanation = Score(
				continuation, existing.CurrentLossPercent, existing.ReplacementCount, existing.QueuedAt, now)
			sig = existing
			return q.db.SaveQueuedTx(tx, existing)

		case database.IsNotFound(err):
			fresh = true
			sig = &database.QueuedSignal{
				UserID:                e.UserID,
				Status:                database.QueueStatusQueued,
				Exchange:              e.Exchange,
				Symbol:                e.Symbol,
				Timeframe:             e.Timeframe,
				Side:                  e.Side,
				EntryPrice:            e.Price,
				Payload:               rawPayload,
				TradeID:               e.TradeID,
				QueuedAt:              now,
				IsPyramidContinuation: continuation,
				CurrentLossPercent:    q.lossPercent(e.Exchange, e.Symbol, e.Price),
			}
			sig.PriorityScore, sig.PriorityExplanation = Score(
				continuation, sig.CurrentLossPercent, 0, now, now)
			return q.db.CreateQueuedTx(tx, sig)

		default:
			return err
		}
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Uint("user_id", e.UserID).
		Str("symbol", e.Symbol).
		Str("timeframe", e.Timeframe).
		Bool("continuation", continuation).
		Int("replacements", sig.ReplacementCount).
		Float64("priority", sig.PriorityScore).
		Msg("📥 Signal queued")

	if fresh {
		q.notifier.SignalQueued(sig)
	}
	return sig, nil
}

// CancelForSymbol drops queued entries for a symbol, typically on an exit
// signal. Empty timeframe or side matches all.
func (q *Manager) CancelForSymbol(userID uint, symbol, exchange, timeframe, side, reason string) (int, error) {
	var dropped []database.QueuedSignal
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var err error
		dropped, err = q.db.CancelQueuedMatching(tx, userID, symbol, exchange, timeframe, side, reason)
		return err
	})
	if err != nil {
		return 0, err
	}
	if len(dropped) > 0 {
		log.Info().
			Uint("user_id", userID).
			Str("symbol", symbol).
			Int("cancelled", len(dropped)).
			Str("reason", reason).
			Msg("🗑️ Queued signals cancelled")
	}
	return len(dropped), nil
}

// PromoteHighestPriority rescores the user's queue, picks the top row, and
// re-runs admission for it. Returns (nil, nil) when nothing is promotable
// this cycle: empty queue, pool still full, or the continuation target mid-
// close. The row survives those and waits for the next cycle.
func (q *Manager) PromoteHighestPriority(ctx context.Context, userID uint) (*database.QueuedSignal, error) {
	if err := q.rescore(userID); err != nil {
		return nil, fmt.Errorf("rescore queue for user %d: %w", userID, err)
	}

	sig, err := q.pick(userID)
	if err != nil {
		if errors.Is(err, errPoolFull) || database.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}

	promoted, err := q.execute(ctx, sig, false)
	if err != nil && (errors.Is(err, pool.ErrNoSlot) || errors.Is(err, errGroupClosing)) {
		return nil, nil // requeued inside execute
	}
	return promoted, err
}

// PromoteSpecific promotes one row by id regardless of its queue position.
// The execution pool still applies; a full pool surfaces as an error.
func (q *Manager) PromoteSpecific(ctx context.Context, id uint) (*database.QueuedSignal, error) {
	sig, err := q.mark(id)
	if err != nil {
		return nil, err
	}
	return q.execute(ctx, sig, false)
}

// ForceAdd promotes one row bypassing the execution pool entirely.
func (q *Manager) ForceAdd(ctx context.Context, id uint) (*database.QueuedSignal, error) {
	sig, err := q.mark(id)
	if err != nil {
		return nil, err
	}
	return q.execute(ctx, sig, true)
}

// Remove cancels a queued row by id.
func (q *Manager) Remove(id uint, reason string) error {
	return q.db.Transaction(func(tx *gorm.DB) error {
		var sig database.QueuedSignal
		if err := q.db.ForUpdate(tx).First(&sig, id).Error; err != nil {
			return err
		}
		if sig.Status != database.QueueStatusQueued {
			return fmt.Errorf("queued signal %d is %s, not queued", id, sig.Status)
		}
		sig.Status = database.QueueStatusCancelled
		sig.RejectionReason = reason
		return q.db.SaveQueuedTx(tx, &sig)
	})
}

// rescore recomputes priority for every waiting row. Loss depth tracks the
// live price against the queued entry price, so rows sink and climb as the
// market moves.
func (q *Manager) rescore(userID uint) error {
	now := time.Now()
	return q.db.Transaction(func(tx *gorm.DB) error {
		sigs, err := q.db.QueuedSignalsTx(tx, userID)
		if err != nil {
			return err
		}
		for i := range sigs {
			sig := &sigs[i]
			if !sig.IsPyramidContinuation {
				sig.CurrentLossPercent = q.lossPercent(sig.Exchange, sig.Symbol, sig.EntryPrice)
			}
			sig.PriorityScore, sig.PriorityExplanation = Score(
				sig.IsPyramidContinuation, sig.CurrentLossPercent, sig.ReplacementCount, sig.QueuedAt, now)
			if err := q.db.SaveQueuedTx(tx, sig); err != nil {
				return err
			}
		}
		return nil
	})
}

// pick selects and marks the top candidate under lock. Rows that will land
// on an existing group continue it and need no slot; everything else is
// screened against the pool first so a full pool never churns rows.
func (q *Manager) pick(userID uint) (*database.QueuedSignal, error) {
	settings, err := q.db.RiskSettingsFor(userID)
	if err != nil {
		return nil, err
	}
	var sig *database.QueuedSignal
	err = q.db.Transaction(func(tx *gorm.DB) error {
		candidate, err := q.db.HighestPriorityQueuedTx(tx, userID)
		if err != nil {
			return err
		}
		_, scopeErr := q.db.LiveGroupForScope(tx,
			candidate.UserID, candidate.Symbol, candidate.Exchange, candidate.Timeframe, candidate.Side)
		if scopeErr != nil && !database.IsNotFound(scopeErr) {
			return scopeErr
		}
		if database.IsNotFound(scopeErr) {
			used, err := q.db.CountLiveGroupsTx(tx, userID)
			if err != nil {
				return err
			}
			if used >= int64(settings.MaxOpenPositionsGlobal) {
				return errPoolFull
			}
		}
		now := time.Now()
		candidate.Status = database.QueueStatusPromoted
		candidate.PromotedAt = &now
		sig = candidate
		return q.db.SaveQueuedTx(tx, candidate)
	})
	return sig, err
}

// mark flips one specific row to promoted for the operator paths.
func (q *Manager) mark(id uint) (*database.QueuedSignal, error) {
	var sig *database.QueuedSignal
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var row database.QueuedSignal
		if err := q.db.ForUpdate(tx).First(&row, id).Error; err != nil {
			return err
		}
		if row.Status != database.QueueStatusQueued {
			return fmt.Errorf("queued signal %d is %s, not queued", id, row.Status)
		}
		now := time.Now()
		row.Status = database.QueueStatusPromoted
		row.PromotedAt = &now
		sig = &row
		return q.db.SaveQueuedTx(tx, &row)
	})
	return sig, err
}

// execute re-runs admission for a row already marked promoted. Slot races
// and mid-close continuations requeue the row; real failures reject it.
func (q *Manager) execute(ctx context.Context, sig *database.QueuedSignal, force bool) (*database.QueuedSignal, error) {
	err := q.run(ctx, sig, force)
	switch {
	case err == nil:
		metrics.Promotion()
		log.Info().
			Uint("queue_id", sig.ID).
			Uint("user_id", sig.UserID).
			Str("symbol", sig.Symbol).
			Float64("priority", sig.PriorityScore).
			Str("why", sig.PriorityExplanation).
			Msg("🎯 Signal promoted")
		q.notifier.SignalPromoted(sig)
		return sig, nil

	case errors.Is(err, pool.ErrNoSlot), errors.Is(err, errGroupClosing):
		// Lost the race or the target group is draining; back in line.
		q.requeue(sig)
		return nil, err

	default:
		q.reject(sig, err)
		return nil, err
	}
}

// run re-classifies the promoted signal against current state and
// dispatches it down the same paths a live webhook would take. The
// continuation flag on the row is only a scoring hint; what actually
// happens depends on what lives at the scope now.
func (q *Manager) run(ctx context.Context, sig *database.QueuedSignal, force bool) error {
	e := position.Entry{
		UserID:    sig.UserID,
		Exchange:  sig.Exchange,
		Symbol:    sig.Symbol,
		Timeframe: sig.Timeframe,
		Side:      sig.Side,
		Price:     sig.EntryPrice,
		TradeID:   sig.TradeID,
	}

	var group *database.PositionGroup
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var err error
		group, err = q.db.LiveGroupForScope(tx, e.UserID, e.Symbol, e.Exchange, e.Timeframe, e.Side)
		return err
	})
	switch {
	case err == nil:
		if group.Status == database.GroupStatusClosing {
			return errGroupClosing
		}
		_, err = q.positions.ContinuePyramid(ctx, group.ID, e)
		if errors.Is(err, position.ErrDuplicateTrade) {
			// Already applied by a webhook between enqueue and now.
			return nil
		}
		return err

	case database.IsNotFound(err):
		if force {
			_, err := q.positions.ForceOpen(ctx, e)
			return err
		}
		_, err := q.positions.OpenFromSignal(ctx, e)
		return err

	default:
		return err
	}
}

func (q *Manager) requeue(sig *database.QueuedSignal) {
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var row database.QueuedSignal
		if err := q.db.ForUpdate(tx).First(&row, sig.ID).Error; err != nil {
			return err
		}
		row.Status = database.QueueStatusQueued
		row.PromotedAt = nil
		return q.db.SaveQueuedTx(tx, &row)
	})
	if err != nil {
		log.Error().Err(err).Uint("queue_id", sig.ID).Msg("Failed to requeue signal")
	}
}

func (q *Manager) reject(sig *database.QueuedSignal, cause error) {
	err := q.db.Transaction(func(tx *gorm.DB) error {
		var row database.QueuedSignal
		if err := q.db.ForUpdate(tx).First(&row, sig.ID).Error; err != nil {
			return err
		}
		row.Status = database.QueueStatusRejected
		row.RejectionReason = cause.Error()
		return q.db.SaveQueuedTx(tx, &row)
	})
	if err != nil {
		log.Error().Err(err).Uint("queue_id", sig.ID).Msg("Failed to mark signal rejected")
		return
	}
	log.Warn().
		Uint("queue_id", sig.ID).
		Uint("user_id", sig.UserID).
		Str("symbol", sig.Symbol).
		Err(cause).
		Msg("Queued signal rejected at promotion")
}

// lossPercent is the unrealized move against the queued entry price, from
// the feed cache. Zero when either side is unknown.
func (q *Manager) lossPercent(exchange, symbol string, entry decimal.Decimal) decimal.Decimal {
	if q.prices == nil || entry.IsZero() || !entry.IsPositive() {
		return decimal.Zero
	}
	px, ok := q.prices.Price(exchange, symbol)
	if !ok || !px.IsPositive() {
		return decimal.Zero
	}
	return px.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
}
