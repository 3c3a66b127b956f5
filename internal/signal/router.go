package signal

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/lockstore"
	"github.com/stratexbot/stratex/internal/metrics"
	"github.com/stratexbot/stratex/internal/pool"
	"github.com/stratexbot/stratex/internal/position"
	"github.com/stratexbot/stratex/internal/queue"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL ROUTER - Webhook admission and dispatch
// ═══════════════════════════════════════════════════════════════════════════════
//
// One webhook in, exactly one of five things out: a new group, a new
// pyramid, an exit, a queued signal, or a duplicate no-op. A named lock per
// (user, symbol, timeframe, side) serializes concurrent alerts for the same
// scope; everything downstream assumes it holds that scope exclusively.
//
// ═══════════════════════════════════════════════════════════════════════════════

var (
	// ErrInvalidPayload maps to a schema-error response.
	ErrInvalidPayload = errors.New("invalid webhook payload")
	// ErrUnknownUser means the path user id does not exist.
	ErrUnknownUser = errors.New("unknown user")
	// ErrUserDisabled rejects signals for deactivated users.
	ErrUserDisabled = errors.New("user is disabled")
	// ErrSecretMismatch rejects a signal that fails the secret check.
	ErrSecretMismatch = errors.New("webhook secret mismatch")
	// ErrShortNotSupported rejects short entries; the engine is spot-only.
	ErrShortNotSupported = errors.New("short entries are not supported")
	// ErrLockContended means another signal for the scope is mid-flight.
	ErrLockContended = errors.New("another signal for this scope is in flight")
)

// Router outcomes.
const (
	OutcomeCreated   = "created"
	OutcomePyramid   = "pyramid"
	OutcomeExit      = "exit"
	OutcomeQueued    = "queued"
	OutcomeDuplicate = "duplicate"
)

// Result is what one admitted webhook produced.
type Result struct {
	Outcome string
	Group   *database.PositionGroup
	Pyramid *database.Pyramid
	Queued  *database.QueuedSignal
	Message string
}

type Router struct {
	db        *database.Database
	locks     *lockstore.Store
	positions *position.Manager
	queue     *queue.Manager
	lockTTL   time.Duration
}

func NewRouter(db *database.Database, locks *lockstore.Store, positions *position.Manager, q *queue.Manager, lockTTL time.Duration) *Router {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Router{db: db, locks: locks, positions: positions, queue: q, lockTTL: lockTTL}
}

// Handle admits one webhook body for the path user. The returned error is
// one of the sentinels above for caller-fault rejections; anything else is
// an engine-side failure.
func (r *Router) Handle(ctx context.Context, userID uint, body []byte) (*Result, error) {
	res, err := r.handle(ctx, userID, body)
	metrics.Webhook(outcomeLabel(res, err))
	return res, err
}

func (r *Router) handle(ctx context.Context, userID uint, body []byte) (*Result, error) {
	// 1. Parse and normalize.
	p, err := Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.UserID != 0 && p.UserID != userID {
		return nil, fmt.Errorf("%w: body user_id %d does not match path", ErrInvalidPayload, p.UserID)
	}

	// 2. Authenticate.
	user, err := r.db.UserByID(userID)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, ErrUnknownUser
		}
		return nil, err
	}
	if !user.Active {
		return nil, ErrUserDisabled
	}
	if user.SecureSignals {
		if subtle.ConstantTimeCompare([]byte(user.WebhookSecret), []byte(p.Secret)) != 1 {
			log.Warn().Uint("user_id", userID).Str("symbol", p.TV.Symbol).Msg("🔒 Webhook secret rejected")
			return nil, ErrSecretMismatch
		}
	}

	// 3. Spot-only guard.
	if p.WantsShort() {
		return nil, ErrShortNotSupported
	}

	e := position.Entry{
		UserID:    userID,
		Exchange:  p.TV.Exchange,
		Symbol:    p.TV.Symbol,
		Timeframe: p.TV.Timeframe,
		Side:      database.PositionSideLong,
		Price:     p.TV.Price,
		TradeID:   p.StrategyInfo.TradeID,
	}

	// 4. Serialize the scope.
	name := fmt.Sprintf("webhook:%d:%s:%s:%s", userID, e.Symbol, e.Timeframe, e.Side)
	owner := uuid.NewString()
	if err := r.locks.Acquire(name, owner, r.lockTTL); err != nil {
		if errors.Is(err, lockstore.ErrLockHeld) {
			return nil, ErrLockContended
		}
		return nil, fmt.Errorf("acquire webhook lock: %w", err)
	}
	defer func() {
		if err := r.locks.Release(name, owner); err != nil {
			log.Warn().Err(err).Str("lock", name).Msg("Webhook lock release failed")
		}
	}()

	log.Info().
		Uint("user_id", userID).
		Str("exchange", e.Exchange).
		Str("symbol", e.Symbol).
		Str("timeframe", e.Timeframe).
		Str("intent", p.Intent.Type).
		Str("trade_id", e.TradeID).
		Msg("📨 Signal admitted")

	// 5. Classify and dispatch.
	if p.IsExit() {
		return r.handleExit(ctx, e)
	}
	return r.handleEntry(ctx, e, body)
}

// handleEntry continues the live group on the scope when one exists,
// otherwise opens a new one, queueing when the pool is full.
func (r *Router) handleEntry(ctx context.Context, e position.Entry, body []byte) (*Result, error) {
	group, err := r.liveGroup(e)
	switch {
	case err == nil && group.Status == database.GroupStatusClosing:
		// The scope is draining an exit; park the entry until it settles.
		sig, qerr := r.queue.Enqueue(e, string(body), true)
		if qerr != nil {
			return nil, qerr
		}
		return &Result{Outcome: OutcomeQueued, Queued: sig, Message: "group closing, entry parked"}, nil

	case err == nil:
		pyramid, perr := r.positions.ContinuePyramid(ctx, group.ID, e)
		if errors.Is(perr, position.ErrDuplicateTrade) {
			return &Result{Outcome: OutcomeDuplicate, Group: group, Message: "trade id already applied"}, nil
		}
		if perr != nil {
			return nil, perr
		}
		return &Result{Outcome: OutcomePyramid, Group: group, Pyramid: pyramid}, nil

	case database.IsNotFound(err):
		created, oerr := r.positions.OpenFromSignal(ctx, e)
		if errors.Is(oerr, pool.ErrNoSlot) {
			sig, qerr := r.queue.Enqueue(e, string(body), false)
			if qerr != nil {
				return nil, qerr
			}
			return &Result{Outcome: OutcomeQueued, Queued: sig, Message: "execution pool full"}, nil
		}
		if errors.Is(oerr, position.ErrScopeBusy) {
			// A concurrent request won the scope between lookup and insert.
			return nil, ErrLockContended
		}
		if oerr != nil {
			return nil, oerr
		}
		return &Result{Outcome: OutcomeCreated, Group: created}, nil

	default:
		return nil, err
	}
}

// handleExit cancels everything queued for the symbol and closes the live
// group on the scope. An exit with nothing to close is a no-op success.
func (r *Router) handleExit(ctx context.Context, e position.Entry) (*Result, error) {
	if _, err := r.queue.CancelForSymbol(e.UserID, e.Symbol, e.Exchange, "", "", "exit signal"); err != nil {
		log.Warn().Err(err).Uint("user_id", e.UserID).Str("symbol", e.Symbol).
			Msg("Exit: queued-signal cleanup failed")
	}

	group, err := r.liveGroup(e)
	if database.IsNotFound(err) {
		return &Result{Outcome: OutcomeExit, Message: "no live group for scope"}, nil
	}
	if err != nil {
		return nil, err
	}

	closed, _, err := r.positions.CloseGroup(ctx, group.ID, database.RiskActionEngineClose, "exit signal")
	if err != nil {
		return nil, err
	}
	return &Result{Outcome: OutcomeExit, Group: closed}, nil
}

func (r *Router) liveGroup(e position.Entry) (*database.PositionGroup, error) {
	var group *database.PositionGroup
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var err error
		group, err = r.db.LiveGroupForScope(tx, e.UserID, e.Symbol, e.Exchange, e.Timeframe, e.Side)
		return err
	})
	return group, err
}

func outcomeLabel(res *Result, err error) string {
	if err == nil && res != nil {
		switch res.Outcome {
		case OutcomeCreated:
			return metrics.WebhookAccepted
		case OutcomePyramid:
			return metrics.WebhookPyramid
		case OutcomeExit:
			return metrics.WebhookExit
		case OutcomeQueued:
			return metrics.WebhookQueued
		case OutcomeDuplicate:
			return metrics.WebhookDuplicate
		}
	}
	switch {
	case errors.Is(err, ErrLockContended):
		return metrics.WebhookLocked
	case errors.Is(err, ErrInvalidPayload),
		errors.Is(err, ErrUnknownUser),
		errors.Is(err, ErrUserDisabled),
		errors.Is(err, ErrSecretMismatch),
		errors.Is(err, ErrShortNotSupported),
		errors.Is(err, position.ErrMaxPyramids),
		errors.Is(err, position.ErrInsufficientBalance):
		return metrics.WebhookRejected
	default:
		return metrics.WebhookError
	}
}
