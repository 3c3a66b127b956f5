package pool

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/stratexbot/stratex/internal/database"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTION POOL - Per-user cap on concurrent position groups
// ═══════════════════════════════════════════════════════════════════════════════
//
// A slot is not a row; it is the count of non-terminal groups measured
// inside the caller's transaction. Admission locks the user row first so
// two concurrent webhooks cannot both see a free slot. Slots free
// themselves the moment a group goes terminal.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ErrNoSlot means the user's execution pool is full; the signal queues.
var ErrNoSlot = errors.New("execution pool full")

type Pool struct {
	db *database.Database
}

func New(db *database.Database) *Pool {
	return &Pool{db: db}
}

// AcquireInTx claims a slot inside tx or fails with ErrNoSlot. The claim is
// the row the caller inserts before commit; holding the user-row lock until
// then is what makes the count safe.
func (p *Pool) AcquireInTx(tx *gorm.DB, userID uint, capacity int) error {
	if capacity <= 0 {
		return ErrNoSlot
	}
	if _, err := p.db.UserForUpdate(tx, userID); err != nil {
		return fmt.Errorf("lock user %d: %w", userID, err)
	}
	used, err := p.db.CountLiveGroupsTx(tx, userID)
	if err != nil {
		return fmt.Errorf("count live groups: %w", err)
	}
	if used >= int64(capacity) {
		log.Debug().
			Uint("user_id", userID).
			Int64("used", used).
			Int("capacity", capacity).
			Msg("Pool full")
		return ErrNoSlot
	}
	return nil
}

// Usage reports slots in use outside any transaction, for status surfaces.
func (p *Pool) Usage(userID uint) (int64, error) {
	var used int64
	err := p.db.Transaction(func(tx *gorm.DB) error {
		var err error
		used, err = p.db.CountLiveGroupsTx(tx, userID)
		return err
	})
	return used, err
}
