package database

import (
	"time"

	"gorm.io/gorm"
)

// Queue operations
//
// At most one queued row exists per (user, symbol, exchange, timeframe,
// side); a fresh signal for an occupied scope overwrites the row in place
// and bumps replacement_count.

func (d *Database) CreateQueuedTx(tx *gorm.DB, sig *QueuedSignal) error {
	return tx.Create(sig).Error
}

func (d *Database) SaveQueuedTx(tx *gorm.DB, sig *QueuedSignal) error {
	return tx.Save(sig).Error
}

func (d *Database) QueuedByID(id uint) (*QueuedSignal, error) {
	var sig QueuedSignal
	err := d.db.First(&sig, id).Error
	return &sig, err
}

// QueuedForScope returns the waiting row for a signal scope, locked.
func (d *Database) QueuedForScope(tx *gorm.DB, userID uint, symbol, exchange, timeframe, side string) (*QueuedSignal, error) {
	var sig QueuedSignal
	err := d.ForUpdate(tx).
		Where("user_id = ? AND symbol = ? AND exchange = ? AND timeframe = ? AND side = ? AND status = ?",
			userID, symbol, exchange, timeframe, side, QueueStatusQueued).
		First(&sig).Error
	return &sig, err
}

// QueuedForUser lists waiting rows, highest priority first.
func (d *Database) QueuedForUser(userID uint) ([]QueuedSignal, error) {
	var sigs []QueuedSignal
	err := d.db.
		Where("user_id = ? AND status = ?", userID, QueueStatusQueued).
		Order("priority_score DESC, queued_at ASC").
		Find(&sigs).Error
	return sigs, err
}

// HighestPriorityQueuedTx picks the promotion candidate under lock.
func (d *Database) HighestPriorityQueuedTx(tx *gorm.DB, userID uint) (*QueuedSignal, error) {
	var sig QueuedSignal
	err := d.ForUpdate(tx).
		Where("user_id = ? AND status = ?", userID, QueueStatusQueued).
		Order("priority_score DESC, queued_at ASC").
		First(&sig).Error
	return &sig, err
}

// QueuedSignalsTx returns every waiting row for one user, locked, for
// priority rescoring.
func (d *Database) QueuedSignalsTx(tx *gorm.DB, userID uint) ([]QueuedSignal, error) {
	var sigs []QueuedSignal
	err := d.ForUpdate(tx).
		Where("user_id = ? AND status = ?", userID, QueueStatusQueued).
		Find(&sigs).Error
	return sigs, err
}

// UsersWithQueuedSignals returns the distinct users the promoter must visit.
func (d *Database) UsersWithQueuedSignals() ([]uint, error) {
	var ids []uint
	err := d.db.Model(&QueuedSignal{}).
		Where("status = ?", QueueStatusQueued).
		Distinct("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// CancelQueuedForScope drops the waiting row for a scope, recording why.
// Returns the cancelled row, or ErrRecordNotFound when nothing waited.
func (d *Database) CancelQueuedForScope(tx *gorm.DB, userID uint, symbol, exchange, timeframe, side, reason string) (*QueuedSignal, error) {
	sig, err := d.QueuedForScope(tx, userID, symbol, exchange, timeframe, side)
	if err != nil {
		return nil, err
	}
	sig.Status = QueueStatusCancelled
	sig.RejectionReason = reason
	if err := tx.Save(sig).Error; err != nil {
		return nil, err
	}
	return sig, nil
}

// CancelQueuedMatching drops every waiting row for a symbol, recording why.
// Empty timeframe or side matches any. Returns the cancelled rows; an empty
// slice means nothing waited.
func (d *Database) CancelQueuedMatching(tx *gorm.DB, userID uint, symbol, exchange, timeframe, side, reason string) ([]QueuedSignal, error) {
	q := d.ForUpdate(tx).
		Where("user_id = ? AND symbol = ? AND exchange = ? AND status = ?",
			userID, symbol, exchange, QueueStatusQueued)
	if timeframe != "" {
		q = q.Where("timeframe = ?", timeframe)
	}
	if side != "" {
		q = q.Where("side = ?", side)
	}
	var sigs []QueuedSignal
	if err := q.Find(&sigs).Error; err != nil {
		return nil, err
	}
	for i := range sigs {
		sigs[i].Status = QueueStatusCancelled
		sigs[i].RejectionReason = reason
		if err := tx.Save(&sigs[i]).Error; err != nil {
			return nil, err
		}
	}
	return sigs, nil
}

// QueueDepth counts waiting rows, per user or globally with userID 0.
func (d *Database) QueueDepth(userID uint) (int64, error) {
	q := d.db.Model(&QueuedSignal{}).Where("status = ?", QueueStatusQueued)
	if userID != 0 {
		q = q.Where("user_id = ?", userID)
	}
	var n int64
	err := q.Count(&n).Error
	return n, err
}

// Risk action operations

func (d *Database) CreateRiskAction(action *RiskAction) error {
	return d.db.Create(action).Error
}

func (d *Database) CreateRiskActionTx(tx *gorm.DB, action *RiskAction) error {
	return tx.Create(action).Error
}

func (d *Database) SaveRiskAction(action *RiskAction) error {
	return d.db.Save(action).Error
}

func (d *Database) RiskActionsForUser(userID uint, limit int) ([]RiskAction, error) {
	if limit <= 0 {
		limit = 50
	}
	var actions []RiskAction
	err := d.db.
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&actions).Error
	return actions, err
}

// RiskActionsSince supports the daily digest and operator log surface.
func (d *Database) RiskActionsSince(cutoff time.Time, limit int) ([]RiskAction, error) {
	if limit <= 0 {
		limit = 200
	}
	var actions []RiskAction
	err := d.db.
		Where("created_at >= ?", cutoff).
		Order("created_at DESC").
		Limit(limit).
		Find(&actions).Error
	return actions, err
}
