package database

import (
	"time"

	"gorm.io/gorm"
)

// Position group operations
//
// Reads that feed a write take the row lock via the *Tx variants so that
// fill handling, risk closes, and webhook exits cannot interleave on the
// same group.

func (d *Database) CreateGroupTx(tx *gorm.DB, group *PositionGroup) error {
	return tx.Create(group).Error
}

func (d *Database) SaveGroupTx(tx *gorm.DB, group *PositionGroup) error {
	return tx.Save(group).Error
}

func (d *Database) GroupByID(id uint) (*PositionGroup, error) {
	var group PositionGroup
	err := d.db.First(&group, id).Error
	return &group, err
}

// GroupWithChildren loads a group with its pyramids and orders.
func (d *Database) GroupWithChildren(id uint) (*PositionGroup, error) {
	var group PositionGroup
	err := d.db.
		Preload("Pyramids", func(tx *gorm.DB) *gorm.DB { return tx.Order("pyramid_index") }).
		Preload("Orders", func(tx *gorm.DB) *gorm.DB { return tx.Order("pyramid_id, leg_index") }).
		First(&group, id).Error
	return &group, err
}

// GroupForUpdate locks one group row for the rest of the transaction.
func (d *Database) GroupForUpdate(tx *gorm.DB, id uint) (*PositionGroup, error) {
	var group PositionGroup
	err := d.ForUpdate(tx).First(&group, id).Error
	return &group, err
}

// LiveGroupForScope returns the one non-terminal group for a signal scope,
// or ErrRecordNotFound. Runs locked inside admission transactions.
func (d *Database) LiveGroupForScope(tx *gorm.DB, userID uint, symbol, exchange, timeframe, side string) (*PositionGroup, error) {
	var group PositionGroup
	err := d.ForUpdate(tx).
		Where("user_id = ? AND symbol = ? AND exchange = ? AND timeframe = ? AND side = ?",
			userID, symbol, exchange, timeframe, side).
		Where("status NOT IN ?", []string{GroupStatusClosed, GroupStatusFailed}).
		First(&group).Error
	return &group, err
}

// CountLiveGroupsTx counts the user's non-terminal groups inside a
// transaction. Callers lock the user row first so the count holds.
func (d *Database) CountLiveGroupsTx(tx *gorm.DB, userID uint) (int64, error) {
	var n int64
	err := tx.Model(&PositionGroup{}).
		Where("user_id = ? AND status NOT IN ?", userID, []string{GroupStatusClosed, GroupStatusFailed}).
		Count(&n).Error
	return n, err
}

func (d *Database) GroupsByStatus(statuses ...string) ([]PositionGroup, error) {
	var groups []PositionGroup
	err := d.db.Where("status IN ?", statuses).Order("id").Find(&groups).Error
	return groups, err
}

func (d *Database) GroupsForUser(userID uint, statuses ...string) ([]PositionGroup, error) {
	q := d.db.Where("user_id = ?", userID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	var groups []PositionGroup
	err := q.Order("id").Find(&groups).Error
	return groups, err
}

// ClosingGroupsOlderThan finds groups stuck in closing since before the
// cutoff; the monitor force-finalizes them.
func (d *Database) ClosingGroupsOlderThan(cutoff time.Time) ([]PositionGroup, error) {
	var groups []PositionGroup
	err := d.db.
		Where("status = ? AND closing_started_at IS NOT NULL AND closing_started_at < ?",
			GroupStatusClosing, cutoff).
		Find(&groups).Error
	return groups, err
}

// Pyramid operations

func (d *Database) CreatePyramidTx(tx *gorm.DB, pyramid *Pyramid) error {
	return tx.Create(pyramid).Error
}

func (d *Database) SavePyramidTx(tx *gorm.DB, pyramid *Pyramid) error {
	return tx.Save(pyramid).Error
}

func (d *Database) DeletePyramidTx(tx *gorm.DB, id uint) error {
	return tx.Delete(&Pyramid{}, id).Error
}

// DeleteOrdersForPyramidTx removes a rejected pyramid's legs so the rollback
// leaves no orphan rows.
func (d *Database) DeleteOrdersForPyramidTx(tx *gorm.DB, pyramidID uint) error {
	return tx.Where("pyramid_id = ?", pyramidID).Delete(&DCAOrder{}).Error
}

func (d *Database) PyramidByID(id uint) (*Pyramid, error) {
	var pyramid Pyramid
	err := d.db.First(&pyramid, id).Error
	return &pyramid, err
}

func (d *Database) PyramidsForGroup(groupID uint) ([]Pyramid, error) {
	var pyramids []Pyramid
	err := d.db.Where("group_id = ?", groupID).Order("pyramid_index").Find(&pyramids).Error
	return pyramids, err
}

func (d *Database) PyramidsForGroupTx(tx *gorm.DB, groupID uint) ([]Pyramid, error) {
	var pyramids []Pyramid
	err := tx.Where("group_id = ?", groupID).Order("pyramid_index").Find(&pyramids).Error
	return pyramids, err
}

// PyramidBySourceTrade answers pyramid idempotency: has this trade id
// already opened a pyramid in this group?
func (d *Database) PyramidBySourceTrade(tx *gorm.DB, groupID uint, tradeID string) (*Pyramid, error) {
	var pyramid Pyramid
	err := tx.Where("group_id = ? AND source_trade_id = ?", groupID, tradeID).First(&pyramid).Error
	return &pyramid, err
}

// Order operations

func (d *Database) CreateOrdersTx(tx *gorm.DB, orders []DCAOrder) error {
	if len(orders) == 0 {
		return nil
	}
	return tx.Create(&orders).Error
}

func (d *Database) SaveOrder(order *DCAOrder) error {
	return d.db.Save(order).Error
}

func (d *Database) SaveOrderTx(tx *gorm.DB, order *DCAOrder) error {
	return tx.Save(order).Error
}

func (d *Database) OrderByID(id uint) (*DCAOrder, error) {
	var order DCAOrder
	err := d.db.First(&order, id).Error
	return &order, err
}

// OrderForUpdate locks one order row for the rest of the transaction.
func (d *Database) OrderForUpdate(tx *gorm.DB, id uint) (*DCAOrder, error) {
	var order DCAOrder
	err := d.ForUpdate(tx).First(&order, id).Error
	return &order, err
}

func (d *Database) OrdersForGroup(groupID uint) ([]DCAOrder, error) {
	var orders []DCAOrder
	err := d.db.Where("group_id = ?", groupID).Order("pyramid_id, leg_index").Find(&orders).Error
	return orders, err
}

func (d *Database) OrdersForGroupTx(tx *gorm.DB, groupID uint) ([]DCAOrder, error) {
	var orders []DCAOrder
	err := tx.Where("group_id = ?", groupID).Order("pyramid_id, leg_index").Find(&orders).Error
	return orders, err
}

func (d *Database) OrdersForPyramid(pyramidID uint) ([]DCAOrder, error) {
	return d.OrdersForPyramidTx(d.db, pyramidID)
}

func (d *Database) OrdersForPyramidTx(tx *gorm.DB, pyramidID uint) ([]DCAOrder, error) {
	var orders []DCAOrder
	err := tx.Where("pyramid_id = ?", pyramidID).Order("leg_index").Find(&orders).Error
	return orders, err
}

// LiveOrders returns every order the exchange may still move: open or
// partially filled entries and exits, plus trigger-pending TP legs. The
// fill monitor polls exactly this set.
func (d *Database) LiveOrders() ([]DCAOrder, error) {
	var orders []DCAOrder
	err := d.db.
		Where("status IN ?", []string{OrderStatusOpen, OrderStatusPartiallyFilled, OrderStatusTriggerPending}).
		Order("user_id, exchange, symbol").
		Find(&orders).Error
	return orders, err
}

// LiveEntryOrdersForGroupTx returns the group's unfilled entry legs, locked.
func (d *Database) LiveEntryOrdersForGroupTx(tx *gorm.DB, groupID uint) ([]DCAOrder, error) {
	var orders []DCAOrder
	err := d.ForUpdate(tx).
		Where("group_id = ? AND side = ? AND status IN ?",
			groupID, OrderSideBuy,
			[]string{OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled}).
		Order("pyramid_id, leg_index").
		Find(&orders).Error
	return orders, err
}

// OrderByExchangeID resolves a fill report back to its row.
func (d *Database) OrderByExchangeID(userID uint, exchange, exchangeOrderID string) (*DCAOrder, error) {
	var order DCAOrder
	err := d.db.
		Where("user_id = ? AND exchange = ? AND exchange_order_id = ?", userID, exchange, exchangeOrderID).
		First(&order).Error
	return &order, err
}
