package database

// Monitor-facing queries
//
// The fill monitor works off four watch lists per iteration: resting
// orders, per-leg TPs, group aggregate TPs, and pyramid TPs. Each query
// returns rows across all users; the monitor groups them by
// (user, exchange) before touching any venue.

// LiveGroups returns every non-terminal group across all users.
func (d *Database) LiveGroups() ([]PositionGroup, error) {
	return d.GroupsByStatus(NonTerminalGroupStatuses...)
}

// LiveGroupsForUser returns the user's non-terminal groups.
func (d *Database) LiveGroupsForUser(userID uint) ([]PositionGroup, error) {
	return d.GroupsForUser(userID, NonTerminalGroupStatuses...)
}

// UsersWithLiveGroups returns the distinct users the risk engine must visit.
func (d *Database) UsersWithLiveGroups() ([]uint, error) {
	var ids []uint
	err := d.db.Model(&PositionGroup{}).
		Where("status IN ?", NonTerminalGroupStatuses).
		Distinct("user_id").
		Order("user_id").
		Pluck("user_id", &ids).Error
	return ids, err
}

// CountLiveGroupsAll counts non-terminal groups across all users.
func (d *Database) CountLiveGroupsAll() (int64, error) {
	var n int64
	err := d.db.Model(&PositionGroup{}).
		Where("status IN ?", NonTerminalGroupStatuses).
		Count(&n).Error
	return n, err
}

// EntryLegsAwaitingTP returns filled entry legs whose take-profit order is
// resting on the venue and has not been observed hit.
func (d *Database) EntryLegsAwaitingTP() ([]DCAOrder, error) {
	var orders []DCAOrder
	err := d.db.
		Where("side = ? AND status = ? AND tp_order_id <> '' AND tp_hit = ?",
			OrderSideBuy, OrderStatusFilled, false).
		Order("user_id, exchange, symbol").
		Find(&orders).Error
	return orders, err
}

// EntryLegsMissingTP returns filled entry legs that should carry a TP but
// do not. A failed TP placement lands here and gets retried.
func (d *Database) EntryLegsMissingTP() ([]DCAOrder, error) {
	var orders []DCAOrder
	err := d.db.
		Where("side = ? AND status = ? AND tp_order_id = '' AND tp_hit = ? AND tp_price > 0",
			OrderSideBuy, OrderStatusFilled, false).
		Order("user_id, exchange, symbol").
		Find(&orders).Error
	return orders, err
}

// GroupsWithAggregateTP returns live groups carrying a resting aggregate TP.
func (d *Database) GroupsWithAggregateTP() ([]PositionGroup, error) {
	var groups []PositionGroup
	err := d.db.
		Where("aggregate_tp_order_id <> '' AND status IN ?", NonTerminalGroupStatuses).
		Find(&groups).Error
	return groups, err
}

// PyramidsWithOpenTP returns unclosed pyramids carrying a resting TP.
func (d *Database) PyramidsWithOpenTP() ([]Pyramid, error) {
	var pyramids []Pyramid
	err := d.db.
		Where("tp_order_id <> '' AND status <> ?", PyramidStatusClosed).
		Find(&pyramids).Error
	return pyramids, err
}
