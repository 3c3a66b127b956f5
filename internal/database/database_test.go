package database

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	return db
}

func testUser(t *testing.T, db *Database, email string) *User {
	t.Helper()
	user := &User{Email: email, WebhookSecret: "s3cret", SecureSignals: true, Active: true}
	require.NoError(t, db.CreateUser(user))
	return user
}

func TestOneLiveGroupPerScope(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "a@example.com")

	first := &PositionGroup{
		UserID: user.ID, Symbol: "BTCUSDT", Exchange: "binance",
		Timeframe: "1h", Side: PositionSideLong, Status: GroupStatusActive,
	}
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return db.CreateGroupTx(tx, first)
	}))

	dup := &PositionGroup{
		UserID: user.ID, Symbol: "BTCUSDT", Exchange: "binance",
		Timeframe: "1h", Side: PositionSideLong, Status: GroupStatusWaiting,
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		return db.CreateGroupTx(tx, dup)
	})
	require.Error(t, err)
	require.True(t, IsUniqueViolation(err), "want unique violation, got %v", err)

	// A terminal group frees the scope.
	first.Status = GroupStatusClosed
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return db.SaveGroupTx(tx, first)
	}))
	fresh := &PositionGroup{
		UserID: user.ID, Symbol: "BTCUSDT", Exchange: "binance",
		Timeframe: "1h", Side: PositionSideLong, Status: GroupStatusWaiting,
	}
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return db.CreateGroupTx(tx, fresh)
	}))
}

func TestLiveGroupForScope(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "a@example.com")

	closed := &PositionGroup{
		UserID: user.ID, Symbol: "ETHUSDT", Exchange: "binance",
		Timeframe: "4h", Side: PositionSideLong, Status: GroupStatusClosed,
	}
	require.NoError(t, db.DB().Create(closed).Error)

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := db.LiveGroupForScope(tx, user.ID, "ETHUSDT", "binance", "4h", PositionSideLong)
		return err
	})
	require.True(t, IsNotFound(err))

	live := &PositionGroup{
		UserID: user.ID, Symbol: "ETHUSDT", Exchange: "binance",
		Timeframe: "4h", Side: PositionSideLong, Status: GroupStatusPartiallyFilled,
	}
	require.NoError(t, db.DB().Create(live).Error)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		got, err := db.LiveGroupForScope(tx, user.ID, "ETHUSDT", "binance", "4h", PositionSideLong)
		if err != nil {
			return err
		}
		require.Equal(t, live.ID, got.ID)
		return nil
	}))
}

func TestQueueScopeUniqueWhileWaiting(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "a@example.com")

	sig := &QueuedSignal{
		UserID: user.ID, Symbol: "SOLUSDT", Exchange: "binance", Timeframe: "1h",
		Side: PositionSideLong, Status: QueueStatusQueued, QueuedAt: time.Now(),
	}
	require.NoError(t, db.DB().Create(sig).Error)

	dup := &QueuedSignal{
		UserID: user.ID, Symbol: "SOLUSDT", Exchange: "binance", Timeframe: "1h",
		Side: PositionSideLong, Status: QueueStatusQueued, QueuedAt: time.Now(),
	}
	err := db.DB().Create(dup).Error
	require.True(t, IsUniqueViolation(err), "want unique violation, got %v", err)

	// Promoted rows do not block a new queued row for the same scope.
	sig.Status = QueueStatusPromoted
	require.NoError(t, db.DB().Save(sig).Error)
	require.NoError(t, db.DB().Create(&QueuedSignal{
		UserID: user.ID, Symbol: "SOLUSDT", Exchange: "binance", Timeframe: "1h",
		Side: PositionSideLong, Status: QueueStatusQueued, QueuedAt: time.Now(),
	}).Error)
}

func TestHighestPriorityQueued(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "a@example.com")

	low := &QueuedSignal{
		UserID: user.ID, Symbol: "AUSDT", Exchange: "binance", Timeframe: "1h",
		Side: PositionSideLong, Status: QueueStatusQueued,
		QueuedAt: time.Now(), PriorityScore: 10_000,
	}
	high := &QueuedSignal{
		UserID: user.ID, Symbol: "BUSDT", Exchange: "binance", Timeframe: "1h",
		Side: PositionSideLong, Status: QueueStatusQueued,
		QueuedAt: time.Now(), PriorityScore: 10_000_000,
	}
	require.NoError(t, db.DB().Create(low).Error)
	require.NoError(t, db.DB().Create(high).Error)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		got, err := db.HighestPriorityQueuedTx(tx, user.ID)
		if err != nil {
			return err
		}
		require.Equal(t, "BUSDT", got.Symbol)
		return nil
	}))
}

func TestCancelQueuedForScope(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "a@example.com")

	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := db.CancelQueuedForScope(tx, user.ID, "XUSDT", "binance", "1h", PositionSideLong, "exit signal")
		return err
	})
	require.True(t, IsNotFound(err))

	sig := &QueuedSignal{
		UserID: user.ID, Symbol: "XUSDT", Exchange: "binance", Timeframe: "1h",
		Side: PositionSideLong, Status: QueueStatusQueued, QueuedAt: time.Now(),
	}
	require.NoError(t, db.DB().Create(sig).Error)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		got, err := db.CancelQueuedForScope(tx, user.ID, "XUSDT", "binance", "1h", PositionSideLong, "exit signal")
		if err != nil {
			return err
		}
		require.Equal(t, QueueStatusCancelled, got.Status)
		require.Equal(t, "exit signal", got.RejectionReason)
		return nil
	}))

	depth, err := db.QueueDepth(user.ID)
	require.NoError(t, err)
	require.Zero(t, depth)
}

func TestRiskSettingsDefaults(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "a@example.com")

	settings, err := db.RiskSettingsFor(user.ID)
	require.NoError(t, err)
	require.True(t, settings.Enabled)
	require.Equal(t, 5, settings.MaxOpenPositionsGlobal)
	require.Equal(t, 3, settings.MaxWinnersToCombine)
	require.Equal(t, "after_all_dca_filled", settings.TimerStartCondition)

	settings.MaxOpenPositionsGlobal = 8
	require.NoError(t, db.SaveRiskSettings(settings))

	again, err := db.RiskSettingsFor(user.ID)
	require.NoError(t, err)
	require.Equal(t, 8, again.MaxOpenPositionsGlobal)
}

func TestUpsertDCAConfig(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "a@example.com")

	cfg := &DCAConfiguration{
		UserID: user.ID, Pair: "BTCUSDT", Timeframe: "1h", Exchange: "binance",
		LevelsJSON: `[{"gap_percent":"0","weight_percent":"100","tp_percent":"1"}]`,
		TPMode:     TPModePerLeg, MaxPyramids: 3,
		DefaultCapital: decimal.NewFromInt(1000),
	}
	require.NoError(t, db.UpsertDCAConfig(cfg))

	update := &DCAConfiguration{
		UserID: user.ID, Pair: "BTCUSDT", Timeframe: "1h", Exchange: "binance",
		LevelsJSON: cfg.LevelsJSON,
		TPMode:     TPModeAggregate, MaxPyramids: 5,
		DefaultCapital: decimal.NewFromInt(2000),
	}
	require.NoError(t, db.UpsertDCAConfig(update))

	got, err := db.DCAConfigFor(user.ID, "BTCUSDT", "1h", "binance")
	require.NoError(t, err)
	require.Equal(t, TPModeAggregate, got.TPMode)
	require.Equal(t, 5, got.MaxPyramids)

	var n int64
	require.NoError(t, db.DB().Model(&DCAConfiguration{}).Count(&n).Error)
	require.EqualValues(t, 1, n)
}

func TestClosingGroupsOlderThan(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "a@example.com")

	old := time.Now().Add(-20 * time.Minute)
	stale := &PositionGroup{
		UserID: user.ID, Symbol: "AUSDT", Exchange: "binance", Timeframe: "1h",
		Side: PositionSideLong, Status: GroupStatusClosing, ClosingStartedAt: &old,
	}
	recent := time.Now().Add(-1 * time.Minute)
	fresh := &PositionGroup{
		UserID: user.ID, Symbol: "BUSDT", Exchange: "binance", Timeframe: "1h",
		Side: PositionSideLong, Status: GroupStatusClosing, ClosingStartedAt: &recent,
	}
	require.NoError(t, db.DB().Create(stale).Error)
	require.NoError(t, db.DB().Create(fresh).Error)

	got, err := db.ClosingGroupsOlderThan(time.Now().Add(-10 * time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, stale.ID, got[0].ID)
}

func TestPyramidBySourceTrade(t *testing.T) {
	db := testDB(t)
	user := testUser(t, db, "a@example.com")

	group := &PositionGroup{
		UserID: user.ID, Symbol: "BTCUSDT", Exchange: "binance",
		Timeframe: "1h", Side: PositionSideLong, Status: GroupStatusActive,
	}
	require.NoError(t, db.DB().Create(group).Error)
	require.NoError(t, db.DB().Create(&Pyramid{
		GroupID: group.ID, PyramidIndex: 0, SourceTradeID: "t-100", Status: PyramidStatusFilled,
	}).Error)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		got, err := db.PyramidBySourceTrade(tx, group.ID, "t-100")
		if err != nil {
			return err
		}
		require.Equal(t, 0, got.PyramidIndex)

		_, err = db.PyramidBySourceTrade(tx, group.ID, "t-999")
		require.True(t, IsNotFound(err))
		return nil
	}))
}

func TestRetryableTxError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{gorm.ErrRecordNotFound, false},
		{errors.New("ERROR: deadlock detected (SQLSTATE 40P01)"), true},
		{errors.New("ERROR: could not serialize access (SQLSTATE 40001)"), true},
		{errors.New("database is locked"), true},
		{errors.New("UNIQUE constraint failed: position_groups.id"), false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, retryableTxError(tc.err), "err=%v", tc.err)
	}
}

func TestRiskActionWinnerIDs(t *testing.T) {
	a := &RiskAction{}
	require.Nil(t, a.WinnerGroupIDs())

	a.SetWinnerGroupIDs([]uint{4, 9})
	require.Equal(t, []uint{4, 9}, a.WinnerGroupIDs())
}
