package pool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/stratexbot/stratex/internal/database"
)

func testPool(t *testing.T) (*Pool, *database.Database, *database.User) {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	user := &database.User{Email: "a@example.com", Active: true}
	require.NoError(t, db.CreateUser(user))
	return New(db), db, user
}

func addGroup(t *testing.T, db *database.Database, userID uint, symbol, status string) *database.PositionGroup {
	t.Helper()
	g := &database.PositionGroup{
		UserID: userID, Symbol: symbol, Exchange: "binance",
		Timeframe: "1h", Side: database.PositionSideLong, Status: status,
	}
	require.NoError(t, db.DB().Create(g).Error)
	return g
}

func TestAcquireUntilFull(t *testing.T) {
	p, db, user := testPool(t)

	addGroup(t, db, user.ID, "AUSDT", database.GroupStatusActive)
	addGroup(t, db, user.ID, "BUSDT", database.GroupStatusWaiting)

	// Two of three slots used.
	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return p.AcquireInTx(tx, user.ID, 3)
	}))

	addGroup(t, db, user.ID, "CUSDT", database.GroupStatusClosing)
	err := db.Transaction(func(tx *gorm.DB) error {
		return p.AcquireInTx(tx, user.ID, 3)
	})
	require.ErrorIs(t, err, ErrNoSlot)
}

func TestTerminalGroupsFreeSlots(t *testing.T) {
	p, db, user := testPool(t)

	g := addGroup(t, db, user.ID, "AUSDT", database.GroupStatusActive)
	err := db.Transaction(func(tx *gorm.DB) error {
		return p.AcquireInTx(tx, user.ID, 1)
	})
	require.ErrorIs(t, err, ErrNoSlot)

	g.Status = database.GroupStatusClosed
	require.NoError(t, db.DB().Save(g).Error)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return p.AcquireInTx(tx, user.ID, 1)
	}))
}

func TestSlotsArePerUser(t *testing.T) {
	p, db, user := testPool(t)
	other := &database.User{Email: "b@example.com", Active: true}
	require.NoError(t, db.CreateUser(other))

	addGroup(t, db, user.ID, "AUSDT", database.GroupStatusActive)

	err := db.Transaction(func(tx *gorm.DB) error {
		return p.AcquireInTx(tx, user.ID, 1)
	})
	require.ErrorIs(t, err, ErrNoSlot)

	require.NoError(t, db.Transaction(func(tx *gorm.DB) error {
		return p.AcquireInTx(tx, other.ID, 1)
	}))
}

func TestZeroCapacityNeverAdmits(t *testing.T) {
	p, db, user := testPool(t)
	err := db.Transaction(func(tx *gorm.DB) error {
		return p.AcquireInTx(tx, user.ID, 0)
	})
	require.ErrorIs(t, err, ErrNoSlot)
}

func TestUsage(t *testing.T) {
	p, db, user := testPool(t)
	addGroup(t, db, user.ID, "AUSDT", database.GroupStatusActive)
	addGroup(t, db, user.ID, "BUSDT", database.GroupStatusClosed)

	used, err := p.Usage(user.ID)
	require.NoError(t, err)
	require.EqualValues(t, 1, used)
}
