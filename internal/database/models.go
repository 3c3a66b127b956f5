package database

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratexbot/stratex/internal/grid"
)

// PositionGroup statuses. Terminal: closed, failed.
const (
	GroupStatusWaiting         = "waiting"
	GroupStatusPartiallyFilled = "partially_filled"
	GroupStatusActive          = "active"
	GroupStatusClosing         = "closing"
	GroupStatusClosed          = "closed"
	GroupStatusFailed          = "failed"
)

// NonTerminalGroupStatuses are the states that hold an execution-pool slot.
var NonTerminalGroupStatuses = []string{
	GroupStatusWaiting,
	GroupStatusPartiallyFilled,
	GroupStatusActive,
	GroupStatusClosing,
}

// DCAOrder statuses.
const (
	OrderStatusPending         = "pending"
	OrderStatusOpen            = "open"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusFailed          = "failed"
	OrderStatusTriggerPending  = "trigger_pending"
)

// Order sides and the one position side this engine trades.
const (
	OrderSideBuy     = "buy"
	OrderSideSell    = "sell"
	PositionSideLong = "long"
)

// Take-profit modes.
const (
	TPModePerLeg           = "per_leg"
	TPModeAggregate        = "aggregate"
	TPModeHybrid           = "hybrid"
	TPModePyramidAggregate = "pyramid_aggregate"
)

// QueuedSignal statuses.
const (
	QueueStatusQueued    = "queued"
	QueueStatusPromoted  = "promoted"
	QueueStatusCancelled = "cancelled"
	QueueStatusRejected  = "rejected"
)

// Pyramid statuses.
const (
	PyramidStatusPending = "pending"
	PyramidStatusFilled  = "filled"
	PyramidStatusClosed  = "closed"
)

// RiskAction types.
const (
	RiskActionHedgeClose   = "hedge_close"
	RiskActionPartialClose = "partial_close"
	RiskActionFullClose    = "full_close"
	RiskActionManualClose  = "manual_close"
	RiskActionEngineClose  = "engine_close"
	RiskActionTPHit        = "tp_hit"
)

// Risk timer start conditions.
const (
	TimerAfterAllDCAFilled = "after_all_dca_filled"
	TimerImmediate         = "immediate"
)

// SyntheticExitLegIndex marks DCAOrder rows that record an exit fill
// rather than a planned entry leg.
const SyntheticExitLegIndex = 999

// User is one webhook principal with its notification targets.
type User struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	Email          string `gorm:"uniqueIndex"`
	WebhookSecret  string
	SecureSignals  bool `gorm:"default:true"`
	TelegramChatID int64
	Active         bool `gorm:"default:true"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ExchangeCredential stores one encrypted API key pair per (user, exchange).
type ExchangeCredential struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement"`
	UserID             uint   `gorm:"index;uniqueIndex:idx_cred_user_exchange"`
	Exchange           string `gorm:"uniqueIndex:idx_cred_user_exchange"`
	APIKeyEncrypted    string
	APISecretEncrypted string
	Paper              bool `gorm:"default:false"`
	Enabled            bool `gorm:"default:true"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RiskSettings is the per-user risk engine configuration.
type RiskSettings struct {
	UserID                  uint `gorm:"primaryKey"`
	Enabled                 bool `gorm:"default:true"`
	MaxOpenPositionsGlobal  int  `gorm:"default:5"`
	TimerStartCondition     string          `gorm:"default:after_all_dca_filled"`
	PostFullWaitMinutes     int             `gorm:"default:60"`
	LossThresholdPercent    decimal.Decimal `gorm:"type:decimal(10,4);default:-2.0"`
	MaxWinnersToCombine     int             `gorm:"default:3"`
	PartialCloseEnabled     bool            `gorm:"default:true"`
	MinCloseNotional        decimal.Decimal `gorm:"type:decimal(20,6);default:10"`
	UseTradeAgeFilter       bool            `gorm:"default:false"`
	AgeThresholdMinutes     int             `gorm:"default:60"`
	RequireFullPyramids     bool            `gorm:"default:false"`
	ResetTimerOnReplacement bool            `gorm:"default:true"`
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// DCAConfiguration is the grid template for one (user, pair, timeframe,
// exchange). Level lists are stored as JSON snapshots.
type DCAConfiguration struct {
	ID                 uint   `gorm:"primaryKey;autoIncrement"`
	UserID             uint   `gorm:"index;uniqueIndex:idx_dca_user_pair_tf_ex"`
	Pair               string `gorm:"uniqueIndex:idx_dca_user_pair_tf_ex"`
	Timeframe          string `gorm:"uniqueIndex:idx_dca_user_pair_tf_ex"`
	Exchange           string `gorm:"uniqueIndex:idx_dca_user_pair_tf_ex"`
	LevelsJSON         string
	TPMode             string          `gorm:"default:per_leg"`
	TPAggregatePercent decimal.Decimal `gorm:"type:decimal(10,4);default:1.0"`
	MaxPyramids        int             `gorm:"default:3"`
	DefaultCapital     decimal.Decimal `gorm:"type:decimal(20,6);default:1000"`
	PyramidLevelsJSON  string // optional per-pyramid level overrides, map[index][]level
	PyramidCapitalJSON string // optional per-pyramid capital, map[index]capital
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Levels decodes the configured DCA rungs.
func (c *DCAConfiguration) Levels() ([]grid.Level, error) {
	var levels []grid.Level
	if err := json.Unmarshal([]byte(c.LevelsJSON), &levels); err != nil {
		return nil, err
	}
	return levels, nil
}

// SetLevels encodes the configured DCA rungs.
func (c *DCAConfiguration) SetLevels(levels []grid.Level) error {
	raw, err := json.Marshal(levels)
	if err != nil {
		return err
	}
	c.LevelsJSON = string(raw)
	return nil
}

// LevelsForPyramid returns the override rungs for one pyramid index, or the
// shared rungs when no override exists.
func (c *DCAConfiguration) LevelsForPyramid(index int) ([]grid.Level, error) {
	if c.PyramidLevelsJSON != "" {
		var overrides map[int][]grid.Level
		if err := json.Unmarshal([]byte(c.PyramidLevelsJSON), &overrides); err != nil {
			return nil, err
		}
		if levels, ok := overrides[index]; ok && len(levels) > 0 {
			return levels, nil
		}
	}
	return c.Levels()
}

// CapitalForPyramid returns the capital committed to one pyramid index.
func (c *DCAConfiguration) CapitalForPyramid(index int) decimal.Decimal {
	if c.PyramidCapitalJSON != "" {
		var overrides map[int]decimal.Decimal
		if err := json.Unmarshal([]byte(c.PyramidCapitalJSON), &overrides); err == nil {
			if capital, ok := overrides[index]; ok && capital.IsPositive() {
				return capital
			}
		}
	}
	return c.DefaultCapital
}

// PositionGroup is the atomic tradable unit for one
// (user, symbol, timeframe, side, exchange).
type PositionGroup struct {
	ID     uint   `gorm:"primaryKey;autoIncrement"`
	UserID uint   `gorm:"index:idx_groups_user_status"`
	Status string `gorm:"index:idx_groups_user_status"`

	Symbol    string
	Exchange  string
	Timeframe string
	Side      string `gorm:"default:long"`

	PyramidCount  int
	MaxPyramids   int
	TotalDCALegs  int
	FilledDCALegs int

	BaseEntryPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	WeightedAvgEntry decimal.Decimal `gorm:"type:decimal(20,8)"`

	TotalInvestedUSD     decimal.Decimal `gorm:"type:decimal(20,6)"`
	TotalFilledQuantity  decimal.Decimal `gorm:"type:decimal(30,15)"`
	UnrealizedPnLUSD     decimal.Decimal `gorm:"type:decimal(20,6)"`
	UnrealizedPnLPercent decimal.Decimal `gorm:"type:decimal(10,4)"`
	RealizedPnLUSD       decimal.Decimal `gorm:"type:decimal(20,6)"`
	TotalEntryFeesUSD    decimal.Decimal `gorm:"type:decimal(20,8)"`
	TotalExitFeesUSD     decimal.Decimal `gorm:"type:decimal(20,8)"`
	TotalHedgedQty       decimal.Decimal `gorm:"type:decimal(30,15)"`
	TotalHedgedValueUSD  decimal.Decimal `gorm:"type:decimal(20,6)"`

	TPMode               string          `gorm:"default:per_leg"`
	TPAggregatePercent   decimal.Decimal `gorm:"type:decimal(10,4)"`
	AggregateTPOrderID   string
	AggregateTPPrice     decimal.Decimal `gorm:"type:decimal(20,8)"`

	RiskTimerStart   *time.Time
	RiskTimerExpires *time.Time
	RiskEligible     bool `gorm:"default:true"`
	RiskBlocked      bool `gorm:"default:false"`
	RiskSkipOnce     bool `gorm:"default:false"`

	ClosingStartedAt *time.Time
	ClosedAt         *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Pyramids []Pyramid  `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE"`
	Orders   []DCAOrder `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE"`
}

// Terminal reports whether the group can no longer change.
func (g *PositionGroup) Terminal() bool {
	return g.Status == GroupStatusClosed || g.Status == GroupStatusFailed
}

// Pyramid is one stacked DCA plan inside a position group.
type Pyramid struct {
	ID           uint `gorm:"primaryKey;autoIncrement"`
	GroupID      uint `gorm:"index"`
	PyramidIndex int

	EntryPrice    decimal.Decimal `gorm:"type:decimal(20,8)"`
	Status        string          `gorm:"default:pending"` // pending, filled, closed
	SourceTradeID string          `gorm:"index"`
	DCAConfigJSON string          // level snapshot used for this pyramid

	TPOrderID string
	TPPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`

	ClosedAt       *time.Time
	ExitPrice      decimal.Decimal `gorm:"type:decimal(20,8)"`
	RealizedPnLUSD decimal.Decimal `gorm:"type:decimal(20,6)"`
	TotalQuantity  decimal.Decimal `gorm:"type:decimal(30,15)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DCAOrder is one order leg. Entry legs are buys; exits are sells.
// LegIndex 999 marks synthetic rows recording an exit fill.
type DCAOrder struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	GroupID   uint   `gorm:"index:idx_orders_group_status"`
	PyramidID uint   `gorm:"index"`
	UserID    uint   `gorm:"index"`
	Exchange  string
	Symbol    string

	LegIndex  int
	Side      string // buy, sell
	OrderType string // LIMIT, MARKET
	Status    string `gorm:"index:idx_orders_group_status"`

	Price          decimal.Decimal `gorm:"type:decimal(20,8)"`
	Quantity       decimal.Decimal `gorm:"type:decimal(30,15)"`
	QuoteAmount    decimal.Decimal `gorm:"type:decimal(20,6)"`
	FilledQuantity decimal.Decimal `gorm:"type:decimal(30,15)"`
	AvgFillPrice   decimal.Decimal `gorm:"type:decimal(20,8)"`
	Fee            decimal.Decimal `gorm:"type:decimal(20,8)"`
	FeeCurrency    string

	TPPercent    decimal.Decimal `gorm:"type:decimal(10,4)"`
	TPPrice      decimal.Decimal `gorm:"type:decimal(20,8)"`
	TPOrderID    string          `gorm:"index"`
	TPHit        bool            `gorm:"default:false"`
	TPExecutedAt *time.Time

	ExchangeOrderID string `gorm:"index"`
	ClientOrderID   string
	ErrorMessage    string

	SubmittedAt *time.Time
	FilledAt    *time.Time
	CancelledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// QueuedSignal is an admitted entry waiting for an execution-pool slot.
type QueuedSignal struct {
	ID     uint   `gorm:"primaryKey;autoIncrement"`
	UserID uint   `gorm:"index:idx_queue_user_status"`
	Status string `gorm:"index:idx_queue_user_status;default:queued"`

	Exchange  string
	Symbol    string
	Timeframe string
	Side      string `gorm:"default:long"`

	EntryPrice decimal.Decimal `gorm:"type:decimal(20,8)"`
	Payload    string          // raw webhook body
	TradeID    string

	QueuedAt              time.Time
	ReplacementCount      int
	PriorityScore         float64 `gorm:"index"`
	IsPyramidContinuation bool
	CurrentLossPercent    decimal.Decimal `gorm:"type:decimal(10,4)"`
	PriorityExplanation   string

	PromotedAt      *time.Time
	RejectionReason string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RiskAction is the audit row for every engine- or operator-driven close.
type RiskAction struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	UserID       uint   `gorm:"index"`
	ActionType   string `gorm:"index"`
	LoserGroupID uint   `gorm:"index"`
	WinnerIDs    string // JSON array of group ids

	Symbol          string
	Quantity        decimal.Decimal `gorm:"type:decimal(30,15)"`
	Price           decimal.Decimal `gorm:"type:decimal(20,8)"`
	NotionalUSD     decimal.Decimal `gorm:"type:decimal(20,6)"`
	PnLUSD          decimal.Decimal `gorm:"type:decimal(20,6)"`
	DurationSeconds int64
	Success         bool `gorm:"default:true"`
	ErrorMessage    string
	CreatedAt       time.Time
}

// SetWinnerGroupIDs encodes the winner group list.
func (a *RiskAction) SetWinnerGroupIDs(ids []uint) {
	raw, err := json.Marshal(ids)
	if err != nil {
		return
	}
	a.WinnerIDs = string(raw)
}

// WinnerGroupIDs decodes the winner group list.
func (a *RiskAction) WinnerGroupIDs() []uint {
	if a.WinnerIDs == "" {
		return nil
	}
	var ids []uint
	if err := json.Unmarshal([]byte(a.WinnerIDs), &ids); err != nil {
		return nil
	}
	return ids
}
