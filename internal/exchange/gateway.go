package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratexbot/stratex/internal/precision"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE GATEWAY - One capability set over every venue
// ═══════════════════════════════════════════════════════════════════════════════
//
// Everything above this package speaks OrderRequest/ExchangeOrder and the
// error taxonomy in errors.go. Vendor SDKs, signing, and status strings
// stay below this line.
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// AmountType says whether Quantity is denominated in base or quote units.
type AmountType string

const (
	AmountBase  AmountType = "base"
	AmountQuote AmountType = "quote"
)

// OrderStatus is the normalized exchange-side order state.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the status can no longer change.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// OrderRequest describes one order to submit.
type OrderRequest struct {
	Symbol      string
	Type        OrderType
	Side        OrderSide
	Quantity    decimal.Decimal // base units, used when AmountType is base
	QuoteAmount decimal.Decimal // quote units, used when AmountType is quote
	Price       decimal.Decimal // required for LIMIT
	AmountType  AmountType
	ClientID    string // caller-chosen idempotency tag
}

// ExchangeOrder is the normalized view of an order on the venue.
type ExchangeOrder struct {
	ID           string
	ClientID     string
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Status       OrderStatus
	Price        decimal.Decimal
	Quantity     decimal.Decimal
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	QuoteVolume  decimal.Decimal // cumulative quote turned over
	Fee          decimal.Decimal
	FeeCurrency  string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Balance is one asset's wallet state.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Gateway is the uniform capability set over one exchange account.
// Implementations are safe for use by a single goroutine per instance;
// create one per (user, exchange) and Close it when done.
type Gateway interface {
	Name() string

	PlaceOrder(ctx context.Context, req OrderRequest) (*ExchangeOrder, error)
	GetOrder(ctx context.Context, id, symbol string) (*ExchangeOrder, error)
	CancelOrder(ctx context.Context, id, symbol string) error

	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetAllTickers(ctx context.Context) (map[string]decimal.Decimal, error)

	FetchBalance(ctx context.Context) (map[string]Balance, error)
	FetchFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	TradingFeeRate(ctx context.Context, symbol string) (decimal.Decimal, error)

	PrecisionRules(ctx context.Context) (map[string]precision.Rules, error)

	Close() error
}

// CallTimeout bounds a single vendor call when the caller's context has no
// earlier deadline.
const CallTimeout = 60 * time.Second

func callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, CallTimeout)
}
