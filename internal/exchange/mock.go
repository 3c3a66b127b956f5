package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stratexbot/stratex/internal/precision"
)

// MockGateway is the in-memory venue used by tests and paper trading.
// LIMIT orders rest until Fill is called (or fill instantly with AutoFill);
// MARKET orders fill at the current mock price.
type MockGateway struct {
	mu       sync.Mutex
	seq      int
	orders   map[string]*ExchangeOrder
	prices   map[string]decimal.Decimal
	balances map[string]Balance
	rules    map[string]precision.Rules
	feeRate  decimal.Decimal
	autoFill bool
	nextErr  error
}

// NewMock builds an empty mock venue with a 0.1% taker fee and a million
// USDT of play money.
func NewMock() *MockGateway {
	return &MockGateway{
		orders: make(map[string]*ExchangeOrder),
		prices: make(map[string]decimal.Decimal),
		balances: map[string]Balance{
			"USDT": {Asset: "USDT", Free: decimal.NewFromInt(1_000_000)},
		},
		rules:   make(map[string]precision.Rules),
		feeRate: decimal.RequireFromString("0.001"),
	}
}

func (m *MockGateway) Name() string { return "mock" }

// SetPrice pins the mock ticker for symbol.
func (m *MockGateway) SetPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[strings.ToUpper(symbol)] = price
}

// SetBalance pins the free balance for asset.
func (m *MockGateway) SetBalance(asset string, free decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[strings.ToUpper(asset)] = Balance{Asset: strings.ToUpper(asset), Free: free}
}

// SetRules pins the precision rules for symbol.
func (m *MockGateway) SetRules(symbol string, r precision.Rules) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[strings.ToUpper(symbol)] = r
}

// SetAutoFill makes every subsequent LIMIT order fill instantly at its
// limit price. Paper trading runs with this on.
func (m *MockGateway) SetAutoFill(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.autoFill = on
}

// FailNext injects err into the next PlaceOrder call.
func (m *MockGateway) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextErr = err
}

// Fill marks a resting order as fully filled at price (zero means the
// order's own limit price).
func (m *MockGateway) Fill(id string, price decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return newError(KindOrderNotFound, "mock", "", "order "+id+" not found", nil)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("order %s already %s", id, o.Status)
	}
	if price.IsZero() {
		price = o.Price
	}
	m.fillLocked(o, price)
	return nil
}

func (m *MockGateway) fillLocked(o *ExchangeOrder, price decimal.Decimal) {
	o.Status = StatusFilled
	o.FilledQty = o.Quantity
	o.AvgFillPrice = price
	o.QuoteVolume = o.Quantity.Mul(price)
	o.Fee = o.QuoteVolume.Mul(m.feeRate)
	o.FeeCurrency = "USDT"
	o.UpdatedAt = time.Now()
}

func (m *MockGateway) PlaceOrder(_ context.Context, req OrderRequest) (*ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextErr != nil {
		err := m.nextErr
		m.nextErr = nil
		return nil, err
	}

	symbol := strings.ToUpper(req.Symbol)
	price := req.Price
	if req.Type == TypeMarket {
		p, ok := m.prices[symbol]
		if !ok {
			if req.Price.IsZero() {
				return nil, newError(KindGeneric, "mock", "", "no mock price for "+symbol, nil)
			}
			p = req.Price
		}
		price = p
	}

	qty := req.Quantity
	if req.Type == TypeMarket && req.AmountType == AmountQuote {
		if price.IsZero() {
			return nil, newError(KindOrderValidation, "mock", "", "quote order needs a price", nil)
		}
		qty = req.QuoteAmount.Div(price)
	}

	if req.Side == SideBuy {
		needed := qty.Mul(price)
		if free := m.balances["USDT"].Free; needed.GreaterThan(free) {
			return nil, newError(KindInsufficientFunds, "mock", "", fmt.Sprintf("need %s USDT, have %s", needed, free), nil)
		}
	}

	m.seq++
	now := time.Now()
	order := &ExchangeOrder{
		ID:        fmt.Sprintf("mock-%d", m.seq),
		ClientID:  req.ClientID,
		Symbol:    symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    StatusNew,
		Price:     price,
		Quantity:  qty,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if req.Type == TypeMarket || m.autoFill {
		m.fillLocked(order, price)
	}
	m.orders[order.ID] = order

	out := *order
	return &out, nil
}

func (m *MockGateway) GetOrder(_ context.Context, id, _ string) (*ExchangeOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, newError(KindOrderNotFound, "mock", "", "order "+id+" not found", nil)
	}
	out := *o
	return &out, nil
}

func (m *MockGateway) CancelOrder(_ context.Context, id, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status.Terminal() {
		return newError(KindOrderNotFound, "mock", "", "order "+id+" not open", nil)
	}
	o.Status = StatusCanceled
	o.UpdatedAt = time.Now()
	return nil
}

func (m *MockGateway) GetPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[strings.ToUpper(symbol)]
	if !ok {
		return decimal.Zero, newError(KindGeneric, "mock", "", "no mock price for "+symbol, nil)
	}
	return p, nil
}

func (m *MockGateway) GetAllTickers(_ context.Context) (map[string]decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]decimal.Decimal, len(m.prices))
	for s, p := range m.prices {
		out[s] = p
	}
	return out, nil
}

func (m *MockGateway) FetchBalance(_ context.Context) (map[string]Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Balance, len(m.balances))
	for a, b := range m.balances {
		out[a] = b
	}
	return out, nil
}

func (m *MockGateway) FetchFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := m.FetchBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances[strings.ToUpper(asset)].Free, nil
}

func (m *MockGateway) TradingFeeRate(_ context.Context, _ string) (decimal.Decimal, error) {
	return m.feeRate, nil
}

func (m *MockGateway) PrecisionRules(_ context.Context) (map[string]precision.Rules, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]precision.Rules, len(m.rules))
	for s, r := range m.rules {
		out[s] = r
	}
	return out, nil
}

func (m *MockGateway) Close() error { return nil }

// OpenOrderIDs lists the ids of still-resting orders, oldest first.
func (m *MockGateway) OpenOrderIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0)
	for i := 1; i <= m.seq; i++ {
		id := fmt.Sprintf("mock-%d", i)
		if o, ok := m.orders[id]; ok && !o.Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}
