package exchange

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/stratexbot/stratex/internal/precision"
)

// BinanceGateway speaks Binance spot through the official REST API.
type BinanceGateway struct {
	client  *binance.Client
	limiter *rate.Limiter
}

// NewBinance builds a spot connector. Empty credentials still serve the
// public endpoints (tickers, exchange info).
func NewBinance(apiKey, apiSecret string) *BinanceGateway {
	client := binance.NewClient(apiKey, apiSecret)
	client.HTTPClient = &http.Client{Timeout: CallTimeout}
	return &BinanceGateway{
		client:  client,
		limiter: rate.NewLimiter(rate.Every(time.Second/10), 10),
	}
}

func (b *BinanceGateway) Name() string { return "binance" }

func (b *BinanceGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*ExchangeOrder, error) {
	ctx, cancel := callContext(ctx)
	defer cancel()
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, mapBinanceErr(err)
	}

	svc := b.client.NewCreateOrderService().
		Symbol(strings.ToUpper(req.Symbol)).
		Side(binanceSide(req.Side)).
		Type(binanceType(req.Type))

	switch {
	case req.Type == TypeLimit:
		svc.TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.Price.String()).
			Quantity(req.Quantity.String())
	case req.AmountType == AmountQuote:
		svc.QuoteOrderQty(req.QuoteAmount.String())
	default:
		svc.Quantity(req.Quantity.String())
	}
	if req.ClientID != "" {
		svc.NewClientOrderID(req.ClientID)
	}

	res, err := svc.Do(ctx)
	if err != nil {
		return nil, mapBinanceErr(err)
	}

	order := &ExchangeOrder{
		ID:        strconv.FormatInt(res.OrderID, 10),
		ClientID:  res.ClientOrderID,
		Symbol:    res.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Status:    binanceStatus(res.Status),
		Price:     decOrZero(res.Price),
		Quantity:  decOrZero(res.OrigQuantity),
		FilledQty: decOrZero(res.ExecutedQuantity),
		CreatedAt: time.UnixMilli(res.TransactTime),
		UpdatedAt: time.UnixMilli(res.TransactTime),
	}
	order.QuoteVolume = decOrZero(res.CummulativeQuoteQuantity)
	if order.FilledQty.IsPositive() {
		order.AvgFillPrice = order.QuoteVolume.Div(order.FilledQty)
	}
	for _, f := range res.Fills {
		order.Fee = order.Fee.Add(decOrZero(f.Commission))
		if order.FeeCurrency == "" {
			order.FeeCurrency = f.CommissionAsset
		}
	}
	return order, nil
}

func (b *BinanceGateway) GetOrder(ctx context.Context, id, symbol string) (*ExchangeOrder, error) {
	ctx, cancel := callContext(ctx)
	defer cancel()
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, mapBinanceErr(err)
	}

	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, newError(KindOrderValidation, "binance", "", "order id must be numeric: "+id, err)
	}

	res, err := b.client.NewGetOrderService().
		Symbol(strings.ToUpper(symbol)).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return nil, mapBinanceErr(err)
	}

	order := &ExchangeOrder{
		ID:          strconv.FormatInt(res.OrderID, 10),
		ClientID:    res.ClientOrderID,
		Symbol:      res.Symbol,
		Side:        sideFromBinance(res.Side),
		Type:        typeFromBinance(res.Type),
		Status:      binanceStatus(res.Status),
		Price:       decOrZero(res.Price),
		Quantity:    decOrZero(res.OrigQuantity),
		FilledQty:   decOrZero(res.ExecutedQuantity),
		QuoteVolume: decOrZero(res.CummulativeQuoteQuantity),
		CreatedAt:   time.UnixMilli(res.Time),
		UpdatedAt:   time.UnixMilli(res.UpdateTime),
	}
	if order.FilledQty.IsPositive() {
		order.AvgFillPrice = order.QuoteVolume.Div(order.FilledQty)
	}
	return order, nil
}

func (b *BinanceGateway) CancelOrder(ctx context.Context, id, symbol string) error {
	ctx, cancel := callContext(ctx)
	defer cancel()
	if err := b.limiter.Wait(ctx); err != nil {
		return mapBinanceErr(err)
	}

	orderID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return newError(KindOrderValidation, "binance", "", "order id must be numeric: "+id, err)
	}
	_, err = b.client.NewCancelOrderService().
		Symbol(strings.ToUpper(symbol)).
		OrderID(orderID).
		Do(ctx)
	if err != nil {
		return mapBinanceErr(err)
	}
	return nil
}

func (b *BinanceGateway) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := callContext(ctx)
	defer cancel()
	if err := b.limiter.Wait(ctx); err != nil {
		return decimal.Zero, mapBinanceErr(err)
	}

	prices, err := b.client.NewListPricesService().Symbol(strings.ToUpper(symbol)).Do(ctx)
	if err != nil {
		return decimal.Zero, mapBinanceErr(err)
	}
	if len(prices) == 0 {
		return decimal.Zero, newError(KindGeneric, "binance", "", "no ticker for "+symbol, nil)
	}
	return decOrZero(prices[0].Price), nil
}

func (b *BinanceGateway) GetAllTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	ctx, cancel := callContext(ctx)
	defer cancel()
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, mapBinanceErr(err)
	}

	prices, err := b.client.NewListPricesService().Do(ctx)
	if err != nil {
		return nil, mapBinanceErr(err)
	}
	out := make(map[string]decimal.Decimal, len(prices))
	for _, p := range prices {
		out[p.Symbol] = decOrZero(p.Price)
	}
	return out, nil
}

func (b *BinanceGateway) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	ctx, cancel := callContext(ctx)
	defer cancel()
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, mapBinanceErr(err)
	}

	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, mapBinanceErr(err)
	}
	out := make(map[string]Balance, len(acct.Balances))
	for _, bal := range acct.Balances {
		free, locked := decOrZero(bal.Free), decOrZero(bal.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out[bal.Asset] = Balance{Asset: bal.Asset, Free: free, Locked: locked}
	}
	return out, nil
}

func (b *BinanceGateway) FetchFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := b.FetchBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances[strings.ToUpper(asset)].Free, nil
}

func (b *BinanceGateway) TradingFeeRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	ctx, cancel := callContext(ctx)
	defer cancel()
	if err := b.limiter.Wait(ctx); err != nil {
		return decimal.Zero, mapBinanceErr(err)
	}

	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, mapBinanceErr(err)
	}
	// TakerCommission is reported in basis points.
	return decimal.NewFromInt(acct.TakerCommission).Div(decimal.NewFromInt(10000)), nil
}

func (b *BinanceGateway) PrecisionRules(ctx context.Context) (map[string]precision.Rules, error) {
	ctx, cancel := callContext(ctx)
	defer cancel()
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, mapBinanceErr(err)
	}

	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, mapBinanceErr(err)
	}

	rules := make(map[string]precision.Rules, len(info.Symbols))
	for _, sym := range info.Symbols {
		if sym.Status != "TRADING" {
			continue
		}
		rules[sym.Symbol] = rulesFromFilters(sym.Filters)
	}
	return rules, nil
}

func (b *BinanceGateway) Close() error { return nil }

// rulesFromFilters digs the four limits out of the raw filter maps. The
// filter schema drifts across API versions (NOTIONAL vs MIN_NOTIONAL), so
// both spellings are accepted.
func rulesFromFilters(filters []map[string]interface{}) precision.Rules {
	var r precision.Rules
	for _, f := range filters {
		switch f["filterType"] {
		case "PRICE_FILTER":
			r.TickSize = decFromFilter(f, "tickSize")
		case "LOT_SIZE":
			r.StepSize = decFromFilter(f, "stepSize")
			r.MinQty = decFromFilter(f, "minQty")
		case "NOTIONAL", "MIN_NOTIONAL":
			if v := decFromFilter(f, "minNotional"); v.IsPositive() {
				r.MinNotional = v
			} else {
				r.MinNotional = decFromFilter(f, "notional")
			}
		}
	}
	return r
}

func decFromFilter(f map[string]interface{}, key string) decimal.Decimal {
	s, ok := f[key].(string)
	if !ok {
		return decimal.Zero
	}
	return decOrZero(s)
}

func decOrZero(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func binanceSide(s OrderSide) binance.SideType {
	if s == SideSell {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func sideFromBinance(s binance.SideType) OrderSide {
	if s == binance.SideTypeSell {
		return SideSell
	}
	return SideBuy
}

func binanceType(t OrderType) binance.OrderType {
	if t == TypeMarket {
		return binance.OrderTypeMarket
	}
	return binance.OrderTypeLimit
}

func typeFromBinance(t binance.OrderType) OrderType {
	if t == binance.OrderTypeMarket {
		return TypeMarket
	}
	return TypeLimit
}

func binanceStatus(s binance.OrderStatusType) OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return StatusNew
	case binance.OrderStatusTypePartiallyFilled:
		return StatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return StatusFilled
	case binance.OrderStatusTypeCanceled:
		return StatusCanceled
	case binance.OrderStatusTypeRejected:
		return StatusRejected
	case binance.OrderStatusTypeExpired:
		return StatusExpired
	default:
		return OrderStatus(s)
	}
}

// mapBinanceErr folds vendor errors into the engine taxonomy.
func mapBinanceErr(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		code := strconv.FormatInt(apiErr.Code, 10)
		switch apiErr.Code {
		case -2014, -2015, -1022:
			return newError(KindInvalidCredentials, "binance", code, apiErr.Message, err)
		case -2010:
			if strings.Contains(strings.ToLower(apiErr.Message), "insufficient") {
				return newError(KindInsufficientFunds, "binance", code, apiErr.Message, err)
			}
			return newError(KindOrderValidation, "binance", code, apiErr.Message, err)
		case -2011:
			return newError(KindOrderNotFound, "binance", code, apiErr.Message, err)
		case -1013, -1100, -1102, -1111, -1121:
			return newError(KindOrderValidation, "binance", code, apiErr.Message, err)
		case -1003, -1015:
			return newError(KindRateLimit, "binance", code, apiErr.Message, err)
		case -1021:
			return newError(KindConnection, "binance", code, apiErr.Message, err)
		default:
			return newError(KindGeneric, "binance", code, apiErr.Message, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(KindConnection, "binance", "", err.Error(), err)
	}
	return newError(KindConnection, "binance", "", err.Error(), err)
}
