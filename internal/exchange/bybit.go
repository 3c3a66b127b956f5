package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/stratexbot/stratex/internal/precision"
)

const (
	bybitBaseURL    = "https://api.bybit.com"
	bybitRecvWindow = "5000"
)

// BybitGateway speaks Bybit v5 spot over signed REST.
type BybitGateway struct {
	apiKey    string
	apiSecret string
	client    *resty.Client
	limiter   *rate.Limiter
}

// NewBybit builds a spot connector against the v5 API.
func NewBybit(apiKey, apiSecret string) *BybitGateway {
	return &BybitGateway{
		apiKey:    apiKey,
		apiSecret: apiSecret,
		client:    resty.New().SetBaseURL(bybitBaseURL).SetTimeout(CallTimeout),
		limiter:   rate.NewLimiter(rate.Every(time.Second/10), 10),
	}
}

func (b *BybitGateway) Name() string { return "bybit" }

type bybitEnvelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// sign builds the v5 request signature:
// HMAC_SHA256(secret, timestamp + apiKey + recvWindow + payload).
func (b *BybitGateway) sign(timestamp, payload string) string {
	mac := hmac.New(sha256.New, []byte(b.apiSecret))
	mac.Write([]byte(timestamp + b.apiKey + bybitRecvWindow + payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (b *BybitGateway) get(ctx context.Context, path string, params url.Values, signed bool, out interface{}) error {
	ctx, cancel := callContext(ctx)
	defer cancel()
	if err := b.limiter.Wait(ctx); err != nil {
		return newError(KindConnection, "bybit", "", err.Error(), err)
	}

	query := params.Encode()
	req := b.client.R().SetContext(ctx).SetQueryString(query)
	if signed {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		req.SetHeaders(map[string]string{
			"X-BAPI-API-KEY":     b.apiKey,
			"X-BAPI-TIMESTAMP":   ts,
			"X-BAPI-RECV-WINDOW": bybitRecvWindow,
			"X-BAPI-SIGN":        b.sign(ts, query),
		})
	}

	resp, err := req.Get(path)
	if err != nil {
		return newError(KindConnection, "bybit", "", err.Error(), err)
	}
	return b.decode(resp.Body(), out)
}

func (b *BybitGateway) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	ctx, cancel := callContext(ctx)
	defer cancel()
	if err := b.limiter.Wait(ctx); err != nil {
		return newError(KindConnection, "bybit", "", err.Error(), err)
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode bybit request: %w", err)
	}
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)

	resp, err := b.client.R().
		SetContext(ctx).
		SetHeaders(map[string]string{
			"X-BAPI-API-KEY":     b.apiKey,
			"X-BAPI-TIMESTAMP":   ts,
			"X-BAPI-RECV-WINDOW": bybitRecvWindow,
			"X-BAPI-SIGN":        b.sign(ts, string(raw)),
			"Content-Type":       "application/json",
		}).
		SetBody(raw).
		Post(path)
	if err != nil {
		return newError(KindConnection, "bybit", "", err.Error(), err)
	}
	return b.decode(resp.Body(), out)
}

func (b *BybitGateway) decode(body []byte, out interface{}) error {
	var env bybitEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return newError(KindConnection, "bybit", "", "malformed response: "+err.Error(), err)
	}
	if env.RetCode != 0 {
		return mapBybitErr(env.RetCode, env.RetMsg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return newError(KindGeneric, "bybit", "", "malformed result: "+err.Error(), err)
	}
	return nil
}

func (b *BybitGateway) PlaceOrder(ctx context.Context, req OrderRequest) (*ExchangeOrder, error) {
	body := map[string]string{
		"category":  "spot",
		"symbol":    strings.ToUpper(req.Symbol),
		"side":      bybitSide(req.Side),
		"orderType": bybitType(req.Type),
	}
	switch {
	case req.Type == TypeLimit:
		body["qty"] = req.Quantity.String()
		body["price"] = req.Price.String()
		body["timeInForce"] = "GTC"
	case req.AmountType == AmountQuote:
		body["qty"] = req.QuoteAmount.String()
		body["marketUnit"] = "quoteCoin"
	default:
		body["qty"] = req.Quantity.String()
		body["marketUnit"] = "baseCoin"
	}
	if req.ClientID != "" {
		body["orderLinkId"] = req.ClientID
	}

	var result struct {
		OrderID     string `json:"orderId"`
		OrderLinkID string `json:"orderLinkId"`
	}
	if err := b.post(ctx, "/v5/order/create", body, &result); err != nil {
		return nil, err
	}

	// The create endpoint returns ids only; fills surface via GetOrder.
	now := time.Now()
	return &ExchangeOrder{
		ID:        result.OrderID,
		ClientID:  result.OrderLinkID,
		Symbol:    strings.ToUpper(req.Symbol),
		Side:      req.Side,
		Type:      req.Type,
		Status:    StatusNew,
		Price:     req.Price,
		Quantity:  req.Quantity,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

type bybitOrder struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	CumExecVal  string `json:"cumExecValue"`
	CumExecFee  string `json:"cumExecFee"`
	AvgPrice    string `json:"avgPrice"`
	CreatedTime string `json:"createdTime"`
	UpdatedTime string `json:"updatedTime"`
}

func (b *BybitGateway) GetOrder(ctx context.Context, id, symbol string) (*ExchangeOrder, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", strings.ToUpper(symbol))
	params.Set("orderId", id)

	var result struct {
		List []bybitOrder `json:"list"`
	}
	// Open orders live under realtime, settled ones under history.
	if err := b.get(ctx, "/v5/order/realtime", params, true, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		if err := b.get(ctx, "/v5/order/history", params, true, &result); err != nil {
			return nil, err
		}
	}
	if len(result.List) == 0 {
		return nil, newError(KindOrderNotFound, "bybit", "", "order "+id+" not found", nil)
	}
	return bybitToOrder(result.List[0]), nil
}

func bybitToOrder(o bybitOrder) *ExchangeOrder {
	order := &ExchangeOrder{
		ID:           o.OrderID,
		ClientID:     o.OrderLinkID,
		Symbol:       o.Symbol,
		Side:         SideBuy,
		Type:         TypeLimit,
		Status:       bybitStatus(o.OrderStatus),
		Price:        decOrZero(o.Price),
		Quantity:     decOrZero(o.Qty),
		FilledQty:    decOrZero(o.CumExecQty),
		QuoteVolume:  decOrZero(o.CumExecVal),
		Fee:          decOrZero(o.CumExecFee),
		AvgFillPrice: decOrZero(o.AvgPrice),
	}
	if strings.EqualFold(o.Side, "Sell") {
		order.Side = SideSell
	}
	if strings.EqualFold(o.OrderType, "Market") {
		order.Type = TypeMarket
	}
	if order.AvgFillPrice.IsZero() && order.FilledQty.IsPositive() {
		order.AvgFillPrice = order.QuoteVolume.Div(order.FilledQty)
	}
	if ms, err := strconv.ParseInt(o.CreatedTime, 10, 64); err == nil {
		order.CreatedAt = time.UnixMilli(ms)
	}
	if ms, err := strconv.ParseInt(o.UpdatedTime, 10, 64); err == nil {
		order.UpdatedAt = time.UnixMilli(ms)
	}
	return order
}

func (b *BybitGateway) CancelOrder(ctx context.Context, id, symbol string) error {
	body := map[string]string{
		"category": "spot",
		"symbol":   strings.ToUpper(symbol),
		"orderId":  id,
	}
	return b.post(ctx, "/v5/order/cancel", body, nil)
}

func (b *BybitGateway) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("symbol", strings.ToUpper(symbol))

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/market/tickers", params, false, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, newError(KindGeneric, "bybit", "", "no ticker for "+symbol, nil)
	}
	return decOrZero(result.List[0].LastPrice), nil
}

func (b *BybitGateway) GetAllTickers(ctx context.Context) (map[string]decimal.Decimal, error) {
	params := url.Values{}
	params.Set("category", "spot")

	var result struct {
		List []struct {
			Symbol    string `json:"symbol"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/market/tickers", params, false, &result); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(result.List))
	for _, t := range result.List {
		out[t.Symbol] = decOrZero(t.LastPrice)
	}
	return out, nil
}

func (b *BybitGateway) FetchBalance(ctx context.Context) (map[string]Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	var result struct {
		List []struct {
			Coin []struct {
				Coin          string `json:"coin"`
				WalletBalance string `json:"walletBalance"`
				Locked        string `json:"locked"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/account/wallet-balance", params, true, &result); err != nil {
		return nil, err
	}

	out := make(map[string]Balance)
	for _, acct := range result.List {
		for _, c := range acct.Coin {
			total, locked := decOrZero(c.WalletBalance), decOrZero(c.Locked)
			if total.IsZero() {
				continue
			}
			out[c.Coin] = Balance{Asset: c.Coin, Free: total.Sub(locked), Locked: locked}
		}
	}
	return out, nil
}

func (b *BybitGateway) FetchFreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	balances, err := b.FetchBalance(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return balances[strings.ToUpper(asset)].Free, nil
}

func (b *BybitGateway) TradingFeeRate(ctx context.Context, symbol string) (decimal.Decimal, error) {
	params := url.Values{}
	params.Set("category", "spot")
	if symbol != "" {
		params.Set("symbol", strings.ToUpper(symbol))
	}

	var result struct {
		List []struct {
			TakerFeeRate string `json:"takerFeeRate"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/account/fee-rate", params, true, &result); err != nil {
		return decimal.Zero, err
	}
	if len(result.List) == 0 {
		return decimal.Zero, newError(KindGeneric, "bybit", "", "no fee rate returned", nil)
	}
	return decOrZero(result.List[0].TakerFeeRate), nil
}

func (b *BybitGateway) PrecisionRules(ctx context.Context) (map[string]precision.Rules, error) {
	params := url.Values{}
	params.Set("category", "spot")
	params.Set("limit", "1000")

	var result struct {
		List []struct {
			Symbol        string `json:"symbol"`
			Status        string `json:"status"`
			LotSizeFilter struct {
				BasePrecision string `json:"basePrecision"`
				MinOrderQty   string `json:"minOrderQty"`
				MinOrderAmt   string `json:"minOrderAmt"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	if err := b.get(ctx, "/v5/market/instruments-info", params, false, &result); err != nil {
		return nil, err
	}

	rules := make(map[string]precision.Rules, len(result.List))
	for _, s := range result.List {
		if !strings.EqualFold(s.Status, "Trading") {
			continue
		}
		rules[s.Symbol] = precision.Rules{
			TickSize:    decOrZero(s.PriceFilter.TickSize),
			StepSize:    decOrZero(s.LotSizeFilter.BasePrecision),
			MinQty:      decOrZero(s.LotSizeFilter.MinOrderQty),
			MinNotional: decOrZero(s.LotSizeFilter.MinOrderAmt),
		}
	}
	return rules, nil
}

func (b *BybitGateway) Close() error { return nil }

func bybitSide(s OrderSide) string {
	if s == SideSell {
		return "Sell"
	}
	return "Buy"
}

func bybitType(t OrderType) string {
	if t == TypeMarket {
		return "Market"
	}
	return "Limit"
}

func bybitStatus(s string) OrderStatus {
	switch s {
	case "New", "Created", "Untriggered":
		return StatusNew
	case "PartiallyFilled":
		return StatusPartiallyFilled
	case "Filled":
		return StatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return StatusCanceled
	case "Rejected":
		return StatusRejected
	case "Deactivated":
		return StatusExpired
	default:
		return OrderStatus(s)
	}
}

// mapBybitErr folds v5 retCodes into the engine taxonomy.
func mapBybitErr(code int, msg string) error {
	c := strconv.Itoa(code)
	switch code {
	case 10003, 10004, 10005, 33004:
		return newError(KindInvalidCredentials, "bybit", c, msg, nil)
	case 10006, 10018:
		return newError(KindRateLimit, "bybit", c, msg, nil)
	case 110007, 170131:
		return newError(KindInsufficientFunds, "bybit", c, msg, nil)
	case 110001, 170213:
		return newError(KindOrderNotFound, "bybit", c, msg, nil)
	case 10001, 170130, 170136, 170140:
		return newError(KindOrderValidation, "bybit", c, msg, nil)
	default:
		return newError(KindGeneric, "bybit", c, msg, nil)
	}
}
