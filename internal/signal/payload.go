package signal

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Intent types a webhook can carry. reduce and reverse both collapse to
// the exit path on spot: a reverse's re-entry leg would be a short.
const (
	IntentSignal  = "signal"
	IntentExit    = "exit"
	IntentReduce  = "reduce"
	IntentReverse = "reverse"
)

// TV is the TradingView alert block of the webhook body.
type TV struct {
	Exchange       string          `json:"exchange"`
	Symbol         string          `json:"symbol"`
	Timeframe      string          `json:"timeframe"`
	Action         string          `json:"action"`
	MarketPosition string          `json:"market_position"`
	Price          decimal.Decimal `json:"price"`
}

type StrategyInfo struct {
	Name    string `json:"name"`
	TradeID string `json:"trade_id"`
}

type Intent struct {
	Type string `json:"type"`
	Side string `json:"side"`
}

type RiskHints struct {
	MaxSlippagePercent decimal.Decimal `json:"max_slippage_percent"`
}

// Payload is one inbound webhook body.
type Payload struct {
	UserID       uint         `json:"user_id"`
	Secret       string       `json:"secret"`
	Source       string       `json:"source"`
	Timestamp    string       `json:"timestamp"`
	TV           TV           `json:"tv"`
	StrategyInfo StrategyInfo `json:"strategy_info"`
	Intent       Intent       `json:"execution_intent"`
	Risk         RiskHints    `json:"risk"`
}

// Parse decodes and normalizes a webhook body. Errors here mean the body
// is unusable and map to a schema-error response.
func Parse(body []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("decode webhook body: %w", err)
	}
	p.normalize()
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// normalize canonicalizes case and fills the intent when the alert only
// carries the TradingView action/market_position pair.
func (p *Payload) normalize() {
	p.TV.Exchange = strings.ToLower(strings.TrimSpace(p.TV.Exchange))
	p.TV.Symbol = strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(p.TV.Symbol), "/", ""))
	p.TV.Timeframe = strings.ToLower(strings.TrimSpace(p.TV.Timeframe))
	p.TV.Action = strings.ToLower(strings.TrimSpace(p.TV.Action))
	p.TV.MarketPosition = strings.ToLower(strings.TrimSpace(p.TV.MarketPosition))
	p.Intent.Type = strings.ToLower(strings.TrimSpace(p.Intent.Type))
	p.Intent.Side = strings.ToLower(strings.TrimSpace(p.Intent.Side))

	if p.Intent.Type == "" {
		// Plain strategy alerts: a sell that flattens the position is an
		// exit; everything else is an entry signal.
		if p.TV.Action == "sell" || p.TV.MarketPosition == "flat" {
			p.Intent.Type = IntentExit
		} else {
			p.Intent.Type = IntentSignal
		}
	}
	if p.Intent.Side == "" {
		switch {
		case p.TV.MarketPosition != "" && p.TV.MarketPosition != "flat":
			p.Intent.Side = p.TV.MarketPosition
		default:
			p.Intent.Side = "long"
		}
	}
}

func (p *Payload) validate() error {
	if p.TV.Exchange == "" {
		return fmt.Errorf("missing tv.exchange")
	}
	if p.TV.Symbol == "" {
		return fmt.Errorf("missing tv.symbol")
	}
	if p.TV.Timeframe == "" {
		return fmt.Errorf("missing tv.timeframe")
	}
	switch p.Intent.Type {
	case IntentSignal, IntentExit, IntentReduce, IntentReverse:
	default:
		return fmt.Errorf("unknown execution_intent.type %q", p.Intent.Type)
	}
	if p.TV.Price.IsNegative() {
		return fmt.Errorf("negative tv.price")
	}
	return nil
}

// IsExit reports whether this payload should close rather than open.
func (p *Payload) IsExit() bool {
	return p.Intent.Type == IntentExit || p.Intent.Type == IntentReduce || p.Intent.Type == IntentReverse
}

// WantsShort reports a short entry, which spot trading cannot hold.
func (p *Payload) WantsShort() bool {
	if p.IsExit() {
		return false
	}
	return p.Intent.Side == "short" || p.Intent.Side == "sell" ||
		p.TV.Action == "sell" || p.TV.MarketPosition == "short"
}
