package exchange

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/stratexbot/stratex/internal/precision"
)

// Credentials are the decrypted API keys for one (user, exchange) account.
type Credentials struct {
	APIKey    string
	APISecret string
	Paper     bool
}

// CredentialSource resolves the stored credentials for a user account.
type CredentialSource func(ctx context.Context, userID uint, exchange string) (Credentials, error)

// Factory hands out gateways per (user, exchange). Real connectors are
// cheap and built per call; paper venues persist so resting mock orders
// survive between monitor iterations.
type Factory struct {
	creds CredentialSource

	mu     sync.Mutex
	papers map[string]*MockGateway
}

// NewFactory builds a gateway factory over a credential source.
func NewFactory(creds CredentialSource) *Factory {
	return &Factory{
		creds:  creds,
		papers: make(map[string]*MockGateway),
	}
}

// Gateway resolves one connector for the user's account on exchange.
func (f *Factory) Gateway(ctx context.Context, userID uint, exchange string) (Gateway, error) {
	name := strings.ToLower(exchange)
	if name == "mock" {
		return f.paperVenue(userID, name), nil
	}

	creds, err := f.creds(ctx, userID, exchange)
	if err != nil {
		return nil, newError(KindInvalidCredentials, name, "", fmt.Sprintf("no usable credentials for user %d", userID), err)
	}
	if creds.Paper {
		return f.paperVenue(userID, name), nil
	}

	switch name {
	case "binance":
		return NewBinance(creds.APIKey, creds.APISecret), nil
	case "bybit":
		return NewBybit(creds.APIKey, creds.APISecret), nil
	default:
		return nil, newError(KindGeneric, name, "", "unsupported exchange", nil)
	}
}

// PaperVenue exposes the persistent mock for one user account, creating it
// on first use. Tests drive fills through it.
func (f *Factory) PaperVenue(userID uint, exchange string) *MockGateway {
	return f.paperVenue(userID, strings.ToLower(exchange))
}

func (f *Factory) paperVenue(userID uint, name string) *MockGateway {
	key := fmt.Sprintf("%d:%s", userID, name)

	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.papers[key]; ok {
		return m
	}
	m := NewMock()
	m.SetAutoFill(false)
	f.papers[key] = m
	return m
}

// PublicRules returns an unauthenticated precision fetcher for exchange,
// for the rule caches that serve every user.
func (f *Factory) PublicRules(exchange string) (precision.FetchFunc, error) {
	switch strings.ToLower(exchange) {
	case "binance":
		return NewBinance("", "").PrecisionRules, nil
	case "bybit":
		return NewBybit("", "").PrecisionRules, nil
	case "mock":
		return func(context.Context) (map[string]precision.Rules, error) {
			return map[string]precision.Rules{}, nil
		}, nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", exchange)
	}
}
