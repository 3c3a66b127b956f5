package exchange

import (
	"fmt"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapBinanceErr(t *testing.T) {
	cases := []struct {
		code int64
		msg  string
		kind ErrorKind
	}{
		{-2015, "Invalid API-key, IP, or permissions for action.", KindInvalidCredentials},
		{-2014, "API-key format invalid.", KindInvalidCredentials},
		{-2010, "Account has insufficient balance for requested action.", KindInsufficientFunds},
		{-2010, "Order would trigger immediately.", KindOrderValidation},
		{-2011, "Unknown order sent.", KindOrderNotFound},
		{-1013, "Filter failure: LOT_SIZE", KindOrderValidation},
		{-1111, "Precision is over the maximum defined for this asset.", KindOrderValidation},
		{-1003, "Too much request weight used.", KindRateLimit},
		{-1021, "Timestamp for this request is outside of the recvWindow.", KindConnection},
		{-9999, "something new", KindGeneric},
	}

	for _, tc := range cases {
		err := mapBinanceErr(&common.APIError{Code: tc.code, Message: tc.msg})
		var ee *Error
		require.ErrorAs(t, err, &ee, "code %d", tc.code)
		assert.Equal(t, tc.kind, ee.Kind, "code %d", tc.code)
		assert.Equal(t, "binance", ee.Exchange)
	}
}

func TestMapBinanceErrWrapsPlainErrors(t *testing.T) {
	err := mapBinanceErr(fmt.Errorf("dial tcp: connection refused"))
	assert.True(t, IsTransient(err))
	assert.True(t, IsKind(err, KindConnection))
}

func TestMapBybitErr(t *testing.T) {
	cases := []struct {
		code int
		kind ErrorKind
	}{
		{10003, KindInvalidCredentials},
		{10006, KindRateLimit},
		{110007, KindInsufficientFunds},
		{170131, KindInsufficientFunds},
		{110001, KindOrderNotFound},
		{170130, KindOrderValidation},
		{12345, KindGeneric},
	}
	for _, tc := range cases {
		err := mapBybitErr(tc.code, "msg")
		assert.True(t, IsKind(err, tc.kind), "code %d", tc.code)
	}
}

func TestErrorClassification(t *testing.T) {
	rate := newError(KindRateLimit, "binance", "-1003", "slow down", nil)
	assert.True(t, rate.Transient())
	assert.False(t, rate.Fatal())

	funds := newError(KindInsufficientFunds, "bybit", "110007", "broke", nil)
	assert.True(t, funds.Fatal())
	assert.False(t, funds.Transient())

	assert.True(t, IsNotFound(newError(KindOrderNotFound, "mock", "", "gone", nil)))
	assert.False(t, IsNotFound(funds))
}

func TestBybitSignature(t *testing.T) {
	g := &BybitGateway{apiKey: "api-key", apiSecret: "secret"}
	// HMAC_SHA256("secret", "1700000000000" + "api-key" + "5000" + "a=b")
	sig := g.sign("1700000000000", "a=b")
	assert.Len(t, sig, 64)
	// stable across calls
	assert.Equal(t, sig, g.sign("1700000000000", "a=b"))
	assert.NotEqual(t, sig, g.sign("1700000000001", "a=b"))
}

func TestBybitStatusMap(t *testing.T) {
	assert.Equal(t, StatusNew, bybitStatus("New"))
	assert.Equal(t, StatusPartiallyFilled, bybitStatus("PartiallyFilled"))
	assert.Equal(t, StatusFilled, bybitStatus("Filled"))
	assert.Equal(t, StatusCanceled, bybitStatus("Cancelled"))
	assert.Equal(t, StatusCanceled, bybitStatus("PartiallyFilledCanceled"))
	assert.True(t, bybitStatus("Filled").Terminal())
	assert.False(t, bybitStatus("New").Terminal())
}

func TestRulesFromFilters(t *testing.T) {
	filters := []map[string]interface{}{
		{"filterType": "PRICE_FILTER", "tickSize": "0.01"},
		{"filterType": "LOT_SIZE", "stepSize": "0.001", "minQty": "0.001"},
		{"filterType": "NOTIONAL", "minNotional": "5.0"},
	}
	r := rulesFromFilters(filters)
	assert.Equal(t, "0.01", r.TickSize.String())
	assert.Equal(t, "0.001", r.StepSize.String())
	assert.Equal(t, "0.001", r.MinQty.String())
	assert.Equal(t, "5", r.MinNotional.String())
	assert.True(t, r.Complete())

	// legacy spelling
	legacy := rulesFromFilters([]map[string]interface{}{
		{"filterType": "MIN_NOTIONAL", "notional": "10"},
	})
	assert.Equal(t, "10", legacy.MinNotional.String())
}
