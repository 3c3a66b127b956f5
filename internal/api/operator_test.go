package api

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratexbot/stratex/internal/database"
)

func TestPositionListAndGet(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/api/v1/positions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(0), decode(t, w)["count"])

	e.list(t, "BTCUSDT")
	group := e.open(t, "BTCUSDT")

	w = e.do(t, http.MethodGet, "/api/v1/positions", nil)
	require.Equal(t, float64(1), decode(t, w)["count"])

	w = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/positions?user_id=%d", e.user.ID), nil)
	require.Equal(t, float64(1), decode(t, w)["count"])

	w = e.do(t, http.MethodGet, "/api/v1/positions?user_id=777", nil)
	require.Equal(t, float64(0), decode(t, w)["count"])

	w = e.do(t, http.MethodGet, "/api/v1/positions?status=closed", nil)
	require.Equal(t, float64(0), decode(t, w)["count"])

	w = e.do(t, http.MethodGet, "/api/v1/positions?status=sideways", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/positions/%d", group.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, "BTCUSDT", body["Symbol"])
	require.Len(t, body["Orders"], 1)
	require.Len(t, body["Pyramids"], 1)

	w = e.do(t, http.MethodGet, "/api/v1/positions/9999", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPositionCloseEndpoint(t *testing.T) {
	e := newEnv(t)
	e.list(t, "BTCUSDT")
	group := e.open(t, "BTCUSDT")
	e.fillLegs(t, group.ID)
	e.venue.SetPrice("BTCUSDT", d("101"))

	w := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/positions/%d/close", group.ID),
		map[string]any{"reason": "rebalancing"})
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	require.Equal(t, "closed", body["status"])
	require.Equal(t, "10", body["quantity"])
	// Sell 10 at 101 against a 100 average, minus the 1.01 exit fee.
	require.Equal(t, "8.99", body["pnl_usd"])

	fresh, err := e.db.GroupByID(group.ID)
	require.NoError(t, err)
	require.Equal(t, database.GroupStatusClosed, fresh.Status)
	require.True(t, fresh.TotalFilledQuantity.IsZero())

	// A second close reports the terminal state instead of re-selling.
	w = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/positions/%d/close", group.ID), nil)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, "close already in progress", decode(t, w)["message"])

	w = e.do(t, http.MethodPost, "/api/v1/positions/9999/close", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueueEndpoints(t *testing.T) {
	e := newEnv(t)
	e.maxPositions(t, 1)
	e.list(t, "BTCUSDT")
	e.list(t, "ETHUSDT")
	e.list(t, "SOLUSDT")

	w := e.webhook(t, e.user.ID, e.alert("BTCUSDT", "BTC-t1"))
	require.Equal(t, "created", decode(t, w)["outcome"])

	w = e.webhook(t, e.user.ID, e.alert("ETHUSDT", "ETH-t1"))
	ethID := uint(decode(t, w)["queued_id"].(float64))

	w = e.webhook(t, e.user.ID, e.alert("SOLUSDT", "SOL-t1"))
	solID := uint(decode(t, w)["queued_id"].(float64))

	w = e.do(t, http.MethodGet, "/api/v1/queue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, float64(2), decode(t, w)["count"])

	w = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/queue?user_id=%d", e.user.ID), nil)
	require.Equal(t, float64(2), decode(t, w)["count"])

	w = e.do(t, http.MethodGet, "/api/v1/queue?user_id=777", nil)
	require.Equal(t, float64(0), decode(t, w)["count"])

	// Pool is full, so a plain promote bounces and the row re-parks.
	w = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/queue/%d/promote", ethID), nil)
	require.Equal(t, http.StatusConflict, w.Code)
	sig, err := e.db.QueuedByID(ethID)
	require.NoError(t, err)
	require.Equal(t, database.QueueStatusQueued, sig.Status)

	// Force-add ignores the pool.
	w = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/queue/%d/force-add", ethID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "promoted", decode(t, w)["status"])
	groups, err := e.db.GroupsForUser(e.user.ID)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	w = e.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/queue/%d?reason=stale", solID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	sig, err = e.db.QueuedByID(solID)
	require.NoError(t, err)
	require.Equal(t, database.QueueStatusCancelled, sig.Status)
	require.Equal(t, "stale", sig.RejectionReason)

	w = e.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/queue/%d", solID), nil)
	require.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/queue/9999/promote", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRiskFlagEndpoints(t *testing.T) {
	e := newEnv(t)
	e.list(t, "BTCUSDT")
	group := e.open(t, "BTCUSDT")

	w := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/risk/%d/block", group.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	fresh, err := e.db.GroupByID(group.ID)
	require.NoError(t, err)
	require.True(t, fresh.RiskBlocked)

	w = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/risk/%d/unblock", group.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	fresh, err = e.db.GroupByID(group.ID)
	require.NoError(t, err)
	require.False(t, fresh.RiskBlocked)

	w = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/risk/%d/skip", group.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	fresh, err = e.db.GroupByID(group.ID)
	require.NoError(t, err)
	require.True(t, fresh.RiskSkipOnce)

	w = e.do(t, http.MethodPost, "/api/v1/risk/9999/block", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestRiskRunEvaluation(t *testing.T) {
	e := newEnv(t)
	e.list(t, "BTCUSDT")
	e.open(t, "BTCUSDT")

	w := e.do(t, http.MethodPost, "/api/v1/risk/run-evaluation",
		map[string]any{"user_id": e.user.ID})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "completed", decode(t, w)["status"])

	w = e.do(t, http.MethodPost, "/api/v1/risk/run-evaluation", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestRiskActionTrail(t *testing.T) {
	e := newEnv(t)
	e.list(t, "BTCUSDT")
	group := e.open(t, "BTCUSDT")
	e.fillLegs(t, group.ID)

	w := e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/positions/%d/close", group.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/risk/actions?user_id=%d", e.user.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, float64(1), body["count"])
	first := body["actions"].([]any)[0].(map[string]any)
	require.Equal(t, database.RiskActionManualClose, first["ActionType"])

	w = e.do(t, http.MethodGet, "/api/v1/risk/actions", nil)
	require.Equal(t, float64(1), decode(t, w)["count"])
}

func TestUserCreateAndList(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/v1/users",
		map[string]any{"email": "New@Example.COM"})
	require.Equal(t, http.StatusCreated, w.Code)

	body := decode(t, w)
	require.Equal(t, "new@example.com", body["email"])
	require.Equal(t, true, body["active"])
	require.Equal(t, true, body["secure_signals"])
	secret, ok := body["webhook_secret"].(string)
	require.True(t, ok)
	require.Len(t, secret, 48)

	w = e.do(t, http.MethodPost, "/api/v1/users",
		map[string]any{"email": "new@example.com"})
	require.Equal(t, http.StatusConflict, w.Code)

	w = e.do(t, http.MethodPost, "/api/v1/users", map[string]any{"email": "nope"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodGet, "/api/v1/users", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode(t, w)
	require.Equal(t, float64(2), list["count"])
	for _, raw := range list["users"].([]any) {
		require.NotContains(t, raw.(map[string]any), "webhook_secret")
	}

	w = e.do(t, http.MethodGet, "/api/v1/users/9999", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestUserSettingsAndSecretRotation(t *testing.T) {
	e := newEnv(t)
	e.list(t, "BTCUSDT")

	w := e.do(t, http.MethodPut, fmt.Sprintf("/api/v1/users/%d/settings", e.user.ID),
		map[string]any{"active": false})
	require.Equal(t, http.StatusOK, w.Code)

	// Disabled users stop receiving signals immediately.
	w = e.webhook(t, e.user.ID, e.alert("BTCUSDT", "BTC-t1"))
	require.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(t, http.MethodPut, fmt.Sprintf("/api/v1/users/%d/settings", e.user.ID),
		map[string]any{"active": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodPost, fmt.Sprintf("/api/v1/users/%d/rotate-secret", e.user.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	rotated := decode(t, w)["webhook_secret"].(string)
	require.NotEqual(t, "hook-secret", rotated)

	// Alerts signed with the old secret die at the door.
	w = e.webhook(t, e.user.ID, e.alert("BTCUSDT", "BTC-t1"))
	require.Equal(t, http.StatusUnauthorized, w.Code)

	e.user.WebhookSecret = rotated
	w = e.webhook(t, e.user.ID, e.alert("BTCUSDT", "BTC-t1"))
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestTelegramEndpoint(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPut, fmt.Sprintf("/api/v1/users/%d/telegram", e.user.ID),
		map[string]any{"chat_id": 777})
	require.Equal(t, http.StatusOK, w.Code)

	user, err := e.db.UserByID(e.user.ID)
	require.NoError(t, err)
	require.Equal(t, int64(777), user.TelegramChatID)
}

func TestRiskSettingsEndpoints(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/users/%d/risk-settings", e.user.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, true, body["Enabled"])
	require.Equal(t, float64(5), body["MaxOpenPositionsGlobal"])

	w = e.do(t, http.MethodPut, fmt.Sprintf("/api/v1/users/%d/risk-settings", e.user.ID),
		map[string]any{
			"loss_threshold_percent": "-3.5",
			"max_winners_to_combine": 2,
			"timer_start_condition":  "immediate",
		})
	require.Equal(t, http.StatusOK, w.Code)

	settings, err := e.db.RiskSettingsFor(e.user.ID)
	require.NoError(t, err)
	require.True(t, settings.LossThresholdPercent.Equal(d("-3.5")))
	require.Equal(t, 2, settings.MaxWinnersToCombine)
	require.Equal(t, database.TimerImmediate, settings.TimerStartCondition)
	require.Equal(t, 5, settings.MaxOpenPositionsGlobal) // untouched fields keep their value

	w = e.do(t, http.MethodPut, fmt.Sprintf("/api/v1/users/%d/risk-settings", e.user.ID),
		map[string]any{"timer_start_condition": "sometimes"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPut, fmt.Sprintf("/api/v1/users/%d/risk-settings", e.user.ID),
		map[string]any{"loss_threshold_percent": "1"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPut, fmt.Sprintf("/api/v1/users/%d/risk-settings", e.user.ID),
		map[string]any{"max_open_positions_global": 0})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCredentialEndpoints(t *testing.T) {
	e := newEnv(t)
	base := fmt.Sprintf("/api/v1/users/%d/credentials", e.user.ID)

	w := e.do(t, http.MethodPut, base+"/binance",
		map[string]any{"api_key": "k-123", "api_secret": "s-456", "paper": true})
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	require.Equal(t, float64(1), body["count"])
	entry := body["credentials"].([]any)[0].(map[string]any)
	require.Equal(t, "binance", entry["exchange"])
	require.Equal(t, true, entry["paper"])
	require.NotContains(t, entry, "api_key")

	// Stored sealed, and the vault round-trips it.
	cred, err := e.db.CredentialFor(e.user.ID, "binance")
	require.NoError(t, err)
	require.NotEqual(t, "k-123", cred.APIKeyEncrypted)
	plain, err := e.vault.OpenString(cred.APIKeyEncrypted)
	require.NoError(t, err)
	require.Equal(t, "k-123", plain)

	w = e.do(t, http.MethodPut, base+"/kraken",
		map[string]any{"api_key": "k", "api_secret": "s"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodPut, base+"/binance", map[string]any{"api_key": "k"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, http.MethodDelete, base+"/binance", nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = e.do(t, http.MethodGet, base, nil)
	require.Equal(t, float64(0), decode(t, w)["count"])
}

func TestDCAConfigEndpoints(t *testing.T) {
	e := newEnv(t)
	base := fmt.Sprintf("/api/v1/users/%d/dca-configs", e.user.ID)

	w := e.do(t, http.MethodPost, base, map[string]any{
		"pair":      "btc/usdt",
		"timeframe": "1H",
		"exchange":  "Mock",
		"levels": []map[string]any{
			{"gap": "0", "weight": "60", "tp": "1"},
			{"gap": "-2", "weight": "40", "tp": "0.5"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	body := decode(t, w)
	require.Equal(t, "BTCUSDT", body["Pair"])
	require.Equal(t, "1h", body["Timeframe"])
	require.Equal(t, "mock", body["Exchange"])
	cfgID := uint(body["ID"].(float64))

	w = e.do(t, http.MethodPost, base, map[string]any{
		"pair": "ETHUSDT", "timeframe": "1h", "exchange": "mock",
		"levels": []map[string]any{
			{"gap": "0", "weight": "50", "tp": "1"},
			{"gap": "-1", "weight": "40", "tp": "1"},
		},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Contains(t, decode(t, w)["error"], "sum to 100")

	w = e.do(t, http.MethodPost, base+"/from-preset", map[string]any{
		"preset": "standard", "pair": "ETHUSDT", "timeframe": "4h", "exchange": "mock",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	cfg, err := e.db.DCAConfigFor(e.user.ID, "ETHUSDT", "4h", "mock")
	require.NoError(t, err)
	levels, err := cfg.Levels()
	require.NoError(t, err)
	require.Len(t, levels, 4)
	require.Equal(t, database.TPModePerLeg, cfg.TPMode)

	w = e.do(t, http.MethodPost, base+"/from-preset", map[string]any{
		"preset": "yolo", "pair": "ETHUSDT", "timeframe": "4h", "exchange": "mock",
	})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodGet, base, nil)
	require.Equal(t, float64(2), decode(t, w)["count"])

	w = e.do(t, http.MethodPut, fmt.Sprintf("%s/%d", base, cfgID), map[string]any{
		"tp_mode": "aggregate", "max_pyramids": 5,
	})
	require.Equal(t, http.StatusOK, w.Code)
	updated, err := e.db.DCAConfigByID(cfgID)
	require.NoError(t, err)
	require.Equal(t, database.TPModeAggregate, updated.TPMode)
	require.Equal(t, 5, updated.MaxPyramids)

	// Another user's template is invisible here.
	other := &database.User{Email: "other@example.com", Active: true}
	require.NoError(t, e.db.CreateUser(other))
	w = e.do(t, http.MethodPut, fmt.Sprintf("/api/v1/users/%d/dca-configs/%d", other.ID, cfgID),
		map[string]any{"max_pyramids": 9})
	require.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, http.MethodDelete, fmt.Sprintf("%s/%d", base, cfgID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w = e.do(t, http.MethodDelete, fmt.Sprintf("%s/%d", base, cfgID), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}
