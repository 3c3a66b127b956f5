package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/stratexbot/stratex/internal/crypto"
	"github.com/stratexbot/stratex/internal/database"
)

// userView is the user row without the webhook secret. The secret only
// leaves the process at create and rotate time.
func userView(u *database.User) gin.H {
	return gin.H{
		"id":               u.ID,
		"email":            u.Email,
		"active":           u.Active,
		"secure_signals":   u.SecureSignals,
		"telegram_chat_id": u.TelegramChatID,
		"created_at":       u.CreatedAt,
		"updated_at":       u.UpdatedAt,
	}
}

func (s *Server) handleUserList(c *gin.Context) {
	users, err := s.deps.DB.Users()
	if err != nil {
		fail(c, http.StatusInternalServerError, "query failed")
		return
	}
	out := make([]gin.H, 0, len(users))
	for i := range users {
		out = append(out, userView(&users[i]))
	}
	c.JSON(http.StatusOK, gin.H{"users": out, "count": len(out)})
}

func (s *Server) handleUserCreate(c *gin.Context) {
	var req struct {
		Email          string `json:"email"`
		TelegramChatID int64  `json:"telegram_chat_id"`
		SecureSignals  *bool  `json:"secure_signals"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || !strings.Contains(req.Email, "@") {
		fail(c, http.StatusBadRequest, "valid email required")
		return
	}

	secret, err := crypto.NewWebhookSecret()
	if err != nil {
		fail(c, http.StatusInternalServerError, "secret generation failed")
		return
	}

	user := &database.User{
		Email:          req.Email,
		WebhookSecret:  secret,
		SecureSignals:  req.SecureSignals == nil || *req.SecureSignals,
		TelegramChatID: req.TelegramChatID,
		Active:         true,
	}
	if err := s.deps.DB.CreateUser(user); err != nil {
		if database.IsUniqueViolation(err) {
			fail(c, http.StatusConflict, "email already registered")
			return
		}
		fail(c, http.StatusInternalServerError, "create failed")
		return
	}

	view := userView(user)
	view["webhook_secret"] = secret
	c.JSON(http.StatusCreated, view)
}

func (s *Server) handleUserGet(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, userView(user))
}

// handleUserSettings applies partial updates; absent fields keep their
// value.
func (s *Server) handleUserSettings(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}

	var req struct {
		Email         *string `json:"email"`
		Active        *bool   `json:"active"`
		SecureSignals *bool   `json:"secure_signals"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}

	if req.Email != nil {
		email := strings.TrimSpace(strings.ToLower(*req.Email))
		if email == "" || !strings.Contains(email, "@") {
			fail(c, http.StatusBadRequest, "valid email required")
			return
		}
		user.Email = email
	}
	if req.Active != nil {
		user.Active = *req.Active
	}
	if req.SecureSignals != nil {
		user.SecureSignals = *req.SecureSignals
	}

	if err := s.deps.DB.SaveUser(user); err != nil {
		if database.IsUniqueViolation(err) {
			fail(c, http.StatusConflict, "email already registered")
			return
		}
		fail(c, http.StatusInternalServerError, "save failed")
		return
	}
	c.JSON(http.StatusOK, userView(user))
}

// handleRotateSecret replaces the webhook secret. Alerts signed with the
// old secret start failing immediately.
func (s *Server) handleRotateSecret(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}

	secret, err := crypto.NewWebhookSecret()
	if err != nil {
		fail(c, http.StatusInternalServerError, "secret generation failed")
		return
	}
	user.WebhookSecret = secret
	if err := s.deps.DB.SaveUser(user); err != nil {
		fail(c, http.StatusInternalServerError, "save failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user.ID, "webhook_secret": secret})
}

func (s *Server) handleTelegram(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}

	var req struct {
		ChatID int64 `json:"chat_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}

	user.TelegramChatID = req.ChatID
	if err := s.deps.DB.SaveUser(user); err != nil {
		fail(c, http.StatusInternalServerError, "save failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user.ID, "telegram_chat_id": user.TelegramChatID})
}

func (s *Server) handleRiskSettingsGet(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}
	settings, err := s.deps.DB.RiskSettingsFor(user.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "query failed")
		return
	}
	c.JSON(http.StatusOK, settings)
}

// handleRiskSettingsPut applies partial updates to the user's risk
// configuration. The row is materialized first so the save always updates
// an existing primary key.
func (s *Server) handleRiskSettingsPut(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}

	var req struct {
		Enabled                 *bool            `json:"enabled"`
		MaxOpenPositionsGlobal  *int             `json:"max_open_positions_global"`
		TimerStartCondition     *string          `json:"timer_start_condition"`
		PostFullWaitMinutes     *int             `json:"post_full_wait_minutes"`
		LossThresholdPercent    *decimal.Decimal `json:"loss_threshold_percent"`
		MaxWinnersToCombine     *int             `json:"max_winners_to_combine"`
		PartialCloseEnabled     *bool            `json:"partial_close_enabled"`
		MinCloseNotional        *decimal.Decimal `json:"min_close_notional"`
		UseTradeAgeFilter       *bool            `json:"use_trade_age_filter"`
		AgeThresholdMinutes     *int             `json:"age_threshold_minutes"`
		RequireFullPyramids     *bool            `json:"require_full_pyramids"`
		ResetTimerOnReplacement *bool            `json:"reset_timer_on_replacement"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}

	settings, err := s.deps.DB.RiskSettingsFor(user.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "query failed")
		return
	}

	if req.Enabled != nil {
		settings.Enabled = *req.Enabled
	}
	if req.MaxOpenPositionsGlobal != nil {
		if *req.MaxOpenPositionsGlobal < 1 {
			fail(c, http.StatusBadRequest, "max_open_positions_global must be at least 1")
			return
		}
		settings.MaxOpenPositionsGlobal = *req.MaxOpenPositionsGlobal
	}
	if req.TimerStartCondition != nil {
		cond := strings.ToLower(strings.TrimSpace(*req.TimerStartCondition))
		if cond != database.TimerAfterAllDCAFilled && cond != database.TimerImmediate {
			fail(c, http.StatusBadRequest, "unknown timer_start_condition "+cond)
			return
		}
		settings.TimerStartCondition = cond
	}
	if req.PostFullWaitMinutes != nil {
		if *req.PostFullWaitMinutes < 0 {
			fail(c, http.StatusBadRequest, "post_full_wait_minutes must not be negative")
			return
		}
		settings.PostFullWaitMinutes = *req.PostFullWaitMinutes
	}
	if req.LossThresholdPercent != nil {
		if req.LossThresholdPercent.IsPositive() {
			fail(c, http.StatusBadRequest, "loss_threshold_percent must be zero or negative")
			return
		}
		settings.LossThresholdPercent = *req.LossThresholdPercent
	}
	if req.MaxWinnersToCombine != nil {
		if *req.MaxWinnersToCombine < 1 {
			fail(c, http.StatusBadRequest, "max_winners_to_combine must be at least 1")
			return
		}
		settings.MaxWinnersToCombine = *req.MaxWinnersToCombine
	}
	if req.PartialCloseEnabled != nil {
		settings.PartialCloseEnabled = *req.PartialCloseEnabled
	}
	if req.MinCloseNotional != nil {
		if req.MinCloseNotional.IsNegative() {
			fail(c, http.StatusBadRequest, "min_close_notional must not be negative")
			return
		}
		settings.MinCloseNotional = *req.MinCloseNotional
	}
	if req.UseTradeAgeFilter != nil {
		settings.UseTradeAgeFilter = *req.UseTradeAgeFilter
	}
	if req.AgeThresholdMinutes != nil {
		if *req.AgeThresholdMinutes < 0 {
			fail(c, http.StatusBadRequest, "age_threshold_minutes must not be negative")
			return
		}
		settings.AgeThresholdMinutes = *req.AgeThresholdMinutes
	}
	if req.RequireFullPyramids != nil {
		settings.RequireFullPyramids = *req.RequireFullPyramids
	}
	if req.ResetTimerOnReplacement != nil {
		settings.ResetTimerOnReplacement = *req.ResetTimerOnReplacement
	}

	if err := s.deps.DB.SaveRiskSettings(settings); err != nil {
		fail(c, http.StatusInternalServerError, "save failed")
		return
	}
	c.JSON(http.StatusOK, settings)
}

// loadUser resolves the :user_id path segment, answering 404 itself when
// no such user exists.
func (s *Server) loadUser(c *gin.Context) (*database.User, bool) {
	id, ok := pathID(c, "user_id")
	if !ok {
		return nil, false
	}
	user, err := s.deps.DB.UserByID(id)
	if err != nil {
		if database.IsNotFound(err) {
			fail(c, http.StatusNotFound, "user not found")
			return nil, false
		}
		fail(c, http.StatusInternalServerError, "query failed")
		return nil, false
	}
	return user, true
}
