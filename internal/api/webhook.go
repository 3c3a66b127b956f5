package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/stratexbot/stratex/internal/exchange"
	"github.com/stratexbot/stratex/internal/position"
	"github.com/stratexbot/stratex/internal/signal"
)

// Webhook bodies above this are rejected unread; TradingView alerts are a
// few hundred bytes.
const maxWebhookBody = 64 << 10

// handleWebhook admits one TradingView alert. All admission logic lives in
// the signal router; this handler only maps its result onto HTTP.
func (s *Server) handleWebhook(c *gin.Context) {
	userID, ok := pathID(c, "user_id")
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		fail(c, http.StatusBadRequest, "read body failed")
		return
	}
	if len(body) > maxWebhookBody {
		fail(c, http.StatusRequestEntityTooLarge, "webhook body too large")
		return
	}

	res, err := s.deps.Signals.Handle(c.Request.Context(), userID, body)
	if err != nil {
		s.webhookError(c, userID, err)
		return
	}

	resp := gin.H{"outcome": res.Outcome}
	if res.Message != "" {
		resp["message"] = res.Message
	}
	if res.Group != nil {
		resp["group_id"] = res.Group.ID
		resp["group_status"] = res.Group.Status
	}
	if res.Pyramid != nil {
		resp["pyramid_index"] = res.Pyramid.PyramidIndex
	}
	if res.Queued != nil {
		resp["queued_id"] = res.Queued.ID
		resp["priority_score"] = res.Queued.PriorityScore
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) webhookError(c *gin.Context, userID uint, err error) {
	switch {
	case errors.Is(err, signal.ErrInvalidPayload):
		fail(c, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, signal.ErrUnknownUser), errors.Is(err, signal.ErrSecretMismatch):
		// One message for both so the response doesn't confirm user ids.
		fail(c, http.StatusUnauthorized, "authentication failed")
	case errors.Is(err, signal.ErrUserDisabled):
		fail(c, http.StatusForbidden, signal.ErrUserDisabled.Error())
	case errors.Is(err, signal.ErrShortNotSupported):
		fail(c, http.StatusBadRequest, signal.ErrShortNotSupported.Error())
	case errors.Is(err, position.ErrMaxPyramids):
		fail(c, http.StatusBadRequest, position.ErrMaxPyramids.Error())
	case errors.Is(err, signal.ErrLockContended):
		fail(c, http.StatusConflict, signal.ErrLockContended.Error())
	case errors.Is(err, position.ErrInsufficientBalance):
		fail(c, http.StatusUnprocessableEntity, position.ErrInsufficientBalance.Error())
	case exchange.IsTransient(err):
		fail(c, http.StatusServiceUnavailable, "exchange unavailable, retry later")
	default:
		log.Error().Err(err).Uint("user_id", userID).Msg("Webhook processing failed")
		fail(c, http.StatusInternalServerError, "internal error")
	}
}
