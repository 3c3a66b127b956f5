package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/stratexbot/stratex/internal/database"
)

// handleRiskActions serves the close audit trail, newest first. With
// ?user_id= it reads that user's trail; otherwise the last day across all
// users. ?limit= caps either.
func (s *Server) handleRiskActions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	var (
		actions []database.RiskAction
		err     error
	)
	if raw := c.Query("user_id"); raw != "" {
		uid, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil || uid == 0 {
			fail(c, http.StatusBadRequest, "invalid user_id")
			return
		}
		actions, err = s.deps.DB.RiskActionsForUser(uint(uid), limit)
	} else {
		actions, err = s.deps.DB.RiskActionsSince(time.Now().Add(-24*time.Hour), limit)
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "query failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"actions": actions, "count": len(actions)})
}

// handleRiskRun evaluates risk immediately instead of waiting out the
// interval. A user_id in the body scopes the run to that user.
func (s *Server) handleRiskRun(c *gin.Context) {
	var req struct {
		UserID uint `json:"user_id"`
	}
	_ = c.ShouldBindJSON(&req) // empty body means every user

	if req.UserID != 0 {
		if err := s.deps.Risk.RunUser(c.Request.Context(), req.UserID); err != nil {
			fail(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "completed", "user_id": req.UserID})
		return
	}

	s.deps.Risk.RunOnce(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

// The three flag verbs below toggle per-group engine treatment: blocked
// groups never participate in offsets, skip shields one selection round.

func (s *Server) handleRiskBlock(c *gin.Context) {
	s.riskFlag(c, "blocked", s.deps.Risk.Block)
}

func (s *Server) handleRiskUnblock(c *gin.Context) {
	s.riskFlag(c, "unblocked", s.deps.Risk.Unblock)
}

func (s *Server) handleRiskSkip(c *gin.Context) {
	s.riskFlag(c, "skip_once", s.deps.Risk.SkipOnce)
}

func (s *Server) riskFlag(c *gin.Context, state string, apply func(uint) error) {
	id, ok := pathID(c, "group_id")
	if !ok {
		return
	}
	if err := apply(id); err != nil {
		if database.IsNotFound(err) {
			fail(c, http.StatusNotFound, "position group not found")
			return
		}
		fail(c, http.StatusInternalServerError, "update failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_id": id, "risk_state": state})
}
