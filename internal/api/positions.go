package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/exchange"
	"github.com/stratexbot/stratex/internal/position"
)

var knownGroupStatuses = map[string]bool{
	database.GroupStatusWaiting:         true,
	database.GroupStatusPartiallyFilled: true,
	database.GroupStatusActive:          true,
	database.GroupStatusClosing:         true,
	database.GroupStatusClosed:          true,
	database.GroupStatusFailed:          true,
}

// handlePositionList serves groups, live ones by default. ?status= takes a
// comma list, ?user_id= narrows to one user.
func (s *Server) handlePositionList(c *gin.Context) {
	statuses := database.NonTerminalGroupStatuses
	if raw := c.Query("status"); raw != "" {
		statuses = nil
		for _, st := range strings.Split(raw, ",") {
			st = strings.TrimSpace(strings.ToLower(st))
			if !knownGroupStatuses[st] {
				fail(c, http.StatusBadRequest, "unknown status "+st)
				return
			}
			statuses = append(statuses, st)
		}
	}

	var (
		groups []database.PositionGroup
		err    error
	)
	if raw := c.Query("user_id"); raw != "" {
		uid, perr := strconv.ParseUint(raw, 10, 64)
		if perr != nil || uid == 0 {
			fail(c, http.StatusBadRequest, "invalid user_id")
			return
		}
		groups, err = s.deps.DB.GroupsForUser(uint(uid), statuses...)
	} else {
		groups, err = s.deps.DB.GroupsByStatus(statuses...)
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, "query failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"positions": groups, "count": len(groups)})
}

func (s *Server) handlePositionGet(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	group, err := s.deps.DB.GroupWithChildren(id)
	if err != nil {
		if database.IsNotFound(err) {
			fail(c, http.StatusNotFound, "position group not found")
			return
		}
		fail(c, http.StatusInternalServerError, "query failed")
		return
	}
	c.JSON(http.StatusOK, group)
}

// handlePositionClose market-sells the group's whole inventory. The close
// is idempotent: a group already on its way out reports its current state
// instead of a second close.
func (s *Server) handlePositionClose(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req) // body is optional
	if req.Reason == "" {
		req.Reason = "manual close"
	}

	group, action, err := s.deps.Positions.CloseGroup(c.Request.Context(), id, database.RiskActionManualClose, req.Reason)
	if err != nil {
		switch {
		case database.IsNotFound(err):
			fail(c, http.StatusNotFound, "position group not found")
		case errors.Is(err, position.ErrGroupNotLive):
			fail(c, http.StatusConflict, position.ErrGroupNotLive.Error())
		case exchange.IsTransient(err):
			fail(c, http.StatusServiceUnavailable, "exchange unavailable, retry later")
		default:
			fail(c, http.StatusInternalServerError, "close failed")
		}
		return
	}

	resp := gin.H{"group_id": group.ID, "status": group.Status}
	if action == nil {
		resp["message"] = "close already in progress"
		c.JSON(http.StatusAccepted, resp)
		return
	}
	resp["quantity"] = action.Quantity
	resp["notional_usd"] = action.NotionalUSD
	resp["pnl_usd"] = action.PnLUSD
	c.JSON(http.StatusOK, resp)
}
