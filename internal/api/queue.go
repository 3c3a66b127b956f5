package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/stratexbot/stratex/internal/database"
	"github.com/stratexbot/stratex/internal/exchange"
	"github.com/stratexbot/stratex/internal/pool"
)

// handleQueueList serves waiting signals, highest priority first, for one
// user or all of them.
func (s *Server) handleQueueList(c *gin.Context) {
	var userIDs []uint
	if raw := c.Query("user_id"); raw != "" {
		uid, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || uid == 0 {
			fail(c, http.StatusBadRequest, "invalid user_id")
			return
		}
		userIDs = []uint{uint(uid)}
	} else {
		ids, err := s.deps.DB.UsersWithQueuedSignals()
		if err != nil {
			fail(c, http.StatusInternalServerError, "query failed")
			return
		}
		userIDs = ids
	}

	signals := []database.QueuedSignal{}
	for _, uid := range userIDs {
		rows, err := s.deps.DB.QueuedForUser(uid)
		if err != nil {
			fail(c, http.StatusInternalServerError, "query failed")
			return
		}
		signals = append(signals, rows...)
	}

	c.JSON(http.StatusOK, gin.H{"queue": signals, "count": len(signals)})
}

// handleQueuePromote jumps one row past the scoring order. The pool still
// applies; a full pool re-parks the row and reports 409.
func (s *Server) handleQueuePromote(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sig, err := s.deps.Queue.PromoteSpecific(c.Request.Context(), id)
	if err != nil {
		s.queueActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued_id": sig.ID, "status": sig.Status, "symbol": sig.Symbol})
}

// handleQueueForceAdd promotes one row past the execution pool entirely.
func (s *Server) handleQueueForceAdd(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	sig, err := s.deps.Queue.ForceAdd(c.Request.Context(), id)
	if err != nil {
		s.queueActionError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued_id": sig.ID, "status": sig.Status, "symbol": sig.Symbol})
}

func (s *Server) handleQueueRemove(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	reason := c.Query("reason")
	if reason == "" {
		reason = "removed by operator"
	}
	if err := s.deps.Queue.Remove(id, reason); err != nil {
		if database.IsNotFound(err) {
			fail(c, http.StatusNotFound, "queued signal not found")
			return
		}
		// Rows that already left the queue surface as a state error.
		fail(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"queued_id": id, "status": database.QueueStatusCancelled})
}

func (s *Server) queueActionError(c *gin.Context, err error) {
	switch {
	case database.IsNotFound(err):
		fail(c, http.StatusNotFound, "queued signal not found")
	case errors.Is(err, pool.ErrNoSlot):
		fail(c, http.StatusConflict, "execution pool full, signal requeued")
	case exchange.IsTransient(err):
		fail(c, http.StatusServiceUnavailable, "exchange unavailable, retry later")
	default:
		fail(c, http.StatusConflict, err.Error())
	}
}
