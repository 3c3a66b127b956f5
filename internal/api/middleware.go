package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// requestID tags every request so log lines from one call correlate.
// Inbound ids are kept, everything else gets a fresh uuid.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// cors answers preflights and stamps the allow headers for configured
// origins. A lone "*" allows everything.
func (s *Server) cors() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.deps.Config.CORSOrigins))
	wildcard := false
	for _, origin := range s.deps.Config.CORSOrigins {
		if origin == "*" {
			wildcard = true
			continue
		}
		allowed[origin] = true
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case origin == "":
		case wildcard:
			c.Header("Access-Control-Allow-Origin", "*")
		case allowed[origin]:
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
		}
		if origin != "" && (wildcard || allowed[origin]) {
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID")
			c.Header("Access-Control-Max-Age", "600")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// auth guards the operator surface with the process API key. A revoked key
// stays rejected until the revocation entry lapses; the revocation check
// itself fails open inside the lock store.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-API-Key")
		if key == "" {
			fail(c, http.StatusUnauthorized, "missing X-API-Key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.deps.Config.SecretKey)) != 1 {
			fail(c, http.StatusUnauthorized, "invalid API key")
			return
		}
		if s.deps.Locks != nil && s.deps.Locks.TokenRevoked(key) {
			fail(c, http.StatusUnauthorized, "API key revoked")
			return
		}
		c.Next()
	}
}
