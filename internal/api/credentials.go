package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/stratexbot/stratex/internal/database"
)

var supportedCredentialExchanges = map[string]bool{
	"binance": true,
	"bybit":   true,
}

// handleCredentialList never returns key material, only which venues are
// configured and how.
func (s *Server) handleCredentialList(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}
	creds, err := s.deps.DB.CredentialsForUser(user.ID)
	if err != nil {
		fail(c, http.StatusInternalServerError, "query failed")
		return
	}

	out := make([]gin.H, 0, len(creds))
	for _, cred := range creds {
		out = append(out, gin.H{
			"exchange":   cred.Exchange,
			"paper":      cred.Paper,
			"enabled":    cred.Enabled,
			"updated_at": cred.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out, "count": len(out)})
}

// handleCredentialPut seals and stores one API key pair. An existing row
// for the venue is replaced.
func (s *Server) handleCredentialPut(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}
	exch := strings.ToLower(strings.TrimSpace(c.Param("exchange")))
	if !supportedCredentialExchanges[exch] {
		fail(c, http.StatusBadRequest, "unsupported exchange "+exch)
		return
	}

	var req struct {
		APIKey    string `json:"api_key"`
		APISecret string `json:"api_secret"`
		Paper     bool   `json:"paper"`
		Enabled   *bool  `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid body")
		return
	}
	if req.APIKey == "" || req.APISecret == "" {
		fail(c, http.StatusBadRequest, "api_key and api_secret are required")
		return
	}
	if s.deps.Vault == nil {
		fail(c, http.StatusInternalServerError, "credential vault unavailable")
		return
	}

	keyEnc, err := s.deps.Vault.SealString(req.APIKey)
	if err != nil {
		fail(c, http.StatusInternalServerError, "seal failed")
		return
	}
	secretEnc, err := s.deps.Vault.SealString(req.APISecret)
	if err != nil {
		fail(c, http.StatusInternalServerError, "seal failed")
		return
	}

	cred := &database.ExchangeCredential{
		UserID:             user.ID,
		Exchange:           exch,
		APIKeyEncrypted:    keyEnc,
		APISecretEncrypted: secretEnc,
		Paper:              req.Paper,
		Enabled:            req.Enabled == nil || *req.Enabled,
	}
	if err := s.deps.DB.UpsertCredential(cred); err != nil {
		fail(c, http.StatusInternalServerError, "save failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"user_id":  user.ID,
		"exchange": exch,
		"paper":    cred.Paper,
		"enabled":  cred.Enabled,
	})
}

func (s *Server) handleCredentialDelete(c *gin.Context) {
	user, ok := s.loadUser(c)
	if !ok {
		return
	}
	exch := strings.ToLower(strings.TrimSpace(c.Param("exchange")))
	if err := s.deps.DB.DeleteCredential(user.ID, exch); err != nil {
		fail(c, http.StatusInternalServerError, "delete failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user_id": user.ID, "exchange": exch, "deleted": true})
}
