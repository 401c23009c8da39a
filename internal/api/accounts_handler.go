package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-bridge/proxy/internal/accounts"
	"github.com/antigravity-bridge/proxy/internal/apierr"
)

// handleListAccounts implements GET /v1/accounts (spec §6): list accounts
// with redacted credentials.
func (s *Server) handleListAccounts(c *gin.Context) {
	accts := s.deps.Pool.List()
	redacted := make([]*accounts.Account, 0, len(accts))
	for _, a := range accts {
		redacted = append(redacted, a.Redacted())
	}
	c.JSON(http.StatusOK, gin.H{"accounts": redacted})
}

type addAccountRequest struct {
	Provider string `json:"provider" binding:"required"`
	AuthCode string `json:"auth_code" binding:"required"`
	Replace  bool   `json:"replace"`
}

// handleAddAccount implements POST /v1/accounts {auth_code} (spec §6):
// exchange the authorization code via the provider's Onboarder, encrypt
// the resulting token bundle, and register the account in the pool.
func (s *Server) handleAddAccount(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "expected {provider, auth_code}")
		return
	}

	onboarder := s.deps.Onboarders[req.Provider]
	if onboarder == nil {
		badRequest(c, "unknown provider: "+req.Provider)
		return
	}

	email, projectID, tok, err := onboarder.Onboard(c.Request.Context(), req.AuthCode)
	if err != nil {
		writeAPIError(c, apierr.Wrap(apierr.CodeAuthRejected, apierr.HintRelogin, http.StatusUnauthorized, err))
		return
	}

	raw, err := marshalTokenBundle(tok)
	if err != nil {
		writeAPIError(c, err)
		return
	}

	acct, err := s.deps.Pool.Add(req.Provider, email, email, "", projectID, raw, req.Replace)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	s.persistAccount(acct)

	c.JSON(http.StatusCreated, gin.H{"account": acct.Redacted()})
}

// handleDeleteAccount implements DELETE /v1/accounts/{id}.
func (s *Server) handleDeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Pool.Delete(id); err != nil {
		writeAPIError(c, err)
		return
	}
	if err := accounts.DeleteAccountFile(s.deps.DataDir, id); err != nil {
		writeAPIError(c, apierr.Wrap(apierr.CodeInvariantViolation, apierr.HintNone, http.StatusInternalServerError, err))
		return
	}
	c.Status(http.StatusNoContent)
}

// handleSwitchAccount implements POST /v1/accounts/{id}/switch (I1).
func (s *Server) handleSwitchAccount(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Pool.SwitchTo(id); err != nil {
		writeAPIError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": s.deps.Pool.Get(id).Redacted()})
}

// handleRefreshAccount implements POST /v1/accounts/{id}/refresh: force a
// single account's quota poll.
func (s *Server) handleRefreshAccount(c *gin.Context) {
	id := c.Param("id")
	if s.deps.Pool.Get(id) == nil {
		writeAPIError(c, apierr.New(apierr.CodeInvalidRequest, apierr.HintNone, http.StatusNotFound, "account not found: "+id))
		return
	}
	if s.deps.Poller == nil {
		writeAPIError(c, apierr.New(apierr.CodeInvariantViolation, apierr.HintNone, http.StatusInternalServerError, "poller not configured"))
		return
	}
	if err := s.deps.Poller.ForcePollOne(c.Request.Context(), id); err != nil {
		writeAPIError(c, apierr.Wrap(apierr.CodeInvariantViolation, apierr.HintNone, http.StatusInternalServerError, err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": s.deps.Pool.Get(id).Redacted()})
}

type syncLocalAccountRequest struct {
	Provider            string `json:"provider" binding:"required"`
	Email               string `json:"email" binding:"required"`
	DisplayName         string `json:"display_name"`
	ProjectID           string `json:"project_id"`
	PlaintextCredential string `json:"plaintext_credential" binding:"required"`
}

// handleSyncLocalAccount implements POST /v1/accounts/sync-local (spec
// §6): import an account an IDE already manages, bypassing the OAuth
// exchange since the caller already holds a valid credential.
func (s *Server) handleSyncLocalAccount(c *gin.Context) {
	var req syncLocalAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "expected {provider, email, plaintext_credential}")
		return
	}

	acct, err := s.deps.Pool.Add(req.Provider, req.Email, req.DisplayName, "", req.ProjectID, []byte(req.PlaintextCredential), true)
	if err != nil {
		writeAPIError(c, err)
		return
	}
	s.persistAccount(acct)

	c.JSON(http.StatusOK, gin.H{"account": acct.Redacted()})
}
