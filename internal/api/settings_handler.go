package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/antigravity-bridge/proxy/internal/apierr"
	"github.com/antigravity-bridge/proxy/internal/config"
)

// handleGetSettings implements GET /v1/settings (spec §6: "the Config
// schema of §3").
func (s *Server) handleGetSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Config)
}

// handlePutSettings implements PUT /v1/settings: replace the in-memory
// Config, persist it if a path was configured, and push the auto-switch
// flag into the pool it governs.
func (s *Server) handlePutSettings(c *gin.Context) {
	var updated config.Config
	if err := c.ShouldBindJSON(&updated); err != nil {
		badRequest(c, "malformed settings payload")
		return
	}
	updated.Normalize()

	*s.deps.Config = updated
	s.deps.Pool.SetAutoSwitchEnabled(updated.AutoSwitchEnabled)

	if s.deps.ConfigPath != "" {
		if err := config.Save(s.deps.ConfigPath, s.deps.Config); err != nil {
			writeAPIError(c, apierr.Wrap(apierr.CodeInvariantViolation, apierr.HintNone, http.StatusInternalServerError, err))
			return
		}
	}

	c.JSON(http.StatusOK, s.deps.Config)
}
