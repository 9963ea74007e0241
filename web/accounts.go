// ABOUTME: OAuth connect endpoints and operator account actions
// ABOUTME: Start/callback for provider consent, disconnect, and on-demand sync
package web

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/harperreed/calsync/connect"
	"github.com/harperreed/calsync/models"
	calsync "github.com/harperreed/calsync/sync"
)

func providerParam(c echo.Context) (models.Provider, bool) {
	return models.ParseProvider(c.Param("provider"))
}

func (s *Server) handleOAuthStart(c echo.Context) error {
	provider, ok := providerParam(c)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "unknown provider")
	}

	tenantID := c.QueryParam("tenant_id")
	userID := c.QueryParam("user_id")
	if tenantID == "" || userID == "" {
		return errorJSON(c, http.StatusBadRequest, "tenant_id and user_id are required")
	}

	authURL, err := s.cfg.Connect.AuthURL(provider, tenantID, userID)
	if errors.Is(err, connect.ErrProviderNotConfigured) {
		return errorJSON(c, http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.Redirect(http.StatusFound, authURL)
}

func (s *Server) handleOAuthCallback(c echo.Context) error {
	provider, ok := providerParam(c)
	if !ok {
		return errorJSON(c, http.StatusNotFound, "unknown provider")
	}

	if errParam := c.QueryParam("error"); errParam != "" {
		s.log.Warn("provider denied authorization", "provider", provider, "error", errParam,
			"description", c.QueryParam("error_description"))
		return errorJSON(c, http.StatusBadRequest, "authorization failed: "+errParam)
	}

	code := c.QueryParam("code")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return errorJSON(c, http.StatusBadRequest, "code and state are required")
	}

	acct, err := s.cfg.Connect.Callback(c.Request().Context(), provider, code, state)
	if errors.Is(err, connect.ErrInvalidState) {
		return errorJSON(c, http.StatusBadRequest, err.Error())
	}
	if err != nil {
		s.log.Error("oauth callback failed", "provider", provider, "error", err)
		return errorJSON(c, http.StatusBadGateway, "failed to connect calendar account")
	}

	return c.JSON(http.StatusOK, acct)
}

func accountIDParam(c echo.Context) (uuid.UUID, error) {
	return uuid.Parse(c.Param("id"))
}

func (s *Server) handleDisconnect(c echo.Context) error {
	id, err := accountIDParam(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid account id")
	}

	err = s.cfg.Connect.Disconnect(c.Request().Context(), id)
	if errors.Is(err, connect.ErrAccountNotFound) {
		return errorJSON(c, http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSyncAccount(c echo.Context) error {
	id, err := accountIDParam(c)
	if err != nil {
		return errorJSON(c, http.StatusBadRequest, "invalid account id")
	}

	result, err := s.cfg.Syncer.SyncAccountByID(c.Request().Context(), id, calsync.TriggerManual)
	if errors.Is(err, calsync.ErrAccountNotFound) {
		return errorJSON(c, http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleSyncUser(c echo.Context) error {
	userID := c.Param("id")
	results := s.cfg.Syncer.SyncForUser(c.Request().Context(), userID, calsync.TriggerManual)
	return c.JSON(http.StatusOK, map[string]any{
		"user_id":  userID,
		"accounts": results,
	})
}
