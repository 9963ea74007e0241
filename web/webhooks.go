// ABOUTME: Inbound push notification endpoints for Google channels and Outlook subscriptions
// ABOUTME: Authenticates each notification against the account's channel secret and triggers a sync
package web

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v4"

	"github.com/harperreed/calsync/models"
)

const (
	resultAccepted = "accepted"
	resultRejected = "rejected"
	resultIgnored  = "ignored"
)

// handleGoogleNotification receives calendar channel pings. Google sends no
// body; the channel id and token arrive as headers.
func (s *Server) handleGoogleNotification(c echo.Context) error {
	req := c.Request()
	channelID := req.Header.Get("X-Goog-Channel-ID")
	token := req.Header.Get("X-Goog-Channel-Token")
	state := req.Header.Get("X-Goog-Resource-State")

	if channelID == "" {
		s.recordNotification(models.ProviderGoogle, resultRejected)
		return errorJSON(c, http.StatusBadRequest, "missing channel id")
	}

	// The first message on a new channel only confirms it.
	if state == "sync" {
		s.recordNotification(models.ProviderGoogle, resultIgnored)
		return c.NoContent(http.StatusOK)
	}

	acct, err := s.cfg.Accounts.GetByWebhookChannel(req.Context(), channelID)
	if err != nil {
		return err
	}
	if acct == nil || !acct.IsActive || acct.Provider != models.ProviderGoogle {
		s.recordNotification(models.ProviderGoogle, resultIgnored)
		return c.NoContent(http.StatusOK)
	}
	if !s.cfg.Webhooks.Verify(acct.ID, token) {
		s.log.Warn("google notification failed verification", "account_id", acct.ID, "channel_id", channelID)
		s.recordNotification(models.ProviderGoogle, resultRejected)
		return errorJSON(c, http.StatusUnauthorized, "invalid channel token")
	}

	s.trigger(c, acct)
	s.recordNotification(models.ProviderGoogle, resultAccepted)
	return c.NoContent(http.StatusOK)
}

type outlookNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	Resource       string `json:"resource"`
}

type outlookNotificationBatch struct {
	Value []outlookNotification `json:"value"`
}

// handleOutlookNotification answers subscription validation and processes
// change notifications. Each account in a batch is triggered at most once.
func (s *Server) handleOutlookNotification(c echo.Context) error {
	if token := c.QueryParam("validationToken"); token != "" {
		return c.String(http.StatusOK, token)
	}

	var batch outlookNotificationBatch
	if err := json.NewDecoder(c.Request().Body).Decode(&batch); err != nil {
		s.recordNotification(models.ProviderOutlook, resultRejected)
		return errorJSON(c, http.StatusBadRequest, "invalid notification payload")
	}

	ctx := c.Request().Context()
	seen := make(map[string]bool, len(batch.Value))
	rejected := 0
	for _, n := range batch.Value {
		if n.SubscriptionID == "" || seen[n.SubscriptionID] {
			continue
		}
		seen[n.SubscriptionID] = true

		acct, err := s.cfg.Accounts.GetByWebhookChannel(ctx, n.SubscriptionID)
		if err != nil {
			return err
		}
		if acct == nil || !acct.IsActive || acct.Provider != models.ProviderOutlook {
			s.recordNotification(models.ProviderOutlook, resultIgnored)
			continue
		}
		if !s.cfg.Webhooks.Verify(acct.ID, n.ClientState) {
			s.log.Warn("outlook notification failed verification", "account_id", acct.ID, "subscription_id", n.SubscriptionID)
			s.recordNotification(models.ProviderOutlook, resultRejected)
			rejected++
			continue
		}

		s.trigger(c, acct)
		s.recordNotification(models.ProviderOutlook, resultAccepted)
	}

	if rejected > 0 && rejected == len(seen) {
		return errorJSON(c, http.StatusUnauthorized, "invalid client state")
	}
	return c.NoContent(http.StatusAccepted)
}

func (s *Server) trigger(c echo.Context, acct *models.CalendarAccount) {
	if err := s.cfg.Trigger.TriggerSync(c.Request().Context(), acct.ID); err != nil {
		s.log.Error("failed to trigger webhook sync", "account_id", acct.ID, "error", err)
	}
}

func (s *Server) recordNotification(provider models.Provider, result string) {
	s.cfg.Metrics.RecordWebhookNotification(string(provider), result)
}
