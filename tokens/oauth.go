// ABOUTME: OAuth2 configuration per calendar provider
// ABOUTME: Builds immutable oauth2.Config values for Google and Microsoft identity endpoints
package tokens

import (
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/harperreed/calsync/models"
)

// Credentials are the OAuth client settings for one provider.
type Credentials struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	// Tenant is the Azure AD tenant for Outlook; "common" when empty.
	Tenant string
	// TokenURL and AuthURL override the provider endpoints (tests).
	TokenURL string
	AuthURL  string
}

var (
	GoogleScopes = []string{
		"https://www.googleapis.com/auth/calendar",
		"https://www.googleapis.com/auth/tasks",
		"https://www.googleapis.com/auth/userinfo.email",
	}
	OutlookScopes = []string{
		"offline_access",
		"User.Read",
		"Calendars.ReadWrite",
		"Tasks.ReadWrite",
	}
)

// NewOAuthConfig creates the OAuth2 config for provider.
// The returned value is never mutated after construction and is safe to share.
func NewOAuthConfig(provider models.Provider, creds Credentials) (*oauth2.Config, error) {
	if creds.ClientID == "" || creds.ClientSecret == "" {
		return nil, fmt.Errorf("%s OAuth credentials not configured", provider)
	}

	var endpoint oauth2.Endpoint
	var scopes []string
	switch provider {
	case models.ProviderGoogle:
		endpoint = google.Endpoint
		scopes = GoogleScopes
	case models.ProviderOutlook:
		tenant := creds.Tenant
		if tenant == "" {
			tenant = "common"
		}
		endpoint = microsoft.AzureADEndpoint(tenant)
		endpoint.AuthStyle = oauth2.AuthStyleInParams
		scopes = OutlookScopes
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}

	if creds.TokenURL != "" {
		endpoint.TokenURL = creds.TokenURL
	}
	if creds.AuthURL != "" {
		endpoint.AuthURL = creds.AuthURL
	}

	return &oauth2.Config{
		ClientID:     creds.ClientID,
		ClientSecret: creds.ClientSecret,
		RedirectURL:  creds.RedirectURL,
		Scopes:       append([]string(nil), scopes...),
		Endpoint:     endpoint,
	}, nil
}
