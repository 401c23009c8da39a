package accounts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// OAuthConfig describes the upstream's OAuth2 code-grant endpoints. Unlike
// the teacher's antigravity package, none of these are hardcoded: the
// pool is meant to onboard accounts against whichever provider a
// ProviderInfo entry names, so the client credentials and endpoints come
// from configuration.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	Scopes       []string

	// UserInfoURL, ProjectEndpoint and APIVersion drive the two
	// provider-specific calls that follow the generic OAuth2 exchange
	// (spec §4.5 "provider onboarding": fetch identity, then bind a
	// project).
	UserInfoURL     string
	ProjectEndpoint string
	APIVersion      string
	UserAgent       string
	APIClient       string
	ClientMetadata  string
}

func (c OAuthConfig) toOAuth2() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURL,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  c.AuthURL,
			TokenURL: c.TokenURL,
		},
	}
}

// Onboarder runs the authorization-code exchange and subsequent
// identity/project lookups needed to add an Account to the Pool.
// Grounded on internal/auth/antigravity.AntigravityAuth's three-step flow
// (ExchangeCodeForTokens -> FetchUserInfo -> FetchProjectID/OnboardUser),
// generalized from a single hardcoded Google client into a configurable
// oauth2.Config exchange so any provider in the registry can onboard the
// same way.
type Onboarder struct {
	cfg        OAuthConfig
	oauth      *oauth2.Config
	httpClient *http.Client
}

// NewOnboarder builds an Onboarder for cfg. A nil httpClient uses
// http.DefaultClient.
func NewOnboarder(cfg OAuthConfig, httpClient *http.Client) *Onboarder {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Onboarder{cfg: cfg, oauth: cfg.toOAuth2(), httpClient: httpClient}
}

// AuthURL builds the authorization redirect URL for state.
func (o *Onboarder) AuthURL(state string) string {
	return o.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent"))
}

// Exchange trades an authorization code for an oauth2.Token.
func (o *Onboarder) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	tok, err := o.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("onboard: exchange code: %w", err)
	}
	return tok, nil
}

// RefreshToken exchanges a refresh token for a new access token via the
// standard OAuth2 refresh grant (grounded on the teacher's refreshToken
// method, generalized to use oauth2.Config.TokenSource instead of a
// hand-rolled POST).
func (o *Onboarder) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	src := o.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return nil, fmt.Errorf("onboard: refresh token: %w", err)
	}
	return tok, nil
}

type userInfo struct {
	Email string `json:"email"`
}

// FetchUserInfo retrieves the account email backing accessToken.
func (o *Onboarder) FetchUserInfo(ctx context.Context, accessToken string) (string, error) {
	if strings.TrimSpace(accessToken) == "" {
		return "", fmt.Errorf("onboard: missing access token")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.cfg.UserInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("onboard: userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("onboard: userinfo: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return "", fmt.Errorf("onboard: userinfo: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var info userInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("onboard: decode userinfo: %w", err)
	}
	email := strings.TrimSpace(info.Email)
	if email == "" {
		return "", fmt.Errorf("onboard: userinfo missing email")
	}
	return email, nil
}

// FetchProjectID resolves the project binding for accessToken, onboarding
// a new project via OnboardUser if none exists yet (spec §4.7 step 7:
// accounts carry an upstream project binding used by the transformer).
func (o *Onboarder) FetchProjectID(ctx context.Context, accessToken string) (string, error) {
	if o.cfg.ProjectEndpoint == "" {
		return "", nil
	}
	body, _ := json.Marshal(map[string]any{
		"metadata": map[string]string{"platform": "PLATFORM_UNSPECIFIED", "pluginType": "GEMINI"},
	})

	endpoint := fmt.Sprintf("%s/%s:loadCodeAssist", o.cfg.ProjectEndpoint, o.cfg.APIVersion)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(string(body)))
	if err != nil {
		return "", fmt.Errorf("onboard: loadCodeAssist request: %w", err)
	}
	o.setAPIHeaders(req, accessToken)

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("onboard: loadCodeAssist: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("onboard: read loadCodeAssist response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return "", fmt.Errorf("onboard: loadCodeAssist: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var parsed map[string]any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("onboard: decode loadCodeAssist response: %w", err)
	}

	if id := projectIDFromValue(parsed["cloudaicompanionProject"]); id != "" {
		return id, nil
	}

	tierID := "legacy-tier"
	if tiers, ok := parsed["allowedTiers"].([]any); ok {
		for _, raw := range tiers {
			tier, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			if isDefault, _ := tier["isDefault"].(bool); isDefault {
				if id, ok := tier["id"].(string); ok && strings.TrimSpace(id) != "" {
					tierID = strings.TrimSpace(id)
					break
				}
			}
		}
	}
	return o.OnboardUser(ctx, accessToken, tierID)
}

func projectIDFromValue(v any) string {
	switch val := v.(type) {
	case string:
		return strings.TrimSpace(val)
	case map[string]any:
		if id, ok := val["id"].(string); ok {
			return strings.TrimSpace(id)
		}
	}
	return ""
}

// OnboardUser polls the provider's asynchronous project-provisioning
// operation until it completes (spec: onboarding may require an
// asynchronous project creation step on first use).
func (o *Onboarder) OnboardUser(ctx context.Context, accessToken, tierID string) (string, error) {
	log.WithField("tier", tierID).Info("onboarding new account project binding")

	body, _ := json.Marshal(map[string]any{
		"tierId":   tierID,
		"metadata": map[string]string{"platform": "PLATFORM_UNSPECIFIED", "pluginType": "GEMINI"},
	})

	const maxAttempts = 5
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)

		endpoint := fmt.Sprintf("%s/%s:onboardUser", o.cfg.ProjectEndpoint, o.cfg.APIVersion)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, strings.NewReader(string(body)))
		if err != nil {
			cancel()
			return "", fmt.Errorf("onboard: onboardUser request: %w", err)
		}
		o.setAPIHeaders(req, accessToken)

		resp, err := o.httpClient.Do(req)
		if err != nil {
			cancel()
			return "", fmt.Errorf("onboard: onboardUser: %w", err)
		}
		raw, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		cancel()
		if readErr != nil {
			return "", fmt.Errorf("onboard: read onboardUser response: %w", readErr)
		}

		if resp.StatusCode != http.StatusOK {
			preview := strings.TrimSpace(string(raw))
			if len(preview) > 200 {
				preview = preview[:200]
			}
			return "", fmt.Errorf("onboard: onboardUser: status %d: %s", resp.StatusCode, preview)
		}

		var data map[string]any
		if err := json.Unmarshal(raw, &data); err != nil {
			return "", fmt.Errorf("onboard: decode onboardUser response: %w", err)
		}
		if done, _ := data["done"].(bool); done {
			if response, ok := data["response"].(map[string]any); ok {
				if id := projectIDFromValue(response["cloudaicompanionProject"]); id != "" {
					return id, nil
				}
			}
			return "", fmt.Errorf("onboard: onboardUser completed without a project id")
		}

		time.Sleep(2 * time.Second)
	}
	return "", fmt.Errorf("onboard: onboardUser did not complete after %d attempts", maxAttempts)
}

func (o *Onboarder) setAPIHeaders(req *http.Request, accessToken string) {
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	if o.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", o.cfg.UserAgent)
	}
	if o.cfg.APIClient != "" {
		req.Header.Set("X-Goog-Api-Client", o.cfg.APIClient)
	}
	if o.cfg.ClientMetadata != "" {
		req.Header.Set("Client-Metadata", o.cfg.ClientMetadata)
	}
}

// Onboard runs the full exchange for a provider login callback: code ->
// token -> email -> project binding. The caller passes the result to
// Pool.Add.
func (o *Onboarder) Onboard(ctx context.Context, code string) (email, projectID string, tok *oauth2.Token, err error) {
	tok, err = o.Exchange(ctx, code)
	if err != nil {
		return "", "", nil, err
	}
	email, err = o.FetchUserInfo(ctx, tok.AccessToken)
	if err != nil {
		return "", "", nil, err
	}
	projectID, err = o.FetchProjectID(ctx, tok.AccessToken)
	if err != nil {
		return "", "", nil, err
	}
	return email, projectID, tok, nil
}
