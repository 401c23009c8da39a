package accounts

// DefaultOAuthConfigs returns the built-in OAuth2 client wiring for each
// provider the registry knows about. Authorization-code capture itself is
// out of scope (spec §1 non-goals: "assumed to deliver an opaque code to
// the core"); these are the endpoints and installed-app client the core
// still needs to complete the code exchange, carried over verbatim from
// the teacher's internal/auth/antigravity/constants.go.
func DefaultOAuthConfigs(redirectURL string) map[string]OAuthConfig {
	return map[string]OAuthConfig{
		"gemini": {
			ClientID:     "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com",
			ClientSecret: "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",
			RedirectURL:  redirectURL,
			AuthURL:      "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL:     "https://oauth2.googleapis.com/token",
			Scopes: []string{
				"https://www.googleapis.com/auth/cloud-platform",
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
				"https://www.googleapis.com/auth/cclog",
				"https://www.googleapis.com/auth/experimentsandconfigs",
			},
			UserInfoURL:     "https://www.googleapis.com/oauth2/v1/userinfo?alt=json",
			ProjectEndpoint: "https://cloudcode-pa.googleapis.com",
			APIVersion:      "v1internal",
			UserAgent:       "google-api-nodejs-client/9.15.1",
			APIClient:       "google-cloud-sdk vscode_cloudshelleditor/0.1",
			ClientMetadata:  `{"ideType":"IDE_UNSPECIFIED","platform":"PLATFORM_UNSPECIFIED","pluginType":"GEMINI"}`,
		},
	}
}
