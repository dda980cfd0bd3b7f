package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	googleOAuth2 "golang.org/x/oauth2/google"
)

var GoogleUserInfoEndpoint = "https://www.googleapis.com/oauth2/v3/userinfo"

// GoogleProvider implements the OAuth2Provider interface for Google.
type GoogleProvider struct {
	*BaseProvider
}

// NewGoogleProvider creates a new GoogleProvider requesting the openid,
// profile and email scopes.
func NewGoogleProvider(cfg *ProviderConfig) (*GoogleProvider, error) {
	if cfg.Name == "" {
		cfg.Name = "google"
	}

	return &GoogleProvider{
		BaseProvider: NewBaseProvider(cfg, googleOAuth2.Endpoint, "openid", "profile", "email"),
	}, nil
}

// FetchUserInfo reads the OpenID Connect userinfo document.
func (g *GoogleProvider) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*ExternalUserInfo, error) {
	client := g.GetHttpClient(ctx, token)

	resp, err := client.Get(GoogleUserInfoEndpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to get user info from Google: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to fetch user info from Google: status %d, body: %s", resp.StatusCode, string(bodyBytes))
	}

	var rawUserInfo struct {
		Sub           string `json:"sub"`
		Name          string `json:"name"`
		GivenName     string `json:"given_name"`
		FamilyName    string `json:"family_name"`
		Picture       string `json:"picture"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read Google user info response body: %w", err)
	}
	if err := json.Unmarshal(rawBody, &rawUserInfo); err != nil {
		return nil, fmt.Errorf("failed to unmarshal Google user info: %w", err)
	}
	if rawUserInfo.Sub == "" {
		return nil, fmt.Errorf("google user info is missing 'sub'")
	}

	var rawDataMap map[string]interface{}
	_ = json.Unmarshal(rawBody, &rawDataMap)

	return &ExternalUserInfo{
		ProviderUserID: rawUserInfo.Sub,
		Email:          rawUserInfo.Email,
		FullName:       rawUserInfo.Name,
		FirstName:      rawUserInfo.GivenName,
		LastName:       rawUserInfo.FamilyName,
		Username:       rawUserInfo.Email,
		PictureURL:     rawUserInfo.Picture,
		RawData:        rawDataMap,
	}, nil
}

var _ OAuth2Provider = (*GoogleProvider)(nil)
