package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"slices"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	githubOAuth2 "golang.org/x/oauth2/github"
)

var (
	GithubUserInfoEndpoint   = "https://api.github.com/user"
	GithubUserEmailsEndpoint = "https://api.github.com/user/emails"
)

// GitHubProvider implements the OAuth2Provider interface for GitHub.
type GitHubProvider struct {
	*BaseProvider
}

// NewGitHubProvider creates a new GitHubProvider. The read:user and
// user:email scopes are always requested.
func NewGitHubProvider(cfg *ProviderConfig) (*GitHubProvider, error) {
	if cfg.Name == "" {
		cfg.Name = "github"
	}

	return &GitHubProvider{
		BaseProvider: NewBaseProvider(cfg, githubOAuth2.Endpoint, "read:user", "user:email"),
	}, nil
}

// FetchUserInfo fetches the GitHub profile and, when the user:email scope
// was granted, the primary verified address from /user/emails.
func (g *GitHubProvider) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*ExternalUserInfo, error) {
	client := g.GetHttpClient(ctx, token)

	userResp, err := client.Get(GithubUserInfoEndpoint)
	if err != nil {
		return nil, fmt.Errorf("github: failed to get user info: %w", err)
	}
	defer userResp.Body.Close()

	if userResp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(userResp.Body)
		return nil, fmt.Errorf("github: failed to fetch user info: status %d, body: %s", userResp.StatusCode, string(bodyBytes))
	}

	var rawUserInfo struct {
		ID        json.Number `json:"id"`
		Login     string      `json:"login"`
		Name      string      `json:"name"`
		Email     string      `json:"email"`
		AvatarURL string      `json:"avatar_url"`
	}

	userBody, err := io.ReadAll(userResp.Body)
	if err != nil {
		return nil, fmt.Errorf("github: failed to read user info response body: %w", err)
	}
	if err := json.Unmarshal(userBody, &rawUserInfo); err != nil {
		return nil, fmt.Errorf("github: failed to unmarshal user info: %w", err)
	}

	var rawDataMap map[string]interface{}
	_ = json.Unmarshal(userBody, &rawDataMap)

	fullName := rawUserInfo.Name
	if fullName == "" {
		fullName = rawUserInfo.Login
	}
	firstName, lastName := splitName(fullName)

	email := rawUserInfo.Email
	if slices.Contains(g.Config.Scopes, "user:email") {
		if primary, err := g.fetchPrimaryEmail(client); err != nil {
			log.Ctx(ctx).Warn().Err(err).Msg("github: falling back to profile email")
		} else if primary != "" {
			email = primary
		}
	}

	return &ExternalUserInfo{
		ProviderUserID: string(rawUserInfo.ID),
		Email:          email,
		FullName:       fullName,
		FirstName:      firstName,
		LastName:       lastName,
		Username:       rawUserInfo.Login,
		PictureURL:     rawUserInfo.AvatarURL,
		RawData:        rawDataMap,
	}, nil
}

// fetchPrimaryEmail returns the primary verified address, else the first
// verified one, else "".
func (g *GitHubProvider) fetchPrimaryEmail(client *http.Client) (string, error) {
	resp, err := client.Get(GithubUserEmailsEndpoint)
	if err != nil {
		return "", fmt.Errorf("github: failed to get user emails: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("github: user emails returned status %d", resp.StatusCode)
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", fmt.Errorf("github: failed to decode user emails: %w", err)
	}

	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, nil
		}
	}

	return "", nil
}

var _ OAuth2Provider = (*GitHubProvider)(nil)
