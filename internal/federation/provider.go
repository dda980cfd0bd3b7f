package federation

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/oauth2"
)

// ExternalUserInfo holds standardized user information retrieved from an external OAuth2 provider.
type ExternalUserInfo struct {
	ProviderUserID string // GitHub numeric id, Google 'sub', ORCID iD
	Email          string
	FullName       string
	FirstName      string
	LastName       string
	Username       string
	PictureURL     string
	RawData        map[string]any
}

// DisplayName returns the best available human-readable name.
func (u *ExternalUserInfo) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}

	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}

	return u.Username
}

// ProviderConfig is the static configuration of one provider.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	Scopes       []string
	// Endpoint overrides the provider's well-known endpoints when set.
	Endpoint oauth2.Endpoint
}

// OAuth2Provider defines the interface for an external OAuth2 identity provider.
type OAuth2Provider interface {
	// Name returns the unique identifier for the provider (e.g., "github", "orcid").
	Name() string

	// GetOAuth2Config returns the oauth2.Config for the provider with the
	// given redirect URL.
	GetOAuth2Config(redirectURL string) (*oauth2.Config, error)

	// GetAuthCodeURL generates the authorization URL the user should be redirected to.
	GetAuthCodeURL(state, redirectURL string, opts ...oauth2.AuthCodeOption) (string, error)

	// ExchangeCode exchanges an authorization code for an OAuth2 token.
	ExchangeCode(ctx context.Context, redirectURL string, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error)

	// FetchUserInfo uses the token to retrieve the user's profile.
	FetchUserInfo(ctx context.Context, token *oauth2.Token) (*ExternalUserInfo, error)

	// GetHttpClient returns an *http.Client authenticated with the given token.
	GetHttpClient(ctx context.Context, token *oauth2.Token) *http.Client
}

// BaseProvider implements the parts of OAuth2Provider shared by every provider.
// Providers embed it and supply their default endpoint and FetchUserInfo.
type BaseProvider struct {
	Config          *ProviderConfig
	defaultEndpoint oauth2.Endpoint
}

func NewBaseProvider(cfg *ProviderConfig, defaultEndpoint oauth2.Endpoint, requiredScopes ...string) *BaseProvider {
	for _, scope := range requiredScopes {
		if !slices.Contains(cfg.Scopes, scope) {
			cfg.Scopes = append(cfg.Scopes, scope)
		}
	}

	return &BaseProvider{Config: cfg, defaultEndpoint: defaultEndpoint}
}

func (b *BaseProvider) Name() string {
	return b.Config.Name
}

func (b *BaseProvider) endpoint() oauth2.Endpoint {
	if b.Config.Endpoint.TokenURL != "" {
		return b.Config.Endpoint
	}

	return b.defaultEndpoint
}

// GetOAuth2Config constructs an oauth2.Config from the provider configuration.
func (b *BaseProvider) GetOAuth2Config(redirectURL string) (*oauth2.Config, error) {
	if b.Config.ClientID == "" || b.Config.ClientSecret == "" {
		return nil, ErrProviderMisconfigured
	}

	return &oauth2.Config{
		ClientID:     b.Config.ClientID,
		ClientSecret: b.Config.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       b.Config.Scopes,
		Endpoint:     b.endpoint(),
	}, nil
}

func (b *BaseProvider) GetAuthCodeURL(state, redirectURL string, opts ...oauth2.AuthCodeOption) (string, error) {
	conf, err := b.GetOAuth2Config(redirectURL)
	if err != nil {
		return "", err
	}

	return conf.AuthCodeURL(state, opts...), nil
}

func (b *BaseProvider) ExchangeCode(ctx context.Context, redirectURL string, code string, opts ...oauth2.AuthCodeOption) (*oauth2.Token, error) {
	conf, err := b.GetOAuth2Config(redirectURL)
	if err != nil {
		return nil, err
	}

	return conf.Exchange(ctx, code, opts...)
}

func (b *BaseProvider) GetHttpClient(ctx context.Context, token *oauth2.Token) *http.Client {
	conf, err := b.GetOAuth2Config("")
	if err != nil {
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(token))
	}

	return conf.Client(ctx, token)
}

// FetchUserInfo must be overridden by each provider.
func (b *BaseProvider) FetchUserInfo(context.Context, *oauth2.Token) (*ExternalUserInfo, error) {
	return nil, errors.New("FetchUserInfo not implemented in BaseProvider; must be overridden")
}

func splitName(fullName string) (string, string) {
	if fullName == "" {
		return "", ""
	}

	parts := strings.SplitN(fullName, " ", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}

	return parts[0], parts[1]
}
