package federation

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"

	"github.com/pilab-dev/docid-auth/tracing"
)

// Service routes authorization requests and callbacks to the registered providers.
type Service struct {
	mu                 sync.RWMutex
	providerRegistry   map[string]OAuth2Provider
	defaultRedirectURL string
	httpClient         *http.Client
}

// NewService creates a new federation Service. defaultRedirectURL is the
// base of the callback routes, e.g. "https://docid.example.org/api/auth";
// the provider callback is "<base>/<provider>/callback".
func NewService(defaultRedirectURL string) *Service {
	return &Service{
		providerRegistry:   make(map[string]OAuth2Provider),
		defaultRedirectURL: defaultRedirectURL,
	}
}

// SetHTTPClient sets the client used for token exchanges and user info
// calls. The zero value uses http.DefaultClient.
func (s *Service) SetHTTPClient(c *http.Client) {
	s.httpClient = c
}

// RegisterProvider adds provider under its Name, replacing any previous one.
func (s *Service) RegisterProvider(provider OAuth2Provider) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.providerRegistry[provider.Name()] = provider
}

// GetProvider returns the registered provider or ErrProviderNotFound.
func (s *Service) GetProvider(providerName string) (OAuth2Provider, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	provider, ok := s.providerRegistry[providerName]
	if !ok {
		return nil, ErrProviderNotFound
	}

	return provider, nil
}

// Providers lists the registered provider names in sorted order.
func (s *Service) Providers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.providerRegistry))
	for name := range s.providerRegistry {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// GenerateAuthState generates a unique, unguessable string for the state parameter.
func (s *Service) GenerateAuthState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GetAuthorizationURL returns the provider URL the browser is sent to.
func (s *Service) GetAuthorizationURL(_ context.Context, providerName string, state string, opts ...oauth2.AuthCodeOption) (string, error) {
	provider, err := s.GetProvider(providerName)
	if err != nil {
		return "", err
	}

	return provider.GetAuthCodeURL(state, s.GetRedirectURLForProvider(providerName), opts...)
}

// Exchange trades code for a token and fetches the user's profile.
func (s *Service) Exchange(ctx context.Context, providerName, code string, opts ...oauth2.AuthCodeOption) (*ExternalUserInfo, *oauth2.Token, error) {
	provider, err := s.GetProvider(providerName)
	if err != nil {
		return nil, nil, err
	}

	ctx, span := tracing.StartSpan(ctx, "federation.Exchange")
	defer span.End()
	span.SetAttributes(attribute.String("provider", providerName))

	if s.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	}

	token, err := provider.ExchangeCode(ctx, s.GetRedirectURLForProvider(providerName), code, opts...)
	if err != nil {
		span.RecordError(err)
		return nil, nil, fmt.Errorf("%w: %v", ErrExchangeCodeFailed, err)
	}

	userInfo, err := provider.FetchUserInfo(ctx, token)
	if err != nil {
		span.RecordError(err)
		return nil, token, fmt.Errorf("%w: %v", ErrFetchUserInfoFailed, err)
	}

	return userInfo, token, nil
}

// GetRedirectURLForProvider returns the callback URL registered with the
// provider, e.g. https://docid.example.org/api/auth/github/callback.
func (s *Service) GetRedirectURLForProvider(providerName string) string {
	base := strings.TrimSuffix(s.defaultRedirectURL, "/")

	return fmt.Sprintf("%s/%s/callback", base, url.PathEscape(providerName))
}
