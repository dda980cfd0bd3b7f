// Package api implements the gateway's auth routes independently of the
// HTTP framework. The gin and echo subpackages only translate requests and
// responses.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/pilab-dev/docid-auth/cache"
	"github.com/pilab-dev/docid-auth/internal/audit"
	apierr "github.com/pilab-dev/docid-auth/errors"
	"github.com/pilab-dev/docid-auth/internal/backend"
	"github.com/pilab-dev/docid-auth/internal/dedup"
	"github.com/pilab-dev/docid-auth/internal/federation"
	"github.com/pilab-dev/docid-auth/internal/metrics"
	"github.com/pilab-dev/docid-auth/log"
)

// Federation is the provider side of a login.
type Federation interface {
	GetProvider(name string) (federation.OAuth2Provider, error)
	GetAuthorizationURL(ctx context.Context, provider, state string, opts ...oauth2.AuthCodeOption) (string, error)
	GenerateAuthState() (string, error)
	Exchange(ctx context.Context, provider, code string, opts ...oauth2.AuthCodeOption) (*federation.ExternalUserInfo, *oauth2.Token, error)
}

// Backend is the DOCiD backend side of a login and of token refresh.
type Backend interface {
	RegisterSocialUser(ctx context.Context, identity backend.SocialIdentity) (*backend.RegisteredUser, error)
	RefreshToken(ctx context.Context, refreshToken string) (*backend.RefreshResult, error)
}

// AuthAPI holds the dependencies of the auth routes.
type AuthAPI struct {
	guard          *dedup.Guard
	federation     Federation
	backend        Backend
	hasher         *cache.Hasher
	metrics        *metrics.Metrics
	audit          *audit.Trail
	logger         log.Logger
	loginPath      string
	refreshTimeout time.Duration

	refreshGroup singleflight.Group
}

// Options are the optional dependencies of NewAuthAPI.
type Options struct {
	Hasher    *cache.Hasher
	Metrics   *metrics.Metrics
	Audit     *audit.Trail
	Logger    log.Logger
	LoginPath string
	// RefreshTimeout bounds one proxied refresh call, independent of the
	// request that started it.
	RefreshTimeout time.Duration
}

func NewAuthAPI(guard *dedup.Guard, fed Federation, be Backend, opts Options) *AuthAPI {
	if opts.Hasher == nil {
		opts.Hasher = cache.NewHasher("")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.LoginPath == "" {
		opts.LoginPath = "/login"
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}

	return &AuthAPI{
		guard:          guard,
		federation:     fed,
		backend:        be,
		hasher:         opts.Hasher,
		metrics:        opts.Metrics,
		audit:          opts.Audit,
		logger:         opts.Logger,
		loginPath:      opts.LoginPath,
		refreshTimeout: opts.RefreshTimeout,
	}
}

// Callback redeems an authorization code: it claims the code with the
// dedup guard, exchanges it with the provider and registers the identity
// with the backend.
func (a *AuthAPI) Callback(ctx context.Context, req CallbackRequest) (*CallbackResponse, *apierr.APIError) {
	logger := a.logger.With(log.Fields{"provider": req.Provider})

	if _, err := a.federation.GetProvider(req.Provider); err != nil {
		return nil, apierr.NewUnsupportedProvider(req.Provider)
	}

	if req.ProviderError != "" {
		logger.Warn(ctx, "Provider returned an error", log.Fields{
			"error":             req.ProviderError,
			"error_description": req.ProviderErrorDescription,
		})
		a.metrics.ObserveExchange(req.Provider, metrics.OutcomeRejected)
		a.audit.Record(ctx, audit.Event{Action: audit.ActionProviderRejected, Provider: req.Provider},
			errors.New(req.ProviderError))

		return nil, apierr.NewProviderError(req.Provider, req.ProviderError, req.ProviderErrorDescription)
	}

	if req.Code == "" {
		return nil, apierr.NewMissingCode()
	}

	if req.StateCookie != "" && req.StateCookie != req.State {
		logger.Warn(ctx, "State mismatch on callback")
		return nil, apierr.NewStateMismatch()
	}

	if err := a.guard.Claim(ctx, req.Code); err != nil {
		switch {
		case errors.Is(err, dedup.ErrDuplicateRequest):
			a.metrics.ObserveExchange(req.Provider, metrics.OutcomeDuplicate)
			a.audit.Record(ctx, audit.Event{
				Action:   audit.ActionDuplicateCode,
				Provider: req.Provider,
				CodeHash: a.hasher.Short(req.Code),
			}, err)
			return nil, apierr.NewDuplicateRequest()
		case errors.Is(err, dedup.ErrMissingCode):
			return nil, apierr.NewMissingCode()
		default:
			logger.Error(ctx, "Unexpected dedup failure", err)
			return nil, apierr.NewAuthenticationError(a.loginPath)
		}
	}

	userInfo, _, err := a.federation.Exchange(ctx, req.Provider, req.Code)
	if err != nil {
		logger.Error(ctx, "Provider exchange failed", err, log.Fields{"code_hash": a.hasher.Short(req.Code)})
		a.metrics.ObserveExchange(req.Provider, metrics.OutcomeFailure)
		a.audit.Record(ctx, audit.Event{
			Action:   audit.ActionSocialLogin,
			Provider: req.Provider,
			CodeHash: a.hasher.Short(req.Code),
		}, err)

		return nil, apierr.NewAuthenticationError(a.loginPath)
	}

	user, err := a.backend.RegisterSocialUser(ctx, backend.SocialIdentity{
		SocialID: userInfo.ProviderUserID,
		Type:     req.Provider,
		FullName: userInfo.DisplayName(),
		Email:    userInfo.Email,
		Avatar:   userInfo.PictureURL,
	})
	if err != nil {
		logger.Error(ctx, "Backend registration failed", err, log.Fields{"social_id": userInfo.ProviderUserID})
		a.metrics.ObserveExchange(req.Provider, metrics.OutcomeFailure)
		a.audit.Record(ctx, audit.Event{
			Action:   audit.ActionSocialLogin,
			Provider: req.Provider,
			SocialID: userInfo.ProviderUserID,
			CodeHash: a.hasher.Short(req.Code),
		}, err)

		return nil, apierr.NewAuthenticationError(a.loginPath)
	}

	a.metrics.ObserveExchange(req.Provider, metrics.OutcomeSuccess)
	a.audit.Record(ctx, audit.Event{
		Action:   audit.ActionSocialLogin,
		Provider: req.Provider,
		User:     user.UserID,
		SocialID: user.SocialID,
		CodeHash: a.hasher.Short(req.Code),
		Success:  true,
	}, nil)
	logger.Info(ctx, "Social login completed", log.Fields{"user_id": user.UserID})

	message := user.Message
	if message == "" {
		message = "Authentication successful"
	}

	return &CallbackResponse{
		Status:   true,
		UserID:   user.UserID,
		FullName: user.FullName,
		Email:    user.Email,
		Avatar:   user.Avatar,
		Type:     user.Type,
		SocialID: user.SocialID,
		Message:  message,
	}, nil
}

// Login prepares the redirect to the provider's authorize page.
func (a *AuthAPI) Login(ctx context.Context, provider string) (*LoginRedirect, *apierr.APIError) {
	if _, err := a.federation.GetProvider(provider); err != nil {
		return nil, apierr.NewUnsupportedProvider(provider)
	}

	state, err := a.federation.GenerateAuthState()
	if err != nil {
		a.logger.Error(ctx, "Failed to generate auth state", err)
		return nil, apierr.NewInternal()
	}

	authURL, err := a.federation.GetAuthorizationURL(ctx, provider, state)
	if err != nil {
		a.logger.Error(ctx, "Failed to build authorization URL", err, log.Fields{"provider": provider})
		return nil, apierr.NewAuthenticationError(a.loginPath)
	}

	return &LoginRedirect{URL: authURL, State: state}, nil
}

// Refresh forwards a refresh token to the backend. Identical refresh
// tokens arriving concurrently share one backend call. On success the
// backend's status and body are returned unchanged.
func (a *AuthAPI) Refresh(ctx context.Context, req RefreshRequest) (int, []byte, *apierr.APIError) {
	if req.RefreshToken == "" {
		return 0, nil, apierr.NewInvalidRequest("Refresh token is required")
	}

	key := a.hasher.Hash(req.RefreshToken)

	v, err, shared := a.refreshGroup.Do(key, func() (any, error) {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.refreshTimeout)
		defer cancel()

		return a.backend.RefreshToken(callCtx, req.RefreshToken)
	})
	if shared {
		a.metrics.ObserveRefresh(metrics.OutcomeCoalesced)
	}

	if err != nil {
		var se *backend.StatusError
		if errors.As(err, &se) {
			a.metrics.ObserveRefresh(metrics.OutcomeRejected)
			a.logger.Warn(ctx, "Backend rejected refresh", log.Fields{"status": se.Status, "token_hash": key[:12]})

			msg := se.Message
			if msg == "" {
				msg = "Token refresh failed"
			}

			return 0, nil, apierr.NewRefreshFailed(se.Status, msg)
		}

		a.metrics.ObserveRefresh(metrics.OutcomeFailure)
		a.logger.Error(ctx, "Refresh proxy failed", err, log.Fields{"token_hash": key[:12]})

		return 0, nil, apierr.NewRefreshFailed(http.StatusBadGateway, "Token refresh failed")
	}

	a.metrics.ObserveRefresh(metrics.OutcomeSuccess)

	res := v.(*backend.RefreshResult)

	return res.Status, res.Body, nil
}
