package federation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

var (
	ORCIDEndpoint = oauth2.Endpoint{
		AuthURL:   "https://orcid.org/oauth/authorize",
		TokenURL:  "https://orcid.org/oauth/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}
	ORCIDSandboxEndpoint = oauth2.Endpoint{
		AuthURL:   "https://sandbox.orcid.org/oauth/authorize",
		TokenURL:  "https://sandbox.orcid.org/oauth/token",
		AuthStyle: oauth2.AuthStyleInParams,
	}

	// ORCIDPublicAPI is the base of the public record API used to look up
	// the member's email. Overridable for tests.
	ORCIDPublicAPI        = "https://pub.orcid.org/v3.0"
	ORCIDSandboxPublicAPI = "https://pub.sandbox.orcid.org/v3.0"
)

var errMissingORCID = errors.New("orcid: token response has no 'orcid' field")

// ORCIDProvider implements the OAuth2Provider interface for ORCID. ORCID
// returns the iD and the display name in the token response itself, so
// FetchUserInfo only calls the public API for the (optional) email.
type ORCIDProvider struct {
	*BaseProvider
	sandbox bool
}

// NewORCIDProvider creates a new ORCIDProvider against production or the
// ORCID sandbox.
func NewORCIDProvider(cfg *ProviderConfig, sandbox bool) (*ORCIDProvider, error) {
	if cfg.Name == "" {
		cfg.Name = "orcid"
	}

	endpoint := ORCIDEndpoint
	if sandbox {
		endpoint = ORCIDSandboxEndpoint
	}

	return &ORCIDProvider{
		BaseProvider: NewBaseProvider(cfg, endpoint, "/authenticate"),
		sandbox:      sandbox,
	}, nil
}

// FetchUserInfo builds the profile from the token extras and adds the
// primary public email when one is visible. Email lookup failures are not
// fatal.
func (o *ORCIDProvider) FetchUserInfo(ctx context.Context, token *oauth2.Token) (*ExternalUserInfo, error) {
	orcidID, _ := token.Extra("orcid").(string)
	if orcidID == "" {
		return nil, errMissingORCID
	}

	name, _ := token.Extra("name").(string)
	firstName, lastName := splitName(name)

	email, err := o.fetchEmail(ctx, token, orcidID)
	if err != nil {
		log.Ctx(ctx).Warn().Err(err).Str("orcid", orcidID).Msg("orcid: email lookup failed")
	}

	return &ExternalUserInfo{
		ProviderUserID: orcidID,
		Email:          email,
		FullName:       name,
		FirstName:      firstName,
		LastName:       lastName,
		Username:       orcidID,
		RawData: map[string]any{
			"orcid": orcidID,
			"name":  name,
		},
	}, nil
}

func (o *ORCIDProvider) fetchEmail(ctx context.Context, token *oauth2.Token, orcidID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s/email", o.base(), orcidID), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := o.GetHttpClient(ctx, token).Do(req)
	if err != nil {
		return "", fmt.Errorf("orcid: failed to get email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("orcid: email lookup returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("orcid: failed to read email response: %w", err)
	}

	emails := gjson.GetBytes(body, "email").Array()
	for _, e := range emails {
		if e.Get("primary").Bool() {
			return e.Get("email").String(), nil
		}
	}
	if len(emails) > 0 {
		return emails[0].Get("email").String(), nil
	}

	return "", nil
}

// base reads the package variables at call time so tests can override them.
func (o *ORCIDProvider) base() string {
	if o.sandbox {
		return ORCIDSandboxPublicAPI
	}

	return ORCIDPublicAPI
}

var _ OAuth2Provider = (*ORCIDProvider)(nil)
