// Package provider is the linking engine: it drives the OAuth2
// authorization-code and refresh flows against configured external
// providers and commits the resulting link state through the accounts
// service.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/oauth2"
)

var (
	// ErrNotFound means no such provider or link exists. Surfaced where
	// the caller's contract is not a "maybe" lookup.
	ErrNotFound = errors.New("not found")

	// ErrInvalidOAuth2State means the anti-forgery state presented with an
	// authorization code does not match what was stored for the user.
	ErrInvalidOAuth2State = errors.New("invalid oauth2 state")

	// ErrExternalService wraps transient provider/network failures. Never
	// treated as proof a credential is invalid.
	ErrExternalService = errors.New("external service failure")
)

// Config describes one registered external provider. Endpoints left empty
// are discovered from the issuer's well-known configuration document.
type Config struct {
	Name         string
	ClientID     string
	ClientSecret string
	Issuer       string
	Scopes       []string
	LinkLifetime time.Duration

	// Passport providers return a ga4gh_passport_v1 claim from user info.
	Passport bool

	// ExternalIDClaim is the user-info claim holding the provider-side
	// user id.
	ExternalIDClaim string

	AuthorizationEndpoint string
	TokenEndpoint         string
	UserInfoEndpoint      string
	RevokeEndpoint        string
	ValidationEndpoint    string
}

// endpoints is the resolved endpoint set for a provider, either statically
// pinned or discovered.
type endpoints struct {
	Authorization string
	Token         string
	UserInfo      string
}

type providerMetadata struct {
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
	UserInfoEndpoint      string `json:"userinfo_endpoint"`
}

// resolveEndpoints fills in any endpoint the static config leaves blank
// from the issuer's well-known document, caching the discovery result.
func (s *Service) resolveEndpoints(ctx context.Context, cfg Config) (endpoints, error) {
	eps := endpoints{
		Authorization: cfg.AuthorizationEndpoint,
		Token:         cfg.TokenEndpoint,
		UserInfo:      cfg.UserInfoEndpoint,
	}
	if eps.Authorization != "" && eps.Token != "" && eps.UserInfo != "" {
		return eps, nil
	}

	meta, err := s.discover(ctx, cfg.Issuer)
	if err != nil {
		return endpoints{}, err
	}
	if eps.Authorization == "" {
		eps.Authorization = meta.AuthorizationEndpoint
	}
	if eps.Token == "" {
		eps.Token = meta.TokenEndpoint
	}
	if eps.UserInfo == "" {
		eps.UserInfo = meta.UserInfoEndpoint
	}
	return eps, nil
}

func (s *Service) discover(ctx context.Context, issuer string) (providerMetadata, error) {
	if item := s.discoveryCache.Get(issuer); item != nil {
		return item.Value(), nil
	}

	url := issuer + "/.well-known/openid-configuration"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return providerMetadata{}, fmt.Errorf("failed to build discovery request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return providerMetadata{}, fmt.Errorf("%w: discovery for %s: %v", ErrExternalService, issuer, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return providerMetadata{}, fmt.Errorf("%w: discovery for %s returned %d", ErrExternalService, issuer, resp.StatusCode)
	}

	var meta providerMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return providerMetadata{}, fmt.Errorf("failed to decode discovery document for %s: %w", issuer, err)
	}
	s.discoveryCache.Set(issuer, meta, ttlcache.DefaultTTL)
	return meta, nil
}

// oauth2Config builds the exchange configuration for a provider with its
// resolved endpoints.
func oauth2Config(cfg Config, eps endpoints, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:  eps.Authorization,
			TokenURL: eps.Token,
		},
		RedirectURL: redirectURI,
		Scopes:      cfg.Scopes,
	}
}
