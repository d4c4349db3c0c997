package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/cardeahq/cardea/internal/accounts"
	"github.com/cardeahq/cardea/internal/clock"
	"github.com/cardeahq/cardea/internal/model"
	"github.com/cardeahq/cardea/internal/passport"
	"github.com/cardeahq/cardea/internal/store"
)

const defaultExternalIDClaim = "sub"

// ServiceConfig wires the linking engine's collaborators.
type ServiceConfig struct {
	Providers []Config
	Accounts  *accounts.Service
	Passports *passport.Service
	Store     store.Store
	Clock     clock.Clock

	// HTTPTimeout bounds every outbound call. Defaults to 30s.
	HTTPTimeout time.Duration

	// DiscoveryTTL caps how long a provider's discovered endpoint set is
	// reused. Defaults to 1h.
	DiscoveryTTL time.Duration
}

// Service exchanges authorization codes and refresh tokens with external
// providers and keeps the stored link state in step with the results.
type Service struct {
	providers      map[string]Config
	accounts       *accounts.Service
	passports      *passport.Service
	store          store.Store
	clock          clock.Clock
	httpClient     *http.Client
	discoveryCache *ttlcache.Cache[string, providerMetadata]
	logger         *logrus.Entry
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystemClock()
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if cfg.DiscoveryTTL == 0 {
		cfg.DiscoveryTTL = time.Hour
	}

	providers := make(map[string]Config, len(cfg.Providers))
	for _, p := range cfg.Providers {
		providers[p.Name] = p
	}

	cache := ttlcache.New(
		ttlcache.WithTTL[string, providerMetadata](cfg.DiscoveryTTL),
	)
	go cache.Start()

	return &Service{
		providers:      providers,
		accounts:       cfg.Accounts,
		passports:      cfg.Passports,
		store:          cfg.Store,
		clock:          cfg.Clock,
		httpClient:     &http.Client{Timeout: cfg.HTTPTimeout},
		discoveryCache: cache,
		logger:         logrus.WithField("component", "provider"),
	}
}

// Close stops the discovery cache's expiration goroutine.
func (s *Service) Close() {
	s.discoveryCache.Stop()
}

// ProviderNames lists the configured providers in sorted order.
func (s *Service) ProviderNames() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Service) config(name string) (Config, error) {
	cfg, ok := s.providers[name]
	if !ok {
		return Config{}, fmt.Errorf("%w: provider %q", ErrNotFound, name)
	}
	return cfg, nil
}

// GetAuthorizationURL stores fresh anti-forgery state for the user and
// returns the provider's authorization URL carrying it.
func (s *Service) GetAuthorizationURL(ctx context.Context, providerName, userID, redirectURI string) (string, error) {
	cfg, err := s.config(providerName)
	if err != nil {
		return "", err
	}
	eps, err := s.resolveEndpoints(ctx, cfg)
	if err != nil {
		return "", err
	}

	state := model.OAuth2State{
		Provider:    providerName,
		Random:      uuid.NewString(),
		RedirectURI: redirectURI,
	}
	if err := s.store.UpsertOAuth2State(ctx, userID, state); err != nil {
		return "", err
	}
	return oauth2Config(cfg, eps, redirectURI).AuthCodeURL(state.Encode(), oauth2.AccessTypeOffline), nil
}

// CreateLink exchanges an authorization code for tokens and commits the
// resulting linked account, with passport and visas for passport-style
// providers. The redirect URI for the exchange is the one bound into the
// stored state. Any step failing aborts the whole link.
func (s *Service) CreateLink(ctx context.Context, providerName, userID, code, encodedState string) (*model.LinkedAccountWithPassportAndVisas, error) {
	cfg, err := s.config(providerName)
	if err != nil {
		return nil, err
	}

	state, err := model.DecodeOAuth2State(encodedState)
	if err != nil || state.Provider != providerName {
		return nil, ErrInvalidOAuth2State
	}
	existed, err := s.store.TakeOAuth2State(ctx, userID, state)
	if err != nil {
		return nil, err
	}
	if !existed {
		return nil, ErrInvalidOAuth2State
	}

	eps, err := s.resolveEndpoints(ctx, cfg)
	if err != nil {
		return nil, err
	}
	token, err := oauth2Config(cfg, eps, state.RedirectURI).Exchange(ctx, code)
	if err != nil {
		return nil, classifyOAuth2Error("code exchange", err)
	}

	return s.commitLink(ctx, cfg, eps, userID, token)
}

// commitLink turns a fresh token into stored link state: user info, passport
// ingestion for passport providers, then the atomic upsert.
func (s *Service) commitLink(ctx context.Context, cfg Config, eps endpoints, userID string, token *oauth2.Token) (*model.LinkedAccountWithPassportAndVisas, error) {
	userInfo, err := s.fetchUserInfo(ctx, cfg, eps, token)
	if err != nil {
		return nil, err
	}

	externalIDClaim := cfg.ExternalIDClaim
	if externalIDClaim == "" {
		externalIDClaim = defaultExternalIDClaim
	}
	externalID, _ := userInfo[externalIDClaim].(string)
	if externalID == "" {
		return nil, fmt.Errorf("user info from %s missing %q claim", cfg.Name, externalIDClaim)
	}

	candidate := model.LinkedAccountWithPassportAndVisas{
		LinkedAccount: model.LinkedAccount{
			UserID:          userID,
			Provider:        cfg.Name,
			ExternalUserID:  externalID,
			RefreshToken:    token.RefreshToken,
			Expires:         s.clock.Now().Add(cfg.LinkLifetime),
			IsAuthenticated: true,
		},
	}

	if cfg.Passport {
		if rawPassport, ok := userInfo[passport.PassportVisasClaim].(string); ok && rawPassport != "" {
			validated, err := s.passports.DecodeAndValidatePassport(ctx, rawPassport)
			if err != nil {
				return nil, err
			}
			candidate.Passport = &validated.Passport
			candidate.Visas = validated.Visas
		}
	}

	return s.accounts.UpsertLinkedAccountWithPassportAndVisas(ctx, candidate)
}

func (s *Service) fetchUserInfo(ctx context.Context, cfg Config, eps endpoints, token *oauth2.Token) (map[string]interface{}, error) {
	client := oauth2Config(cfg, eps, "").Client(ctx, token)
	client.Timeout = s.httpClient.Timeout

	resp, err := client.Get(eps.UserInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: user info from %s: %v", ErrExternalService, cfg.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: user info from %s returned %d", ErrExternalService, cfg.Name, resp.StatusCode)
	}

	var userInfo map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&userInfo); err != nil {
		return nil, fmt.Errorf("failed to decode user info from %s: %w", cfg.Name, err)
	}
	return userInfo, nil
}

// DeleteLink revokes the provider-side grant on a best-effort basis and
// removes the stored link. Missing links surface as ErrNotFound.
func (s *Service) DeleteLink(ctx context.Context, userID, providerName string) error {
	cfg, err := s.config(providerName)
	if err != nil {
		return err
	}
	account, err := s.store.GetLinkedAccountForUser(ctx, userID, providerName)
	if err != nil {
		return err
	}
	if account == nil {
		return fmt.Errorf("%w: no link for user %s with %s", ErrNotFound, userID, providerName)
	}

	s.revokeToken(ctx, cfg, account.RefreshToken)

	if _, err := s.accounts.DeleteLinkedAccount(ctx, userID, providerName); err != nil {
		return err
	}
	return nil
}

// revokeToken tells the provider to drop the grant. Failure here never
// blocks the local unlink.
func (s *Service) revokeToken(ctx context.Context, cfg Config, refreshToken string) {
	if cfg.RevokeEndpoint == "" || refreshToken == "" {
		return
	}
	form := url.Values{
		"token":         {refreshToken},
		"client_id":     {cfg.ClientID},
		"client_secret": {cfg.ClientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RevokeEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		s.logger.WithError(err).WithField("provider", cfg.Name).Warn("failed to build revoke request")
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.WithError(err).WithField("provider", cfg.Name).Warn("token revocation failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.WithFields(logrus.Fields{
			"provider": cfg.Name,
			"status":   resp.StatusCode,
		}).Warn("token revocation rejected")
	}
}

// GetProviderAccessToken exchanges the stored refresh token for a live
// access token.
func (s *Service) GetProviderAccessToken(ctx context.Context, userID, providerName string) (string, error) {
	cfg, err := s.config(providerName)
	if err != nil {
		return "", err
	}
	account, err := s.store.GetLinkedAccountForUser(ctx, userID, providerName)
	if err != nil {
		return "", err
	}
	if account == nil || !account.IsAuthenticated {
		return "", fmt.Errorf("%w: no authenticated link for user %s with %s", ErrNotFound, userID, providerName)
	}

	eps, err := s.resolveEndpoints(ctx, cfg)
	if err != nil {
		return "", err
	}
	token, err := s.refreshToken(ctx, cfg, eps, account.RefreshToken)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (s *Service) refreshToken(ctx context.Context, cfg Config, eps endpoints, refreshToken string) (*oauth2.Token, error) {
	source := oauth2Config(cfg, eps, "").TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, classifyOAuth2Error("refresh exchange", err)
	}
	return token, nil
}

// AuthAndRefreshPassport keeps one account's credentials current. Dead or
// provider-revoked links are marked unauthenticated and lose their
// passport; transient failures surface as retryable ErrExternalService.
func (s *Service) AuthAndRefreshPassport(ctx context.Context, account model.LinkedAccount) error {
	cfg, err := s.config(account.Provider)
	if err != nil {
		return err
	}

	if account.Expires.Before(s.clock.Now()) {
		return s.invalidateAccount(ctx, account)
	}

	eps, err := s.resolveEndpoints(ctx, cfg)
	if err != nil {
		return err
	}
	token, err := s.refreshToken(ctx, cfg, eps, account.RefreshToken)
	if err != nil {
		if isAuthorizationError(err) {
			// Revoked upstream; same outcome as expiry.
			return s.invalidateAccount(ctx, account)
		}
		return err
	}
	if token.RefreshToken == "" {
		token.RefreshToken = account.RefreshToken
	}

	_, err = s.commitLink(ctx, cfg, eps, account.UserID, token)
	return err
}

func (s *Service) invalidateAccount(ctx context.Context, account model.LinkedAccount) error {
	account.IsAuthenticated = false
	saved, err := s.store.UpsertLinkedAccount(ctx, account)
	if err != nil {
		return err
	}
	return s.store.DeletePassport(ctx, saved.ID)
}

// ValidateVisaWithProvider asks the visa's provider whether the visa is
// still good. The live answer, not the signature, is authoritative for
// access_token visas.
func (s *Service) ValidateVisaWithProvider(ctx context.Context, providerName, visaJWT string) (bool, error) {
	cfg, err := s.config(providerName)
	if err != nil {
		return false, err
	}
	if cfg.ValidationEndpoint == "" {
		return false, fmt.Errorf("provider %s has no validation endpoint", providerName)
	}

	form := url.Values{"visa": {visaJWT}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.ValidationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to build validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: visa validation with %s: %v", ErrExternalService, providerName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("%w: reading validation response from %s: %v", ErrExternalService, providerName, err)
	}
	return strings.TrimSpace(string(body)) == "Valid", nil
}

// classifyOAuth2Error maps token-endpoint failures: a 4xx from the provider
// is an authorization error (the grant itself is bad); anything else is
// transient.
func classifyOAuth2Error(op string, err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil &&
		retrieveErr.Response.StatusCode >= 400 && retrieveErr.Response.StatusCode < 500 {
		return fmt.Errorf("%s rejected: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrExternalService, op, err)
}

func isAuthorizationError(err error) bool {
	return !errors.Is(err, ErrExternalService)
}
