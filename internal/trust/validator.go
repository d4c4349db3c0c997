package trust

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"

	"github.com/cardeahq/cardea/internal/clock"
	"github.com/cardeahq/cardea/internal/model"
)

// ErrInvalidJWT means the token failed trust validation: bad signature,
// expired, unparsable, or (anchor trust) an issuer outside the allow-list.
// Callers must treat this as "untrusted", never as "trusted but unverified".
var ErrInvalidJWT = errors.New("invalid jwt")

// Anchor is one entry in the issuer allow-list. When JWKSURL is empty the
// key set location is discovered from the issuer's well-known configuration.
type Anchor struct {
	Issuer  string
	JWKSURL string
}

// Config configures a Validator.
type Config struct {
	// Anchors is the issuer allow-list for anchor-trust validation.
	Anchors []Anchor

	// HTTPTimeout bounds every outbound JWKS or discovery fetch.
	// Defaults to 30s.
	HTTPTimeout time.Duration

	// RefreshInterval is the minimum interval between JWKS refreshes for
	// anchored key sets. Defaults to 15m.
	RefreshInterval time.Duration

	// Clock is an optional clock for testing (defaults to system clock).
	Clock clock.Clock
}

// Validator decodes and cryptographically validates JWTs against one of two
// trust strategies: anchor trust (pre-registered issuers) and self-describing
// trust (the token header carries its own JWKS location).
type Validator struct {
	anchors         map[string]Anchor
	refreshInterval time.Duration
	httpClient      *http.Client
	cache           *jwk.Cache
	clock           clock.Clock
	logger          *logrus.Entry

	mu         sync.Mutex
	registered map[string]string // issuer -> resolved, registered JWKS URL
}

// NewValidator creates a validator. The context bounds the lifetime of the
// background JWKS refresh cache.
func NewValidator(ctx context.Context, cfg Config) (*Validator, error) {
	timeout := cfg.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = 15 * time.Minute
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystemClock()
	}

	anchors := make(map[string]Anchor, len(cfg.Anchors))
	for _, a := range cfg.Anchors {
		if a.Issuer == "" {
			return nil, fmt.Errorf("trust anchor missing issuer")
		}
		anchors[a.Issuer] = a
	}

	return &Validator{
		anchors:         anchors,
		refreshInterval: refresh,
		httpClient:      &http.Client{Timeout: timeout},
		cache:           jwk.NewCache(ctx),
		clock:           clk,
		logger:          logrus.WithField("component", "trust"),
		registered:      make(map[string]string),
	}, nil
}

// ValidateAnchored validates a token whose issuer must be one of the
// configured trust anchors. Used for passports and access_token visas.
func (v *Validator) ValidateAnchored(ctx context.Context, raw string) (jwt.Token, error) {
	unverified, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: unparsable token: %v", ErrInvalidJWT, err)
	}

	issuer := unverified.Issuer()
	if issuer == "" {
		return nil, fmt.Errorf("%w: token has no issuer", ErrInvalidJWT)
	}

	keys, err := v.anchorKeys(ctx, issuer)
	if err != nil {
		return nil, err
	}

	return v.verify(raw, keys)
}

// ValidateSelfDescribed validates a token via the JWKS location embedded in
// its own header (jku). It never falls back to the anchor allow-list: a
// document_token visa is trusted only via its embedded key reference.
func (v *Validator) ValidateSelfDescribed(ctx context.Context, raw string) (jwt.Token, error) {
	jwksURL, err := jkuHeader(raw)
	if err != nil {
		return nil, err
	}
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: token header carries no jku", ErrInvalidJWT)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, v.httpClient.Timeout)
	defer cancel()

	keys, err := jwk.Fetch(fetchCtx, jwksURL, jwk.WithHTTPClient(v.httpClient))
	if err != nil {
		// Key resolution failures are transient, not proof of invalidity.
		return nil, fmt.Errorf("failed to fetch jwks from %s: %w", jwksURL, err)
	}

	return v.verify(raw, keys)
}

// ValidateVisa validates a visa JWT with the strategy selected by its
// token type.
func (v *Validator) ValidateVisa(ctx context.Context, raw string, tokenType model.TokenType) (jwt.Token, error) {
	switch tokenType {
	case model.TokenTypeDocumentToken:
		return v.ValidateSelfDescribed(ctx, raw)
	case model.TokenTypeAccessToken:
		return v.ValidateAnchored(ctx, raw)
	default:
		return nil, fmt.Errorf("%w: unknown visa token type %q", ErrInvalidJWT, tokenType)
	}
}

// VisaTokenType determines a visa's token type from its header: a visa
// carrying a jku header is a document_token, all others are access_token.
func VisaTokenType(raw string) (model.TokenType, error) {
	jwksURL, err := jkuHeader(raw)
	if err != nil {
		return "", err
	}
	if jwksURL != "" {
		return model.TokenTypeDocumentToken, nil
	}
	return model.TokenTypeAccessToken, nil
}

func (v *Validator) verify(raw string, keys jwk.Set) (jwt.Token, error) {
	token, err := jwt.Parse([]byte(raw),
		jwt.WithKeySet(keys),
		jwt.WithValidate(true),
		jwt.WithClock(v.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJWT, err)
	}
	return token, nil
}

// anchorKeys resolves the key set for an anchored issuer, registering its
// JWKS URL with the refresh cache on first use.
func (v *Validator) anchorKeys(ctx context.Context, issuer string) (jwk.Set, error) {
	anchor, ok := v.anchors[issuer]
	if !ok {
		return nil, fmt.Errorf("%w: issuer %q is not a configured trust anchor", ErrInvalidJWT, issuer)
	}

	jwksURL, err := v.registerAnchor(ctx, anchor)
	if err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, v.httpClient.Timeout)
	defer cancel()

	keys, err := v.cache.Get(fetchCtx, jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve keys for issuer %s: %w", issuer, err)
	}
	return keys, nil
}

func (v *Validator) registerAnchor(ctx context.Context, anchor Anchor) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if url, ok := v.registered[anchor.Issuer]; ok {
		return url, nil
	}

	jwksURL := anchor.JWKSURL
	if jwksURL == "" {
		discovered, err := v.discoverJWKSURL(ctx, anchor.Issuer)
		if err != nil {
			return "", err
		}
		jwksURL = discovered
		v.logger.WithFields(logrus.Fields{
			"issuer":   anchor.Issuer,
			"jwks_url": jwksURL,
		}).Debug("Discovered JWKS location")
	}

	if err := v.cache.Register(jwksURL,
		jwk.WithMinRefreshInterval(v.refreshInterval),
		jwk.WithHTTPClient(v.httpClient),
	); err != nil {
		return "", fmt.Errorf("failed to register jwks url %s: %w", jwksURL, err)
	}

	v.registered[anchor.Issuer] = jwksURL
	return jwksURL, nil
}

// jkuHeader extracts the jku protected header, or "" when absent.
func jkuHeader(raw string) (string, error) {
	msg, err := jws.Parse([]byte(raw))
	if err != nil {
		return "", fmt.Errorf("%w: unparsable token: %v", ErrInvalidJWT, err)
	}
	sigs := msg.Signatures()
	if len(sigs) == 0 {
		return "", fmt.Errorf("%w: token has no signature", ErrInvalidJWT)
	}
	return sigs[0].ProtectedHeaders().JWKSetURL(), nil
}
