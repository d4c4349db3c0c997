package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// TokenType determines how a visa's signature is trusted.
type TokenType string

const (
	// TokenTypeAccessToken visas are trusted via the anchor allow-list and
	// must be periodically revalidated against the issuing provider.
	TokenTypeAccessToken TokenType = "access_token"

	// TokenTypeDocumentToken visas carry their own JWKS location in the
	// token header and are trusted only via that embedded key reference.
	TokenTypeDocumentToken TokenType = "document_token"
)

// LinkedAccount binds an internal user to an account at an external provider.
// Unique on (UserID, Provider). Expiry invalidates the link, it does not
// delete it; the row is removed only by explicit unlink or admin action.
type LinkedAccount struct {
	ID              string
	UserID          string
	Provider        string
	ExternalUserID  string
	RefreshToken    string
	Expires         time.Time
	IsAuthenticated bool
}

// GA4GHPassport is a signed bundle asserting a user's linked identity.
// At most one passport per linked account; always superseded, never updated
// in place.
type GA4GHPassport struct {
	ID              string
	LinkedAccountID string
	JWT             string
	JWTID           string
	Expires         time.Time
}

// GA4GHVisa is a signed assertion of one specific authorization, owned by
// exactly one passport and deleted in cascade with it.
type GA4GHVisa struct {
	ID            string
	PassportID    string
	VisaType      string
	TokenType     TokenType
	Issuer        string
	Expires       time.Time
	JWT           string
	LastValidated *time.Time
}

// LinkedAccountWithPassportAndVisas is the unit committed by a single
// atomic credential-store write. Passport is nil for plain OAuth2 links.
type LinkedAccountWithPassportAndVisas struct {
	LinkedAccount LinkedAccount
	Passport      *GA4GHPassport
	Visas         []GA4GHVisa
}

// PassportWithVisas is the result of validating a raw passport JWT:
// the passport plus only those visas that passed trust validation.
type PassportWithVisas struct {
	Passport GA4GHPassport
	Visas    []GA4GHVisa
}

// VisaVerificationDetails is an ephemeral projection used to call a
// provider's live validation endpoint for a stored visa.
type VisaVerificationDetails struct {
	LinkedAccountID string
	Provider        string
	VisaID          string
	VisaJWT         string
}

// AuthorizationChangeEvent is published when a relink or unlink changes a
// user's effective authorization set.
type AuthorizationChangeEvent struct {
	Provider string
	UserID   string
}

// OAuth2State is the anti-forgery state round-tripped through the OAuth2
// authorization flow. It is stored per user when the authorization URL is
// generated and must be presented back, intact, with the authorization code.
type OAuth2State struct {
	Provider    string `json:"provider"`
	Random      string `json:"random"`
	RedirectURI string `json:"redirectUri"`
}

// Encode serializes the state for use as the OAuth2 state parameter.
func (s OAuth2State) Encode() string {
	b, _ := json.Marshal(s)
	return base64.URLEncoding.EncodeToString(b)
}

// DecodeOAuth2State parses a state parameter produced by Encode.
func DecodeOAuth2State(encoded string) (OAuth2State, error) {
	var s OAuth2State
	b, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return s, fmt.Errorf("failed to decode oauth2 state: %w", err)
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("failed to unmarshal oauth2 state: %w", err)
	}
	return s, nil
}

// VisaCriterion is a caller-supplied question of the form "does any visa
// grant this". Concrete criterion types are interpreted by the comparator
// that supports their shape.
type VisaCriterion interface {
	// CriterionIssuer is the issuer the matching visa must have been
	// issued by.
	CriterionIssuer() string
}

// RASVisaCriterion asks for a dbGaP permission on a specific study and
// consent group.
type RASVisaCriterion struct {
	Issuer      string
	PhsID       string
	ConsentCode string
}

func (c RASVisaCriterion) CriterionIssuer() string {
	return c.Issuer
}
