// Package passport turns raw passport JWTs into validated structures and
// answers "does this passport satisfy this criterion" for downstream
// authorization decisions.
package passport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"

	"github.com/cardeahq/cardea/internal/clock"
	"github.com/cardeahq/cardea/internal/model"
	"github.com/cardeahq/cardea/internal/store"
	"github.com/cardeahq/cardea/internal/trust"
	"github.com/cardeahq/cardea/internal/visa"
)

const (
	// PassportVisasClaim lists the visa JWT strings bundled in a passport.
	PassportVisasClaim = "ga4gh_passport_v1"

	// VisaClaim is the per-visa object claim carrying the visa type tag.
	VisaClaim = "ga4gh_visa_v1"
)

var (
	// ErrInvalidPassport means a passport JWT itself failed trust
	// validation. Fatal to the whole call; invalid visas inside an
	// otherwise valid passport are merely dropped.
	ErrInvalidPassport = errors.New("invalid passport")

	// ErrAmbiguousUser means one verification call presented passports
	// belonging to more than one internal user.
	ErrAmbiguousUser = errors.New("passports belong to multiple users")
)

// VerificationResult is the outcome of a ValidatePassport call. AuditInfo
// carries whatever identifying facts could be determined regardless of the
// outcome.
type VerificationResult struct {
	Valid            bool
	MatchedCriterion model.VisaCriterion
	AuditInfo        map[string]string
}

// Config for a verification Service. GraceWindow bounds how long a freshly
// issued passport with no linked account on file is still accepted.
type Config struct {
	Validator   *trust.Validator
	Registry    *visa.Registry
	Store       store.Store
	Clock       clock.Clock
	GraceWindow time.Duration
}

// Service validates presented passports against stored link state.
type Service struct {
	validator   *trust.Validator
	registry    *visa.Registry
	store       store.Store
	clock       clock.Clock
	graceWindow time.Duration
	logger      *logrus.Entry
}

func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSystemClock()
	}
	if cfg.GraceWindow == 0 {
		cfg.GraceWindow = time.Hour
	}
	return &Service{
		validator:   cfg.Validator,
		registry:    cfg.Registry,
		store:       cfg.Store,
		clock:       cfg.Clock,
		graceWindow: cfg.GraceWindow,
		logger:      logrus.WithField("component", "passport"),
	}
}

// DecodeAndValidatePassport anchor-trust-validates a passport JWT and
// returns it with every visa that passed its own trust validation. Visas
// that fail are dropped; a passport with zero valid visas is still valid.
func (s *Service) DecodeAndValidatePassport(ctx context.Context, raw string) (*model.PassportWithVisas, error) {
	result, _, err := s.decodeAndValidate(ctx, raw)
	return result, err
}

func (s *Service) decodeAndValidate(ctx context.Context, raw string) (*model.PassportWithVisas, jwt.Token, error) {
	token, err := s.validator.ValidateAnchored(ctx, raw)
	if err != nil {
		if errors.Is(err, trust.ErrInvalidJWT) {
			return nil, nil, fmt.Errorf("%w: %v", ErrInvalidPassport, err)
		}
		return nil, nil, err
	}

	result := &model.PassportWithVisas{
		Passport: model.GA4GHPassport{
			JWT:     raw,
			JWTID:   token.JwtID(),
			Expires: token.Expiration(),
		},
	}

	for _, rawVisa := range visaJWTs(token) {
		v, err := s.validateVisa(ctx, rawVisa)
		if err != nil {
			s.logger.WithError(err).Warn("dropping visa that failed validation")
			continue
		}
		result.Visas = append(result.Visas, *v)
	}
	return result, token, nil
}

func (s *Service) validateVisa(ctx context.Context, raw string) (*model.GA4GHVisa, error) {
	tokenType, err := trust.VisaTokenType(raw)
	if err != nil {
		return nil, err
	}
	token, err := s.validator.ValidateVisa(ctx, raw, tokenType)
	if err != nil {
		return nil, err
	}
	return &model.GA4GHVisa{
		VisaType:  visaType(token),
		TokenType: tokenType,
		Issuer:    token.Issuer(),
		Expires:   token.Expiration(),
		JWT:       raw,
	}, nil
}

// visaJWTs extracts the bundled visa JWT strings, tolerating a missing or
// malformed claim as an empty list.
func visaJWTs(token jwt.Token) []string {
	claim, ok := token.Get(PassportVisasClaim)
	if !ok {
		return nil
	}
	entries, ok := claim.([]interface{})
	if !ok {
		return nil
	}
	var jwts []string
	for _, entry := range entries {
		if str, ok := entry.(string); ok {
			jwts = append(jwts, str)
		}
	}
	return jwts
}

// visaType reads the type tag out of the visa object claim. An absent tag
// leaves the visa typed as empty string, which no comparator recognizes.
func visaType(token jwt.Token) string {
	claim, ok := token.Get(VisaClaim)
	if !ok {
		return ""
	}
	object, ok := claim.(map[string]interface{})
	if !ok {
		return ""
	}
	typ, _ := object["type"].(string)
	return typ
}

// ValidatePassport evaluates presented passports against the caller's
// criteria. Every presented passport must itself be trustworthy, and all
// presented passports must belong to at most one internal user.
func (s *Service) ValidatePassport(ctx context.Context, passportJWTs []string, criteria []model.VisaCriterion) (*VerificationResult, error) {
	type validated struct {
		passport model.PassportWithVisas
		token    jwt.Token
	}

	var passports []validated
	for _, raw := range passportJWTs {
		result, token, err := s.decodeAndValidate(ctx, raw)
		if err != nil {
			return nil, err
		}
		passports = append(passports, validated{passport: *result, token: token})
	}

	jwtIDs := make([]string, 0, len(passports))
	for _, p := range passports {
		if p.passport.Passport.JWTID != "" {
			jwtIDs = append(jwtIDs, p.passport.Passport.JWTID)
		}
	}
	owners, err := s.store.GetLinkedAccountsByPassportJWTIDs(ctx, jwtIDs)
	if err != nil {
		return nil, err
	}

	auditInfo := map[string]string{}
	internalUser := ""
	for _, account := range owners {
		if internalUser != "" && internalUser != account.UserID {
			return nil, ErrAmbiguousUser
		}
		internalUser = account.UserID
	}
	if internalUser != "" {
		auditInfo["internalUserId"] = internalUser
	}

	now := s.clock.Now()
	for _, p := range passports {
		jwtID := p.passport.Passport.JWTID
		owner, linked := owners[jwtID]
		for _, criterion := range criteria {
			for _, v := range p.passport.Visas {
				comparator, ok := s.registry.ForVisa(v)
				if !ok || !comparator.CriterionTypeSupported(criterion) {
					s.logger.WithField("visaType", v.VisaType).Error("no comparator for visa and criterion, skipping")
					continue
				}
				if v.Issuer != criterion.CriterionIssuer() || !comparator.MatchesCriterion(v, criterion) {
					continue
				}
				// A match counts only from a passport we can tie to a
				// known link, or from one issued recently enough that the
				// link record may not have caught up yet.
				if !linked && !s.withinGraceWindow(p.token, now) {
					continue
				}
				auditInfo["passportJwtId"] = jwtID
				if linked {
					auditInfo["externalUserId"] = owner.ExternalUserID
					auditInfo["internalUserId"] = owner.UserID
				}
				return &VerificationResult{
					Valid:            true,
					MatchedCriterion: criterion,
					AuditInfo:        auditInfo,
				}, nil
			}
		}
	}
	return &VerificationResult{Valid: false, AuditInfo: auditInfo}, nil
}

func (s *Service) withinGraceWindow(token jwt.Token, now time.Time) bool {
	issuedAt := token.IssuedAt()
	if issuedAt.IsZero() {
		return false
	}
	return now.Sub(issuedAt) <= s.graceWindow
}

// GetVisaClaims returns the stored, unexpired visas for a user's link,
// filtered by issuer and visa type.
func (s *Service) GetVisaClaims(ctx context.Context, provider, userID, issuer, visaType string) ([]model.GA4GHVisa, error) {
	return s.store.ListUnexpiredVisas(ctx, provider, userID, issuer, visaType, s.clock.Now())
}
