package api

import (
	"context"
	"fmt"

	"github.com/cardeahq/cardea/internal/trust"
)

// TokenSubjectResolver resolves callers from a bearer JWT issued by one of
// the configured trust anchors, using the token subject as the internal
// user id. Deployments fronted by a dedicated identity service supply
// their own IdentityResolver instead.
type TokenSubjectResolver struct {
	validator *trust.Validator
}

func NewTokenSubjectResolver(validator *trust.Validator) *TokenSubjectResolver {
	return &TokenSubjectResolver{validator: validator}
}

func (r *TokenSubjectResolver) ResolveUser(ctx context.Context, bearerToken string) (string, error) {
	token, err := r.validator.ValidateAnchored(ctx, bearerToken)
	if err != nil {
		return "", err
	}
	if token.Subject() == "" {
		return "", fmt.Errorf("bearer token has no subject")
	}
	return token.Subject(), nil
}
