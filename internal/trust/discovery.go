package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// openidConfiguration is the subset of the well-known configuration
// document needed to locate an issuer's key set.
type openidConfiguration struct {
	Issuer  string `json:"issuer"`
	JWKSURI string `json:"jwks_uri"`
}

// discoverJWKSURL resolves an issuer's JWKS location from its well-known
// OpenID configuration document.
func (v *Validator) discoverJWKSURL(ctx context.Context, issuer string) (string, error) {
	wellKnown := strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"

	reqCtx, cancel := context.WithTimeout(ctx, v.httpClient.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, wellKnown, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build discovery request for %s: %w", issuer, err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", wellKnown, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery document fetch for %s returned status %d", issuer, resp.StatusCode)
	}

	var doc openidConfiguration
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document for %s: %w", issuer, err)
	}
	if doc.JWKSURI == "" {
		return "", fmt.Errorf("discovery document for %s has no jwks_uri", issuer)
	}
	return doc.JWKSURI, nil
}
