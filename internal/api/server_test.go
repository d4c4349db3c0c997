package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardeahq/cardea/internal/accounts"
	"github.com/cardeahq/cardea/internal/model"
	"github.com/cardeahq/cardea/internal/passport"
	"github.com/cardeahq/cardea/internal/provider"
	"github.com/cardeahq/cardea/internal/store"
	"github.com/cardeahq/cardea/internal/visa"
)

// staticIdentity resolves fixed bearer tokens to user ids.
type staticIdentity map[string]string

func (m staticIdentity) ResolveUser(_ context.Context, token string) (string, error) {
	if userID, ok := m[token]; ok {
		return userID, nil
	}
	return "", errors.New("unknown token")
}

func newTestServer(t *testing.T) (*Server, *store.MemoryStore) {
	t.Helper()
	memStore := store.NewMemoryStore()
	accountsService := accounts.NewService(memStore, visa.NewRegistry(visa.NewRASv1Dot1Comparator()), nil)
	providersService := provider.NewService(provider.ServiceConfig{
		Providers: []provider.Config{{
			Name:                  "ras",
			ClientID:              "client-1",
			LinkLifetime:          24 * time.Hour,
			AuthorizationEndpoint: "https://ras.invalid/authorize",
			TokenEndpoint:         "https://ras.invalid/token",
			UserInfoEndpoint:      "https://ras.invalid/userinfo",
		}},
		Accounts: accountsService,
		Store:    memStore,
	})
	t.Cleanup(providersService.Close)
	passportsService := passport.NewService(passport.Config{Store: memStore})

	server := NewServer(Config{
		Port:       0,
		AdminUsers: []string{"admin-1"},
		Identity:   staticIdentity{"user-token": "u1", "admin-token": "admin-1"},
		Accounts:   accountsService,
		Providers:  providersService,
		Passports:  passportsService,
	})
	return server, memStore
}

func do(s *Server, method, target, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func TestAuthentication(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("no bearer token", func(t *testing.T) {
		rec := do(server, http.MethodGet, "/api/oauth/v1/ras", "", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("unrecognized token", func(t *testing.T) {
		rec := do(server, http.MethodGet, "/api/oauth/v1/ras", "bogus", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("healthz needs no token", func(t *testing.T) {
		rec := do(server, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestListProviders(t *testing.T) {
	server, _ := newTestServer(t)

	rec := do(server, http.MethodGet, "/api/providers/v1", "user-token", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var names []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &names))
	assert.Equal(t, []string{"ras"}, names)
}

func TestGetLink(t *testing.T) {
	ctx := context.Background()
	server, memStore := newTestServer(t)

	t.Run("no link", func(t *testing.T) {
		rec := do(server, http.MethodGet, "/api/oauth/v1/ras", "user-token", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("existing link, tokens withheld", func(t *testing.T) {
		_, err := memStore.UpsertLinkedAccount(ctx, model.LinkedAccount{
			UserID:          "u1",
			Provider:        "ras",
			ExternalUserID:  "ext-1",
			RefreshToken:    "super-secret",
			Expires:         time.Now().Add(time.Hour),
			IsAuthenticated: true,
		})
		require.NoError(t, err)

		rec := do(server, http.MethodGet, "/api/oauth/v1/ras", "user-token", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var link linkResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &link))
		assert.Equal(t, "ext-1", link.ExternalUserID)
		assert.True(t, link.Authenticated)
		assert.NotContains(t, rec.Body.String(), "super-secret")
	})
}

func TestGetAuthorizationURL(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("redirectUri required", func(t *testing.T) {
		rec := do(server, http.MethodGet, "/api/oauth/v1/ras/authorization-url", "user-token", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown provider", func(t *testing.T) {
		rec := do(server, http.MethodGet, "/api/oauth/v1/nope/authorization-url?redirectUri=https%3A%2F%2Fapp%2Fcb", "user-token", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("returns url with state", func(t *testing.T) {
		rec := do(server, http.MethodGet, "/api/oauth/v1/ras/authorization-url?redirectUri=https%3A%2F%2Fapp%2Fcb", "user-token", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		parsed, err := url.Parse(resp["url"])
		require.NoError(t, err)
		assert.NotEmpty(t, parsed.Query().Get("state"))
		assert.Equal(t, "client-1", parsed.Query().Get("client_id"))
	})
}

func TestCreateLinkRejectsBadState(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("missing parameters", func(t *testing.T) {
		rec := do(server, http.MethodPost, "/api/oauth/v1/ras/oauthcode", "user-token", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("forged state", func(t *testing.T) {
		forged := model.OAuth2State{Provider: "ras", Random: "r1"}.Encode()
		rec := do(server, http.MethodPost, "/api/oauth/v1/ras/oauthcode?oauthcode=c1&state="+url.QueryEscape(forged), "user-token", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDeleteLink(t *testing.T) {
	server, _ := newTestServer(t)

	rec := do(server, http.MethodDelete, "/api/oauth/v1/ras", "user-token", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestValidatePassportRequestShape(t *testing.T) {
	server, _ := newTestServer(t)

	t.Run("empty body", func(t *testing.T) {
		rec := do(server, http.MethodPost, "/api/passport/v1/validate", "user-token", strings.NewReader(`{}`))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("unknown criterion type", func(t *testing.T) {
		body := `{"passports":["x"],"criteria":[{"type":"martian_visa"}]}`
		rec := do(server, http.MethodPost, "/api/passport/v1/validate", "user-token", strings.NewReader(body))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestAdminEndpoints(t *testing.T) {
	ctx := context.Background()
	server, memStore := newTestServer(t)

	_, err := memStore.UpsertLinkedAccount(ctx, model.LinkedAccount{
		UserID:          "u1",
		Provider:        "ras",
		ExternalUserID:  "ext-1",
		Expires:         time.Now().Add(time.Hour),
		IsAuthenticated: true,
	})
	require.NoError(t, err)

	t.Run("non-admin is forbidden", func(t *testing.T) {
		rec := do(server, http.MethodGet, "/api/admin/v1/ras/user/ext-1", "user-token", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("lookup by external id", func(t *testing.T) {
		rec := do(server, http.MethodGet, "/api/admin/v1/ras/user/ext-1", "admin-token", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "u1", resp["userId"])
	})

	t.Run("list active links", func(t *testing.T) {
		rec := do(server, http.MethodGet, "/api/admin/v1/ras/active", "admin-token", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var links []linkResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &links))
		require.Len(t, links, 1)
		assert.Equal(t, "ext-1", links[0].ExternalUserID)
	})
}

func TestGetVisaClaims(t *testing.T) {
	ctx := context.Background()
	server, memStore := newTestServer(t)

	account, err := memStore.UpsertLinkedAccount(ctx, model.LinkedAccount{
		UserID:          "u1",
		Provider:        "ras",
		Expires:         time.Now().Add(time.Hour),
		IsAuthenticated: true,
	})
	require.NoError(t, err)
	p, err := memStore.InsertPassport(ctx, model.GA4GHPassport{
		LinkedAccountID: account.ID,
		JWTID:           "jti-1",
		Expires:         time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	_, err = memStore.InsertVisa(ctx, model.GA4GHVisa{
		PassportID: p.ID,
		VisaType:   visa.RASv1Dot1VisaType,
		TokenType:  model.TokenTypeAccessToken,
		Issuer:     "https://ras.example.com",
		Expires:    time.Now().Add(time.Hour),
		JWT:        "visa-jwt-1",
	})
	require.NoError(t, err)

	t.Run("issuer and visaType required", func(t *testing.T) {
		rec := do(server, http.MethodGet, "/api/oauth/v1/ras/visas", "user-token", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("returns stored visa jwts", func(t *testing.T) {
		target := "/api/oauth/v1/ras/visas?issuer=" + url.QueryEscape("https://ras.example.com") +
			"&visaType=" + url.QueryEscape(visa.RASv1Dot1VisaType)
		rec := do(server, http.MethodGet, target, "user-token", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp map[string][]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, []string{"visa-jwt-1"}, resp["visas"])
	})
}
