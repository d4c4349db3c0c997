// Package api exposes the linking, verification, and admin operations over
// HTTP. Routing and identity resolution live here; all correctness lives in
// the services this package delegates to.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"

	"github.com/cardeahq/cardea/internal/accounts"
	"github.com/cardeahq/cardea/internal/passport"
	"github.com/cardeahq/cardea/internal/provider"
	"github.com/cardeahq/cardea/internal/trust"
)

// IdentityResolver maps a caller's bearer credential to an internal user
// id. It is an external collaborator; this package only consumes it.
type IdentityResolver interface {
	ResolveUser(ctx context.Context, bearerToken string) (string, error)
}

// Config for the API server.
type Config struct {
	Port       int
	AdminUsers []string

	Identity  IdentityResolver
	Accounts  *accounts.Service
	Providers *provider.Service
	Passports *passport.Service
}

// Server is the HTTP front of the service.
type Server struct {
	cfg    Config
	echo   *echo.Echo
	admin  map[string]bool
	logger *logrus.Entry
}

func NewServer(cfg Config) *Server {
	admin := make(map[string]bool, len(cfg.AdminUsers))
	for _, u := range cfg.AdminUsers {
		admin[u] = true
	}

	s := &Server{
		cfg:    cfg,
		echo:   echo.New(),
		admin:  admin,
		logger: logrus.WithField("component", "api"),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo

	e.GET("/api/providers/v1", s.listProviders, s.authenticate)

	oauth := e.Group("/api/oauth/v1", s.authenticate)
	oauth.GET("/:provider", s.getLink)
	oauth.GET("/:provider/authorization-url", s.getAuthorizationURL)
	oauth.POST("/:provider/oauthcode", s.createLink)
	oauth.DELETE("/:provider", s.deleteLink)
	oauth.GET("/:provider/access-token", s.getAccessToken)
	oauth.GET("/:provider/visas", s.getVisaClaims)

	pass := e.Group("/api/passport/v1", s.authenticate)
	pass.POST("/validate", s.validatePassport)

	admin := e.Group("/api/admin/v1", s.authenticate, s.requireAdmin)
	admin.GET("/:provider/user/:externalId", s.getLinkForExternalID)
	admin.GET("/:provider/active", s.listActiveLinks)

	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
}

// Start begins serving in the background. Use Stop for graceful shutdown.
func (s *Server) Start(_ context.Context) error {
	go func() {
		if err := s.echo.Start(fmt.Sprintf(":%d", s.cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("http server stopped")
		}
	}()
	s.logger.WithField("port", s.cfg.Port).Info("http server listening")
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

const userIDKey = "cardea.userID"

// authenticate resolves the bearer token to an internal user id.
func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		header := c.Request().Header.Get(echo.HeaderAuthorization)
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
		}
		userID, err := s.cfg.Identity.ResolveUser(c.Request().Context(), token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "unrecognized bearer token")
		}
		c.Set(userIDKey, userID)
		return next(c)
	}
}

func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.admin[userID(c)] {
			return echo.NewHTTPError(http.StatusForbidden, "admin access required")
		}
		return next(c)
	}
}

func userID(c echo.Context) string {
	id, _ := c.Get(userIDKey).(string)
	return id
}

// httpError maps service failures onto transport status codes.
func (s *Server) httpError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, provider.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, provider.ErrInvalidOAuth2State),
		errors.Is(err, passport.ErrInvalidPassport),
		errors.Is(err, passport.ErrAmbiguousUser),
		errors.Is(err, trust.ErrInvalidJWT):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrExternalService):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		s.logger.WithError(err).Error("request failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
