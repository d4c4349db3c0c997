package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/cardeahq/cardea/internal/model"
)

// linkResponse is the external view of a linked account. Tokens never
// leave the service through this shape.
type linkResponse struct {
	Provider       string    `json:"provider"`
	ExternalUserID string    `json:"externalUserId"`
	Expires        time.Time `json:"expires"`
	Authenticated  bool      `json:"authenticated"`
}

func toLinkResponse(a model.LinkedAccount) linkResponse {
	return linkResponse{
		Provider:       a.Provider,
		ExternalUserID: a.ExternalUserID,
		Expires:        a.Expires,
		Authenticated:  a.IsAuthenticated,
	}
}

func (s *Server) listProviders(c echo.Context) error {
	return c.JSON(http.StatusOK, s.cfg.Providers.ProviderNames())
}

func (s *Server) getLink(c echo.Context) error {
	account, err := s.cfg.Accounts.GetLinkedAccount(c.Request().Context(), userID(c), c.Param("provider"))
	if err != nil {
		return s.httpError(c, err)
	}
	if account == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no link for provider")
	}
	return c.JSON(http.StatusOK, toLinkResponse(*account))
}

func (s *Server) getAuthorizationURL(c echo.Context) error {
	redirectURI := c.QueryParam("redirectUri")
	if redirectURI == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "redirectUri is required")
	}
	url, err := s.cfg.Providers.GetAuthorizationURL(c.Request().Context(), c.Param("provider"), userID(c), redirectURI)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"url": url})
}

func (s *Server) createLink(c echo.Context) error {
	code := c.QueryParam("oauthcode")
	state := c.QueryParam("state")
	if code == "" || state == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "oauthcode and state are required")
	}

	link, err := s.cfg.Providers.CreateLink(c.Request().Context(), c.Param("provider"), userID(c), code, state)
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, toLinkResponse(link.LinkedAccount))
}

func (s *Server) deleteLink(c echo.Context) error {
	if err := s.cfg.Providers.DeleteLink(c.Request().Context(), userID(c), c.Param("provider")); err != nil {
		return s.httpError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getAccessToken(c echo.Context) error {
	token, err := s.cfg.Providers.GetProviderAccessToken(c.Request().Context(), userID(c), c.Param("provider"))
	if err != nil {
		return s.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"token": token})
}

func (s *Server) getVisaClaims(c echo.Context) error {
	issuer := c.QueryParam("issuer")
	visaType := c.QueryParam("visaType")
	if issuer == "" || visaType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "issuer and visaType are required")
	}

	visas, err := s.cfg.Passports.GetVisaClaims(c.Request().Context(), c.Param("provider"), userID(c), issuer, visaType)
	if err != nil {
		return s.httpError(c, err)
	}

	jwts := make([]string, 0, len(visas))
	for _, v := range visas {
		jwts = append(jwts, v.JWT)
	}
	return c.JSON(http.StatusOK, map[string][]string{"visas": jwts})
}

// criterionRequest is the wire shape of a visa criterion. Only the RAS
// dbGaP shape is currently understood.
type criterionRequest struct {
	Type        string `json:"type"`
	Issuer      string `json:"issuer"`
	PhsID       string `json:"phsId"`
	ConsentCode string `json:"consentCode"`
}

type validatePassportRequest struct {
	Passports []string           `json:"passports"`
	Criteria  []criterionRequest `json:"criteria"`
}

type validatePassportResponse struct {
	Valid            bool              `json:"valid"`
	MatchedCriterion *criterionRequest `json:"matchedCriterion,omitempty"`
	AuditInfo        map[string]string `json:"auditInfo,omitempty"`
}

func (s *Server) validatePassport(c echo.Context) error {
	var req validatePassportRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	if len(req.Passports) == 0 || len(req.Criteria) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "passports and criteria are required")
	}

	criteria := make([]model.VisaCriterion, 0, len(req.Criteria))
	for _, cr := range req.Criteria {
		if cr.Type != "ras_dbgap_permission" {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown criterion type: "+cr.Type)
		}
		criteria = append(criteria, model.RASVisaCriterion{
			Issuer:      cr.Issuer,
			PhsID:       cr.PhsID,
			ConsentCode: cr.ConsentCode,
		})
	}

	result, err := s.cfg.Passports.ValidatePassport(c.Request().Context(), req.Passports, criteria)
	if err != nil {
		return s.httpError(c, err)
	}

	resp := validatePassportResponse{Valid: result.Valid, AuditInfo: result.AuditInfo}
	if ras, ok := result.MatchedCriterion.(model.RASVisaCriterion); ok {
		resp.MatchedCriterion = &criterionRequest{
			Type:        "ras_dbgap_permission",
			Issuer:      ras.Issuer,
			PhsID:       ras.PhsID,
			ConsentCode: ras.ConsentCode,
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) getLinkForExternalID(c echo.Context) error {
	account, err := s.cfg.Accounts.GetLinkedAccountForExternalID(c.Request().Context(), c.Param("provider"), c.Param("externalId"))
	if err != nil {
		return s.httpError(c, err)
	}
	if account == nil {
		return echo.NewHTTPError(http.StatusNotFound, "no link for external id")
	}
	return c.JSON(http.StatusOK, map[string]string{"userId": account.UserID})
}

func (s *Server) listActiveLinks(c echo.Context) error {
	active, err := s.cfg.Accounts.GetActiveLinkedAccounts(c.Request().Context(), c.Param("provider"), time.Now())
	if err != nil {
		return s.httpError(c, err)
	}

	links := make([]linkResponse, 0, len(active))
	for _, a := range active {
		links = append(links, toLinkResponse(a))
	}
	return c.JSON(http.StatusOK, links)
}
