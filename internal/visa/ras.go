package visa

import (
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/sirupsen/logrus"

	"github.com/cardeahq/cardea/internal/model"
)

// RASv1Dot1VisaType is the GA4GH v1.1 visa type issued by RAS.
const RASv1Dot1VisaType = "https://ras.nih.gov/visas/v1.1"

// DbGaPPermissionsClaim is the visa claim carrying dbGaP permission records.
const DbGaPPermissionsClaim = "ras_dbgap_permissions"

// DbGaPPermission is one grant of access to a study/consent group.
type DbGaPPermission struct {
	PhsID        string `json:"phs_id"`
	ConsentGroup string `json:"consent_group"`
	Role         string `json:"role"`
}

// RASv1Dot1Comparator interprets RAS v1.1 visas: two such visas denote the
// same authorization when their issuer and dbGaP permission sets are equal,
// regardless of token bytes or expiry.
type RASv1Dot1Comparator struct {
	logger *logrus.Entry
}

func NewRASv1Dot1Comparator() *RASv1Dot1Comparator {
	return &RASv1Dot1Comparator{
		logger: logrus.WithField("component", "visa.ras"),
	}
}

func (c *RASv1Dot1Comparator) VisaTypeSupported(v model.GA4GHVisa) bool {
	return v.VisaType == RASv1Dot1VisaType
}

func (c *RASv1Dot1Comparator) CriterionTypeSupported(criterion model.VisaCriterion) bool {
	_, ok := criterion.(model.RASVisaCriterion)
	return ok
}

func (c *RASv1Dot1Comparator) AuthorizationsMatch(a, b model.GA4GHVisa) bool {
	if !c.VisaTypeSupported(a) || !c.VisaTypeSupported(b) {
		return false
	}
	if a.Issuer != b.Issuer {
		return false
	}

	permsA, err := c.permissions(a)
	if err != nil {
		c.logger.WithError(err).Error("Failed to read dbGaP permissions from visa")
		return false
	}
	permsB, err := c.permissions(b)
	if err != nil {
		c.logger.WithError(err).Error("Failed to read dbGaP permissions from visa")
		return false
	}

	return permissionSetsEqual(permsA, permsB)
}

func (c *RASv1Dot1Comparator) MatchesCriterion(v model.GA4GHVisa, criterion model.VisaCriterion) bool {
	ras, ok := criterion.(model.RASVisaCriterion)
	if !ok || !c.VisaTypeSupported(v) {
		return false
	}
	if v.Issuer != ras.Issuer {
		return false
	}

	perms, err := c.permissions(v)
	if err != nil {
		c.logger.WithError(err).Error("Failed to read dbGaP permissions from visa")
		return false
	}
	for _, p := range perms {
		if p.PhsID == ras.PhsID && p.ConsentGroup == ras.ConsentCode {
			return true
		}
	}
	return false
}

// permissions extracts the dbGaP permission records from the visa JWT.
// The signature was already verified during ingestion; only claim content
// matters here.
func (c *RASv1Dot1Comparator) permissions(v model.GA4GHVisa) ([]DbGaPPermission, error) {
	token, err := jwt.ParseInsecure([]byte(v.JWT))
	if err != nil {
		return nil, fmt.Errorf("failed to parse visa jwt: %w", err)
	}

	claim, ok := token.Get(DbGaPPermissionsClaim)
	if !ok {
		return nil, nil
	}

	// Claims come back as decoded JSON; round-trip into the typed records.
	raw, err := json.Marshal(claim)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s claim: %w", DbGaPPermissionsClaim, err)
	}
	var perms []DbGaPPermission
	if err := json.Unmarshal(raw, &perms); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s claim: %w", DbGaPPermissionsClaim, err)
	}
	return perms, nil
}

// permissionSetsEqual compares permission records as sets, order-independent
// and tolerant of duplicate records on either side.
func permissionSetsEqual(a, b []DbGaPPermission) bool {
	setA := make(map[DbGaPPermission]struct{}, len(a))
	for _, p := range a {
		setA[p] = struct{}{}
	}
	setB := make(map[DbGaPPermission]struct{}, len(b))
	for _, p := range b {
		setB[p] = struct{}{}
	}
	if len(setA) != len(setB) {
		return false
	}
	for p := range setA {
		if _, ok := setB[p]; !ok {
			return false
		}
	}
	return true
}
