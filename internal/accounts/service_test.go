package accounts

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardeahq/cardea/internal/model"
	"github.com/cardeahq/cardea/internal/store"
	"github.com/cardeahq/cardea/internal/visa"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.AuthorizationChangeEvent
}

func (p *recordingPublisher) PublishAuthorizationChange(_ context.Context, event model.AuthorizationChangeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func rasVisa(t *testing.T, issuer string, perms []visa.DbGaPPermission) model.GA4GHVisa {
	t.Helper()

	token := jwt.New()
	require.NoError(t, token.Set(jwt.JwtIDKey, uuid.NewString()))
	require.NoError(t, token.Set(jwt.IssuerKey, issuer))
	require.NoError(t, token.Set(jwt.ExpirationKey, time.Now().Add(time.Hour)))
	require.NoError(t, token.Set(visa.DbGaPPermissionsClaim, perms))

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.HS256, []byte("test-secret")))
	require.NoError(t, err)

	return model.GA4GHVisa{
		VisaType:  visa.RASv1Dot1VisaType,
		TokenType: model.TokenTypeAccessToken,
		Issuer:    issuer,
		Expires:   time.Now().Add(time.Hour),
		JWT:       string(signed),
	}
}

func newTestService() (*Service, *store.MemoryStore, *recordingPublisher) {
	memStore := store.NewMemoryStore()
	publisher := &recordingPublisher{}
	registry := visa.NewRegistry(visa.NewRASv1Dot1Comparator())
	return NewService(memStore, registry, publisher), memStore, publisher
}

func candidateWith(visas ...model.GA4GHVisa) model.LinkedAccountWithPassportAndVisas {
	return model.LinkedAccountWithPassportAndVisas{
		LinkedAccount: model.LinkedAccount{
			UserID:          "u1",
			Provider:        "ras",
			ExternalUserID:  "ext-1",
			RefreshToken:    "refresh",
			Expires:         time.Now().Add(24 * time.Hour),
			IsAuthenticated: true,
		},
		Passport: &model.GA4GHPassport{
			JWT:     "passport-jwt",
			JWTID:   "jti-1",
			Expires: time.Now().Add(time.Hour),
		},
		Visas: visas,
	}
}

func TestUpsertEmitsEventOnFirstLink(t *testing.T) {
	ctx := context.Background()
	service, _, publisher := newTestService()

	const issuer = "https://ras.example.com"
	v1 := rasVisa(t, issuer, []visa.DbGaPPermission{{PhsID: "phs000123", ConsentGroup: "c1"}})

	saved, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx, candidateWith(v1))
	require.NoError(t, err)
	require.NotEmpty(t, saved.LinkedAccount.ID)
	require.NotNil(t, saved.Passport)
	require.Len(t, saved.Visas, 1)
	assert.Equal(t, saved.Passport.ID, saved.Visas[0].PassportID)

	require.Len(t, publisher.events, 1)
	assert.Equal(t, model.AuthorizationChangeEvent{Provider: "ras", UserID: "u1"}, publisher.events[0])
}

func TestRelinkScenarios(t *testing.T) {
	ctx := context.Background()
	service, memStore, publisher := newTestService()

	const issuer = "https://ras.example.com"
	v1 := rasVisa(t, issuer, []visa.DbGaPPermission{{PhsID: "phs000123", ConsentGroup: "c1"}})

	_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx, candidateWith(v1))
	require.NoError(t, err)
	publisher.events = nil

	t.Run("reissued visa with same grant emits no event", func(t *testing.T) {
		v2 := rasVisa(t, issuer, []visa.DbGaPPermission{{PhsID: "phs000123", ConsentGroup: "c1"}})
		require.NotEqual(t, v1.JWT, v2.JWT)

		_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx, candidateWith(v2))
		require.NoError(t, err)
		assert.Empty(t, publisher.events)
	})

	t.Run("changed grant emits event and replaces the visa", func(t *testing.T) {
		v3 := rasVisa(t, issuer, []visa.DbGaPPermission{{PhsID: "phs000999", ConsentGroup: "c1"}})

		_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx, candidateWith(v3))
		require.NoError(t, err)
		require.Len(t, publisher.events, 1)

		stored, err := memStore.ListVisas(ctx, "u1", "ras")
		require.NoError(t, err)
		require.Len(t, stored, 1)
		assert.Equal(t, v3.JWT, stored[0].JWT)
	})
}

func TestUpsertDiffIsOrderIndependent(t *testing.T) {
	ctx := context.Background()
	service, _, publisher := newTestService()

	const issuer = "https://ras.example.com"
	a := []visa.DbGaPPermission{{PhsID: "phs000123", ConsentGroup: "c1"}}
	b := []visa.DbGaPPermission{{PhsID: "phs000456", ConsentGroup: "c2"}}

	_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx,
		candidateWith(rasVisa(t, issuer, a), rasVisa(t, issuer, b)))
	require.NoError(t, err)
	publisher.events = nil

	_, err = service.UpsertLinkedAccountWithPassportAndVisas(ctx,
		candidateWith(rasVisa(t, issuer, b), rasVisa(t, issuer, a)))
	require.NoError(t, err)
	assert.Empty(t, publisher.events)
}

func TestUpsertNearIdenticalVisas(t *testing.T) {
	ctx := context.Background()
	const issuer = "https://ras.example.com"
	perms := []visa.DbGaPPermission{{PhsID: "phs000123", ConsentGroup: "c1"}}

	t.Run("duplicate visas on both sides match pairwise", func(t *testing.T) {
		service, _, publisher := newTestService()

		_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx,
			candidateWith(rasVisa(t, issuer, perms), rasVisa(t, issuer, perms)))
		require.NoError(t, err)
		publisher.events = nil

		// Each after-visa must claim its own before-visa; claiming the same
		// one twice would leave the other unmatched and publish a change
		// that never happened.
		_, err = service.UpsertLinkedAccountWithPassportAndVisas(ctx,
			candidateWith(rasVisa(t, issuer, perms), rasVisa(t, issuer, perms)))
		require.NoError(t, err)
		assert.Empty(t, publisher.events)
	})

	t.Run("near-duplicate differing in one permission emits event", func(t *testing.T) {
		service, _, publisher := newTestService()
		wide := rasVisa(t, issuer, []visa.DbGaPPermission{
			{PhsID: "phs000123", ConsentGroup: "c1"},
			{PhsID: "phs000456", ConsentGroup: "c2"},
		})

		_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx,
			candidateWith(rasVisa(t, issuer, perms), wide))
		require.NoError(t, err)
		publisher.events = nil

		// Two visas with the narrow grant: the first claims its twin, the
		// second cannot claim the wider one.
		_, err = service.UpsertLinkedAccountWithPassportAndVisas(ctx,
			candidateWith(rasVisa(t, issuer, perms), rasVisa(t, issuer, perms)))
		require.NoError(t, err)
		assert.Len(t, publisher.events, 1)
	})
}

func TestConcurrentRelinksWithSameGrantEmitNoEvents(t *testing.T) {
	ctx := context.Background()
	service, memStore, publisher := newTestService()

	const issuer = "https://ras.example.com"
	perms := []visa.DbGaPPermission{{PhsID: "phs000123", ConsentGroup: "c1"}}

	_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx, candidateWith(rasVisa(t, issuer, perms)))
	require.NoError(t, err)
	publisher.events = nil

	// Raced relinks carrying the same grant. Commits for one account are
	// serialized, so every diff runs against a settled before-set; a diff
	// against a half-applied commit would publish a spurious change.
	relinks := make([]model.LinkedAccountWithPassportAndVisas, 4)
	for i := range relinks {
		relinks[i] = candidateWith(rasVisa(t, issuer, perms))
	}

	var wg sync.WaitGroup
	for _, relink := range relinks {
		wg.Add(1)
		go func(candidate model.LinkedAccountWithPassportAndVisas) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx, candidate)
				assert.NoError(t, err)
			}
		}(relink)
	}
	wg.Wait()

	assert.Empty(t, publisher.events)

	stored, err := memStore.ListVisas(ctx, "u1", "ras")
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestUpsertSubsetEmitsEvent(t *testing.T) {
	ctx := context.Background()
	service, _, publisher := newTestService()

	const issuer = "https://ras.example.com"
	a := rasVisa(t, issuer, []visa.DbGaPPermission{{PhsID: "phs000123", ConsentGroup: "c1"}})
	b := rasVisa(t, issuer, []visa.DbGaPPermission{{PhsID: "phs000456", ConsentGroup: "c2"}})

	_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx, candidateWith(a, b))
	require.NoError(t, err)
	publisher.events = nil

	_, err = service.UpsertLinkedAccountWithPassportAndVisas(ctx, candidateWith(a))
	require.NoError(t, err)
	assert.Len(t, publisher.events, 1)
}

func TestUpsertUnrecognizedVisaTypeCountsAsChanged(t *testing.T) {
	ctx := context.Background()
	service, _, publisher := newTestService()

	foreign := rasVisa(t, "https://ras.example.com", nil)
	foreign.VisaType = "https://unknown.example.com/visas/v9"

	_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx, candidateWith(foreign))
	require.NoError(t, err)
	publisher.events = nil

	// Same unrecognized visa again: no comparator can claim equality, so
	// the set is judged changed.
	_, err = service.UpsertLinkedAccountWithPassportAndVisas(ctx, candidateWith(foreign))
	require.NoError(t, err)
	assert.Len(t, publisher.events, 1)
}

func TestPassportlessUpsertDropsStoredPassport(t *testing.T) {
	ctx := context.Background()
	service, memStore, publisher := newTestService()

	v1 := rasVisa(t, "https://ras.example.com", []visa.DbGaPPermission{{PhsID: "phs000123", ConsentGroup: "c1"}})
	_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx, candidateWith(v1))
	require.NoError(t, err)
	publisher.events = nil

	plain := candidateWith()
	plain.Passport = nil
	saved, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx, plain)
	require.NoError(t, err)
	assert.Nil(t, saved.Passport)

	stored, err := memStore.GetPassport(ctx, "u1", "ras")
	require.NoError(t, err)
	assert.Nil(t, stored)

	visas, err := memStore.ListVisas(ctx, "u1", "ras")
	require.NoError(t, err)
	assert.Empty(t, visas)

	// Dropping the visa set is an authorization change.
	assert.Len(t, publisher.events, 1)
}

func TestDeleteLinkedAccount(t *testing.T) {
	ctx := context.Background()

	t.Run("delete with visas emits event and cascades", func(t *testing.T) {
		service, memStore, publisher := newTestService()
		v1 := rasVisa(t, "https://ras.example.com", []visa.DbGaPPermission{{PhsID: "phs000123", ConsentGroup: "c1"}})
		_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx, candidateWith(v1))
		require.NoError(t, err)
		publisher.events = nil

		existed, err := service.DeleteLinkedAccount(ctx, "u1", "ras")
		require.NoError(t, err)
		assert.True(t, existed)
		assert.Len(t, publisher.events, 1)

		account, err := memStore.GetLinkedAccountForUser(ctx, "u1", "ras")
		require.NoError(t, err)
		assert.Nil(t, account)
	})

	t.Run("delete without visas emits no event", func(t *testing.T) {
		service, _, publisher := newTestService()
		plain := candidateWith()
		plain.Passport = nil
		_, err := service.UpsertLinkedAccountWithPassportAndVisas(ctx, plain)
		require.NoError(t, err)
		publisher.events = nil

		existed, err := service.DeleteLinkedAccount(ctx, "u1", "ras")
		require.NoError(t, err)
		assert.True(t, existed)
		assert.Empty(t, publisher.events)
	})

	t.Run("deleting a missing account is an idempotent no-op", func(t *testing.T) {
		service, _, publisher := newTestService()

		existed, err := service.DeleteLinkedAccount(ctx, "nobody", "ras")
		require.NoError(t, err)
		assert.False(t, existed)
		assert.Empty(t, publisher.events)
	})
}
