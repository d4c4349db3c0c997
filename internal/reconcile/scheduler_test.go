package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cardeahq/cardea/internal/accounts"
	"github.com/cardeahq/cardea/internal/model"
	"github.com/cardeahq/cardea/internal/provider"
	"github.com/cardeahq/cardea/internal/store"
	"github.com/cardeahq/cardea/internal/visa"
)

func newTestScheduler(t *testing.T) (*Scheduler, *store.MemoryStore) {
	t.Helper()
	memStore := store.NewMemoryStore()
	accountsService := accounts.NewService(memStore, visa.NewRegistry(visa.NewRASv1Dot1Comparator()), nil)
	providers := provider.NewService(provider.ServiceConfig{
		Providers: []provider.Config{{
			Name:         "ras",
			ClientID:     "client-1",
			LinkLifetime: 24 * time.Hour,
			// Endpoint pins keep the phases from attempting discovery;
			// nothing in these tests reaches the network.
			AuthorizationEndpoint: "https://ras.invalid/authorize",
			TokenEndpoint:         "https://ras.invalid/token",
			UserInfoEndpoint:      "https://ras.invalid/userinfo",
		}},
		Accounts: accountsService,
		Store:    memStore,
	})
	t.Cleanup(providers.Close)
	return NewScheduler(providers, Config{}), memStore
}

func TestRunReportsCompletion(t *testing.T) {
	scheduler, _ := newTestScheduler(t)
	assert.True(t, scheduler.Run(context.Background()))
	// The guard is released after a completed run.
	assert.True(t, scheduler.Run(context.Background()))
}

func TestRunSkipsWhileAnotherRunIsExecuting(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	scheduler.running.Store(true)
	assert.False(t, scheduler.Run(context.Background()))

	scheduler.running.Store(false)
	assert.True(t, scheduler.Run(context.Background()))
}

func TestRunInvalidatesExpiredAccounts(t *testing.T) {
	ctx := context.Background()
	scheduler, memStore := newTestScheduler(t)

	account, err := memStore.UpsertLinkedAccount(ctx, model.LinkedAccount{
		UserID:          "u1",
		Provider:        "ras",
		RefreshToken:    "refresh-1",
		Expires:         time.Now().Add(-time.Hour),
		IsAuthenticated: true,
	})
	require.NoError(t, err)
	_, err = memStore.InsertPassport(ctx, model.GA4GHPassport{
		LinkedAccountID: account.ID,
		JWTID:           "jti-1",
		Expires:         time.Now().Add(time.Hour),
	})
	require.NoError(t, err)

	require.True(t, scheduler.Run(ctx))

	saved, err := memStore.GetLinkedAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, saved.IsAuthenticated)

	stored, err := memStore.GetPassport(ctx, "u1", "ras")
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	scheduler, _ := newTestScheduler(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		scheduler.Start(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}
}
