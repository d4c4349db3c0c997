// Package accounts is the credential-store service layer: it owns the
// upsert-with-diff commit path for linked accounts and the change-event
// emission rules around relinks and unlinks.
package accounts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cardeahq/cardea/internal/model"
	"github.com/cardeahq/cardea/internal/store"
	"github.com/cardeahq/cardea/internal/visa"
)

// EventPublisher receives authorization-change facts. Implementations must
// not block the commit path for long; publishing failures are logged by the
// caller, never rolled back into the store.
type EventPublisher interface {
	PublishAuthorizationChange(ctx context.Context, event model.AuthorizationChangeEvent) error
}

// LogPublisher writes change events to the structured log. It stands in
// wherever no real event sink is configured.
type LogPublisher struct {
	logger *logrus.Entry
}

func NewLogPublisher() *LogPublisher {
	return &LogPublisher{logger: logrus.WithField("component", "accounts.events")}
}

func (p *LogPublisher) PublishAuthorizationChange(_ context.Context, event model.AuthorizationChangeEvent) error {
	p.logger.WithFields(logrus.Fields{
		"provider": event.Provider,
		"userId":   event.UserID,
	}).Info("authorization change")
	return nil
}

// Service is the sole legal write path for linked accounts, passports, and
// visas.
type Service struct {
	store     store.Store
	registry  *visa.Registry
	publisher EventPublisher
	commits   *keyedMutex
	logger    *logrus.Entry
}

func NewService(s store.Store, registry *visa.Registry, publisher EventPublisher) *Service {
	if publisher == nil {
		publisher = NewLogPublisher()
	}
	return &Service{
		store:     s,
		registry:  registry,
		publisher: publisher,
		commits:   newKeyedMutex(),
		logger:    logrus.WithField("component", "accounts"),
	}
}

// keyedMutex serializes commits per linked-account key so concurrent
// relinks for the same (userID, provider) cannot interleave their
// before-reads with each other's writes.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// UpsertLinkedAccountWithPassportAndVisas commits an account together with
// its optional passport and visas as one atomic write; any existing
// passport is superseded, never updated in place. Commits for the same
// (userID, provider) are serialized so each diff runs against a settled
// before-set. The before/after visa sets are diffed through the comparator
// registry and one change event is published when the effective
// authorization set changed.
func (s *Service) UpsertLinkedAccountWithPassportAndVisas(ctx context.Context, candidate model.LinkedAccountWithPassportAndVisas) (*model.LinkedAccountWithPassportAndVisas, error) {
	account := candidate.LinkedAccount
	unlock := s.commits.lock(account.UserID + "/" + account.Provider)
	defer unlock()

	before, err := s.store.ListVisas(ctx, account.UserID, account.Provider)
	if err != nil {
		return nil, fmt.Errorf("failed to read existing visas: %w", err)
	}

	result, err := s.store.CommitLinkedAccount(ctx, candidate)
	if err != nil {
		return nil, err
	}

	if s.visaSetChanged(before, result.Visas) {
		s.publish(ctx, model.AuthorizationChangeEvent{
			Provider: result.LinkedAccount.Provider,
			UserID:   result.LinkedAccount.UserID,
		})
	}
	return result, nil
}

// DeleteLinkedAccount removes the account and everything it owns, reporting
// whether anything existed. A change event fires iff the account owned any
// visas, since only then did the user's authorization set change.
func (s *Service) DeleteLinkedAccount(ctx context.Context, userID, provider string) (bool, error) {
	unlock := s.commits.lock(userID + "/" + provider)
	defer unlock()

	before, err := s.store.ListVisas(ctx, userID, provider)
	if err != nil {
		return false, fmt.Errorf("failed to read existing visas: %w", err)
	}

	existed, err := s.store.DeleteLinkedAccount(ctx, userID, provider)
	if err != nil {
		return existed, err
	}
	if len(before) > 0 {
		s.publish(ctx, model.AuthorizationChangeEvent{Provider: provider, UserID: userID})
	}
	return existed, nil
}

// visaSetChanged greedily matches each after-visa to an unclaimed
// before-visa. Unequal sizes, an unmatched after-visa, or a leftover
// before-visa all mean the authorization set changed. Matching is
// first-available, not maximal; for the intended one-grant-per-type shape
// that is equivalent.
func (s *Service) visaSetChanged(before, after []model.GA4GHVisa) bool {
	if len(before) != len(after) {
		return true
	}
	claimed := make([]bool, len(before))
	for _, a := range after {
		comparator, ok := s.registry.ForVisa(a)
		if !ok {
			s.logger.WithField("visaType", a.VisaType).Error("no comparator for visa type, treating as unmatched")
			return true
		}
		matched := false
		for i, b := range before {
			if claimed[i] {
				continue
			}
			if comparator.VisaTypeSupported(b) && comparator.AuthorizationsMatch(a, b) {
				claimed[i] = true
				matched = true
				break
			}
		}
		if !matched {
			return true
		}
	}
	return false
}

func (s *Service) publish(ctx context.Context, event model.AuthorizationChangeEvent) {
	if err := s.publisher.PublishAuthorizationChange(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"provider": event.Provider,
			"userId":   event.UserID,
		}).Error("failed to publish authorization change")
	}
}

// GetLinkedAccount returns the account for (userID, provider), or nil.
func (s *Service) GetLinkedAccount(ctx context.Context, userID, provider string) (*model.LinkedAccount, error) {
	return s.store.GetLinkedAccountForUser(ctx, userID, provider)
}

// GetLinkedAccountForExternalID returns the account holding the given
// provider-side user id, or nil.
func (s *Service) GetLinkedAccountForExternalID(ctx context.Context, provider, externalUserID string) (*model.LinkedAccount, error) {
	return s.store.GetLinkedAccountForExternalID(ctx, provider, externalUserID)
}

// GetActiveLinkedAccounts lists authenticated, unexpired accounts for a
// provider.
func (s *Service) GetActiveLinkedAccounts(ctx context.Context, provider string, now time.Time) ([]model.LinkedAccount, error) {
	return s.store.GetActiveLinkedAccounts(ctx, provider, now)
}
