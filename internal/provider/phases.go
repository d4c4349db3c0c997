package provider

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// InvalidateExpiredAccounts marks every expired account still holding a
// passport as unauthenticated and deletes the passport. One account's
// failure never stops the rest. Returns the number handled successfully.
func (s *Service) InvalidateExpiredAccounts(ctx context.Context) (int, error) {
	candidates, err := s.store.GetExpiredLinkedAccountsWithPassports(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, account := range candidates {
		if err := s.invalidateAccount(ctx, account); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"provider": account.Provider,
				"userId":   account.UserID,
			}).Error("failed to invalidate expired account")
			continue
		}
		processed++
	}
	return processed, nil
}

// RefreshExpiringPassports refreshes every authenticated account whose
// passport or any visa expires within the window.
func (s *Service) RefreshExpiringPassports(ctx context.Context, window time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(window)
	candidates, err := s.store.GetLinkedAccountsWithExpiringPassportsOrVisas(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, account := range candidates {
		if err := s.AuthAndRefreshPassport(ctx, account); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"provider": account.Provider,
				"userId":   account.UserID,
			}).Error("failed to refresh expiring passport")
			continue
		}
		processed++
	}
	return processed, nil
}

// ValidateAccessTokenVisas live-checks every access_token visa not
// validated within the window. A "Valid" answer stamps lastValidated; any
// other answer treats the owning account as potentially revoked and forces
// a refresh.
func (s *Service) ValidateAccessTokenVisas(ctx context.Context, window time.Duration) (int, error) {
	cutoff := s.clock.Now().Add(-window)
	candidates, err := s.store.GetUnvalidatedAccessTokenVisaDetails(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, details := range candidates {
		if err := s.validateStoredVisa(ctx, details.Provider, details.LinkedAccountID, details.VisaID, details.VisaJWT); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"provider": details.Provider,
				"visaId":   details.VisaID,
			}).Error("failed to revalidate visa")
			continue
		}
		processed++
	}
	return processed, nil
}

func (s *Service) validateStoredVisa(ctx context.Context, providerName, accountID, visaID, visaJWT string) error {
	valid, err := s.ValidateVisaWithProvider(ctx, providerName, visaJWT)
	if err != nil {
		return err
	}
	if valid {
		return s.store.UpdateVisaLastValidated(ctx, visaID, s.clock.Now())
	}

	account, err := s.store.GetLinkedAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if account == nil {
		return nil
	}
	return s.AuthAndRefreshPassport(ctx, *account)
}
