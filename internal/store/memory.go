package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cardeahq/cardea/internal/model"
)

// MemoryStore is a mutex-guarded in-memory Store, the default for tests
// and single-node development. Ownership cascades are enforced here the
// same way the mongo implementation enforces them.
type MemoryStore struct {
	mu        sync.Mutex
	accounts  map[string]model.LinkedAccount // keyed by id
	passports map[string]model.GA4GHPassport // keyed by id
	visas     map[string]model.GA4GHVisa     // keyed by id
	states    map[string]model.OAuth2State   // keyed by userID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]model.LinkedAccount),
		passports: make(map[string]model.GA4GHPassport),
		visas:     make(map[string]model.GA4GHVisa),
		states:    make(map[string]model.OAuth2State),
	}
}

func (s *MemoryStore) GetLinkedAccount(ctx context.Context, id string) (*model.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account, ok := s.accounts[id]; ok {
		return &account, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetLinkedAccountForUser(ctx context.Context, userID, provider string) (*model.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if account := s.findAccount(userID, provider); account != nil {
		copied := *account
		return &copied, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetLinkedAccountForExternalID(ctx context.Context, provider, externalUserID string) (*model.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, account := range s.accounts {
		if account.Provider == provider && account.ExternalUserID == externalUserID {
			copied := account
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) GetLinkedAccountsByPassportJWTIDs(ctx context.Context, jwtIDs []string) (map[string]model.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool, len(jwtIDs))
	for _, id := range jwtIDs {
		wanted[id] = true
	}

	result := make(map[string]model.LinkedAccount)
	for _, passport := range s.passports {
		if !wanted[passport.JWTID] {
			continue
		}
		if account, ok := s.accounts[passport.LinkedAccountID]; ok {
			result[passport.JWTID] = account
		}
	}
	return result, nil
}

func (s *MemoryStore) GetActiveLinkedAccounts(ctx context.Context, provider string, now time.Time) ([]model.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.LinkedAccount
	for _, account := range s.accounts {
		if account.Provider == provider && account.IsAuthenticated && account.Expires.After(now) {
			result = append(result, account)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetExpiredLinkedAccountsWithPassports(ctx context.Context, now time.Time) ([]model.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.LinkedAccount
	for _, account := range s.accounts {
		if !account.Expires.Before(now) {
			continue
		}
		if s.passportForAccount(account.ID) != nil {
			result = append(result, account)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetLinkedAccountsWithExpiringPassportsOrVisas(ctx context.Context, cutoff time.Time) ([]model.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.LinkedAccount
	for _, account := range s.accounts {
		if !account.IsAuthenticated {
			continue
		}
		passport := s.passportForAccount(account.ID)
		if passport == nil {
			continue
		}
		expiring := !passport.Expires.After(cutoff)
		if !expiring {
			for _, visa := range s.visas {
				if visa.PassportID == passport.ID && !visa.Expires.After(cutoff) {
					expiring = true
					break
				}
			}
		}
		if expiring {
			result = append(result, account)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpsertLinkedAccount(ctx context.Context, account model.LinkedAccount) (*model.LinkedAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing := s.findAccount(account.UserID, account.Provider); existing != nil {
		account.ID = existing.ID
	} else {
		account.ID = uuid.NewString()
	}
	s.accounts[account.ID] = account

	copied := account
	return &copied, nil
}

// CommitLinkedAccount performs the whole supersede sequence under a single
// lock acquisition, so no reader interleaves with a half-applied commit.
func (s *MemoryStore) CommitLinkedAccount(ctx context.Context, candidate model.LinkedAccountWithPassportAndVisas) (*model.LinkedAccountWithPassportAndVisas, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account := candidate.LinkedAccount
	if existing := s.findAccount(account.UserID, account.Provider); existing != nil {
		account.ID = existing.ID
	} else {
		account.ID = uuid.NewString()
	}
	s.accounts[account.ID] = account
	s.deletePassportLocked(account.ID)

	result := &model.LinkedAccountWithPassportAndVisas{LinkedAccount: account}
	if candidate.Passport == nil {
		return result, nil
	}

	passport := *candidate.Passport
	passport.ID = uuid.NewString()
	passport.LinkedAccountID = account.ID
	s.passports[passport.ID] = passport
	result.Passport = &passport

	for _, visa := range candidate.Visas {
		visa.ID = uuid.NewString()
		visa.PassportID = passport.ID
		s.visas[visa.ID] = visa
		result.Visas = append(result.Visas, visa)
	}
	return result, nil
}

func (s *MemoryStore) DeleteLinkedAccount(ctx context.Context, userID, provider string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account := s.findAccount(userID, provider)
	if account == nil {
		return false, nil
	}
	s.deletePassportLocked(account.ID)
	delete(s.accounts, account.ID)
	return true, nil
}

func (s *MemoryStore) GetPassport(ctx context.Context, userID, provider string) (*model.GA4GHPassport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account := s.findAccount(userID, provider)
	if account == nil {
		return nil, nil
	}
	if passport := s.passportForAccount(account.ID); passport != nil {
		copied := *passport
		return &copied, nil
	}
	return nil, nil
}

func (s *MemoryStore) InsertPassport(ctx context.Context, passport model.GA4GHPassport) (*model.GA4GHPassport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	passport.ID = uuid.NewString()
	s.passports[passport.ID] = passport

	copied := passport
	return &copied, nil
}

func (s *MemoryStore) DeletePassport(ctx context.Context, linkedAccountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deletePassportLocked(linkedAccountID)
	return nil
}

func (s *MemoryStore) InsertVisa(ctx context.Context, visa model.GA4GHVisa) (*model.GA4GHVisa, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	visa.ID = uuid.NewString()
	s.visas[visa.ID] = visa

	copied := visa
	return &copied, nil
}

func (s *MemoryStore) ListVisas(ctx context.Context, userID, provider string) ([]model.GA4GHVisa, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account := s.findAccount(userID, provider)
	if account == nil {
		return nil, nil
	}
	passport := s.passportForAccount(account.ID)
	if passport == nil {
		return nil, nil
	}

	var result []model.GA4GHVisa
	for _, visa := range s.visas {
		if visa.PassportID == passport.ID {
			result = append(result, visa)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListUnexpiredVisas(ctx context.Context, provider, userID, issuer, visaType string, now time.Time) ([]model.GA4GHVisa, error) {
	visas, err := s.ListVisas(ctx, userID, provider)
	if err != nil {
		return nil, err
	}

	var result []model.GA4GHVisa
	for _, visa := range visas {
		if visa.Issuer == issuer && visa.VisaType == visaType && visa.Expires.After(now) {
			result = append(result, visa)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetUnvalidatedAccessTokenVisaDetails(ctx context.Context, cutoff time.Time) ([]model.VisaVerificationDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []model.VisaVerificationDetails
	for _, visa := range s.visas {
		if visa.TokenType != model.TokenTypeAccessToken {
			continue
		}
		if visa.LastValidated != nil && visa.LastValidated.After(cutoff) {
			continue
		}
		passport, ok := s.passports[visa.PassportID]
		if !ok {
			continue
		}
		account, ok := s.accounts[passport.LinkedAccountID]
		if !ok {
			continue
		}
		result = append(result, model.VisaVerificationDetails{
			LinkedAccountID: account.ID,
			Provider:        account.Provider,
			VisaID:          visa.ID,
			VisaJWT:         visa.JWT,
		})
	}
	return result, nil
}

func (s *MemoryStore) UpdateVisaLastValidated(ctx context.Context, visaID string, lastValidated time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if visa, ok := s.visas[visaID]; ok {
		visa.LastValidated = &lastValidated
		s.visas[visaID] = visa
	}
	return nil
}

func (s *MemoryStore) UpsertOAuth2State(ctx context.Context, userID string, state model.OAuth2State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[userID] = state
	return nil
}

func (s *MemoryStore) TakeOAuth2State(ctx context.Context, userID string, state model.OAuth2State) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.states[userID]
	if !ok || stored != state {
		return false, nil
	}
	delete(s.states, userID)
	return true, nil
}

// findAccount returns the stored account for the unique (userID, provider)
// key. Callers must hold the lock.
func (s *MemoryStore) findAccount(userID, provider string) *model.LinkedAccount {
	for id, account := range s.accounts {
		if account.UserID == userID && account.Provider == provider {
			found := s.accounts[id]
			return &found
		}
	}
	return nil
}

func (s *MemoryStore) passportForAccount(linkedAccountID string) *model.GA4GHPassport {
	for id, passport := range s.passports {
		if passport.LinkedAccountID == linkedAccountID {
			found := s.passports[id]
			return &found
		}
	}
	return nil
}

// deletePassportLocked removes the account's passport and cascades to its
// visas. Callers must hold the lock.
func (s *MemoryStore) deletePassportLocked(linkedAccountID string) {
	passport := s.passportForAccount(linkedAccountID)
	if passport == nil {
		return
	}
	for id, visa := range s.visas {
		if visa.PassportID == passport.ID {
			delete(s.visas, id)
		}
	}
	delete(s.passports, passport.ID)
}
