// Package store is the persistence surface for linked accounts, passports,
// and visas. All mutation of persisted credential state goes through a
// Store; no other component writes rows directly.
package store

import (
	"context"
	"time"

	"github.com/cardeahq/cardea/internal/model"
)

// Store persists the three owned entities plus OAuth2 anti-forgery state.
// Lookups with a "maybe" contract return (nil, nil) when nothing exists.
type Store interface {
	// GetLinkedAccount looks up an account by id.
	GetLinkedAccount(ctx context.Context, id string) (*model.LinkedAccount, error)

	// GetLinkedAccountForUser looks up the unique account for
	// (userID, provider).
	GetLinkedAccountForUser(ctx context.Context, userID, provider string) (*model.LinkedAccount, error)

	// GetLinkedAccountForExternalID looks up an account by the external
	// provider-side user id.
	GetLinkedAccountForExternalID(ctx context.Context, provider, externalUserID string) (*model.LinkedAccount, error)

	// GetLinkedAccountsByPassportJWTIDs maps passport jwt ids to their
	// owning accounts. Unknown ids are simply absent from the result.
	GetLinkedAccountsByPassportJWTIDs(ctx context.Context, jwtIDs []string) (map[string]model.LinkedAccount, error)

	// GetActiveLinkedAccounts lists authenticated, unexpired accounts for
	// a provider.
	GetActiveLinkedAccounts(ctx context.Context, provider string, now time.Time) ([]model.LinkedAccount, error)

	// GetExpiredLinkedAccountsWithPassports lists accounts whose link
	// lifetime has passed and which still own a passport.
	GetExpiredLinkedAccountsWithPassports(ctx context.Context, now time.Time) ([]model.LinkedAccount, error)

	// GetLinkedAccountsWithExpiringPassportsOrVisas lists authenticated
	// accounts whose passport or any owned visa expires at or before the
	// cutoff.
	GetLinkedAccountsWithExpiringPassportsOrVisas(ctx context.Context, cutoff time.Time) ([]model.LinkedAccount, error)

	// UpsertLinkedAccount inserts or updates by the (userID, provider)
	// unique key and returns the stored account with its assigned id.
	UpsertLinkedAccount(ctx context.Context, account model.LinkedAccount) (*model.LinkedAccount, error)

	// CommitLinkedAccount upserts the account, replaces any existing
	// passport with the candidate's (a nil passport just deletes it), and
	// inserts the candidate's visas, all as one observable write. A
	// concurrent reader sees either the prior grant or the committed one,
	// never a passport without its visas.
	CommitLinkedAccount(ctx context.Context, candidate model.LinkedAccountWithPassportAndVisas) (*model.LinkedAccountWithPassportAndVisas, error)

	// DeleteLinkedAccount removes the account and cascades to its passport
	// and visas. Reports whether an account existed.
	DeleteLinkedAccount(ctx context.Context, userID, provider string) (bool, error)

	// GetPassport returns the passport owned by (userID, provider)'s
	// account, if any.
	GetPassport(ctx context.Context, userID, provider string) (*model.GA4GHPassport, error)

	// InsertPassport stores a passport bound to its linked account and
	// returns it with its assigned id.
	InsertPassport(ctx context.Context, passport model.GA4GHPassport) (*model.GA4GHPassport, error)

	// DeletePassport removes the account's passport, cascading to its
	// visas. Deleting when no passport exists is a no-op.
	DeletePassport(ctx context.Context, linkedAccountID string) error

	// InsertVisa stores a visa bound to its passport and returns it with
	// its assigned id.
	InsertVisa(ctx context.Context, visa model.GA4GHVisa) (*model.GA4GHVisa, error)

	// ListVisas lists all visas owned through (userID, provider)'s
	// passport.
	ListVisas(ctx context.Context, userID, provider string) ([]model.GA4GHVisa, error)

	// ListUnexpiredVisas lists visas for (userID, provider) filtered by
	// issuer and visa type, excluding expired ones.
	ListUnexpiredVisas(ctx context.Context, provider, userID, issuer, visaType string, now time.Time) ([]model.GA4GHVisa, error)

	// GetUnvalidatedAccessTokenVisaDetails lists verification projections
	// for access_token visas whose last successful validation is older
	// than the cutoff (or that were never validated).
	GetUnvalidatedAccessTokenVisaDetails(ctx context.Context, cutoff time.Time) ([]model.VisaVerificationDetails, error)

	// UpdateVisaLastValidated records a successful live revalidation.
	UpdateVisaLastValidated(ctx context.Context, visaID string, lastValidated time.Time) error

	// UpsertOAuth2State stores the pending anti-forgery state for a user.
	UpsertOAuth2State(ctx context.Context, userID string, state model.OAuth2State) error

	// TakeOAuth2State atomically deletes the state if it is currently
	// stored for the user, reporting whether it existed.
	TakeOAuth2State(ctx context.Context, userID string, state model.OAuth2State) (bool, error)
}
