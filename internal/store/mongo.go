package store

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cardeahq/cardea/internal/kms"
	"github.com/cardeahq/cardea/internal/model"
)

const (
	AccountsCollection  = "linked_accounts"
	PassportsCollection = "ga4gh_passports"
	VisasCollection     = "ga4gh_visas"
	StatesCollection    = "oauth2_states"
)

// MongoStore is the production Store implementation. Refresh tokens are
// passed through the key-management encrypter before persisting.
type MongoStore struct {
	client    *mongo.Client
	accounts  *mongo.Collection
	passports *mongo.Collection
	visas     *mongo.Collection
	states    *mongo.Collection
	encrypter kms.Encrypter
	logger    *logrus.Entry
}

// NewMongoStore wires the collections and ensures the unique indexes the
// data model depends on: one account per (user_id, provider), one passport
// per account.
func NewMongoStore(ctx context.Context, db *mongo.Database, encrypter kms.Encrypter) (*MongoStore, error) {
	if encrypter == nil {
		encrypter = kms.NewNoopEncrypter()
	}
	s := &MongoStore{
		client:    db.Client(),
		accounts:  db.Collection(AccountsCollection),
		passports: db.Collection(PassportsCollection),
		visas:     db.Collection(VisasCollection),
		states:    db.Collection(StatesCollection),
		encrypter: encrypter,
		logger:    logrus.WithField("component", "store.mongo"),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.accounts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "provider", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "external_user_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create linked_accounts indexes: %w", err)
	}

	_, err = s.passports.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "linked_account_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "jwt_id", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create ga4gh_passports indexes: %w", err)
	}

	_, err = s.visas.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "passport_id", Value: 1}}},
		{Keys: bson.D{{Key: "token_type", Value: 1}, {Key: "last_validated", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create ga4gh_visas indexes: %w", err)
	}
	return nil
}

type accountDoc struct {
	ID              string    `bson:"_id"`
	UserID          string    `bson:"user_id"`
	Provider        string    `bson:"provider"`
	ExternalUserID  string    `bson:"external_user_id"`
	RefreshToken    []byte    `bson:"refresh_token"`
	Expires         time.Time `bson:"expires"`
	IsAuthenticated bool      `bson:"is_authenticated"`
}

type passportDoc struct {
	ID              string    `bson:"_id"`
	LinkedAccountID string    `bson:"linked_account_id"`
	JWT             string    `bson:"jwt"`
	JWTID           string    `bson:"jwt_id"`
	Expires         time.Time `bson:"expires"`
}

type visaDoc struct {
	ID            string     `bson:"_id"`
	PassportID    string     `bson:"passport_id"`
	VisaType      string     `bson:"visa_type"`
	TokenType     string     `bson:"token_type"`
	Issuer        string     `bson:"issuer"`
	Expires       time.Time  `bson:"expires"`
	JWT           string     `bson:"jwt"`
	LastValidated *time.Time `bson:"last_validated,omitempty"`
}

type stateDoc struct {
	UserID      string `bson:"_id"`
	Provider    string `bson:"provider"`
	Random      string `bson:"random"`
	RedirectURI string `bson:"redirect_uri"`
}

func (s *MongoStore) accountFromDoc(ctx context.Context, doc accountDoc) (*model.LinkedAccount, error) {
	refreshToken, err := s.encrypter.Decrypt(ctx, doc.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token for account %s: %w", doc.ID, err)
	}
	return &model.LinkedAccount{
		ID:              doc.ID,
		UserID:          doc.UserID,
		Provider:        doc.Provider,
		ExternalUserID:  doc.ExternalUserID,
		RefreshToken:    string(refreshToken),
		Expires:         doc.Expires,
		IsAuthenticated: doc.IsAuthenticated,
	}, nil
}

func visaFromDoc(doc visaDoc) model.GA4GHVisa {
	return model.GA4GHVisa{
		ID:            doc.ID,
		PassportID:    doc.PassportID,
		VisaType:      doc.VisaType,
		TokenType:     model.TokenType(doc.TokenType),
		Issuer:        doc.Issuer,
		Expires:       doc.Expires,
		JWT:           doc.JWT,
		LastValidated: doc.LastValidated,
	}
}

func passportFromDoc(doc passportDoc) model.GA4GHPassport {
	return model.GA4GHPassport(doc)
}

func (s *MongoStore) GetLinkedAccount(ctx context.Context, id string) (*model.LinkedAccount, error) {
	return s.findAccount(ctx, bson.M{"_id": id})
}

func (s *MongoStore) GetLinkedAccountForUser(ctx context.Context, userID, provider string) (*model.LinkedAccount, error) {
	return s.findAccount(ctx, bson.M{"user_id": userID, "provider": provider})
}

func (s *MongoStore) GetLinkedAccountForExternalID(ctx context.Context, provider, externalUserID string) (*model.LinkedAccount, error) {
	return s.findAccount(ctx, bson.M{"provider": provider, "external_user_id": externalUserID})
}

func (s *MongoStore) findAccount(ctx context.Context, filter bson.M) (*model.LinkedAccount, error) {
	var doc accountDoc
	err := s.accounts.FindOne(ctx, filter).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query linked account: %w", err)
	}
	return s.accountFromDoc(ctx, doc)
}

func (s *MongoStore) findAccounts(ctx context.Context, filter bson.M) ([]model.LinkedAccount, error) {
	cursor, err := s.accounts.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query linked accounts: %w", err)
	}
	defer cursor.Close(ctx)

	var result []model.LinkedAccount
	for cursor.Next(ctx) {
		var doc accountDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode linked account: %w", err)
		}
		account, err := s.accountFromDoc(ctx, doc)
		if err != nil {
			return nil, err
		}
		result = append(result, *account)
	}
	return result, cursor.Err()
}

func (s *MongoStore) GetLinkedAccountsByPassportJWTIDs(ctx context.Context, jwtIDs []string) (map[string]model.LinkedAccount, error) {
	cursor, err := s.passports.Find(ctx, bson.M{"jwt_id": bson.M{"$in": jwtIDs}})
	if err != nil {
		return nil, fmt.Errorf("failed to query passports by jwt id: %w", err)
	}
	defer cursor.Close(ctx)

	accountIDByJWTID := make(map[string]string)
	for cursor.Next(ctx) {
		var doc passportDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode passport: %w", err)
		}
		accountIDByJWTID[doc.JWTID] = doc.LinkedAccountID
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}

	result := make(map[string]model.LinkedAccount)
	for jwtID, accountID := range accountIDByJWTID {
		account, err := s.GetLinkedAccount(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if account != nil {
			result[jwtID] = *account
		}
	}
	return result, nil
}

func (s *MongoStore) GetActiveLinkedAccounts(ctx context.Context, provider string, now time.Time) ([]model.LinkedAccount, error) {
	return s.findAccounts(ctx, bson.M{
		"provider":         provider,
		"is_authenticated": true,
		"expires":          bson.M{"$gt": now},
	})
}

func (s *MongoStore) GetExpiredLinkedAccountsWithPassports(ctx context.Context, now time.Time) ([]model.LinkedAccount, error) {
	withPassports, err := s.passports.Distinct(ctx, "linked_account_id", bson.M{})
	if err != nil {
		return nil, fmt.Errorf("failed to list passport owners: %w", err)
	}
	return s.findAccounts(ctx, bson.M{
		"_id":     bson.M{"$in": withPassports},
		"expires": bson.M{"$lt": now},
	})
}

func (s *MongoStore) GetLinkedAccountsWithExpiringPassportsOrVisas(ctx context.Context, cutoff time.Time) ([]model.LinkedAccount, error) {
	accountIDs := make(map[string]bool)

	expiringPassports, err := s.passports.Distinct(ctx, "linked_account_id", bson.M{"expires": bson.M{"$lte": cutoff}})
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring passports: %w", err)
	}
	for _, id := range expiringPassports {
		if str, ok := id.(string); ok {
			accountIDs[str] = true
		}
	}

	expiringVisaPassportIDs, err := s.visas.Distinct(ctx, "passport_id", bson.M{"expires": bson.M{"$lte": cutoff}})
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring visas: %w", err)
	}
	if len(expiringVisaPassportIDs) > 0 {
		owners, err := s.passports.Distinct(ctx, "linked_account_id", bson.M{"_id": bson.M{"$in": expiringVisaPassportIDs}})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve expiring visa owners: %w", err)
		}
		for _, id := range owners {
			if str, ok := id.(string); ok {
				accountIDs[str] = true
			}
		}
	}

	if len(accountIDs) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(accountIDs))
	for id := range accountIDs {
		ids = append(ids, id)
	}
	return s.findAccounts(ctx, bson.M{
		"_id":              bson.M{"$in": ids},
		"is_authenticated": true,
	})
}

func (s *MongoStore) UpsertLinkedAccount(ctx context.Context, account model.LinkedAccount) (*model.LinkedAccount, error) {
	refreshToken, err := s.encrypter.Encrypt(ctx, []byte(account.RefreshToken))
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
	}

	filter := bson.M{"user_id": account.UserID, "provider": account.Provider}
	update := bson.M{
		"$set": bson.M{
			"refresh_token":    refreshToken,
			"expires":          account.Expires,
			"external_user_id": account.ExternalUserID,
			"is_authenticated": account.IsAuthenticated,
		},
		"$setOnInsert": bson.M{
			"_id":      primitive.NewObjectID().Hex(),
			"user_id":  account.UserID,
			"provider": account.Provider,
		},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc accountDoc
	if err := s.accounts.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to upsert linked account: %w", err)
	}
	return s.accountFromDoc(ctx, doc)
}

// CommitLinkedAccount runs the whole supersede sequence inside one session
// transaction. Requires a replica set or sharded deployment, as mongo
// transactions do.
func (s *MongoStore) CommitLinkedAccount(ctx context.Context, candidate model.LinkedAccountWithPassportAndVisas) (*model.LinkedAccountWithPassportAndVisas, error) {
	session, err := s.client.StartSession()
	if err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	result, err := session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		saved, err := s.UpsertLinkedAccount(sc, candidate.LinkedAccount)
		if err != nil {
			return nil, err
		}
		if err := s.DeletePassport(sc, saved.ID); err != nil {
			return nil, err
		}

		committed := &model.LinkedAccountWithPassportAndVisas{LinkedAccount: *saved}
		if candidate.Passport == nil {
			return committed, nil
		}

		passport := *candidate.Passport
		passport.LinkedAccountID = saved.ID
		savedPassport, err := s.InsertPassport(sc, passport)
		if err != nil {
			return nil, err
		}
		committed.Passport = savedPassport

		for _, visa := range candidate.Visas {
			visa.PassportID = savedPassport.ID
			savedVisa, err := s.InsertVisa(sc, visa)
			if err != nil {
				return nil, err
			}
			committed.Visas = append(committed.Visas, *savedVisa)
		}
		return committed, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to commit linked account: %w", err)
	}
	return result.(*model.LinkedAccountWithPassportAndVisas), nil
}

func (s *MongoStore) DeleteLinkedAccount(ctx context.Context, userID, provider string) (bool, error) {
	var doc accountDoc
	err := s.accounts.FindOneAndDelete(ctx, bson.M{"user_id": userID, "provider": provider}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to delete linked account: %w", err)
	}
	if err := s.DeletePassport(ctx, doc.ID); err != nil {
		return true, err
	}
	return true, nil
}

func (s *MongoStore) GetPassport(ctx context.Context, userID, provider string) (*model.GA4GHPassport, error) {
	account, err := s.GetLinkedAccountForUser(ctx, userID, provider)
	if err != nil || account == nil {
		return nil, err
	}

	var doc passportDoc
	err = s.passports.FindOne(ctx, bson.M{"linked_account_id": account.ID}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query passport: %w", err)
	}
	passport := passportFromDoc(doc)
	return &passport, nil
}

func (s *MongoStore) InsertPassport(ctx context.Context, passport model.GA4GHPassport) (*model.GA4GHPassport, error) {
	passport.ID = primitive.NewObjectID().Hex()
	if _, err := s.passports.InsertOne(ctx, passportDoc(passport)); err != nil {
		return nil, fmt.Errorf("failed to insert passport: %w", err)
	}
	return &passport, nil
}

func (s *MongoStore) DeletePassport(ctx context.Context, linkedAccountID string) error {
	cursor, err := s.passports.Find(ctx, bson.M{"linked_account_id": linkedAccountID})
	if err != nil {
		return fmt.Errorf("failed to query passports for delete: %w", err)
	}
	defer cursor.Close(ctx)

	var passportIDs []string
	for cursor.Next(ctx) {
		var doc passportDoc
		if err := cursor.Decode(&doc); err != nil {
			return fmt.Errorf("failed to decode passport: %w", err)
		}
		passportIDs = append(passportIDs, doc.ID)
	}
	if err := cursor.Err(); err != nil {
		return err
	}
	if len(passportIDs) == 0 {
		return nil
	}

	// Visas first so a reader never sees an orphaned visa.
	if _, err := s.visas.DeleteMany(ctx, bson.M{"passport_id": bson.M{"$in": passportIDs}}); err != nil {
		return fmt.Errorf("failed to delete visas: %w", err)
	}
	if _, err := s.passports.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": passportIDs}}); err != nil {
		return fmt.Errorf("failed to delete passport: %w", err)
	}
	return nil
}

func (s *MongoStore) InsertVisa(ctx context.Context, visa model.GA4GHVisa) (*model.GA4GHVisa, error) {
	visa.ID = primitive.NewObjectID().Hex()
	doc := visaDoc{
		ID:            visa.ID,
		PassportID:    visa.PassportID,
		VisaType:      visa.VisaType,
		TokenType:     string(visa.TokenType),
		Issuer:        visa.Issuer,
		Expires:       visa.Expires,
		JWT:           visa.JWT,
		LastValidated: visa.LastValidated,
	}
	if _, err := s.visas.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("failed to insert visa: %w", err)
	}
	return &visa, nil
}

func (s *MongoStore) ListVisas(ctx context.Context, userID, provider string) ([]model.GA4GHVisa, error) {
	passport, err := s.GetPassport(ctx, userID, provider)
	if err != nil || passport == nil {
		return nil, err
	}
	return s.findVisas(ctx, bson.M{"passport_id": passport.ID})
}

func (s *MongoStore) ListUnexpiredVisas(ctx context.Context, provider, userID, issuer, visaType string, now time.Time) ([]model.GA4GHVisa, error) {
	passport, err := s.GetPassport(ctx, userID, provider)
	if err != nil || passport == nil {
		return nil, err
	}
	return s.findVisas(ctx, bson.M{
		"passport_id": passport.ID,
		"issuer":      issuer,
		"visa_type":   visaType,
		"expires":     bson.M{"$gt": now},
	})
}

func (s *MongoStore) findVisas(ctx context.Context, filter bson.M) ([]model.GA4GHVisa, error) {
	cursor, err := s.visas.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query visas: %w", err)
	}
	defer cursor.Close(ctx)

	var result []model.GA4GHVisa
	for cursor.Next(ctx) {
		var doc visaDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode visa: %w", err)
		}
		result = append(result, visaFromDoc(doc))
	}
	return result, cursor.Err()
}

func (s *MongoStore) GetUnvalidatedAccessTokenVisaDetails(ctx context.Context, cutoff time.Time) ([]model.VisaVerificationDetails, error) {
	filter := bson.M{
		"token_type": string(model.TokenTypeAccessToken),
		"$or": []bson.M{
			{"last_validated": bson.M{"$lte": cutoff}},
			{"last_validated": nil},
		},
	}
	visas, err := s.findVisas(ctx, filter)
	if err != nil {
		return nil, err
	}

	var result []model.VisaVerificationDetails
	for _, visa := range visas {
		var passport passportDoc
		err := s.passports.FindOne(ctx, bson.M{"_id": visa.PassportID}).Decode(&passport)
		if err == mongo.ErrNoDocuments {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to query passport for visa %s: %w", visa.ID, err)
		}
		account, err := s.GetLinkedAccount(ctx, passport.LinkedAccountID)
		if err != nil {
			return nil, err
		}
		if account == nil {
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

func (s *MongoStore) UpdateVisaLastValidated(ctx context.Context, visaID string, lastValidated time.Time) error {
	_, err := s.visas.UpdateOne(ctx,
		bson.M{"_id": visaID},
		bson.M{"$set": bson.M{"last_validated": lastValidated}},
	)
	if err != nil {
		return fmt.Errorf("failed to update visa last_validated: %w", err)
	}
	return nil
}

func (s *MongoStore) UpsertOAuth2State(ctx context.Context, userID string, state model.OAuth2State) error {
	doc := stateDoc{
		UserID:      userID,
		Provider:    state.Provider,
		Random:      state.Random,
		RedirectURI: state.RedirectURI,
	}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.states.ReplaceOne(ctx, bson.M{"_id": userID}, doc, opts); err != nil {
		return fmt.Errorf("failed to upsert oauth2 state: %w", err)
	}
	return nil
}

func (s *MongoStore) TakeOAuth2State(ctx context.Context, userID string, state model.OAuth2State) (bool, error) {
	result, err := s.states.DeleteOne(ctx, bson.M{
		"_id":          userID,
		"provider":     state.Provider,
		"random":       state.Random,
		"redirect_uri": state.RedirectURI,
	})
	if err != nil {
		return false, fmt.Errorf("failed to take oauth2 state: %w", err)
	}
	return result.DeletedCount > 0, nil
}
