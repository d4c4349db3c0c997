package config

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cardeahq/cardea/internal/accounts"
	"github.com/cardeahq/cardea/internal/api"
	"github.com/cardeahq/cardea/internal/clock"
	"github.com/cardeahq/cardea/internal/kms"
	"github.com/cardeahq/cardea/internal/passport"
	"github.com/cardeahq/cardea/internal/provider"
	"github.com/cardeahq/cardea/internal/reconcile"
	"github.com/cardeahq/cardea/internal/store"
	"github.com/cardeahq/cardea/internal/trust"
	"github.com/cardeahq/cardea/internal/visa"
)

// Provider constructs all application components from configuration
// This is the main entry point for building a configured cardea instance
type Provider struct {
	config *Config
	clock  clock.Clock

	// Lazily constructed components (cached after first call)
	store           store.Store
	mongoClient     *mongo.Client
	validator       *trust.Validator
	registry        *visa.Registry
	accountsService *accounts.Service
	passportService *passport.Service
	providerService *provider.Service
	scheduler       *reconcile.Scheduler
}

// NewProvider creates a new provider from configuration
func NewProvider(config *Config) *Provider {
	return &Provider{
		config: config,
		clock:  clock.NewSystemClock(),
	}
}

// ConfigureLogging applies the observability settings to the global logger
func (p *Provider) ConfigureLogging() error {
	obs := p.config.Observability

	level := logrus.InfoLevel
	if obs.LogLevel != "" {
		parsed, err := logrus.ParseLevel(obs.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", obs.LogLevel, err)
		}
		level = parsed
	}
	logrus.SetLevel(level)

	if obs.LogFormat == "text" {
		logrus.SetFormatter(&logrus.TextFormatter{})
	} else {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

// Store returns the configured credential store
func (p *Provider) Store(ctx context.Context) (store.Store, error) {
	if p.store != nil {
		return p.store, nil
	}

	switch p.config.Database.Type {
	case "", "memory":
		p.store = store.NewMemoryStore()

	case "mongo":
		encrypter, err := p.encrypter()
		if err != nil {
			return nil, err
		}
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(p.config.Database.URI))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
		}
		p.mongoClient = client

		mongoStore, err := store.NewMongoStore(ctx, client.Database(p.config.Database.Name), encrypter)
		if err != nil {
			return nil, fmt.Errorf("failed to create mongo store: %w", err)
		}
		p.store = mongoStore

	default:
		return nil, fmt.Errorf("unknown database type: %s", p.config.Database.Type)
	}
	return p.store, nil
}

func (p *Provider) encrypter() (kms.Encrypter, error) {
	if p.config.Database.EncryptionKey == "" {
		return kms.NewNoopEncrypter(), nil
	}
	key, err := hex.DecodeString(p.config.Database.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	return kms.NewAESEncrypter(key)
}

// Validator returns the configured trust validator
func (p *Provider) Validator(ctx context.Context) (*trust.Validator, error) {
	if p.validator != nil {
		return p.validator, nil
	}

	refreshInterval, err := parseDuration(p.config.Trust.RefreshInterval, 15*time.Minute)
	if err != nil {
		return nil, err
	}
	httpTimeout, err := parseDuration(p.config.Trust.HTTPTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}

	anchors := make([]trust.Anchor, 0, len(p.config.Trust.Anchors))
	for _, a := range p.config.Trust.Anchors {
		anchors = append(anchors, trust.Anchor{Issuer: a.Issuer, JWKSURL: a.JWKSURL})
	}

	validator, err := trust.NewValidator(ctx, trust.Config{
		Anchors:         anchors,
		HTTPTimeout:     httpTimeout,
		RefreshInterval: refreshInterval,
		Clock:           p.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create trust validator: %w", err)
	}

	p.validator = validator
	return validator, nil
}

// ComparatorRegistry returns the visa comparator registry. Construction
// order is fixed here; it decides which comparator owns a visa type.
func (p *Provider) ComparatorRegistry() *visa.Registry {
	if p.registry != nil {
		return p.registry
	}
	p.registry = visa.NewRegistry(
		visa.NewRASv1Dot1Comparator(),
	)
	return p.registry
}

// AccountsService returns the credential-store service
func (p *Provider) AccountsService(ctx context.Context) (*accounts.Service, error) {
	if p.accountsService != nil {
		return p.accountsService, nil
	}

	s, err := p.Store(ctx)
	if err != nil {
		return nil, err
	}

	p.accountsService = accounts.NewService(s, p.ComparatorRegistry(), nil)
	return p.accountsService, nil
}

// PassportService returns the passport ingestion/verification service
func (p *Provider) PassportService(ctx context.Context) (*passport.Service, error) {
	if p.passportService != nil {
		return p.passportService, nil
	}

	validator, err := p.Validator(ctx)
	if err != nil {
		return nil, err
	}
	s, err := p.Store(ctx)
	if err != nil {
		return nil, err
	}
	graceWindow, err := parseDuration(p.config.Verification.GraceWindow, time.Hour)
	if err != nil {
		return nil, err
	}

	p.passportService = passport.NewService(passport.Config{
		Validator:   validator,
		Registry:    p.ComparatorRegistry(),
		Store:       s,
		Clock:       p.clock,
		GraceWindow: graceWindow,
	})
	return p.passportService, nil
}

// ProviderService returns the linking engine
func (p *Provider) ProviderService(ctx context.Context) (*provider.Service, error) {
	if p.providerService != nil {
		return p.providerService, nil
	}

	accountsService, err := p.AccountsService(ctx)
	if err != nil {
		return nil, err
	}
	passportService, err := p.PassportService(ctx)
	if err != nil {
		return nil, err
	}
	s, err := p.Store(ctx)
	if err != nil {
		return nil, err
	}

	providers := make([]provider.Config, 0, len(p.config.Providers))
	for _, pc := range p.config.Providers {
		lifetime, err := parseDuration(pc.LinkLifetime, 30*24*time.Hour)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pc.Name, err)
		}
		providers = append(providers, provider.Config{
			Name:                  pc.Name,
			ClientID:              pc.ClientID,
			ClientSecret:          pc.ClientSecret,
			Issuer:                pc.Issuer,
			Scopes:                pc.Scopes,
			LinkLifetime:          lifetime,
			Passport:              pc.Passport,
			ExternalIDClaim:       pc.ExternalIDClaim,
			AuthorizationEndpoint: pc.AuthorizationEndpoint,
			TokenEndpoint:         pc.TokenEndpoint,
			UserInfoEndpoint:      pc.UserInfoEndpoint,
			RevokeEndpoint:        pc.RevokeEndpoint,
			ValidationEndpoint:    pc.ValidationEndpoint,
		})
	}

	p.providerService = provider.NewService(provider.ServiceConfig{
		Providers: providers,
		Accounts:  accountsService,
		Passports: passportService,
		Store:     s,
		Clock:     p.clock,
	})
	return p.providerService, nil
}

// ReconcileEnabled reports whether the in-process scheduler should run
func (p *Provider) ReconcileEnabled() bool {
	return p.config.Reconcile.Enabled
}

// Scheduler returns the reconciliation scheduler
func (p *Provider) Scheduler(ctx context.Context) (*reconcile.Scheduler, error) {
	if p.scheduler != nil {
		return p.scheduler, nil
	}

	providerService, err := p.ProviderService(ctx)
	if err != nil {
		return nil, err
	}

	interval, err := parseDuration(p.config.Reconcile.Interval, 30*time.Minute)
	if err != nil {
		return nil, err
	}
	refreshWindow, err := parseDuration(p.config.Reconcile.RefreshWindow, time.Hour)
	if err != nil {
		return nil, err
	}
	validationWindow, err := parseDuration(p.config.Reconcile.ValidationWindow, 24*time.Hour)
	if err != nil {
		return nil, err
	}
	runTimeout, err := parseDuration(p.config.Reconcile.RunTimeout, 10*time.Minute)
	if err != nil {
		return nil, err
	}

	p.scheduler = reconcile.NewScheduler(providerService, reconcile.Config{
		Interval:         interval,
		RefreshWindow:    refreshWindow,
		ValidationWindow: validationWindow,
		RunTimeout:       runTimeout,
	})
	return p.scheduler, nil
}

// ServerConfig returns the API server configuration
func (p *Provider) ServerConfig() api.Config {
	port := p.config.Server.Port
	if port == 0 {
		port = 8080
	}
	return api.Config{
		Port:       port,
		AdminUsers: p.config.Server.AdminUsers,
	}
}

// APIServer returns the fully wired HTTP server
func (p *Provider) APIServer(ctx context.Context) (*api.Server, error) {
	validator, err := p.Validator(ctx)
	if err != nil {
		return nil, err
	}
	accountsService, err := p.AccountsService(ctx)
	if err != nil {
		return nil, err
	}
	providerService, err := p.ProviderService(ctx)
	if err != nil {
		return nil, err
	}
	passportService, err := p.PassportService(ctx)
	if err != nil {
		return nil, err
	}

	cfg := p.ServerConfig()
	cfg.Identity = api.NewTokenSubjectResolver(validator)
	cfg.Accounts = accountsService
	cfg.Providers = providerService
	cfg.Passports = passportService
	return api.NewServer(cfg), nil
}

// Close releases held connections and stops background goroutines
func (p *Provider) Close(ctx context.Context) error {
	if p.providerService != nil {
		p.providerService.Close()
	}
	if p.mongoClient != nil {
		return p.mongoClient.Disconnect(ctx)
	}
	return nil
}
