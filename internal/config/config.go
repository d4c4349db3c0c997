package config

// Config is the root configuration structure for cardea
type Config struct {
	// Server configuration (HTTP port, admin allow-list)
	Server ServerConfig `koanf:"server"`

	// Database selects and configures the credential store
	Database DatabaseConfig `koanf:"database"`

	// Trust configures the anchor allow-list for passport and
	// access_token visa validation
	Trust TrustConfig `koanf:"trust"`

	// Providers configures the external identity providers available for
	// linking. Order matters: it fixes comparator registry order.
	Providers []ProviderConfig `koanf:"providers"`

	// Reconcile configures the background credential-maintenance job
	Reconcile ReconcileConfig `koanf:"reconcile"`

	// Verification configures the passport verification service
	Verification VerificationConfig `koanf:"verification"`

	// Observability configuration (logging)
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig contains network-level server settings
type ServerConfig struct {
	// Port is the port for the HTTP API
	Port int `koanf:"port" usage:"HTTP server port"`

	// AdminUsers is the allow-list of internal user ids permitted to call
	// admin endpoints
	AdminUsers []string `koanf:"admin_users"`
}

// DatabaseConfig configures the credential store
type DatabaseConfig struct {
	// Type selects the store implementation
	// Options: "mongo", "memory"
	Type string `koanf:"type" usage:"credential store type (mongo, memory)"`

	// Mongo connection settings (only used when Type is "mongo")
	URI  string `koanf:"uri" usage:"mongodb connection uri"`
	Name string `koanf:"name" usage:"mongodb database name"`

	// EncryptionKey is the hex-encoded AES key for refresh tokens at
	// rest. Empty disables encryption.
	EncryptionKey string `koanf:"encryption_key"`
}

// TrustConfig configures JWT trust validation
type TrustConfig struct {
	// Anchors is the issuer allow-list. An anchor without a pinned
	// jwks_url is discovered via the issuer's well-known document.
	Anchors []AnchorConfig `koanf:"anchors"`

	// RefreshInterval bounds how often a cached JWKS is refetched
	RefreshInterval string `koanf:"refresh_interval"` // Duration string like "15m"

	// HTTPTimeout bounds JWKS and discovery fetches
	HTTPTimeout string `koanf:"http_timeout"` // Duration string like "30s"
}

// AnchorConfig is one entry of the trust anchor allow-list
type AnchorConfig struct {
	Issuer  string `koanf:"issuer"`
	JWKSURL string `koanf:"jwks_url"`
}

// ProviderConfig configures one external identity provider
type ProviderConfig struct {
	// Name uniquely identifies this provider; it is the providerId stored
	// on linked accounts
	Name string `koanf:"name"`

	ClientID     string `koanf:"client_id"`
	ClientSecret string `koanf:"client_secret"`

	// Issuer is the OIDC issuer used for endpoint discovery
	Issuer string `koanf:"issuer"`

	// Scopes requested during the authorization-code flow
	Scopes []string `koanf:"scopes"`

	// LinkLifetime is how long a link stays valid after each successful
	// authentication or refresh
	LinkLifetime string `koanf:"link_lifetime"` // Duration string like "720h"

	// Passport marks providers whose user info carries a GA4GH passport
	Passport bool `koanf:"passport"`

	// ExternalIDClaim is the user-info claim holding the provider-side
	// user id (default: "sub")
	ExternalIDClaim string `koanf:"external_id_claim"`

	// Endpoint pins; any left empty is discovered from the issuer
	AuthorizationEndpoint string `koanf:"authorization_endpoint"`
	TokenEndpoint         string `koanf:"token_endpoint"`
	UserInfoEndpoint      string `koanf:"user_info_endpoint"`
	RevokeEndpoint        string `koanf:"revoke_endpoint"`
	ValidationEndpoint    string `koanf:"validation_endpoint"`
}

// ReconcileConfig configures the background reconciliation job
type ReconcileConfig struct {
	// Enabled turns the in-process scheduler on or off
	Enabled bool `koanf:"enabled" usage:"run the reconciliation scheduler"`

	// Interval between runs
	Interval string `koanf:"interval"` // Duration string like "30m"

	// RefreshWindow is how far ahead of expiry a passport or visa
	// triggers a refresh
	RefreshWindow string `koanf:"refresh_window"` // Duration string like "1h"

	// ValidationWindow is how stale an access_token visa's lastValidated
	// may get before a live check
	ValidationWindow string `koanf:"validation_window"` // Duration string like "24h"

	// RunTimeout bounds one complete run
	RunTimeout string `koanf:"run_timeout"` // Duration string like "10m"
}

// VerificationConfig configures the passport verification service
type VerificationConfig struct {
	// GraceWindow is how long a freshly issued passport with no linked
	// account on file is still accepted
	GraceWindow string `koanf:"grace_window"` // Duration string like "1h"
}

// ObservabilityConfig configures application logging
type ObservabilityConfig struct {
	// LogLevel sets the log level
	// Options: "debug", "info", "warn", "error"
	// Default: "info"
	LogLevel string `koanf:"log_level" usage:"log level (debug, info, warn, error)"`

	// LogFormat sets the log format
	// Options: "json", "text"
	// Default: "json"
	LogFormat string `koanf:"log_format" usage:"log format (json, text)"`
}
