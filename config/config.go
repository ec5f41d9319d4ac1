// Package config loads the service's environment-driven configuration
// (§6 "Configuration"): database URL, secret-store endpoint and mount,
// default role TTLs, the RSA minimum modulus, the key-gen batch size, and
// pagination defaults. Grounded on spf13/viper, the config library listed
// in the notaryproject-notary manifest (other_examples) alongside
// spf13/cobra for exactly this purpose, and on that repo's
// cmd/notary/tuf.go `config.GetString("remote_server.url")`-style reads
// (retrieved into other_examples) — dotted keys, env override, a default
// fallback.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/kolide/tuf-repo-server/keyserver/keygen"
	"github.com/kolide/tuf-repo-server/reposerver/catalog"
	"github.com/kolide/tuf-repo-server/tuf/signing"
)

// Default values for every setting below that has one (§6). The
// RSA/batch-size/pagination defaults are each the same constant the
// relevant engine already falls back to when unconfigured
// (signing.MinRSABits, keygen.DefaultBatchSize, catalog.DefaultLimit) —
// repeated here as the value New seeds into viper, not redefined.
const (
	DefaultRootTTL      = 365 * 24 * time.Hour
	DefaultTargetsTTL   = 31 * 24 * time.Hour
	DefaultSnapshotTTL  = 24 * time.Hour
	DefaultTimestampTTL = 24 * time.Hour

	DefaultRSAMinBits      = signing.MinRSABits
	DefaultKeyGenBatchSize = keygen.DefaultBatchSize

	DefaultPaginationOffset = 0
	DefaultPaginationLimit  = catalog.DefaultLimit
)

// Config is the fully resolved, typed configuration every cmd/ entry
// point builds its collaborators from.
type Config struct {
	// DatabaseURL is the gorm/sqlite (or other gorm dialect) DSN for
	// storage/gormstore. Required; Load returns an error if unset.
	DatabaseURL string

	// SecretStoreEndpoint and SecretStoreMount address the external
	// secret-store collaborator (§1 non-goal: no concrete client is
	// wired here, only the address a deployment's keyserver.secretstore.Store
	// implementation would read).
	SecretStoreEndpoint string
	SecretStoreMount    string

	RootTTL      time.Duration
	TargetsTTL   time.Duration
	SnapshotTTL  time.Duration
	TimestampTTL time.Duration

	RSAMinBits      int
	KeyGenBatchSize int

	PaginationDefaultOffset int
	PaginationDefaultLimit  int
}

// New returns a viper instance pre-seeded with every setting's default
// and wired for environment override: a key like "database_url" is read
// from the ATS_DATABASE_URL environment variable.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("ats")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database_url", "")
	v.SetDefault("secret_store.endpoint", "")
	v.SetDefault("secret_store.mount", "")
	v.SetDefault("role_ttl.root", DefaultRootTTL)
	v.SetDefault("role_ttl.targets", DefaultTargetsTTL)
	v.SetDefault("role_ttl.snapshot", DefaultSnapshotTTL)
	v.SetDefault("role_ttl.timestamp", DefaultTimestampTTL)
	v.SetDefault("rsa_min_bits", DefaultRSAMinBits)
	v.SetDefault("key_gen_batch_size", DefaultKeyGenBatchSize)
	v.SetDefault("pagination.default_offset", DefaultPaginationOffset)
	v.SetDefault("pagination.default_limit", DefaultPaginationLimit)

	return v
}

// Load reads every setting off v into a Config, failing if database_url
// is unset — every other field has a usable default (§6) — or if
// rsa_min_bits is below DefaultRSAMinBits.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		DatabaseURL:             v.GetString("database_url"),
		SecretStoreEndpoint:     v.GetString("secret_store.endpoint"),
		SecretStoreMount:        v.GetString("secret_store.mount"),
		RootTTL:                 v.GetDuration("role_ttl.root"),
		TargetsTTL:              v.GetDuration("role_ttl.targets"),
		SnapshotTTL:             v.GetDuration("role_ttl.snapshot"),
		TimestampTTL:            v.GetDuration("role_ttl.timestamp"),
		RSAMinBits:              v.GetInt("rsa_min_bits"),
		KeyGenBatchSize:         v.GetInt("key_gen_batch_size"),
		PaginationDefaultOffset: v.GetInt("pagination.default_offset"),
		PaginationDefaultLimit:  v.GetInt("pagination.default_limit"),
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database_url is required (set ATS_DATABASE_URL)")
	}
	if cfg.RSAMinBits < DefaultRSAMinBits {
		return nil, errors.Errorf("rsa_min_bits must be at least %d", DefaultRSAMinBits)
	}

	return cfg, nil
}
