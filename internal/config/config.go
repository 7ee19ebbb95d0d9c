// Package config loads service configuration from the environment, with
// optional .env file support for local development. Each service loads
// only the settings it needs and fails fast on anything missing.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
)

// LoadDotenv loads a .env file if one exists. A missing file is not an
// error; real deployments set the environment directly.
func LoadDotenv() {
	_ = godotenv.Load()
}

// Gateway holds settings for the gateway service.
type Gateway struct {
	GatewayURL    string // WS_GATEWAY_URL
	PlatformToken string // PLATFORM_TOKEN
	GuildID       string // GUILD_ID
	NATSURL       string // NATS_URL
	MetricsAddr   string // METRICS_ADDR
}

// LoadGateway reads gateway configuration from the environment.
func LoadGateway() (Gateway, error) {
	var errs *multierror.Error
	cfg := Gateway{
		GatewayURL:    require("WS_GATEWAY_URL", &errs),
		PlatformToken: require("PLATFORM_TOKEN", &errs),
		GuildID:       require("GUILD_ID", &errs),
		NATSURL:       optional("NATS_URL", "nats://localhost:4222"),
		MetricsAddr:   optional("METRICS_ADDR", ":9101"),
	}
	return cfg, errs.ErrorOrNil()
}

// Moderator holds settings for the moderator service.
type Moderator struct {
	PlatformToken   string        // PLATFORM_TOKEN
	APIBaseURL      string        // PLATFORM_API_URL
	GuildID         string        // GUILD_ID
	ModChannelID    string        // MOD_CHANNEL_ID
	ModRoleID       string        // MOD_ROLE_ID
	DatabaseURL     string        // DATABASE_URL
	RedisAddr       string        // REDIS_ADDR
	NATSURL         string        // NATS_URL
	BlocklistPath   string        // BLOCKLIST_PATH
	ConfusablesPath string        // CONFUSABLES_PATH (empty = built-in table)
	MigrationsDir   string        // MIGRATIONS_DIR
	MetricsAddr     string        // METRICS_ADDR
	ReloadInterval  time.Duration // BLOCKLIST_RELOAD_INTERVAL
	AutoDelete      bool          // AUTO_DELETE_FLAGGED
	VerifyURL       string        // VERIFY_PUBLIC_URL, shown to joining members
	SigningSecret   string        // VERIFY_SIGNING_SECRET, shared with the verifier
	TokenTTL        time.Duration // VERIFY_TOKEN_TTL
}

// LoadModerator reads moderator configuration from the environment.
func LoadModerator() (Moderator, error) {
	var errs *multierror.Error
	cfg := Moderator{
		PlatformToken:   require("PLATFORM_TOKEN", &errs),
		APIBaseURL:      require("PLATFORM_API_URL", &errs),
		GuildID:         require("GUILD_ID", &errs),
		ModChannelID:    require("MOD_CHANNEL_ID", &errs),
		ModRoleID:       require("MOD_ROLE_ID", &errs),
		DatabaseURL:     require("DATABASE_URL", &errs),
		BlocklistPath:   require("BLOCKLIST_PATH", &errs),
		ConfusablesPath: os.Getenv("CONFUSABLES_PATH"),
		RedisAddr:       optional("REDIS_ADDR", "localhost:6379"),
		NATSURL:         optional("NATS_URL", "nats://localhost:4222"),
		MigrationsDir:   optional("MIGRATIONS_DIR", "migrations"),
		MetricsAddr:     optional("METRICS_ADDR", ":9102"),
		ReloadInterval:  duration("BLOCKLIST_RELOAD_INTERVAL", 5*time.Minute, &errs),
		AutoDelete:      boolean("AUTO_DELETE_FLAGGED", true, &errs),
		VerifyURL:       optional("VERIFY_PUBLIC_URL", ""),
		SigningSecret:   os.Getenv("VERIFY_SIGNING_SECRET"),
		TokenTTL:        duration("VERIFY_TOKEN_TTL", 10*time.Minute, &errs),
	}
	// The verify flow is optional, but a public URL without a signing
	// secret cannot mint working links.
	if cfg.VerifyURL != "" && cfg.SigningSecret == "" {
		errs = multierror.Append(errs, fmt.Errorf("config: VERIFY_SIGNING_SECRET is required when VERIFY_PUBLIC_URL is set"))
	}
	return cfg, errs.ErrorOrNil()
}

// Verifier holds settings for the verification web service.
type Verifier struct {
	ListenAddr      string        // LISTEN_ADDR
	PublicURL       string        // VERIFY_PUBLIC_URL
	SigningSecret   string        // VERIFY_SIGNING_SECRET
	TokenTTL        time.Duration // VERIFY_TOKEN_TTL
	HCaptchaSiteKey string        // HCAPTCHA_SITE_KEY
	HCaptchaSecret  string        // HCAPTCHA_SECRET
	RedisAddr       string        // REDIS_ADDR
	NATSURL         string        // NATS_URL
	APIBaseURL      string        // PLATFORM_API_URL
	PlatformToken   string        // PLATFORM_TOKEN
	VerifiedRoleID  string        // VERIFIED_ROLE_ID
	MetricsAddr     string        // METRICS_ADDR
}

// LoadVerifier reads verifier configuration from the environment.
func LoadVerifier() (Verifier, error) {
	var errs *multierror.Error
	cfg := Verifier{
		ListenAddr:      optional("LISTEN_ADDR", ":8080"),
		PublicURL:       require("VERIFY_PUBLIC_URL", &errs),
		SigningSecret:   require("VERIFY_SIGNING_SECRET", &errs),
		TokenTTL:        duration("VERIFY_TOKEN_TTL", 10*time.Minute, &errs),
		HCaptchaSiteKey: require("HCAPTCHA_SITE_KEY", &errs),
		HCaptchaSecret:  require("HCAPTCHA_SECRET", &errs),
		RedisAddr:       optional("REDIS_ADDR", "localhost:6379"),
		NATSURL:         optional("NATS_URL", "nats://localhost:4222"),
		APIBaseURL:      require("PLATFORM_API_URL", &errs),
		PlatformToken:   require("PLATFORM_TOKEN", &errs),
		VerifiedRoleID:  require("VERIFIED_ROLE_ID", &errs),
		MetricsAddr:     optional("METRICS_ADDR", ":9103"),
	}
	if cfg.SigningSecret != "" && len(cfg.SigningSecret) < 32 {
		errs = multierror.Append(errs, fmt.Errorf("config: VERIFY_SIGNING_SECRET must be at least 32 bytes"))
	}
	return cfg, errs.ErrorOrNil()
}

func require(name string, errs **multierror.Error) string {
	v := os.Getenv(name)
	if v == "" {
		*errs = multierror.Append(*errs, fmt.Errorf("config: %s is required", name))
	}
	return v
}

func optional(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func duration(name string, def time.Duration, errs **multierror.Error) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = multierror.Append(*errs, fmt.Errorf("config: %s: %w", name, err))
		return def
	}
	return d
}

func boolean(name string, def bool, errs **multierror.Error) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = multierror.Append(*errs, fmt.Errorf("config: %s: %w", name, err))
		return def
	}
	return b
}
