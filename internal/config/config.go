package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Log           struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
	HTTP struct {
		Addr    string `mapstructure:"addr"`
		TLSAddr string `mapstructure:"tls_addr"`
	} `mapstructure:"http"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int32  `mapstructure:"max_conns"`
		// AcquireTimeout bounds the wait for a free connection when a
		// request pins its namespace.
		AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	} `mapstructure:"db"`
	Redis struct {
		Addr     string        `mapstructure:"addr"`
		Password string        `mapstructure:"password"`
		DB       int           `mapstructure:"db"`
		TTL      time.Duration `mapstructure:"ttl"`
	} `mapstructure:"redis"`
	Tenancy Tenancy `mapstructure:"tenancy"`
	Session struct {
		SigningKey string        `mapstructure:"signing_key"`
		TTL        time.Duration `mapstructure:"ttl"`
	} `mapstructure:"session"`
	Billing struct {
		CheckoutURL string `mapstructure:"checkout_url"`
		PortalURL   string `mapstructure:"portal_url"`
	} `mapstructure:"billing"`
	Auth struct {
		OktaDomain   string `mapstructure:"okta_domain"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// Tenancy configures resolution, provisioning and the external URL shape of
// tenant sites.
type Tenancy struct {
	ReservedNamespace string          `mapstructure:"reserved_namespace"`
	BaseDomain        string          `mapstructure:"base_domain"`
	Scheme            string          `mapstructure:"scheme"`
	Port              int             `mapstructure:"port"`
	ProvisionTimeout  time.Duration   `mapstructure:"provision_timeout"`
	StaleAfter        time.Duration   `mapstructure:"stale_after"`
	DefaultPlan       string          `mapstructure:"default_plan"`
	Plans             map[string]Plan `mapstructure:"plans"`
}

// Plan describes the trial window a plan grants at signup. Plans with zero
// trial days require a successful payment before the tenant app opens.
type Plan struct {
	TrialDays int `mapstructure:"trial_days"`
}

// DSN renders the pgx keyword/value connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.ToUpper(c.Environment) == "DEV"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.tls_addr", ":8443")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.max_conns", 20)
	v.SetDefault("db.acquire_timeout", 5*time.Second)
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "pillarpost")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 30*time.Second)
	v.SetDefault("tenancy.reserved_namespace", "public")
	v.SetDefault("tenancy.base_domain", "localhost")
	v.SetDefault("tenancy.scheme", "https")
	v.SetDefault("tenancy.port", 0)
	v.SetDefault("tenancy.provision_timeout", 60*time.Second)
	v.SetDefault("tenancy.stale_after", 15*time.Minute)
	v.SetDefault("tenancy.default_plan", "trial")
	v.SetDefault("tenancy.plans", map[string]any{
		"trial":    map[string]any{"trial_days": 14},
		"standard": map[string]any{"trial_days": 0},
	})
	v.SetDefault("session.ttl", 12*time.Hour)
	v.SetDefault("session.signing_key", "")
	v.SetDefault("billing.checkout_url", "")
	v.SetDefault("billing.portal_url", "")
	v.SetDefault("auth.okta_domain", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")
	v.SetDefault("tls.enable", false)
}

// LoadConfig loads the configuration from a file and the environment. An
// empty path searches for config.yaml in the working directory and ./config;
// a missing file is not an error since every key has a default or an
// environment override (DB_HOST, TENANCY_BASE_DOMAIN, ...).
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)
	config.Tenancy.BaseDomain = strings.ToLower(strings.Trim(config.Tenancy.BaseDomain, ". "))

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

const devSigningKey = "dev-only-session-signing-key-change-me"

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Tenancy.ReservedNamespace == "" {
		return fmt.Errorf("tenancy.reserved_namespace is required")
	}
	if c.Tenancy.BaseDomain == "" {
		return fmt.Errorf("tenancy.base_domain is required")
	}
	if _, ok := c.Tenancy.Plans[c.Tenancy.DefaultPlan]; !ok {
		return fmt.Errorf("tenancy.default_plan %q is not a configured plan", c.Tenancy.DefaultPlan)
	}
	if c.Tenancy.ProvisionTimeout <= 0 {
		return fmt.Errorf("tenancy.provision_timeout must be positive")
	}
	if len(c.Session.SigningKey) < 32 {
		if !c.IsDev() {
			return fmt.Errorf("session.signing_key must be at least 32 bytes")
		}
		c.Session.SigningKey = devSigningKey
	}
	return nil
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
