package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "HOMESTEAD"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "homestead.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "tauth"
	defaultAppCookieName     = "homestead_sid"
	defaultSessionIdleTTL    = 30 * time.Minute
	defaultSMTPPort          = 587
	defaultNotifyWorkers     = 2
	defaultNotifyQueueSize   = 64
	defaultRealtimeChannel   = "homestead:role-requests"
	defaultAllowedOrigin     = "*"
	defaultUnauthorizedRoute = "/unauthorized"
	defaultContactLimit      = 5
	defaultContactWindow     = time.Hour
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress     string
	AllowedOrigins  []string
	TrustedProxies  []string
	SecureCookies   bool
	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string
	AppCookieName   string
	SessionIdleTTL  time.Duration
	DatabasePath    string
	LogLevel        string
	RedisAddress    string
	RedisPassword   string
	RedisChannel    string
	SMTP            SMTPConfig
	Notify          NotifyConfig
	ContactLimit    RateLimitConfig
	Unauthorized    string
}

// RateLimitConfig bounds requests per client within a fixed window.
type RateLimitConfig struct {
	Limit  int
	Window time.Duration
}

// SMTPConfig configures the outbound mailer. An empty host disables email delivery.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLSMode  string
}

// NotifyConfig configures the notification workers.
type NotifyConfig struct {
	AdminEmail string
	Workers    int
	QueueSize  int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{defaultAllowedOrigin})
	configViper.SetDefault("http.unauthorized_path", defaultUnauthorizedRoute)
	configViper.SetDefault("http.secure_cookies", false)
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultAppCookieName)
	configViper.SetDefault("session.idle_ttl", defaultSessionIdleTTL)
	configViper.SetDefault("redis.channel", defaultRealtimeChannel)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("smtp.tls_mode", "auto")
	configViper.SetDefault("notify.workers", defaultNotifyWorkers)
	configViper.SetDefault("notify.queue_size", defaultNotifyQueueSize)
	configViper.SetDefault("rate.contacts.limit", defaultContactLimit)
	configViper.SetDefault("rate.contacts.window", defaultContactWindow)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		AllowedOrigins:  configViper.GetStringSlice("http.allowed_origins"),
		TrustedProxies:  configViper.GetStringSlice("http.trusted_proxies"),
		Unauthorized:    configViper.GetString("http.unauthorized_path"),
		SecureCookies:   configViper.GetBool("http.secure_cookies"),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		AppCookieName:   configViper.GetString("session.cookie_name"),
		SessionIdleTTL:  configViper.GetDuration("session.idle_ttl"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		RedisAddress:    configViper.GetString("redis.address"),
		RedisPassword:   configViper.GetString("redis.password"),
		RedisChannel:    configViper.GetString("redis.channel"),
		SMTP: SMTPConfig{
			Host:     configViper.GetString("smtp.host"),
			Port:     configViper.GetInt("smtp.port"),
			Username: configViper.GetString("smtp.username"),
			Password: configViper.GetString("smtp.password"),
			From:     configViper.GetString("smtp.from"),
			TLSMode:  configViper.GetString("smtp.tls_mode"),
		},
		Notify: NotifyConfig{
			AdminEmail: configViper.GetString("notify.admin_email"),
			Workers:    configViper.GetInt("notify.workers"),
			QueueSize:  configViper.GetInt("notify.queue_size"),
		},
		ContactLimit: RateLimitConfig{
			Limit:  configViper.GetInt("rate.contacts.limit"),
			Window: configViper.GetDuration("rate.contacts.window"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if strings.TrimSpace(c.AppCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.AppCookieName == c.TAuthCookieName {
		return fmt.Errorf("session.cookie_name must differ from tauth.cookie_name")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("session.idle_ttl must be positive")
	}
	if c.ContactLimit.Limit <= 0 || c.ContactLimit.Window <= 0 {
		return fmt.Errorf("rate.contacts.limit and rate.contacts.window must be positive")
	}
	if c.SMTP.Host != "" && strings.TrimSpace(c.SMTP.From) == "" {
		return fmt.Errorf("smtp.from is required when smtp.host is set")
	}
	return nil
}

// MailEnabled reports whether outbound email delivery is configured.
func (c AppConfig) MailEnabled() bool {
	return strings.TrimSpace(c.SMTP.Host) != ""
}
