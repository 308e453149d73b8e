package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Gateway  GatewayConfig
	Pricing  PricingConfig
	Delivery DeliveryConfig
	Flow     FlowConfig
	Lock     LockConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// GatewayConfig points at the messaging gateway HTTP API.
type GatewayConfig struct {
	BaseURL string
	APIKey  string

	// WebhookSecret, when set, must accompany every inbound webhook call.
	WebhookSecret string

	SendTimeout time.Duration
	// SendRatePerSecond caps outbound sends across all instances. 0 disables the limiter.
	SendRatePerSecond float64
}

// PricingConfig is the default token rate, in credit minor units.
type PricingConfig struct {
	PricePerThousandTokensMinor int64
	MinimumChargeMinor          int64
}

type DeliveryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type FlowConfig struct {
	MaxHops    int
	SessionTTL time.Duration
	CacheTTL   time.Duration
}

type LockConfig struct {
	TTL         time.Duration
	WaitTimeout time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	// Gateway values are NOT trimmed: a stray quote or newline must reach Validate.
	c.Gateway.BaseURL = os.Getenv("GATEWAY_BASE_URL")
	c.Gateway.APIKey = os.Getenv("GATEWAY_API_KEY")
	c.Gateway.WebhookSecret = os.Getenv("GATEWAY_WEBHOOK_SECRET")
	c.Gateway.SendTimeout = mustDuration("GATEWAY_SEND_TIMEOUT")
	{
		f, err := optionalFloat("GATEWAY_SEND_RATE")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Gateway.SendRatePerSecond = f
	}

	{
		n, err := optionalInt64("PRICE_PER_1K_TOKENS_MINOR")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Pricing.PricePerThousandTokensMinor = n
	}
	{
		n, err := optionalInt64("PRICE_MINIMUM_CHARGE_MINOR")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Pricing.MinimumChargeMinor = n
	}

	{
		n, err := optionalInt64("DELIVERY_MAX_ATTEMPTS")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Delivery.MaxAttempts = int(n)
	}
	c.Delivery.InitialBackoff = mustDuration("DELIVERY_INITIAL_BACKOFF")
	c.Delivery.MaxBackoff = mustDuration("DELIVERY_MAX_BACKOFF")

	{
		n, err := optionalInt64("FLOW_MAX_HOPS")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.Flow.MaxHops = int(n)
	}
	c.Flow.SessionTTL = mustDuration("FLOW_SESSION_TTL")
	c.Flow.CacheTTL = mustDuration("FLOW_CACHE_TTL")

	c.Lock.TTL = mustDuration("CONVERSATION_LOCK_TTL")
	c.Lock.WaitTimeout = mustDuration("CONVERSATION_LOCK_WAIT")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks every section and applies defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.Gateway.validate(c.IsProduction())...)
	errs = append(errs, c.Pricing.validate()...)
	errs = append(errs, c.Delivery.validate()...)
	errs = append(errs, c.Flow.validate()...)
	errs = append(errs, c.Lock.validate()...)

	return joinErrors(errs)
}

func (g *GatewayConfig) validate(production bool) []error {
	var errs []error
	if g.BaseURL == "" {
		errs = append(errs, errors.New("GATEWAY_BASE_URL is required"))
	} else if err := ValidateBaseURL(g.BaseURL); err != nil {
		errs = append(errs, fmt.Errorf("GATEWAY_BASE_URL: %w", err))
	}
	if g.APIKey == "" {
		errs = append(errs, errors.New("GATEWAY_API_KEY is required"))
	} else if err := ValidateToken(g.APIKey); err != nil {
		errs = append(errs, fmt.Errorf("GATEWAY_API_KEY: %w", err))
	}
	if g.WebhookSecret == "" {
		if production {
			errs = append(errs, errors.New("GATEWAY_WEBHOOK_SECRET is required in production"))
		}
	} else if err := ValidateToken(g.WebhookSecret); err != nil {
		errs = append(errs, fmt.Errorf("GATEWAY_WEBHOOK_SECRET: %w", err))
	}
	if g.SendTimeout <= 0 {
		g.SendTimeout = 10 * time.Second
	}
	if g.SendRatePerSecond < 0 {
		errs = append(errs, fmt.Errorf("GATEWAY_SEND_RATE must be >= 0, got %v", g.SendRatePerSecond))
	}
	return errs
}

func (p *PricingConfig) validate() []error {
	var errs []error
	if p.PricePerThousandTokensMinor == 0 {
		p.PricePerThousandTokensMinor = 100
	}
	// A zero rate would let a non-empty message be "debited" for nothing.
	if p.PricePerThousandTokensMinor < 0 {
		errs = append(errs, fmt.Errorf("PRICE_PER_1K_TOKENS_MINOR must be > 0, got %d", p.PricePerThousandTokensMinor))
	}
	if p.MinimumChargeMinor < 0 {
		errs = append(errs, fmt.Errorf("PRICE_MINIMUM_CHARGE_MINOR must be >= 0, got %d", p.MinimumChargeMinor))
	}
	return errs
}

func (d *DeliveryConfig) validate() []error {
	var errs []error
	if d.MaxAttempts == 0 {
		d.MaxAttempts = 3
	}
	if d.MaxAttempts < 1 || d.MaxAttempts > 10 {
		errs = append(errs, fmt.Errorf("DELIVERY_MAX_ATTEMPTS must be within 1..10, got %d", d.MaxAttempts))
	}
	if d.InitialBackoff <= 0 {
		d.InitialBackoff = 500 * time.Millisecond
	}
	if d.MaxBackoff <= 0 {
		d.MaxBackoff = 10 * time.Second
	}
	if d.MaxBackoff < d.InitialBackoff {
		errs = append(errs, errors.New("DELIVERY_MAX_BACKOFF must be >= DELIVERY_INITIAL_BACKOFF"))
	}
	return errs
}

func (f *FlowConfig) validate() []error {
	var errs []error
	if f.MaxHops == 0 {
		f.MaxHops = 20
	}
	if f.MaxHops < 1 || f.MaxHops > 1000 {
		errs = append(errs, fmt.Errorf("FLOW_MAX_HOPS must be within 1..1000, got %d", f.MaxHops))
	}
	if f.SessionTTL <= 0 {
		f.SessionTTL = 24 * time.Hour
	}
	if f.CacheTTL <= 0 {
		f.CacheTTL = 30 * time.Second
	}
	return errs
}

func (l *LockConfig) validate() []error {
	var errs []error
	if l.TTL <= 0 {
		l.TTL = 30 * time.Second
	}
	if l.WaitTimeout <= 0 {
		l.WaitTimeout = 15 * time.Second
	}
	if l.WaitTimeout > l.TTL {
		errs = append(errs, errors.New("CONVERSATION_LOCK_WAIT must not exceed CONVERSATION_LOCK_TTL"))
	}
	return errs
}

// ValidateBaseURL rejects endpoints that would produce a broken outbound request:
// control characters, whitespace, quotes, or anything but an absolute http(s) URL.
func ValidateBaseURL(raw string) error {
	if err := rejectUnsafeChars(raw); err != nil {
		return err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return errors.New("query and fragment are not allowed")
	}
	return nil
}

// ValidateToken rejects secrets that cannot be sent verbatim in an HTTP header.
func ValidateToken(raw string) error {
	return rejectUnsafeChars(raw)
}

func rejectUnsafeChars(s string) error {
	for i, r := range s {
		switch {
		case unicode.IsControl(r):
			return fmt.Errorf("control character at offset %d", i)
		case unicode.IsSpace(r):
			return fmt.Errorf("whitespace at offset %d", i)
		case r == '"' || r == '\'' || r == '`':
			return fmt.Errorf("quote character %q at offset %d", r, i)
		}
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalInt64(key string) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optionalFloat(key string) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
