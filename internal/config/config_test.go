package config

import (
	"strings"
	"testing"
	"time"
)

func validConfig() Config {
	return Config{
		App:     AppConfig{Env: "local", Port: 8080},
		DB:      DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "chatflow"},
		Redis:   RedisConfig{Host: "localhost", Port: 6379},
		Auth:    AuthConfig{JWTSecret: "secret"},
		Gateway: GatewayConfig{BaseURL: "https://gateway.example.com", APIKey: "k-123"},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig()
	c.App.Env = "production"
	c.Auth.JWTIssuer = "iss"
	c.Auth.JWTAudience = "aud"
	c.Gateway.WebhookSecret = "hook"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaults(t *testing.T) {
	c := validConfig()
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Flow.MaxHops != 20 {
		t.Fatalf("expected default hop ceiling 20, got %d", c.Flow.MaxHops)
	}
	if c.Delivery.MaxAttempts != 3 {
		t.Fatalf("expected default 3 attempts, got %d", c.Delivery.MaxAttempts)
	}
	if c.Gateway.SendTimeout != 10*time.Second {
		t.Fatalf("expected default send timeout, got %s", c.Gateway.SendTimeout)
	}
	if c.Pricing.PricePerThousandTokensMinor <= 0 {
		t.Fatalf("expected positive default price")
	}
}

func TestValidate_RejectsQuotedGatewayURL(t *testing.T) {
	c := validConfig()
	c.Gateway.BaseURL = `https://gateway.example.com"`
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected error for embedded quote")
	}
	if !strings.Contains(err.Error(), "GATEWAY_BASE_URL") {
		t.Fatalf("expected error to name GATEWAY_BASE_URL, got %v", err)
	}
}

func TestValidateBaseURL(t *testing.T) {
	bad := []string{
		`"https://gw.example.com"`,
		"https://gw.example.com\n",
		"https://gw.example.com/\x00",
		"https://gw .example.com",
		"ftp://gw.example.com",
		"gw.example.com",
		"https://gw.example.com/?x=1",
	}
	for _, raw := range bad {
		if err := ValidateBaseURL(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
	if err := ValidateBaseURL("http://localhost:8080/api"); err != nil {
		t.Fatalf("expected valid url, got %v", err)
	}
}

func TestValidate_RejectsAPIKeyWithQuote(t *testing.T) {
	c := validConfig()
	c.Gateway.APIKey = "abc'"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for quoted api key")
	}
}

func TestValidate_LockWaitMustNotExceedTTL(t *testing.T) {
	c := validConfig()
	c.Lock = LockConfig{TTL: time.Second, WaitTimeout: time.Minute}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for lock wait > ttl")
	}
}
