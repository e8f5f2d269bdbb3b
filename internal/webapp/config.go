package webapp

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
)

const (
	defaultListenAddr     = ":8080"
	defaultAllowedOrigin  = "http://localhost:8000"
	defaultSessionIssuer  = "tauth"
	defaultSessionCookie  = "app_session"
	defaultCallbackPath   = "/mpesa/callback"
	defaultRequestTimeout = 15 * time.Second
	defaultListingPrice   = paywall.AmountKES(100)
	listingsPathPrefix    = "/api/listings/"
	paymentPathSuffix     = "/payment"
)

// Config aggregates runtime settings for the HTTP surface.
type Config struct {
	ListenAddr        string
	AllowedOrigins    []string
	SessionSigningKey string
	SessionIssuer     string
	SessionCookieName string
	CallbackPath      string
	RequestTimeout    time.Duration
	ListingPrice      paywall.AmountKES
}

// Validate fills defaults and ensures the configuration contains sane values.
func (cfg *Config) Validate() error {
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{defaultAllowedOrigin}
	}
	cfg.SessionIssuer = defaultIfEmpty(cfg.SessionIssuer, defaultSessionIssuer)
	cfg.SessionCookieName = defaultIfEmpty(cfg.SessionCookieName, defaultSessionCookie)
	cfg.CallbackPath = defaultIfEmpty(cfg.CallbackPath, defaultCallbackPath)
	if cfg.ListingPrice == 0 {
		cfg.ListingPrice = defaultListingPrice
	}
	if len(cfg.SessionSigningKey) == 0 {
		return fmt.Errorf("jwt signing key is required")
	}
	if !strings.HasPrefix(cfg.CallbackPath, "/") {
		return fmt.Errorf("callback path %q must start with /", cfg.CallbackPath)
	}
	if strings.HasPrefix(cfg.CallbackPath, "/api/") {
		return fmt.Errorf("callback path %q must not sit behind the session middleware", cfg.CallbackPath)
	}
	if _, err := paywall.NewAmountKES(cfg.ListingPrice.Int64()); err != nil {
		return fmt.Errorf("listing price: %w", err)
	}
	return nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// ParseAllowedOrigins splits comma-delimited origins into a slice.
func ParseAllowedOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
