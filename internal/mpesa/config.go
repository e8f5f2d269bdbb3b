package mpesa

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultOAuthURL        = "https://sandbox.safaricom.co.ke/oauth/v1/generate"
	DefaultSTKPushURL      = "https://sandbox.safaricom.co.ke/mpesa/stkpush/v1/processrequest"
	DefaultTimeout         = 10 * time.Second
	DefaultTransactionDesc = "Payment for post access"
)

// Config carries the provider credentials and endpoints. It is validated
// once and never mutated afterwards.
type Config struct {
	ShortCode       string
	PassKey         string
	ConsumerKey     string
	ConsumerSecret  string
	OAuthURL        string
	STKPushURL      string
	CallbackURL     string
	TransactionDesc string
	Timeout         time.Duration
}

// Validate reports the first missing or malformed setting.
func (cfg Config) Validate() error {
	if strings.TrimSpace(cfg.ShortCode) == "" {
		return fmt.Errorf("%w: shortcode is required", ErrInvalidConfig)
	}
	if _, err := strconv.ParseInt(cfg.ShortCode, 10, 64); err != nil {
		return fmt.Errorf("%w: shortcode %q must be numeric", ErrInvalidConfig, cfg.ShortCode)
	}
	if strings.TrimSpace(cfg.PassKey) == "" {
		return fmt.Errorf("%w: passkey is required", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.ConsumerKey) == "" || strings.TrimSpace(cfg.ConsumerSecret) == "" {
		return fmt.Errorf("%w: consumer key and secret are required", ErrInvalidConfig)
	}
	for name, raw := range map[string]string{
		"oauth url":    cfg.OAuthURL,
		"stk push url": cfg.STKPushURL,
		"callback url": cfg.CallbackURL,
	} {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("%w: %s %q must be an absolute url", ErrInvalidConfig, name, raw)
		}
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.OAuthURL == "" {
		cfg.OAuthURL = DefaultOAuthURL
	}
	if cfg.STKPushURL == "" {
		cfg.STKPushURL = DefaultSTKPushURL
	}
	if cfg.TransactionDesc == "" {
		cfg.TransactionDesc = DefaultTransactionDesc
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return cfg
}
