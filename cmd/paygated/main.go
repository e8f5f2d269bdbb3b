package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/internal/callback"
	"github.com/MarkoPoloResearchLab/paygate/internal/mpesa"
	"github.com/MarkoPoloResearchLab/paygate/internal/webapp"
	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix   = "PAYGATE"
	envFileName = ".env"

	flagDatabaseURL          = "database-url"
	flagLogFormat            = "log-format"
	flagListenAddr           = "listen-addr"
	flagGRPCListenAddr       = "grpc-listen-addr"
	flagStoreBackend         = "store-backend"
	flagPaymentMode          = "payment-mode"
	flagSimulatedAutoConfirm = "simulated-auto-confirm"
	flagMPesaShortCode       = "mpesa-shortcode"
	flagMPesaPassKey         = "mpesa-passkey"
	flagMPesaConsumerKey     = "mpesa-consumer-key"
	flagMPesaConsumerSecret  = "mpesa-consumer-secret"
	flagMPesaOAuthURL        = "mpesa-oauth-url"
	flagMPesaSTKURL          = "mpesa-stk-url"
	flagMPesaCallbackURL     = "mpesa-callback-url"
	flagMPesaTimeout         = "mpesa-timeout"
	flagCallbackPath         = "callback-path"
	flagCallbackSecret       = "callback-secret"
	flagResolutionStrategies = "resolution-strategies"
	flagReferenceLimit       = "reference-length-limit"
	flagListingPrice         = "listing-price"
	flagAllowedOrigins       = "allowed-origins"
	flagJWTSigningKey        = "jwt-signing-key"
	flagJWTIssuer            = "jwt-issuer"
	flagJWTCookieName        = "jwt-cookie-name"
	flagRequestTimeout       = "request-timeout"

	defaultDatabaseURL = "sqlite:///tmp/paygate.db"

	logFormatJSON    = "json"
	logFormatConsole = "console"

	storeBackendGorm = "gorm"
	storeBackendPgx  = "pgx"

	paymentModeLive      = "live"
	paymentModeSimulated = "simulated"
)

// runtimeConfig is everything a command needs, resolved once from flags,
// environment and the optional .env file.
type runtimeConfig struct {
	DatabaseURL          string
	LogFormat            string
	GRPCListenAddr       string
	StoreBackend         string
	PaymentMode          string
	SimulatedAutoConfirm bool
	CallbackSecret       string
	ResolutionStrategies []string
	ReferenceLimit       int
	Web                  webapp.Config
	MPesa                mpesa.Config
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "paygated: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "paygated",
		Short:         "Payment-gated listing server with M-Pesa STK push",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadServeConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}

	cmd.PersistentFlags().String(flagDatabaseURL, defaultDatabaseURL, "database url (postgres://..., sqlite://path or a bare sqlite path)")
	cmd.PersistentFlags().String(flagLogFormat, logFormatJSON, "log format: json or console")

	cmd.Flags().String(flagListenAddr, ":8080", "HTTP listen address")
	cmd.Flags().String(flagGRPCListenAddr, "", "gRPC access service listen address (disabled when empty)")
	cmd.Flags().String(flagStoreBackend, storeBackendGorm, "access ledger backend: gorm or pgx (pgx needs postgres)")
	cmd.Flags().String(flagPaymentMode, paymentModeLive, "payment client: live or simulated (simulated never charges)")
	cmd.Flags().Bool(flagSimulatedAutoConfirm, false, "simulated mode confirms access as soon as the push is accepted")
	cmd.Flags().String(flagMPesaShortCode, "", "M-Pesa business shortcode")
	cmd.Flags().String(flagMPesaPassKey, "", "M-Pesa STK passkey")
	cmd.Flags().String(flagMPesaConsumerKey, "", "Daraja consumer key")
	cmd.Flags().String(flagMPesaConsumerSecret, "", "Daraja consumer secret")
	cmd.Flags().String(flagMPesaOAuthURL, mpesa.DefaultOAuthURL, "Daraja OAuth endpoint")
	cmd.Flags().String(flagMPesaSTKURL, mpesa.DefaultSTKPushURL, "Daraja STK push endpoint")
	cmd.Flags().String(flagMPesaCallbackURL, "", "public URL the provider posts results to")
	cmd.Flags().Duration(flagMPesaTimeout, mpesa.DefaultTimeout, "timeout for each provider call")
	cmd.Flags().String(flagCallbackPath, "/mpesa/callback", "HTTP path of the provider webhook")
	cmd.Flags().String(flagCallbackSecret, "", "secret for the signed callback token (callbacks are unauthenticated when empty)")
	cmd.Flags().String(flagResolutionStrategies, strings.Join(callback.DefaultStrategies, ","), "comma-separated callback identity strategies")
	cmd.Flags().Int(flagReferenceLimit, callback.DefaultReferenceLengthLimit, "references at or above this length are not trusted (0 disables)")
	cmd.Flags().Int64(flagListingPrice, 100, "price in KES to view one listing")
	cmd.Flags().String(flagAllowedOrigins, "http://localhost:8000", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "tauth", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "app_session", "JWT cookie name")
	cmd.Flags().Duration(flagRequestTimeout, 15*time.Second, "per-request timeout for ledger and provider calls")

	cmd.AddCommand(newMigrateCommand(), newUsersCommand(), newListingsCommand(), newEventsCommand(), newAccessCommand())
	return cmd
}

// newViper binds every flag visible on cmd, so PAYGATE_DATABASE_URL overrides
// --database-url unless the flag was set explicitly.
func newViper(cmd *cobra.Command) (*viper.Viper, error) {
	if err := godotenv.Load(envFileName); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load %s: %w", envFileName, err)
	}
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	cmd.Flags().VisitAll(func(flag *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(flag.Name, flag)
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}
	return v, nil
}

func loadBaseConfig(cmd *cobra.Command, cfg *runtimeConfig) (*viper.Viper, error) {
	v, err := newViper(cmd)
	if err != nil {
		return nil, err
	}
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("%s is required", flagDatabaseURL)
	}
	cfg.LogFormat = strings.ToLower(strings.TrimSpace(v.GetString(flagLogFormat)))
	switch cfg.LogFormat {
	case logFormatJSON, logFormatConsole:
	default:
		return nil, fmt.Errorf("%s must be %s or %s, got %q", flagLogFormat, logFormatJSON, logFormatConsole, cfg.LogFormat)
	}
	return v, nil
}

func loadServeConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v, err := loadBaseConfig(cmd, cfg)
	if err != nil {
		return err
	}

	cfg.GRPCListenAddr = strings.TrimSpace(v.GetString(flagGRPCListenAddr))
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(v.GetString(flagStoreBackend)))
	if cfg.StoreBackend != storeBackendGorm && cfg.StoreBackend != storeBackendPgx {
		return fmt.Errorf("%s must be %s or %s, got %q", flagStoreBackend, storeBackendGorm, storeBackendPgx, cfg.StoreBackend)
	}
	cfg.PaymentMode = strings.ToLower(strings.TrimSpace(v.GetString(flagPaymentMode)))
	if cfg.PaymentMode != paymentModeLive && cfg.PaymentMode != paymentModeSimulated {
		return fmt.Errorf("%s must be %s or %s, got %q", flagPaymentMode, paymentModeLive, paymentModeSimulated, cfg.PaymentMode)
	}
	cfg.SimulatedAutoConfirm = v.GetBool(flagSimulatedAutoConfirm)
	cfg.CallbackSecret = v.GetString(flagCallbackSecret)
	cfg.ResolutionStrategies = splitCommaList(v.GetString(flagResolutionStrategies))
	cfg.ReferenceLimit = v.GetInt(flagReferenceLimit)
	if cfg.ReferenceLimit < 0 {
		return fmt.Errorf("%s must not be negative", flagReferenceLimit)
	}

	price, err := paywall.NewAmountKES(v.GetInt64(flagListingPrice))
	if err != nil {
		return fmt.Errorf("%s: %w", flagListingPrice, err)
	}
	cfg.Web = webapp.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    splitCommaList(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
		CallbackPath:      strings.TrimSpace(v.GetString(flagCallbackPath)),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
		ListingPrice:      price,
	}
	if err := cfg.Web.Validate(); err != nil {
		return err
	}

	cfg.MPesa = mpesa.Config{
		ShortCode:      strings.TrimSpace(v.GetString(flagMPesaShortCode)),
		PassKey:        v.GetString(flagMPesaPassKey),
		ConsumerKey:    v.GetString(flagMPesaConsumerKey),
		ConsumerSecret: v.GetString(flagMPesaConsumerSecret),
		OAuthURL:       strings.TrimSpace(v.GetString(flagMPesaOAuthURL)),
		STKPushURL:     strings.TrimSpace(v.GetString(flagMPesaSTKURL)),
		CallbackURL:    strings.TrimSpace(v.GetString(flagMPesaCallbackURL)),
		Timeout:        v.GetDuration(flagMPesaTimeout),
	}
	if cfg.PaymentMode == paymentModeLive {
		if err := cfg.MPesa.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func splitCommaList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
