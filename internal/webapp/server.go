// Package webapp serves the gated listing pages, payment initiation and the
// provider webhook over gin.
package webapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/internal/mpesa"
	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey = "auth_claims"
	shutdownTimeout  = 5 * time.Second
)

var errMissingDependency = errors.New("missing dependency")

// AccessLedger is the part of the ledger the HTTP surface writes through.
type AccessLedger interface {
	HasConfirmedAccess(ctx context.Context, userID paywall.UserID, listingID paywall.ListingID) (bool, error)
	RecordPendingOrPaid(ctx context.Context, userID paywall.UserID, listingID paywall.ListingID, paid bool) (paywall.AccessGrant, error)
	ListGrants(ctx context.Context, userID paywall.UserID) ([]paywall.AccessGrant, error)
}

// AccessDecider gates listing content.
type AccessDecider interface {
	Decide(ctx context.Context, userID paywall.UserID, listingID paywall.ListingID) (paywall.Decision, error)
}

// ListingReader looks up listings.
type ListingReader interface {
	GetListing(ctx context.Context, listingID paywall.ListingID) (paywall.Listing, error)
}

// UserReader looks up the caller's saved contact.
type UserReader interface {
	GetUserByID(ctx context.Context, userID paywall.UserID) (paywall.User, error)
}

// AttemptRecorder persists accepted push requests.
type AttemptRecorder interface {
	RecordPaymentAttempt(ctx context.Context, attempt paywall.PaymentAttempt) (paywall.PaymentAttempt, error)
}

// Dependencies are the collaborators the HTTP surface is wired over.
type Dependencies struct {
	Logger   *zap.Logger
	Ledger   AccessLedger
	Gate     AccessDecider
	Listings ListingReader
	Users    UserReader
	Attempts AttemptRecorder
	Payments mpesa.PaymentClient
	Callback gin.HandlerFunc
	Clock    func() time.Time
}

func (deps Dependencies) validate() error {
	switch {
	case deps.Ledger == nil:
		return fmt.Errorf("%w: ledger", errMissingDependency)
	case deps.Gate == nil:
		return fmt.Errorf("%w: gate", errMissingDependency)
	case deps.Listings == nil:
		return fmt.Errorf("%w: listings", errMissingDependency)
	case deps.Users == nil:
		return fmt.Errorf("%w: users", errMissingDependency)
	case deps.Attempts == nil:
		return fmt.Errorf("%w: attempts", errMissingDependency)
	case deps.Payments == nil:
		return fmt.Errorf("%w: payments", errMissingDependency)
	case deps.Callback == nil:
		return fmt.Errorf("%w: callback handler", errMissingDependency)
	}
	return nil
}

// Run boots the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func Run(ctx context.Context, cfg Config, deps Dependencies) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	handler, err := newHTTPHandler(cfg, deps)
	if err != nil {
		return err
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return fmt.Errorf("session validator: %w", err)
	}

	router := setupRouter(cfg, handler, deps.Callback, sessionValidator)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		handler.logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
			handler.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, callbackHandler gin.HandlerFunc, validator *sessionvalidator.Validator) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The provider carries no session; the reconciler does its own checks.
	router.POST(cfg.CallbackPath, callbackHandler)

	api := router.Group("/api")
	api.Use(validator.GinMiddleware(claimsContextKey))

	api.GET("/listings/:id", handler.handleListing)
	api.GET("/listings/:id/payment", handler.handlePaymentScreen)
	api.POST("/listings/:id/payment", handler.handleInitiatePayment)
	api.GET("/listings/:id/payment/status", handler.handlePaymentStatus)
	api.GET("/purchases", handler.handlePurchases)

	return router
}
