package webapp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/internal/mpesa"
	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

type httpHandler struct {
	logger   *zap.Logger
	cfg      Config
	ledger   AccessLedger
	gate     AccessDecider
	listings ListingReader
	users    UserReader
	attempts AttemptRecorder
	payments mpesa.PaymentClient
	nowFn    func() time.Time
}

func newHTTPHandler(cfg Config, deps Dependencies) (*httpHandler, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &httpHandler{
		logger:   logger,
		cfg:      cfg,
		ledger:   deps.Ledger,
		gate:     deps.Gate,
		listings: deps.Listings,
		users:    deps.Users,
		attempts: deps.Attempts,
		payments: deps.Payments,
		nowFn:    clock,
	}, nil
}

func (handler *httpHandler) handleListing(ctx *gin.Context) {
	userID, listingID, ok := requireCaller(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	listing, ok := handler.loadListing(ctx, requestCtx, listingID)
	if !ok {
		return
	}
	decision, err := handler.gate.Decide(requestCtx, userID, listingID)
	if err != nil {
		handler.logger.Error("access gate lookup failed",
			zap.String("user_id", userID.String()),
			zap.String("listing_id", listingID.String()),
			zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_unavailable", "access check failed"))
		return
	}
	if decision != paywall.DecisionServe {
		paymentPath := paymentLocation(listingID)
		ctx.Header("Location", paymentPath)
		ctx.JSON(http.StatusSeeOther, gin.H{
			"error": gin.H{
				"code":    "payment_required",
				"message": "pay to view this listing",
			},
			"payment_url": paymentPath,
			"listing":     newListingSummary(listing),
		})
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"listing": newListingPayload(listing)})
}

func (handler *httpHandler) handlePaymentScreen(ctx *gin.Context) {
	userID, listingID, ok := requireCaller(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	listing, ok := handler.loadListing(ctx, requestCtx, listingID)
	if !ok {
		return
	}
	paid, err := handler.ledger.HasConfirmedAccess(requestCtx, userID, listingID)
	if err != nil {
		handler.logger.Error("access lookup failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_unavailable", "access check failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{
		"listing":     newListingSummary(listing),
		"price_kes":   handler.cfg.ListingPrice.Int64(),
		"saved_phone": handler.savedPhone(requestCtx, userID).String(),
		"paid":        paid,
	})
}

func (handler *httpHandler) handleInitiatePayment(ctx *gin.Context) {
	userID, listingID, ok := requireCaller(ctx)
	if !ok {
		return
	}
	var request paymentRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_payload", "expected JSON body"))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	if _, ok := handler.loadListing(ctx, requestCtx, listingID); !ok {
		return
	}

	var phone paywall.PhoneNumber
	if strings.TrimSpace(request.Phone) == "" {
		phone = handler.savedPhone(requestCtx, userID)
		if phone.IsZero() {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_phone", "phone number is required"))
			return
		}
	} else {
		normalized, err := paywall.NormalizePhoneNumber(request.Phone)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse("invalid_phone", err.Error()))
			return
		}
		phone = normalized
	}

	paid, err := handler.ledger.HasConfirmedAccess(requestCtx, userID, listingID)
	if err != nil {
		handler.logger.Error("access lookup failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_unavailable", "access check failed"))
		return
	}
	if paid {
		ctx.JSON(http.StatusOK, gin.H{"status": "paid"})
		return
	}

	// The pending grant goes in before the push so a fast callback finds it.
	if _, err := handler.ledger.RecordPendingOrPaid(requestCtx, userID, listingID, false); err != nil {
		handler.logger.Error("record pending grant failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_unavailable", "could not record payment"))
		return
	}

	acknowledgment, err := handler.payments.InitiatePushPayment(requestCtx, mpesa.PushRequest{
		Phone:     phone.String(),
		Amount:    handler.cfg.ListingPrice,
		ListingID: listingID,
		UserID:    userID,
	})
	if err != nil {
		handler.respondPushError(ctx, userID, listingID, err)
		return
	}

	handler.recordAttempt(requestCtx, userID, listingID, acknowledgment)
	ctx.JSON(http.StatusAccepted, gin.H{
		"status":              "pending",
		"checkout_request_id": acknowledgment.CheckoutRequestID,
		"customer_message":    acknowledgment.CustomerMessage,
	})
}

func (handler *httpHandler) handlePaymentStatus(ctx *gin.Context) {
	userID, listingID, ok := requireCaller(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	paid, err := handler.ledger.HasConfirmedAccess(requestCtx, userID, listingID)
	if err != nil {
		handler.logger.Error("access lookup failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_unavailable", "access check failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"paid": paid})
}

func (handler *httpHandler) handlePurchases(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	grants, err := handler.ledger.ListGrants(requestCtx, userID)
	if err != nil {
		handler.logger.Error("list grants failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("ledger_unavailable", "purchases unavailable"))
		return
	}
	purchases := make([]purchasePayload, 0, len(grants))
	for _, grant := range grants {
		purchases = append(purchases, purchasePayload{
			GrantID:        grant.GrantID,
			ListingID:      grant.ListingID.Int64(),
			Paid:           grant.Paid,
			CreatedUnixUTC: grant.CreatedUnixUTC,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"purchases": purchases})
}

func (handler *httpHandler) loadListing(ctx *gin.Context, requestCtx context.Context, listingID paywall.ListingID) (paywall.Listing, bool) {
	listing, err := handler.listings.GetListing(requestCtx, listingID)
	if err != nil {
		if errors.Is(err, paywall.ErrListingNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse("listing_not_found", "listing does not exist"))
			return paywall.Listing{}, false
		}
		handler.logger.Error("listing lookup failed", zap.String("listing_id", listingID.String()), zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse("store_unavailable", "listing lookup failed"))
		return paywall.Listing{}, false
	}
	return listing, true
}

// savedPhone returns the caller's stored contact or a zero number.
func (handler *httpHandler) savedPhone(ctx context.Context, userID paywall.UserID) paywall.PhoneNumber {
	user, err := handler.users.GetUserByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, paywall.ErrUserNotFound) {
			handler.logger.Warn("saved contact lookup failed", zap.String("user_id", userID.String()), zap.Error(err))
		}
		return paywall.PhoneNumber{}
	}
	return user.Phone
}

func (handler *httpHandler) recordAttempt(ctx context.Context, userID paywall.UserID, listingID paywall.ListingID, acknowledgment mpesa.Acknowledgment) {
	_, err := handler.attempts.RecordPaymentAttempt(ctx, paywall.PaymentAttempt{
		UserID:            userID,
		ListingID:         listingID,
		Phone:             acknowledgment.Phone,
		Amount:            handler.cfg.ListingPrice,
		MerchantRequestID: acknowledgment.MerchantRequestID,
		CheckoutRequestID: acknowledgment.CheckoutRequestID,
		Status:            paywall.AttemptStatusPending,
		CreatedUnixUTC:    handler.nowFn().Unix(),
	})
	if err != nil {
		// The push already went out. Without the attempt its callback resolves only
		// through a short enough reference or the payer's saved contact.
		handler.logger.Error("record payment attempt failed",
			zap.String("user_id", userID.String()),
			zap.String("listing_id", listingID.String()),
			zap.String("reference", acknowledgment.Reference.String()),
			zap.String("checkout_request_id", acknowledgment.CheckoutRequestID),
			zap.Error(err))
	}
}

func (handler *httpHandler) respondPushError(ctx *gin.Context, userID paywall.UserID, listingID paywall.ListingID, err error) {
	fields := []zap.Field{
		zap.String("user_id", userID.String()),
		zap.String("listing_id", listingID.String()),
		zap.Error(err),
	}
	var rejected *mpesa.PushRejectedError
	switch {
	case errors.Is(err, paywall.ErrInvalidPhoneNumber):
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_phone", err.Error()))
	case errors.As(err, &rejected):
		handler.logger.Warn("push payment rejected", fields...)
		ctx.JSON(http.StatusUnprocessableEntity, errorResponse("payment_rejected", rejected.Description))
	case errors.Is(err, mpesa.ErrAuthentication), errors.Is(err, mpesa.ErrPushRequestFailed):
		handler.logger.Error("push payment request failed", fields...)
		ctx.JSON(http.StatusBadGateway, errorResponse("payment_request_failed", "payment request failed, try again"))
	default:
		handler.logger.Error("push payment failed", fields...)
		ctx.JSON(http.StatusInternalServerError, errorResponse("internal_error", "payment could not be started"))
	}
}

func requireUser(ctx *gin.Context) (paywall.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
		return paywall.UserID{}, false
	}
	userID, err := paywall.ParseUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse("unauthorized", "session user is not an account holder"))
		return paywall.UserID{}, false
	}
	return userID, true
}

func requireCaller(ctx *gin.Context) (paywall.UserID, paywall.ListingID, bool) {
	userID, ok := requireUser(ctx)
	if !ok {
		return paywall.UserID{}, paywall.ListingID{}, false
	}
	listingID, err := paywall.ParseListingID(ctx.Param("id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse("invalid_listing_id", err.Error()))
		return paywall.UserID{}, paywall.ListingID{}, false
	}
	return userID, listingID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func paymentLocation(listingID paywall.ListingID) string {
	return listingsPathPrefix + listingID.String() + paymentPathSuffix
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}

type paymentRequest struct {
	Phone string `json:"phone"`
}

type listingSummary struct {
	ID       int64  `json:"id"`
	Title    string `json:"title"`
	ItemType string `json:"item_type"`
	Category string `json:"category"`
	Location string `json:"location"`
	Status   string `json:"status"`
}

type listingPayload struct {
	listingSummary
	Content        string `json:"content"`
	AuthorID       int64  `json:"author_id"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

type purchasePayload struct {
	GrantID        string `json:"grant_id"`
	ListingID      int64  `json:"listing_id"`
	Paid           bool   `json:"paid"`
	CreatedUnixUTC int64  `json:"created_unix_utc"`
}

func newListingSummary(listing paywall.Listing) listingSummary {
	return listingSummary{
		ID:       listing.ID.Int64(),
		Title:    listing.Title,
		ItemType: string(listing.ItemType),
		Category: listing.Category,
		Location: listing.Location,
		Status:   string(listing.Status),
	}
}

func newListingPayload(listing paywall.Listing) listingPayload {
	return listingPayload{
		listingSummary: newListingSummary(listing),
		Content:        listing.Content,
		AuthorID:       listing.AuthorID.Int64(),
		CreatedUnixUTC: listing.CreatedUnixUTC,
	}
}
