// Package callback reconciles asynchronous STK push results with the access ledger.
package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	acknowledgmentDescription = "Accepted"
	maxCallbackBodyBytes      = 64 << 10
	defaultProcessingTimeout  = 10 * time.Second
)

// Outcome names how one callback delivery ended.
type Outcome string

const (
	OutcomeParseFailed   Outcome = "parse_failed"
	OutcomeUnauthorized  Outcome = "unauthorized"
	OutcomePaymentFailed Outcome = "payment_failed"
	OutcomeUnresolved    Outcome = "unresolved"
	OutcomeStoreFailed   Outcome = "store_failed"
	OutcomeConfirmed     Outcome = "confirmed"
)

// Acknowledgment is the fixed response body returned for every delivery.
type Acknowledgment struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// FixedAcknowledgment is what the provider always receives.
var FixedAcknowledgment = Acknowledgment{ResultCode: 0, ResultDesc: acknowledgmentDescription}

// Result describes what Reconcile did. It never leaves the process.
type Result struct {
	Outcome      Outcome
	Notification Notification
	Identity     Identity
	Err          error
}

// Ledger is the single mutation the reconciler performs on access state.
type Ledger interface {
	Confirm(ctx context.Context, userID paywall.UserID, listingID paywall.ListingID) (paywall.AccessGrant, error)
}

// AttemptRecorder stores what a callback reported about an attempt.
type AttemptRecorder interface {
	ResolvePaymentAttempt(ctx context.Context, result paywall.AttemptResult) error
}

// EventRecorder keeps the audit trail of deliveries.
type EventRecorder interface {
	RecordCallbackEvent(ctx context.Context, event paywall.CallbackEvent) error
}

// Reconciler turns provider callbacks into ledger confirmations.
type Reconciler struct {
	ledger            Ledger
	resolver          Resolver
	attempts          AttemptRecorder
	events            EventRecorder
	tokens            *TokenAuthority
	logger            *zap.Logger
	nowFn             func() time.Time
	processingTimeout time.Duration
}

// ReconcilerOption customizes a Reconciler.
type ReconcilerOption func(*Reconciler)

func WithAttemptRecorder(attempts AttemptRecorder) ReconcilerOption {
	return func(reconciler *Reconciler) { reconciler.attempts = attempts }
}

func WithEventRecorder(events EventRecorder) ReconcilerOption {
	return func(reconciler *Reconciler) { reconciler.events = events }
}

// WithTokenAuthority makes every delivery present a valid callback token.
func WithTokenAuthority(tokens *TokenAuthority) ReconcilerOption {
	return func(reconciler *Reconciler) { reconciler.tokens = tokens }
}

func WithLogger(logger *zap.Logger) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if logger != nil {
			reconciler.logger = logger
		}
	}
}

func WithClock(now func() time.Time) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if now != nil {
			reconciler.nowFn = now
		}
	}
}

func WithProcessingTimeout(timeout time.Duration) ReconcilerOption {
	return func(reconciler *Reconciler) {
		if timeout > 0 {
			reconciler.processingTimeout = timeout
		}
	}
}

func NewReconciler(ledger Ledger, resolver Resolver, options ...ReconcilerOption) (*Reconciler, error) {
	if ledger == nil {
		return nil, fmt.Errorf("callback: ledger is nil")
	}
	if resolver == nil {
		return nil, fmt.Errorf("callback: resolver is nil")
	}
	reconciler := &Reconciler{
		ledger:            ledger,
		resolver:          resolver,
		logger:            zap.NewNop(),
		nowFn:             time.Now,
		processingTimeout: defaultProcessingTimeout,
	}
	for _, option := range options {
		if option != nil {
			option(reconciler)
		}
	}
	return reconciler, nil
}

// Reconcile processes one delivery. Every failure ends here in a log entry;
// callers always answer the provider with FixedAcknowledgment.
func (reconciler *Reconciler) Reconcile(ctx context.Context, body []byte, token string) Result {
	result := reconciler.reconcile(ctx, body, token)
	reconciler.logResult(result)
	reconciler.recordEvent(ctx, body, result)
	return result
}

func (reconciler *Reconciler) reconcile(ctx context.Context, body []byte, token string) Result {
	if reconciler.tokens != nil {
		if err := reconciler.tokens.Verify(token); err != nil {
			return Result{Outcome: OutcomeUnauthorized, Err: err}
		}
	}

	notification, err := ParseNotification(body)
	if err != nil {
		return Result{Outcome: OutcomeParseFailed, Err: err}
	}

	if !notification.Succeeded() {
		reconciler.resolveAttempt(ctx, notification, paywall.AttemptStatusFailed)
		return Result{Outcome: OutcomePaymentFailed, Notification: notification}
	}

	identity, err := reconciler.resolver.Resolve(ctx, notification)
	if err != nil {
		return Result{Outcome: OutcomeUnresolved, Notification: notification, Err: err}
	}

	if _, err := reconciler.ledger.Confirm(ctx, identity.UserID, identity.ListingID); err != nil {
		return Result{Outcome: OutcomeStoreFailed, Notification: notification, Identity: identity, Err: err}
	}
	reconciler.resolveAttempt(ctx, notification, paywall.AttemptStatusCompleted)
	return Result{Outcome: OutcomeConfirmed, Notification: notification, Identity: identity}
}

func (reconciler *Reconciler) resolveAttempt(ctx context.Context, notification Notification, status paywall.AttemptStatus) {
	if reconciler.attempts == nil || notification.CheckoutRequestID == "" {
		return
	}
	err := reconciler.attempts.ResolvePaymentAttempt(ctx, paywall.AttemptResult{
		CheckoutRequestID: notification.CheckoutRequestID,
		Status:            status,
		ResultCode:        notification.ResultCode,
		ResultDesc:        notification.ResultDesc,
		ReceiptNumber:     notification.Metadata.ReceiptNumber,
	})
	if err == nil {
		return
	}
	if errors.Is(err, paywall.ErrAttemptNotFound) {
		reconciler.logger.Debug("callback names no known attempt",
			zap.String("checkout_request_id", notification.CheckoutRequestID))
		return
	}
	reconciler.logger.Warn("payment attempt update failed",
		zap.String("checkout_request_id", notification.CheckoutRequestID),
		zap.Error(err))
}

func (reconciler *Reconciler) logResult(result Result) {
	fields := []zap.Field{
		zap.String("outcome", string(result.Outcome)),
		zap.String("checkout_request_id", result.Notification.CheckoutRequestID),
		zap.Int("result_code", result.Notification.ResultCode),
	}
	if !result.Identity.UserID.IsZero() {
		fields = append(fields,
			zap.Int64("user_id", result.Identity.UserID.Int64()),
			zap.Int64("listing_id", result.Identity.ListingID.Int64()),
			zap.String("strategy", result.Identity.Strategy))
	}
	switch result.Outcome {
	case OutcomeConfirmed:
		reconciler.logger.Info("callback confirmed payment", append(fields, zap.String("receipt", result.Notification.Metadata.ReceiptNumber))...)
	case OutcomePaymentFailed:
		reconciler.logger.Info("callback reported failed payment", append(fields, zap.String("result_desc", result.Notification.ResultDesc))...)
	case OutcomeStoreFailed:
		reconciler.logger.Error("callback could not be recorded", append(fields, zap.Error(result.Err))...)
	default:
		reconciler.logger.Warn("callback ignored", append(fields, zap.Error(result.Err))...)
	}
}

func (reconciler *Reconciler) recordEvent(ctx context.Context, body []byte, result Result) {
	if reconciler.events == nil {
		return
	}
	event := paywall.CallbackEvent{
		CheckoutRequestID: result.Notification.CheckoutRequestID,
		ResultCode:        result.Notification.ResultCode,
		Outcome:           string(result.Outcome),
		PayloadJSON:       auditPayload(body),
		ReceivedUnixUTC:   reconciler.nowFn().UTC().Unix(),
	}
	if result.Err != nil {
		event.Error = result.Err.Error()
	}
	if err := reconciler.events.RecordCallbackEvent(ctx, event); err != nil {
		reconciler.logger.Warn("callback audit write failed",
			zap.String("outcome", string(result.Outcome)),
			zap.Error(err))
	}
}

// auditPayload keeps valid JSON as-is and wraps anything else so it fits a JSON column.
func auditPayload(body []byte) []byte {
	if json.Valid(body) {
		return body
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(body)})
	if err != nil {
		return nil
	}
	return wrapped
}

// Handler serves the webhook. The response is always 200 with FixedAcknowledgment.
func (reconciler *Reconciler) Handler() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxCallbackBodyBytes))
		if err != nil {
			reconciler.logger.Warn("callback body read failed", zap.Error(err))
			body = nil
		}
		// Processing outlives a provider that hangs up early.
		processingCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx.Request.Context()), reconciler.processingTimeout)
		defer cancel()
		reconciler.Reconcile(processingCtx, body, ctx.Query(TokenQueryParameter))
		ctx.JSON(http.StatusOK, FixedAcknowledgment)
	}
}
