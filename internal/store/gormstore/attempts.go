package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const emptyPayloadJSON = "{}"

func (store *Store) RecordPaymentAttempt(ctx context.Context, attempt paywall.PaymentAttempt) (paywall.PaymentAttempt, error) {
	createdAt := time.Unix(attempt.CreatedUnixUTC, 0).UTC()
	status := attempt.Status
	if status == "" {
		status = paywall.AttemptStatusPending
	}
	model := PaymentAttempt{
		UserID:            attempt.UserID.Int64(),
		ListingID:         attempt.ListingID.Int64(),
		Phone:             attempt.Phone.String(),
		AmountKES:         attempt.Amount.Int64(),
		MerchantRequestID: attempt.MerchantRequestID,
		CheckoutRequestID: attempt.CheckoutRequestID,
		Status:            status.String(),
		CreatedAt:         createdAt,
		UpdatedAt:         createdAt,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return paywall.PaymentAttempt{}, wrapStoreError(errorSubjectAttempt, errorCodeDuplicate, paywall.ErrDuplicateAttempt)
	}
	if err != nil {
		return paywall.PaymentAttempt{}, wrapStoreError(errorSubjectAttempt, errorCodeCreate, err)
	}
	recorded, err := mapPaymentAttempt(model)
	if err != nil {
		return paywall.PaymentAttempt{}, wrapStoreError(errorSubjectAttempt, errorCodeInvalid, err)
	}
	return recorded, nil
}

func (store *Store) FindPaymentAttempt(ctx context.Context, checkoutRequestID string) (paywall.PaymentAttempt, error) {
	var model PaymentAttempt
	err := store.db.WithContext(ctx).
		Where("checkout_request_id = ?", checkoutRequestID).
		Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return paywall.PaymentAttempt{}, wrapStoreError(errorSubjectAttempt, errorCodeGet, paywall.ErrAttemptNotFound)
	}
	if err != nil {
		return paywall.PaymentAttempt{}, wrapStoreError(errorSubjectAttempt, errorCodeGet, err)
	}
	attempt, err := mapPaymentAttempt(model)
	if err != nil {
		return paywall.PaymentAttempt{}, wrapStoreError(errorSubjectAttempt, errorCodeInvalid, err)
	}
	return attempt, nil
}

// ResolvePaymentAttempt stores the outcome a callback reported. A completed
// attempt is never moved back to failed by a later delivery.
func (store *Store) ResolvePaymentAttempt(ctx context.Context, result paywall.AttemptResult) error {
	resultCode := result.ResultCode
	query := store.db.WithContext(ctx).
		Model(&PaymentAttempt{}).
		Where("checkout_request_id = ?", result.CheckoutRequestID)
	if result.Status != paywall.AttemptStatusCompleted {
		query = query.Where("status <> ?", paywall.AttemptStatusCompleted.String())
	}
	outcome := query.Updates(map[string]interface{}{
		"status":         result.Status.String(),
		"result_code":    &resultCode,
		"result_desc":    result.ResultDesc,
		"receipt_number": result.ReceiptNumber,
		"updated_at":     time.Now().UTC(),
	})
	if outcome.Error != nil {
		return wrapStoreError(errorSubjectAttempt, errorCodeUpdate, outcome.Error)
	}
	if outcome.RowsAffected > 0 {
		return nil
	}
	if _, err := store.FindPaymentAttempt(ctx, result.CheckoutRequestID); err != nil {
		return err
	}
	return nil
}

func (store *Store) RecordCallbackEvent(ctx context.Context, event paywall.CallbackEvent) error {
	payload := event.PayloadJSON
	if len(payload) == 0 {
		payload = []byte(emptyPayloadJSON)
	}
	model := CallbackEvent{
		CheckoutRequestID: event.CheckoutRequestID,
		ResultCode:        event.ResultCode,
		Outcome:           event.Outcome,
		Payload:           datatypes.JSON(payload),
		Error:             event.Error,
		CreatedAt:         time.Unix(event.ReceivedUnixUTC, 0).UTC(),
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeCreate, err)
	}
	return nil
}

// ListCallbackEvents returns the stored deliveries for a checkout request, oldest first.
func (store *Store) ListCallbackEvents(ctx context.Context, checkoutRequestID string) ([]paywall.CallbackEvent, error) {
	var rows []CallbackEvent
	err := store.db.WithContext(ctx).
		Where("checkout_request_id = ?", checkoutRequestID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	events := make([]paywall.CallbackEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, paywall.CallbackEvent{
			CheckoutRequestID: row.CheckoutRequestID,
			ResultCode:        row.ResultCode,
			Outcome:           row.Outcome,
			PayloadJSON:       []byte(row.Payload),
			Error:             row.Error,
			ReceivedUnixUTC:   row.CreatedAt.Unix(),
		})
	}
	return events, nil
}

func mapPaymentAttempt(model PaymentAttempt) (paywall.PaymentAttempt, error) {
	userID, err := paywall.NewUserID(model.UserID)
	if err != nil {
		return paywall.PaymentAttempt{}, err
	}
	listingID, err := paywall.NewListingID(model.ListingID)
	if err != nil {
		return paywall.PaymentAttempt{}, err
	}
	phone, err := paywall.NormalizePhoneNumber(model.Phone)
	if err != nil {
		return paywall.PaymentAttempt{}, err
	}
	amount, err := paywall.NewAmountKES(model.AmountKES)
	if err != nil {
		return paywall.PaymentAttempt{}, err
	}
	attempt := paywall.PaymentAttempt{
		AttemptID:         model.AttemptID,
		UserID:            userID,
		ListingID:         listingID,
		Phone:             phone,
		Amount:            amount,
		MerchantRequestID: model.MerchantRequestID,
		CheckoutRequestID: model.CheckoutRequestID,
		Status:            paywall.AttemptStatus(model.Status),
		ResultDesc:        model.ResultDesc,
		ReceiptNumber:     model.ReceiptNumber,
		CreatedUnixUTC:    model.CreatedAt.Unix(),
	}
	if model.ResultCode != nil {
		attempt.ResultCode = *model.ResultCode
	}
	return attempt, nil
}
