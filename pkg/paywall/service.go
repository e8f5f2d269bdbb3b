package paywall

import (
	"context"
	"errors"
	"fmt"
)

// Service is the access ledger: the only writer of access grants.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// HasConfirmedAccess reports whether a paid grant exists for the pair.
func (service *Service) HasConfirmedAccess(ctx context.Context, userID UserID, listingID ListingID) (bool, error) {
	return service.store.HasPaidGrant(ctx, userID, listingID)
}

// RecordPendingOrPaid upserts the grant for the pair. A confirmed grant is
// never downgraded by a later pending write.
func (service *Service) RecordPendingOrPaid(ctx context.Context, userID UserID, listingID ListingID, paid bool) (AccessGrant, error) {
	grant, operationError := service.upsert(ctx, userID, listingID, paid)
	operation := operationRecord
	if paid {
		operation = operationConfirm
	}
	service.logOperation(ctx, OperationLog{
		Operation: operation,
		UserID:    userID,
		ListingID: listingID,
		Paid:      grant.Paid,
		Error:     operationError,
	})
	return grant, operationError
}

// Confirm marks the pair as paid.
func (service *Service) Confirm(ctx context.Context, userID UserID, listingID ListingID) (AccessGrant, error) {
	return service.RecordPendingOrPaid(ctx, userID, listingID, true)
}

// ListGrants returns the user's grants, newest first.
func (service *Service) ListGrants(ctx context.Context, userID UserID) ([]AccessGrant, error) {
	return service.store.ListGrants(ctx, userID)
}

// LatestPendingGrant returns the user's most recent unpaid grant.
func (service *Service) LatestPendingGrant(ctx context.Context, userID UserID) (AccessGrant, error) {
	return service.store.LatestPendingGrant(ctx, userID)
}

func (service *Service) upsert(ctx context.Context, userID UserID, listingID ListingID, paid bool) (AccessGrant, error) {
	if userID.IsZero() {
		return AccessGrant{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if listingID.IsZero() {
		return AccessGrant{}, fmt.Errorf("%w: empty value", ErrInvalidListingID)
	}
	grant, err := service.store.UpsertGrant(ctx, userID, listingID, paid, service.nowFn())
	if errors.Is(err, ErrDuplicateGrant) {
		// A concurrent insert won; the row exists now, so the retry updates it.
		return service.store.UpsertGrant(ctx, userID, listingID, paid, service.nowFn())
	}
	return grant, err
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}
