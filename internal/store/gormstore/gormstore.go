package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectGrant     = "grant"
	errorSubjectUser      = "user"
	errorSubjectContact   = "contact"
	errorSubjectListing   = "listing"
	errorSubjectAttempt   = "attempt"
	errorSubjectEvent     = "callback_event"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeLookup       = "lookup"
	errorCodeUpdate       = "update"
	errorCodeUpsert       = "upsert"
)

// Store implements paywall.Store and the directory, attempt and audit
// lookups used around it, on top of GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// UpsertGrant inserts the grant or, when the pair already exists, ORs the
// paid flag into the existing row in the same statement.
func (store *Store) UpsertGrant(ctx context.Context, userID paywall.UserID, listingID paywall.ListingID, paid bool, createdUnixUTC int64) (paywall.AccessGrant, error) {
	createdAt := time.Unix(createdUnixUTC, 0).UTC()
	model := AccessGrant{
		UserID:    userID.Int64(),
		ListingID: listingID.Int64(),
		Paid:      paid,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "user_id"}, {Name: "listing_id"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"paid":       gorm.Expr("access_grants.paid OR excluded.paid"),
				"updated_at": gorm.Expr("excluded.updated_at"),
			}),
		}).
		Create(&model).Error
	if isUniqueViolation(err) {
		return paywall.AccessGrant{}, wrapStoreError(errorSubjectGrant, errorCodeDuplicate, paywall.ErrDuplicateGrant)
	}
	if err != nil {
		return paywall.AccessGrant{}, wrapStoreError(errorSubjectGrant, errorCodeUpsert, err)
	}

	var stored AccessGrant
	err = store.db.WithContext(ctx).
		Where("user_id = ? AND listing_id = ?", userID.Int64(), listingID.Int64()).
		Take(&stored).Error
	if err != nil {
		return paywall.AccessGrant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
	}
	grant, err := mapAccessGrant(stored)
	if err != nil {
		return paywall.AccessGrant{}, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
	}
	return grant, nil
}

func (store *Store) HasPaidGrant(ctx context.Context, userID paywall.UserID, listingID paywall.ListingID) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&AccessGrant{}).
		Where("user_id = ? AND listing_id = ? AND paid = ?", userID.Int64(), listingID.Int64(), true).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeLookup, err)
	}
	return count > 0, nil
}

func (store *Store) ListGrants(ctx context.Context, userID paywall.UserID) ([]paywall.AccessGrant, error) {
	var rows []AccessGrant
	err := store.db.WithContext(ctx).
		Where("user_id = ?", userID.Int64()).
		Order("created_at DESC").
		Order("listing_id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	grants := make([]paywall.AccessGrant, 0, len(rows))
	for _, row := range rows {
		grant, err := mapAccessGrant(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		grants = append(grants, grant)
	}
	return grants, nil
}

// LatestPendingGrant returns the unpaid grant touched most recently.
func (store *Store) LatestPendingGrant(ctx context.Context, userID paywall.UserID) (paywall.AccessGrant, error) {
	var row AccessGrant
	err := store.db.WithContext(ctx).
		Where("user_id = ? AND paid = ?", userID.Int64(), false).
		Order("updated_at DESC").
		Order("created_at DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return paywall.AccessGrant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, paywall.ErrGrantNotFound)
	}
	if err != nil {
		return paywall.AccessGrant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
	}
	grant, err := mapAccessGrant(row)
	if err != nil {
		return paywall.AccessGrant{}, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
	}
	return grant, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return paywall.WrapError(errorOperationStore, subject, code, err)
}

func mapAccessGrant(row AccessGrant) (paywall.AccessGrant, error) {
	userID, err := paywall.NewUserID(row.UserID)
	if err != nil {
		return paywall.AccessGrant{}, err
	}
	listingID, err := paywall.NewListingID(row.ListingID)
	if err != nil {
		return paywall.AccessGrant{}, err
	}
	return paywall.AccessGrant{
		GrantID:        row.GrantID,
		UserID:         userID,
		ListingID:      listingID,
		Paid:           row.Paid,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
