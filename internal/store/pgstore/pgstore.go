package pgstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	constraintGrantUserListing = "uniq_access_grants_user_listing"
	pgUniqueViolationCode      = "23505"
	errorOperationStore        = "store"
	errorSubjectGrant          = "grant"
	errorCodeDuplicate         = "duplicate"
	errorCodeGet               = "get"
	errorCodeInvalid           = "invalid"
	errorCodeList              = "list"
	errorCodeLookup            = "lookup"
	errorCodeUpsert            = "upsert"

	sqlUpsertGrant = `
		insert into access_grants(grant_id, user_id, listing_id, paid, created_at, updated_at)
		values(gen_random_uuid(), $1, $2, $3, to_timestamp($4), to_timestamp($4))
		on conflict (user_id, listing_id) do update
		set paid = access_grants.paid or excluded.paid, updated_at = excluded.updated_at
		returning grant_id::text, user_id, listing_id, paid, created_at
	`

	sqlHasPaidGrant = `
		select exists(
			select 1 from access_grants
			where user_id = $1 and listing_id = $2 and paid
		)
	`

	sqlListGrants = `
		select grant_id::text, user_id, listing_id, paid, created_at
		from access_grants
		where user_id = $1
		order by created_at desc, listing_id desc
	`

	sqlLatestPendingGrant = `
		select grant_id::text, user_id, listing_id, paid, created_at
		from access_grants
		where user_id = $1 and not paid
		order by updated_at desc, created_at desc
		limit 1
	`
)

// Store implements paywall.Store against a pgx pool. Each upsert is one
// statement, so no explicit transaction is needed for the pair invariant.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (store *Store) UpsertGrant(ctx context.Context, userID paywall.UserID, listingID paywall.ListingID, paid bool, createdUnixUTC int64) (paywall.AccessGrant, error) {
	row := store.pool.QueryRow(ctx, sqlUpsertGrant, userID.Int64(), listingID.Int64(), paid, createdUnixUTC)
	grant, err := scanGrant(row)
	if isGrantConflict(err) {
		return paywall.AccessGrant{}, wrapStoreError(errorSubjectGrant, errorCodeDuplicate, paywall.ErrDuplicateGrant)
	}
	if err != nil {
		return paywall.AccessGrant{}, wrapStoreError(errorSubjectGrant, errorCodeUpsert, err)
	}
	return grant, nil
}

func (store *Store) HasPaidGrant(ctx context.Context, userID paywall.UserID, listingID paywall.ListingID) (bool, error) {
	var paid bool
	if err := store.pool.QueryRow(ctx, sqlHasPaidGrant, userID.Int64(), listingID.Int64()).Scan(&paid); err != nil {
		return false, wrapStoreError(errorSubjectGrant, errorCodeLookup, err)
	}
	return paid, nil
}

func (store *Store) ListGrants(ctx context.Context, userID paywall.UserID) ([]paywall.AccessGrant, error) {
	rows, err := store.pool.Query(ctx, sqlListGrants, userID.Int64())
	if err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	defer rows.Close()

	grants := make([]paywall.AccessGrant, 0)
	for rows.Next() {
		grant, err := scanGrant(rows)
		if err != nil {
			return nil, wrapStoreError(errorSubjectGrant, errorCodeInvalid, err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreError(errorSubjectGrant, errorCodeList, err)
	}
	return grants, nil
}

func (store *Store) LatestPendingGrant(ctx context.Context, userID paywall.UserID) (paywall.AccessGrant, error) {
	grant, err := scanGrant(store.pool.QueryRow(ctx, sqlLatestPendingGrant, userID.Int64()))
	if errors.Is(err, pgx.ErrNoRows) {
		return paywall.AccessGrant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, paywall.ErrGrantNotFound)
	}
	if err != nil {
		return paywall.AccessGrant{}, wrapStoreError(errorSubjectGrant, errorCodeGet, err)
	}
	return grant, nil
}

func scanGrant(row pgx.Row) (paywall.AccessGrant, error) {
	var (
		grantID      string
		rawUserID    int64
		rawListingID int64
		paid         bool
		createdAt    time.Time
	)
	if err := row.Scan(&grantID, &rawUserID, &rawListingID, &paid, &createdAt); err != nil {
		return paywall.AccessGrant{}, err
	}
	userID, err := paywall.NewUserID(rawUserID)
	if err != nil {
		return paywall.AccessGrant{}, err
	}
	listingID, err := paywall.NewListingID(rawListingID)
	if err != nil {
		return paywall.AccessGrant{}, err
	}
	return paywall.AccessGrant{
		GrantID:        grantID,
		UserID:         userID,
		ListingID:      listingID,
		Paid:           paid,
		CreatedUnixUTC: createdAt.Unix(),
	}, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return paywall.WrapError(errorOperationStore, subject, code, err)
}

func isGrantConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintGrantUserListing
	}
	return false
}
