package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ambiguousContactProbe is the row limit that distinguishes one match from many.
const ambiguousContactProbe = 2

func (store *Store) CreateUser(ctx context.Context, username string, email string, createdUnixUTC int64) (paywall.User, error) {
	model := User{
		Username:  username,
		Email:     email,
		CreatedAt: time.Unix(createdUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return paywall.User{}, wrapStoreError(errorSubjectUser, errorCodeDuplicate, paywall.ErrDuplicateUser)
	}
	if err != nil {
		return paywall.User{}, wrapStoreError(errorSubjectUser, errorCodeCreate, err)
	}
	userID, err := paywall.NewUserID(model.ID)
	if err != nil {
		return paywall.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	return paywall.User{ID: userID, Username: model.Username, Email: model.Email}, nil
}

// SaveUserContact creates or replaces the user's contact row. A zero phone
// stores an empty contact that never matches a reverse lookup.
func (store *Store) SaveUserContact(ctx context.Context, userID paywall.UserID, phone paywall.PhoneNumber) error {
	model := UserContact{
		UserID:    userID.Int64(),
		Phone:     phone.String(),
		UpdatedAt: time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"phone", "updated_at"}),
		}).
		Create(&model).Error
	if err != nil {
		return wrapStoreError(errorSubjectContact, errorCodeUpsert, err)
	}
	return nil
}

func (store *Store) GetUserByID(ctx context.Context, userID paywall.UserID) (paywall.User, error) {
	var model User
	err := store.db.WithContext(ctx).Where("id = ?", userID.Int64()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return paywall.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, paywall.ErrUserNotFound)
	}
	if err != nil {
		return paywall.User{}, wrapStoreError(errorSubjectUser, errorCodeGet, err)
	}
	var contact UserContact
	err = store.db.WithContext(ctx).Where("user_id = ?", userID.Int64()).Take(&contact).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return paywall.User{}, wrapStoreError(errorSubjectContact, errorCodeGet, err)
	}
	return mapUser(model, contact.Phone)
}

// GetUserByContact reverse-looks-up the user owning phone. More than one
// owner is reported as paywall.ErrAmbiguousContact rather than picking one.
func (store *Store) GetUserByContact(ctx context.Context, phone paywall.PhoneNumber) (paywall.User, error) {
	if phone.IsZero() {
		return paywall.User{}, wrapStoreError(errorSubjectContact, errorCodeLookup, paywall.ErrUserNotFound)
	}
	var contacts []UserContact
	err := store.db.WithContext(ctx).
		Where("phone = ?", phone.String()).
		Limit(ambiguousContactProbe).
		Find(&contacts).Error
	if err != nil {
		return paywall.User{}, wrapStoreError(errorSubjectContact, errorCodeLookup, err)
	}
	switch len(contacts) {
	case 0:
		return paywall.User{}, wrapStoreError(errorSubjectContact, errorCodeLookup, paywall.ErrUserNotFound)
	case 1:
	default:
		return paywall.User{}, wrapStoreError(errorSubjectContact, errorCodeLookup, paywall.ErrAmbiguousContact)
	}
	userID, err := paywall.NewUserID(contacts[0].UserID)
	if err != nil {
		return paywall.User{}, wrapStoreError(errorSubjectContact, errorCodeInvalid, err)
	}
	return store.GetUserByID(ctx, userID)
}

func (store *Store) CreateListing(ctx context.Context, listing paywall.Listing) (paywall.Listing, error) {
	model := Listing{
		Title:     listing.Title,
		Content:   listing.Content,
		ItemType:  string(listing.ItemType),
		Category:  listing.Category,
		Location:  listing.Location,
		Status:    string(listing.Status),
		AuthorID:  listing.AuthorID.Int64(),
		CreatedAt: time.Unix(listing.CreatedUnixUTC, 0).UTC(),
	}
	if model.Status == "" {
		model.Status = string(paywall.ListingStatusActive)
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return paywall.Listing{}, wrapStoreError(errorSubjectListing, errorCodeCreate, err)
	}
	created, err := mapListing(model)
	if err != nil {
		return paywall.Listing{}, wrapStoreError(errorSubjectListing, errorCodeInvalid, err)
	}
	return created, nil
}

func (store *Store) GetListing(ctx context.Context, listingID paywall.ListingID) (paywall.Listing, error) {
	var model Listing
	err := store.db.WithContext(ctx).Where("id = ?", listingID.Int64()).Take(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return paywall.Listing{}, wrapStoreError(errorSubjectListing, errorCodeGet, paywall.ErrListingNotFound)
	}
	if err != nil {
		return paywall.Listing{}, wrapStoreError(errorSubjectListing, errorCodeGet, err)
	}
	listing, err := mapListing(model)
	if err != nil {
		return paywall.Listing{}, wrapStoreError(errorSubjectListing, errorCodeInvalid, err)
	}
	return listing, nil
}

func mapUser(model User, rawPhone string) (paywall.User, error) {
	userID, err := paywall.NewUserID(model.ID)
	if err != nil {
		return paywall.User{}, wrapStoreError(errorSubjectUser, errorCodeInvalid, err)
	}
	user := paywall.User{ID: userID, Username: model.Username, Email: model.Email}
	if rawPhone != "" {
		phone, err := paywall.NormalizePhoneNumber(rawPhone)
		if err != nil {
			return paywall.User{}, wrapStoreError(errorSubjectContact, errorCodeInvalid, err)
		}
		user.Phone = phone
	}
	return user, nil
}

func mapListing(model Listing) (paywall.Listing, error) {
	listingID, err := paywall.NewListingID(model.ID)
	if err != nil {
		return paywall.Listing{}, err
	}
	authorID, err := paywall.NewUserID(model.AuthorID)
	if err != nil {
		return paywall.Listing{}, err
	}
	return paywall.Listing{
		ID:             listingID,
		Title:          model.Title,
		Content:        model.Content,
		ItemType:       paywall.ItemType(model.ItemType),
		Category:       model.Category,
		Location:       model.Location,
		Status:         paywall.ListingStatus(model.Status),
		AuthorID:       authorID,
		CreatedUnixUTC: model.CreatedAt.Unix(),
	}, nil
}
