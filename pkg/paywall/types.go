package paywall

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// UserID identifies an account holder.
type UserID struct {
	value int64
}

// ListingID identifies a protected listing.
type ListingID struct {
	value int64
}

// PhoneNumber is an MSISDN in international format without the leading plus.
type PhoneNumber struct {
	value string
}

// AmountKES is a whole-shilling charge amount.
type AmountKES int64

// NewUserID validates a numeric user id.
func NewUserID(raw int64) (UserID, error) {
	if raw <= 0 {
		return UserID{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidUserID)
	}
	return UserID{value: raw}, nil
}

// ParseUserID parses a decimal user id.
func ParseUserID(raw string) (UserID, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return UserID{}, fmt.Errorf("%w: %q is not numeric", ErrInvalidUserID, raw)
	}
	return NewUserID(parsed)
}

// Int64 returns the raw identifier.
func (id UserID) Int64() int64 {
	return id.value
}

// String returns the decimal identifier.
func (id UserID) String() string {
	return strconv.FormatInt(id.value, 10)
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == 0
}

// NewListingID validates a numeric listing id.
func NewListingID(raw int64) (ListingID, error) {
	if raw <= 0 {
		return ListingID{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidListingID)
	}
	return ListingID{value: raw}, nil
}

// ParseListingID parses a decimal listing id.
func ParseListingID(raw string) (ListingID, error) {
	parsed, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return ListingID{}, fmt.Errorf("%w: %q is not numeric", ErrInvalidListingID, raw)
	}
	return NewListingID(parsed)
}

// Int64 returns the raw identifier.
func (id ListingID) Int64() int64 {
	return id.value
}

// String returns the decimal identifier.
func (id ListingID) String() string {
	return strconv.FormatInt(id.value, 10)
}

// IsZero reports whether the id was never set.
func (id ListingID) IsZero() bool {
	return id.value == 0
}

// NormalizePhoneNumber strips surrounding whitespace and a leading plus and
// requires at least twelve digits.
func NormalizePhoneNumber(raw string) (PhoneNumber, error) {
	normalized := strings.TrimSpace(raw)
	normalized = strings.TrimPrefix(normalized, "+")
	normalized = strings.TrimSpace(normalized)
	if len(normalized) < minPhoneDigits {
		return PhoneNumber{}, fmt.Errorf("%w: %q has fewer than %d digits", ErrInvalidPhoneNumber, raw, minPhoneDigits)
	}
	if len(normalized) > maxPhoneDigits {
		return PhoneNumber{}, fmt.Errorf("%w: %q has more than %d digits", ErrInvalidPhoneNumber, raw, maxPhoneDigits)
	}
	for _, character := range normalized {
		if character < '0' || character > '9' {
			return PhoneNumber{}, fmt.Errorf("%w: %q must contain digits only", ErrInvalidPhoneNumber, raw)
		}
	}
	return PhoneNumber{value: normalized}, nil
}

// String returns the normalized digits.
func (phone PhoneNumber) String() string {
	return phone.value
}

// Int64 returns the digits as a number, the form the provider expects.
func (phone PhoneNumber) Int64() int64 {
	parsed, _ := strconv.ParseInt(phone.value, 10, 64)
	return parsed
}

// IsZero reports whether the number was never set.
func (phone PhoneNumber) IsZero() bool {
	return phone.value == ""
}

// NewAmountKES validates an amount and ensures it is strictly positive.
func NewAmountKES(raw int64) (AmountKES, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return AmountKES(raw), nil
}

// Int64 exposes the raw amount.
func (amount AmountKES) Int64() int64 {
	return int64(amount)
}

// AccessGrant records a pending or confirmed purchase of one listing by one user.
type AccessGrant struct {
	GrantID        string
	UserID         UserID
	ListingID      ListingID
	Paid           bool
	CreatedUnixUTC int64
}

// Decision is the outcome of a gate check.
type Decision string

const (
	DecisionServe             Decision = "serve"
	DecisionRedirectToPayment Decision = "redirect_to_payment"
)

// String returns the decision label.
func (decision Decision) String() string {
	return string(decision)
}

// ItemType distinguishes lost from found listings.
type ItemType string

const (
	ItemTypeLost  ItemType = "lost"
	ItemTypeFound ItemType = "found"
)

// ListingStatus tracks whether a listing is still open.
type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusResolved ListingStatus = "resolved"
)

// Listing is a classifieds post whose Content sits behind the paywall.
type Listing struct {
	ID             ListingID
	Title          string
	Content        string
	ItemType       ItemType
	Category       string
	Location       string
	Status         ListingStatus
	AuthorID       UserID
	CreatedUnixUTC int64
}

// User is an account holder with an optional payment contact.
type User struct {
	ID       UserID
	Username string
	Email    string
	Phone    PhoneNumber
}

// Store is the persistence contract used by Service.
// Implementations must enforce uniqueness of (user, listing) and apply
// UpsertGrant atomically, keeping paid monotonic.
type Store interface {
	UpsertGrant(ctx context.Context, userID UserID, listingID ListingID, paid bool, createdUnixUTC int64) (AccessGrant, error)
	HasPaidGrant(ctx context.Context, userID UserID, listingID ListingID) (bool, error)
	ListGrants(ctx context.Context, userID UserID) ([]AccessGrant, error)
	LatestPendingGrant(ctx context.Context, userID UserID) (AccessGrant, error)
}
