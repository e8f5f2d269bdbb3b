package paywall

import (
	"fmt"
	"strconv"
	"strings"
)

// CorrelationReference round-trips a (listing, user) pair through the
// payment provider as "POST_<listing_id>_<user_id>".
type CorrelationReference struct {
	listingID ListingID
	userID    UserID
}

// NewCorrelationReference builds the reference for a purchase attempt.
func NewCorrelationReference(listingID ListingID, userID UserID) CorrelationReference {
	return CorrelationReference{listingID: listingID, userID: userID}
}

// ParseCorrelationReference decodes a reference echoed back by the provider.
func ParseCorrelationReference(raw string) (CorrelationReference, error) {
	segments := strings.Split(strings.TrimSpace(raw), referenceDelimiter)
	if len(segments) != referenceSegments {
		return CorrelationReference{}, fmt.Errorf("%w: %q must have %d segments", ErrInvalidReference, raw, referenceSegments)
	}
	if segments[0] != referencePrefix {
		return CorrelationReference{}, fmt.Errorf("%w: %q must start with %s", ErrInvalidReference, raw, referencePrefix)
	}
	listingValue, err := strconv.ParseInt(segments[1], 10, 64)
	if err != nil {
		return CorrelationReference{}, fmt.Errorf("%w: %q listing segment is not numeric", ErrInvalidReference, raw)
	}
	userValue, err := strconv.ParseInt(segments[2], 10, 64)
	if err != nil {
		return CorrelationReference{}, fmt.Errorf("%w: %q user segment is not numeric", ErrInvalidReference, raw)
	}
	listingID, err := NewListingID(listingValue)
	if err != nil {
		return CorrelationReference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	userID, err := NewUserID(userValue)
	if err != nil {
		return CorrelationReference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return CorrelationReference{listingID: listingID, userID: userID}, nil
}

// ListingID returns the encoded listing.
func (reference CorrelationReference) ListingID() ListingID {
	return reference.listingID
}

// UserID returns the encoded user.
func (reference CorrelationReference) UserID() UserID {
	return reference.userID
}

// String renders the wire form.
func (reference CorrelationReference) String() string {
	return referencePrefix + referenceDelimiter + reference.listingID.String() + referenceDelimiter + reference.userID.String()
}
