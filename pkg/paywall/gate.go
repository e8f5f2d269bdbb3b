package paywall

import (
	"context"
	"fmt"
)

// AccessChecker answers whether a pair has confirmed access.
type AccessChecker interface {
	HasConfirmedAccess(ctx context.Context, userID UserID, listingID ListingID) (bool, error)
}

// Gate decides, per request, whether protected content may be served.
type Gate struct {
	checker AccessChecker
}

// NewGate wires a Gate over the ledger.
func NewGate(checker AccessChecker) (*Gate, error) {
	if checker == nil {
		return nil, fmt.Errorf("%w: access checker is nil", ErrInvalidServiceConfig)
	}
	return &Gate{checker: checker}, nil
}

// Decide returns DecisionServe iff the ledger holds a paid grant for the pair.
// Lookup failures fail closed.
func (gate *Gate) Decide(ctx context.Context, userID UserID, listingID ListingID) (Decision, error) {
	paid, err := gate.checker.HasConfirmedAccess(ctx, userID, listingID)
	if err != nil {
		return DecisionRedirectToPayment, err
	}
	if paid {
		return DecisionServe, nil
	}
	return DecisionRedirectToPayment, nil
}
