package callback

import (
	"context"
	"errors"
	"testing"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
)

type stubAttempts struct {
	attempts map[string]paywall.PaymentAttempt
}

func (stub stubAttempts) FindPaymentAttempt(_ context.Context, checkoutRequestID string) (paywall.PaymentAttempt, error) {
	attempt, ok := stub.attempts[checkoutRequestID]
	if !ok {
		return paywall.PaymentAttempt{}, paywall.ErrAttemptNotFound
	}
	return attempt, nil
}

type stubContacts struct {
	users map[string][]paywall.User
}

func (stub stubContacts) GetUserByContact(_ context.Context, phone paywall.PhoneNumber) (paywall.User, error) {
	users := stub.users[phone.String()]
	switch len(users) {
	case 0:
		return paywall.User{}, paywall.ErrUserNotFound
	case 1:
		return users[0], nil
	default:
		return paywall.User{}, paywall.ErrAmbiguousContact
	}
}

type stubPendingGrants struct {
	grants map[int64]paywall.AccessGrant
}

func (stub stubPendingGrants) LatestPendingGrant(_ context.Context, userID paywall.UserID) (paywall.AccessGrant, error) {
	grant, ok := stub.grants[userID.Int64()]
	if !ok {
		return paywall.AccessGrant{}, paywall.ErrGrantNotFound
	}
	return grant, nil
}

func TestReferenceResolver(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name        string
		reference   string
		lengthLimit int
		wantUser    int64
		wantListing int64
		wantErr     bool
	}{
		{name: "valid", reference: "POST_7_1", lengthLimit: DefaultReferenceLengthLimit, wantUser: 1, wantListing: 7},
		{name: "missing user segment", reference: "POST_42", lengthLimit: DefaultReferenceLengthLimit, wantErr: true},
		{name: "wrong prefix", reference: "XYZ_42_7", lengthLimit: DefaultReferenceLengthLimit, wantErr: true},
		{name: "non numeric listing", reference: "POST_abc_7", lengthLimit: DefaultReferenceLengthLimit, wantErr: true},
		{name: "empty", reference: "", lengthLimit: DefaultReferenceLengthLimit, wantErr: true},
		{name: "possibly truncated", reference: "POST_1234_56", lengthLimit: DefaultReferenceLengthLimit, wantErr: true},
		{name: "guard disabled", reference: "POST_1234_56", lengthLimit: 0, wantUser: 56, wantListing: 1234},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			resolver := NewReferenceResolver(testCase.lengthLimit)
			identity, err := resolver.Resolve(context.Background(), Notification{Metadata: Metadata{AccountReference: testCase.reference}})
			if testCase.wantErr {
				if !errors.Is(err, ErrCallbackResolution) {
					t.Fatalf("expected ErrCallbackResolution, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if identity.UserID.Int64() != testCase.wantUser || identity.ListingID.Int64() != testCase.wantListing {
				t.Fatalf("unexpected identity %+v", identity)
			}
		})
	}
}

func TestCheckoutResolver(t *testing.T) {
	t.Parallel()
	resolver := NewCheckoutResolver(stubAttempts{attempts: map[string]paywall.PaymentAttempt{
		"ws_CO_1": {UserID: mustUserID(t, 1), ListingID: mustListingID(t, 7)},
	}})
	identity, err := resolver.Resolve(context.Background(), Notification{CheckoutRequestID: "ws_CO_1"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if identity.UserID.Int64() != 1 || identity.ListingID.Int64() != 7 || identity.Strategy != StrategyCheckout {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if _, err := resolver.Resolve(context.Background(), Notification{CheckoutRequestID: "ws_CO_unknown"}); !errors.Is(err, ErrCallbackResolution) {
		t.Fatalf("expected ErrCallbackResolution, got %v", err)
	}
	if _, err := resolver.Resolve(context.Background(), Notification{}); !errors.Is(err, ErrCallbackResolution) {
		t.Fatalf("expected ErrCallbackResolution for empty id, got %v", err)
	}
}

func TestPhoneResolver(t *testing.T) {
	t.Parallel()
	alice := paywall.User{ID: mustUserID(t, 1), Username: "alice"}
	bob := paywall.User{ID: mustUserID(t, 2), Username: "bob"}
	carol := paywall.User{ID: mustUserID(t, 3), Username: "carol"}
	resolver := NewPhoneResolver(
		stubContacts{users: map[string][]paywall.User{
			"254712345678": {alice},
			"254700000001": {bob, carol},
			"254700000002": {carol},
		}},
		stubPendingGrants{grants: map[int64]paywall.AccessGrant{
			1: {UserID: alice.ID, ListingID: mustListingID(t, 7)},
		}},
	)
	testCases := []struct {
		name        string
		phone       string
		wantListing int64
		wantErr     error
	}{
		{name: "single owner with pending grant", phone: "254712345678", wantListing: 7},
		{name: "shared number", phone: "254700000001", wantErr: paywall.ErrAmbiguousContact},
		{name: "unknown number", phone: "254799999999", wantErr: paywall.ErrUserNotFound},
		{name: "no pending grant", phone: "254700000002", wantErr: paywall.ErrGrantNotFound},
		{name: "missing phone", phone: "", wantErr: paywall.ErrInvalidPhoneNumber},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			identity, err := resolver.Resolve(context.Background(), Notification{Metadata: Metadata{PhoneNumber: testCase.phone}})
			if testCase.wantErr != nil {
				if !errors.Is(err, ErrCallbackResolution) {
					t.Fatalf("expected ErrCallbackResolution, got %v", err)
				}
				if !errors.Is(err, testCase.wantErr) {
					t.Fatalf("expected cause %v, got %v", testCase.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if identity.ListingID.Int64() != testCase.wantListing || identity.Strategy != StrategyPhone {
				t.Fatalf("unexpected identity %+v", identity)
			}
		})
	}
}

func TestChainFallsThroughInOrder(t *testing.T) {
	t.Parallel()
	chain, err := BuildChain([]string{"reference", "checkout"}, ResolverDependencies{
		Attempts: stubAttempts{attempts: map[string]paywall.PaymentAttempt{
			"ws_CO_1": {UserID: mustUserID(t, 4), ListingID: mustListingID(t, 9)},
		}},
		ReferenceLengthLimit: DefaultReferenceLengthLimit,
	})
	if err != nil {
		t.Fatalf("build chain: %v", err)
	}
	if chain.Name() != "reference,checkout" {
		t.Fatalf("unexpected chain name %q", chain.Name())
	}

	byReference, err := chain.Resolve(context.Background(), Notification{CheckoutRequestID: "ws_CO_1", Metadata: Metadata{AccountReference: "POST_7_1"}})
	if err != nil || byReference.Strategy != StrategyReference {
		t.Fatalf("expected reference strategy to win, got %+v err=%v", byReference, err)
	}
	byCheckout, err := chain.Resolve(context.Background(), Notification{CheckoutRequestID: "ws_CO_1", Metadata: Metadata{AccountReference: "XYZ_42_7"}})
	if err != nil || byCheckout.Strategy != StrategyCheckout || byCheckout.ListingID.Int64() != 9 {
		t.Fatalf("expected checkout fallback, got %+v err=%v", byCheckout, err)
	}
	if _, err := chain.Resolve(context.Background(), Notification{CheckoutRequestID: "ws_CO_2"}); !errors.Is(err, ErrCallbackResolution) {
		t.Fatalf("expected ErrCallbackResolution, got %v", err)
	}
}

func TestBuildChainValidation(t *testing.T) {
	t.Parallel()
	if _, err := BuildChain([]string{"telepathy"}, ResolverDependencies{}); err == nil {
		t.Fatalf("expected unknown strategy error")
	}
	if _, err := BuildChain([]string{StrategyCheckout}, ResolverDependencies{}); err == nil {
		t.Fatalf("expected missing dependency error")
	}
	if _, err := BuildChain([]string{" "}, ResolverDependencies{}); err == nil {
		t.Fatalf("expected empty chain error")
	}
	chain, err := BuildChain(nil, ResolverDependencies{
		Attempts: stubAttempts{},
		Contacts: stubContacts{},
		Grants:   stubPendingGrants{},
	})
	if err != nil {
		t.Fatalf("default chain: %v", err)
	}
	if chain.Name() != "reference,checkout,phone" {
		t.Fatalf("unexpected default chain %q", chain.Name())
	}
}

func mustUserID(t *testing.T, raw int64) paywall.UserID {
	t.Helper()
	userID, err := paywall.NewUserID(raw)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return userID
}

func mustListingID(t *testing.T, raw int64) paywall.ListingID {
	t.Helper()
	listingID, err := paywall.NewListingID(raw)
	if err != nil {
		t.Fatalf("listing id: %v", err)
	}
	return listingID
}
