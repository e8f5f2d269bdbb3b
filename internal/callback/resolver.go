package callback

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
)

const (
	StrategyReference = "reference"
	StrategyCheckout  = "checkout"
	StrategyPhone     = "phone"

	// DefaultReferenceLengthLimit is the provider's AccountReference cap.
	DefaultReferenceLengthLimit = 12
)

// DefaultStrategies is the resolution order used when none is configured.
var DefaultStrategies = []string{StrategyReference, StrategyCheckout, StrategyPhone}

// Identity is the (user, listing) pair a callback pays for.
type Identity struct {
	UserID    paywall.UserID
	ListingID paywall.ListingID
	Strategy  string
}

// Resolver maps a successful notification to the pair it pays for.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, notification Notification) (Identity, error)
}

// AttemptFinder looks up payment attempts by checkout request id.
type AttemptFinder interface {
	FindPaymentAttempt(ctx context.Context, checkoutRequestID string) (paywall.PaymentAttempt, error)
}

// ContactDirectory resolves a phone to its single owner.
type ContactDirectory interface {
	GetUserByContact(ctx context.Context, phone paywall.PhoneNumber) (paywall.User, error)
}

// PendingGrantFinder returns a user's most recent unpaid grant.
type PendingGrantFinder interface {
	LatestPendingGrant(ctx context.Context, userID paywall.UserID) (paywall.AccessGrant, error)
}

// ReferenceResolver decodes AccountReference. References at or above the
// length limit may have been truncated by the provider and are not trusted.
type ReferenceResolver struct {
	lengthLimit int
}

// NewReferenceResolver builds a resolver; a lengthLimit of zero disables the truncation guard.
func NewReferenceResolver(lengthLimit int) *ReferenceResolver {
	return &ReferenceResolver{lengthLimit: lengthLimit}
}

func (resolver *ReferenceResolver) Name() string { return StrategyReference }

func (resolver *ReferenceResolver) Resolve(_ context.Context, notification Notification) (Identity, error) {
	raw := notification.Metadata.AccountReference
	if raw == "" {
		return Identity{}, fmt.Errorf("%w: no account reference", ErrCallbackResolution)
	}
	if resolver.lengthLimit > 0 && len(raw) >= resolver.lengthLimit {
		return Identity{}, fmt.Errorf("%w: account reference %q may be truncated", ErrCallbackResolution, raw)
	}
	reference, err := paywall.ParseCorrelationReference(raw)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrCallbackResolution, err)
	}
	return Identity{UserID: reference.UserID(), ListingID: reference.ListingID(), Strategy: StrategyReference}, nil
}

// CheckoutResolver finds the attempt the provider acknowledged under the
// same CheckoutRequestID.
type CheckoutResolver struct {
	attempts AttemptFinder
}

func NewCheckoutResolver(attempts AttemptFinder) *CheckoutResolver {
	return &CheckoutResolver{attempts: attempts}
}

func (resolver *CheckoutResolver) Name() string { return StrategyCheckout }

func (resolver *CheckoutResolver) Resolve(ctx context.Context, notification Notification) (Identity, error) {
	if notification.CheckoutRequestID == "" {
		return Identity{}, fmt.Errorf("%w: no checkout request id", ErrCallbackResolution)
	}
	attempt, err := resolver.attempts.FindPaymentAttempt(ctx, notification.CheckoutRequestID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrCallbackResolution, err)
	}
	return Identity{UserID: attempt.UserID, ListingID: attempt.ListingID, Strategy: StrategyCheckout}, nil
}

// PhoneResolver reverse-looks-up the payer's phone and takes their most
// recent unpaid grant as the listing. Shared numbers do not resolve.
type PhoneResolver struct {
	contacts ContactDirectory
	grants   PendingGrantFinder
}

func NewPhoneResolver(contacts ContactDirectory, grants PendingGrantFinder) *PhoneResolver {
	return &PhoneResolver{contacts: contacts, grants: grants}
}

func (resolver *PhoneResolver) Name() string { return StrategyPhone }

func (resolver *PhoneResolver) Resolve(ctx context.Context, notification Notification) (Identity, error) {
	phone, err := paywall.NormalizePhoneNumber(notification.Metadata.PhoneNumber)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrCallbackResolution, err)
	}
	user, err := resolver.contacts.GetUserByContact(ctx, phone)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrCallbackResolution, err)
	}
	grant, err := resolver.grants.LatestPendingGrant(ctx, user.ID)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: user %s: %w", ErrCallbackResolution, user.ID, err)
	}
	return Identity{UserID: user.ID, ListingID: grant.ListingID, Strategy: StrategyPhone}, nil
}

// Chain tries resolvers in order; the first success wins.
type Chain struct {
	resolvers []Resolver
}

func NewChain(resolvers ...Resolver) (*Chain, error) {
	if len(resolvers) == 0 {
		return nil, fmt.Errorf("callback: resolver chain is empty")
	}
	for _, resolver := range resolvers {
		if resolver == nil {
			return nil, fmt.Errorf("callback: resolver chain contains nil")
		}
	}
	return &Chain{resolvers: resolvers}, nil
}

func (chain *Chain) Name() string {
	names := make([]string, 0, len(chain.resolvers))
	for _, resolver := range chain.resolvers {
		names = append(names, resolver.Name())
	}
	return strings.Join(names, ",")
}

func (chain *Chain) Resolve(ctx context.Context, notification Notification) (Identity, error) {
	failures := make([]error, 0, len(chain.resolvers))
	for _, resolver := range chain.resolvers {
		identity, err := resolver.Resolve(ctx, notification)
		if err == nil {
			return identity, nil
		}
		failures = append(failures, fmt.Errorf("%s: %w", resolver.Name(), err))
	}
	return Identity{}, errors.Join(failures...)
}

// ResolverDependencies feeds BuildChain.
type ResolverDependencies struct {
	Attempts             AttemptFinder
	Contacts             ContactDirectory
	Grants               PendingGrantFinder
	ReferenceLengthLimit int
}

// BuildChain assembles a chain from strategy names such as "reference,checkout,phone".
func BuildChain(names []string, dependencies ResolverDependencies) (*Chain, error) {
	if len(names) == 0 {
		names = DefaultStrategies
	}
	resolvers := make([]Resolver, 0, len(names))
	for _, rawName := range names {
		switch strings.ToLower(strings.TrimSpace(rawName)) {
		case StrategyReference:
			resolvers = append(resolvers, NewReferenceResolver(dependencies.ReferenceLengthLimit))
		case StrategyCheckout:
			if dependencies.Attempts == nil {
				return nil, fmt.Errorf("callback: %s strategy needs an attempt store", StrategyCheckout)
			}
			resolvers = append(resolvers, NewCheckoutResolver(dependencies.Attempts))
		case StrategyPhone:
			if dependencies.Contacts == nil || dependencies.Grants == nil {
				return nil, fmt.Errorf("callback: %s strategy needs a contact directory and grant finder", StrategyPhone)
			}
			resolvers = append(resolvers, NewPhoneResolver(dependencies.Contacts, dependencies.Grants))
		case "":
		default:
			return nil, fmt.Errorf("callback: unknown resolution strategy %q", rawName)
		}
	}
	return NewChain(resolvers...)
}
