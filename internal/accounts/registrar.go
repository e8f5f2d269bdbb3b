// Package accounts creates users and runs their post-creation hooks.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"go.uber.org/zap"
)

var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrHookFailed      = errors.New("post-create hook failed")
)

// NewUser is the input to CreateUser. Phone is optional.
type NewUser struct {
	Username string
	Email    string
	Phone    string
}

// UserCreator persists a bare user record.
type UserCreator interface {
	CreateUser(ctx context.Context, username string, email string, createdUnixUTC int64) (paywall.User, error)
}

// PostCreateHook runs synchronously after a user row exists.
type PostCreateHook interface {
	Name() string
	AfterCreate(ctx context.Context, user paywall.User, input NewUser) error
}

// Registrar is the user-creation workflow.
type Registrar struct {
	users  UserCreator
	hooks  []PostCreateHook
	nowFn  func() int64
	logger *zap.Logger
}

func NewRegistrar(users UserCreator, now func() int64, logger *zap.Logger, hooks ...PostCreateHook) (*Registrar, error) {
	if users == nil {
		return nil, fmt.Errorf("accounts: user creator is nil")
	}
	if now == nil {
		return nil, fmt.Errorf("accounts: clock is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, fmt.Errorf("accounts: nil post-create hook")
		}
	}
	return &Registrar{users: users, hooks: hooks, nowFn: now, logger: logger}, nil
}

// CreateUser persists the user and then runs every hook in order. The
// first hook failure is returned wrapped with the hook name.
func (registrar *Registrar) CreateUser(ctx context.Context, input NewUser) (paywall.User, error) {
	input.Username = strings.TrimSpace(input.Username)
	input.Email = strings.TrimSpace(input.Email)
	if input.Username == "" {
		return paywall.User{}, fmt.Errorf("%w: empty value", ErrInvalidUsername)
	}
	if strings.TrimSpace(input.Phone) != "" {
		if _, err := paywall.NormalizePhoneNumber(input.Phone); err != nil {
			return paywall.User{}, err
		}
	}

	user, err := registrar.users.CreateUser(ctx, input.Username, input.Email, registrar.nowFn())
	if err != nil {
		return paywall.User{}, err
	}
	for _, hook := range registrar.hooks {
		if err := hook.AfterCreate(ctx, user, input); err != nil {
			registrar.logger.Error("post-create hook failed",
				zap.String("hook", hook.Name()),
				zap.Int64("user_id", user.ID.Int64()),
				zap.Error(err))
			return user, fmt.Errorf("%w: %s: %w", ErrHookFailed, hook.Name(), err)
		}
	}
	registrar.logger.Info("user created",
		zap.Int64("user_id", user.ID.Int64()),
		zap.String("username", user.Username))
	return user, nil
}

// ContactSaver stores a user's payment contact.
type ContactSaver interface {
	SaveUserContact(ctx context.Context, userID paywall.UserID, phone paywall.PhoneNumber) error
}

// ContactHook gives every new user a contact record, empty when no phone was supplied.
type ContactHook struct {
	contacts ContactSaver
}

func NewContactHook(contacts ContactSaver) *ContactHook {
	return &ContactHook{contacts: contacts}
}

func (hook *ContactHook) Name() string { return "contact" }

func (hook *ContactHook) AfterCreate(ctx context.Context, user paywall.User, input NewUser) error {
	var phone paywall.PhoneNumber
	if strings.TrimSpace(input.Phone) != "" {
		normalized, err := paywall.NormalizePhoneNumber(input.Phone)
		if err != nil {
			return err
		}
		phone = normalized
	}
	return hook.contacts.SaveUserContact(ctx, user.ID, phone)
}
