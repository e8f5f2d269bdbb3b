package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// AccessGrant mirrors the access_grants table.
type AccessGrant struct {
	GrantID   string    `gorm:"type:uuid;primaryKey"`
	UserID    int64     `gorm:"not null;index:uniq_access_grants_user_listing,unique,priority:1"`
	ListingID int64     `gorm:"not null;index:uniq_access_grants_user_listing,unique,priority:2"`
	Paid      bool      `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (AccessGrant) TableName() string { return "access_grants" }

func (grant *AccessGrant) BeforeCreate(tx *gorm.DB) error {
	if grant.GrantID == "" {
		grant.GrantID = uuid.NewString()
	}
	return nil
}

// User mirrors the users table.
type User struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Username  string    `gorm:"not null;uniqueIndex"`
	Email     string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (User) TableName() string { return "users" }

// UserContact mirrors the user_contacts table. Phone is empty when unknown.
type UserContact struct {
	UserID    int64     `gorm:"primaryKey;autoIncrement:false"`
	Phone     string    `gorm:"not null;index:idx_user_contacts_phone"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (UserContact) TableName() string { return "user_contacts" }

// Listing mirrors the listings table.
type Listing struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	Title     string    `gorm:"not null"`
	Content   string    `gorm:"not null"`
	ItemType  string    `gorm:"not null"`
	Category  string    `gorm:"not null"`
	Location  string    `gorm:"not null"`
	Status    string    `gorm:"not null"`
	AuthorID  int64     `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null"`
}

func (Listing) TableName() string { return "listings" }

// PaymentAttempt mirrors the payment_attempts table.
type PaymentAttempt struct {
	AttemptID         string    `gorm:"type:uuid;primaryKey"`
	UserID            int64     `gorm:"not null;index:idx_payment_attempts_user"`
	ListingID         int64     `gorm:"not null"`
	Phone             string    `gorm:"not null"`
	AmountKES         int64     `gorm:"not null"`
	MerchantRequestID string    `gorm:"not null"`
	CheckoutRequestID string    `gorm:"not null;uniqueIndex"`
	Status            string    `gorm:"not null"`
	ResultCode        *int      `gorm:""`
	ResultDesc        string    `gorm:"not null"`
	ReceiptNumber     string    `gorm:"not null"`
	CreatedAt         time.Time `gorm:"not null"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (PaymentAttempt) TableName() string { return "payment_attempts" }

func (attempt *PaymentAttempt) BeforeCreate(tx *gorm.DB) error {
	if attempt.AttemptID == "" {
		attempt.AttemptID = uuid.NewString()
	}
	return nil
}

// CallbackEvent mirrors the callback_events table.
type CallbackEvent struct {
	EventID           string         `gorm:"type:uuid;primaryKey"`
	CheckoutRequestID string         `gorm:"not null;index"`
	ResultCode        int            `gorm:"not null"`
	Outcome           string         `gorm:"not null"`
	Payload           datatypes.JSON `gorm:"type:jsonb;not null"`
	Error             string         `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null"`
}

func (CallbackEvent) TableName() string { return "callback_events" }

func (event *CallbackEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// Models lists every table managed by the store, in dependency order.
func Models() []interface{} {
	return []interface{}{
		&User{},
		&UserContact{},
		&Listing{},
		&AccessGrant{},
		&PaymentAttempt{},
		&CallbackEvent{},
	}
}
