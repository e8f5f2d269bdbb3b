package paywall

// AttemptStatus tracks a push payment through its callback.
type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusCompleted AttemptStatus = "completed"
	AttemptStatusFailed    AttemptStatus = "failed"
)

// String returns the status label.
func (status AttemptStatus) String() string {
	return string(status)
}

// PaymentAttempt is a push request the provider accepted.
type PaymentAttempt struct {
	AttemptID         string
	UserID            UserID
	ListingID         ListingID
	Phone             PhoneNumber
	Amount            AmountKES
	MerchantRequestID string
	CheckoutRequestID string
	Status            AttemptStatus
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
	CreatedUnixUTC    int64
}

// AttemptResult is what a callback reports about an attempt.
type AttemptResult struct {
	CheckoutRequestID string
	Status            AttemptStatus
	ResultCode        int
	ResultDesc        string
	ReceiptNumber     string
}

// CallbackEvent is the audit record of one webhook delivery.
type CallbackEvent struct {
	CheckoutRequestID string
	ResultCode        int
	Outcome           string
	PayloadJSON       []byte
	Error             string
	ReceivedUnixUTC   int64
}
