// Package mpesa talks to the Daraja STK push API.
package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	timestampLayout         = "20060102150405"
	transactionTypePaybill  = "CustomerPayBillOnline"
	responseCodeAccepted    = "0"
	grantTypeQueryParameter = "grant_type"
	grantTypeClientCreds    = "client_credentials"
	eastAfricaOffsetSeconds = 3 * 60 * 60
)

var eastAfricaTime = time.FixedZone("EAT", eastAfricaOffsetSeconds)

// PushRequest asks the provider to prompt a phone for payment.
type PushRequest struct {
	Phone     string
	Amount    paywall.AmountKES
	ListingID paywall.ListingID
	UserID    paywall.UserID
}

// Acknowledgment is the provider's synchronous answer: the prompt was sent,
// not that anything was paid.
type Acknowledgment struct {
	MerchantRequestID   string
	CheckoutRequestID   string
	ResponseCode        string
	ResponseDescription string
	CustomerMessage     string
	Reference           paywall.CorrelationReference
	Phone               paywall.PhoneNumber
}

// PaymentClient initiates push payments. LiveClient and SimulatedClient
// are the two implementations.
type PaymentClient interface {
	InitiatePushPayment(ctx context.Context, request PushRequest) (Acknowledgment, error)
}

// LiveClient calls the real provider endpoints.
type LiveClient struct {
	cfg        Config
	shortCode  int64
	httpClient *resty.Client
	nowFn      func() time.Time
	logger     *zap.Logger
}

// LiveClientOption customizes a LiveClient.
type LiveClientOption func(*LiveClient)

// WithClock overrides the clock used to stamp and sign requests.
func WithClock(now func() time.Time) LiveClientOption {
	return func(client *LiveClient) {
		if now != nil {
			client.nowFn = now
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) LiveClientOption {
	return func(client *LiveClient) {
		if logger != nil {
			client.logger = logger
		}
	}
}

// NewLiveClient validates cfg and builds a client with a bounded timeout.
func NewLiveClient(cfg Config, options ...LiveClientOption) (*LiveClient, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	shortCode, err := strconv.ParseInt(cfg.ShortCode, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: shortcode: %v", ErrInvalidConfig, err)
	}
	httpClient := resty.New()
	httpClient.SetTimeout(cfg.Timeout)
	client := &LiveClient{
		cfg:        cfg,
		shortCode:  shortCode,
		httpClient: httpClient,
		nowFn:      time.Now,
		logger:     zap.NewNop(),
	}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client, nil
}

type oauthResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// Authenticate exchanges the consumer credentials for a bearer token.
// Tokens are not cached; every push fetches its own.
func (client *LiveClient) Authenticate(ctx context.Context) (string, error) {
	resp, err := client.httpClient.R().
		SetContext(ctx).
		SetBasicAuth(client.cfg.ConsumerKey, client.cfg.ConsumerSecret).
		SetQueryParam(grantTypeQueryParameter, grantTypeClientCreds).
		Get(client.cfg.OAuthURL)
	if err != nil {
		return "", &AuthenticationError{Cause: err}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return "", &AuthenticationError{StatusCode: resp.StatusCode(), Cause: errors.New("non-2xx oauth response")}
	}
	var payload oauthResponse
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return "", &AuthenticationError{Cause: fmt.Errorf("decode oauth response: %w", err)}
	}
	if payload.AccessToken == "" {
		return "", &AuthenticationError{Cause: errors.New("no access_token in oauth response")}
	}
	return payload.AccessToken, nil
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            int64  `json:"PartyA"`
	PartyB            int64  `json:"PartyB"`
	PhoneNumber       int64  `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// InitiatePushPayment sends the STK push. The phone number is validated
// before any network call is made.
func (client *LiveClient) InitiatePushPayment(ctx context.Context, request PushRequest) (Acknowledgment, error) {
	phone, reference, err := validatePushRequest(request)
	if err != nil {
		return Acknowledgment{}, err
	}

	token, err := client.Authenticate(ctx)
	if err != nil {
		client.logger.Warn("mpesa oauth failed", zap.Error(err))
		return Acknowledgment{}, err
	}

	// The provider checks Password against the Timestamp field, so both use one instant.
	timestamp := client.nowFn().In(eastAfricaTime).Format(timestampLayout)
	payload := stkPushPayload{
		BusinessShortCode: client.cfg.ShortCode,
		Password:          password(client.cfg.ShortCode, client.cfg.PassKey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   transactionTypePaybill,
		Amount:            request.Amount.Int64(),
		PartyA:            phone.Int64(),
		PartyB:            client.shortCode,
		PhoneNumber:       phone.Int64(),
		CallBackURL:       client.cfg.CallbackURL,
		AccountReference:  reference.String(),
		TransactionDesc:   client.cfg.TransactionDesc,
	}

	resp, err := client.httpClient.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetBody(payload).
		Post(client.cfg.STKPushURL)
	if err != nil {
		client.logger.Warn("mpesa stk push transport failure", zap.Error(err))
		return Acknowledgment{}, &PushRequestFailedError{Cause: err}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		client.logger.Warn("mpesa stk push non-2xx", zap.Int("status", resp.StatusCode()))
		return Acknowledgment{}, &PushRequestFailedError{StatusCode: resp.StatusCode(), Cause: fmt.Errorf("body: %s", string(resp.Body()))}
	}
	var result stkPushResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return Acknowledgment{}, &PushRequestFailedError{StatusCode: resp.StatusCode(), Cause: fmt.Errorf("decode stk push response: %w", err)}
	}
	if result.ResponseCode != responseCodeAccepted {
		client.logger.Warn("mpesa stk push rejected",
			zap.String("response_code", result.ResponseCode),
			zap.String("description", result.ResponseDescription))
		return Acknowledgment{}, &PushRejectedError{ResponseCode: result.ResponseCode, Description: result.ResponseDescription}
	}

	client.logger.Info("mpesa stk push accepted",
		zap.String("checkout_request_id", result.CheckoutRequestID),
		zap.String("account_reference", reference.String()),
		zap.Int64("amount", request.Amount.Int64()))
	return Acknowledgment{
		MerchantRequestID:   result.MerchantRequestID,
		CheckoutRequestID:   result.CheckoutRequestID,
		ResponseCode:        result.ResponseCode,
		ResponseDescription: result.ResponseDescription,
		CustomerMessage:     result.CustomerMessage,
		Reference:           reference,
		Phone:               phone,
	}, nil
}

func validatePushRequest(request PushRequest) (paywall.PhoneNumber, paywall.CorrelationReference, error) {
	phone, err := paywall.NormalizePhoneNumber(request.Phone)
	if err != nil {
		return paywall.PhoneNumber{}, paywall.CorrelationReference{}, err
	}
	if request.Amount <= 0 {
		return paywall.PhoneNumber{}, paywall.CorrelationReference{}, fmt.Errorf("%w: must be greater than zero", paywall.ErrInvalidAmount)
	}
	if request.ListingID.IsZero() {
		return paywall.PhoneNumber{}, paywall.CorrelationReference{}, fmt.Errorf("%w: empty value", paywall.ErrInvalidListingID)
	}
	if request.UserID.IsZero() {
		return paywall.PhoneNumber{}, paywall.CorrelationReference{}, fmt.Errorf("%w: empty value", paywall.ErrInvalidUserID)
	}
	return phone, paywall.NewCorrelationReference(request.ListingID, request.UserID), nil
}

func password(shortCode string, passKey string, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passKey + timestamp))
}
