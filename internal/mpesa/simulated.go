package mpesa

import (
	"context"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	simulatedMerchantPrefix = "sim-"
	simulatedCheckoutPrefix = "ws_CO_SIM_"
	simulatedDescription    = "Success. Request accepted for processing (simulated)"
)

// Confirmer marks a pair as paid.
type Confirmer interface {
	Confirm(ctx context.Context, userID paywall.UserID, listingID paywall.ListingID) (paywall.AccessGrant, error)
}

// SimulatedClient accepts every valid push without network access. With a
// confirmer it also marks the grant paid, standing in for the callback.
type SimulatedClient struct {
	confirmer Confirmer
	logger    *zap.Logger
}

// SimulatedClientOption customizes a SimulatedClient.
type SimulatedClientOption func(*SimulatedClient)

// WithAutoConfirm confirms each accepted push through confirmer.
func WithAutoConfirm(confirmer Confirmer) SimulatedClientOption {
	return func(client *SimulatedClient) {
		client.confirmer = confirmer
	}
}

// WithSimulatedLogger sets the client logger.
func WithSimulatedLogger(logger *zap.Logger) SimulatedClientOption {
	return func(client *SimulatedClient) {
		if logger != nil {
			client.logger = logger
		}
	}
}

func NewSimulatedClient(options ...SimulatedClientOption) *SimulatedClient {
	client := &SimulatedClient{logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(client)
		}
	}
	return client
}

func (client *SimulatedClient) InitiatePushPayment(ctx context.Context, request PushRequest) (Acknowledgment, error) {
	phone, reference, err := validatePushRequest(request)
	if err != nil {
		return Acknowledgment{}, err
	}
	acknowledgment := Acknowledgment{
		MerchantRequestID:   simulatedMerchantPrefix + uuid.NewString(),
		CheckoutRequestID:   simulatedCheckoutPrefix + uuid.NewString(),
		ResponseCode:        responseCodeAccepted,
		ResponseDescription: simulatedDescription,
		CustomerMessage:     simulatedDescription,
		Reference:           reference,
		Phone:               phone,
	}
	client.logger.Info("simulated stk push accepted",
		zap.String("checkout_request_id", acknowledgment.CheckoutRequestID),
		zap.String("account_reference", reference.String()))

	if client.confirmer != nil {
		if _, err := client.confirmer.Confirm(ctx, request.UserID, request.ListingID); err != nil {
			client.logger.Error("simulated auto-confirm failed",
				zap.String("account_reference", reference.String()),
				zap.Error(err))
		}
	}
	return acknowledgment, nil
}
