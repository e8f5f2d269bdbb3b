package callback

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

const (
	itemAmount           = "Amount"
	itemReceiptNumber    = "MpesaReceiptNumber"
	itemTransactionDate  = "TransactionDate"
	itemPhoneNumber      = "PhoneNumber"
	itemAccountReference = "AccountReference"

	resultCodeSuccess = 0
)

var (
	ErrCallbackParse        = errors.New("callback parse failed")
	ErrCallbackResolution   = errors.New("callback resolution failed")
	ErrCallbackUnauthorized = errors.New("callback unauthorized")
)

type envelope struct {
	Body *envelopeBody `json:"Body"`
}

type envelopeBody struct {
	STKCallback *stkCallback `json:"stkCallback"`
}

type stkCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        *json.Number      `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *callbackMetadata `json:"CallbackMetadata"`
}

type callbackMetadata struct {
	Item []metadataItem `json:"Item"`
}

type metadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

// Notification is the parsed stkCallback.
type Notification struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Metadata          Metadata
}

// Succeeded reports whether the provider says the payment went through.
func (notification Notification) Succeeded() bool {
	return notification.ResultCode == resultCodeSuccess
}

// Metadata is the flattened CallbackMetadata.Item array.
type Metadata struct {
	Amount           int64
	ReceiptNumber    string
	TransactionDate  string
	PhoneNumber      string
	AccountReference string
}

// ParseNotification decodes the provider envelope. Malformed JSON, trailing
// data after the envelope and a missing Body, stkCallback or ResultCode all yield ErrCallbackParse.
func ParseNotification(body []byte) (Notification, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var decoded envelope
	if err := decoder.Decode(&decoded); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrCallbackParse, err)
	}
	var trailing json.RawMessage
	if err := decoder.Decode(&trailing); !errors.Is(err, io.EOF) {
		return Notification{}, fmt.Errorf("%w: trailing data after envelope", ErrCallbackParse)
	}
	if decoded.Body == nil || decoded.Body.STKCallback == nil {
		return Notification{}, fmt.Errorf("%w: missing Body.stkCallback", ErrCallbackParse)
	}
	callback := decoded.Body.STKCallback
	if callback.ResultCode == nil {
		return Notification{}, fmt.Errorf("%w: missing ResultCode", ErrCallbackParse)
	}
	resultCode, err := strconv.Atoi(callback.ResultCode.String())
	if err != nil {
		return Notification{}, fmt.Errorf("%w: ResultCode %q is not an integer", ErrCallbackParse, callback.ResultCode.String())
	}
	notification := Notification{
		MerchantRequestID: callback.MerchantRequestID,
		CheckoutRequestID: callback.CheckoutRequestID,
		ResultCode:        resultCode,
		ResultDesc:        callback.ResultDesc,
	}
	if callback.CallbackMetadata != nil {
		notification.Metadata = extractMetadata(callback.CallbackMetadata.Item)
	}
	return notification, nil
}

func extractMetadata(items []metadataItem) Metadata {
	values := make(map[string]string, len(items))
	for _, item := range items {
		values[item.Name] = rawValueString(item.Value)
	}
	metadata := Metadata{
		ReceiptNumber:    values[itemReceiptNumber],
		TransactionDate:  values[itemTransactionDate],
		PhoneNumber:      values[itemPhoneNumber],
		AccountReference: values[itemAccountReference],
	}
	if amount, err := strconv.ParseFloat(values[itemAmount], 64); err == nil {
		metadata.Amount = int64(math.Round(amount))
	}
	return metadata
}

// rawValueString renders a metadata value without float formatting, so
// 254712345678 stays intact rather than becoming 2.54712345678e+11.
func rawValueString(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text)
	}
	return trimmed
}
