package paywall

const (
	operationRecord  = "record"
	operationConfirm = "confirm"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	referencePrefix    = "POST"
	referenceDelimiter = "_"
	referenceSegments  = 3

	minPhoneDigits = 12
	maxPhoneDigits = 15
)
