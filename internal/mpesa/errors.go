package mpesa

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig     = errors.New("invalid mpesa config")
	ErrAuthentication    = errors.New("mpesa authentication failed")
	ErrPushRequestFailed = errors.New("mpesa push request failed")
	ErrPushRejected      = errors.New("mpesa push rejected")
)

// AuthenticationError reports a failed OAuth token exchange.
type AuthenticationError struct {
	StatusCode int
	Cause      error
}

func (authError *AuthenticationError) Error() string {
	if authError.StatusCode != 0 {
		return fmt.Sprintf("%v: status %d: %v", ErrAuthentication, authError.StatusCode, authError.Cause)
	}
	return fmt.Sprintf("%v: %v", ErrAuthentication, authError.Cause)
}

func (authError *AuthenticationError) Unwrap() error { return authError.Cause }

func (authError *AuthenticationError) Is(target error) bool { return target == ErrAuthentication }

// PushRequestFailedError reports a transport failure or non-2xx answer to
// the push request. Callers may retry.
type PushRequestFailedError struct {
	StatusCode int
	Cause      error
}

func (requestError *PushRequestFailedError) Error() string {
	if requestError.StatusCode != 0 {
		return fmt.Sprintf("%v: status %d: %v", ErrPushRequestFailed, requestError.StatusCode, requestError.Cause)
	}
	return fmt.Sprintf("%v: %v", ErrPushRequestFailed, requestError.Cause)
}

func (requestError *PushRequestFailedError) Unwrap() error { return requestError.Cause }

func (requestError *PushRequestFailedError) Is(target error) bool {
	return target == ErrPushRequestFailed
}

// PushRejectedError carries the provider's own refusal of the push.
type PushRejectedError struct {
	ResponseCode string
	Description  string
}

func (rejectedError *PushRejectedError) Error() string {
	return fmt.Sprintf("%v: code %s: %s", ErrPushRejected, rejectedError.ResponseCode, rejectedError.Description)
}

func (rejectedError *PushRejectedError) Is(target error) bool { return target == ErrPushRejected }
