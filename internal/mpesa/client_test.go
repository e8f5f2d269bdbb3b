package mpesa

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
)

const (
	testShortCode      = "174379"
	testPassKey        = "bfb279f9aa9bdbcf158e97dd71a467cd2e0c893059b10f78e6b72ada1ed2c919"
	testConsumerKey    = "consumer-key"
	testConsumerSecret = "consumer-secret"
	testToken          = "token-abc"
	testPhone          = "+254712345678"
	oauthPath          = "/oauth/v1/generate"
	stkPath            = "/mpesa/stkpush/v1/processrequest"
)

// fixedInstant is 2024-03-05 09:08:07 in Nairobi.
var fixedInstant = time.Date(2024, time.March, 5, 6, 8, 7, 0, time.UTC)

type fakeDaraja struct {
	mutex        sync.Mutex
	oauthStatus  int
	oauthBody    string
	stkStatus    int
	stkBody      string
	stkDelay     time.Duration
	oauthHits    atomic.Int32
	stkHits      atomic.Int32
	lastPayload  stkPushPayload
	lastAuthLine string
	lastGrant    string
	lastUser     string
	lastPassword string
}

func newFakeDaraja() *fakeDaraja {
	return &fakeDaraja{
		oauthStatus: http.StatusOK,
		oauthBody:   `{"access_token":"` + testToken + `","expires_in":"3599"}`,
		stkStatus:   http.StatusOK,
		stkBody:     `{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`,
	}
}

func (fake *fakeDaraja) start(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc(oauthPath, func(writer http.ResponseWriter, request *http.Request) {
		fake.oauthHits.Add(1)
		user, pass, _ := request.BasicAuth()
		fake.mutex.Lock()
		fake.lastUser, fake.lastPassword = user, pass
		fake.lastGrant = request.URL.Query().Get(grantTypeQueryParameter)
		fake.mutex.Unlock()
		writer.WriteHeader(fake.oauthStatus)
		_, _ = writer.Write([]byte(fake.oauthBody))
	})
	mux.HandleFunc(stkPath, func(writer http.ResponseWriter, request *http.Request) {
		fake.stkHits.Add(1)
		if fake.stkDelay > 0 {
			time.Sleep(fake.stkDelay)
		}
		var payload stkPushPayload
		_ = json.NewDecoder(request.Body).Decode(&payload)
		fake.mutex.Lock()
		fake.lastPayload = payload
		fake.lastAuthLine = request.Header.Get("Authorization")
		fake.mutex.Unlock()
		writer.Header().Set("Content-Type", "application/json")
		writer.WriteHeader(fake.stkStatus)
		_, _ = writer.Write([]byte(fake.stkBody))
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestClient(t *testing.T, serverURL string, timeout time.Duration) *LiveClient {
	t.Helper()
	client, err := NewLiveClient(Config{
		ShortCode:      testShortCode,
		PassKey:        testPassKey,
		ConsumerKey:    testConsumerKey,
		ConsumerSecret: testConsumerSecret,
		OAuthURL:       serverURL + oauthPath,
		STKPushURL:     serverURL + stkPath,
		CallbackURL:    "https://paygate.example.com/mpesa/callback",
		Timeout:        timeout,
	}, WithClock(func() time.Time { return fixedInstant }))
	if err != nil {
		t.Fatalf("client init: %v", err)
	}
	return client
}

func validPushRequest(t *testing.T, phone string) PushRequest {
	t.Helper()
	listingID, err := paywall.NewListingID(7)
	if err != nil {
		t.Fatalf("listing id: %v", err)
	}
	userID, err := paywall.NewUserID(1)
	if err != nil {
		t.Fatalf("user id: %v", err)
	}
	return PushRequest{Phone: phone, Amount: 100, ListingID: listingID, UserID: userID}
}

func TestAuthenticateUsesBasicAuthAndClientCredentials(t *testing.T) {
	t.Parallel()
	fake := newFakeDaraja()
	server := fake.start(t)
	client := newTestClient(t, server.URL, time.Second)

	token, err := client.Authenticate(context.Background())
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token != testToken {
		t.Fatalf("expected token %q, got %q", testToken, token)
	}
	fake.mutex.Lock()
	user, pass, grant := fake.lastUser, fake.lastPassword, fake.lastGrant
	fake.mutex.Unlock()
	if user != testConsumerKey || pass != testConsumerSecret {
		t.Fatalf("unexpected basic auth %q/%q", user, pass)
	}
	if grant != grantTypeClientCreds {
		t.Fatalf("unexpected grant_type %q", grant)
	}
}

func TestAuthenticateFailures(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name   string
		status int
		body   string
	}{
		{name: "non-2xx", status: http.StatusUnauthorized, body: `{"errorMessage":"Invalid credentials"}`},
		{name: "missing token", status: http.StatusOK, body: `{"expires_in":"3599"}`},
		{name: "malformed body", status: http.StatusOK, body: `not json`},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			fake := newFakeDaraja()
			fake.oauthStatus = testCase.status
			fake.oauthBody = testCase.body
			server := fake.start(t)
			client := newTestClient(t, server.URL, time.Second)

			_, err := client.InitiatePushPayment(context.Background(), validPushRequest(t, testPhone))
			var authError *AuthenticationError
			if !errors.As(err, &authError) || !errors.Is(err, ErrAuthentication) {
				t.Fatalf("expected AuthenticationError, got %v", err)
			}
			if fake.stkHits.Load() != 0 {
				t.Fatalf("push must not be sent without a token")
			}
		})
	}
}

func TestAuthenticateUnreachableEndpoint(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.NotFoundHandler())
	serverURL := server.URL
	server.Close()
	client := newTestClient(t, serverURL, time.Second)

	if _, err := client.Authenticate(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected ErrAuthentication, got %v", err)
	}
}

func TestInitiatePushPaymentBuildsSignedPayload(t *testing.T) {
	t.Parallel()
	fake := newFakeDaraja()
	server := fake.start(t)
	client := newTestClient(t, server.URL, time.Second)

	acknowledgment, err := client.InitiatePushPayment(context.Background(), validPushRequest(t, testPhone))
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if acknowledgment.CheckoutRequestID != "ws_CO_191220191020363925" || acknowledgment.Reference.String() != "POST_7_1" {
		t.Fatalf("unexpected acknowledgment %+v", acknowledgment)
	}

	fake.mutex.Lock()
	payload, authLine := fake.lastPayload, fake.lastAuthLine
	fake.mutex.Unlock()
	expectedTimestamp := "20240305090807"
	if payload.Timestamp != expectedTimestamp {
		t.Fatalf("expected timestamp %s, got %s", expectedTimestamp, payload.Timestamp)
	}
	expectedPassword := base64.StdEncoding.EncodeToString([]byte(testShortCode + testPassKey + expectedTimestamp))
	if payload.Password != expectedPassword {
		t.Fatalf("password does not sign the embedded timestamp")
	}
	if payload.PartyA != 254712345678 || payload.PhoneNumber != 254712345678 || payload.PartyB != 174379 {
		t.Fatalf("unexpected parties %+v", payload)
	}
	if payload.AccountReference != "POST_7_1" || payload.Amount != 100 || payload.TransactionType != transactionTypePaybill {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.CallBackURL != "https://paygate.example.com/mpesa/callback" || payload.TransactionDesc != DefaultTransactionDesc {
		t.Fatalf("unexpected callback fields %+v", payload)
	}
	if authLine != "Bearer "+testToken {
		t.Fatalf("unexpected authorization header %q", authLine)
	}
}

func TestInitiatePushPaymentRejectsShortPhoneBeforeNetwork(t *testing.T) {
	t.Parallel()
	fake := newFakeDaraja()
	server := fake.start(t)
	client := newTestClient(t, server.URL, time.Second)

	_, err := client.InitiatePushPayment(context.Background(), validPushRequest(t, "123"))
	if !errors.Is(err, paywall.ErrInvalidPhoneNumber) {
		t.Fatalf("expected ErrInvalidPhoneNumber, got %v", err)
	}
	if fake.oauthHits.Load() != 0 || fake.stkHits.Load() != 0 {
		t.Fatalf("no network call expected, got oauth=%d stk=%d", fake.oauthHits.Load(), fake.stkHits.Load())
	}
}

func TestInitiatePushPaymentErrorMapping(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name    string
		status  int
		body    string
		wantErr error
	}{
		{name: "server error", status: http.StatusInternalServerError, body: `{"errorCode":"500.001.1001"}`, wantErr: ErrPushRequestFailed},
		{name: "bad request", status: http.StatusBadRequest, body: `{"errorCode":"400.002.02","errorMessage":"Bad Request - Invalid Amount"}`, wantErr: ErrPushRequestFailed},
		{name: "unparseable success", status: http.StatusOK, body: `<html>`, wantErr: ErrPushRequestFailed},
		{name: "provider rejection", status: http.StatusOK, body: `{"ResponseCode":"1","ResponseDescription":"Insufficient balance"}`, wantErr: ErrPushRejected},
	}
	for _, testCase := range testCases {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()
			fake := newFakeDaraja()
			fake.stkStatus = testCase.status
			fake.stkBody = testCase.body
			server := fake.start(t)
			client := newTestClient(t, server.URL, time.Second)

			_, err := client.InitiatePushPayment(context.Background(), validPushRequest(t, testPhone))
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
		})
	}
}

func TestInitiatePushPaymentRejectionCarriesDescription(t *testing.T) {
	t.Parallel()
	fake := newFakeDaraja()
	fake.stkBody = `{"ResponseCode":"2001","ResponseDescription":"The initiator information is invalid."}`
	server := fake.start(t)
	client := newTestClient(t, server.URL, time.Second)

	_, err := client.InitiatePushPayment(context.Background(), validPushRequest(t, testPhone))
	var rejected *PushRejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected PushRejectedError, got %v", err)
	}
	if rejected.ResponseCode != "2001" || rejected.Description != "The initiator information is invalid." {
		t.Fatalf("unexpected rejection %+v", rejected)
	}
}

func TestInitiatePushPaymentTimesOut(t *testing.T) {
	t.Parallel()
	fake := newFakeDaraja()
	fake.stkDelay = 500 * time.Millisecond
	server := fake.start(t)
	client := newTestClient(t, server.URL, 100*time.Millisecond)

	started := time.Now()
	_, err := client.InitiatePushPayment(context.Background(), validPushRequest(t, testPhone))
	if !errors.Is(err, ErrPushRequestFailed) {
		t.Fatalf("expected ErrPushRequestFailed, got %v", err)
	}
	if elapsed := time.Since(started); elapsed >= 500*time.Millisecond {
		t.Fatalf("timeout not applied, call took %s", elapsed)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()
	valid := Config{
		ShortCode:      testShortCode,
		PassKey:        testPassKey,
		ConsumerKey:    testConsumerKey,
		ConsumerSecret: testConsumerSecret,
		OAuthURL:       DefaultOAuthURL,
		STKPushURL:     DefaultSTKPushURL,
		CallbackURL:    "https://paygate.example.com/mpesa/callback",
		Timeout:        DefaultTimeout,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
	testCases := []struct {
		name   string
		mutate func(cfg *Config)
	}{
		{name: "missing shortcode", mutate: func(cfg *Config) { cfg.ShortCode = "" }},
		{name: "non numeric shortcode", mutate: func(cfg *Config) { cfg.ShortCode = "abc" }},
		{name: "missing passkey", mutate: func(cfg *Config) { cfg.PassKey = "" }},
		{name: "missing secret", mutate: func(cfg *Config) { cfg.ConsumerSecret = "" }},
		{name: "relative callback", mutate: func(cfg *Config) { cfg.CallbackURL = "/mpesa/callback" }},
		{name: "zero timeout", mutate: func(cfg *Config) { cfg.Timeout = 0 }},
	}
	for _, testCase := range testCases {
		cfg := valid
		testCase.mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", testCase.name, err)
		}
	}
}
