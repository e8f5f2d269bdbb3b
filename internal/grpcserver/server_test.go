package grpcserver

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

const bufconnSize = 1024 * 1024

type pairKey struct {
	userID    int64
	listingID int64
}

type stubDecider struct {
	mu   sync.Mutex
	paid map[pairKey]bool
	err  error
}

func (decider *stubDecider) Decide(_ context.Context, userID paywall.UserID, listingID paywall.ListingID) (paywall.Decision, error) {
	decider.mu.Lock()
	defer decider.mu.Unlock()
	if decider.err != nil {
		return paywall.DecisionRedirectToPayment, decider.err
	}
	if decider.paid[pairKey{userID: userID.Int64(), listingID: listingID.Int64()}] {
		return paywall.DecisionServe, nil
	}
	return paywall.DecisionRedirectToPayment, nil
}

func startAccessClient(t *testing.T, decider Decider) *AccessClient {
	t.Helper()
	server, err := NewAccessServiceServer(decider, zap.NewNop())
	if err != nil {
		t.Fatalf("server init: %v", err)
	}
	listener := bufconn.Listen(bufconnSize)
	grpcServer := grpc.NewServer()
	RegisterAccessServiceServer(grpcServer, server)
	go func() {
		if serveErr := grpcServer.Serve(listener); serveErr != nil {
			t.Logf("gRPC server error: %v", serveErr)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("gRPC client init failed: %v", err)
	}
	conn.Connect()
	t.Cleanup(func() {
		grpcServer.Stop()
		_ = conn.Close()
	})
	return NewAccessClient(conn)
}

func TestCheckAccessMirrorsGate(t *testing.T) {
	t.Parallel()
	decider := &stubDecider{paid: map[pairKey]bool{{userID: 1, listingID: 7}: true}}
	client := startAccessClient(t, decider)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	testCases := []struct {
		name      string
		userID    int64
		listingID int64
		expected  paywall.Decision
	}{
		{name: "paid pair", userID: 1, listingID: 7, expected: paywall.DecisionServe},
		{name: "other listing", userID: 1, listingID: 8, expected: paywall.DecisionRedirectToPayment},
		{name: "other user", userID: 2, listingID: 7, expected: paywall.DecisionRedirectToPayment},
	}
	for _, testCase := range testCases {
		userID, _ := paywall.NewUserID(testCase.userID)
		listingID, _ := paywall.NewListingID(testCase.listingID)
		decision, err := client.CheckAccess(ctx, userID, listingID, grpc.WaitForReady(true))
		if err != nil {
			t.Fatalf("%s: check access: %v", testCase.name, err)
		}
		if decision != testCase.expected {
			t.Fatalf("%s: expected %s, got %s", testCase.name, testCase.expected, decision)
		}
	}
}

func TestCheckAccessRejectsInvalidIdentifiers(t *testing.T) {
	t.Parallel()
	server, err := NewAccessServiceServer(&stubDecider{}, nil)
	if err != nil {
		t.Fatalf("server init: %v", err)
	}

	testCases := []struct {
		name     string
		fields   map[string]interface{}
		expected string
	}{
		{name: "missing user", fields: map[string]interface{}{fieldListingID: 7}, expected: errorInvalidUserID},
		{name: "zero user", fields: map[string]interface{}{fieldUserID: 0, fieldListingID: 7}, expected: errorInvalidUserID},
		{name: "fractional listing", fields: map[string]interface{}{fieldUserID: 1, fieldListingID: 7.5}, expected: errorInvalidListingID},
		{name: "text listing", fields: map[string]interface{}{fieldUserID: "1", fieldListingID: "abc"}, expected: errorInvalidListingID},
	}
	for _, testCase := range testCases {
		request, err := structpb.NewStruct(testCase.fields)
		if err != nil {
			t.Fatalf("%s: struct: %v", testCase.name, err)
		}
		_, err = server.CheckAccess(context.Background(), request)
		statusInfo, ok := status.FromError(err)
		if !ok || statusInfo.Code() != codes.InvalidArgument || statusInfo.Message() != testCase.expected {
			t.Fatalf("%s: expected InvalidArgument %s, got %v", testCase.name, testCase.expected, err)
		}
	}
}

func TestCheckAccessAcceptsStringIdentifiers(t *testing.T) {
	t.Parallel()
	server, err := NewAccessServiceServer(&stubDecider{paid: map[pairKey]bool{{userID: 3, listingID: 4}: true}}, nil)
	if err != nil {
		t.Fatalf("server init: %v", err)
	}
	request, _ := structpb.NewStruct(map[string]interface{}{fieldUserID: "3", fieldListingID: "4"})
	response, err := server.CheckAccess(context.Background(), request)
	if err != nil {
		t.Fatalf("check access: %v", err)
	}
	if response.GetFields()[fieldDecision].GetStringValue() != paywall.DecisionServe.String() || !response.GetFields()[fieldPaid].GetBoolValue() {
		t.Fatalf("unexpected response %v", response)
	}
}

func TestCheckAccessLedgerFailureIsUnavailable(t *testing.T) {
	t.Parallel()
	client := startAccessClient(t, &stubDecider{err: errors.New("database down")})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	userID, _ := paywall.NewUserID(1)
	listingID, _ := paywall.NewListingID(7)

	decision, err := client.CheckAccess(ctx, userID, listingID, grpc.WaitForReady(true))
	if status.Code(err) != codes.Unavailable {
		t.Fatalf("expected Unavailable, got %v", err)
	}
	if decision != paywall.DecisionRedirectToPayment {
		t.Fatalf("failures must not serve, got %s", decision)
	}
}

func TestNewAccessServiceServerRequiresGate(t *testing.T) {
	t.Parallel()
	if _, err := NewAccessServiceServer(nil, nil); !errors.Is(err, paywall.ErrInvalidServiceConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}
