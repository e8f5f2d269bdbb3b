// Package grpcserver exposes the access gate to sibling services over gRPC.
// Messages are google.protobuf.Struct values, so no generated stubs are needed.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName           = "paygate.access.v1.AccessService"
	CheckAccessFullMethod = "/" + ServiceName + "/CheckAccess"

	fieldUserID    = "user_id"
	fieldListingID = "listing_id"
	fieldDecision  = "decision"
	fieldPaid      = "paid"

	errorInvalidUserID    = "invalid_user_id"
	errorInvalidListingID = "invalid_listing_id"
	errorLedgerLookup     = "ledger_unavailable"
)

var errNotInteger = errors.New("not an integer")

// Decider answers gate checks.
type Decider interface {
	Decide(ctx context.Context, userID paywall.UserID, listingID paywall.ListingID) (paywall.Decision, error)
}

// AccessServer is the server-side contract registered under ServiceName.
type AccessServer interface {
	CheckAccess(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
}

// AccessServiceServer serves CheckAccess from the gate.
type AccessServiceServer struct {
	gate   Decider
	logger *zap.Logger
}

// NewAccessServiceServer constructs a gRPC server for the access gate.
func NewAccessServiceServer(gate Decider, logger *zap.Logger) (*AccessServiceServer, error) {
	if gate == nil {
		return nil, fmt.Errorf("%w: gate is nil", paywall.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccessServiceServer{gate: gate, logger: logger}, nil
}

func (service *AccessServiceServer) CheckAccess(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	rawUserID, err := integerField(request, fieldUserID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	userID, err := paywall.NewUserID(rawUserID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	rawListingID, err := integerField(request, fieldListingID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, errorInvalidListingID)
	}
	listingID, err := paywall.NewListingID(rawListingID)
	if err != nil {
		return nil, mapToGRPCError(err)
	}
	decision, err := service.gate.Decide(ctx, userID, listingID)
	if err != nil {
		service.logger.Error("grpc access check failed",
			zap.String("user_id", userID.String()),
			zap.String("listing_id", listingID.String()),
			zap.Error(err))
		return nil, mapToGRPCError(err)
	}
	return structpb.NewStruct(map[string]interface{}{
		fieldDecision: decision.String(),
		fieldPaid:     decision == paywall.DecisionServe,
	})
}

// RegisterAccessServiceServer attaches server to registrar.
func RegisterAccessServiceServer(registrar grpc.ServiceRegistrar, server AccessServer) {
	registrar.RegisterService(&accessServiceDesc, server)
}

var accessServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AccessServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CheckAccess",
			Handler:    checkAccessHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "paygate/access/v1/access.proto",
}

func checkAccessHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	request := new(structpb.Struct)
	if err := dec(request); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AccessServer).CheckAccess(ctx, request)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: CheckAccessFullMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AccessServer).CheckAccess(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, request, info, handler)
}

// AccessClient calls CheckAccess on a remote server.
type AccessClient struct {
	conn grpc.ClientConnInterface
}

// NewAccessClient wraps an established connection.
func NewAccessClient(conn grpc.ClientConnInterface) *AccessClient {
	return &AccessClient{conn: conn}
}

// CheckAccess returns the remote gate decision for the pair.
func (client *AccessClient) CheckAccess(ctx context.Context, userID paywall.UserID, listingID paywall.ListingID, options ...grpc.CallOption) (paywall.Decision, error) {
	request, err := structpb.NewStruct(map[string]interface{}{
		fieldUserID:    userID.Int64(),
		fieldListingID: listingID.Int64(),
	})
	if err != nil {
		return paywall.DecisionRedirectToPayment, err
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, CheckAccessFullMethod, request, response, options...); err != nil {
		return paywall.DecisionRedirectToPayment, err
	}
	if response.GetFields()[fieldDecision].GetStringValue() == paywall.DecisionServe.String() {
		return paywall.DecisionServe, nil
	}
	return paywall.DecisionRedirectToPayment, nil
}

// integerField accepts whole numbers and decimal strings.
func integerField(request *structpb.Struct, name string) (int64, error) {
	value, ok := request.GetFields()[name]
	if !ok {
		return 0, fmt.Errorf("%s: missing", name)
	}
	switch kind := value.GetKind().(type) {
	case *structpb.Value_NumberValue:
		number := kind.NumberValue
		if number != math.Trunc(number) || math.IsInf(number, 0) || math.IsNaN(number) {
			return 0, fmt.Errorf("%s: %w", name, errNotInteger)
		}
		return int64(number), nil
	case *structpb.Value_StringValue:
		parsed, err := strconv.ParseInt(kind.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", name, errNotInteger)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("%s: %w", name, errNotInteger)
	}
}

func mapToGRPCError(source error) error {
	if errors.Is(source, paywall.ErrInvalidUserID) {
		return status.Error(codes.InvalidArgument, errorInvalidUserID)
	}
	if errors.Is(source, paywall.ErrInvalidListingID) {
		return status.Error(codes.InvalidArgument, errorInvalidListingID)
	}
	return status.Error(codes.Unavailable, errorLedgerLookup)
}
