package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/paygate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	flagGRPCAddr          = "grpc-addr"
	flagUserID            = "user-id"
	flagListingID         = "listing-id"
	flagCheckoutRequestID = "checkout-request-id"

	accessCheckTimeout = 5 * time.Second
)

func newAccessCommand() *cobra.Command {
	accessCmd := &cobra.Command{
		Use:   "access",
		Short: "Query the access gate of a running server",
	}

	var grpcAddr string
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Print the gate decision for a user and listing over gRPC",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := newViper(cmd)
			if err != nil {
				return err
			}
			grpcAddr = strings.TrimSpace(v.GetString(flagGRPCAddr))
			if grpcAddr == "" {
				return fmt.Errorf("%s is required", flagGRPCAddr)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			userRaw, _ := cmd.Flags().GetInt64(flagUserID)
			listingRaw, _ := cmd.Flags().GetInt64(flagListingID)
			userID, err := paywall.NewUserID(userRaw)
			if err != nil {
				return fmt.Errorf("%s: %w", flagUserID, err)
			}
			listingID, err := paywall.NewListingID(listingRaw)
			if err != nil {
				return fmt.Errorf("%s: %w", flagListingID, err)
			}
			return runAccessCheck(cmd.Context(), grpcAddr, userID, listingID, cmd.OutOrStdout())
		},
	}
	checkCmd.Flags().String(flagGRPCAddr, "", "address of the gRPC access service (required)")
	checkCmd.Flags().Int64(flagUserID, 0, "user id (required)")
	checkCmd.Flags().Int64(flagListingID, 0, "listing id (required)")
	_ = checkCmd.MarkFlagRequired(flagUserID)
	_ = checkCmd.MarkFlagRequired(flagListingID)

	accessCmd.AddCommand(checkCmd)
	return accessCmd
}

func runAccessCheck(ctx context.Context, grpcAddr string, userID paywall.UserID, listingID paywall.ListingID, out io.Writer) error {
	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("grpc dial: %w", err)
	}
	defer func() { _ = conn.Close() }()

	callCtx, cancel := context.WithTimeout(ctx, accessCheckTimeout)
	defer cancel()
	decision, err := grpcserver.NewAccessClient(conn).CheckAccess(callCtx, userID, listingID, grpc.WaitForReady(true))
	if err != nil {
		return fmt.Errorf("check access: %w", err)
	}
	fmt.Fprintln(out, decision.String())
	return nil
}

func newEventsCommand() *cobra.Command {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect stored provider callbacks",
	}

	cfg := &runtimeConfig{}
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List callback deliveries for a checkout request, oldest first",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadBaseConfig(cmd, cfg)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			checkoutRequestID := strings.TrimSpace(flagString(cmd, flagCheckoutRequestID))
			if checkoutRequestID == "" {
				return fmt.Errorf("%s is required", flagCheckoutRequestID)
			}
			return withDirectory(cmd.Context(), cfg, func(store *gormstore.Store, logger *zap.Logger) error {
				events, err := store.ListCallbackEvents(cmd.Context(), checkoutRequestID)
				if err != nil {
					return err
				}
				logger.Debug("callback events listed", zap.String("checkout_request_id", checkoutRequestID), zap.Int("count", len(events)))
				writeEvents(cmd.OutOrStdout(), events)
				return nil
			})
		},
	}
	listCmd.Flags().String(flagCheckoutRequestID, "", "provider CheckoutRequestID (required)")
	_ = listCmd.MarkFlagRequired(flagCheckoutRequestID)

	eventsCmd.AddCommand(listCmd)
	return eventsCmd
}

// writeEvents prints one tab separated line per delivery.
func writeEvents(out io.Writer, events []paywall.CallbackEvent) {
	for _, event := range events {
		fmt.Fprintf(out, "%s\t%d\t%s\t%s\n",
			time.Unix(event.ReceivedUnixUTC, 0).UTC().Format(time.RFC3339),
			event.ResultCode,
			event.Outcome,
			event.Error)
	}
}
