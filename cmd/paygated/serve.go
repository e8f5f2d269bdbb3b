package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/internal/callback"
	"github.com/MarkoPoloResearchLab/paygate/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/paygate/internal/mpesa"
	"github.com/MarkoPoloResearchLab/paygate/internal/store/database"
	"github.com/MarkoPoloResearchLab/paygate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/paygate/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/paygate/internal/webapp"
	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"go.uber.org/zap"
	"google.golang.org/grpc"
)

func newLogger(format string) (*zap.Logger, error) {
	if format == logFormatConsole {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServe(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := newLogger(cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	gormDB, cleanup, driver, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer cleanup()
	if err := database.PrepareSchema(gormDB, driver); err != nil {
		return err
	}
	directory := gormstore.New(gormDB)

	ledgerStore, closeLedgerStore, err := openLedgerStore(ctx, cfg, directory)
	if err != nil {
		return err
	}
	defer closeLedgerStore()

	clock := func() int64 { return time.Now().UTC().Unix() }
	ledger, err := paywall.NewService(ledgerStore, clock, paywall.WithOperationLogger(webapp.NewZapOperationLogger(logger)))
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}
	gate, err := paywall.NewGate(ledger)
	if err != nil {
		return fmt.Errorf("gate init: %w", err)
	}

	tokens := callback.NewTokenAuthority(cfg.CallbackSecret)
	payments, err := buildPaymentClient(cfg, ledger, tokens, logger)
	if err != nil {
		return err
	}

	chain, err := callback.BuildChain(cfg.ResolutionStrategies, callback.ResolverDependencies{
		Attempts:             directory,
		Contacts:             directory,
		Grants:               ledger,
		ReferenceLengthLimit: cfg.ReferenceLimit,
	})
	if err != nil {
		return err
	}
	reconciler, err := callback.NewReconciler(ledger, chain,
		callback.WithAttemptRecorder(directory),
		callback.WithEventRecorder(directory),
		callback.WithTokenAuthority(tokens),
		callback.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}
	logger.Info("callback reconciler ready",
		zap.String("strategies", chain.Name()),
		zap.Bool("token_required", tokens != nil),
		zap.String("payment_mode", cfg.PaymentMode),
		zap.String("store_backend", cfg.StoreBackend))

	if cfg.GRPCListenAddr != "" {
		stopGRPC, err := startGRPC(cfg.GRPCListenAddr, gate, logger)
		if err != nil {
			return err
		}
		defer stopGRPC()
	}

	return webapp.Run(ctx, cfg.Web, webapp.Dependencies{
		Logger:   logger,
		Ledger:   ledger,
		Gate:     gate,
		Listings: directory,
		Users:    directory,
		Attempts: directory,
		Payments: payments,
		Callback: reconciler.Handler(),
	})
}

// openLedgerStore picks the access grant store. The pgx backend opens its own
// pool next to the GORM handle used for everything else.
func openLedgerStore(ctx context.Context, cfg *runtimeConfig, directory *gormstore.Store) (paywall.Store, func(), error) {
	if cfg.StoreBackend != storeBackendPgx {
		return directory, func() {}, nil
	}
	pool, err := database.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger pool: %w", err)
	}
	return pgstore.New(pool), pool.Close, nil
}

func buildPaymentClient(cfg *runtimeConfig, ledger *paywall.Service, tokens *callback.TokenAuthority, logger *zap.Logger) (mpesa.PaymentClient, error) {
	if cfg.PaymentMode == paymentModeSimulated {
		logger.Warn("simulated payment mode: pushes never reach the provider",
			zap.Bool("auto_confirm", cfg.SimulatedAutoConfirm))
		options := []mpesa.SimulatedClientOption{mpesa.WithSimulatedLogger(logger)}
		if cfg.SimulatedAutoConfirm {
			options = append(options, mpesa.WithAutoConfirm(ledger))
		}
		return mpesa.NewSimulatedClient(options...), nil
	}

	mpesaCfg := cfg.MPesa
	if tokens != nil {
		decorated, err := tokens.DecorateURL(mpesaCfg.CallbackURL, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		mpesaCfg.CallbackURL = decorated
	}
	client, err := mpesa.NewLiveClient(mpesaCfg, mpesa.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("mpesa client: %w", err)
	}
	return client, nil
}

func startGRPC(listenAddr string, gate grpcserver.Decider, logger *zap.Logger) (func(), error) {
	accessServer, err := grpcserver.NewAccessServiceServer(gate, logger)
	if err != nil {
		return nil, err
	}
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	grpcserver.RegisterAccessServiceServer(grpcServer, accessServer)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()
	return func() {
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			logger.Warn("gRPC server stopped with error", zap.Error(serveErr))
		}
	}, nil
}
