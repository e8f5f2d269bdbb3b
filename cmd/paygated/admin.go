package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/paygate/internal/accounts"
	"github.com/MarkoPoloResearchLab/paygate/internal/store/database"
	"github.com/MarkoPoloResearchLab/paygate/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/paygate/internal/store/migrations"
	"github.com/MarkoPoloResearchLab/paygate/pkg/paywall"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const (
	flagUsername = "username"
	flagEmail    = "email"
	flagPhone    = "phone"
	flagTitle    = "title"
	flagContent  = "content"
	flagItemType = "item-type"
	flagCategory = "category"
	flagLocation = "location"
	flagAuthorID = "author-id"
)

func newMigrateCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (goose for postgres, auto-migrate for sqlite)",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadBaseConfig(cmd, cfg)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), cfg)
		},
	}
}

func runMigrate(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := newLogger(cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	driver, _, err := database.ResolveDriver(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if driver != database.DriverPostgres {
		gormDB, cleanup, sqliteDriver, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("database open: %w", err)
		}
		defer cleanup()
		if err := database.PrepareSchema(gormDB, sqliteDriver); err != nil {
			return err
		}
		logger.Info("sqlite schema prepared")
		return nil
	}

	pool, err := database.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	migrator, err := migrations.NewMigrator(pool, logger)
	if err != nil {
		return err
	}
	defer func() { _ = migrator.Close() }()
	return migrator.Up(ctx)
}

// withDirectory opens the database, prepares sqlite schemas and hands a
// directory store to fn.
func withDirectory(ctx context.Context, cfg *runtimeConfig, fn func(*gormstore.Store, *zap.Logger) error) error {
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
	return fn(gormstore.New(gormDB), logger)
}

func newUsersCommand() *cobra.Command {
	usersCmd := &cobra.Command{
		Use:   "users",
		Short: "Manage account holders",
	}

	cfg := &runtimeConfig{}
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user and its payment contact",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadBaseConfig(cmd, cfg)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			input := accounts.NewUser{
				Username: flagString(cmd, flagUsername),
				Email:    flagString(cmd, flagEmail),
				Phone:    flagString(cmd, flagPhone),
			}
			return withDirectory(cmd.Context(), cfg, func(store *gormstore.Store, logger *zap.Logger) error {
				user, err := createUser(cmd.Context(), store, logger, input)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", user.ID.Int64())
				return nil
			})
		},
	}
	createCmd.Flags().String(flagUsername, "", "unique username (required)")
	createCmd.Flags().String(flagEmail, "", "email address")
	createCmd.Flags().String(flagPhone, "", "M-Pesa phone number, e.g. 254712345678")
	_ = createCmd.MarkFlagRequired(flagUsername)

	usersCmd.AddCommand(createCmd)
	return usersCmd
}

func createUser(ctx context.Context, store *gormstore.Store, logger *zap.Logger, input accounts.NewUser) (paywall.User, error) {
	clock := func() int64 { return time.Now().UTC().Unix() }
	registrar, err := accounts.NewRegistrar(store, clock, logger, accounts.NewContactHook(store))
	if err != nil {
		return paywall.User{}, err
	}
	return registrar.CreateUser(ctx, input)
}

func newListingsCommand() *cobra.Command {
	listingsCmd := &cobra.Command{
		Use:   "listings",
		Short: "Manage lost and found listings",
	}

	cfg := &runtimeConfig{}
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a listing whose content sits behind the paywall",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadBaseConfig(cmd, cfg)
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			listing, err := listingFromFlags(cmd)
			if err != nil {
				return err
			}
			return withDirectory(cmd.Context(), cfg, func(store *gormstore.Store, logger *zap.Logger) error {
				created, err := store.CreateListing(cmd.Context(), listing)
				if err != nil {
					return err
				}
				logger.Info("listing created", zap.Int64("listing_id", created.ID.Int64()))
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", created.ID.Int64())
				return nil
			})
		},
	}
	createCmd.Flags().String(flagTitle, "", "public title (required)")
	createCmd.Flags().String(flagContent, "", "protected content shown after payment (required)")
	createCmd.Flags().String(flagItemType, string(paywall.ItemTypeLost), "lost or found")
	createCmd.Flags().String(flagCategory, "", "item category")
	createCmd.Flags().String(flagLocation, "", "where the item was lost or found")
	createCmd.Flags().Int64(flagAuthorID, 0, "author user id (required)")
	_ = createCmd.MarkFlagRequired(flagTitle)
	_ = createCmd.MarkFlagRequired(flagContent)
	_ = createCmd.MarkFlagRequired(flagAuthorID)

	listingsCmd.AddCommand(createCmd)
	return listingsCmd
}

func listingFromFlags(cmd *cobra.Command) (paywall.Listing, error) {
	authorRaw, err := cmd.Flags().GetInt64(flagAuthorID)
	if err != nil {
		return paywall.Listing{}, err
	}
	authorID, err := paywall.NewUserID(authorRaw)
	if err != nil {
		return paywall.Listing{}, fmt.Errorf("%s: %w", flagAuthorID, err)
	}
	itemType := paywall.ItemType(strings.ToLower(strings.TrimSpace(flagString(cmd, flagItemType))))
	if itemType != paywall.ItemTypeLost && itemType != paywall.ItemTypeFound {
		return paywall.Listing{}, fmt.Errorf("%s must be %s or %s", flagItemType, paywall.ItemTypeLost, paywall.ItemTypeFound)
	}
	title := strings.TrimSpace(flagString(cmd, flagTitle))
	content := strings.TrimSpace(flagString(cmd, flagContent))
	if title == "" || content == "" {
		return paywall.Listing{}, fmt.Errorf("%s and %s are required", flagTitle, flagContent)
	}
	return paywall.Listing{
		Title:          title,
		Content:        content,
		ItemType:       itemType,
		Category:       strings.TrimSpace(flagString(cmd, flagCategory)),
		Location:       strings.TrimSpace(flagString(cmd, flagLocation)),
		Status:         paywall.ListingStatusActive,
		AuthorID:       authorID,
		CreatedUnixUTC: time.Now().UTC().Unix(),
	}, nil
}

// flagString reads a string flag; an undeclared flag reads as empty.
func flagString(cmd *cobra.Command, name string) string {
	value, _ := cmd.Flags().GetString(name)
	return value
}
