package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"mirror_server/adapter/out/persistence"
	"mirror_server/core/domain"
	"mirror_server/infra/database"
	"mirror_server/internal/bootstrap"
)

var (
	flagAccount   string
	flagMode      string
	flagMessage   string
	flagEmail     string
	flagTokenFile string
)

func registerCommands(root *cobra.Command) {
	syncCmd.Flags().StringVar(&flagAccount, "account", "", "account id")
	syncCmd.Flags().StringVar(&flagMode, "mode", "auto", "auto | full | incremental")
	_ = syncCmd.MarkFlagRequired("account")

	triggerCmd.Flags().StringVar(&flagAccount, "account", "", "account id")
	triggerCmd.Flags().StringVar(&flagMode, "mode", "auto", "auto | full | incremental")
	_ = triggerCmd.MarkFlagRequired("account")

	hydrateCmd.Flags().StringVar(&flagAccount, "account", "", "account id")
	hydrateCmd.Flags().StringVar(&flagMessage, "message", "", "provider message id")
	_ = hydrateCmd.MarkFlagRequired("account")
	_ = hydrateCmd.MarkFlagRequired("message")

	for _, c := range []*cobra.Command{recategorizeCmd, seedCategoriesCmd} {
		c.Flags().StringVar(&flagAccount, "account", "", "account id")
		_ = c.MarkFlagRequired("account")
	}

	accountAddCmd.Flags().StringVar(&flagEmail, "email", "", "mailbox address")
	accountAddCmd.Flags().StringVar(&flagTokenFile, "token-file", "", "OAuth token JSON (access_token, refresh_token, expiry)")
	_ = accountAddCmd.MarkFlagRequired("email")
	_ = accountAddCmd.MarkFlagRequired("token-file")
	accountCmd.AddCommand(accountAddCmd, accountListCmd)

	root.AddCommand(syncCmd, triggerCmd, hydrateCmd, recategorizeCmd, seedCategoriesCmd,
		reconcileCmd, migrateCmd, accountCmd)
}

// withDeps runs fn with a fully wired dependency set, cancelled on SIGINT/SIGTERM.
func withDeps(fn func(ctx context.Context, deps *bootstrap.Dependencies) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := bootstrap.NewDependencies(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	return fn(ctx, deps)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync for an account in the foreground",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(func(ctx context.Context, deps *bootstrap.Dependencies) error {
			result, err := deps.SyncService.Synchronize(ctx, flagAccount, domain.ParseSyncMode(flagMode))
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		})
	},
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask a running worker to sync an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(func(ctx context.Context, deps *bootstrap.Dependencies) error {
			if deps.Producer == nil {
				return fmt.Errorf("trigger requires a reachable REDIS_URL")
			}
			id, err := deps.Producer.PublishSyncRequest(ctx, flagAccount, domain.ParseSyncMode(flagMode))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", id)
			return nil
		})
	},
}

var hydrateCmd = &cobra.Command{
	Use:   "hydrate",
	Short: "Fetch and store the body of a bodyless message",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(func(ctx context.Context, deps *bootstrap.Dependencies) error {
			msg, err := deps.SyncService.Hydrate(ctx, flagAccount, flagMessage)
			if err != nil {
				return err
			}
			return printJSON(cmd, msg)
		})
	},
}

var recategorizeCmd = &cobra.Command{
	Use:   "recategorize",
	Short: "Re-run category rules over every stored message of an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(func(ctx context.Context, deps *bootstrap.Dependencies) error {
			n, err := deps.CategoryService.RecategorizeAll(ctx, flagAccount)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %d messages\n", n)
			return nil
		})
	},
}

var seedCategoriesCmd = &cobra.Command{
	Use:   "seed-categories",
	Short: "Create the default categories and rules for an account",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(func(ctx context.Context, deps *bootstrap.Dependencies) error {
			return deps.CategoryService.SeedDefaults(ctx, flagAccount)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Mark interrupted sync runs as failed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(func(ctx context.Context, deps *bootstrap.Dependencies) error {
			n, err := deps.SyncService.ReconcileStaleRuns(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reconciled %d runs\n", n)
			return nil
		})
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the mirror schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := database.OpenSQL(database.DefaultSQLConfig(cfg.DBDriver, cfg.DatabaseURL))
		if err != nil {
			return err
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		if err := persistence.Migrate(ctx, db); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
		return nil
	},
}

var accountCmd = &cobra.Command{
	Use:   "account",
	Short: "Manage mirrored accounts",
}

var accountAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register an account from an existing OAuth token",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(flagTokenFile)
		if err != nil {
			return err
		}
		var token oauth2.Token
		if err := json.Unmarshal(raw, &token); err != nil {
			return fmt.Errorf("parse %s: %w", flagTokenFile, err)
		}
		if token.AccessToken == "" && token.RefreshToken == "" {
			return fmt.Errorf("%s holds neither an access nor a refresh token", flagTokenFile)
		}

		return withDeps(func(ctx context.Context, deps *bootstrap.Dependencies) error {
			sealed, err := deps.Gmail.SealToken(&token)
			if err != nil {
				return err
			}
			account := &domain.Account{
				ID:          uuid.New().String(),
				Email:       flagEmail,
				Credentials: sealed,
			}
			if err := deps.Accounts.Create(ctx, account); err != nil {
				return err
			}
			if err := deps.CategoryService.SeedDefaults(ctx, account.ID); err != nil {
				return fmt.Errorf("account %s created, seeding categories failed: %w", account.ID, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), account.ID)
			return nil
		})
	},
}

var accountListCmd = &cobra.Command{
	Use:   "list",
	Short: "List mirrored accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDeps(func(ctx context.Context, deps *bootstrap.Dependencies) error {
			accounts, err := deps.Accounts.List(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd, accounts)
		})
	},
}
