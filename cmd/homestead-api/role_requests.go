package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/homestead/internal/audit"
	"github.com/MarcoPoloResearchLab/homestead/internal/config"
	"github.com/MarcoPoloResearchLab/homestead/internal/database"
	"github.com/MarcoPoloResearchLab/homestead/internal/logging"
	"github.com/MarcoPoloResearchLab/homestead/internal/realtime"
	"github.com/MarcoPoloResearchLab/homestead/internal/upgrades"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newRoleRequestsCommand() *cobra.Command {
	command := &cobra.Command{
		Use:   "role-requests",
		Short: "Inspect and decide role upgrade requests",
	}

	var (
		status string
		limit  int
	)
	listCommand := &cobra.Command{
		Use:   "list",
		Short: "List role upgrade requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUpgradeService(cmd.Context(), func(ctx context.Context, service *upgrades.Service, _ *zap.Logger) error {
				requests, err := service.List(ctx, upgrades.Status(strings.ToLower(status)), limit)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), requests)
			})
		},
	}
	listCommand.Flags().StringVar(&status, "status", string(upgrades.StatusPending), "Status filter (pending, approved, rejected, none for all)")
	listCommand.Flags().IntVar(&limit, "limit", 0, "Maximum number of requests")

	var (
		reject    bool
		decidedBy string
	)
	decideCommand := &cobra.Command{
		Use:   "decide <user-id>",
		Short: "Approve a pending request (or reject it with --reject)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withUpgradeService(cmd.Context(), func(ctx context.Context, service *upgrades.Service, logger *zap.Logger) error {
				decided, err := service.Decide(ctx, args[0], upgrades.Decision{Approve: !reject, DecidedBy: decidedBy})
				if err != nil {
					return err
				}
				logger.Info("role upgrade request decided",
					zap.String("user_id", decided.UserID),
					zap.String("status", string(decided.Status)))
				return writeJSON(cmd.OutOrStdout(), decided)
			})
		},
	}
	decideCommand.Flags().BoolVar(&reject, "reject", false, "Reject instead of approve")
	decideCommand.Flags().StringVar(&decidedBy, "by", "cli", "Identifier recorded as the deciding administrator")

	command.AddCommand(listCommand, decideCommand)
	return command
}

// withUpgradeService runs fn against the configured database. Decisions are
// published through Redis when it is configured so running servers observe them.
func withUpgradeService(ctx context.Context, fn func(context.Context, *upgrades.Service, *zap.Logger) error) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	dispatcher := realtime.NewDispatcher[upgrades.Change](realtime.WithLogger(logging.Component(logger, "realtime")))
	var publisher realtime.Publisher[upgrades.Change] = dispatcher
	client, err := dialRedis(ctx, appConfig)
	if err != nil {
		logger.Warn("redis unavailable; decision will not reach running servers", zap.Error(err))
	}
	if client != nil {
		defer client.Close()
		bridge, err := realtime.NewRedisBridge(realtime.RedisBridgeConfig{
			Client:  client,
			Channel: appConfig.RedisChannel,
			Logger:  logging.Component(logger, "realtime"),
		}, dispatcher)
		if err != nil {
			return err
		}
		publisher = bridge
	}

	service, err := upgrades.NewService(upgrades.ServiceConfig{
		Database:  db,
		Clock:     time.Now,
		Publisher: publisher,
		Audit:     audit.NewSink(audit.SinkConfig{Database: db, Logger: logging.Component(logger, "audit")}),
		Logger:    logging.Component(logger, "upgrades"),
	})
	if err != nil {
		return err
	}
	return fn(ctx, service, logger)
}

func writeJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
