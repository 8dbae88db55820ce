package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/tunesync/internal/auth"
	"github.com/MarcoPoloResearchLab/tunesync/internal/config"
	"github.com/MarcoPoloResearchLab/tunesync/internal/database"
	"github.com/MarcoPoloResearchLab/tunesync/internal/logging"
	"github.com/MarcoPoloResearchLab/tunesync/internal/outbox"
	"github.com/MarcoPoloResearchLab/tunesync/internal/practice"
	"github.com/MarcoPoloResearchLab/tunesync/internal/remote"
	"github.com/MarcoPoloResearchLab/tunesync/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newSyncCommand() *cobra.Command {
	defaults := config.NewViper()
	var watch bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull remote changes and push local ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep syncing every interval until interrupted")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("sync.batch_size"), "Outbox entries per push request")
	cmd.PersistentFlags().Int("page-size", defaults.GetInt("sync.page_size"), "Rows per pull page")
	cmd.PersistentFlags().Int("max-attempts", defaults.GetInt("sync.max_attempts"), "Delivery attempts before a failed change waits for manual retry (0 = unlimited)")
	cmd.PersistentFlags().Int("interval-seconds", defaults.GetInt("sync.interval_seconds"), "Seconds between background cycles with --watch")

	bindFlag(cmd, "sync.batch_size", "batch-size")
	bindFlag(cmd, "sync.page_size", "page-size")
	bindFlag(cmd, "sync.max_attempts", "max-attempts")
	bindFlag(cmd, "sync.interval_seconds", "interval-seconds")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show pending and failed local changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDevice(ctx)
			if err != nil {
				return err
			}
			defer database.Close(db) //nolint:errcheck

			counts, err := outbox.CountByStatus(ctx, db)
			if err != nil {
				return err
			}
			state, err := outbox.LoadState(ctx, db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "device:     %s\n", state.DeviceID)
			fmt.Fprintf(out, "principal:  %s\n", state.PrincipalID)
			fmt.Fprintf(out, "checkpoint: %d\n", state.ServerSeq)
			fmt.Fprintf(out, "pending:    %d\n", counts.Pending)
			fmt.Fprintf(out, "failed:     %d\n", counts.Failed)
			fmt.Fprintf(out, "synced:     %d\n", counts.Synced)
			return nil
		},
	}
}

func newPurgeCommand() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Remove delivered outbox entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDevice(ctx)
			if err != nil {
				return err
			}
			defer database.Close(db) //nolint:errcheck

			removed, err := outbox.PurgeSynced(ctx, db, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d synced entries\n", removed)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Keep entries synced more recently than this")
	return cmd
}

// openDevice opens the local store for commands that do not talk to the server.
func openDevice(ctx context.Context) (*gorm.DB, error) {
	logger, err := logging.NewLogger(logging.Config{Level: viper.GetString("log.level"), File: viper.GetString("log.file")})
	if err != nil {
		return nil, err
	}
	return database.OpenLocal(ctx, viper.GetString("local.database_path"), logger)
}

func runSync(cmd *cobra.Command, watch bool) error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(logging.Config{Level: clientConfig.Log.Level, File: clientConfig.Log.File})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.OpenLocal(ctx, clientConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	defer database.Close(db) //nolint:errcheck

	state, err := outbox.LoadState(ctx, db)
	if err != nil {
		return err
	}
	identity := auth.NewTokenIdentity(clientConfig.AccessToken)
	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL:     clientConfig.RemoteBaseURL,
		Credentials: identity,
		DeviceID:    state.DeviceID,
		Timeout:     clientConfig.RemoteTimeout,
	})
	if err != nil {
		return err
	}
	engine, err := syncer.NewEngine(syncer.EngineConfig{
		Database:    db,
		Registry:    practice.Registry(),
		Remote:      client,
		Identity:    identity,
		RetryPolicy: outbox.RetryPolicy{MaxAttempts: int64(clientConfig.MaxAttempts)},
		PageSize:    clientConfig.PageSize,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	coordinator, err := syncer.New(syncer.Config{
		Engine:    engine,
		BatchSize: clientConfig.BatchSize,
		Interval:  clientConfig.Interval,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if !watch {
		result, err := coordinator.SyncOnce(ctx)
		if err != nil {
			return err
		}
		status, err := coordinator.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pulled %d rows (%d deleted), pushed %d of %d changes, %d pending\n",
			result.Pull.Upserted+result.Pull.Deleted, result.Pull.Deleted, result.Push.Synced, result.Push.Attempted, status.Pending+status.Failed)
		return nil
	}

	updates, cancel := coordinator.Broadcaster().Subscribe(ctx)
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case status := <-updates:
				logger.Info("sync status",
					zap.Int64("pending", status.Pending),
					zap.Int64("failed", status.Failed),
					zap.Int64("checkpoint", status.Checkpoint),
					zap.String("last_error", status.LastError))
			}
		}
	}()

	logger.Info("background sync started", zap.String("device_id", state.DeviceID), zap.Duration("interval", clientConfig.Interval))
	return coordinator.Run(ctx)
}
