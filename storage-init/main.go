package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"prism-board/config"
	"prism-board/storage"
)

func main() {
	logger := log.New()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd(logger).ExecuteContext(ctx); err != nil {
		logger.Fatal(err)
	}
}

func rootCmd(logger *log.Logger) *cobra.Command {
	var cfg config.Config
	root := &cobra.Command{
		Use:           "storage-init",
		Short:         "Provision board storage",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			loaded, err := config.LoadStorage()
			if err != nil {
				return err
			}
			loaded.ApplyLogging(logger)
			cfg = loaded
			return nil
		},
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply the item schema to the configured SQL store",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return storage.MigrateSelected(cmd.Context(), storage.Selection{
					DatabaseURL: cfg.DatabaseURL,
					SQLitePath:  cfg.SQLitePath,
				}, logger)
			},
		},
		&cobra.Command{
			Use:   "notifications",
			Short: "Create the notification queue and inbox table",
			RunE: func(cmd *cobra.Command, _ []string) error {
				if cfg.StorageConnectionString == "" {
					return errors.New("missing STORAGE_CONNECTION_STRING")
				}
				if err := createTables(cmd.Context(), cfg.StorageConnectionString, cfg.NotificationsTable); err != nil {
					return fmt.Errorf("create tables: %w", err)
				}
				if err := createQueues(cmd.Context(), cfg.StorageConnectionString, cfg.NotificationsQueue); err != nil {
					return fmt.Errorf("create queues: %w", err)
				}
				logger.WithFields(log.Fields{
					"queue": cfg.NotificationsQueue,
					"table": cfg.NotificationsTable,
				}).Info("notification storage ready")
				return nil
			},
		},
		drainCmd(logger, &cfg),
	)
	return root
}

func drainCmd(logger *log.Logger, cfg *config.Config) *cobra.Command {
	var (
		timeout  time.Duration
		interval time.Duration
		stable   int
	)
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Wait until the notification queue stays empty",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cfg.StorageConnectionString == "" {
				return errors.New("missing STORAGE_CONNECTION_STRING")
			}
			q, err := azqueue.NewQueueClientFromConnectionString(cfg.StorageConnectionString, cfg.NotificationsQueue, &azqueue.ClientOptions{
				ClientOptions: azcore.ClientOptions{
					Retry: policy.RetryOptions{MaxRetries: 3, TryTimeout: 30 * time.Second, RetryDelay: time.Second},
				},
			})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			if err := waitDrained(ctx, q, interval, stable, logger); err != nil {
				return fmt.Errorf("queue %s: %w", cfg.NotificationsQueue, err)
			}
			logger.WithField("queue", cfg.NotificationsQueue).Info("queue drained")
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "maximum time to wait")
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "polling interval")
	cmd.Flags().IntVar(&stable, "stable", 3, "consecutive empty polls required")
	return cmd
}

type queueProps interface {
	GetProperties(ctx context.Context, o *azqueue.GetQueuePropertiesOptions) (azqueue.GetQueuePropertiesResponse, error)
}

// waitDrained polls q until it reports zero messages stable times in a row.
func waitDrained(ctx context.Context, q queueProps, interval time.Duration, stable int, logger *log.Logger) error {
	stable = max(stable, 1)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	empty := 0
	for {
		resp, err := q.GetProperties(ctx, nil)
		if err != nil {
			return err
		}
		var pending int32
		if resp.ApproximateMessagesCount != nil {
			pending = *resp.ApproximateMessagesCount
		}
		if pending > 0 {
			logger.WithField("pending", pending).Debug("queue not drained")
			empty = 0
		} else if empty++; empty >= stable {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func createTables(ctx context.Context, connStr string, names ...string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == "" {
			continue
		}
		if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil && !alreadyExists(err, string(aztables.TableAlreadyExists)) {
			return err
		}
	}
	return nil
}

func createQueues(ctx context.Context, connStr string, names ...string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
		if err != nil {
			return err
		}
		if _, err := q.Create(ctx, nil); err != nil && !alreadyExists(err, "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}

func alreadyExists(err error, code string) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.ErrorCode == code
}
