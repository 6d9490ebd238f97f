package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/appejv/storesync/internal/backend"
	"github.com/appejv/storesync/internal/config"
	"github.com/appejv/storesync/internal/netstate"
	"github.com/appejv/storesync/internal/offline"
	"github.com/appejv/storesync/internal/report"
	"github.com/appejv/storesync/internal/storage"
)

func newQueueCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect or operate on the persisted offline queue",
		Long:  `Operate on the persisted offline queue directly. Stop the daemon first; it holds the same backlog in memory.`,
	}

	cmd.AddCommand(newQueueListCmd(configPath))
	cmd.AddCommand(newQueueClearCmd(configPath))
	cmd.AddCommand(newQueueDrainCmd(configPath))

	return cmd
}

// offlineEnv is what the queue subcommands need, without the daemon.
type offlineEnv struct {
	cfg    *config.Config
	store  storage.KV
	logger *slog.Logger
	errors *report.Tracker
}

func openOfflineEnv(configPath string) (*offlineEnv, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	lvl, _ := config.ParseLogLevel(cfg.Server.LogLevel)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))

	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	return &offlineEnv{
		cfg:    cfg,
		store:  store,
		logger: logger,
		errors: report.NewTracker(errorLogCapacity, logger),
	}, nil
}

func (e *offlineEnv) persister() *offline.Persister {
	return offline.NewPersister(e.store, e.cfg.Queue.StorageKey, e.logger, e.errors)
}

func newQueueListCmd(configPath *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued actions, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openOfflineEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.store.Close()

			actions, err := env.persister().Load(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(actions)
			}
			printActions(cmd.OutOrStdout(), actions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print actions as JSON")
	return cmd
}

func printActions(w io.Writer, actions []offline.Action) {
	if len(actions) == 0 {
		fmt.Fprintln(w, "offline queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tRESOURCE\tRECORD\tRETRIES\tENQUEUED")
	for _, a := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			a.ID, a.Type, a.Resource, a.RecordID(), a.RetryCount, a.EnqueuedAt.Format(time.RFC3339))
	}
	tw.Flush()
}

func newQueueClearCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued action",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openOfflineEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.store.Close()

			p := env.persister()
			// A clear must work even when the stored value cannot be read.
			backlog, _ := p.Load(cmd.Context())
			n := len(backlog)
			if err := p.Remove(cmd.Context()); err != nil {
				return fmt.Errorf("clear queue: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %d queued action(s)\n", n)
			return nil
		},
	}
}

func newQueueDrainCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued actions against the backend once",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openOfflineEnv(*configPath)
			if err != nil {
				return err
			}
			defer env.store.Close()

			cfg := env.cfg
			client := backend.NewClient(backend.Config{
				URL:        cfg.Backend.URL,
				AnonKey:    cfg.Backend.AnonKey,
				ServiceKey: cfg.Backend.ServiceKey,
				JWTSecret:  cfg.Backend.JWTSecret,
				Timeout:    time.Duration(cfg.Backend.TimeoutSeconds) * time.Second,
			}, env.logger)

			opts := []offline.Option{
				offline.WithLogger(env.logger),
				offline.WithReporter(env.errors),
				offline.WithMaxRetries(cfg.Queue.MaxRetries),
				offline.WithStorageKey(cfg.Queue.StorageKey),
			}
			if cfg.Queue.DropRejected {
				opts = append(opts, offline.WithPermanentClassifier(backend.IsPermanent))
			}
			q := offline.New(client, netstate.NewStatic(true), env.store, opts...)
			defer q.Close()

			summary, err := q.Drain(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "attempted %d, succeeded %d, retrying %d, failed %d, remaining %d\n",
				summary.Attempted, summary.Succeeded, summary.Retrying, summary.Failed, summary.Remaining)
			return err
		},
	}
}
