package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"supporter-rewards/pkg/auth"
	"supporter-rewards/pkg/config"
	"supporter-rewards/pkg/db"
	"supporter-rewards/pkg/featureflags"
	"supporter-rewards/pkg/gen"
	"supporter-rewards/pkg/logger"
	"supporter-rewards/pkg/redis"
	asynqtask "supporter-rewards/pkg/task"
	"supporter-rewards/pkg/taskname"
	"supporter-rewards/services/audit"
	"supporter-rewards/services/drift"
	"supporter-rewards/services/mapping"
	"supporter-rewards/services/provider"
	"supporter-rewards/services/provider/builtin"
	"supporter-rewards/services/reward"
	"supporter-rewards/services/task"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rewardsctl",
		Short:         "Operate the supporter rewards engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newExpireCmd(),
		newDriftCmd(),
		newReconcileCmd(),
		newRunsCmd(),
		newTokenCmd(),
	)
	return root
}

// services is the slice of the object graph the commands use.
type services struct {
	Config  *config.Config
	Rewards *reward.Service
	Mapping *mapping.Service
	Drift   *drift.Service
	Tasks   *task.Service
}

// withServices starts the service graph without any server, runs fn and
// stops it again. extra adds modules such as the asynq client.
func withServices(ctx context.Context, fn func(context.Context, services) error, extra ...fx.Option) error {
	var svc services
	opts := append([]fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		featureflags.Module,
		audit.Module,
		reward.Module,
		mapping.Module,
		provider.Module,
		builtin.Module,
		drift.Module,
		task.Module,
		fx.Populate(&svc.Config, &svc.Rewards, &svc.Mapping, &svc.Drift, &svc.Tasks),
		fx.NopLogger,
	}, extra...)

	app := fx.New(opts...)
	if err := app.Err(); err != nil {
		return err
	}
	startCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := app.Stop(stopCtx); err != nil {
			zap.L().Warn("shutdown failed", zap.Error(err))
		}
	}()

	return fn(ctx, svc)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire every active assignment past its expiry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				summary, err := s.Rewards.ProcessExpiredRewards(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, summary)
			})
		},
	}
}

func newDriftCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare provider membership with the ledger",
	}

	detect := &cobra.Command{
		Use:   "detect <provider>",
		Short: "Report drift without changing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				res, err := s.Drift.DetectDrift(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}

	var dryRun bool
	sync := &cobra.Command{
		Use:   "sync <provider>",
		Short: "Detect drift and apply the corrections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				res, err := s.Drift.DetectDrift(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{
					"drift": res,
					"sync":  s.Drift.SyncDrift(ctx, res, dryRun),
				})
			})
		},
	}
	sync.Flags().BoolVar(&dryRun, "dry-run", true, "report the corrections without applying them")

	cmd.AddCommand(detect, sync)
	return cmd
}

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-derive membership rewards from product mappings",
	}

	var allDryRun, async bool
	all := &cobra.Command{
		Use:   "all",
		Short: "Reconcile every active product mapping",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if async {
				return withServices(cmd.Context(), func(ctx context.Context, s services) error {
					return s.Tasks.Enqueue(ctx, taskname.ReconcileAllMappings, task.ReconcilePayload{DryRun: allDryRun}, 0)
				}, asynqtask.Client)
			}
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				res, err := s.Mapping.ReconcileAllMappings(ctx, allDryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	all.Flags().BoolVar(&allDryRun, "dry-run", true, "report the actions without applying them")
	all.Flags().BoolVar(&async, "async", false, "enqueue the pass on the worker instead of running it here")

	var userDryRun bool
	user := &cobra.Command{
		Use:   "user <user-id>",
		Short: "Reconcile one user's associations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				res, err := s.Mapping.ReconcileUserAssociations(ctx, args[0], "cli", userDryRun)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	user.Flags().BoolVar(&userDryRun, "dry-run", false, "report the actions without applying them")

	cmd.AddCommand(all, user)
	return cmd
}

func newRunsCmd() *cobra.Command {
	var name string
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent background pass executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s services) error {
				runs, err := s.Tasks.LastRuns(ctx, name, limit)
				if err != nil {
					return err
				}
				return printJSON(cmd, runs)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "filter by task name")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <operator-id>",
		Short: "Mint an admin API token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.NewManager(config.LoadConfig()).Issue(time.Now(), args[0], auth.RoleAdmin, ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}
