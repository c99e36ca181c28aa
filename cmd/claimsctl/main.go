// Package main is the operator CLI for the claims services: schema
// migrations, Redpanda topics, ledger audits and batch actions.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/justdick/hms-sub020/internal/app"
	"github.com/justdick/hms-sub020/internal/domain/claim"
	"github.com/justdick/hms-sub020/internal/infrastructure/postgres"
	"github.com/justdick/hms-sub020/internal/infrastructure/redpanda"
	"github.com/justdick/hms-sub020/pkg/idempotency"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "claimsctl",
		Short:        "Operate the claims ledger",
		SilenceUsage: true,
	}
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(repairCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(statsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// withApp builds the services for one command and closes them afterwards.
func withApp(ctx context.Context, fn func(a *app.App) error) error {
	a, err := app.New(ctx, "claimsctl")
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(a)
}

func needPool(a *app.App) error {
	if a.Pool == nil {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if err := needPool(a); err != nil {
					return err
				}
				n, err := postgres.Migrate(cmd.Context(), a.Pool, a.Logger)
				if err != nil {
					return err
				}
				fmt.Printf("applied %d migration(s)\n", n)
				return nil
			})
		},
	}
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	admin := func(a *app.App) (*redpanda.Admin, error) {
		if err := a.Config.RequireKafka(); err != nil {
			return nil, err
		}
		return redpanda.NewAdmin(a.Config.KafkaBrokers, a.Logger)
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create missing topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			replication, _ := cmd.Flags().GetInt16("replication")
			return withApp(cmd.Context(), func(a *app.App) error {
				adm, err := admin(a)
				if err != nil {
					return err
				}
				defer adm.Close()
				created, err := adm.EnsureTopics(cmd.Context(), redpanda.DefaultTopicConfigs(replication))
				if err != nil {
					return err
				}
				for _, t := range created {
					fmt.Println("created", t)
				}
				return nil
			})
		},
	}
	ensureCmd.Flags().Int16("replication", 3, "Replication factor for new topics")
	cmd.AddCommand(ensureCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				adm, err := admin(a)
				if err != nil {
					return err
				}
				defer adm.Close()
				topics, err := adm.ListTopics(cmd.Context())
				if err != nil {
					return err
				}
				for _, t := range topics {
					fmt.Println(t)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "lag <group>",
		Short: "Show consumer group lag per topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				adm, err := admin(a)
				if err != nil {
					return err
				}
				defer adm.Close()
				lag, err := adm.GroupLag(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(lag)
			})
		},
	})
	return cmd
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit [claim-id]",
		Short: "Reconcile claim totals against line items and flag drift",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			statuses, _ := cmd.Flags().GetStringSlice("status")
			limit, _ := cmd.Flags().GetInt("limit")
			workers, _ := cmd.Flags().GetInt("workers")
			if all == (len(args) == 1) {
				return fmt.Errorf("pass either a claim id or --all")
			}

			return withApp(cmd.Context(), func(a *app.App) error {
				if len(args) == 1 {
					res, err := a.Claims.Audit(cmd.Context(), args[0])
					if err != nil {
						return err
					}
					return printJSON(res)
				}

				filter := claim.ListFilter{Limit: limit}
				for _, s := range statuses {
					filter.Statuses = append(filter.Statuses, claim.Status(s))
				}
				if workers <= 0 {
					workers = a.Config.AuditWorkers
				}
				start := time.Now()
				report, err := a.Claims.AuditAll(cmd.Context(), filter, workers)
				if err != nil {
					return err
				}
				a.Logger.Info("audit finished",
					zap.Int("checked", report.Checked),
					zap.Int("flagged", len(report.Flagged)),
					zap.Int("failed", len(report.Failed)),
					zap.Duration("took", time.Since(start)))
				return printJSON(report)
			})
		},
	}
	cmd.Flags().Bool("all", false, "Audit every claim matching the filters")
	cmd.Flags().StringSlice("status", nil, "Only audit claims in these statuses")
	cmd.Flags().Int("limit", 0, "Audit at most this many claims")
	cmd.Flags().Int("workers", 0, "Concurrent audits (default AUDIT_WORKERS)")
	return cmd
}

func repairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repair <claim-id>",
		Short: "Recompute a flagged claim's totals from its line items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, _ := cmd.Flags().GetString("actor")
			if actor == "" {
				return fmt.Errorf("--actor is required")
			}
			return withApp(cmd.Context(), func(a *app.App) error {
				before, after, err := a.Claims.Repair(cmd.Context(), args[0], actor)
				if err != nil {
					return err
				}
				return printJSON(map[string]claim.Totals{"before": before, "after": after})
			})
		},
	}
	cmd.Flags().String("actor", "", "Who authorised the repair")
	return cmd
}

func batchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Act on claim batches",
	}

	action := func(use, short string, run func(ctx context.Context, a *app.App, id, actor string) (any, error)) *cobra.Command {
		c := &cobra.Command{
			Use:   use + " <batch-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				actor, _ := cmd.Flags().GetString("actor")
				return withApp(cmd.Context(), func(a *app.App) error {
					out, err := run(cmd.Context(), a, args[0], actor)
					if out != nil {
						if perr := printJSON(out); perr != nil {
							return perr
						}
					}
					return err
				})
			},
		}
		c.Flags().String("actor", "claimsctl", "Recorded as the actor")
		return c
	}

	cmd.AddCommand(action("show", "Show a batch", func(ctx context.Context, a *app.App, id, _ string) (any, error) {
		b, err := a.Batches.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return b.Snapshot(), nil
	}))
	cmd.AddCommand(action("finalize", "Close a draft batch to changes", func(ctx context.Context, a *app.App, id, actor string) (any, error) {
		b, err := a.Batches.Finalize(ctx, id, actor)
		if err != nil {
			return nil, err
		}
		return b.Snapshot(), nil
	}))
	cmd.AddCommand(action("submit", "Submit a finalized batch and its vetted claims", func(ctx context.Context, a *app.App, id, actor string) (any, error) {
		b, err := a.Batches.Submit(ctx, id, actor)
		if b == nil {
			return nil, err
		}
		return b.Snapshot(), err
	}))
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show outbox and inbox backlog",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(a *app.App) error {
				if err := needPool(a); err != nil {
					return err
				}
				outbox, err := postgres.NewOutbox(a.Pool, nil, postgres.DefaultOutboxConfig(), a.Logger).GetStats(cmd.Context())
				if err != nil {
					return err
				}
				inbox, err := idempotency.NewInbox(idempotency.NewPGStore(a.Pool), idempotency.DefaultInboxConfig(), a.Logger).GetStats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"outbox": outbox, "inbox": inbox})
			})
		},
	}
}
