package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"tenant-admin/internal/audit"
	"tenant-admin/internal/backup"
	"tenant-admin/internal/maintenance"
	"tenant-admin/internal/model"
)

// withApp runs fn against a bootstrapped app without the message queue.
func withApp(cmd *cobra.Command, cfgPath string, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := bootstrap(ctx, cfgPath, false)
	if err != nil {
		return err
	}
	runErr := fn(audit.WithActor(ctx, cliActor()), a)
	if err := a.close(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func cliActor() model.Actor {
	return model.Actor{UserID: os.Getenv("USER"), UserAgent: "tenant-admin-cli"}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newBackupCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, list and restore tenant database backups",
	}

	var kind string
	create := &cobra.Command{
		Use:   "create <tenant-slug>",
		Short: "Dump a tenant database and record the backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				sc, err := a.scope(ctx, args[0])
				if err != nil {
					return err
				}
				b, err := a.backups.Create(ctx, backup.CreateRequest{
					TenantID: sc.Tenant.ID,
					Actor:    cliActor(),
					Kind:     model.BackupKind(kind),
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", b.ID, b.FileName, humanize.Bytes(uint64(b.FileSize)))
				return nil
			})
		},
	}
	create.Flags().StringVar(&kind, "kind", string(model.BackupManual), "manual or scheduled")

	var tenantSlug string
	list := &cobra.Command{
		Use:   "list",
		Short: "List recorded backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				var tenantID *uuid.UUID
				if tenantSlug != "" {
					sc, err := a.scope(ctx, tenantSlug)
					if err != nil {
						return err
					}
					tenantID = &sc.Tenant.ID
				}
				backups, err := a.backups.List(ctx, tenantID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), backups)
			})
		},
	}
	list.Flags().StringVar(&tenantSlug, "tenant", "", "only list backups of this tenant")

	restore := &cobra.Command{
		Use:   "restore <backup-id>",
		Short: "Restore a completed backup over its tenant database",
		Long: `Restore takes a safety backup of the tenant database first and
aborts if that fails. The safety backup is kept whatever the outcome.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid backup id: %w", err)
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				res, err := a.backups.Restore(ctx, backup.RestoreRequest{BackupID: id, Actor: cliActor()})
				if res != nil {
					if perr := printJSON(cmd.OutOrStdout(), res); perr != nil && err == nil {
						err = perr
					}
				}
				return err
			})
		},
	}

	cmd.AddCommand(create, list, restore)
	return cmd
}

func newMaintenanceCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Inspect and maintain a tenant database",
	}

	stats := &cobra.Command{
		Use:   "stats <tenant-slug>",
		Short: "Print database size and per-table statistics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				sc, err := a.scope(ctx, args[0])
				if err != nil {
					return err
				}
				st, err := a.maintenance.Stats(ctx, sc.DB)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), st)
			})
		},
	}

	var opts maintenance.VacuumOptions
	vacuum := &cobra.Command{
		Use:   "vacuum <tenant-slug> [table...]",
		Short: "VACUUM the whole database or the named tables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Tables = args[1:]
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				sc, err := a.scope(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := a.maintenance.Vacuum(ctx, sc, opts)
				return report(cmd.OutOrStdout(), res, err)
			})
		},
	}
	vacuum.Flags().BoolVar(&opts.Full, "full", false, "run VACUUM FULL")
	vacuum.Flags().BoolVar(&opts.Analyze, "analyze", true, "also update planner statistics")

	reindex := &cobra.Command{
		Use:   "reindex <tenant-slug> [table...]",
		Short: "Rebuild indexes of the whole database or the named tables",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				sc, err := a.scope(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := a.maintenance.Reindex(ctx, sc, args[1:])
				return report(cmd.OutOrStdout(), res, err)
			})
		},
	}

	cmd.AddCommand(stats, vacuum, reindex)
	return cmd
}

func newTenantCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "List, register and suspend tenants",
	}

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tenants ordered by slug",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				tenants, err := a.store.ListTenants(ctx, model.TenantStatus(status))
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), tenants)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "only list tenants in this status")

	var t model.Tenant
	var subdomain, domain string
	create := &cobra.Command{
		Use:   "create <slug>",
		Short: "Register a tenant whose database already exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t.Slug = args[0]
			if t.Name == "" {
				t.Name = t.Slug
			}
			if t.DatabaseName == "" {
				t.DatabaseName = "tenant_" + t.Slug
			}
			if subdomain != "" {
				t.Subdomain = &subdomain
			}
			if domain != "" {
				t.CustomDomain = &domain
			}
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				if err := a.store.CreateTenant(ctx, &t); err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), t)
			})
		},
	}
	create.Flags().StringVar(&t.Name, "name", "", "display name (defaults to the slug)")
	create.Flags().StringVar(&t.DatabaseName, "database", "", "database name (defaults to tenant_<slug>)")
	create.Flags().StringVar(&subdomain, "subdomain", "", "subdomain routed to this tenant")
	create.Flags().StringVar(&domain, "domain", "", "custom domain routed to this tenant")

	setStatus := &cobra.Command{
		Use:   "status <slug> <active|inactive|suspended>",
		Short: "Change a tenant's status and flush the resolver cache",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				updated, err := a.resolver.SetStatus(ctx, a.store, args[0], model.TenantStatus(args[1]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", updated.Slug, updated.Status)
				return nil
			})
		},
	}

	pools := &cobra.Command{
		Use:   "pools <slug>...",
		Short: "Connect to tenant databases and print pool statistics",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *cfgPath, func(ctx context.Context, a *app) error {
				for _, slug := range args {
					if _, err := a.scope(ctx, slug); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), a.pools.Stats())
			})
		},
	}

	cmd.AddCommand(list, create, setStatus, pools)
	return cmd
}

func report(w io.Writer, res *maintenance.Result, err error) error {
	if res != nil {
		if perr := printJSON(w, res); perr != nil && err == nil {
			return perr
		}
	}
	return err
}
