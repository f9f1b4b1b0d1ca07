// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Deijai/innoma-obras/internal/app"
	"github.com/Deijai/innoma-obras/internal/auth"
	"github.com/Deijai/innoma-obras/internal/simulator"
	"github.com/Deijai/innoma-obras/obrasqlite"
	"github.com/Deijai/innoma-obras/obrasync"
	"github.com/Deijai/innoma-obras/securestore"
)

func newMigrateCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the local database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := obrasqlite.Open(ctx, e.cfg.DB.Path, obrasqlite.WithLogger(e.logging.Logger))
			if err != nil {
				return err
			}
			defer store.Close()

			res, err := store.Migrate(ctx, obrasqlite.Migrations())
			if err != nil {
				return err
			}
			err = e.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "schema version %d -> %d\n", res.From, res.To)
				fmt.Fprintf(w, "applied: %v\n", res.Applied)
				for _, f := range res.Failed {
					fmt.Fprintf(w, "failed: v%d %s: %v\n", f.Version, f.Name, f.Err)
				}
			})
			if err != nil {
				return err
			}
			if !res.OK() {
				return fmt.Errorf("%d migration statements failed", len(res.Failed))
			}
			return nil
		},
	}
}

func newInfoCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show database location, schema version and row counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := obrasqlite.Open(ctx, e.cfg.DB.Path, obrasqlite.WithLogger(e.logging.Logger))
			if err != nil {
				return err
			}
			defer store.Close()

			info, err := store.Info(ctx)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), info, func(w io.Writer) {
				fmt.Fprintf(w, "path:    %s\n", info.Path)
				fmt.Fprintf(w, "version: %d\n", info.Version)
				fmt.Fprintf(w, "size:    %d bytes\n", info.SizeBytes)
				names := make([]string, 0, len(info.Tables))
				for t := range info.Tables {
					names = append(names, t)
				}
				sort.Strings(names)
				for _, t := range names {
					fmt.Fprintf(w, "  %-24s %d\n", t, info.Tables[t])
				}
			})
		},
	}
}

func newExportCommand(e *env) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Dump every domain table as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := obrasqlite.Open(ctx, e.cfg.DB.Path, obrasqlite.WithLogger(e.logging.Logger))
			if err != nil {
				return err
			}
			defer store.Close()

			dump, err := store.Export(ctx)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if file != "" {
				f, err := os.Create(file)
				if err != nil {
					return fmt.Errorf("failed to create export file: %w", err)
				}
				defer f.Close()
				w = f
			}
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(dump)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "write to file instead of stdout")
	return cmd
}

func printStatus(w io.Writer, st obrasync.Status) {
	online := "offline"
	if st.IsOnline {
		online = "online"
	}
	fmt.Fprintf(w, "network:   %s\n", online)
	fmt.Fprintf(w, "pending:   %d\n", st.PendingItems)
	if st.LastSync != nil {
		fmt.Fprintf(w, "last sync: %s\n", st.LastSync.Local().Format(time.DateTime))
	} else {
		fmt.Fprintln(w, "last sync: never")
	}
	if st.Delivered+st.Deferred+st.Failed+st.Evicted+st.Skipped > 0 {
		fmt.Fprintf(w, "batch:     delivered=%d deferred=%d failed=%d evicted=%d skipped=%d\n",
			st.Delivered, st.Deferred, st.Failed, st.Evicted, st.Skipped)
	}
	for _, msg := range st.Errors {
		fmt.Fprintf(w, "error:     %s\n", msg)
	}
}

func newStatusCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity and sync queue state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := e.openApp(ctx, app.Options{})
			if err != nil {
				return err
			}
			defer a.Shutdown(ctx)

			st := a.Engine.Status(ctx)
			return e.print(cmd.OutOrStdout(), st, func(w io.Writer) { printStatus(w, st) })
		},
	}
}

func newSyncCommand(e *env) *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver pending changes now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := e.openApp(ctx, app.Options{})
			if err != nil {
				return err
			}
			defer a.Shutdown(ctx)

			var st obrasync.Status
			if table != "" {
				if st, err = a.Engine.ForceSyncTable(ctx, table); err != nil {
					return err
				}
			} else {
				st = a.Engine.PerformSync(ctx)
			}
			return e.print(cmd.OutOrStdout(), st, func(w io.Writer) { printStatus(w, st) })
		},
	}
	cmd.Flags().StringVarP(&table, "table", "t", "", "only sync this table")
	return cmd
}

func newCleanupCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove delivered and poisoned queue entries past retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, err := obrasqlite.Open(ctx, e.cfg.DB.Path, obrasqlite.WithLogger(e.logging.Logger))
			if err != nil {
				return err
			}
			defer store.Close()

			q := obrasqlite.NewQueue(store, obrasqlite.QueueConfig{
				PoisonThreshold: e.cfg.Sync.PoisonThreshold,
				Retention:       e.cfg.Sync.Retention,
				RetryDelay:      e.cfg.Sync.RetryDelay,
				MaxRetryDelay:   e.cfg.Sync.MaxRetryDelay,
			})
			res, err := q.Cleanup(ctx)
			if err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				fmt.Fprintf(w, "removed %d delivered and %d poisoned entries\n", res.Expired, res.Poisoned)
			})
		},
	}
}

type loginResult struct {
	UserID   string `json:"user_id,omitempty" yaml:"user_id,omitempty"`
	TenantID string `json:"tenant_id" yaml:"tenant_id"`
	Offline  bool   `json:"offline" yaml:"offline"`
}

func newLoginCommand(e *env) *cobra.Command {
	var token, email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Save the backend token, or sign in offline with saved credentials",
		Long: `With --token the backend token is saved in the secure store; adding
--email and --password also keeps a salted hash of them so the same user can
sign in while the device has no connectivity. Without --token, --email and
--password are checked against that hash, which is only allowed offline.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if token == "" && (email == "" || password == "") {
				return fmt.Errorf("either --token or --email and --password are required")
			}
			a, err := e.openApp(ctx, app.Options{})
			if err != nil {
				return err
			}
			defer a.Shutdown(ctx)

			var res loginResult
			if token != "" {
				id, err := auth.ParseIdentity(token)
				if err != nil {
					return err
				}
				if err := a.Secure.Set(ctx, securestore.KeyAuthToken, token); err != nil {
					return err
				}
				if email != "" && password != "" {
					if err := a.Credentials.Save(ctx, id.TenantID, email, password); err != nil {
						return err
					}
				}
				res = loginResult{UserID: id.UserID, TenantID: id.TenantID}
			} else {
				if a.Monitor.IsInternetReachable(ctx) {
					return fmt.Errorf("device is online: sign in with a --token issued by the backend")
				}
				tenantID, err := a.Credentials.Verify(ctx, email, password)
				if err != nil {
					return err
				}
				res = loginResult{TenantID: tenantID, Offline: true}
			}
			if err := a.Secure.Set(ctx, securestore.KeyCurrentTenantID, res.TenantID); err != nil {
				return err
			}
			return e.print(cmd.OutOrStdout(), res, func(w io.Writer) {
				if res.Offline {
					fmt.Fprintf(w, "signed in offline (tenant %s)\n", res.TenantID)
					return
				}
				fmt.Fprintf(w, "signed in as %s (tenant %s)\n", res.UserID, res.TenantID)
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "JWT issued by the backend")
	cmd.Flags().StringVar(&email, "email", "", "account email, kept for offline sign-in")
	cmd.Flags().StringVar(&password, "password", "", "account password, kept only as an argon2id hash")
	return cmd
}

func newLogoutCommand(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget saved credentials and tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := app.New(ctx, e.cfg, app.Options{Logger: e.logging.Logger})
			if err != nil {
				return err
			}
			defer a.Store.Close()
			if err := securestore.ClearKnown(ctx, a.Secure); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func newSimulateCommand(e *env) *cobra.Command {
	var opts simulator.Options
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay an offline work session against an in-process backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.Logger = e.logging.Logger
			report, err := simulator.Run(cmd.Context(), opts)
			if perr := e.print(cmd.OutOrStdout(), report, func(w io.Writer) {
				fmt.Fprintf(w, "queued offline:   %d\n", report.Queued)
				fmt.Fprintf(w, "sent offline:     %d\n", report.OfflineRequests)
				fmt.Fprintf(w, "delivered online: %d\n", report.Delivered)
				fmt.Fprintf(w, "pending:          %d\n", report.Pending)
				fmt.Fprintf(w, "in order:         %t\n", report.InOrder)
				for _, r := range report.Requests {
					fmt.Fprintf(w, "  %-6s %s\n", r.Method, r.Path)
				}
			}); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().IntVar(&opts.Projects, "projects", 3, "projects to create while offline")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "how long to wait for the queue to drain")
	return cmd
}
