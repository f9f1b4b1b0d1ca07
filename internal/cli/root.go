// Package cli implements the obras command line: database maintenance, sync
// inspection and the long-running sync agent.
//
// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Deijai/innoma-obras/internal/app"
	"github.com/Deijai/innoma-obras/internal/config"
	"github.com/Deijai/innoma-obras/netmon"
)

// env is the state shared by every command once flags are parsed.
type env struct {
	configPath string
	output     string

	loader  *config.Loader
	cfg     config.Config
	logging *config.Logging

	// platform replaces host interface polling when set.
	platform netmon.Platform
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	return newRoot(&env{})
}

func newRoot(e *env) *cobra.Command {
	root := &cobra.Command{
		Use:   "obras",
		Short: "Offline-first sync agent for construction site data",
		Long: `obras keeps a local SQLite copy of a company's construction projects,
captures every change in a sync queue and delivers it to the backend once
the device is online.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return e.load(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if e.logging != nil {
				return e.logging.Close()
			}
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&e.configPath, "config", "c", "", "config file (YAML)")
	pf.StringVarP(&e.output, "output", "o", "text", "output format: text, json or yaml")
	pf.String("db", "", "database path")
	pf.String("log-level", "", "log level: debug, info, warn or error")
	pf.String("remote", "", "backend base URL")

	root.AddCommand(
		newMigrateCommand(e),
		newInfoCommand(e),
		newExportCommand(e),
		newStatusCommand(e),
		newSyncCommand(e),
		newCleanupCommand(e),
		newLoginCommand(e),
		newLogoutCommand(e),
		newRunCommand(e),
		newSimulateCommand(e),
	)
	return root
}

var flagKeys = map[string]string{
	"db":        "db.path",
	"log-level": "log.level",
	"remote":    "remote.base_url",
}

func (e *env) load(cmd *cobra.Command) error {
	switch e.output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q", e.output)
	}

	e.loader = config.NewLoader(e.configPath)
	for name, key := range flagKeys {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			if err := e.loader.Viper().BindPFlag(key, f); err != nil {
				return fmt.Errorf("failed to bind flag %s: %w", name, err)
			}
		}
	}
	cfg, err := e.loader.Load()
	if err != nil {
		return err
	}
	e.cfg = cfg

	e.logging, err = config.NewLogging(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	e.loader.SetLogger(e.logging.Logger)
	return nil
}

// openApp builds and initializes the application for one command.
func (e *env) openApp(ctx context.Context, opts app.Options) (*app.App, error) {
	opts.Logger = e.logging.Logger
	if opts.Platform == nil {
		opts.Platform = e.platform
	}
	a, err := app.New(ctx, e.cfg, opts)
	if err != nil {
		return nil, err
	}
	if err := a.Init(ctx); err != nil {
		_ = a.Shutdown(ctx)
		return nil, err
	}
	return a, nil
}

// print renders v in the selected format; text falls back to the
// command-specific renderer.
func (e *env) print(w io.Writer, v any, text func(io.Writer)) error {
	switch e.output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		text(w)
		return nil
	}
}
