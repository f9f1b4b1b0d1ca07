// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// Migration is one versioned step of the local schema. Statements run in
// order; Build, when set, produces additional statements against the schema
// as it stands after Statements ran (used for generated DDL such as triggers).
type Migration struct {
	Version    int
	Name       string
	Statements []string
	Build      func(ctx context.Context, s *Store) ([]string, error)
}

// MigrationFailure records a migration that did not apply cleanly.
type MigrationFailure struct {
	Version   int
	Name      string
	Statement string
	Err       error
	// Recorded is true when the version was still written to the ledger.
	Recorded bool
}

// MigrationResult summarizes a Migrate run. Whether failures are fatal is the
// caller's decision.
type MigrationResult struct {
	From      int
	To        int
	Applied   []int
	Skipped   []int
	Failed    []MigrationFailure
	Tolerated int
}

// OK reports whether every pending migration applied.
func (r MigrationResult) OK() bool { return len(r.Failed) == 0 }

// EssentialTables must exist for the app to be usable.
var EssentialTables = []string{"tenants", "usuarios", "obras", "tarefas", "diarios", "sync_queue"}

const createLedger = `CREATE TABLE IF NOT EXISTS schema_versions (
	version    INTEGER PRIMARY KEY,
	applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
)`

// Migrate applies every migration newer than the ledger's MAX(version).
// Each statement runs on its own; "already exists" and "duplicate column"
// errors are tolerated so a partially initialized database can be migrated
// again. A migration that fails outright is still recorded (best effort) and
// the run continues with the next one. The returned error is reserved for a
// ledger that cannot be created, read or written.
func (s *Store) Migrate(ctx context.Context, migrations []Migration) (MigrationResult, error) {
	var result MigrationResult

	if _, err := s.db.ExecContext(ctx, createLedger); err != nil {
		return result, fmt.Errorf("failed to create schema_versions: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return result, err
	}
	result.From, result.To = current, current

	ordered := append([]Migration(nil), migrations...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Version < ordered[j].Version })

	for _, m := range ordered {
		if m.Version <= current {
			result.Skipped = append(result.Skipped, m.Version)
			continue
		}

		s.logger.Info("applying migration", "version", m.Version, "name", m.Name)
		failure := s.applyMigration(ctx, m, &result)

		if failure != nil {
			_, recErr := s.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO schema_versions (version, applied_at) VALUES (?, ?)`,
				m.Version, FormatTime(s.now()))
			failure.Recorded = recErr == nil
			s.logger.Error("migration failed",
				"version", m.Version,
				"name", m.Name,
				"statement", compactSQL(failure.Statement),
				"error", failure.Err,
				"recorded", failure.Recorded)
			result.Failed = append(result.Failed, *failure)
		} else {
			if _, err := s.db.ExecContext(ctx,
				`INSERT OR IGNORE INTO schema_versions (version, applied_at) VALUES (?, ?)`,
				m.Version, FormatTime(s.now())); err != nil {
				return result, fmt.Errorf("failed to record migration %d: %w", m.Version, err)
			}
			result.Applied = append(result.Applied, m.Version)
		}
		if m.Version > result.To {
			result.To = m.Version
		}
	}

	s.tables.Invalidate()

	// Capture triggers stay silent while apply_mode is set.
	if ok, _ := s.TableExists(ctx, "sync_state"); ok {
		if _, err := s.db.ExecContext(ctx, `UPDATE sync_state SET apply_mode = 0 WHERE id = 1`); err != nil {
			return result, fmt.Errorf("failed to reset apply_mode: %w", err)
		}
	}
	return result, nil
}

func (s *Store) applyMigration(ctx context.Context, m Migration, result *MigrationResult) *MigrationFailure {
	run := func(stmts []string) *MigrationFailure {
		for _, stmt := range stmts {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				if isBenignDDLError(err) {
					result.Tolerated++
					s.logger.Warn("migration statement skipped",
						"version", m.Version, "statement", compactSQL(stmt), "error", err)
					continue
				}
				return &MigrationFailure{Version: m.Version, Name: m.Name, Statement: stmt, Err: err}
			}
		}
		return nil
	}

	if f := run(m.Statements); f != nil {
		return f
	}
	if m.Build == nil {
		return nil
	}

	s.tables.Invalidate()
	generated, err := m.Build(ctx, s)
	if err != nil {
		return &MigrationFailure{Version: m.Version, Name: m.Name, Err: fmt.Errorf("failed to build statements: %w", err)}
	}
	return run(generated)
}

func isBenignDDLError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column name")
}

// SchemaVersion returns the highest recorded migration version, or 0.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_versions`).Scan(&v); err != nil {
		return 0, fmt.Errorf("failed to read schema version: %w", err)
	}
	return v, nil
}

// VerifyIntegrity returns the essential tables that are missing.
func (s *Store) VerifyIntegrity(ctx context.Context) ([]string, error) {
	var missing []string
	for _, t := range EssentialTables {
		ok, err := s.TableExists(ctx, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Warn("essential table missing", "table", t)
			missing = append(missing, t)
		}
	}
	return missing, nil
}
