// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"fmt"
)

// Info is a debugging snapshot of the database.
type Info struct {
	Path      string         `json:"path" yaml:"path"`
	Version   int            `json:"version" yaml:"version"`
	Tables    map[string]int `json:"tables" yaml:"tables"`
	SizeBytes int64          `json:"size_bytes" yaml:"size_bytes"`
}

// exportTables are the domain tables included in Export and wiped by Clear,
// children before parents.
var exportTables = []string{
	"movimentacoes_materiais", "checklist_qualidade", "custos", "documentos",
	"diarios", "tarefas", "cronograma", "materiais", "equipe_obras",
	"obras", "convites_tenant", "usuarios",
}

// TableExists reports whether a table named name exists.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	rows, err := s.Select(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// CountRecords returns the row count of table, or 0 when it does not exist.
func (s *Store) CountRecords(ctx context.Context, table string) (int, error) {
	if !validIdent(table) {
		return 0, fmt.Errorf("invalid table name %q", table)
	}
	ok, err := s.TableExists(ctx, table)
	if err != nil || !ok {
		return 0, err
	}
	rows, err := s.Select(ctx, fmt.Sprintf(`SELECT COUNT(*) AS count FROM %s`, table))
	if err != nil {
		return 0, err
	}
	return int(rows[0].Int64("count")), nil
}

// ListTables returns user table names in alphabetical order.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.Select(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(rows))
	for _, r := range rows {
		names = append(names, r.String("name"))
	}
	return names, nil
}

// Info returns the schema version, per-table row counts and file size.
func (s *Store) Info(ctx context.Context) (Info, error) {
	info := Info{Path: s.path, Tables: make(map[string]int)}

	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return info, err
	}
	info.Version = v

	tables, err := s.ListTables(ctx)
	if err != nil {
		return info, err
	}
	for _, t := range tables {
		n, err := s.CountRecords(ctx, t)
		if err != nil {
			return info, err
		}
		info.Tables[t] = n
	}

	rows, err := s.Select(ctx, `SELECT page_count * page_size AS size FROM pragma_page_count(), pragma_page_size()`)
	if err != nil {
		return info, err
	}
	info.SizeBytes = rows[0].Int64("size")
	return info, nil
}

// Export dumps every domain table. A table that cannot be read is logged and
// exported empty.
func (s *Store) Export(ctx context.Context) (map[string][]Row, error) {
	out := make(map[string][]Row, len(exportTables))
	for _, t := range exportTables {
		rows, err := s.Select(ctx, fmt.Sprintf(`SELECT * FROM %s`, t))
		if err != nil {
			s.logger.Warn("failed to export table", "table", t, "error", err)
			out[t] = []Row{}
			continue
		}
		if rows == nil {
			rows = []Row{}
		}
		out[t] = rows
	}
	return out, nil
}

// Clear deletes all domain rows and the sync queue while keeping tenants and
// the schema. Capture triggers are suppressed so nothing is re-queued.
func (s *Store) Clear(ctx context.Context) error {
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.SetApplyMode(ctx, true); err != nil {
			return err
		}
		for _, t := range append(append([]string(nil), exportTables...), "sync_queue") {
			if _, err := tx.Execute(ctx, fmt.Sprintf(`DELETE FROM %s`, t)); err != nil {
				return err
			}
		}
		return tx.SetApplyMode(ctx, false)
	})
	if err != nil {
		return fmt.Errorf("failed to clear database: %w", err)
	}
	s.logger.Info("database cleared", "path", s.path)
	return nil
}
