// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
)

// ColumnInfo describes one column as reported by PRAGMA table_info.
type ColumnInfo struct {
	Name         string
	DeclaredType string
	IsPrimaryKey bool
	NotNull      bool
	DefaultValue *string
}

// TableInfo is the cached shape of a table.
type TableInfo struct {
	Table   string
	Columns []ColumnInfo
	byName  map[string]ColumnInfo
}

// Has reports whether the table has the column (case-insensitive).
func (t *TableInfo) Has(column string) bool {
	_, ok := t.byName[strings.ToLower(column)]
	return ok
}

// ColumnNames returns column names in declaration order.
func (t *TableInfo) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return names
}

// TableInfoProvider caches table shapes. Entries are dropped with Invalidate
// after DDL runs.
type TableInfoProvider struct {
	cache map[string]*TableInfo
	mu    sync.RWMutex
}

// NewTableInfoProvider creates an empty provider.
func NewTableInfoProvider() *TableInfoProvider {
	return &TableInfoProvider{cache: make(map[string]*TableInfo)}
}

// Get returns the table's shape, reading PRAGMA table_info on a cache miss.
// A table that does not exist yields an error rather than an empty shape.
func (p *TableInfoProvider) Get(ctx context.Context, q querier, table string) (*TableInfo, error) {
	key := strings.ToLower(table)
	if !validIdent(key) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	p.mu.RLock()
	if info, ok := p.cache[key]; ok {
		p.mu.RUnlock()
		return info, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if info, ok := p.cache[key]; ok {
		return info, nil
	}

	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", key))
	if err != nil {
		return nil, fmt.Errorf("failed to get table info for %s: %w", table, err)
	}
	defer rows.Close()

	info := &TableInfo{Table: key, byName: make(map[string]ColumnInfo)}
	for rows.Next() {
		var (
			cid          int
			name, declTy string
			notNull, pk  int
			defaultValue sql.NullString
		)
		if err := rows.Scan(&cid, &name, &declTy, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		col := ColumnInfo{
			Name:         name,
			DeclaredType: declTy,
			IsPrimaryKey: pk > 0,
			NotNull:      notNull == 1,
		}
		if defaultValue.Valid {
			v := defaultValue.String
			col.DefaultValue = &v
		}
		info.Columns = append(info.Columns, col)
		info.byName[strings.ToLower(name)] = col
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	p.cache[key] = info
	return info, nil
}

// Invalidate drops every cached entry.
func (p *TableInfoProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache = make(map[string]*TableInfo)
}

// TableInfo returns the cached shape of a table.
func (s *Store) TableInfo(ctx context.Context, table string) (*TableInfo, error) {
	return s.tables.Get(ctx, s.db, table)
}
