// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrTenantMismatch is returned when values name a tenant other than the scope's.
	ErrTenantMismatch = errors.New("tenant_id does not match the active tenant")
	// ErrNotTenantTable is returned for tables outside the tenant registry.
	ErrNotTenantTable = errors.New("table is not tenant scoped")
)

// Values maps column names to values for Insert and Update.
type Values map[string]any

// Filter narrows a scoped Select. Where is an SQL fragment that is always
// ANDed after the tenant predicate.
type Filter struct {
	Where           string
	Args            []any
	OrderBy         string
	Limit           int
	IncludeInactive bool
}

var orderByRe = regexp.MustCompile(`^\s*[A-Za-z_][A-Za-z0-9_]*(\s+(?i:asc|desc))?(\s*,\s*[A-Za-z_][A-Za-z0-9_]*(\s+(?i:asc|desc))?)*\s*$`)

// tenantTables are the tables a Scope may touch: every captured table that
// carries a tenant_id column.
var tenantTables = func() map[string]SyncTable {
	m := make(map[string]SyncTable)
	for _, t := range SyncTables {
		if t.tenant() == "tenant_id" {
			m[t.Name] = t
		}
	}
	return m
}()

// Scope is a tenant-bound view of the store. Every statement it issues
// carries the tenant_id predicate, so callers cannot forget it.
type Scope struct {
	store    *Store
	q        querier
	tenantID string
}

// ForTenant returns a scope bound to tenantID.
func (s *Store) ForTenant(tenantID string) (*Scope, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("tenant id cannot be empty")
	}
	return &Scope{store: s, q: s.db, tenantID: tenantID}, nil
}

// TenantID returns the bound tenant.
func (sc *Scope) TenantID() string { return sc.tenantID }

// Store returns the underlying store.
func (sc *Scope) Store() *Store { return sc.store }

// InTx returns a copy of the scope that runs inside tx.
func (sc *Scope) InTx(tx *Tx) *Scope {
	return &Scope{store: sc.store, q: tx.tx, tenantID: sc.tenantID}
}

func (sc *Scope) table(ctx context.Context, name string) (SyncTable, *TableInfo, error) {
	t, ok := tenantTables[name]
	if !ok {
		return SyncTable{}, nil, fmt.Errorf("%s: %w", name, ErrNotTenantTable)
	}
	info, err := sc.store.tables.Get(ctx, sc.q, name)
	if err != nil {
		return SyncTable{}, nil, err
	}
	return t, info, nil
}

// Select returns the tenant's rows of table. Soft-deleted rows are excluded
// unless f.IncludeInactive is set.
func (sc *Scope) Select(ctx context.Context, table string, f Filter) ([]Row, error) {
	_, info, err := sc.table(ctx, table)
	if err != nil {
		return nil, err
	}

	// The tenant predicate lives in an inner select so nothing in f.Where
	// can widen it.
	var b strings.Builder
	args := []any{sc.tenantID}
	fmt.Fprintf(&b, "SELECT * FROM (SELECT * FROM %s WHERE tenant_id = ?", table)
	if info.Has("is_active") && !f.IncludeInactive {
		b.WriteString(" AND is_active = 1")
	}
	b.WriteString(") AS scoped")
	if strings.TrimSpace(f.Where) != "" {
		if err := checkFragment(f.Where); err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, " WHERE (%s)", f.Where)
		args = append(args, f.Args...)
	}
	if f.OrderBy != "" {
		if !orderByRe.MatchString(f.OrderBy) {
			return nil, fmt.Errorf("invalid order by %q", f.OrderBy)
		}
		fmt.Fprintf(&b, " ORDER BY %s", f.OrderBy)
	} else {
		b.WriteString(" ORDER BY id")
	}
	if f.Limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", f.Limit)
	}
	return selectOn(ctx, sc.q, b.String(), args)
}

// checkFragment rejects where fragments that could close the surrounding
// parenthesis or end the statement.
func checkFragment(where string) error {
	depth := 0
	quoted := false
	for i := 0; i < len(where); i++ {
		c := where[i]
		if quoted {
			if c == '\'' {
				quoted = false
			}
			continue
		}
		switch c {
		case '\'':
			quoted = true
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return fmt.Errorf("invalid where %q: unbalanced parentheses", where)
			}
		case ';':
			return fmt.Errorf("invalid where %q: multiple statements", where)
		case '-', '/':
			if rest := where[i:]; strings.HasPrefix(rest, "--") || strings.HasPrefix(rest, "/*") {
				return fmt.Errorf("invalid where %q: comments are not allowed", where)
			}
		}
	}
	if quoted || depth != 0 {
		return fmt.Errorf("invalid where %q: unbalanced fragment", where)
	}
	return nil
}

// Get returns the active row of table identified by id (its uuid).
func (sc *Scope) Get(ctx context.Context, table, id string) (Row, error) {
	t, _, err := sc.table(ctx, table)
	if err != nil {
		return nil, err
	}
	rows, err := sc.Select(ctx, table, Filter{Where: t.key() + " = ?", Args: []any{id}, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return rows[0], nil
}

// Insert adds a row owned by the scope's tenant and returns its uuid. A uuid
// is generated when missing; created_at/updated_at default to now.
func (sc *Scope) Insert(ctx context.Context, table string, v Values) (string, error) {
	t, info, err := sc.table(ctx, table)
	if err != nil {
		return "", err
	}

	row := make(Values, len(v)+4)
	for k, val := range v {
		row[strings.ToLower(k)] = val
	}
	if tid, ok := row["tenant_id"]; ok && tid != sc.tenantID {
		return "", ErrTenantMismatch
	}
	row["tenant_id"] = sc.tenantID

	key := t.key()
	if s, _ := row[key].(string); s == "" {
		row[key] = uuid.NewString()
	}
	now := FormatTime(sc.store.now())
	for _, col := range []string{"created_at", "updated_at"} {
		if _, ok := row[col]; !ok && info.Has(col) {
			row[col] = now
		}
	}

	cols, args, err := sortedColumns(info, row)
	if err != nil {
		return "", err
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
	if _, err := execOn(ctx, sc.q, query, args); err != nil {
		return "", err
	}
	return row[key].(string), nil
}

// Update changes columns of the tenant's row id. updated_at is refreshed.
func (sc *Scope) Update(ctx context.Context, table, id string, v Values) error {
	t, info, err := sc.table(ctx, table)
	if err != nil {
		return err
	}

	row := make(Values, len(v)+1)
	for k, val := range v {
		k = strings.ToLower(k)
		switch k {
		case "tenant_id":
			if val != sc.tenantID {
				return ErrTenantMismatch
			}
			continue
		case "id", t.key():
			return fmt.Errorf("column %s cannot be updated", k)
		}
		row[k] = val
	}
	if len(row) == 0 {
		return nil
	}
	if _, ok := row["updated_at"]; !ok && info.Has("updated_at") {
		row["updated_at"] = FormatTime(sc.store.now())
	}

	cols, args, err := sortedColumns(info, row)
	if err != nil {
		return err
	}
	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = ?"
	}
	query := fmt.Sprintf("UPDATE %s SET %s WHERE tenant_id = ? AND %s = ?", table, strings.Join(sets, ", "), t.key())
	res, err := execOn(ctx, sc.q, query, append(args, sc.tenantID, id))
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

// SoftDelete sets is_active = 0 on the tenant's row id.
func (sc *Scope) SoftDelete(ctx context.Context, table, id string) error {
	_, info, err := sc.table(ctx, table)
	if err != nil {
		return err
	}
	if !info.Has("is_active") {
		return fmt.Errorf("table %s has no is_active column", table)
	}
	return sc.Update(ctx, table, id, Values{"is_active": 0})
}

// Delete removes the tenant's row id.
func (sc *Scope) Delete(ctx context.Context, table, id string) error {
	t, _, err := sc.table(ctx, table)
	if err != nil {
		return err
	}
	res, err := execOn(ctx, sc.q,
		fmt.Sprintf("DELETE FROM %s WHERE tenant_id = ? AND %s = ?", table, t.key()),
		[]any{sc.tenantID, id})
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return nil
}

// Count returns the number of active rows of table for the tenant.
func (sc *Scope) Count(ctx context.Context, table string) (int, error) {
	_, info, err := sc.table(ctx, table)
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("SELECT COUNT(*) AS count FROM %s WHERE tenant_id = ?", table)
	if info.Has("is_active") {
		query += " AND is_active = 1"
	}
	rows, err := selectOn(ctx, sc.q, query, []any{sc.tenantID})
	if err != nil {
		return 0, err
	}
	return int(rows[0].Int64("count")), nil
}

func sortedColumns(info *TableInfo, row Values) ([]string, []any, error) {
	cols := make([]string, 0, len(row))
	for k := range row {
		if !validIdent(k) || !info.Has(k) {
			return nil, nil, fmt.Errorf("unknown column %s.%s", info.Table, k)
		}
		cols = append(cols, k)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = bindValue(row[c])
	}
	return cols, args, nil
}

// bindValue keeps timestamps in TimeLayout so text comparison stays valid.
func bindValue(v any) any {
	switch t := v.(type) {
	case time.Time:
		return FormatTime(t)
	case *time.Time:
		if t == nil {
			return nil
		}
		return FormatTime(*t)
	case bool:
		if t {
			return 1
		}
		return 0
	default:
		return v
	}
}
