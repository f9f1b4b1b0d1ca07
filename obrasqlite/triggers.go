// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
)

// SyncTable describes a table whose mutations are captured into sync_queue.
type SyncTable struct {
	Name string
	// KeyColumn identifies the record remotely ("uuid" unless stated).
	KeyColumn string
	// TenantColumn holds the owning tenant; for tenants itself it is the key.
	TenantColumn string
}

// SyncTables lists every captured table in parent-before-child order.
var SyncTables = []SyncTable{
	{Name: "tenants", KeyColumn: "id", TenantColumn: "id"},
	{Name: "usuarios"},
	{Name: "convites_tenant"},
	{Name: "obras"},
	{Name: "equipe_obras"},
	{Name: "cronograma"},
	{Name: "tarefas"},
	{Name: "diarios"},
	{Name: "materiais"},
	{Name: "movimentacoes_materiais"},
	{Name: "documentos"},
	{Name: "checklist_qualidade"},
	{Name: "custos"},
}

func (t SyncTable) key() string {
	if t.KeyColumn == "" {
		return "uuid"
	}
	return t.KeyColumn
}

func (t SyncTable) tenant() string {
	if t.TenantColumn == "" {
		return "tenant_id"
	}
	return t.TenantColumn
}

// LookupSyncTable returns the registry entry for name.
func LookupSyncTable(name string) (SyncTable, bool) {
	for _, t := range SyncTables {
		if t.Name == name {
			return t, true
		}
	}
	return SyncTable{}, false
}

type triggerData struct {
	Table      string
	Key        string
	Tenant     string
	NewRowJSON string
	SoftDelete bool
}

const captureGuard = `WHEN COALESCE((SELECT apply_mode FROM sync_state WHERE id = 1), 0) = 0`

const insertCaptureTemplate = `CREATE TRIGGER IF NOT EXISTS trg_{{.Table}}_queue_ai
AFTER INSERT ON {{.Table}}
` + captureGuard + `
BEGIN
	INSERT INTO sync_queue (tenant_id, table_name, record_uuid, operation, data, created_at, sync_attempts)
	VALUES (NEW.{{.Tenant}}, '{{.Table}}', NEW.{{.Key}}, 'INSERT', {{.NewRowJSON}},
		strftime('%Y-%m-%dT%H:%M:%fZ','now'), 0);
END`

// A soft delete (is_active 1 -> 0) is queued as DELETE but keeps the row payload.
const updateCaptureTemplate = `CREATE TRIGGER IF NOT EXISTS trg_{{.Table}}_queue_au
AFTER UPDATE ON {{.Table}}
` + captureGuard + `
BEGIN
	INSERT INTO sync_queue (tenant_id, table_name, record_uuid, operation, data, created_at, sync_attempts)
	VALUES (NEW.{{.Tenant}}, '{{.Table}}', NEW.{{.Key}},
		{{if .SoftDelete}}CASE WHEN COALESCE(OLD.is_active, 1) = 1 AND NEW.is_active = 0 THEN 'DELETE' ELSE 'UPDATE' END{{else}}'UPDATE'{{end}},
		{{.NewRowJSON}},
		strftime('%Y-%m-%dT%H:%M:%fZ','now'), 0);
END`

const deleteCaptureTemplate = `CREATE TRIGGER IF NOT EXISTS trg_{{.Table}}_queue_ad
AFTER DELETE ON {{.Table}}
` + captureGuard + `
BEGIN
	INSERT INTO sync_queue (tenant_id, table_name, record_uuid, operation, data, created_at, sync_attempts)
	VALUES (OLD.{{.Tenant}}, '{{.Table}}', OLD.{{.Key}}, 'DELETE', NULL,
		strftime('%Y-%m-%dT%H:%M:%fZ','now'), 0);
END`

var captureTemplates = []struct {
	suffix string
	tmpl   *template.Template
}{
	{"ai", template.Must(template.New("insert").Parse(insertCaptureTemplate))},
	{"au", template.Must(template.New("update").Parse(updateCaptureTemplate))},
	{"ad", template.Must(template.New("delete").Parse(deleteCaptureTemplate))},
}

// buildJSONObjectExpr renders json_object() over every column of the row
// (prefix is NEW or OLD). synced_at is excluded: it is local bookkeeping.
func buildJSONObjectExpr(info *TableInfo, prefix string) string {
	var pairs []string
	for _, col := range info.Columns {
		name := strings.ToLower(col.Name)
		if name == "synced_at" {
			continue
		}
		if strings.Contains(strings.ToLower(col.DeclaredType), "blob") {
			pairs = append(pairs, fmt.Sprintf("'%s', lower(hex(%s.%s))", name, prefix, col.Name))
			continue
		}
		pairs = append(pairs, fmt.Sprintf("'%s', %s.%s", name, prefix, col.Name))
	}
	return fmt.Sprintf("json_object(%s)", strings.Join(pairs, ", "))
}

// captureTriggerStatements renders DROP/CREATE statements for the AFTER
// INSERT/UPDATE/DELETE triggers that append to sync_queue. Running them in
// the same statement as the mutation makes the queue entry share its fate.
func (s *Store) captureTriggerStatements(ctx context.Context, tables []SyncTable) ([]string, error) {
	var stmts []string
	for _, t := range tables {
		info, err := s.TableInfo(ctx, t.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to get table info for %s: %w", t.Name, err)
		}
		for _, col := range []string{t.key(), t.tenant()} {
			if !info.Has(col) {
				return nil, fmt.Errorf("table %s has no column %s", t.Name, col)
			}
		}

		data := triggerData{
			Table:      t.Name,
			Key:        t.key(),
			Tenant:     t.tenant(),
			NewRowJSON: buildJSONObjectExpr(info, "NEW"),
			SoftDelete: info.Has("is_active"),
		}
		for _, ct := range captureTemplates {
			var buf bytes.Buffer
			if err := ct.tmpl.Execute(&buf, data); err != nil {
				return nil, fmt.Errorf("failed to render %s trigger for %s: %w", ct.suffix, t.Name, err)
			}
			stmts = append(stmts,
				fmt.Sprintf("DROP TRIGGER IF EXISTS trg_%s_queue_%s", t.Name, ct.suffix),
				buf.String())
		}
	}
	return stmts, nil
}

// SetApplyMode toggles trigger suppression inside tx.
func (t *Tx) SetApplyMode(ctx context.Context, on bool) error {
	v := 0
	if on {
		v = 1
	}
	_, err := t.Execute(ctx, `UPDATE sync_state SET apply_mode = ? WHERE id = 1`, v)
	return err
}
