// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_RejectsEmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestOpen_FileDatabaseSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "obras.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	_, err = s.Migrate(ctx, Migrations())
	require.NoError(t, err)
	createTestTenant(t, s, "Persistente")
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.CountRecords(ctx, "tenants")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTransaction_AllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tenant := createTestTenant(t, s, "Construtora Tx")

	results, err := s.Transaction(ctx, []Statement{
		{Query: `INSERT INTO obras (uuid, tenant_id, nome) VALUES (?, ?, ?)`, Args: []any{"o-1", tenant.ID, "Um"}},
		{Query: `INSERT INTO obras (uuid, tenant_id, nome) VALUES (?, ?, ?)`, Args: []any{"o-2", tenant.ID, "Dois"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].RowsAffected)
	assert.Less(t, results[0].LastInsertID, results[1].LastInsertID)

	_, err = s.Transaction(ctx, []Statement{
		{Query: `INSERT INTO obras (uuid, tenant_id, nome) VALUES (?, ?, ?)`, Args: []any{"o-3", tenant.ID, "Três"}},
		{Query: `INSERT INTO obras (uuid, tenant_id, nome) VALUES (?, ?, ?)`, Args: []any{"o-1", tenant.ID, "Duplicada"}},
	})
	require.Error(t, err)
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "execute", qe.Op)
	assert.Equal(t, []any{"o-1", tenant.ID, "Duplicada"}, qe.Args)

	n, err := s.CountRecords(ctx, "obras")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, pendingFor(t, s, "obras", "o-3"))
}

func TestSelect_ReturnsTypedError(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Select(context.Background(), `SELECT * FROM nao_existe WHERE id = ?`, 1)
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "select", qe.Op)
	assert.Contains(t, qe.Error(), "nao_existe")
}

func TestInfoExportClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tenant := createTestTenant(t, s, "Construtora Info")
	scope, err := s.ForTenant(tenant.ID)
	require.NoError(t, err)
	_, err = NewProjects(scope).Create(ctx, NewProject{Name: "Hospital"})
	require.NoError(t, err)

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, info.Version)
	assert.Equal(t, 1, info.Tables["obras"])
	assert.Equal(t, 2, info.Tables["sync_queue"])
	assert.Positive(t, info.SizeBytes)

	tables, err := s.ListTables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "schema_versions")
	assert.Contains(t, tables, "sync_state")

	dump, err := s.Export(ctx)
	require.NoError(t, err)
	require.Len(t, dump["obras"], 1)
	assert.Equal(t, "Hospital", dump["obras"][0].String("nome"))
	assert.NotNil(t, dump["custos"])

	require.NoError(t, s.Clear(ctx))
	for _, table := range []string{"obras", "sync_queue"} {
		n, err := s.CountRecords(ctx, table)
		require.NoError(t, err)
		assert.Zero(t, n, table)
	}
	n, err := s.CountRecords(ctx, "tenants")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.CountRecords(ctx, "obras; DROP TABLE obras")
	assert.Error(t, err)
}

func TestRow_Accessors(t *testing.T) {
	r := Row{"s": "x", "n": int64(3), "f": 2.5, "b": []byte("raw"), "t": "2025-03-10T12:00:00.000Z", "nil": nil}
	assert.Equal(t, "x", r.String("s"))
	assert.Equal(t, "3", r.String("n"))
	assert.Equal(t, "raw", r.String("b"))
	assert.Equal(t, int64(2), r.Int64("f"))
	assert.Equal(t, 3.0, r.Float64("n"))
	assert.True(t, r.Bool("n"))
	assert.Nil(t, r.NullString("nil"))
	assert.Nil(t, r.TimePtr("nil"))
	ts, ok := r.Time("t")
	require.True(t, ok)
	assert.Equal(t, "2025-03-10T12:00:00.000Z", FormatTime(ts))
}
