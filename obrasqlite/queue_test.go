// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueCoupling_EveryMutationQueuesOneItem(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tenant := createTestTenant(t, s, "Construtora Alfa")
	scope, err := s.ForTenant(tenant.ID)
	require.NoError(t, err)

	id, err := scope.Insert(ctx, "obras", Values{"nome": "Residencial Ipê"})
	require.NoError(t, err)

	items := pendingFor(t, s, "obras", id)
	require.Len(t, items, 1)
	assert.Equal(t, OpInsert, items[0].Operation)
	assert.Equal(t, tenant.ID, items[0].TenantID)
	assert.Nil(t, items[0].SyncedAt)
	assert.Equal(t, 0, items[0].Attempts)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(items[0].Payload, &payload))
	assert.Equal(t, "Residencial Ipê", payload["nome"])
	assert.Equal(t, id, payload["uuid"])
	assert.NotContains(t, payload, "synced_at")

	require.NoError(t, scope.Update(ctx, "obras", id, Values{"status": string(ProjectStarted)}))
	items = pendingFor(t, s, "obras", id)
	require.Len(t, items, 2)
	assert.Equal(t, OpUpdate, items[1].Operation)

	require.NoError(t, scope.SoftDelete(ctx, "obras", id))
	items = pendingFor(t, s, "obras", id)
	require.Len(t, items, 3)
	assert.Equal(t, OpDelete, items[2].Operation)
	assert.NotEmpty(t, items[2].Payload)

	require.NoError(t, scope.Delete(ctx, "obras", id))
	items = pendingFor(t, s, "obras", id)
	require.Len(t, items, 4)
	assert.Equal(t, OpDelete, items[3].Operation)
	assert.Nil(t, items[3].Payload)
}

func TestQueueCoupling_RolledBackMutationLeavesNoItem(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tenant := createTestTenant(t, s, "Construtora Beta")
	scope, err := s.ForTenant(tenant.ID)
	require.NoError(t, err)

	var id string
	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = scope.InTx(tx).Insert(ctx, "obras", Values{"nome": "Galpão"})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	assert.Empty(t, pendingFor(t, s, "obras", id))
	_, err = scope.Get(ctx, "obras", id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueueCoupling_FailedStatementQueuesNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	tenant := createTestTenant(t, s, "Construtora Gama")
	scope, err := s.ForTenant(tenant.ID)
	require.NoError(t, err)

	before, err := NewQueue(s, QueueConfig{}).CountPending(ctx)
	require.NoError(t, err)

	_, err = scope.Insert(ctx, "obras", Values{"nome": "Ponte", "status": "demolida"})
	require.Error(t, err)
	var qe *QueryError
	require.ErrorAs(t, err, &qe)
	assert.Contains(t, qe.Query, "INSERT INTO obras")
	assert.NotEmpty(t, qe.Args)

	after, err := NewQueue(s, QueueConfig{}).CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestDequeueBatch_OldestFirstAcrossTables(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, WithClock(clock.Now))
	q := NewQueue(s, QueueConfig{})

	tables := []string{"obras", "tarefas", "diarios", "obras", "custos", "tarefas"}
	var ids []int64
	for i, table := range tables {
		id, err := q.Enqueue(ctx, Entry{
			TenantID:   "t1",
			Table:      table,
			RecordUUID: fmt.Sprintf("rec-%d", i),
			Operation:  OpInsert,
			Payload:    map[string]any{"n": i},
		})
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Second)
	}

	// Same timestamp as the last one: ties are broken by id.
	clock.Advance(-time.Second)
	tie, err := q.Enqueue(ctx, Entry{Table: "materiais", RecordUUID: "tie", Operation: OpUpdate})
	require.NoError(t, err)
	ids = append(ids, tie)

	batch, err := q.DequeueBatch(ctx, 50)
	require.NoError(t, err)
	require.Len(t, batch, len(ids))
	for i := range batch {
		assert.Equal(t, ids[i], batch[i].ID)
		if i > 0 {
			assert.False(t, batch[i].CreatedAt.Before(batch[i-1].CreatedAt))
		}
	}

	limited, err := q.DequeueBatch(ctx, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, ids[:2], []int64{limited[0].ID, limited[1].ID})

	require.NoError(t, q.MarkSynced(ctx, ids[0]))
	next, err := q.DequeueBatch(ctx, 1)
	require.NoError(t, err)
	require.Len(t, next, 1)
	assert.Equal(t, ids[1], next[0].ID)

	tarefas, err := q.PendingForTable(ctx, "tarefas", 10)
	require.NoError(t, err)
	require.Len(t, tarefas, 2)
	assert.Equal(t, ids[1], tarefas[0].ID)
	assert.Equal(t, ids[5], tarefas[1].ID)
}

func TestMarkFailed_EvictsAtThreshold(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	q := NewQueue(s, QueueConfig{PoisonThreshold: 3})

	id, err := q.Enqueue(ctx, Entry{Table: "obras", RecordUUID: "x", Operation: OpInsert})
	require.NoError(t, err)

	for i := 1; i < 3; i++ {
		evicted, err := q.MarkFailed(ctx, id, errors.New("422 unprocessable"))
		require.NoError(t, err)
		assert.False(t, evicted)
	}

	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, item.Attempts)
	assert.Equal(t, "422 unprocessable", item.LastError)

	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	evicted, err := q.MarkFailed(ctx, id, errors.New("422 unprocessable"))
	require.NoError(t, err)
	assert.True(t, evicted)

	_, err = q.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	batch, err = q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func TestMarkDeferred_KeepsAttemptsAndBacksOff(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, WithClock(clock.Now))
	q := NewQueue(s, QueueConfig{PoisonThreshold: 1, RetryDelay: 10 * time.Second, MaxRetryDelay: 30 * time.Second})

	id, err := q.Enqueue(ctx, Entry{Table: "obras", RecordUUID: "x", Operation: OpInsert})
	require.NoError(t, err)
	later, err := q.Enqueue(ctx, Entry{Table: "obras", RecordUUID: "x", Operation: OpUpdate})
	require.NoError(t, err)
	other, err := q.Enqueue(ctx, Entry{Table: "obras", RecordUUID: "y", Operation: OpInsert})
	require.NoError(t, err)

	for _, d := range []time.Duration{10 * time.Second, 20 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second} {
		next, err := q.MarkDeferred(ctx, id, errors.New("connection refused"))
		require.NoError(t, err)
		assert.True(t, next.Equal(clock.Now().Add(d)), "want %s, got %s", d, next.Sub(clock.Now()))
	}
	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, item.Attempts)
	assert.Equal(t, 5, item.Deferrals)
	assert.Equal(t, "connection refused", item.LastError)
	assert.True(t, item.Pending())
	require.NotNil(t, item.NextAttemptAt)
	assert.True(t, item.NextAttemptAt.Equal(clock.Now().Add(30*time.Second)))

	// The backing-off item and the later mutation of its record stay out;
	// unrelated work is still handed out.
	batch, err := q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, other, batch[0].ID)
	byTable, err := q.PendingForTable(ctx, "obras", 10)
	require.NoError(t, err)
	require.Len(t, byTable, 1)

	all, err := q.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	n, err := q.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	clock.Advance(30 * time.Second)
	batch, err = q.DequeueBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, []int64{id, later, other}, []int64{batch[0].ID, batch[1].ID, batch[2].ID})

	_, err = q.MarkDeferred(ctx, 9999, errors.New("timeout"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCleanup_RetentionWindow(t *testing.T) {
	ctx := context.Background()
	clock := newTestClock()
	s := newTestStore(t, WithClock(clock.Now))
	q := NewQueue(s, QueueConfig{})

	old, err := q.Enqueue(ctx, Entry{Table: "obras", RecordUUID: "old", Operation: OpInsert})
	require.NoError(t, err)
	recent, err := q.Enqueue(ctx, Entry{Table: "obras", RecordUUID: "recent", Operation: OpInsert})
	require.NoError(t, err)
	pending, err := q.Enqueue(ctx, Entry{Table: "obras", RecordUUID: "pending", Operation: OpInsert})
	require.NoError(t, err)

	require.NoError(t, q.MarkSynced(ctx, old))
	clock.Advance(2 * 24 * time.Hour)
	require.NoError(t, q.MarkSynced(ctx, recent))
	clock.Advance(6 * 24 * time.Hour)

	res, err := q.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Expired)
	assert.Equal(t, int64(0), res.Poisoned)

	_, err = q.Get(ctx, old)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = q.Get(ctx, recent)
	assert.NoError(t, err)
	_, err = q.Get(ctx, pending)
	assert.NoError(t, err)
}

func TestCleanup_RemovesPoisonedLeftovers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	q := NewQueue(s, QueueConfig{PoisonThreshold: 5})

	id, err := q.Enqueue(ctx, Entry{Table: "obras", RecordUUID: "x", Operation: OpInsert})
	require.NoError(t, err)
	_, err = s.Execute(ctx, `UPDATE sync_queue SET sync_attempts = 7 WHERE id = ?`, id)
	require.NoError(t, err)

	res, err := q.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Poisoned)
}

func TestMarkDelivered_StampsRowWithoutRequeue(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	q := NewQueue(s, QueueConfig{})
	tenant := createTestTenant(t, s, "Construtora Delta")
	scope, err := s.ForTenant(tenant.ID)
	require.NoError(t, err)

	id, err := scope.Insert(ctx, "obras", Values{"nome": "Escola"})
	require.NoError(t, err)
	items := pendingFor(t, s, "obras", id)
	require.Len(t, items, 1)

	require.NoError(t, q.MarkDelivered(ctx, items[0]))

	items = pendingFor(t, s, "obras", id)
	require.Len(t, items, 1)
	assert.NotNil(t, items[0].SyncedAt)

	row, err := scope.Get(ctx, "obras", id)
	require.NoError(t, err)
	_, synced := row.Time("synced_at")
	assert.True(t, synced)

	rows, err := s.Select(ctx, `SELECT apply_mode FROM sync_state WHERE id = 1`)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rows[0].Int64("apply_mode"))
}

func TestEnqueue_Validation(t *testing.T) {
	ctx := context.Background()
	q := NewQueue(newTestStore(t), QueueConfig{})

	_, err := q.Enqueue(ctx, Entry{Table: "obras", Operation: OpInsert})
	assert.Error(t, err)
	_, err = q.Enqueue(ctx, Entry{Table: "obras", RecordUUID: "x", Operation: "UPSERT"})
	assert.Error(t, err)

	id, err := q.Enqueue(ctx, Entry{Table: "obras", RecordUUID: "x", Operation: OpUpdate, Payload: json.RawMessage(`{"a":1}`)})
	require.NoError(t, err)
	item, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(item.Payload))
	assert.Empty(t, item.TenantID)
}
