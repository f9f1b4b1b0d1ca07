// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Operation is the kind of mutation a queue item carries.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the three queue operations.
func (op Operation) Valid() bool {
	return op == OpInsert || op == OpUpdate || op == OpDelete
}

// Item is one row of sync_queue.
type Item struct {
	ID         int64           `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Table      string          `json:"table_name"`
	RecordUUID string          `json:"record_uuid"`
	Operation  Operation       `json:"operation"`
	Payload    json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	SyncedAt   *time.Time      `json:"synced_at,omitempty"`
	Attempts   int             `json:"sync_attempts"`
	LastError  string          `json:"last_error,omitempty"`
	// NextAttemptAt is set after a transient failure; the item is not
	// handed out again before it.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	Deferrals     int        `json:"deferrals"`
}

// Pending reports whether the item still awaits delivery.
func (it Item) Pending() bool { return it.SyncedAt == nil }

// Entry is the input of Enqueue. Payload may be nil, raw JSON or any value
// that marshals to JSON.
type Entry struct {
	TenantID   string
	Table      string
	RecordUUID string
	Operation  Operation
	Payload    any
}

// QueueConfig holds the eviction policy.
type QueueConfig struct {
	// PoisonThreshold is the number of failed attempts after which an item is
	// evicted from the queue.
	PoisonThreshold int
	// Retention is how long synced items are kept before Cleanup purges them.
	Retention time.Duration
	// RetryDelay is the wait after the first transient failure. It doubles
	// with every further deferral up to MaxRetryDelay.
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
}

// DefaultQueueConfig returns a threshold of 5 attempts, 7 days of retention
// and a transient retry delay growing from 30s to 15m.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		PoisonThreshold: 5,
		Retention:       7 * 24 * time.Hour,
		RetryDelay:      30 * time.Second,
		MaxRetryDelay:   15 * time.Minute,
	}
}

// retryDelay returns the backoff applied after the given number of earlier
// deferrals.
func (c QueueConfig) retryDelay(deferrals int) time.Duration {
	d := c.RetryDelay
	for i := 0; i < deferrals && d < c.MaxRetryDelay; i++ {
		d *= 2
	}
	return min(d, c.MaxRetryDelay)
}

// CleanupResult counts rows removed by Cleanup.
type CleanupResult struct {
	Expired  int64 `json:"expired" yaml:"expired"`
	Poisoned int64 `json:"poisoned" yaml:"poisoned"`
}

// Queue is the durable outbound log of local mutations.
type Queue struct {
	store  *Store
	cfg    QueueConfig
	logger *slog.Logger
}

// NewQueue creates a queue over store. Zero config fields take defaults.
func NewQueue(store *Store, cfg QueueConfig) *Queue {
	def := DefaultQueueConfig()
	if cfg.PoisonThreshold <= 0 {
		cfg.PoisonThreshold = def.PoisonThreshold
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = max(def.MaxRetryDelay, cfg.RetryDelay)
	}
	return &Queue{store: store, cfg: cfg, logger: store.logger}
}

// Config returns the effective policy.
func (q *Queue) Config() QueueConfig { return q.cfg }

const itemColumns = `id, tenant_id, table_name, record_uuid, operation, data, created_at, synced_at, sync_attempts, last_error, next_attempt_at, deferrals`

// dueClause selects pending items whose backoff has elapsed and that no
// earlier, still backing off mutation of the same record precedes. Both
// placeholders take the current time.
const dueClause = `q.synced_at IS NULL
		AND (q.next_attempt_at IS NULL OR q.next_attempt_at <= ?)
		AND NOT EXISTS (
			SELECT 1 FROM sync_queue p
			WHERE p.synced_at IS NULL
				AND p.table_name = q.table_name AND p.record_uuid = q.record_uuid
				AND p.id < q.id AND p.next_attempt_at > ?)`

// Enqueue appends a pending item and returns its id.
func (q *Queue) Enqueue(ctx context.Context, e Entry) (int64, error) {
	var id int64
	err := q.store.WithTx(ctx, func(tx *Tx) error {
		var err error
		id, err = q.EnqueueTx(ctx, tx, e)
		return err
	})
	return id, err
}

// EnqueueTx appends a pending item inside an open transaction.
func (q *Queue) EnqueueTx(ctx context.Context, tx *Tx, e Entry) (int64, error) {
	if e.Table == "" || e.RecordUUID == "" {
		return 0, fmt.Errorf("enqueue requires table and record uuid")
	}
	if !e.Operation.Valid() {
		return 0, fmt.Errorf("invalid operation %q", e.Operation)
	}

	var data any
	switch p := e.Payload.(type) {
	case nil:
	case json.RawMessage:
		data = string(p)
	case []byte:
		data = string(p)
	case string:
		data = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal payload: %w", err)
		}
		data = string(b)
	}

	var tenant any
	if e.TenantID != "" {
		tenant = e.TenantID
	}

	res, err := tx.Execute(ctx, `
		INSERT INTO sync_queue (tenant_id, table_name, record_uuid, operation, data, created_at, sync_attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		tenant, e.Table, e.RecordUUID, string(e.Operation), data, FormatTime(q.store.now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertID, nil
}

// DequeueBatch returns up to limit items that are due for delivery, oldest
// first. Items waiting out a transient-failure backoff are skipped, as are
// later mutations of their records. It does not lock or remove anything;
// the engine settles each item with MarkDelivered, MarkFailed or
// MarkDeferred.
func (q *Queue) DequeueBatch(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := FormatTime(q.store.now())
	rows, err := q.store.Select(ctx, `
		SELECT `+itemColumns+` FROM sync_queue q
		WHERE `+dueClause+`
		ORDER BY q.created_at ASC, q.id ASC
		LIMIT ?`, now, now, limit)
	if err != nil {
		return nil, err
	}
	return scanItems(rows), nil
}

// PendingForTable is DequeueBatch restricted to one table.
func (q *Queue) PendingForTable(ctx context.Context, table string, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := FormatTime(q.store.now())
	rows, err := q.store.Select(ctx, `
		SELECT `+itemColumns+` FROM sync_queue q
		WHERE `+dueClause+` AND q.table_name = ?
		ORDER BY q.created_at ASC, q.id ASC
		LIMIT ?`, now, now, table, limit)
	if err != nil {
		return nil, err
	}
	return scanItems(rows), nil
}

// ListPending returns up to limit undelivered items in capture order,
// including those still backing off.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.store.Select(ctx, `
		SELECT `+itemColumns+` FROM sync_queue
		WHERE synced_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanItems(rows), nil
}

// Get returns one item by id.
func (q *Queue) Get(ctx context.Context, id int64) (Item, error) {
	rows, err := q.store.Select(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return Item{}, err
	}
	if len(rows) == 0 {
		return Item{}, fmt.Errorf("sync queue item %d: %w", id, ErrNotFound)
	}
	return scanItem(rows[0]), nil
}

// MarkSynced stamps the item as delivered.
func (q *Queue) MarkSynced(ctx context.Context, id int64) error {
	res, err := q.store.Execute(ctx, `UPDATE sync_queue SET synced_at = ? WHERE id = ?`,
		FormatTime(q.store.now()), id)
	if err != nil {
		return err
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("sync queue item %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkDelivered marks the item synced and stamps synced_at on the local row
// it describes, in one transaction. The row stamp runs with apply_mode set so
// the capture triggers do not queue it again.
func (q *Queue) MarkDelivered(ctx context.Context, item Item) error {
	now := FormatTime(q.store.now())
	return q.store.WithTx(ctx, func(tx *Tx) error {
		if t, ok := LookupSyncTable(item.Table); ok {
			if err := tx.SetApplyMode(ctx, true); err != nil {
				return err
			}
			if _, err := tx.Execute(ctx,
				fmt.Sprintf(`UPDATE %s SET synced_at = ? WHERE %s = ?`, t.Name, t.key()),
				now, item.RecordUUID); err != nil {
				return err
			}
			if err := tx.SetApplyMode(ctx, false); err != nil {
				return err
			}
		}
		res, err := tx.Execute(ctx, `UPDATE sync_queue SET synced_at = ?, last_error = NULL WHERE id = ?`, now, item.ID)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("sync queue item %d: %w", item.ID, ErrNotFound)
		}
		return nil
	})
}

// MarkFailed records a failed delivery attempt. When the attempt count
// reaches the poison threshold the item is deleted and evicted is true.
func (q *Queue) MarkFailed(ctx context.Context, id int64, cause error) (evicted bool, err error) {
	msg := errorText(cause)
	var item Item
	err = q.store.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.Execute(ctx,
			`UPDATE sync_queue SET sync_attempts = sync_attempts + 1, last_error = ? WHERE id = ?`, msg, id)
		if err != nil {
			return err
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("sync queue item %d: %w", id, ErrNotFound)
		}
		rows, err := tx.Select(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)
		if err != nil {
			return err
		}
		item = scanItem(rows[0])
		if item.Attempts < q.cfg.PoisonThreshold {
			return nil
		}
		if _, err := tx.Execute(ctx, `DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
			return err
		}
		evicted = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if evicted {
		q.logger.Error("sync item evicted after repeated failures",
			"id", id,
			"table", item.Table,
			"record_uuid", item.RecordUUID,
			"operation", item.Operation,
			"attempts", item.Attempts,
			"error", msg)
	} else {
		q.logger.Warn("sync item delivery failed",
			"id", id, "table", item.Table, "attempts", item.Attempts, "error", msg)
	}
	return evicted, nil
}

// MarkDeferred records a transient error without consuming an attempt and
// holds the item back until its backoff elapses. It returns when the item
// becomes due again.
func (q *Queue) MarkDeferred(ctx context.Context, id int64, cause error) (time.Time, error) {
	var next time.Time
	err := q.store.WithTx(ctx, func(tx *Tx) error {
		rows, err := tx.Select(ctx, `SELECT COALESCE(deferrals, 0) AS deferrals FROM sync_queue WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("sync queue item %d: %w", id, ErrNotFound)
		}
		next = q.store.now().Add(q.cfg.retryDelay(int(rows[0].Int64("deferrals"))))
		_, err = tx.Execute(ctx, `
			UPDATE sync_queue
			SET last_error = ?, deferrals = COALESCE(deferrals, 0) + 1, next_attempt_at = ?
			WHERE id = ?`, errorText(cause), FormatTime(next), id)
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return next, nil
}

// Cleanup purges synced items older than the retention window and any item
// at or past the poison threshold.
func (q *Queue) Cleanup(ctx context.Context) (CleanupResult, error) {
	var out CleanupResult
	cutoff := FormatTime(q.store.now().Add(-q.cfg.Retention))
	err := q.store.WithTx(ctx, func(tx *Tx) error {
		res, err := tx.Execute(ctx, `
			DELETE FROM sync_queue
			WHERE synced_at IS NOT NULL AND julianday(synced_at) < julianday(?)`, cutoff)
		if err != nil {
			return err
		}
		out.Expired = res.RowsAffected

		res, err = tx.Execute(ctx, `DELETE FROM sync_queue WHERE sync_attempts >= ?`, q.cfg.PoisonThreshold)
		if err != nil {
			return err
		}
		out.Poisoned = res.RowsAffected
		return nil
	})
	if err != nil {
		return CleanupResult{}, err
	}
	if out.Expired > 0 || out.Poisoned > 0 {
		q.logger.Info("sync queue cleaned", "expired", out.Expired, "poisoned", out.Poisoned)
	}
	return out, nil
}

// CountPending returns the number of items not yet delivered.
func (q *Queue) CountPending(ctx context.Context) (int, error) {
	rows, err := q.store.Select(ctx, `SELECT COUNT(*) AS count FROM sync_queue WHERE synced_at IS NULL`)
	if err != nil {
		return 0, err
	}
	return int(rows[0].Int64("count")), nil
}

// PendingByTable returns pending counts per table.
func (q *Queue) PendingByTable(ctx context.Context) (map[string]int, error) {
	rows, err := q.store.Select(ctx, `
		SELECT table_name, COUNT(*) AS count FROM sync_queue
		WHERE synced_at IS NULL GROUP BY table_name`)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.String("table_name")] = int(r.Int64("count"))
	}
	return out, nil
}

func scanItems(rows []Row) []Item {
	items := make([]Item, 0, len(rows))
	for _, r := range rows {
		items = append(items, scanItem(r))
	}
	return items
}

func scanItem(r Row) Item {
	it := Item{
		ID:            r.Int64("id"),
		TenantID:      r.String("tenant_id"),
		Table:         r.String("table_name"),
		RecordUUID:    r.String("record_uuid"),
		Operation:     Operation(r.String("operation")),
		SyncedAt:      r.TimePtr("synced_at"),
		Attempts:      int(r.Int64("sync_attempts")),
		LastError:     r.String("last_error"),
		NextAttemptAt: r.TimePtr("next_attempt_at"),
		Deferrals:     int(r.Int64("deferrals")),
	}
	if data := r.NullString("data"); data != nil {
		it.Payload = json.RawMessage(*data)
	}
	it.CreatedAt, _ = r.Time("created_at")
	return it
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
