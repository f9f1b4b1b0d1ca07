// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	ctx := context.Background()
	s, err := Open(ctx, ":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	res, err := s.Migrate(ctx, Migrations())
	require.NoError(t, err)
	require.True(t, res.OK(), "migration failures: %+v", res.Failed)
	return s
}

func createTestTenant(t *testing.T, s *Store, name string) Tenant {
	t.Helper()
	tenant, err := NewTenants(s).Create(context.Background(), CreateTenant{
		Name:         name,
		ContactEmail: "contato@" + Slugify(name) + ".com.br",
	})
	require.NoError(t, err)
	return tenant
}

func pendingFor(t *testing.T, s *Store, table, recordUUID string) []Item {
	t.Helper()
	rows, err := s.Select(context.Background(),
		`SELECT `+itemColumns+` FROM sync_queue WHERE table_name = ? AND record_uuid = ? ORDER BY id`,
		table, recordUUID)
	require.NoError(t, err)
	return scanItems(rows)
}
