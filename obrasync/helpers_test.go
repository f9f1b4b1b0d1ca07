// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasync

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Deijai/innoma-obras/netmon"
	"github.com/Deijai/innoma-obras/obrasqlite"
	"github.com/Deijai/innoma-obras/securestore"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type countingRecorder struct {
	batches  atomic.Int32
	finished atomic.Int32
	mu       sync.Mutex
	items    map[Outcome]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{items: make(map[Outcome]int)}
}

func (r *countingRecorder) BatchStarted(context.Context, int) { r.batches.Add(1) }

func (r *countingRecorder) ObserveItem(_ context.Context, _ string, o Outcome) {
	r.mu.Lock()
	r.items[o]++
	r.mu.Unlock()
}

func (r *countingRecorder) BatchFinished(context.Context, BatchTiming) { r.finished.Add(1) }

func (r *countingRecorder) count(o Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.items[o]
}

// recordingRemote captures what the engine delivered and answers with fn.
type recordingRemote struct {
	mu        sync.Mutex
	delivered []obrasqlite.Item
	fn        func(obrasqlite.Item) error
}

func (r *recordingRemote) Deliver(_ context.Context, item obrasqlite.Item) error {
	var err error
	if r.fn != nil {
		err = r.fn(item)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		r.delivered = append(r.delivered, item)
	}
	return err
}

func (r *recordingRemote) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.delivered))
	for _, it := range r.delivered {
		out = append(out, string(it.Operation)+" "+it.Table+"/"+it.RecordUUID)
	}
	return out
}

// fakeClock drives the store clock so backoff windows can be crossed
// without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	clock    *fakeClock
	store    *obrasqlite.Store
	queue    *obrasqlite.Queue
	scope    *obrasqlite.Scope
	tenant   obrasqlite.Tenant
	platform *netmon.StaticPlatform
	monitor  *netmon.Monitor
	kv       *securestore.MemoryStore
	metrics  *countingRecorder
}

func newFixture(t *testing.T, qcfg obrasqlite.QueueConfig) *fixture {
	t.Helper()
	ctx := context.Background()

	clock := &fakeClock{now: time.Now().UTC().Truncate(time.Millisecond)}
	store, err := obrasqlite.Open(ctx, ":memory:", obrasqlite.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	res, err := store.Migrate(ctx, obrasqlite.Migrations())
	require.NoError(t, err)
	require.True(t, res.OK())

	tenant, err := obrasqlite.NewTenants(store).Create(ctx, obrasqlite.CreateTenant{
		Name:         "Construtora Horizonte",
		ContactEmail: "contato@horizonte.com.br",
	})
	require.NoError(t, err)
	scope, err := store.ForTenant(tenant.ID)
	require.NoError(t, err)

	platform := netmon.NewStaticPlatform(netmon.State{
		IsConnected: true, IsInternetReachable: true, Type: netmon.TypeWiFi,
	})
	monitor := netmon.New(platform)
	require.NoError(t, monitor.Init(ctx))
	t.Cleanup(monitor.Shutdown)

	return &fixture{
		clock:    clock,
		store:    store,
		queue:    obrasqlite.NewQueue(store, qcfg),
		scope:    scope,
		tenant:   tenant,
		platform: platform,
		monitor:  monitor,
		kv:       securestore.NewMemoryStore(),
		metrics:  newCountingRecorder(),
	}
}

func (f *fixture) engine(t *testing.T, cfg Config, remote Remote) *Engine {
	t.Helper()
	e, err := New(cfg, Deps{
		Store:        f.store,
		Queue:        f.queue,
		Remote:       remote,
		Reachability: f.monitor,
		KV:           f.kv,
		Metrics:      f.metrics,
	})
	require.NoError(t, err)
	require.NoError(t, e.Init(context.Background()))
	t.Cleanup(func() { _ = e.Shutdown(context.Background()) })
	return e
}

// pending lists every undelivered item, including those backing off.
func (f *fixture) pending(t *testing.T) []obrasqlite.Item {
	t.Helper()
	items, err := f.queue.ListPending(context.Background(), 1000)
	require.NoError(t, err)
	return items
}

// drain delivers whatever the fixture setup queued (the tenant row) so tests
// start from an empty queue.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for _, it := range f.pending(t) {
		require.NoError(t, f.queue.MarkDelivered(context.Background(), it))
	}
}

func (f *fixture) newProject(t *testing.T, name string) string {
	t.Helper()
	p, err := obrasqlite.NewProjects(f.scope).Create(context.Background(), obrasqlite.NewProject{Name: name})
	require.NoError(t, err)
	return p.UUID
}
