// Package simulator replays a field day: work is recorded while the device
// is offline, connectivity comes back, and the queue drains to a recording
// backend in the order it was captured.
//
// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/Deijai/innoma-obras/internal/auth"
	"github.com/Deijai/innoma-obras/netmon"
	"github.com/Deijai/innoma-obras/obrasqlite"
	"github.com/Deijai/innoma-obras/obrasync"
	"github.com/Deijai/innoma-obras/securestore"
)

const sinkSecret = "simulator-secret"

// Options tune the scenario.
type Options struct {
	Logger   *slog.Logger
	Projects int
	Timeout  time.Duration
}

// Request is what the backend saw for one delivery.
type Request struct {
	Method         string `json:"method" yaml:"method"`
	Path           string `json:"path" yaml:"path"`
	IdempotencyKey string `json:"idempotency_key" yaml:"idempotency_key"`
	TenantID       string `json:"tenant_id" yaml:"tenant_id"`
}

// Report summarizes a run.
type Report struct {
	Queued          int           `json:"queued" yaml:"queued"`
	OfflineRequests int           `json:"offline_requests" yaml:"offline_requests"`
	Delivered       int           `json:"delivered" yaml:"delivered"`
	Pending         int           `json:"pending" yaml:"pending"`
	InOrder         bool          `json:"in_order" yaml:"in_order"`
	Requests        []Request     `json:"requests" yaml:"requests"`
	Duration        time.Duration `json:"duration" yaml:"duration"`
}

type sink struct {
	mu       sync.Mutex
	requests []Request
}

func (s *sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method:         r.Method,
		Path:           r.URL.Path,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
		TenantID:       r.Header.Get("X-Tenant-ID"),
	})
	s.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *sink) snapshot() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Run executes the scenario against an in-memory database and an in-process
// backend. It fails when anything is left pending or deliveries arrive out
// of capture order.
func Run(ctx context.Context, opts Options) (Report, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Projects <= 0 {
		opts.Projects = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	started := time.Now()

	jwtAuth := auth.NewJWTAuth(sinkSecret)
	backend := &sink{}
	srv := httptest.NewServer(jwtAuth.Middleware(backend))
	defer srv.Close()

	store, err := obrasqlite.Open(ctx, ":memory:", obrasqlite.WithLogger(logger))
	if err != nil {
		return Report{}, err
	}
	defer store.Close()
	if res, err := store.Migrate(ctx, obrasqlite.Migrations()); err != nil {
		return Report{}, err
	} else if !res.OK() {
		return Report{}, fmt.Errorf("migration failed: %v", res.Failed[0].Err)
	}

	platform := netmon.NewStaticPlatform(netmon.State{Type: netmon.TypeNone})
	monitor := netmon.New(platform, netmon.WithLogger(logger))
	if err := monitor.Init(ctx); err != nil {
		return Report{}, err
	}
	defer monitor.Shutdown()

	var identity auth.Identity
	remote := obrasync.NewHTTPRemote(srv.URL, func(context.Context) (string, error) {
		return jwtAuth.GenerateToken(identity.UserID, identity.TenantID, time.Hour)
	}, logger)
	remote.Retries = 0

	queue := obrasqlite.NewQueue(store, obrasqlite.DefaultQueueConfig())
	engine, err := obrasync.New(obrasync.DefaultConfig(), obrasync.Deps{
		Store:        store,
		Queue:        queue,
		Remote:       remote,
		Reachability: monitor,
		KV:           securestore.NewMemoryStore(),
		Logger:       logger,
	})
	if err != nil {
		return Report{}, err
	}
	if err := engine.Init(ctx); err != nil {
		return Report{}, err
	}
	defer engine.Shutdown(context.WithoutCancel(ctx))

	identity, err = recordFieldDay(ctx, store, opts.Projects)
	if err != nil {
		return Report{}, err
	}

	expected, err := queue.DequeueBatch(ctx, 1<<16)
	if err != nil {
		return Report{}, err
	}
	report := Report{Queued: len(expected)}
	logger.Info("work recorded offline", "queued", report.Queued)

	if st := engine.PerformSync(ctx); st.IsOnline {
		return report, fmt.Errorf("engine reported online while offline")
	}
	report.OfflineRequests = len(backend.snapshot())

	unsubscribe := engine.SyncOnReconnect(monitor)
	defer unsubscribe()
	platform.Set(netmon.State{IsConnected: true, IsInternetReachable: true, Type: netmon.TypeWiFi})

	if err := waitDrained(ctx, queue, opts.Timeout); err != nil {
		return report, err
	}

	report.Requests = backend.snapshot()
	report.Delivered = len(report.Requests)
	report.Pending, err = queue.CountPending(ctx)
	if err != nil {
		return report, err
	}
	report.InOrder = inOrder(expected, report.Requests)
	report.Duration = time.Since(started)

	switch {
	case report.OfflineRequests != 0:
		return report, fmt.Errorf("%d requests sent while offline", report.OfflineRequests)
	case report.Pending != 0:
		return report, fmt.Errorf("%d items still pending", report.Pending)
	case !report.InOrder:
		return report, fmt.Errorf("deliveries arrived out of capture order")
	}
	logger.Info("simulation finished", "delivered", report.Delivered, "duration", report.Duration)
	return report, nil
}

// recordFieldDay registers a company, opens projects with one task each,
// reports progress on the first project and drops the last.
func recordFieldDay(ctx context.Context, store *obrasqlite.Store, projects int) (auth.Identity, error) {
	tenant, owner, err := obrasqlite.Register(ctx, store, obrasqlite.RegisterInput{
		TenantName: "Construtora Simulada",
		UserName:   "Mestre de Obras",
		UserEmail:  "mestre@simulada.com.br",
	})
	if err != nil {
		return auth.Identity{}, err
	}
	scope, err := store.ForTenant(tenant.ID)
	if err != nil {
		return auth.Identity{}, err
	}

	repo := obrasqlite.NewProjects(scope)
	ids := make([]string, 0, projects)
	for i := 0; i < projects; i++ {
		p, err := repo.Create(ctx, obrasqlite.NewProject{Name: fmt.Sprintf("Obra %d", i+1)})
		if err != nil {
			return auth.Identity{}, err
		}
		ids = append(ids, p.UUID)
		if _, err := scope.Insert(ctx, "tarefas", obrasqlite.Values{
			"obra_id":      p.UUID,
			"titulo":       "Fundação",
			"data_criacao": store.Now().Format(time.DateOnly),
			"prioridade":   "alta",
		}); err != nil {
			return auth.Identity{}, err
		}
	}
	if err := repo.SetProgress(ctx, ids[0], 35); err != nil {
		return auth.Identity{}, err
	}
	if len(ids) > 1 {
		if err := repo.SoftDelete(ctx, ids[len(ids)-1]); err != nil {
			return auth.Identity{}, err
		}
	}
	return auth.Identity{UserID: owner.UUID, TenantID: tenant.ID}, nil
}

func waitDrained(ctx context.Context, queue *obrasqlite.Queue, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		n, err := queue.CountPending(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("queue not drained, %d pending: %w", n, ctx.Err())
		case <-ticker.C:
		}
	}
}

func inOrder(expected []obrasqlite.Item, got []Request) bool {
	if len(expected) != len(got) {
		return false
	}
	for i, it := range expected {
		if got[i].IdempotencyKey != obrasync.IdempotencyKey(it) {
			return false
		}
	}
	return true
}
