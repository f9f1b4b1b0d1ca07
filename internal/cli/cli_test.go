// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Deijai/innoma-obras/internal/auth"
	"github.com/Deijai/innoma-obras/netmon"
	"github.com/Deijai/innoma-obras/obrasqlite"
	"github.com/Deijai/innoma-obras/obrasync"
)

type cliEnv struct {
	dir      string
	db       string
	secure   string
	platform *netmon.StaticPlatform
}

func setup(t *testing.T) cliEnv {
	t.Helper()
	probe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(probe.Close)

	dir := t.TempDir()
	env := cliEnv{
		dir:    dir,
		db:     filepath.Join(dir, "obras.db"),
		secure: filepath.Join(dir, "secure.json"),
		platform: netmon.NewStaticPlatform(netmon.State{
			IsConnected: true, IsInternetReachable: true, Type: netmon.TypeEthernet,
		}),
	}
	t.Setenv("OBRAS_SECURE_BACKEND", "file")
	t.Setenv("OBRAS_SECURE_FILE", env.secure)
	t.Setenv("OBRAS_NETWORK_PROBE_URL", probe.URL)
	t.Setenv("OBRAS_LOG_LEVEL", "error")
	return env
}

func (c cliEnv) run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRoot(&env{platform: c.platform})
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}

func TestMigrateAndInfo(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	out, err := env.run(t, ctx, "migrate", "--db", env.db)
	require.NoError(t, err)
	assert.Contains(t, out, "schema version 0 -> 4")

	out, err = env.run(t, ctx, "info", "--db", env.db, "-o", "json")
	require.NoError(t, err)
	var info obrasqlite.Info
	require.NoError(t, json.Unmarshal([]byte(out), &info))
	assert.Equal(t, env.db, info.Path)
	assert.Equal(t, 4, info.Version)
	assert.Contains(t, info.Tables, "obras")
}

func TestStatusSyncAndCleanup(t *testing.T) {
	env := setup(t)
	ctx := context.Background()

	// Record work before any backend is configured.
	store, err := obrasqlite.Open(ctx, env.db)
	require.NoError(t, err)
	_, err = store.Migrate(ctx, obrasqlite.Migrations())
	require.NoError(t, err)
	_, err = obrasqlite.NewTenants(store).Create(ctx, obrasqlite.CreateTenant{Name: "Construtora Leste"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	out, err := env.run(t, ctx, "status", "--db", env.db, "-o", "json")
	require.NoError(t, err)
	var st obrasync.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, 1, st.PendingItems)

	var mu sync.Mutex
	var got []string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	out, err = env.run(t, ctx, "sync", "--db", env.db, "--remote", backend.URL, "--table", "tenants")
	require.NoError(t, err)
	assert.Contains(t, out, "pending:   0")
	mu.Lock()
	assert.Equal(t, []string{"POST /tables/tenants/records"}, got)
	mu.Unlock()

	out, err = env.run(t, ctx, "cleanup", "--db", env.db, "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "expired: 0")
}

func TestExport(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	_, err := env.run(t, ctx, "migrate", "--db", env.db)
	require.NoError(t, err)

	file := filepath.Join(env.dir, "dump.json")
	_, err = env.run(t, ctx, "export", "--db", env.db, "--file", file)
	require.NoError(t, err)

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var dump map[string][]map[string]any
	require.NoError(t, json.Unmarshal(data, &dump))
	assert.Contains(t, dump, "obras")
	assert.Empty(t, dump["obras"])
}

func TestLoginLogout(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	token, err := auth.NewJWTAuth("segredo").GenerateToken("user-7", "tenant-7", time.Hour)
	require.NoError(t, err)

	out, err := env.run(t, ctx, "login", "--db", env.db, "--token", token)
	require.NoError(t, err)
	assert.Contains(t, out, "tenant tenant-7")
	data, err := os.ReadFile(env.secure)
	require.NoError(t, err)
	assert.Contains(t, string(data), "tenant-7")

	_, err = env.run(t, ctx, "login", "--db", env.db, "--token", "garbage")
	assert.Error(t, err)

	_, err = env.run(t, ctx, "logout", "--db", env.db)
	require.NoError(t, err)
	data, err = os.ReadFile(env.secure)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "tenant-7")
}

func TestLogin_OfflineWithSavedCredentials(t *testing.T) {
	env := setup(t)
	ctx := context.Background()
	token, err := auth.NewJWTAuth("segredo").GenerateToken("user-9", "tenant-9", time.Hour)
	require.NoError(t, err)

	out, err := env.run(t, ctx, "login", "--db", env.db, "--token", token,
		"--email", "Eng@Obra.com.br", "--password", "s3nha-forte")
	require.NoError(t, err)
	assert.Contains(t, out, "signed in as user-9 (tenant tenant-9)")
	data, err := os.ReadFile(env.secure)
	require.NoError(t, err)
	assert.Contains(t, string(data), "user_credentials")
	assert.NotContains(t, string(data), "s3nha-forte")

	_, err = env.run(t, ctx, "login", "--db", env.db, "--email", "eng@obra.com.br", "--password", "s3nha-forte")
	assert.ErrorContains(t, err, "online")

	env.platform.SetOnline(false)
	_, err = env.run(t, ctx, "login", "--db", env.db, "--email", "eng@obra.com.br", "--password", "errada")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)

	out, err = env.run(t, ctx, "login", "--db", env.db, "--email", "eng@obra.com.br", "--password", "s3nha-forte", "-o", "json")
	require.NoError(t, err)
	var res loginResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Offline)
	assert.Equal(t, "tenant-9", res.TenantID)

	_, err = env.run(t, ctx, "login", "--db", env.db)
	assert.ErrorContains(t, err, "required")

	// Logging out forgets the hash too.
	_, err = env.run(t, ctx, "logout", "--db", env.db)
	require.NoError(t, err)
	_, err = env.run(t, ctx, "login", "--db", env.db, "--email", "eng@obra.com.br", "--password", "s3nha-forte")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestSimulate(t *testing.T) {
	env := setup(t)
	out, err := env.run(t, context.Background(), "simulate", "--projects", "2", "-o", "yaml")
	require.NoError(t, err)
	assert.Contains(t, out, "in_order: true")
	assert.Contains(t, out, "pending: 0")
}

func TestRun_StopsOnCancel(t *testing.T) {
	env := setup(t)
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	_, err := env.run(t, ctx, "run", "--db", env.db, "--metrics-addr", "127.0.0.1:0")
	assert.NoError(t, err)
}

func TestRejectsUnknownOutput(t *testing.T) {
	env := setup(t)
	_, err := env.run(t, context.Background(), "info", "--db", env.db, "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")
}
