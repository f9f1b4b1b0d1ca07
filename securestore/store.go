// Package securestore keeps small secrets (tokens, offline credentials, sync
// bookkeeping) in the OS keychain, with a file fallback for hosts that have
// none.
//
// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package securestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrNotFound is returned by Get for a key that was never set.
var ErrNotFound = errors.New("secure store: key not found")

// Keys the app stores. ClearKnown removes all of them.
const (
	KeyAuthToken       = "auth_token"
	KeyUserCredentials = "user_credentials"
	KeyRememberLogin   = "remember_login"
	KeyRefreshToken    = "refresh_token"
	KeyUserPreferences = "user_preferences"
	KeyOfflineQueue    = "offline_queue"
	KeyCurrentTenantID = "current_tenant_id"
	KeyLastSync        = "last_sync"
)

// KnownKeys lists every key the app writes.
var KnownKeys = []string{
	KeyAuthToken,
	KeyUserCredentials,
	KeyRememberLogin,
	KeyRefreshToken,
	KeyUserPreferences,
	KeyOfflineQueue,
	KeyCurrentTenantID,
	KeyLastSync,
}

// Store is a string key-value store for secrets.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// SetObject stores v as JSON.
func SetObject(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, string(data))
}

// GetObject decodes the JSON stored under key into v.
func GetObject(ctx context.Context, s Store, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// ClearKnown deletes every known key, ignoring keys that are absent.
func ClearKnown(ctx context.Context, s Store) error {
	var errs []error
	for _, k := range KnownKeys {
		if err := s.Delete(ctx, k); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, fmt.Errorf("failed to delete %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// MemoryStore keeps values in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// FallbackPrefix is prepended to keys routed to the secondary store.
const FallbackPrefix = "secure_"

const probeKey = "__securestore_probe__"

// Fallback uses primary when a probe write succeeds and secondary otherwise.
// Keys sent to the secondary carry FallbackPrefix.
func Fallback(ctx context.Context, primary, secondary Store, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	if err := probe(ctx, primary); err != nil {
		logger.Warn("secure storage unavailable, using fallback store", "error", err)
		return prefixed{inner: secondary, prefix: FallbackPrefix}
	}
	return primary
}

func probe(ctx context.Context, s Store) error {
	if err := s.Set(ctx, probeKey, "ok"); err != nil {
		return err
	}
	return s.Delete(ctx, probeKey)
}

type prefixed struct {
	inner  Store
	prefix string
}

func (p prefixed) Get(ctx context.Context, key string) (string, error) {
	return p.inner.Get(ctx, p.prefix+key)
}

func (p prefixed) Set(ctx context.Context, key, value string) error {
	return p.inner.Set(ctx, p.prefix+key, value)
}

func (p prefixed) Delete(ctx context.Context, key string) error {
	return p.inner.Delete(ctx, p.prefix+key)
}
