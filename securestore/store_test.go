// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package securestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, err := s.Get(ctx, KeyAuthToken)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set(ctx, KeyAuthToken, "tok-1"))
	require.NoError(t, s.Set(ctx, KeyAuthToken, "tok-2"))
	v, err := s.Get(ctx, KeyAuthToken)
	require.NoError(t, err)
	assert.Equal(t, "tok-2", v)

	require.NoError(t, s.Delete(ctx, KeyAuthToken))
	require.NoError(t, s.Delete(ctx, KeyAuthToken))
	_, err = s.Get(ctx, KeyAuthToken)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestKeyringStore(t *testing.T) {
	keyring.MockInit()
	exerciseStore(t, NewKeyringStore(""))
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "secure.json")
	s := NewFileStore(path)
	exerciseStore(t, s)

	require.NoError(t, s.Set(context.Background(), KeyCurrentTenantID, "t-1"))
	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	// A second handle on the same file sees the value.
	v, err := NewFileStore(path).Get(context.Background(), KeyCurrentTenantID)
	require.NoError(t, err)
	assert.Equal(t, "t-1", v)

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	_, err = s.Get(context.Background(), KeyCurrentTenantID)
	assert.Error(t, err)
}

func TestFallback_UsesPrimaryWhenHealthy(t *testing.T) {
	ctx := context.Background()
	primary, secondary := NewMemoryStore(), NewMemoryStore()
	s := Fallback(ctx, primary, secondary, nil)

	require.NoError(t, s.Set(ctx, KeyRefreshToken, "r"))
	v, err := primary.Get(ctx, KeyRefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "r", v)
	_, err = primary.Get(ctx, probeKey)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFallback_PrefixesKeysOnSecondary(t *testing.T) {
	ctx := context.Background()
	keyring.MockInitWithError(errors.New("no keychain on this host"))
	defer keyring.MockInit()

	secondary := NewMemoryStore()
	s := Fallback(ctx, NewKeyringStore("obras-test"), secondary, nil)

	require.NoError(t, s.Set(ctx, KeyAuthToken, "tok"))
	v, err := secondary.Get(ctx, FallbackPrefix+KeyAuthToken)
	require.NoError(t, err)
	assert.Equal(t, "tok", v)

	v, err = s.Get(ctx, KeyAuthToken)
	require.NoError(t, err)
	assert.Equal(t, "tok", v)
}

func TestObjectsAndClearKnown(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	type prefs struct {
		Theme    string `json:"theme"`
		Compact  bool   `json:"compact"`
		PageSize int    `json:"page_size"`
	}
	in := prefs{Theme: "dark", Compact: true, PageSize: 25}
	require.NoError(t, SetObject(ctx, s, KeyUserPreferences, in))

	var out prefs
	require.NoError(t, GetObject(ctx, s, KeyUserPreferences, &out))
	assert.Equal(t, in, out)

	require.NoError(t, s.Set(ctx, KeyLastSync, "2025-03-10T12:00:00Z"))
	require.NoError(t, s.Set(ctx, "unrelated", "keep"))
	require.NoError(t, ClearKnown(ctx, s))

	for _, k := range KnownKeys {
		_, err := s.Get(ctx, k)
		assert.ErrorIs(t, err, ErrNotFound, k)
	}
	v, err := s.Get(ctx, "unrelated")
	require.NoError(t, err)
	assert.Equal(t, "keep", v)
}
