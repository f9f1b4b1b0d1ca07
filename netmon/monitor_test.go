// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package netmon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	online  = State{IsConnected: true, IsInternetReachable: true, Type: TypeWiFi}
	offline = State{Type: TypeNone}
	captive = State{IsConnected: true, IsInternetReachable: false, Type: TypeWiFi}
)

func newMonitor(t *testing.T, st State, opts ...Option) (*Monitor, *StaticPlatform) {
	t.Helper()
	p := NewStaticPlatform(st)
	m := New(p, opts...)
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(m.Shutdown)
	return m, p
}

func TestMonitor_InitFetchesAndSubscribes(t *testing.T) {
	m, p := newMonitor(t, online)
	assert.True(t, m.IsConnected())
	assert.True(t, m.IsInternetReachable(context.Background()))
	assert.Equal(t, online, m.CurrentStatus())
	assert.Equal(t, 1, p.Subscribers())

	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, 1, p.Subscribers())

	m.Shutdown()
	assert.Equal(t, 0, p.Subscribers())
}

// eagerPlatform reports a change while the subscription is being set up.
type eagerPlatform struct {
	*StaticPlatform
	during State
}

func (p eagerPlatform) Subscribe(fn func(State)) func() {
	unsubscribe := p.StaticPlatform.Subscribe(fn)
	fn(p.during)
	return unsubscribe
}

func TestMonitor_InitKeepsChangeSeenWhileSubscribing(t *testing.T) {
	m := New(eagerPlatform{StaticPlatform: NewStaticPlatform(offline), during: online})
	require.NoError(t, m.Init(context.Background()))
	t.Cleanup(m.Shutdown)

	assert.Equal(t, online, m.CurrentStatus())
	assert.True(t, m.IsInternetReachable(context.Background()))
}

func TestMonitor_InitFailure(t *testing.T) {
	p := NewStaticPlatform(online)
	p.SetError(errors.New("radio off"))
	err := New(p).Init(context.Background())
	assert.ErrorContains(t, err, "radio off")
	assert.Equal(t, 0, p.Subscribers())
}

func TestMonitor_ReachabilityIsStrict(t *testing.T) {
	m, p := newMonitor(t, captive)
	assert.True(t, m.IsConnected())
	assert.False(t, m.IsInternetReachable(context.Background()))

	p.Set(State{IsConnected: false, IsInternetReachable: true, Type: TypeUnknown})
	assert.False(t, m.IsInternetReachable(context.Background()))
}

func TestMonitor_ListenersOnlySeeChanges(t *testing.T) {
	m, p := newMonitor(t, offline)

	var mu sync.Mutex
	var seen []State
	remove := m.AddListener(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})

	p.Set(offline)
	p.Set(online)
	p.Set(online)
	p.Set(State{IsConnected: true, IsInternetReachable: true, Type: TypeCellular})
	remove()
	p.Set(offline)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, online, seen[0])
	assert.Equal(t, TypeCellular, seen[1].Type)
	assert.Equal(t, offline, m.CurrentStatus())
}

func TestMonitor_PanickingListenerDoesNotStopOthers(t *testing.T) {
	m, p := newMonitor(t, offline)

	var calls atomic.Int32
	m.AddListener(func(State) { panic("boom") })
	m.AddListener(func(State) { calls.Add(1) })

	p.Set(online)
	assert.Equal(t, int32(1), calls.Load())

	m.RemoveAllListeners()
	p.Set(offline)
	assert.Equal(t, int32(1), calls.Load())
}

func TestMonitor_NetworkStatusRefreshes(t *testing.T) {
	m, p := newMonitor(t, offline)
	var calls atomic.Int32
	m.AddListener(func(State) { calls.Add(1) })

	// Changes the platform without pushing to subscribers.
	p.mu.Lock()
	p.state = online
	p.mu.Unlock()
	assert.False(t, m.IsInternetReachable(context.Background()))

	st, err := m.NetworkStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, online, st)
	assert.True(t, m.IsInternetReachable(context.Background()))
	assert.Equal(t, int32(1), calls.Load())

	p.SetError(errors.New("unavailable"))
	st, err = m.NetworkStatus(context.Background())
	assert.Error(t, err)
	assert.Equal(t, online, st)
}

func TestMonitor_WaitForConnection(t *testing.T) {
	m, p := newMonitor(t, offline, WithPollInterval(5*time.Millisecond))

	assert.False(t, m.WaitForConnection(context.Background(), 30*time.Millisecond))

	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Set(online)
	}()
	assert.True(t, m.WaitForConnection(context.Background(), 2*time.Second))
	assert.True(t, m.WaitForConnection(context.Background(), 0))
}

func TestMonitor_TestConnectivity(t *testing.T) {
	methods := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		methods <- r.Method
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	m, _ := newMonitor(t, online, WithProbeURL(srv.URL))
	assert.True(t, m.TestConnectivity(context.Background()))
	assert.Equal(t, http.MethodHead, <-methods)

	down, _ := newMonitor(t, online, WithProbeURL("http://127.0.0.1:1"))
	assert.False(t, down.TestConnectivity(context.Background()))
}
