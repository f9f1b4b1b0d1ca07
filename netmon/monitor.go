// Package netmon tracks device connectivity and notifies listeners when it
// changes.
//
// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package netmon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ConnectionType is the kind of network the device is attached to.
type ConnectionType string

const (
	TypeWiFi     ConnectionType = "wifi"
	TypeCellular ConnectionType = "cellular"
	TypeEthernet ConnectionType = "ethernet"
	TypeNone     ConnectionType = "none"
	TypeUnknown  ConnectionType = "unknown"
)

// State is one connectivity reading.
type State struct {
	IsConnected         bool           `json:"is_connected" yaml:"is_connected"`
	IsInternetReachable bool           `json:"is_internet_reachable" yaml:"is_internet_reachable"`
	Type                ConnectionType `json:"type" yaml:"type"`
}

// Online is the strict check: an interface is up and the internet answers.
func (s State) Online() bool { return s.IsConnected && s.IsInternetReachable }

func (s State) differs(o State) bool {
	return s.IsConnected != o.IsConnected ||
		s.IsInternetReachable != o.IsInternetReachable ||
		s.Type != o.Type
}

// Platform is the OS-specific source of connectivity readings.
type Platform interface {
	Fetch(ctx context.Context) (State, error)
	Subscribe(fn func(State)) (unsubscribe func())
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithPollInterval sets how often WaitForConnection re-checks.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithProbeURL sets the URL TestConnectivity sends a HEAD request to.
func WithProbeURL(url string) Option {
	return func(m *Monitor) {
		if url != "" {
			m.probeURL = url
		}
	}
}

// WithHTTPClient sets the client TestConnectivity uses.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Monitor) {
		if c != nil {
			m.http = c
		}
	}
}

type listener struct {
	id int
	fn func(State)
}

// Monitor caches the platform state and fans changes out to listeners.
type Monitor struct {
	platform     Platform
	logger       *slog.Logger
	pollInterval time.Duration
	probeURL     string
	http         *http.Client

	mu          sync.Mutex
	state       State
	initialized bool
	unsubscribe func()
	listeners   []listener
	nextID      int
}

// New creates a monitor over platform. Call Init before use.
func New(platform Platform, opts ...Option) *Monitor {
	m := &Monitor{
		platform:     platform,
		logger:       slog.Default(),
		pollInterval: time.Second,
		probeURL:     DefaultProbeURL,
		http:         &http.Client{},
		state:        State{Type: TypeUnknown},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Init fetches the initial state and subscribes to platform changes.
// Calling it again is a no-op.
func (m *Monitor) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	st, err := m.platform.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch network state: %w", err)
	}
	// Cache the reading before subscribing so an event delivered during
	// Subscribe is not overwritten by this older state.
	m.mu.Lock()
	m.state = st
	m.mu.Unlock()
	unsubscribe := m.platform.Subscribe(m.update)

	m.mu.Lock()
	m.initialized = true
	m.unsubscribe = unsubscribe
	st = m.state
	m.mu.Unlock()

	m.logger.Info("network monitor initialized",
		"connected", st.IsConnected, "reachable", st.IsInternetReachable, "type", st.Type)
	return nil
}

// Shutdown unsubscribes from the platform and drops all listeners.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.initialized = false
	m.listeners = nil
	m.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

// IsConnected reports whether a network interface is up. It says nothing
// about internet access.
func (m *Monitor) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.IsConnected
}

// IsInternetReachable is the strict check used before syncing.
func (m *Monitor) IsInternetReachable(_ context.Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Online()
}

// CurrentStatus returns the cached state.
func (m *Monitor) CurrentStatus() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// NetworkStatus fetches a fresh reading, caches it and notifies listeners if
// it changed.
func (m *Monitor) NetworkStatus(ctx context.Context) (State, error) {
	st, err := m.platform.Fetch(ctx)
	if err != nil {
		return m.CurrentStatus(), fmt.Errorf("failed to fetch network state: %w", err)
	}
	m.update(st)
	return st, nil
}

// AddListener registers fn for state changes and returns its remover.
func (m *Monitor) AddListener(fn func(State)) (remove func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listener{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

// RemoveAllListeners drops every listener.
func (m *Monitor) RemoveAllListeners() {
	m.mu.Lock()
	m.listeners = nil
	m.mu.Unlock()
}

func (m *Monitor) update(st State) {
	m.mu.Lock()
	if !st.differs(m.state) {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = st
	targets := make([]listener, len(m.listeners))
	copy(targets, m.listeners)
	m.mu.Unlock()

	m.logger.Info("network state changed",
		"connected", st.IsConnected,
		"reachable", st.IsInternetReachable,
		"type", st.Type,
		"was_online", prev.Online())
	for _, l := range targets {
		m.notify(l, st)
	}
}

func (m *Monitor) notify(l listener, st State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("network listener panicked", "listener", l.id, "panic", r)
		}
	}()
	l.fn(st)
}

// WaitForConnection blocks until the strict check passes, timeout elapses or
// ctx ends. It reports whether the connection came up.
func (m *Monitor) WaitForConnection(ctx context.Context, timeout time.Duration) bool {
	if m.IsInternetReachable(ctx) {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return m.IsInternetReachable(ctx)
		case <-ticker.C:
			if m.IsInternetReachable(ctx) {
				return true
			}
		}
	}
}

// TestConnectivity sends a HEAD request to the probe URL with a 5s timeout.
func (m *Monitor) TestConnectivity(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		m.logger.Warn("failed to build connectivity probe", "url", m.probeURL, "error", err)
		return false
	}
	resp, err := m.http.Do(req)
	if err != nil {
		m.logger.Debug("connectivity probe failed", "url", m.probeURL, "error", err)
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 400
}
