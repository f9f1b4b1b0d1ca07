// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package netmon

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultProbeURL answers 204 when the internet is reachable.
const DefaultProbeURL = "https://clients3.google.com/generate_204"

// HTTPProber checks internet reachability with a GET that must answer 204.
type HTTPProber struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

// NewHTTPProber returns a prober for url (DefaultProbeURL when empty).
func NewHTTPProber(url string) *HTTPProber {
	if url == "" {
		url = DefaultProbeURL
	}
	return &HTTPProber{URL: url, Client: &http.Client{}, Timeout: 5 * time.Second}
}

// Probe reports whether the probe URL answered 204 No Content.
func (p *HTTPProber) Probe(ctx context.Context) bool {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return false
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusNoContent
}

// Interface is the subset of net.Interface the host platform inspects.
type Interface struct {
	Name  string
	Up    bool
	Loop  bool
	Addrs int
}

func hostInterfaces() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	out := make([]Interface, 0, len(ifaces))
	for _, ifc := range ifaces {
		addrs, _ := ifc.Addrs()
		out = append(out, Interface{
			Name:  ifc.Name,
			Up:    ifc.Flags&net.FlagUp != 0,
			Loop:  ifc.Flags&net.FlagLoopback != 0,
			Addrs: len(addrs),
		})
	}
	return out, nil
}

// HostPlatform reads the host's network interfaces on an interval and asks a
// prober whether the internet answers.
type HostPlatform struct {
	Prober interface {
		Probe(ctx context.Context) bool
	}
	Interval   time.Duration
	Interfaces func() ([]Interface, error)
}

// NewHostPlatform polls every interval (10s when zero).
func NewHostPlatform(prober *HTTPProber, interval time.Duration) *HostPlatform {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &HostPlatform{Prober: prober, Interval: interval, Interfaces: hostInterfaces}
}

// Fetch takes one reading.
func (h *HostPlatform) Fetch(ctx context.Context) (State, error) {
	list := h.Interfaces
	if list == nil {
		list = hostInterfaces
	}
	ifaces, err := list()
	if err != nil {
		return State{Type: TypeUnknown}, fmt.Errorf("failed to list network interfaces: %w", err)
	}

	st := State{Type: TypeNone}
	for _, ifc := range ifaces {
		if !ifc.Up || ifc.Loop || ifc.Addrs == 0 {
			continue
		}
		st.IsConnected = true
		t := guessType(ifc.Name)
		if st.Type == TypeNone || rank(t) < rank(st.Type) {
			st.Type = t
		}
	}
	if st.IsConnected && h.Prober != nil {
		st.IsInternetReachable = h.Prober.Probe(ctx)
	}
	return st, nil
}

// Subscribe polls in a goroutine until the returned func is called.
func (h *HostPlatform) Subscribe(fn func(State)) (unsubscribe func()) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if st, err := h.Fetch(ctx); err == nil {
					fn(st)
				}
			}
		}
	}()
	return func() {
		cancel()
		wg.Wait()
	}
}

func guessType(name string) ConnectionType {
	n := strings.ToLower(name)
	switch {
	case strings.HasPrefix(n, "wl"), strings.HasPrefix(n, "wifi"), strings.HasPrefix(n, "ath"):
		return TypeWiFi
	case strings.HasPrefix(n, "ww"), strings.HasPrefix(n, "rmnet"), strings.HasPrefix(n, "pdp_ip"), strings.HasPrefix(n, "ccmni"):
		return TypeCellular
	case strings.HasPrefix(n, "eth"), strings.HasPrefix(n, "en"):
		return TypeEthernet
	default:
		return TypeUnknown
	}
}

// rank prefers the connection a user would consider primary.
func rank(t ConnectionType) int {
	switch t {
	case TypeEthernet:
		return 0
	case TypeWiFi:
		return 1
	case TypeCellular:
		return 2
	default:
		return 3
	}
}

// StaticPlatform is a settable platform for tests and simulations.
type StaticPlatform struct {
	mu     sync.Mutex
	state  State
	err    error
	subs   map[int]func(State)
	nextID int
}

// NewStaticPlatform starts in state st.
func NewStaticPlatform(st State) *StaticPlatform {
	return &StaticPlatform{state: st, subs: make(map[int]func(State))}
}

// Fetch returns the current state or the error set by SetError.
func (p *StaticPlatform) Fetch(context.Context) (State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.err
}

// Subscribe registers fn for Set calls.
func (p *StaticPlatform) Subscribe(fn func(State)) (unsubscribe func()) {
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// Set changes the state and pushes it to subscribers synchronously.
func (p *StaticPlatform) Set(st State) {
	p.mu.Lock()
	p.state = st
	subs := make([]func(State), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(st)
	}
}

// SetOnline is Set with a connected, reachable wifi or a disconnected state.
func (p *StaticPlatform) SetOnline(online bool) {
	if online {
		p.Set(State{IsConnected: true, IsInternetReachable: true, Type: TypeWiFi})
		return
	}
	p.Set(State{Type: TypeNone})
}

// SetError makes Fetch fail.
func (p *StaticPlatform) SetError(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Subscribers returns the number of active subscriptions.
func (p *StaticPlatform) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
