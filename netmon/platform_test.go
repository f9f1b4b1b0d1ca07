// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package netmon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedProber bool

func (p fixedProber) Probe(context.Context) bool { return bool(p) }

func TestHTTPProber_Expects204(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusNoContent)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := NewHTTPProber(srv.URL)
	assert.True(t, p.Probe(context.Background()))

	// A captive portal answers 200 with a login page.
	status.Store(http.StatusOK)
	assert.False(t, p.Probe(context.Background()))

	assert.Equal(t, DefaultProbeURL, NewHTTPProber("").URL)
}

func TestHostPlatform_Fetch(t *testing.T) {
	h := &HostPlatform{
		Prober:   fixedProber(true),
		Interval: time.Hour,
		Interfaces: func() ([]Interface, error) {
			return []Interface{
				{Name: "lo", Up: true, Loop: true, Addrs: 1},
				{Name: "wlan0", Up: true, Addrs: 2},
				{Name: "eth0", Up: false, Addrs: 1},
			}, nil
		},
	}
	st, err := h.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, State{IsConnected: true, IsInternetReachable: true, Type: TypeWiFi}, st)

	h.Prober = fixedProber(false)
	h.Interfaces = func() ([]Interface, error) {
		return []Interface{
			{Name: "wlan0", Up: true, Addrs: 1},
			{Name: "eth0", Up: true, Addrs: 1},
		}, nil
	}
	st, err = h.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, State{IsConnected: true, IsInternetReachable: false, Type: TypeEthernet}, st)

	h.Interfaces = func() ([]Interface, error) { return []Interface{{Name: "lo", Up: true, Loop: true, Addrs: 1}}, nil }
	st, err = h.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, offline, st)

	h.Interfaces = func() ([]Interface, error) { return nil, errors.New("denied") }
	_, err = h.Fetch(context.Background())
	assert.Error(t, err)
}

func TestHostPlatform_SubscribePolls(t *testing.T) {
	h := &HostPlatform{
		Prober:     fixedProber(true),
		Interval:   5 * time.Millisecond,
		Interfaces: func() ([]Interface, error) { return []Interface{{Name: "rmnet0", Up: true, Addrs: 1}}, nil },
	}
	got := make(chan State, 16)
	unsubscribe := h.Subscribe(func(s State) {
		select {
		case got <- s:
		default:
		}
	})
	select {
	case s := <-got:
		assert.Equal(t, TypeCellular, s.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no reading from host platform")
	}
	unsubscribe()
}

func TestGuessType(t *testing.T) {
	cases := map[string]ConnectionType{
		"wlan0":   TypeWiFi,
		"wlp3s0":  TypeWiFi,
		"eth0":    TypeEthernet,
		"en0":     TypeEthernet,
		"pdp_ip0": TypeCellular,
		"wwan0":   TypeCellular,
		"tun0":    TypeUnknown,
	}
	for name, want := range cases {
		assert.Equal(t, want, guessType(name), name)
	}
}
