// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasync

import "time"

// Status is what a host UI renders about synchronization. The counters
// describe the most recent batch.
type Status struct {
	IsOnline     bool       `json:"is_online" yaml:"is_online"`
	LastSync     *time.Time `json:"last_sync,omitempty" yaml:"last_sync,omitempty"`
	PendingItems int        `json:"pending_items" yaml:"pending_items"`
	IsSyncing    bool       `json:"is_syncing" yaml:"is_syncing"`
	Errors       []string   `json:"errors,omitempty" yaml:"errors,omitempty"`

	Delivered int `json:"delivered" yaml:"delivered"`
	Deferred  int `json:"deferred" yaml:"deferred"`
	Failed    int `json:"failed" yaml:"failed"`
	Evicted   int `json:"evicted" yaml:"evicted"`
	Skipped   int `json:"skipped" yaml:"skipped"`
}

func (s Status) clone() Status {
	if s.LastSync != nil {
		t := *s.LastSync
		s.LastSync = &t
	}
	s.Errors = append([]string(nil), s.Errors...)
	return s
}
