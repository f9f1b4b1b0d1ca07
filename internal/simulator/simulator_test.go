// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package simulator

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Deijai/innoma-obras/obrasqlite"
)

func TestRun_DrainsInCaptureOrder(t *testing.T) {
	report, err := Run(context.Background(), Options{Projects: 4, Timeout: 10 * time.Second})
	require.NoError(t, err)

	assert.Zero(t, report.OfflineRequests)
	assert.Zero(t, report.Pending)
	assert.True(t, report.InOrder)
	assert.Equal(t, report.Queued, report.Delivered)
	// tenant + owner + 4 projects + 4 tasks + progress update + soft delete
	assert.GreaterOrEqual(t, report.Queued, 12)

	methods := map[string]int{}
	for _, r := range report.Requests {
		methods[r.Method]++
		assert.NotEmpty(t, r.IdempotencyKey)
		assert.True(t, strings.HasPrefix(r.Path, "/tables/"), r.Path)
	}
	assert.Equal(t, 1, methods[http.MethodDelete])
	assert.GreaterOrEqual(t, methods[http.MethodPut], 1)

	last := report.Requests[len(report.Requests)-1]
	assert.Equal(t, http.MethodDelete, last.Method)
	assert.Contains(t, last.Path, "/tables/obras/records/")
}

func TestInOrder(t *testing.T) {
	items := []obrasqlite.Item{{ID: 1, RecordUUID: "a"}, {ID: 2, RecordUUID: "b"}}
	assert.True(t, inOrder(items, []Request{{IdempotencyKey: "sq-1-a"}, {IdempotencyKey: "sq-2-b"}}))
	assert.False(t, inOrder(items, []Request{{IdempotencyKey: "sq-2-b"}, {IdempotencyKey: "sq-1-a"}}))
	assert.False(t, inOrder(items, []Request{{IdempotencyKey: "sq-1-a"}}))
}
