// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package obrasync

import (
	"context"
	"errors"
	"net"
	"time"
)

// IsTransient reports whether a delivery failure should be retried without
// consuming one of the item's attempts.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Transient
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func transientStatus(code int) bool {
	switch {
	case code >= 500:
		return true
	case code == 408, // request timeout
		code == 425, // too early
		code == 429: // too many requests
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
