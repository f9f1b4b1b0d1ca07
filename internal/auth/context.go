// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
)

type contextKey string

const (
	tenantIDKey contextKey = "tenant_id"
	userIDKey   contextKey = "user_id"
)

// WithTenantID returns ctx carrying the active tenant.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantID returns the tenant carried by ctx.
func TenantID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantIDKey).(string)
	return id, ok && id != ""
}

// WithUserID returns ctx carrying the signed-in user's uuid.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserID returns the user carried by ctx.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// WithIdentity sets both ids.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return WithTenantID(WithUserID(ctx, id.UserID), id.TenantID)
}
