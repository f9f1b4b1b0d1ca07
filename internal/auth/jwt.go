// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "innoma-obras"

// Identity is who a token speaks for.
type Identity struct {
	UserID   string `json:"user_id"`
	TenantID string `json:"tenant_id"`
}

// Claims carries the tenant next to the standard claims; the user uuid is
// the subject.
type Claims struct {
	TenantID string `json:"tid"`
	jwt.RegisteredClaims
}

// Identity returns the ids in c.
func (c *Claims) Identity() Identity {
	return Identity{UserID: c.Subject, TenantID: c.TenantID}
}

// JWTAuth issues and checks HS256 tokens.
type JWTAuth struct {
	secret []byte
	now    func() time.Time
}

func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret), now: time.Now}
}

// GenerateToken signs a token for user in tenant valid for ttl.
func (j *JWTAuth) GenerateToken(userID, tenantID string, ttl time.Duration) (string, error) {
	if userID == "" || tenantID == "" {
		return "", fmt.Errorf("user and tenant are required")
	}
	now := j.now()
	claims := &Claims{
		TenantID: tenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(j.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken verifies signature, expiry and the presence of both ids.
func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	}, jwt.WithTimeFunc(j.now))
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if err := claims.check(); err != nil {
		return nil, err
	}
	return claims, nil
}

func (c *Claims) check() error {
	if c.Subject == "" {
		return fmt.Errorf("missing sub (user id) in token")
	}
	if c.TenantID == "" {
		return fmt.Errorf("missing tid (tenant id) in token")
	}
	return nil
}

// ParseIdentity reads the ids from a token without checking its signature.
// The client uses it to keep working offline with a token it obtained while
// online; it must never be used to authorize anything.
func ParseIdentity(tokenString string) (Identity, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return Identity{}, fmt.Errorf("failed to parse token: %w", err)
	}
	if err := claims.check(); err != nil {
		return Identity{}, err
	}
	return claims.Identity(), nil
}

// Middleware authenticates Bearer requests and puts the identity in the
// request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(tokenString)
		if err != nil {
			prefix := tokenString
			if len(prefix) > 20 {
				prefix = prefix[:20]
			}
			slog.Warn("JWT validation failed", "error", err, "token_prefix", prefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}
		if tid := r.Header.Get("X-Tenant-ID"); tid != "" && tid != claims.TenantID {
			http.Error(w, "Tenant mismatch", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), claims.Identity())))
	})
}
