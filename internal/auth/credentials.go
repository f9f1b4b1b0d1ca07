// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"

	"github.com/Deijai/innoma-obras/securestore"
)

// ErrInvalidCredentials is returned when the email or password does not match
// the saved credentials, or none are saved.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Verifier checks a password offline against what was saved at the last
// online login.
type Verifier interface {
	Save(ctx context.Context, tenantID, email, password string) error
	Verify(ctx context.Context, email, password string) (tenantID string, err error)
}

// Argon2Params are the argon2id cost parameters.
type Argon2Params struct {
	Time    uint32 `json:"t"`
	Memory  uint32 `json:"m"` // KiB
	Threads uint8  `json:"p"`
	KeyLen  uint32 `json:"k"`
}

// DefaultArgon2Params follows the RFC 9106 second recommended option.
var DefaultArgon2Params = Argon2Params{Time: 3, Memory: 64 * 1024, Threads: 4, KeyLen: 32}

type savedCredentials struct {
	TenantID string       `json:"tenant_id"`
	Email    string       `json:"email"`
	Salt     []byte       `json:"salt"`
	Hash     []byte       `json:"hash"`
	Params   Argon2Params `json:"params"`
}

// Argon2Verifier keeps one salted argon2id hash in the secure store.
type Argon2Verifier struct {
	store  securestore.Store
	params Argon2Params
}

// NewArgon2Verifier stores credentials in store using params (defaults when zero).
func NewArgon2Verifier(store securestore.Store, params Argon2Params) *Argon2Verifier {
	if params == (Argon2Params{}) {
		params = DefaultArgon2Params
	}
	return &Argon2Verifier{store: store, params: params}
}

func (v *Argon2Verifier) Save(ctx context.Context, tenantID, email, password string) error {
	if tenantID == "" || email == "" || password == "" {
		return fmt.Errorf("tenant, email and password are required")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	rec := savedCredentials{
		TenantID: tenantID,
		Email:    normalizeEmail(email),
		Salt:     salt,
		Hash:     derive(password, salt, v.params),
		Params:   v.params,
	}
	if err := securestore.SetObject(ctx, v.store, securestore.KeyUserCredentials, rec); err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (v *Argon2Verifier) Verify(ctx context.Context, email, password string) (string, error) {
	var rec savedCredentials
	err := securestore.GetObject(ctx, v.store, securestore.KeyUserCredentials, &rec)
	if errors.Is(err, securestore.ErrNotFound) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("failed to load credentials: %w", err)
	}

	got := derive(password, rec.Salt, rec.Params)
	emailOK := subtle.ConstantTimeCompare([]byte(normalizeEmail(email)), []byte(rec.Email)) == 1
	hashOK := subtle.ConstantTimeCompare(got, rec.Hash) == 1
	if !emailOK || !hashOK {
		return "", ErrInvalidCredentials
	}
	return rec.TenantID, nil
}

func derive(password string, salt []byte, p Argon2Params) []byte {
	return argon2.IDKey([]byte(password), salt, p.Time, p.Memory, p.Threads, p.KeyLen)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
