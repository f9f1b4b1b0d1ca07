// Copyright 2025 The innoma-obras Authors
// SPDX-License-Identifier: Apache-2.0

package securestore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultService is the keychain service name entries are filed under.
const DefaultService = "innoma-obras"

// KeyringStore keeps values in the OS keychain (macOS Keychain, Secret
// Service on Linux, Windows Credential Manager).
type KeyringStore struct {
	service string
}

func NewKeyringStore(service string) *KeyringStore {
	if service == "" {
		service = DefaultService
	}
	return &KeyringStore{service: service}
}

func (k *KeyringStore) Get(_ context.Context, key string) (string, error) {
	v, err := keyring.Get(k.service, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read %s from keychain: %w", key, err)
	}
	return v, nil
}

func (k *KeyringStore) Set(_ context.Context, key, value string) error {
	if err := keyring.Set(k.service, key, value); err != nil {
		return fmt.Errorf("failed to write %s to keychain: %w", key, err)
	}
	return nil
}

func (k *KeyringStore) Delete(_ context.Context, key string) error {
	err := keyring.Delete(k.service, key)
	if err == nil || errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("failed to delete %s from keychain: %w", key, err)
}
