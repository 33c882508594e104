package crypto

import (
	"errors"
	"fmt"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keystoreService = "kbupload"
	keystoreUser    = "api-token"
)

// LoadAPIToken loads the ingestion API token from the system keychain.
// A missing entry is not an error and yields an empty token.
func LoadAPIToken() (string, error) {
	token, err := keyring.Get(keystoreService, keystoreUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read API token from keychain: %w", err)
	}
	return token, nil
}

// StoreAPIToken saves token in the system keychain, replacing any previous one
func StoreAPIToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("API token is empty")
	}
	if err := keyring.Set(keystoreService, keystoreUser, token); err != nil {
		return fmt.Errorf("failed to store API token in keychain: %w", err)
	}
	return nil
}

// DeleteAPIToken removes the stored token. Deleting a missing token succeeds.
func DeleteAPIToken() error {
	err := keyring.Delete(keystoreService, keystoreUser)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return nil
}

// ResolveAPIToken prefers an explicitly configured token and falls back to
// the keychain.
func ResolveAPIToken(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	return LoadAPIToken()
}
