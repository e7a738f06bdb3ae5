// Package keyring stores the manually configured NeboLoop API token in the
// OS keychain so it never sits in the config file in plain text.
package keyring

import (
	"fmt"
	"os"

	zkr "github.com/zalando/go-keyring"
)

const (
	serviceName = "conductor"
	accountName = "loop-api-token"
)

// GetToken retrieves the manual API token from the OS keychain.
func GetToken() (string, error) {
	token, err := zkr.Get(serviceName, accountName)
	if err != nil {
		return "", fmt.Errorf("keychain get: %w", err)
	}
	return token, nil
}

// SetToken stores the manual API token in the OS keychain.
func SetToken(token string) error {
	return zkr.Set(serviceName, accountName, token)
}

// DeleteToken removes the manual API token from the OS keychain.
func DeleteToken() error {
	return zkr.Delete(serviceName, accountName)
}

// Available returns true if the OS keychain is functional.
// Returns false when CONDUCTOR_KEYRING_DISABLED=1 (headless/CI/Docker).
// Otherwise probes the keychain with a test write/delete cycle.
func Available() bool {
	if os.Getenv("CONDUCTOR_KEYRING_DISABLED") == "1" {
		return false
	}
	testService := "conductor-keyring-probe"
	testAccount := "probe"
	if err := zkr.Set(testService, testAccount, "ok"); err != nil {
		return false
	}
	_ = zkr.Delete(testService, testAccount)
	return true
}
