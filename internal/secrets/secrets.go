// Package secrets resolves credential references in configuration
// values. A value of the form "keyring:<service>/<user>" is looked up in
// the OS keyring; anything else passes through unchanged.
package secrets

import (
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/openclaw/openclaw/internal/clawerr"
)

const keyringPrefix = "keyring:"

// Resolve expands a keyring reference, returning plain values untouched.
func Resolve(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, keyringPrefix) {
		return value, nil
	}
	ref := strings.TrimPrefix(trimmed, keyringPrefix)
	service, user, ok := strings.Cut(ref, "/")
	if !ok || service == "" || user == "" {
		return "", clawerr.Newf(clawerr.KindSerialization, "malformed keyring reference %q", trimmed)
	}
	secret, err := keyring.Get(service, user)
	if err != nil {
		return "", clawerr.Wrap(clawerr.KindNotFound, "keyring lookup "+ref, err)
	}
	return secret, nil
}

// Store writes a secret under a keyring reference, returning the
// reference string suitable for a config value.
func Store(service, user, secret string) (string, error) {
	if err := keyring.Set(service, user, secret); err != nil {
		return "", clawerr.Wrap(clawerr.KindIO, "keyring store", err)
	}
	return keyringPrefix + service + "/" + user, nil
}

// IsReference reports whether the value is a keyring reference.
func IsReference(value string) bool {
	return strings.HasPrefix(strings.TrimSpace(value), keyringPrefix)
}
