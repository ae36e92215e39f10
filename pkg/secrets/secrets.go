// Package secrets resolves {{secret:key}} references.
package secrets

import (
	"context"
	"errors"
	"os"
	"strings"
)

// DefaultPrefix is prepended to the environment variable holding a secret.
const DefaultPrefix = "CHATFLOW_SECRET_"

var ErrSecretNotFound = errors.New("secret not found")

// Env reads secrets from environment variables. The key "billing.api-key"
// is read from <prefix>BILLING_API_KEY. Empty variables count as missing.
type Env struct {
	prefix string
	lookup func(string) (string, bool)
}

func NewEnv(prefix string) *Env {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Env{prefix: prefix, lookup: os.LookupEnv}
}

func (e *Env) ResolveSecret(_ context.Context, key string) (string, error) {
	name := e.VariableName(key)

	value, ok := e.lookup(name)
	if !ok || value == "" {
		return "", &Error{Key: key, Err: ErrSecretNotFound}
	}

	return value, nil
}

// VariableName returns the environment variable a key is read from.
func (e *Env) VariableName(key string) string {
	replacer := strings.NewReplacer(".", "_", "-", "_", "/", "_")

	return e.prefix + strings.ToUpper(replacer.Replace(key))
}

// Static serves secrets from a fixed map.
type Static map[string]string

func (s Static) ResolveSecret(_ context.Context, key string) (string, error) {
	value, ok := s[key]
	if !ok {
		return "", &Error{Key: key, Err: ErrSecretNotFound}
	}

	return value, nil
}

// Error never includes the secret value.
type Error struct {
	Key string
	Err error
}

func (e *Error) Error() string {
	return "secret " + e.Key + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
