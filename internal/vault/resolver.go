package vault

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mtzanidakis/flowmesh/internal/store"
)

// RefPrefix marks a config value that names a secret instead of holding it.
const RefPrefix = "secret:"

var ErrSecretNotFound = errors.New("secret not found")

// SecretStore is the part of the store the resolver reads from.
type SecretStore interface {
	GetSecret(name string) (*store.Secret, error)
}

// Resolver turns secret references in agent configuration into plaintext.
type Resolver struct {
	vault   *Vault
	secrets SecretStore
}

func NewResolver(v *Vault, secrets SecretStore) *Resolver {
	return &Resolver{vault: v, secrets: secrets}
}

// Resolve decrypts the named secret.
func (r *Resolver) Resolve(name string) (string, error) {
	sec, err := r.secrets.GetSecret(name)
	if err != nil {
		return "", fmt.Errorf("load secret %s: %w", name, err)
	}
	if sec == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, name)
	}
	plain, err := r.vault.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return "", fmt.Errorf("secret %s: %w", name, err)
	}
	return string(plain), nil
}

// ResolveValue returns value unchanged unless it is a secret reference.
// A nil resolver leaves references unresolved and reports an error for them.
func (r *Resolver) ResolveValue(value string) (string, error) {
	name, ok := strings.CutPrefix(value, RefPrefix)
	if !ok {
		return value, nil
	}
	if r == nil {
		return "", fmt.Errorf("secret %s referenced but vault is not configured", name)
	}
	return r.Resolve(name)
}

// ResolveMap resolves every value in m into a new map.
func (r *Resolver) ResolveMap(m map[string]string) (map[string]string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		resolved, err := r.ResolveValue(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = resolved
	}
	return out, nil
}

// Seal encrypts value into a store record.
func (v *Vault) Seal(id, name, description, value string) (*store.Secret, error) {
	ct, nonce, err := v.Encrypt([]byte(value))
	if err != nil {
		return nil, err
	}
	return &store.Secret{ID: id, Name: name, Description: description, Value: ct, Nonce: nonce}, nil
}
