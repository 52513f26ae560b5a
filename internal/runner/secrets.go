package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/age"

	"github.com/sevigo/ci-dispatch/internal/core"
)

var errNoIdentity = errors.New("no identity configured")

// SecretStore resolves named secrets to their material.
type SecretStore interface {
	// Resolve returns the material for name or a *core.SecretResolutionError.
	Resolve(ctx context.Context, name string) ([]byte, error)
}

// AgeSecretStore keeps each secret in <dir>/<name>.age, encrypted to the
// runner's identity.
type AgeSecretStore struct {
	dir        string
	identities []age.Identity
}

// NewAgeSecretStore loads the identities from identityFile. An empty path
// yields a store that fails every lookup.
func NewAgeSecretStore(dir, identityFile string) (*AgeSecretStore, error) {
	s := &AgeSecretStore{dir: dir}
	if identityFile == "" {
		return s, nil
	}
	f, err := os.Open(identityFile)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity file: %w", err)
	}
	defer f.Close()

	s.identities, err = age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identity file %s: %w", identityFile, err)
	}
	return s, nil
}

func (s *AgeSecretStore) Resolve(_ context.Context, name string) ([]byte, error) {
	fail := func(err error) ([]byte, error) {
		return nil, &core.SecretResolutionError{Name: name, Err: err}
	}
	if name == "" || filepath.Base(name) != name || name == "." || name == ".." {
		return fail(fmt.Errorf("invalid secret name"))
	}
	if len(s.identities) == 0 {
		return fail(errNoIdentity)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name+".age"))
	if err != nil {
		return fail(err)
	}
	r, err := age.Decrypt(bytes.NewReader(data), s.identities...)
	if err != nil {
		return fail(err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return fail(err)
	}
	return plain, nil
}

// writeSecrets resolves every name and writes it to dir/<name>. The first
// failure aborts.
func writeSecrets(ctx context.Context, store SecretStore, dir string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create secrets dir: %w", err)
	}
	for _, name := range names {
		material, err := store.Resolve(ctx, name)
		if err != nil {
			var resErr *core.SecretResolutionError
			if !errors.As(err, &resErr) {
				err = &core.SecretResolutionError{Name: name, Err: err}
			}
			return err
		}
		if err := os.WriteFile(filepath.Join(dir, name), material, 0o400); err != nil {
			return fmt.Errorf("failed to write secret %s: %w", name, err)
		}
	}
	return nil
}
