// Package secrets resolves build host credentials. Credentials are stored
// one per file as age-encrypted YAML, so the store directory can live in
// version control next to the routines.
package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
	"gopkg.in/yaml.v3"

	"github.com/andrej220/goldenimage/pkg/executor"
)

const fileExt = ".age"

var (
	ErrNotFound   = errors.New("credential not found")
	ErrInvalidRef = errors.New("invalid credential reference")
)

// AgeStore reads <dir>/<ref>.age files.
type AgeStore struct {
	dir        string
	identities []age.Identity
}

// NewAgeStore loads the identities in identityFile (age-keygen output, one
// AGE-SECRET-KEY per line).
func NewAgeStore(dir, identityFile string) (*AgeStore, error) {
	f, err := os.Open(identityFile)
	if err != nil {
		return nil, fmt.Errorf("opening identity file: %w", err)
	}
	defer f.Close()
	ids, err := age.ParseIdentities(f)
	if err != nil {
		return nil, fmt.Errorf("parsing identities: %w", err)
	}
	return &AgeStore{dir: dir, identities: ids}, nil
}

// NewAgeStoreWithIdentity is NewAgeStore for an identity held in memory.
func NewAgeStoreWithIdentity(dir string, ids ...age.Identity) *AgeStore {
	return &AgeStore{dir: dir, identities: ids}
}

func (s *AgeStore) path(ref string) (string, error) {
	if err := checkRef(ref); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, ref+fileExt), nil
}

func (s *AgeStore) Resolve(_ context.Context, ref string) (executor.Credential, error) {
	p, err := s.path(ref)
	if err != nil {
		return executor.Credential{}, err
	}
	ciphertext, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return executor.Credential{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return executor.Credential{}, err
	}

	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identities...)
	if err != nil {
		return executor.Credential{}, fmt.Errorf("decrypting %s: %w", ref, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return executor.Credential{}, fmt.Errorf("reading decrypted %s: %w", ref, err)
	}
	var cred executor.Credential
	if err := yaml.Unmarshal(plaintext, &cred); err != nil {
		return executor.Credential{}, fmt.Errorf("parsing %s: %w", ref, err)
	}
	return cred, nil
}

// Seal encrypts cred to the given age public keys and writes it as
// <dir>/<ref>.age.
func Seal(dir, ref string, cred executor.Credential, recipientKeys ...string) error {
	if err := checkRef(ref); err != nil {
		return err
	}
	if len(recipientKeys) == 0 {
		return fmt.Errorf("at least one recipient is required")
	}
	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return fmt.Errorf("parsing recipient key %q: %w", key, err)
		}
		recipients = append(recipients, r)
	}

	plaintext, err := yaml.Marshal(cred)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing age encryption: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, ref+fileExt), buf.Bytes(), 0o600)
}

// refs are host names or short labels, never paths
func checkRef(ref string) error {
	if ref == "" || ref == "." || ref == ".." || strings.ContainsAny(ref, `/\`) {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}

// Static serves credentials from memory. Used for local runs and tests.
type Static map[string]executor.Credential

func (s Static) Resolve(_ context.Context, ref string) (executor.Credential, error) {
	c, ok := s[ref]
	if !ok {
		return executor.Credential{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	return c, nil
}
