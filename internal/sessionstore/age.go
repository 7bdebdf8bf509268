package sessionstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"

	"photovote/internal/config"
	"photovote/internal/photovote"
)

// AgeStore keeps the session in a file encrypted with filippo.io/age to a
// local X25519 identity. The identity is generated on first save.
type AgeStore struct {
	path         string
	identityPath string

	mu sync.Mutex
}

var _ photovote.SessionStore = (*AgeStore)(nil)

// NewAgeStore creates an AgeStore from configuration.
func NewAgeStore(cfg config.SessionConfig) *AgeStore {
	return &AgeStore{
		path:         cfg.Path,
		identityPath: cfg.IdentityPath,
	}
}

// Load decrypts the saved session. It returns nil when none is saved.
func (s *AgeStore) Load() (*photovote.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session file: %w", err)
	}

	identity, err := s.loadIdentity()
	if err != nil {
		return nil, err
	}

	r, err := age.Decrypt(bytes.NewReader(data), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting session: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted session: %w", err)
	}

	var sess photovote.Session
	if err := json.Unmarshal(plain, &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

// Save encrypts and writes the session, replacing any previous one.
func (s *AgeStore) Save(sess *photovote.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	identity, err := s.ensureIdentity()
	if err != nil {
		return err
	}

	plain, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*")
	if err != nil {
		return fmt.Errorf("creating temp session file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w, err := age.Encrypt(tmp, identity.Recipient())
	if err != nil {
		tmp.Close()
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		tmp.Close()
		return fmt.Errorf("writing encrypted session: %w", err)
	}
	if err := w.Close(); err != nil {
		tmp.Close()
		return fmt.Errorf("finalizing encrypted session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp session file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing session file: %w", err)
	}
	return nil
}

// Clear removes the saved session. The identity is kept.
func (s *AgeStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing session file: %w", err)
	}
	return nil
}

func (s *AgeStore) ensureIdentity() (*age.X25519Identity, error) {
	id, err := s.loadIdentity()
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	id, err = age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.identityPath), 0700); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	if err := os.WriteFile(s.identityPath, []byte(id.String()+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}
	return id, nil
}

func (s *AgeStore) loadIdentity() (*age.X25519Identity, error) {
	data, err := os.ReadFile(s.identityPath)
	if err != nil {
		return nil, fmt.Errorf("reading identity: %w", err)
	}
	id, err := age.ParseX25519Identity(string(bytes.TrimSpace(data)))
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	return id, nil
}
