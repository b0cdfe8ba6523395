// Package credentials loads connector credentials from a file and publishes
// them into the injector.
package credentials

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"sort"
	"strings"
	"sync"

	"filippo.io/age"
	"filippo.io/age/armor"

	"ex-kagura/pkg/kagura"
)

const armorHeader = "-----BEGIN AGE ENCRYPTED FILE-----"

// Publisher receives credential values.
type Publisher interface {
	Provide(key string, data any) uint64
	Withdraw(key string)
}

// Source reads a JSON object mapping connector ids to credentials.
//
// Files carrying an age header are decrypted with the configured identities
// first.
type Source struct {
	path       string
	identities []age.Identity
	publisher  Publisher
	logger     *slog.Logger

	mu      sync.Mutex
	current map[kagura.ConnectorID]kagura.Credential
}

// Option mutates source construction.
type Option func(*Source)

// WithIdentities decrypts age-encrypted files with identities.
func WithIdentities(identities ...age.Identity) Option {
	return func(s *Source) {
		s.identities = append(s.identities, identities...)
	}
}

// WithLogger configures source logging.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSource creates a credential source reading path.
func NewSource(path string, publisher Publisher, options ...Option) (*Source, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("new credential source: empty path")
	}
	if publisher == nil {
		return nil, fmt.Errorf("new credential source: nil publisher")
	}

	source := &Source{
		path:      path,
		publisher: publisher,
		logger:    slog.Default(),
		current:   make(map[kagura.ConnectorID]kagura.Credential),
	}
	for _, option := range options {
		option(source)
	}

	return source, nil
}

// LoadIdentities reads an age identity file or, when passphrase is set,
// returns a scrypt identity.
func LoadIdentities(identityFile string, passphrase string) ([]age.Identity, error) {
	if passphrase != "" {
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("load scrypt identity: %w", err)
		}
		return []age.Identity{identity}, nil
	}
	if identityFile == "" {
		return nil, nil
	}

	file, err := os.Open(identityFile)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer file.Close()

	identities, err := age.ParseIdentities(file)
	if err != nil {
		return nil, fmt.Errorf("parse identity file: %w", err)
	}

	return identities, nil
}

// Load reads the file and publishes every changed credential. Connectors
// absent from the file have their credential withdrawn.
func (s *Source) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("load credentials: %w", err)
	}

	loaded, err := s.read()
	if err != nil {
		return fmt.Errorf("load credentials %s: %w", s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(loaded))
	for id := range loaded {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, rawID := range ids {
		id := kagura.ConnectorID(rawID)
		credential := loaded[id]
		if previous, ok := s.current[id]; ok && equal(previous, credential) {
			continue
		}
		version := s.publisher.Provide(kagura.CredentialKey(id), credential)
		s.logger.Info("credential published", "connector", rawID, "version", version)
	}
	for id := range s.current {
		if _, ok := loaded[id]; ok {
			continue
		}
		s.publisher.Withdraw(kagura.CredentialKey(id))
		s.logger.Info("credential withdrawn", "connector", string(id))
	}
	s.current = loaded

	return nil
}

// Reload is Load shaped as a file watcher callback.
func (s *Source) Reload(ctx context.Context, _ []string) {
	if err := s.Load(ctx); err != nil {
		s.logger.Error("reload credentials failed, keeping previous values", "error", err)
	}
}

func (s *Source) read() (map[kagura.ConnectorID]kagura.Credential, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	plain, err := s.decrypt(raw)
	if err != nil {
		return nil, err
	}

	var decoded map[string]kagura.Credential
	if err := json.Unmarshal(plain, &decoded); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	loaded := make(map[kagura.ConnectorID]kagura.Credential, len(decoded))
	for id, credential := range decoded {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("decode: empty connector id")
		}
		if credential.Token == "" {
			return nil, fmt.Errorf("decode %s: empty token", id)
		}
		loaded[kagura.ConnectorID(id)] = credential
	}

	return loaded, nil
}

func (s *Source) decrypt(raw []byte) ([]byte, error) {
	var reader io.Reader
	switch {
	case bytes.HasPrefix(bytes.TrimSpace(raw), []byte(armorHeader)):
		reader = armor.NewReader(bytes.NewReader(bytes.TrimSpace(raw)))
	case bytes.HasPrefix(raw, []byte("age-encryption.org/")):
		reader = bytes.NewReader(raw)
	default:
		return raw, nil
	}
	if len(s.identities) == 0 {
		return nil, fmt.Errorf("decrypt: file is age-encrypted but no identity is configured")
	}

	decrypted, err := age.Decrypt(bufio.NewReader(reader), s.identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	plain, err := io.ReadAll(decrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt read: %w", err)
	}

	return plain, nil
}

func equal(a kagura.Credential, b kagura.Credential) bool {
	return a.Username == b.Username && a.Token == b.Token && maps.Equal(a.Extra, b.Extra)
}
