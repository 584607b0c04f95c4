// Package auth keeps the access/refresh token pair and recovers from expired
// access tokens: a Coordinator runs exactly one refresh for any number of
// concurrent 401 responses and tells every waiting call to replay.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gaborage/netcore/internal/fsutil"
)

// ErrNoToken is returned by TokenStore.Load when nothing is stored.
var ErrNoToken = errors.New("auth: no token stored")

// TokenPair is the credential set issued by the backend.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type,omitempty"`
}

// ExpiresAt decodes the exp claim of a JWT access token without verifying
// the signature. ok is false for opaque tokens or tokens without exp.
func (p TokenPair) ExpiresAt() (time.Time, bool) {
	if p.AccessToken == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.AccessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// TokenStore is the secure credential storage capability. Implementations
// must be safe for concurrent use and make Save visible atomically.
type TokenStore interface {
	Load(ctx context.Context) (TokenPair, error)
	Save(ctx context.Context, pair TokenPair) error
	Clear(ctx context.Context) error
}

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	pair TokenPair
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(_ context.Context) (TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pair == (TokenPair{}) {
		return TokenPair{}, ErrNoToken
	}
	return s.pair, nil
}

func (s *MemoryStore) Save(_ context.Context, pair TokenPair) error {
	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	s.pair = TokenPair{}
	s.mu.Unlock()
	return nil
}

// FileStore persists tokens as a 0600 JSON file. Intended for desktop and
// development builds where no platform keychain is available.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store backed by path. The file is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load(_ context.Context) (TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return TokenPair{}, ErrNoToken
		}
		return TokenPair{}, fmt.Errorf("read token file: %w", err)
	}

	var pair TokenPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return TokenPair{}, fmt.Errorf("decode token file: %w", err)
	}
	if pair == (TokenPair{}) {
		return TokenPair{}, ErrNoToken
	}
	return pair, nil
}

func (s *FileStore) Save(_ context.Context, pair TokenPair) error {
	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("encode tokens: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return fsutil.WriteFileAtomic(s.path, data, 0o600)
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}
