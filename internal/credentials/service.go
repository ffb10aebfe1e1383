// Package credentials resolves broker credentials for users and for the
// system identity used by background polling.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bracket-core/pkg/crypto"
	"bracket-core/pkg/db"
	"bracket-core/pkg/exchanges/common"
)

// ErrNotFound is returned when a user has no stored broker account.
var ErrNotFound = errors.New("broker credentials not found")

// Sealer encrypts tokens at rest.
type Sealer interface {
	Seal(userID int64, token string) (string, error)
	Open(userID int64, sealed string) (string, error)
	CurrentVersion() int
}

type cached struct {
	creds    common.Credentials
	loadedAt time.Time
}

// Service looks up credentials with a short-lived in-memory cache in front of the store.
type Service struct {
	store  *db.CredentialStore
	sealer Sealer
	system common.Credentials
	ttl    time.Duration

	mu    sync.Mutex
	cache map[int64]cached
}

// NewService creates a credential service. system is returned by System().
func NewService(store *db.CredentialStore, sealer Sealer, system common.Credentials, ttl time.Duration) *Service {
	system.System = true
	return &Service{
		store:  store,
		sealer: sealer,
		system: system,
		ttl:    ttl,
		cache:  make(map[int64]cached),
	}
}

var _ Sealer = (*crypto.TokenSealer)(nil)

// Get returns the broker credentials of userID.
func (s *Service) Get(ctx context.Context, userID int64) (common.Credentials, error) {
	if userID == s.system.UserID {
		return s.system, nil
	}

	s.mu.Lock()
	if c, ok := s.cache[userID]; ok && time.Since(c.loadedAt) < s.ttl {
		s.mu.Unlock()
		return c.creds, nil
	}
	s.mu.Unlock()

	row, err := s.store.Get(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return common.Credentials{}, ErrNotFound
	}
	if err != nil {
		return common.Credentials{}, err
	}
	token, err := s.sealer.Open(userID, row.AccessTokenEncrypted)
	if err != nil {
		return common.Credentials{}, fmt.Errorf("open access token for user %d: %w", userID, err)
	}

	creds := common.Credentials{UserID: userID, ClientID: row.ClientID, AccessToken: token}
	s.mu.Lock()
	s.cache[userID] = cached{creds: creds, loadedAt: time.Now()}
	s.mu.Unlock()
	return creds, nil
}

// Put stores (or replaces) a user's broker account.
func (s *Service) Put(ctx context.Context, userID int64, clientID, accessToken string) error {
	if clientID == "" || accessToken == "" {
		return fmt.Errorf("client id and access token are required")
	}
	sealed, err := s.sealer.Seal(userID, accessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	if err := s.store.Upsert(ctx, db.Credential{
		UserID:               userID,
		ClientID:             clientID,
		AccessTokenEncrypted: sealed,
		KeyVersion:           s.sealer.CurrentVersion(),
	}); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
	return nil
}

// System returns the credentials used for market-data polling.
func (s *Service) System() common.Credentials {
	return s.system
}
