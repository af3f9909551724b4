package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/store"
)

// Authenticator verifies a client's token.
type Authenticator interface {
	Authenticate(ctx context.Context, client, token string) error
}

// ClientStoreAuthenticator checks tokens against bcrypt hashes in a
// ClientStore. Successful checks are cached for ttl since bcrypt is slow by
// construction and every pipelined request carries credentials.
type ClientStoreAuthenticator struct {
	clients store.ClientStore
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	cache map[string]time.Time
}

func NewClientStoreAuthenticator(clients store.ClientStore, ttl time.Duration) *ClientStoreAuthenticator {
	return &ClientStoreAuthenticator{
		clients: clients,
		ttl:     ttl,
		now:     time.Now,
		cache:   make(map[string]time.Time),
	}
}

func (a *ClientStoreAuthenticator) Authenticate(ctx context.Context, client, token string) error {
	if client == "" || token == "" {
		return custom_errors.ErrUnauthorized
	}
	key := cacheKey(client, token)

	a.mu.Lock()
	expires, ok := a.cache[key]
	a.mu.Unlock()
	if ok && a.now().Before(expires) {
		return nil
	}

	found, err := a.clients.Find(ctx, client, token)
	if err != nil {
		if errors.Is(err, custom_errors.ErrUnauthorized) {
			return custom_errors.ErrUnauthorized
		}
		return err
	}
	if found == nil {
		return custom_errors.ErrUnauthorized
	}

	if a.ttl > 0 {
		a.mu.Lock()
		a.cache[key] = a.now().Add(a.ttl)
		a.mu.Unlock()
	}
	return nil
}

func cacheKey(client, token string) string {
	sum := sha256.Sum256([]byte(client + "\x00" + token))
	return hex.EncodeToString(sum[:])
}
