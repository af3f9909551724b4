package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/types"
	"golang.org/x/crypto/bcrypt"
)

type MemoryClientStore struct {
	mu      sync.RWMutex
	clients map[string]types.Client
	nextID  int64
}

func NewMemoryClientStore() *MemoryClientStore {
	return &MemoryClientStore{clients: make(map[string]types.Client)}
}

func (s *MemoryClientStore) Create(ctx context.Context, name, secret string) (int64, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.clients[name] = types.Client{ID: s.nextID, Name: name, Secret: string(hashed)}
	return s.nextID, nil
}

func (s *MemoryClientStore) Register(ctx context.Context, name, secretHash string) error {
	if _, err := bcrypt.Cost([]byte(secretHash)); err != nil {
		return fmt.Errorf("client %s: invalid bcrypt hash: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.clients[name] = types.Client{ID: s.nextID, Name: name, Secret: secretHash}
	return nil
}

func (s *MemoryClientStore) Find(ctx context.Context, name, secret string) (*types.Client, error) {
	s.mu.RLock()
	client, ok := s.clients[name]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.Secret), []byte(secret)); err != nil {
		return nil, custom_errors.ErrUnauthorized
	}
	client.Secret = ""
	return &client, nil
}

func (s *MemoryClientStore) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[name]; !ok {
		return fmt.Errorf("client %s: %w", name, custom_errors.ErrNotFound)
	}
	delete(s.clients, name)
	return nil
}
