package store

import (
	"context"

	"github.com/RezaEskandarii/hpcfire/types"
)

// ClientStore holds the credentials of gateway callers.
type ClientStore interface {
	// Create registers name with secret, replacing any previous registration.
	Create(ctx context.Context, name, secret string) (int64, error)
	// Register stores an already hashed secret, as read from configuration.
	Register(ctx context.Context, name, secretHash string) error
	// Find returns the client when the secret matches, nil when the name is unknown.
	Find(ctx context.Context, name, secret string) (*types.Client, error)
	Delete(ctx context.Context, name string) error
}
