package memory

import (
	"context"
	"testing"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestMemoryClientStore(t *testing.T) {
	s := NewMemoryClientStore()
	ctx := context.Background()

	id, err := s.Create(ctx, "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	client, err := s.Find(ctx, "alice", "pw")
	require.NoError(t, err)
	require.NotNil(t, client)
	assert.Empty(t, client.Secret)

	_, err = s.Find(ctx, "alice", "nope")
	assert.ErrorIs(t, err, custom_errors.ErrUnauthorized)

	client, err = s.Find(ctx, "bob", "pw")
	require.NoError(t, err)
	assert.Nil(t, client)

	require.NoError(t, s.Delete(ctx, "alice"))
	assert.ErrorIs(t, s.Delete(ctx, "alice"), custom_errors.ErrNotFound)
}

func TestMemoryClientStore_Register(t *testing.T) {
	s := NewMemoryClientStore()
	ctx := context.Background()
	hashed, err := bcrypt.GenerateFromPassword([]byte("token"), bcrypt.MinCost)
	require.NoError(t, err)

	require.NoError(t, s.Register(ctx, "ops", string(hashed)))
	client, err := s.Find(ctx, "ops", "token")
	require.NoError(t, err)
	require.NotNil(t, client)

	assert.Error(t, s.Register(ctx, "ops", "token"), "plain secrets are rejected")
}
