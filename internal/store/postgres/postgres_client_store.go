package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/RezaEskandarii/hpcfire/custom_errors"
	"github.com/RezaEskandarii/hpcfire/internal/store"
	"github.com/RezaEskandarii/hpcfire/types"
	"golang.org/x/crypto/bcrypt"
)

type postgresClientStore struct {
	db *sql.DB
}

func NewPostgresClientStore(db *sql.DB) store.ClientStore {
	return &postgresClientStore{db: db}
}

func (r *postgresClientStore) Create(ctx context.Context, name, secret string) (int64, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return 0, err
	}
	return r.upsert(ctx, name, string(hashed))
}

func (r *postgresClientStore) Register(ctx context.Context, name, secretHash string) error {
	if _, err := bcrypt.Cost([]byte(secretHash)); err != nil {
		return fmt.Errorf("client %s: invalid bcrypt hash: %w", name, err)
	}
	_, err := r.upsert(ctx, name, secretHash)
	return err
}

func (r *postgresClientStore) upsert(ctx context.Context, name, hashed string) (int64, error) {
	query := `
		INSERT INTO hpcfire_schema.clients (name, secret) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET secret = EXCLUDED.secret
		RETURNING id`
	var id int64
	if err := r.db.QueryRowContext(ctx, query, name, hashed).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to register client %s: %w", name, err)
	}
	return id, nil
}

func (r *postgresClientStore) Find(ctx context.Context, name, secret string) (*types.Client, error) {
	query := `SELECT id, name, secret FROM hpcfire_schema.clients WHERE name = $1`
	client := &types.Client{}
	err := r.db.QueryRowContext(ctx, query, name).Scan(&client.ID, &client.Name, &client.Secret)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.Secret), []byte(secret)); err != nil {
		return nil, custom_errors.ErrUnauthorized
	}
	client.Secret = ""
	return client, nil
}

func (r *postgresClientStore) Delete(ctx context.Context, name string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM hpcfire_schema.clients WHERE name = $1`, name)
	if err != nil {
		return err
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("client %s: %w", name, custom_errors.ErrNotFound)
	}
	return nil
}
