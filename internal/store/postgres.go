package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/001_init.sql
var initSchema string

const pgUniqueViolation = "23505"

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

// OpenPostgres connects to databaseURL, checks the connection and applies the schema.
func OpenPostgres(ctx context.Context, databaseURL string, log *slog.Logger) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{db: pool, log: log}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info("PostgreSQL store ready")
	return s, nil
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, initSchema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateIdentity(ctx context.Context, username string) (Identity, string, error) {
	identity, secret, err := newIdentity(username)
	if err != nil {
		return Identity{}, "", err
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO users (id, username, secret_hash, created_at) VALUES ($1, $2, $3, $4)`,
		identity.ID, identity.Username, identity.SecretHash, identity.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return Identity{}, "", ErrUsernameTaken
		}
		return Identity{}, "", fmt.Errorf("creating identity %q: %w", username, err)
	}
	return identity, secret, nil
}

func (s *PostgresStore) VerifyCredentials(ctx context.Context, username, secret string) (string, error) {
	var identity Identity
	err := s.db.QueryRow(ctx,
		`SELECT id, username, secret_hash, created_at FROM users WHERE username = $1`, username,
	).Scan(&identity.ID, &identity.Username, &identity.SecretHash, &identity.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidCredentials
	}
	if err != nil {
		return "", fmt.Errorf("loading identity %q: %w", username, err)
	}
	return checkSecret(identity, secret)
}

func (s *PostgresStore) AddFriend(ctx context.Context, ownerID, friendUsername string) error {
	if _, err := uuid.Parse(ownerID); err != nil {
		return ErrUnknownUser
	}

	var owner string
	err := s.db.QueryRow(ctx, `SELECT username FROM users WHERE id = $1`, ownerID).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrUnknownUser
	}
	if err != nil {
		return fmt.Errorf("loading owner: %w", err)
	}
	if owner == friendUsername {
		return ErrSelfReference
	}

	var exists bool
	err = s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, friendUsername,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("looking up %q: %w", friendUsername, err)
	}
	if !exists {
		return ErrUnknownUser
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO friends (user_id, friend_username, created_at) VALUES ($1, $2, now())
		 ON CONFLICT (user_id, friend_username) DO NOTHING`,
		ownerID, friendUsername)
	if err != nil {
		return fmt.Errorf("adding friend %q: %w", friendUsername, err)
	}
	return nil
}

func (s *PostgresStore) ListFriends(ctx context.Context, ownerID string) ([]string, error) {
	if _, err := uuid.Parse(ownerID); err != nil {
		return []string{}, nil
	}
	rows, err := s.db.Query(ctx,
		`SELECT friend_username FROM friends WHERE user_id = $1 ORDER BY friend_username`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing friends: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning friends: %w", err)
	}
	return sorted(names), nil
}

func (s *PostgresStore) ListAllUsernames(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT username FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("listing usernames: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning usernames: %w", err)
	}
	return sorted(names), nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}
