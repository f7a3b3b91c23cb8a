//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// Package store persists identities and friendships. It is the only durable
// state in the system; presence and messages never reach it.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Tyrowin/whisp/internal/auth"
)

var (
	ErrInvalidUsername    = errors.New("invalid username")
	ErrUsernameTaken      = errors.New("username taken")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrSelfReference      = errors.New("cannot add yourself as a friend")
	ErrUnknownUser        = errors.New("user not found")
)

// Store is the contract the HTTP API depends on. Implementations must be
// safe for concurrent use; each call is atomic on its own.
type Store interface {
	// CreateIdentity registers username and returns the new identity together
	// with its plaintext device secret. The secret is never retrievable again.
	CreateIdentity(ctx context.Context, username string) (Identity, string, error)
	// VerifyCredentials returns the user id owning username when secret matches.
	VerifyCredentials(ctx context.Context, username, secret string) (string, error)
	// AddFriend records a directed friendship. Adding an existing friend is a no-op.
	AddFriend(ctx context.Context, ownerID, friendUsername string) error
	// ListFriends returns the usernames ownerID has added.
	ListFriends(ctx context.Context, ownerID string) ([]string, error)
	// ListAllUsernames returns every registered username.
	ListAllUsernames(ctx context.Context) ([]string, error)
	Close() error
}

// Identity is a registered user. It never changes after creation.
type Identity struct {
	ID         string    `cbor:"1,keyasint"`
	Username   string    `cbor:"2,keyasint"`
	SecretHash string    `cbor:"3,keyasint"`
	CreatedAt  time.Time `cbor:"4,keyasint"`
}

// Friendship is a directed edge from an owner to another username.
type Friendship struct {
	OwnerID        string    `cbor:"1,keyasint"`
	FriendUsername string    `cbor:"2,keyasint"`
	CreatedAt      time.Time `cbor:"3,keyasint"`
}

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	validate        = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("username", func(fl validator.FieldLevel) bool {
		return usernamePattern.MatchString(fl.Field().String())
	})
	return v
}

// ValidateUsername checks the 3 to 20 character alphanumeric/underscore rule.
func ValidateUsername(username string) error {
	if err := validate.Var(username, "required,min=3,max=20,username"); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidUsername, username)
	}
	return nil
}

// newIdentity validates username and mints the id, secret and hash for it.
// Adapters call it before touching storage so every backend applies the
// same rules.
func newIdentity(username string) (Identity, string, error) {
	if err := ValidateUsername(username); err != nil {
		return Identity{}, "", err
	}

	secret := auth.NewDeviceSecret()
	hash, err := auth.HashSecret(secret)
	if err != nil {
		return Identity{}, "", fmt.Errorf("hashing device secret: %w", err)
	}

	return Identity{
		ID:         uuid.NewString(),
		Username:   username,
		SecretHash: hash,
		CreatedAt:  time.Now().UTC(),
	}, secret, nil
}

// checkSecret compares secret with the identity's stored hash.
func checkSecret(identity Identity, secret string) (string, error) {
	match, err := auth.CompareSecret(secret, identity.SecretHash)
	if err != nil || !match {
		return "", ErrInvalidCredentials
	}
	return identity.ID, nil
}

func sorted(names []string) []string {
	if names == nil {
		return []string{}
	}
	sort.Strings(names)
	return names
}
