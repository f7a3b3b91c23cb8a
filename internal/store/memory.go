package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps identities and friendships in process memory. It backs
// tests and the "memory" driver; everything is lost on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	byID       map[string]Identity
	byUsername map[string]Identity
	friends    map[string]map[string]Friendship
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]Identity),
		byUsername: make(map[string]Identity),
		friends:    make(map[string]map[string]Friendship),
	}
}

func (s *MemoryStore) CreateIdentity(_ context.Context, username string) (Identity, string, error) {
	identity, secret, err := newIdentity(username)
	if err != nil {
		return Identity{}, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byUsername[username]; exists {
		return Identity{}, "", ErrUsernameTaken
	}
	s.byID[identity.ID] = identity
	s.byUsername[username] = identity
	return identity, secret, nil
}

func (s *MemoryStore) VerifyCredentials(_ context.Context, username, secret string) (string, error) {
	s.mu.RLock()
	identity, exists := s.byUsername[username]
	s.mu.RUnlock()

	if !exists {
		return "", ErrInvalidCredentials
	}
	return checkSecret(identity, secret)
}

func (s *MemoryStore) AddFriend(_ context.Context, ownerID, friendUsername string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	owner, exists := s.byID[ownerID]
	if !exists {
		return ErrUnknownUser
	}
	if owner.Username == friendUsername {
		return ErrSelfReference
	}
	if _, exists := s.byUsername[friendUsername]; !exists {
		return ErrUnknownUser
	}

	edges, ok := s.friends[ownerID]
	if !ok {
		edges = make(map[string]Friendship)
		s.friends[ownerID] = edges
	}
	if _, ok := edges[friendUsername]; !ok {
		edges[friendUsername] = Friendship{
			OwnerID:        ownerID,
			FriendUsername: friendUsername,
			CreatedAt:      time.Now().UTC(),
		}
	}
	return nil
}

func (s *MemoryStore) ListFriends(_ context.Context, ownerID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.friends[ownerID]))
	for name := range s.friends[ownerID] {
		names = append(names, name)
	}
	return sorted(names), nil
}

func (s *MemoryStore) ListAllUsernames(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.byUsername))
	for name := range s.byUsername {
		names = append(names, name)
	}
	return sorted(names), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
