package server

import (
	"fmt"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	registry := NewRegistry(testLogger())

	alice := newTestSession("alice", cfg)
	req.Nil(registry.Register("alice", alice))

	got, ok := registry.Lookup("alice")
	req.True(ok)
	req.Same(alice, got)
	req.True(registry.IsOnline("alice"))
	req.False(registry.IsOnline("bob"))
	req.Equal(1, registry.Count())
}

func TestRegistryTakeoverClosesPrevious(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	registry := NewRegistry(testLogger())

	first := newTestSession("alice", cfg)
	second := newTestSession("alice", cfg)

	registry.Register("alice", first)
	previous := registry.Register("alice", second)

	req.Same(first, previous)
	req.Equal(CloseSuperseded, first.code)
	req.Equal("superseded", first.reason)
	select {
	case <-first.Done():
	default:
		t.Fatal("superseded session was not closed")
	}

	got, ok := registry.Lookup("alice")
	req.True(ok)
	req.Same(second, got)
	req.Equal(1, registry.Count())
}

func TestRegistryRegisterSameSessionTwice(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry(testLogger())
	s := newTestSession("alice", testConfig())

	registry.Register("alice", s)
	req.Nil(registry.Register("alice", s))

	select {
	case <-s.Done():
		t.Fatal("re-registering a session must not close it")
	default:
	}
}

func TestRegistryStaleRemoveKeepsReplacement(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	registry := NewRegistry(testLogger())

	first := newTestSession("alice", cfg)
	second := newTestSession("alice", cfg)
	registry.Register("alice", first)
	registry.Register("alice", second)

	req.False(registry.Remove("alice", first))
	got, ok := registry.Lookup("alice")
	req.True(ok)
	req.Same(second, got)

	req.True(registry.Remove("alice", second))
	req.False(registry.IsOnline("alice"))
	req.False(registry.Remove("alice", second))
}

func TestRegistryCloseAll(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	registry := NewRegistry(testLogger())

	sessions := []*Session{newTestSession("alice", cfg), newTestSession("bob", cfg)}
	for _, s := range sessions {
		registry.Register(s.username, s)
	}

	req.Equal(2, registry.CloseAll(websocket.CloseGoingAway, "server shutting down"))
	req.Zero(registry.Count())
	for _, s := range sessions {
		req.Equal(websocket.CloseGoingAway, s.code)
	}
}

func TestRegistryConcurrentTakeover(t *testing.T) {
	cfg := testConfig()
	registry := NewRegistry(testLogger())

	const n = 16
	sessions := make([]*Session, n)
	for i := range sessions {
		sessions[i] = newTestSession("alice", cfg)
	}

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			registry.Register("alice", s)
		}()
	}
	wg.Wait()

	winner, ok := registry.Lookup("alice")
	require.True(t, ok)

	open := 0
	for _, s := range sessions {
		select {
		case <-s.Done():
			require.NotSame(t, winner, s)
		default:
			open++
			require.Same(t, winner, s)
		}
	}
	require.Equal(t, 1, open)
}

func TestRegistryDistinctUsernamesConcurrently(t *testing.T) {
	cfg := testConfig()
	registry := NewRegistry(testLogger())

	const n = 50
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("user%d", i)
			s := newTestSession(name, cfg)
			registry.Register(name, s)
			registry.IsOnline(name)
			if i%2 == 0 {
				registry.Remove(name, s)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, n/2, registry.Count())
}
