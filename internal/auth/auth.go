// Package auth maps bearer tokens to agent identities.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/basket/agentcom/internal/store"
)

type record struct {
	AgentID string `json:"agent_id"`
}

// Store resolves bearer tokens to agent IDs. Tokens are persisted so
// agents survive hub restarts; lookups are constant-time per candidate.
type Store struct {
	mu     sync.RWMutex
	kv     *store.Store
	tokens map[string]string // token -> agent_id
}

// New loads the token table from the KV store.
func New(ctx context.Context, kv *store.Store) (*Store, error) {
	s := &Store{kv: kv, tokens: make(map[string]string)}
	err := kv.Scan(ctx, store.TableAuth, func(token string, v []byte) error {
		var rec record
		if err := json.Unmarshal(v, &rec); err != nil {
			return fmt.Errorf("decode auth record: %w", err)
		}
		s.tokens[token] = rec.AgentID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Add registers (or replaces) a token for an agent.
func (s *Store) Add(ctx context.Context, token, agentID string) error {
	if token == "" || agentID == "" {
		return fmt.Errorf("auth: token and agent id required")
	}
	data, err := json.Marshal(record{AgentID: agentID})
	if err != nil {
		return err
	}
	if err := s.kv.Put(ctx, store.TableAuth, token, data); err != nil {
		return err
	}
	s.mu.Lock()
	s.tokens[token] = agentID
	s.mu.Unlock()
	return nil
}

// Remove deletes a token.
func (s *Store) Remove(ctx context.Context, token string) error {
	if err := s.kv.Delete(ctx, store.TableAuth, token); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
	return nil
}

// Resolve returns the agent ID for a token using constant-time
// comparison against every candidate to avoid timing leaks.
func (s *Store) Resolve(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for candidate, agentID := range s.tokens {
		if subtle.ConstantTimeCompare([]byte(token), []byte(candidate)) == 1 {
			return agentID, true
		}
	}
	return "", false
}
