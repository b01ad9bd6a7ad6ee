package registry

import (
	"context"
	"sync"
	"time"

	"github.com/retailassist/session-server-go/internal/model"
)

type Memory struct {
	mu         sync.RWMutex
	byToken    map[string]*model.Session
	byIdentity map[string]string // identity key -> token
}

func NewMemory() *Memory {
	return &Memory{
		byToken:    make(map[string]*model.Session),
		byIdentity: make(map[string]string),
	}
}

func (m *Memory) GetByToken(ctx context.Context, token string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byToken[token].Clone(), nil
}

func (m *Memory) GetByIdentity(ctx context.Context, identityKey string) (*model.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	token, ok := m.byIdentity[identityKey]
	if !ok {
		return nil, nil
	}
	return m.byToken[token].Clone(), nil
}

func (m *Memory) Put(ctx context.Context, s *model.Session) error {
	stored := s.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.byToken[stored.Token] = stored
	for _, key := range stored.Identity().Keys() {
		if stored.Status == model.SessionStatusActive {
			m.byIdentity[key] = stored.Token
		} else if m.byIdentity[key] == stored.Token {
			delete(m.byIdentity, key)
		}
	}
	return nil
}

func (m *Memory) Purge(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for token, s := range m.byToken {
		if !s.ExpiresAt.Before(before) {
			continue
		}
		for _, key := range s.Identity().Keys() {
			if m.byIdentity[key] == token {
				delete(m.byIdentity, key)
			}
		}
		delete(m.byToken, token)
		count++
	}
	return count, nil
}

// Len returns the number of sessions currently held, including ended ones.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byToken)
}
