package session

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ovaphlow/pitchfork/service-account-go/internal/identity"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
	misses    int
}

func (e memEntry) live(now time.Time) bool {
	return e.expiresAt.IsZero() || now.Before(e.expiresAt)
}

// MemoryStore is the single-process Store used without Redis.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	sessions map[string]*identity.Session
	expiry   map[string]time.Time
	temp     map[string]map[string]memEntry
	codes    map[string]memEntry
}

func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(clockwork.NewRealClock())
}

func NewMemoryStoreWithClock(c clockwork.Clock) *MemoryStore {
	return &MemoryStore{
		clock:    c,
		sessions: map[string]*identity.Session{},
		expiry:   map[string]time.Time{},
		temp:     map[string]map[string]memEntry{},
		codes:    map[string]memEntry{},
	}
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

func (m *MemoryStore) Put(_ context.Context, s *identity.Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.sessions[s.ID] = &cp
	m.expiry[s.ID] = m.deadline(ttl)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, sid string) (*identity.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sid]
	if !ok {
		return nil, ErrNotFound
	}
	if exp := m.expiry[sid]; !exp.IsZero() && !m.clock.Now().Before(exp) {
		delete(m.sessions, sid)
		delete(m.expiry, sid)
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Delete(_ context.Context, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sid)
	delete(m.expiry, sid)
	delete(m.temp, sid)
	return nil
}

func (m *MemoryStore) SetTemp(_ context.Context, sid, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.temp[sid]
	if !ok {
		bucket = map[string]memEntry{}
		m.temp[sid] = bucket
	}
	bucket[key] = memEntry{value: append([]byte(nil), value...), expiresAt: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) GetTemp(_ context.Context, sid, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.temp[sid][key]
	if !ok || !e.live(m.clock.Now()) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

func (m *MemoryStore) DeleteTemp(_ context.Context, sid, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.temp[sid], key)
	return nil
}

func (m *MemoryStore) ClearTemp(_ context.Context, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.temp, sid)
	return nil
}

func (m *MemoryStore) PutCode(_ context.Context, purpose, email, code string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[purpose+":"+email] = memEntry{value: []byte(hashCode(code)), expiresAt: m.deadline(ttl)}
	return nil
}

func (m *MemoryStore) ConsumeCode(_ context.Context, purpose, email, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := purpose + ":" + email
	e, ok := m.codes[k]
	if !ok {
		return ErrNoCode
	}
	if !e.live(m.clock.Now()) {
		delete(m.codes, k)
		return ErrNoCode
	}
	if string(e.value) != hashCode(code) {
		e.misses++
		if e.misses >= MaxCodeAttempts {
			delete(m.codes, k)
		} else {
			m.codes[k] = e
		}
		return ErrNoCode
	}
	delete(m.codes, k)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }
func (m *MemoryStore) Close() error               { return nil }
