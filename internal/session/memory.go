package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps sessions in-process. Suitable for single-instance
// deployments and tests; multi-instance deployments need the redis store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	grace    time.Duration
	idle     time.Duration
}

// NewMemoryStore builds an in-process store with the given expiry policy.
func NewMemoryStore(grace, idle time.Duration) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		grace:    grace,
		idle:     idle,
	}
}

// Acquire implements Store. The whole decision runs under one lock, so
// concurrent calls for a key serialize and exactly one admits.
func (m *MemoryStore) Acquire(ctx context.Context, candidate Session, now time.Time) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[candidate.DebridKey]
	if ok && !cur.expired(now, m.idle) {
		if cur.IP != candidate.IP {
			blocking := *cur
			return Verdict{Admitted: false, Active: &blocking}, nil
		}
		// Same device reconnecting: refresh, keep the original start. The
		// claim counts as created only when it resurrects a released one.
		created := !cur.EndsAt.IsZero()
		cur.LastHeartbeat = now
		cur.EndsAt = time.Time{}
		return Verdict{Admitted: true, Created: created}, nil
	}

	// Replacing an idle-expired session that was never ended hands the
	// claim over without creating one.
	created := !ok || !cur.EndsAt.IsZero()
	s := candidate
	m.sessions[candidate.DebridKey] = &s
	return Verdict{Admitted: true, Created: created}, nil
}

// Heartbeat implements Store.
func (m *MemoryStore) Heartbeat(ctx context.Context, debridKey, ip string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[debridKey]; ok && cur.IP == ip {
		cur.LastHeartbeat = now
		cur.EndsAt = time.Time{}
	}
	return nil
}

// End implements Store.
func (m *MemoryStore) End(ctx context.Context, debridKey, ip string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[debridKey]
	if !ok || cur.IP != ip {
		return false, nil
	}
	released := cur.EndsAt.IsZero()
	cur.EndsAt = now.Add(m.grace)
	return released, nil
}
