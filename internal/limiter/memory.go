package limiter

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	fails        int
	first        time.Time
	blockedUntil time.Time
}

// Memory is an in-process limiter for single-instance deployments.
type Memory struct {
	mu      sync.Mutex
	policy  Policy
	now     func() time.Time
	entries map[string]*entry
}

var _ Limiter = (*Memory)(nil)

// NewMemory constructs an in-process limiter. now may be nil.
func NewMemory(p Policy, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{policy: p, now: now, entries: make(map[string]*entry)}
}

func key(username string, ipHash []byte) string { return username + "\x00" + string(ipHash) }

func (m *Memory) Allow(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key(username, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if now := m.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (m *Memory) Success(_ context.Context, username string, ipHash []byte) error {
	m.mu.Lock()
	delete(m.entries, key(username, ipHash))
	m.mu.Unlock()
	return nil
}

func (m *Memory) Failure(_ context.Context, username string, ipHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := key(username, ipHash)
	e, ok := m.entries[k]
	if !ok || now.Sub(e.first) > m.policy.Window {
		e = &entry{first: now}
		m.entries[k] = e
	}
	e.fails++
	if e.fails < m.policy.MaxFails {
		return false, 0, nil
	}
	e.blockedUntil = now.Add(m.policy.BlockFor)
	return true, m.policy.BlockFor, nil
}
