package acquisition

import (
	"context"
	"time"
)

// Run сносит попытки, простаивающие дольше TTL, пока ctx не отменён.
// На выходе сносит все оставшиеся попытки (Close).
func (m *Manager) Run(ctx context.Context) error {
	interval := max(m.ttl/4, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer m.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Reap()
		}
	}
}

// Reap — один проход janitor. Возвращает число снесённых попыток.
func (m *Manager) Reap() int {
	deadline := m.now().Add(-m.ttl)

	m.mu.Lock()
	var stale []*attempt
	for _, a := range m.attempts {
		if a.lastActive.Before(deadline) {
			stale = append(stale, a)
		}
	}
	m.mu.Unlock()

	reaped := 0
	for _, a := range stale {
		if !m.teardownAttempt(a, outcomeExpired) {
			continue
		}
		reaped++
		if m.onExpire != nil {
			m.onExpire(a.owner)
		}
	}
	return reaped
}
