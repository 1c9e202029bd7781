package sessions

import (
	"context"
	"slices"
	"sync"

	"telegram-presence-bot/internal/infra/clock"
)

// MemoryStore — CredentialStore в памяти процесса (STORE_DRIVER=memory, тесты).
// Один mutex на всё хранилище: мутации целиком сериализованы.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[int64]Session
	now  clock.Func
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore создаёт пустое хранилище; nil now — clock.Now.
func NewMemoryStore(now clock.Func) *MemoryStore {
	if now == nil {
		now = clock.Now
	}
	return &MemoryStore{rows: make(map[int64]Session), now: now}
}

func (m *MemoryStore) Get(_ context.Context, owner int64) (Session, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.rows[owner]
	if !ok {
		return Session{}, false, nil
	}
	return row.clone(), true, nil
}

func (m *MemoryStore) Upsert(_ context.Context, next Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev *Session
	if row, ok := m.rows[next.OwnerID]; ok {
		prev = &row
	}
	row, err := mergeUpsert(prev, next, m.now())
	if err != nil {
		return err
	}
	m.rows[row.OwnerID] = row
	return nil
}

func (m *MemoryStore) SetFlags(_ context.Context, owner int64, patch FlagPatch) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.rows[owner]
	if !ok {
		return false, nil
	}
	row, changed, err := applyFlags(cur, patch, m.now())
	if err != nil || !changed {
		return false, err
	}
	m.rows[owner] = row
	return true, nil
}

func (m *MemoryStore) ListActive(_ context.Context, b Behavior) ([]Session, error) {
	return m.snapshot(func(s Session) bool { return selected(s, b) }), nil
}

func (m *MemoryStore) List(_ context.Context) ([]Session, error) {
	return m.snapshot(func(Session) bool { return true }), nil
}

func (m *MemoryStore) Delete(_ context.Context, owner int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, owner)
	return nil
}

func (m *MemoryStore) Close() error { return nil }

// snapshot копирует строки под read-lock и упорядочивает по owner id, как bbolt.
func (m *MemoryStore) snapshot(keep func(Session) bool) []Session {
	m.mu.RLock()
	out := make([]Session, 0, len(m.rows))
	for _, row := range m.rows {
		if keep(row) {
			out = append(out, row.clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b Session) int {
		switch {
		case a.OwnerID < b.OwnerID:
			return -1
		case a.OwnerID > b.OwnerID:
			return 1
		default:
			return 0
		}
	})
	return out
}
