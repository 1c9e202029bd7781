package sessions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"telegram-presence-bot/internal/infra/clock"
	"telegram-presence-bot/internal/infra/logger"
	"telegram-presence-bot/internal/infra/storage"
)

const (
	dbFileMode    = 0o600
	dbOpenTimeout = time.Second
)

var sessionsBucket = []byte("sessions")

// BoltStore — CredentialStore поверх bbolt. Каждая мутация — одна Update-транзакция
// (bbolt допускает одного писателя), поэтому read-modify-write строки атомарен.
// ListActive читает в View-транзакции и видит согласованный снимок.
type BoltStore struct {
	db     *bbolt.DB
	sealer Sealer
	now    clock.Func
}

var _ Store = (*BoltStore)(nil)

// OpenBolt открывает (или создаёт) файл path.
func OpenBolt(path string, sealer Sealer, now clock.Func) (*BoltStore, error) {
	if err := storage.EnsureDir(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, dbFileMode, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sessions bucket: %w", err)
	}
	if sealer == nil {
		sealer = NopSealer{}
	}
	if now == nil {
		now = clock.Now
	}
	return &BoltStore{db: db, sealer: sealer, now: now}, nil
}

func (s *BoltStore) Get(_ context.Context, owner int64) (Session, bool, error) {
	var (
		out Session
		ok  bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		cur, found, err := s.load(tx.Bucket(sessionsBucket), owner)
		out, ok = cur, found
		return err
	})
	return out, ok, err
}

func (s *BoltStore) Upsert(_ context.Context, next Session) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		prev, found, err := s.load(b, next.OwnerID)
		if err != nil {
			return err
		}
		var prevPtr *Session
		if found {
			prevPtr = &prev
		}
		row, err := mergeUpsert(prevPtr, next, s.now())
		if err != nil {
			return err
		}
		return s.put(b, row)
	})
}

func (s *BoltStore) SetFlags(_ context.Context, owner int64, patch FlagPatch) (bool, error) {
	changed := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		cur, found, err := s.load(b, owner)
		if err != nil || !found {
			return err
		}
		row, ch, err := applyFlags(cur, patch, s.now())
		if err != nil || !ch {
			return err
		}
		changed = true
		return s.put(b, row)
	})
	return changed, err
}

func (s *BoltStore) ListActive(_ context.Context, behavior Behavior) ([]Session, error) {
	return s.scan(func(row Session) bool { return selected(row, behavior) })
}

func (s *BoltStore) List(_ context.Context) ([]Session, error) {
	return s.scan(func(Session) bool { return true })
}

func (s *BoltStore) Delete(_ context.Context, owner int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).Delete(ownerKey(owner))
	})
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Backup пишет согласованный снимок файла базы в w.
func (s *BoltStore) Backup(w io.Writer) (int64, error) {
	var n int64
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		n, err = tx.WriteTo(w)
		return err
	})
	return n, err
}

// scan обходит бакет в одной View-транзакции. Нечитаемая строка (например, запечатанная
// другим ключом) пропускается с предупреждением: одна битая строка не должна
// останавливать тик для остальных владельцев.
func (s *BoltStore) scan(keep func(Session) bool) ([]Session, error) {
	var out []Session
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(k, v []byte) error {
			row, err := decodeSession(v, s.sealer)
			if err != nil {
				logger.Warn("sessions: skip unreadable row", zap.Binary("key", k), zap.Error(err))
				return nil
			}
			if keep(row) {
				out = append(out, row)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) load(b *bbolt.Bucket, owner int64) (Session, bool, error) {
	data := b.Get(ownerKey(owner))
	if data == nil {
		return Session{}, false, nil
	}
	row, err := decodeSession(data, s.sealer)
	if err != nil {
		return Session{}, false, err
	}
	return row, true, nil
}

func (s *BoltStore) put(b *bbolt.Bucket, row Session) error {
	data, err := encodeSession(row, s.sealer)
	if err != nil {
		return err
	}
	if err := b.Put(ownerKey(row.OwnerID), data); err != nil {
		return fmt.Errorf("put session %d: %w", row.OwnerID, err)
	}
	return nil
}

// IsLocked сообщает, что файл базы удерживает другой процесс.
func IsLocked(err error) bool {
	return errors.Is(err, bbolt.ErrTimeout)
}
