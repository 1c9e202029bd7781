package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"telegram-presence-bot/internal/infra/clock"
	"telegram-presence-bot/internal/infra/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS presence_sessions (
	owner_id       BIGINT PRIMARY KEY,
	app_id         INTEGER NOT NULL,
	app_secret     BYTEA NOT NULL,
	phone          TEXT NOT NULL,
	credential     BYTEA NOT NULL,
	active         BOOLEAN NOT NULL DEFAULT FALSE,
	clock_enabled  BOOLEAN NOT NULL DEFAULT FALSE,
	online_enabled BOOLEAN NOT NULL DEFAULT FALSE,
	created_at     TIMESTAMPTZ NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL,
	CONSTRAINT presence_flags_need_active CHECK (active OR NOT (clock_enabled OR online_enabled))
)`

const selectColumns = `owner_id, app_id, app_secret, phone, credential, active, clock_enabled, online_enabled, created_at, updated_at`

// PostgresStore — CredentialStore поверх Postgres (lib/pq).
// Мутации читают строку через SELECT ... FOR UPDATE и переписывают её в той же
// транзакции, так что конкурентные записи одного владельца выстраиваются в очередь.
type PostgresStore struct {
	db     *sql.DB
	sealer Sealer
	now    clock.Func
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres подключается по dsn и создаёт таблицу при необходимости.
func OpenPostgres(ctx context.Context, dsn string, sealer Sealer, now clock.Func) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewPostgresStore(db, sealer, now)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return store, nil
}

// NewPostgresStore оборачивает готовый пул соединений.
func NewPostgresStore(db *sql.DB, sealer Sealer, now clock.Func) *PostgresStore {
	if sealer == nil {
		sealer = NopSealer{}
	}
	if now == nil {
		now = clock.Now
	}
	return &PostgresStore{db: db, sealer: sealer, now: now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (p *PostgresStore) scanRow(row rowScanner) (Session, error) {
	var r record
	if err := row.Scan(&r.OwnerID, &r.AppID, &r.AppSecret, &r.Phone, &r.Credential,
		&r.Active, &r.ClockEnabled, &r.OnlineEnabled, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return Session{}, err
	}
	return fromRecord(r, p.sealer)
}

func (p *PostgresStore) Get(ctx context.Context, owner int64) (Session, bool, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM presence_sessions WHERE owner_id = $1`, owner)
	s, err := p.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("get session %d: %w", owner, err)
	}
	return s, true, nil
}

// inTx выполняет fn в транзакции с откатом при ошибке.
func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (p *PostgresStore) lockRow(ctx context.Context, tx *sql.Tx, owner int64) (Session, bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM presence_sessions WHERE owner_id = $1 FOR UPDATE`, owner)
	s, err := p.scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, false, nil
	}
	if err != nil {
		return Session{}, false, fmt.Errorf("lock session %d: %w", owner, err)
	}
	return s, true, nil
}

func (p *PostgresStore) write(ctx context.Context, tx *sql.Tx, s Session) error {
	r, err := toRecord(s, p.sealer)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO presence_sessions (`+selectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (owner_id) DO UPDATE SET
			app_id = EXCLUDED.app_id,
			app_secret = EXCLUDED.app_secret,
			phone = EXCLUDED.phone,
			credential = EXCLUDED.credential,
			active = EXCLUDED.active,
			clock_enabled = EXCLUDED.clock_enabled,
			online_enabled = EXCLUDED.online_enabled,
			created_at = EXCLUDED.created_at,
			updated_at = EXCLUDED.updated_at`,
		r.OwnerID, r.AppID, r.AppSecret, r.Phone, r.Credential,
		r.Active, r.ClockEnabled, r.OnlineEnabled, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "check_violation" {
			return fmt.Errorf("%w: %s", ErrInvariant, pqErr.Message)
		}
		return fmt.Errorf("write session %d: %w", s.OwnerID, err)
	}
	return nil
}

func (p *PostgresStore) Upsert(ctx context.Context, next Session) error {
	return p.inTx(ctx, func(tx *sql.Tx) error {
		prev, found, err := p.lockRow(ctx, tx, next.OwnerID)
		if err != nil {
			return err
		}
		var prevPtr *Session
		if found {
			prevPtr = &prev
		}
		row, err := mergeUpsert(prevPtr, next, p.now())
		if err != nil {
			return err
		}
		return p.write(ctx, tx, row)
	})
}

func (p *PostgresStore) SetFlags(ctx context.Context, owner int64, patch FlagPatch) (bool, error) {
	changed := false
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		cur, found, err := p.lockRow(ctx, tx, owner)
		if err != nil || !found {
			return err
		}
		row, ch, err := applyFlags(cur, patch, p.now())
		if err != nil || !ch {
			return err
		}
		changed = true
		return p.write(ctx, tx, row)
	})
	return changed, err
}

func (p *PostgresStore) ListActive(ctx context.Context, b Behavior) ([]Session, error) {
	var column string
	switch b {
	case BehaviorClock:
		column = "clock_enabled"
	case BehaviorOnline:
		column = "online_enabled"
	default:
		return nil, fmt.Errorf("unknown behavior %q", b)
	}
	return p.query(ctx, `SELECT `+selectColumns+` FROM presence_sessions WHERE active AND `+column+` ORDER BY owner_id`)
}

func (p *PostgresStore) List(ctx context.Context) ([]Session, error) {
	return p.query(ctx, `SELECT `+selectColumns+` FROM presence_sessions ORDER BY owner_id`)
}

// query — один SELECT: в READ COMMITTED он видит согласованный снимок на момент старта.
func (p *PostgresStore) query(ctx context.Context, q string) ([]Session, error) {
	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		s, err := p.scanRow(rows)
		if err != nil {
			if errors.Is(err, ErrUnseal) {
				logger.Warn("sessions: skip unreadable row", zap.Error(err))
				continue
			}
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Delete(ctx context.Context, owner int64) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM presence_sessions WHERE owner_id = $1`, owner); err != nil {
		return fmt.Errorf("delete session %d: %w", owner, err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
