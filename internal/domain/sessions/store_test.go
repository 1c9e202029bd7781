package sessions_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"telegram-presence-bot/internal/domain/sessions"
)

// stepClock выдаёт строго возрастающее время с шагом в секунду.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func newStepClock() *stepClock {
	return &stepClock{cur: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

type storeFactory struct {
	name string
	open func(t *testing.T, now func() time.Time) sessions.Store
}

func factories() []storeFactory {
	key := bytes.Repeat([]byte{7}, 32)
	return []storeFactory{
		{name: "memory", open: func(t *testing.T, now func() time.Time) sessions.Store {
			return sessions.NewMemoryStore(now)
		}},
		{name: "bolt", open: func(t *testing.T, now func() time.Time) sessions.Store {
			st, err := sessions.OpenBolt(filepath.Join(t.TempDir(), "s.bbolt"), sessions.NopSealer{}, now)
			if err != nil {
				t.Fatalf("OpenBolt: %v", err)
			}
			return st
		}},
		{name: "bolt-sealed", open: func(t *testing.T, now func() time.Time) sessions.Store {
			sealer, err := sessions.NewSecretboxSealer(key)
			if err != nil {
				t.Fatal(err)
			}
			st, err := sessions.OpenBolt(filepath.Join(t.TempDir(), "s.bbolt"), sealer, now)
			if err != nil {
				t.Fatalf("OpenBolt: %v", err)
			}
			return st
		}},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, st sessions.Store)) {
	t.Helper()
	for _, f := range factories() {
		t.Run(f.name, func(t *testing.T) {
			t.Parallel()
			st := f.open(t, newStepClock().Now)
			t.Cleanup(func() { _ = st.Close() })
			fn(t, st)
		})
	}
}

func activeSession(owner int64) sessions.Session {
	return sessions.Session{
		OwnerID:      owner,
		AppID:        123456,
		AppSecret:    "0123456789abcdef0123456789abcdef",
		Phone:        "+998901234567",
		Credential:   []byte(`{"auth_key":"opaque"}`),
		Active:       true,
		ClockEnabled: true,
	}
}

func mustGet(t *testing.T, st sessions.Store, owner int64) sessions.Session {
	t.Helper()
	s, ok, err := st.Get(context.Background(), owner)
	if err != nil {
		t.Fatalf("Get(%d): %v", owner, err)
	}
	if !ok {
		t.Fatalf("Get(%d): no row", owner)
	}
	return s
}

func assertInvariant(t *testing.T, st sessions.Store) {
	t.Helper()
	rows, err := st.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, s := range rows {
		if (s.ClockEnabled || s.OnlineEnabled) && (!s.Active || len(s.Credential) == 0) {
			t.Fatalf("invariant broken for owner %d: %+v", s.OwnerID, s.Redacted())
		}
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		mutate  func(*sessions.Session)
		wantErr bool
	}{
		{name: "active with clock", mutate: func(*sessions.Session) {}},
		{name: "inactive without flags", mutate: func(s *sessions.Session) {
			s.Active, s.ClockEnabled, s.Credential = false, false, nil
		}},
		{name: "flag on inactive", mutate: func(s *sessions.Session) { s.Active = false }, wantErr: true},
		{name: "active without credential", mutate: func(s *sessions.Session) {
			s.ClockEnabled = false
			s.Credential = nil
		}, wantErr: true},
		{name: "online on inactive", mutate: func(s *sessions.Session) {
			s.Active, s.ClockEnabled, s.OnlineEnabled = false, false, true
		}, wantErr: true},
		{name: "zero owner", mutate: func(s *sessions.Session) { s.OwnerID = 0 }, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			s := activeSession(1)
			tc.mutate(&s)
			err := s.Validate()
			if tc.wantErr != (err != nil) {
				t.Fatalf("Validate() = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, sessions.ErrInvariant) {
				t.Fatalf("Validate() = %v, want ErrInvariant", err)
			}
		})
	}
}

func TestUpsertPreservesCreatedAt(t *testing.T) {
	forEachStore(t, func(t *testing.T, st sessions.Store) {
		ctx := context.Background()
		if err := st.Upsert(ctx, activeSession(1)); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		first := mustGet(t, st, 1)

		next := activeSession(1)
		next.Credential = []byte("rotated")
		next.CreatedAt = time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
		if err := st.Upsert(ctx, next); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		second := mustGet(t, st, 1)

		if !second.CreatedAt.Equal(first.CreatedAt) {
			t.Fatalf("CreatedAt = %v, want %v", second.CreatedAt, first.CreatedAt)
		}
		if second.UpdatedAt.Before(first.UpdatedAt) {
			t.Fatalf("UpdatedAt went back: %v < %v", second.UpdatedAt, first.UpdatedAt)
		}
		if string(second.Credential) != "rotated" {
			t.Fatalf("Credential = %q", second.Credential)
		}
		if second.AppSecret != activeSession(1).AppSecret {
			t.Fatal("AppSecret did not round-trip")
		}
		assertInvariant(t, st)
	})
}

func TestUpsertRejectsInvariantViolation(t *testing.T) {
	forEachStore(t, func(t *testing.T, st sessions.Store) {
		bad := activeSession(1)
		bad.Credential = nil
		if err := st.Upsert(context.Background(), bad); !errors.Is(err, sessions.ErrInvariant) {
			t.Fatalf("Upsert() = %v, want ErrInvariant", err)
		}
		if _, ok, _ := st.Get(context.Background(), 1); ok {
			t.Fatal("row written despite violation")
		}
	})
}

func TestSetFlags(t *testing.T) {
	forEachStore(t, func(t *testing.T, st sessions.Store) {
		ctx := context.Background()

		changed, err := st.SetFlags(ctx, 99, sessions.Set(sessions.BehaviorClock, true))
		if err != nil || changed {
			t.Fatalf("SetFlags on missing row = (%v, %v), want no-op", changed, err)
		}
		if _, ok, _ := st.Get(ctx, 99); ok {
			t.Fatal("SetFlags created a row")
		}

		if err := st.Upsert(ctx, activeSession(1)); err != nil {
			t.Fatal(err)
		}
		before := mustGet(t, st, 1)

		changed, err = st.SetFlags(ctx, 1, sessions.Set(sessions.BehaviorOnline, true))
		if err != nil || !changed {
			t.Fatalf("SetFlags = (%v, %v), want changed", changed, err)
		}
		once := mustGet(t, st, 1)
		if !once.ClockEnabled || !once.OnlineEnabled {
			t.Fatalf("flags = clock %v online %v", once.ClockEnabled, once.OnlineEnabled)
		}
		if !bytes.Equal(once.Credential, before.Credential) || once.AppSecret != before.AppSecret {
			t.Fatal("SetFlags touched unrelated fields")
		}

		changed, err = st.SetFlags(ctx, 1, sessions.Set(sessions.BehaviorOnline, true))
		if err != nil || changed {
			t.Fatalf("repeated SetFlags = (%v, %v), want unchanged", changed, err)
		}
		twice := mustGet(t, st, 1)
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("repeated SetFlags changed row:\n%+v\n%+v", once.Redacted(), twice.Redacted())
		}
		assertInvariant(t, st)
	})
}

func TestSetFlagsRefusesInactiveRow(t *testing.T) {
	forEachStore(t, func(t *testing.T, st sessions.Store) {
		ctx := context.Background()
		row := sessions.Session{OwnerID: 5, AppID: 1, Phone: "+10000000000"}
		if err := st.Upsert(ctx, row); err != nil {
			t.Fatal(err)
		}
		if _, err := st.SetFlags(ctx, 5, sessions.Set(sessions.BehaviorClock, true)); !errors.Is(err, sessions.ErrInvariant) {
			t.Fatalf("SetFlags() = %v, want ErrInvariant", err)
		}
		if got := mustGet(t, st, 5); got.ClockEnabled {
			t.Fatal("flag enabled on inactive row")
		}
		assertInvariant(t, st)
	})
}

func TestListActiveAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, st sessions.Store) {
		ctx := context.Background()

		a := activeSession(3)
		b := activeSession(1)
		b.ClockEnabled, b.OnlineEnabled = false, true
		c := activeSession(2)
		c.OnlineEnabled = true
		for _, s := range []sessions.Session{a, b, c} {
			if err := st.Upsert(ctx, s); err != nil {
				t.Fatal(err)
			}
		}

		clock, err := st.ListActive(ctx, sessions.BehaviorClock)
		if err != nil {
			t.Fatal(err)
		}
		if got := owners(clock); !reflect.DeepEqual(got, []int64{2, 3}) {
			t.Fatalf("clock owners = %v, want [2 3]", got)
		}
		online, err := st.ListActive(ctx, sessions.BehaviorOnline)
		if err != nil {
			t.Fatal(err)
		}
		if got := owners(online); !reflect.DeepEqual(got, []int64{1, 2}) {
			t.Fatalf("online owners = %v, want [1 2]", got)
		}

		if err := st.Delete(ctx, 2); err != nil {
			t.Fatal(err)
		}
		if err := st.Delete(ctx, 2); err != nil {
			t.Fatalf("second Delete: %v", err)
		}
		online, _ = st.ListActive(ctx, sessions.BehaviorOnline)
		if got := owners(online); !reflect.DeepEqual(got, []int64{1}) {
			t.Fatalf("online owners after delete = %v, want [1]", got)
		}
	})
}

func TestSnapshotIsDetached(t *testing.T) {
	forEachStore(t, func(t *testing.T, st sessions.Store) {
		ctx := context.Background()
		if err := st.Upsert(ctx, activeSession(1)); err != nil {
			t.Fatal(err)
		}
		rows, err := st.ListActive(ctx, sessions.BehaviorClock)
		if err != nil || len(rows) != 1 {
			t.Fatalf("ListActive = %v, %v", rows, err)
		}
		rows[0].Credential[0] = 'X'
		if got := mustGet(t, st, 1); got.Credential[0] == 'X' {
			t.Fatal("snapshot shares memory with the store")
		}
	})
}

func TestConcurrentWritersKeepWholeRows(t *testing.T) {
	forEachStore(t, func(t *testing.T, st sessions.Store) {
		ctx := context.Background()
		if err := st.Upsert(ctx, activeSession(1)); err != nil {
			t.Fatal(err)
		}

		var wg sync.WaitGroup
		for i := range 20 {
			wg.Go(func() {
				if i%2 == 0 {
					_, _ = st.SetFlags(ctx, 1, sessions.Set(sessions.BehaviorOnline, i%4 == 0))
					return
				}
				next := activeSession(1)
				next.Credential = []byte("writer")
				_ = st.Upsert(ctx, next)
			})
		}
		wg.Wait()

		got := mustGet(t, st, 1)
		if string(got.Credential) != "writer" {
			t.Fatalf("Credential = %q, want last full-row write", got.Credential)
		}
		assertInvariant(t, st)
	})
}

func owners(rows []sessions.Session) []int64 {
	out := make([]int64, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.OwnerID)
	}
	return out
}
