package cli_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"telegram-presence-bot/internal/adapters/cli"
	"telegram-presence-bot/internal/domain/acquisition"
	"telegram-presence-bot/internal/domain/presence"
	"telegram-presence-bot/internal/domain/sessions"
	"telegram-presence-bot/internal/infra/telegram/remote"
	"telegram-presence-bot/internal/infra/telegram/remote/remotetest"

	"go.etcd.io/bbolt"
)

const owner = int64(4242)

// scriptInput отдаёт заранее заданные строки и помнит, какие читались без эха.
type scriptInput struct {
	mu      sync.Mutex
	lines   []string
	secrets []string
}

func (in *scriptInput) next() (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if len(in.lines) == 0 {
		return "", io.EOF
	}
	line := in.lines[0]
	in.lines = in.lines[1:]
	return line, nil
}

func (in *scriptInput) ReadLine(string) (string, error) { return in.next() }

func (in *scriptInput) ReadSecret(string) (string, error) {
	line, err := in.next()
	if err == nil {
		in.mu.Lock()
		in.secrets = append(in.secrets, line)
		in.mu.Unlock()
	}
	return line, err
}

type fakeTicker struct {
	got []sessions.Behavior
	err error
}

func (f *fakeTicker) RunOnce(_ context.Context, b sessions.Behavior) (presence.TickReport, error) {
	f.got = append(f.got, b)
	return presence.TickReport{Job: b, Eligible: 3, Succeeded: 2, Failed: 1, Took: 1500 * time.Millisecond}, f.err
}

type env struct {
	store  sessions.Store
	rt     *remotetest.Runtime
	mgr    *acquisition.Manager
	ticker *fakeTicker
	in     *scriptInput
	out    *bytes.Buffer
	svc    *cli.Service
}

func newEnv(t *testing.T, store sessions.Store, backup cli.Backuper) *env {
	t.Helper()
	e := &env{
		store:  store,
		rt:     &remotetest.Runtime{},
		ticker: &fakeTicker{},
		in:     &scriptInput{},
		out:    &bytes.Buffer{},
	}
	e.mgr = acquisition.NewManager(acquisition.Options{Store: store, Runtime: e.rt, TTL: time.Minute})
	t.Cleanup(e.mgr.Close)
	e.svc = cli.NewService(cli.Options{
		Store:  store,
		Backup: backup,
		Ticker: e.ticker,
		Flow:   e.mgr,
		Input:  e.in,
		Out:    e.out,
	})
	return e
}

func (e *env) exec(t *testing.T, line string) string {
	t.Helper()
	e.out.Reset()
	if e.svc.Execute(context.Background(), line) {
		t.Fatalf("%q requested exit", line)
	}
	return e.out.String()
}

func seed(t *testing.T, store sessions.Store) {
	t.Helper()
	err := store.Upsert(context.Background(), sessions.Session{
		OwnerID:      owner,
		AppID:        1,
		AppSecret:    strings.Repeat("s", 32),
		Phone:        "+998901234567",
		Credential:   []byte("blob"),
		Active:       true,
		ClockEnabled: true,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestListShowAndFlags(t *testing.T) {
	t.Parallel()
	e := newEnv(t, sessions.NewMemoryStore(nil), nil)

	if got := e.exec(t, "list"); !strings.Contains(got, "No sessions") {
		t.Fatalf("list on empty store = %q", got)
	}
	seed(t, e.store)

	got := e.exec(t, "list")
	if !strings.Contains(got, "owner=4242") || !strings.Contains(got, "Total sessions: 1") {
		t.Fatalf("list = %q", got)
	}
	if strings.Contains(got, "998901234567") {
		t.Fatalf("list leaks the phone: %q", got)
	}

	got = e.exec(t, "show 4242")
	if strings.Contains(got, strings.Repeat("s", 32)) || strings.Contains(got, "blob") {
		t.Fatalf("show leaks secrets: %q", got)
	}

	e.exec(t, "enable 4242 online")
	e.exec(t, "disable 4242 clock")
	s, _, _ := e.store.Get(context.Background(), owner)
	if !s.OnlineEnabled || s.ClockEnabled || !s.Active {
		t.Fatalf("flags after enable/disable = %+v", s.Redacted())
	}
	if got := e.exec(t, "enable 1 clock"); !strings.Contains(got, "No session") {
		t.Fatalf("enable on missing owner = %q", got)
	}
}

func TestArgumentErrors(t *testing.T) {
	t.Parallel()
	e := newEnv(t, sessions.NewMemoryStore(nil), nil)

	tests := []struct {
		line string
		want string
	}{
		{line: "show", want: "wrong arguments"},
		{line: "show abc", want: "invalid owner"},
		{line: "enable 1 sleep", want: "enable:"},
		{line: "tick", want: "wrong arguments"},
		{line: "backup /tmp/x", want: "bolt store only"},
		{line: "frobnicate", want: "unknown command"},
	}
	for _, tt := range tests {
		if got := e.exec(t, tt.line); !strings.Contains(got, tt.want) {
			t.Errorf("%q: output %q does not contain %q", tt.line, got, tt.want)
		}
	}
}

func TestDeleteCancelsAndForgets(t *testing.T) {
	t.Parallel()
	e := newEnv(t, sessions.NewMemoryStore(nil), nil)
	if _, err := e.mgr.Start(context.Background(), owner, sessions.BehaviorOnline); err != nil {
		t.Fatal(err)
	}
	seed(t, e.store)

	e.exec(t, "delete 4242")
	if _, ok, _ := e.store.Get(context.Background(), owner); ok {
		t.Fatal("session survived delete")
	}
	if e.mgr.Open() != 0 {
		t.Fatal("attempt survived delete")
	}
}

func TestTickPrintsReport(t *testing.T) {
	t.Parallel()
	e := newEnv(t, sessions.NewMemoryStore(nil), nil)

	got := e.exec(t, "tick online")
	if !strings.Contains(got, "eligible=3 ok=2 failed=1") {
		t.Fatalf("tick output = %q", got)
	}
	e.ticker.err = presence.ErrTickInFlight
	if got := e.exec(t, "tick clock"); !strings.Contains(got, presence.ErrTickInFlight.Error()) {
		t.Fatalf("tick in flight output = %q", got)
	}
	if len(e.ticker.got) != 2 || e.ticker.got[1] != sessions.BehaviorClock {
		t.Fatalf("ticker calls = %v", e.ticker.got)
	}
}

func TestLoginWithTwoFactor(t *testing.T) {
	t.Parallel()
	e := newEnv(t, sessions.NewMemoryStore(nil), nil)
	e.rt.SubmitCodeFunc = func(context.Context, remote.Challenge, string) (remote.SignInResult, error) {
		return remote.SignInNeedsTwoFactor, nil
	}
	secret := strings.Repeat("b", 32)
	e.in.lines = []string{"123456", secret, "+998 90 123 45 67", "12345", "hunter2"}

	got := e.exec(t, "login 4242 clock")
	if !strings.Contains(got, "Done: clock enabled.") {
		t.Fatalf("login output = %q", got)
	}
	if len(e.in.secrets) != 2 || e.in.secrets[0] != secret || e.in.secrets[1] != "hunter2" {
		t.Fatalf("secret reads = %v", e.in.secrets)
	}
	s, ok, _ := e.store.Get(context.Background(), owner)
	if !ok || !s.Active || !s.ClockEnabled || s.Phone != "+998901234567" {
		t.Fatalf("session after login = %+v", s.Redacted())
	}
	if e.rt.OpenHandles() != 0 {
		t.Fatal("handle left connected")
	}
}

func TestLoginCancelAndEOF(t *testing.T) {
	t.Parallel()
	e := newEnv(t, sessions.NewMemoryStore(nil), nil)

	e.in.lines = []string{"123456", "cancel"}
	if got := e.exec(t, "login 4242 online"); !strings.Contains(got, "Login cancelled.") {
		t.Fatalf("cancel output = %q", got)
	}
	if e.mgr.Open() != 0 {
		t.Fatal("attempt survived cancel")
	}

	e.in.lines = []string{"123456"}
	if got := e.exec(t, "login 4242 online"); !strings.Contains(got, "Login aborted.") {
		t.Fatalf("EOF output = %q", got)
	}
	if e.mgr.Open() != 0 {
		t.Fatal("attempt survived EOF")
	}
	if _, ok, _ := e.store.Get(context.Background(), owner); ok {
		t.Fatal("aborted login wrote a session")
	}
}

func TestBackupWritesBoltSnapshot(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st, err := sessions.OpenBolt(filepath.Join(dir, "s.bbolt"), sessions.NopSealer{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	e := newEnv(t, st, st)
	seed(t, st)

	dst := filepath.Join(dir, "backup", "copy.bbolt")
	if got := e.exec(t, "backup "+dst); !strings.Contains(got, "Backup written") {
		t.Fatalf("backup output = %q", got)
	}

	db, err := bbolt.Open(dst, 0o600, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer db.Close()
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte("sessions"))
		if b == nil || b.Stats().KeyN != 1 {
			return errors.New("snapshot does not hold the stored row")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if info, err := os.Stat(dst); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("snapshot file: %v %v", info, err)
	}
}

func TestExitStopsApp(t *testing.T) {
	t.Parallel()
	stopped := false
	svc := cli.NewService(cli.Options{Store: sessions.NewMemoryStore(nil), StopApp: func() { stopped = true }, Out: io.Discard})
	if !svc.Execute(context.Background(), "exit") || !stopped {
		t.Fatal("exit did not stop the app")
	}
}
