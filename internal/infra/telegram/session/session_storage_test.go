package session_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	tdsession "github.com/gotd/td/session"

	"telegram-presence-bot/internal/infra/telegram/session"
)

func TestFileStorageRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "bot_session.json")
	fs := &session.FileStorage{Path: path}

	if _, err := fs.LoadSession(ctx); !errors.Is(err, tdsession.ErrNotFound) {
		t.Fatalf("LoadSession on missing file = %v, want ErrNotFound", err)
	}
	if err := fs.StoreSession(ctx, []byte(`{"v":1}`)); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}
	if err := fs.StoreSession(ctx, []byte(`{"v":2}`)); err != nil {
		t.Fatalf("StoreSession: %v", err)
	}
	got, err := fs.LoadSession(ctx)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if string(got) != `{"v":2}` {
		t.Fatalf("LoadSession = %q", got)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("session file mode = %o, want 600", perm)
	}
}

func TestNilFileStorage(t *testing.T) {
	t.Parallel()
	var fs *session.FileStorage
	if _, err := fs.LoadSession(context.Background()); err == nil {
		t.Fatal("expected error from nil storage")
	}
	if err := fs.StoreSession(context.Background(), nil); err == nil {
		t.Fatal("expected error from nil storage")
	}
}
