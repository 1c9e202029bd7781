package bot_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"telegram-presence-bot/internal/adapters/telegram/bot"
	"telegram-presence-bot/internal/domain/acquisition"
	"telegram-presence-bot/internal/domain/sessions"
	"telegram-presence-bot/internal/infra/concurrency"
	"telegram-presence-bot/internal/infra/telegram/remote"
	"telegram-presence-bot/internal/infra/telegram/remote/remotetest"
)

const owner = int64(555)

type sent struct {
	owner int64
	text  string
}

type fakeMessenger struct {
	mu       sync.Mutex
	replies  []sent
	deleted  []int
	notified []sent
}

func (m *fakeMessenger) Reply(_ context.Context, in bot.Incoming, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, sent{owner: in.OwnerID, text: text})
	return nil
}

func (m *fakeMessenger) Delete(_ context.Context, in bot.Incoming) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, in.MsgID)
	return nil
}

func (m *fakeMessenger) Notify(_ context.Context, o int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notified = append(m.notified, sent{owner: o, text: text})
	return nil
}

func (m *fakeMessenger) last(t *testing.T) string {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		t.Fatal("no replies")
	}
	return m.replies[len(m.replies)-1].text
}

func (m *fakeMessenger) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replies)
}

type harness struct {
	store  *sessions.MemoryStore
	rt     *remotetest.Runtime
	mgr    *acquisition.Manager
	out    *fakeMessenger
	router *bot.Router
	msgID  int
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: sessions.NewMemoryStore(nil),
		rt:    &remotetest.Runtime{},
		out:   &fakeMessenger{},
	}
	h.mgr = acquisition.NewManager(acquisition.Options{Store: h.store, Runtime: h.rt, TTL: time.Minute})
	t.Cleanup(h.mgr.Close)
	h.router = bot.NewRouter(h.mgr, h.store, h.out, concurrency.NewDeduplicator(time.Minute), owner)
	return h
}

func (h *harness) send(t *testing.T, text string) string {
	t.Helper()
	h.msgID++
	if err := h.router.Handle(context.Background(), bot.Incoming{OwnerID: owner, MsgID: h.msgID, Text: text}); err != nil {
		t.Fatalf("Handle(%q): %v", text, err)
	}
	return h.out.last(t)
}

func (h *harness) connect(t *testing.T, cmd string) string {
	t.Helper()
	h.send(t, cmd)
	h.send(t, "123456")
	h.send(t, strings.Repeat("a", 32))
	h.send(t, "+998 90 123 45 67")
	return h.send(t, "5 4 3 2 1")
}

func mustContain(t *testing.T, got, want string) {
	t.Helper()
	if !strings.Contains(got, want) {
		t.Fatalf("reply %q does not contain %q", got, want)
	}
}

func TestHelpAndUnknownText(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	mustContain(t, h.send(t, "/start"), "/clock")
	mustContain(t, h.send(t, "/whatever"), "/clock")
	// Без открытой попытки свободный текст — справка.
	mustContain(t, h.send(t, "123456"), "/clock")
}

func TestClockFlowThroughChat(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	mustContain(t, h.send(t, "/clock@PresenceBot"), "api_id")
	secretMsg := h.msgID + 3 // /clock, app id, затем секрет
	mustContain(t, h.connect(t, "/clock"), "Часы в профиле: включено")

	s, ok, _ := h.store.Get(context.Background(), owner)
	if !ok || !s.Active || !s.ClockEnabled || s.OnlineEnabled {
		t.Fatalf("session = %+v", s.Redacted())
	}
	h.out.mu.Lock()
	deleted := append([]int(nil), h.out.deleted...)
	h.out.mu.Unlock()
	if len(deleted) != 1 || deleted[0] != secretMsg {
		t.Fatalf("deleted messages = %v, want [%d]", deleted, secretMsg)
	}

	// Второе поведение включается без нового входа.
	mustContain(t, h.send(t, "/online"), "Онлайн 24/7: включено")
	mustContain(t, h.send(t, "/online"), "уже включено")
	if got := len(h.rt.Connects()); got != 1 {
		t.Fatalf("connects = %d, want 1", got)
	}
}

func TestDisableAndDelete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.connect(t, "/online")

	mustContain(t, h.send(t, "/online_off"), "выключено")
	mustContain(t, h.send(t, "/online_off"), "и так выключено")
	s, _, _ := h.store.Get(context.Background(), owner)
	if s.OnlineEnabled || !s.Active {
		t.Fatalf("session after disable = %+v", s.Redacted())
	}

	mustContain(t, h.send(t, "/delete"), "удалена")
	if _, ok, _ := h.store.Get(context.Background(), owner); ok {
		t.Fatal("session survived /delete")
	}
	mustContain(t, h.send(t, "/delete"), "Сохранённого аккаунта нет")
}

func TestCancelCommands(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	mustContain(t, h.send(t, "/cancel"), "Отменять нечего")
	h.send(t, "/clock")
	mustContain(t, h.send(t, "Cancel"), "отменено")
	if h.mgr.Open() != 0 {
		t.Fatal("attempt survived cancel")
	}
}

func TestDeleteCancelsOpenAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send(t, "/clock")
	h.send(t, "123456")
	h.send(t, strings.Repeat("a", 32))
	h.send(t, "998901234567")

	h.send(t, "/delete")
	if h.mgr.Open() != 0 {
		t.Fatal("attempt survived /delete")
	}
	if h.rt.OpenHandles() != 0 {
		t.Fatal("handle left connected")
	}
}

func TestStatusMasksPhone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	mustContain(t, h.send(t, "/status"), "не подключён")

	h.connect(t, "/clock")
	got := h.send(t, "/status")
	if strings.Contains(got, "998901234567") {
		t.Fatalf("status leaks full phone: %q", got)
	}
	mustContain(t, got, "вкл")
}

func TestDuplicateUpdateIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	in := bot.Incoming{OwnerID: owner, MsgID: 77, Text: "/help"}
	for range 3 {
		if err := h.router.Handle(context.Background(), in); err != nil {
			t.Fatal(err)
		}
	}
	if n := h.out.count(); n != 1 {
		t.Fatalf("replies = %d, want 1", n)
	}
}

func TestStatsOnlyForAdmin(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	stats := h.send(t, "/stats")
	mustContain(t, stats, "Сессий: 0")
	mustContain(t, stats, "С запуска:")

	other := bot.Incoming{OwnerID: owner + 1, MsgID: 1, Text: "/stats"}
	if err := h.router.Handle(context.Background(), other); err != nil {
		t.Fatal(err)
	}
	mustContain(t, h.out.last(t), "/clock")
}

func TestNotifyExpired(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.router.NotifyExpired(context.Background(), owner)

	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	if len(h.out.notified) != 1 || h.out.notified[0].owner != owner {
		t.Fatalf("notified = %+v", h.out.notified)
	}
}

func TestSecretStepsSubmitSlashText(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var (
		mu        sync.Mutex
		passwords []string
	)
	h.rt.SubmitCodeFunc = func(context.Context, remote.Challenge, string) (remote.SignInResult, error) {
		return remote.SignInNeedsTwoFactor, nil
	}
	h.rt.SubmitTwoFactorFunc = func(_ context.Context, password string) error {
		mu.Lock()
		passwords = append(passwords, password)
		mu.Unlock()
		return nil
	}

	h.send(t, "/clock")
	h.send(t, "123456")
	h.send(t, "/"+strings.Repeat("a", 31))
	if state, _ := h.mgr.Status(owner); state != acquisition.StateAwaitingPhone {
		t.Fatalf("state after slash app secret = %v, want awaiting_phone", state)
	}
	h.send(t, "998901234567")
	h.send(t, "54321")
	if state, _ := h.mgr.Status(owner); state != acquisition.StateAwaitingTwoFactor {
		t.Fatalf("state = %v, want awaiting_two_factor", state)
	}

	passwordMsg := h.msgID + 1
	mustContain(t, h.send(t, "/s3cr3t-pass"), "Часы в профиле: включено")

	mu.Lock()
	got := append([]string(nil), passwords...)
	mu.Unlock()
	if len(got) != 1 || got[0] != "/s3cr3t-pass" {
		t.Fatalf("SubmitTwoFactor calls = %q", got)
	}
	h.out.mu.Lock()
	deleted := append([]int(nil), h.out.deleted...)
	h.out.mu.Unlock()
	if len(deleted) == 0 || deleted[len(deleted)-1] != passwordMsg {
		t.Fatalf("deleted messages = %v, want password message %d", deleted, passwordMsg)
	}
}

func TestSecretStepStillCancels(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.send(t, "/clock")
	h.send(t, "123456")

	mustContain(t, h.send(t, "/cancel@PresenceBot"), "отменено")
	if h.mgr.Open() != 0 {
		t.Fatal("attempt survived /cancel")
	}
}
