package acquisition

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"telegram-presence-bot/internal/domain/sessions"
	"telegram-presence-bot/internal/infra/clock"
	"telegram-presence-bot/internal/infra/concurrency"
	"telegram-presence-bot/internal/infra/logger"
	"telegram-presence-bot/internal/infra/metrics"
	"telegram-presence-bot/internal/infra/telegram/remote"
)

// ErrClosed — менеджер остановлен, новые попытки не принимаются.
var ErrClosed = errors.New("acquisition manager closed")

const defaultAttemptTTL = 15 * time.Minute

// Options — зависимости и параметры Manager.
type Options struct {
	Store   sessions.Store
	Runtime remote.Runtime
	// TTL — простой попытки, после которого janitor её сносит.
	TTL time.Duration
	Now clock.Func
	// OnExpire вызывается после того, как janitor снёс попытку владельца.
	OnExpire func(owner int64)
}

// attempt — одна попытка. Поля state, handle и closed охраняются Manager.mu;
// остальные меняются только под замком владельца.
type attempt struct {
	id       uuid.UUID
	owner    int64
	behavior sessions.Behavior

	ctx    context.Context // отменяется при сносе попытки и прерывает её удалённые вызовы
	cancel context.CancelFunc

	state      State
	handle     remote.Handle
	closed     bool
	lastActive time.Time

	appID     int
	appSecret string
	phone     string
	challenge remote.Challenge
}

// Manager ведёт не более одной попытки на владельца.
//
// Шаги одного владельца строго последовательны (KeyedMutex). Cancel замок
// владельца не берёт: он снимает попытку с учёта, отменяет её контекст и
// отключает хэндл, поэтому не ждёт зависший удалённый вызов.
type Manager struct {
	store    sessions.Store
	runtime  remote.Runtime
	ttl      time.Duration
	now      clock.Func
	onExpire func(owner int64)
	locks    *concurrency.KeyedMutex

	mu       sync.Mutex
	attempts map[int64]*attempt
	closed   bool
}

// NewManager создаёт менеджер попыток.
func NewManager(opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = defaultAttemptTTL
	}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	return &Manager{
		store:    opts.Store,
		runtime:  opts.Runtime,
		ttl:      opts.TTL,
		now:      opts.Now,
		onExpire: opts.OnExpire,
		locks:    concurrency.NewKeyedMutex(),
		attempts: make(map[int64]*attempt),
	}
}

// Start открывает попытку для поведения b. Предыдущая попытка владельца сносится.
// Если у владельца уже активная сессия, только включает флаг b.
func (m *Manager) Start(ctx context.Context, owner int64, b sessions.Behavior) (Reply, error) {
	// Снос до замка: зависший шаг старой попытки отменится и отпустит замок.
	m.teardown(owner, outcomeSuperseded)

	unlock, err := m.locks.Lock(ctx, owner)
	if err != nil {
		return Reply{}, err
	}
	defer unlock()

	cur, ok, err := m.store.Get(ctx, owner)
	if err != nil {
		return Reply{}, fmt.Errorf("load session: %w", err)
	}
	if ok && cur.Active {
		changed, err := m.store.SetFlags(ctx, owner, sessions.Set(b, true))
		if err != nil {
			return Reply{}, fmt.Errorf("enable %s: %w", b, err)
		}
		logger.Info("acquisition: behavior enabled on active session",
			logger.Owner(owner), zap.String("behavior", string(b)), zap.Bool("changed", changed))
		if !changed {
			return Reply{State: StateIdle, Notice: NoticeBehaviorAlreadyEnabled, Behavior: b}, nil
		}
		return Reply{State: StateIdle, Notice: NoticeBehaviorEnabled, Behavior: b}, nil
	}

	a := &attempt{
		id:         uuid.New(),
		owner:      owner,
		behavior:   b,
		state:      StateAwaitingAppID,
		lastActive: m.now(),
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		a.cancel()
		return Reply{}, ErrClosed
	}
	// Гонка двух Start одного владельца: второй дошёл сюда после первого.
	prev := m.attempts[owner]
	m.attempts[owner] = a
	n := len(m.attempts)
	m.mu.Unlock()
	if prev != nil {
		m.release(prev, outcomeSuperseded)
	}
	metrics.SetOpenAttempts(n)

	logger.Info("acquisition: attempt started", logger.Owner(owner),
		zap.String("attempt", a.id.String()), zap.String("behavior", string(b)))
	return Reply{State: StateAwaitingAppID, Notice: NoticePromptAppID, Behavior: b}, nil
}

// Submit подаёт очередной ввод владельца в его попытку.
// Ошибка возвращается только вместе с переходом в StateFailed (или при сбое хранилища).
func (m *Manager) Submit(ctx context.Context, owner int64, input string) (Reply, error) {
	unlock, err := m.locks.Lock(ctx, owner)
	if err != nil {
		return Reply{}, err
	}
	defer unlock()

	a := m.current(owner)
	if a == nil {
		return Reply{State: StateIdle, Notice: NoticeNoAttempt}, nil
	}
	m.touch(a)
	defer m.touch(a)

	// Удалённые вызовы прерываются и отменой запроса, и сносом попытки.
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(a.ctx, cancel)
	defer stop()

	switch m.stateOf(a) {
	case StateAwaitingAppID:
		return m.onAppID(a, input), nil
	case StateAwaitingAppSecret:
		return m.onAppSecret(a, input), nil
	case StateAwaitingPhone:
		return m.onPhone(callCtx, a, input)
	case StateAwaitingCode:
		return m.onCode(ctx, callCtx, a, input)
	case StateAwaitingTwoFactor:
		return m.onTwoFactor(ctx, callCtx, a, input)
	default:
		return Reply{State: StateIdle, Notice: NoticeNoAttempt}, nil
	}
}

// Cancel сносит открытую попытку владельца. Сессию не трогает.
func (m *Manager) Cancel(owner int64) Reply {
	if !m.teardown(owner, outcomeCancelled) {
		return Reply{State: StateIdle, Notice: NoticeNothingToCancel}
	}
	return Reply{State: StateCancelled, Notice: NoticeCancelled}
}

// Status — состояние открытой попытки владельца.
func (m *Manager) Status(owner int64) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[owner]
	if !ok {
		return StateIdle, false
	}
	return a.state, true
}

// Open — число открытых попыток.
func (m *Manager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

// Close сносит все попытки и перестаёт принимать новые.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	all := make([]*attempt, 0, len(m.attempts))
	for owner, a := range m.attempts {
		all = append(all, a)
		delete(m.attempts, owner)
	}
	m.mu.Unlock()

	for _, a := range all {
		m.release(a, outcomeShutdown)
	}
	metrics.SetOpenAttempts(0)
}

func (m *Manager) onAppID(a *attempt, input string) Reply {
	id, ok := ParseAppID(input)
	if !ok {
		return Reply{State: StateAwaitingAppID, Notice: NoticeInvalidAppID}
	}
	a.appID = id
	m.setState(a, StateAwaitingAppSecret)
	return Reply{State: StateAwaitingAppSecret, Notice: NoticePromptAppSecret}
}

func (m *Manager) onAppSecret(a *attempt, input string) Reply {
	secret, ok := ValidAppSecret(input)
	if !ok {
		return Reply{State: StateAwaitingAppSecret, Notice: NoticeInvalidAppSecret, Sensitive: true}
	}
	a.appSecret = secret
	m.setState(a, StateAwaitingPhone)
	return Reply{State: StateAwaitingPhone, Notice: NoticePromptPhone, Sensitive: true}
}

func (m *Manager) onPhone(ctx context.Context, a *attempt, input string) (Reply, error) {
	phone, ok := NormalizePhone(input)
	if !ok {
		return Reply{State: StateAwaitingPhone, Notice: NoticeInvalidPhone}, nil
	}

	h := m.handleOf(a)
	if h == nil {
		conn, err := m.runtime.Connect(ctx, remote.Credentials{AppID: a.appID, AppSecret: a.appSecret})
		if !m.attach(a, conn, err) {
			return m.staleReply(), nil
		}
		if err != nil {
			if d, ok := remote.AsRateLimited(err); ok {
				return rateLimited(StateAwaitingPhone, d), nil
			}
			if errors.Is(err, remote.ErrInvalidApplication) {
				return m.fail(a, NoticeApplicationRejected, err)
			}
			return m.fail(a, NoticeFailed, err)
		}
		h = conn
	}

	ch, err := h.RequestLogin(ctx, phone)
	if !m.isCurrent(a) {
		return m.staleReply(), nil
	}
	switch {
	case err == nil:
	case errors.Is(err, remote.ErrInvalidPhone):
		return Reply{State: StateAwaitingPhone, Notice: NoticeInvalidPhone}, nil
	case errors.Is(err, remote.ErrRateLimited):
		d, _ := remote.AsRateLimited(err)
		return rateLimited(StateAwaitingPhone, d), nil
	case errors.Is(err, remote.ErrInvalidApplication):
		return m.fail(a, NoticeApplicationRejected, err)
	default:
		return m.fail(a, NoticeFailed, err)
	}

	a.phone = phone
	a.challenge = ch
	m.setState(a, StateAwaitingCode)
	logger.Info("acquisition: login code requested", logger.Owner(a.owner),
		zap.String("attempt", a.id.String()), zap.String("phone", logger.MaskPhone(phone)))
	return Reply{State: StateAwaitingCode, Notice: NoticeCodeSent}, nil
}

func (m *Manager) onCode(reqCtx, ctx context.Context, a *attempt, input string) (Reply, error) {
	code, ok := NormalizeCode(input)
	if !ok {
		return Reply{State: StateAwaitingCode, Notice: NoticeInvalidCode}, nil
	}
	h := m.handleOf(a)
	if h == nil {
		m.teardownAttempt(a, outcomeExpired)
		return Reply{State: StateFailed, Notice: NoticeSessionExpired}, nil
	}

	res, err := h.SubmitCode(ctx, a.challenge, code)
	if !m.isCurrent(a) {
		return m.staleReply(), nil
	}
	switch {
	case err == nil:
	case errors.Is(err, remote.ErrInvalidCode):
		return Reply{State: StateAwaitingCode, Notice: NoticeInvalidCode}, nil
	case errors.Is(err, remote.ErrCodeExpired):
		return Reply{State: StateAwaitingCode, Notice: NoticeCodeExpired}, nil
	case errors.Is(err, remote.ErrRateLimited):
		d, _ := remote.AsRateLimited(err)
		return rateLimited(StateAwaitingCode, d), nil
	case errors.Is(err, remote.ErrSignUpRequired):
		return m.fail(a, NoticeSignUpRequired, err)
	case errors.Is(err, remote.ErrDisconnected):
		m.teardownAttempt(a, outcomeExpired)
		return Reply{State: StateFailed, Notice: NoticeSessionExpired}, nil
	default:
		return m.fail(a, NoticeFailed, err)
	}

	if res == remote.SignInNeedsTwoFactor {
		m.setState(a, StateAwaitingTwoFactor)
		return Reply{State: StateAwaitingTwoFactor, Notice: NoticePromptPassword}, nil
	}
	return m.complete(reqCtx, ctx, a, h)
}

func (m *Manager) onTwoFactor(reqCtx, ctx context.Context, a *attempt, input string) (Reply, error) {
	password := input
	if strings.TrimSpace(password) == "" {
		return Reply{State: StateAwaitingTwoFactor, Notice: NoticeInvalidPassword, Sensitive: true}, nil
	}
	h := m.handleOf(a)
	if h == nil {
		m.teardownAttempt(a, outcomeExpired)
		return Reply{State: StateFailed, Notice: NoticeSessionExpired, Sensitive: true}, nil
	}

	err := h.SubmitTwoFactor(ctx, password)
	if !m.isCurrent(a) {
		r := m.staleReply()
		r.Sensitive = true
		return r, nil
	}
	switch {
	case err == nil:
	case errors.Is(err, remote.ErrInvalidPassword):
		return Reply{State: StateAwaitingTwoFactor, Notice: NoticeInvalidPassword, Sensitive: true}, nil
	case errors.Is(err, remote.ErrRateLimited):
		d, _ := remote.AsRateLimited(err)
		r := rateLimited(StateAwaitingTwoFactor, d)
		r.Sensitive = true
		return r, nil
	case errors.Is(err, remote.ErrDisconnected):
		m.teardownAttempt(a, outcomeExpired)
		return Reply{State: StateFailed, Notice: NoticeSessionExpired, Sensitive: true}, nil
	default:
		r, ferr := m.fail(a, NoticeFailed, err)
		r.Sensitive = true
		return r, ferr
	}

	r, cerr := m.complete(reqCtx, ctx, a, h)
	r.Sensitive = true
	return r, cerr
}

// complete выгружает credential и пишет Session. Попытка снимается с учёта до
// записи: отмена, успевшая раньше, гарантированно оставляет строку нетронутой.
func (m *Manager) complete(reqCtx, ctx context.Context, a *attempt, h remote.Handle) (Reply, error) {
	blob, err := h.ExportCredential(ctx)
	if err != nil {
		if !m.isCurrent(a) {
			return m.staleReply(), nil
		}
		return m.fail(a, NoticeFailed, fmt.Errorf("export credential: %w", err))
	}
	if len(blob) == 0 {
		return m.fail(a, NoticeFailed, errors.New("export credential: empty blob"))
	}

	claimed, ok := m.finish(a)
	if !ok {
		return m.staleReply(), nil
	}
	if claimed != nil {
		defer claimed.Disconnect()
	}

	// Контекст попытки уже отменён finish; пишем под контекстом запроса.
	row := sessions.Session{
		OwnerID:    a.owner,
		AppID:      a.appID,
		AppSecret:  a.appSecret,
		Phone:      a.phone,
		Credential: blob,
		Active:     true,
	}
	if prev, found, err := m.store.Get(reqCtx, a.owner); err == nil && found && prev.Active {
		row.ClockEnabled, row.OnlineEnabled = prev.ClockEnabled, prev.OnlineEnabled
	}
	switch a.behavior {
	case sessions.BehaviorClock:
		row.ClockEnabled = true
	case sessions.BehaviorOnline:
		row.OnlineEnabled = true
	}
	if err := m.store.Upsert(reqCtx, row); err != nil {
		metrics.ObserveAcquisition(outcomeFailed)
		logger.Error("acquisition: store session", logger.Owner(a.owner), zap.Error(err))
		return Reply{State: StateFailed, Notice: NoticeFailed}, fmt.Errorf("store session: %w", err)
	}

	metrics.ObserveAcquisition(outcomeComplete)
	logger.Info("acquisition: complete", logger.Owner(a.owner),
		zap.String("attempt", a.id.String()), zap.String("behavior", string(a.behavior)))
	return Reply{State: StateComplete, Notice: NoticeComplete, Behavior: a.behavior}, nil
}

// fail переводит попытку в Failed и освобождает хэндл.
func (m *Manager) fail(a *attempt, notice Notice, cause error) (Reply, error) {
	claimed, ok := m.finish(a)
	if !ok {
		return m.staleReply(), nil
	}
	if claimed != nil {
		claimed.Disconnect()
	}
	metrics.ObserveAcquisition(outcomeFailed)
	logger.Warn("acquisition: attempt failed", logger.Owner(a.owner),
		zap.String("attempt", a.id.String()), zap.Error(cause))
	return Reply{State: StateFailed, Notice: notice}, cause
}

// staleReply — результат шага, попытку которого снесли, пока шёл удалённый вызов.
func (m *Manager) staleReply() Reply {
	return Reply{State: StateCancelled, Notice: NoticeCancelled}
}

func rateLimited(s State, d time.Duration) Reply {
	return Reply{State: s, Notice: NoticeRateLimited, RetryAfter: d}
}

func (m *Manager) current(owner int64) *attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts[owner]
}

func (m *Manager) isCurrent(a *attempt) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !a.closed && m.attempts[a.owner] == a
}

func (m *Manager) stateOf(a *attempt) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return a.state
}

func (m *Manager) setState(a *attempt, s State) {
	m.mu.Lock()
	a.state = s
	m.mu.Unlock()
	logger.Debug("acquisition: state", logger.Owner(a.owner), zap.Stringer("state", s))
}

func (m *Manager) handleOf(a *attempt) remote.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return a.handle
}

func (m *Manager) touch(a *attempt) {
	now := m.now()
	m.mu.Lock()
	a.lastActive = now
	m.mu.Unlock()
}

// attach закрепляет новый хэндл за попыткой. Если попытку уже снесли, хэндл
// отключается здесь же и возвращается false.
func (m *Manager) attach(a *attempt, h remote.Handle, connErr error) bool {
	m.mu.Lock()
	alive := !a.closed && m.attempts[a.owner] == a
	if alive && connErr == nil {
		a.handle = h
	}
	m.mu.Unlock()

	if !alive && connErr == nil && h != nil {
		h.Disconnect()
	}
	return alive
}

// finish снимает попытку с учёта и забирает её хэндл. false — попытку уже снесли.
func (m *Manager) finish(a *attempt) (remote.Handle, bool) {
	m.mu.Lock()
	if a.closed || m.attempts[a.owner] != a {
		m.mu.Unlock()
		return nil, false
	}
	delete(m.attempts, a.owner)
	a.closed = true
	h := a.handle
	a.handle = nil
	n := len(m.attempts)
	m.mu.Unlock()

	a.cancel()
	metrics.SetOpenAttempts(n)
	return h, true
}

// teardown сносит текущую попытку владельца. false — сносить было нечего.
func (m *Manager) teardown(owner int64, outcome string) bool {
	m.mu.Lock()
	a, ok := m.attempts[owner]
	if ok {
		delete(m.attempts, owner)
	}
	n := len(m.attempts)
	m.mu.Unlock()
	if !ok {
		return false
	}
	metrics.SetOpenAttempts(n)
	m.release(a, outcome)
	return true
}

// teardownAttempt сносит именно попытку a, если она ещё текущая.
func (m *Manager) teardownAttempt(a *attempt, outcome string) bool {
	m.mu.Lock()
	if m.attempts[a.owner] != a {
		m.mu.Unlock()
		return false
	}
	delete(m.attempts, a.owner)
	n := len(m.attempts)
	m.mu.Unlock()

	metrics.SetOpenAttempts(n)
	m.release(a, outcome)
	return true
}

// release — общий хвост сноса: пометить закрытой, отменить контекст, отключить хэндл.
func (m *Manager) release(a *attempt, outcome string) {
	m.mu.Lock()
	a.closed = true
	h := a.handle
	a.handle = nil
	m.mu.Unlock()

	a.cancel()
	if h != nil {
		h.Disconnect()
	}
	metrics.ObserveAcquisition(outcome)
	logger.Info("acquisition: attempt closed", logger.Owner(a.owner),
		zap.String("attempt", a.id.String()), zap.String("outcome", outcome))
}
