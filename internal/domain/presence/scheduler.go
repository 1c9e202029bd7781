package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"telegram-presence-bot/internal/domain/sessions"
	"telegram-presence-bot/internal/infra/clock"
	"telegram-presence-bot/internal/infra/logger"
	"telegram-presence-bot/internal/infra/metrics"
	"telegram-presence-bot/internal/infra/telegram/remote"
)

// ErrTickInFlight — тик этого задания уже идёт; второй параллельно не запускается.
var ErrTickInFlight = errors.New("tick already in flight")

const (
	defaultClockPeriod   = 60 * time.Second
	defaultOnlinePeriod  = 300 * time.Second
	defaultConcurrency   = 8
	defaultReplayTimeout = 30 * time.Second
	defaultConnectRPS    = 5
)

// Options — параметры планировщика.
type Options struct {
	Store   sessions.Store
	Runtime remote.Runtime

	ClockPeriod  time.Duration
	OnlinePeriod time.Duration
	// Concurrency — сколько владельцев обрабатывается одновременно в одном тике.
	Concurrency int
	// ReplayTimeout ограничивает подключение и вызов для одного владельца.
	ReplayTimeout time.Duration
	// ConnectRPS — темп новых подключений на все задания сразу.
	ConnectRPS int
	Now        clock.Func
}

// TickReport — итог одного тика.
type TickReport struct {
	Job       sessions.Behavior
	Eligible  int
	Succeeded int
	Failed    int
	Skipped   int
	Took      time.Duration
}

// Scheduler запускает задания clock и online.
//
// Тики одного задания не пересекаются; внутри тика владельцы обрабатываются
// параллельно с ограничением Concurrency. Тик только читает хранилище.
type Scheduler struct {
	store   sessions.Store
	runtime remote.Runtime
	opts    Options
	limiter *rate.Limiter
	jobs    map[sessions.Behavior]job

	inflight map[sessions.Behavior]*atomic.Bool
}

// NewScheduler создаёт планировщик; нулевые поля Options заменяются значениями по умолчанию.
func NewScheduler(opts Options) *Scheduler {
	if opts.ClockPeriod <= 0 {
		opts.ClockPeriod = defaultClockPeriod
	}
	if opts.OnlinePeriod <= 0 {
		opts.OnlinePeriod = defaultOnlinePeriod
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.ReplayTimeout <= 0 {
		opts.ReplayTimeout = defaultReplayTimeout
	}
	if opts.ConnectRPS <= 0 {
		opts.ConnectRPS = defaultConnectRPS
	}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	return &Scheduler{
		store:   opts.Store,
		runtime: opts.Runtime,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.ConnectRPS), opts.ConnectRPS),
		jobs: map[sessions.Behavior]job{
			sessions.BehaviorClock:  {behavior: sessions.BehaviorClock, period: opts.ClockPeriod, do: clockAction},
			sessions.BehaviorOnline: {behavior: sessions.BehaviorOnline, period: opts.OnlinePeriod, do: onlineAction},
		},
		inflight: map[sessions.Behavior]*atomic.Bool{
			sessions.BehaviorClock:  new(atomic.Bool),
			sessions.BehaviorOnline: new(atomic.Bool),
		},
	}
}

// Run крутит оба задания до отмены ctx. Первый тик каждого задания — сразу.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, b := range []sessions.Behavior{sessions.BehaviorClock, sessions.BehaviorOnline} {
		j := s.jobs[b]
		g.Go(func() error {
			s.loop(gctx, j)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	logger.Info("presence: job started", zap.String("job", string(j.behavior)), zap.Duration("period", j.period))
	defer logger.Info("presence: job stopped", zap.String("job", string(j.behavior)))

	// time.Ticker держит фиксированный шаг от старта и роняет тики, если тик затянулся.
	ticker := time.NewTicker(j.period)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx, j.behavior); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("presence: tick", zap.String("job", string(j.behavior)), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce выполняет один тик задания b и ждёт всех владельцев.
func (s *Scheduler) RunOnce(ctx context.Context, b sessions.Behavior) (TickReport, error) {
	j, ok := s.jobs[b]
	if !ok {
		return TickReport{}, fmt.Errorf("unknown job %q", b)
	}
	busy := s.inflight[b]
	if !busy.CompareAndSwap(false, true) {
		return TickReport{Job: b}, ErrTickInFlight
	}
	defer busy.Store(false)

	start := time.Now()
	report, err := s.tick(ctx, j)
	report.Took = time.Since(start)
	if err != nil {
		return report, err
	}
	metrics.ObserveTick(string(b), report.Took)

	if report.Eligible > 0 {
		logger.Info("presence: tick done",
			zap.String("job", string(b)),
			zap.Int("eligible", report.Eligible),
			zap.Int("ok", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("skipped", report.Skipped),
			zap.Duration("took", report.Took))
	}
	return report, nil
}

func (s *Scheduler) tick(ctx context.Context, j job) (TickReport, error) {
	report := TickReport{Job: j.behavior}
	jobName := string(j.behavior)

	rows, err := s.store.ListActive(ctx, j.behavior)
	if err != nil {
		return report, fmt.Errorf("list %s sessions: %w", jobName, err)
	}
	report.Eligible = len(rows)

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = semaphore.NewWeighted(int64(s.opts.Concurrency))
	)
	count := func(result string) {
		metrics.ObserveReplay(jobName, result)
		mu.Lock()
		defer mu.Unlock()
		switch result {
		case metrics.ResultOK:
			report.Succeeded++
		case metrics.ResultFailed:
			report.Failed++
		default:
			report.Skipped++
		}
	}

	for i, row := range rows {
		if row.AppID == 0 || row.AppSecret == "" {
			logger.Warn("presence: session without api credentials, skipped",
				zap.String("job", jobName), logger.Owner(row.OwnerID))
			count(metrics.ResultSkipped)
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			// Остановка посреди тика: оставшихся не трогаем.
			for range rows[i:] {
				count(metrics.ResultSkipped)
			}
			break
		}
		wg.Go(func() {
			defer sem.Release(1)
			if err := s.replay(ctx, j, row); err != nil {
				if ctx.Err() != nil {
					count(metrics.ResultSkipped)
					return
				}
				logReplayFailure(jobName, row.OwnerID, err)
				count(metrics.ResultFailed)
				return
			}
			count(metrics.ResultOK)
		})
	}
	wg.Wait()
	return report, nil
}

// replay подключается с сохранёнными данными владельца, выполняет действие
// задания и отключается. Ограничено ReplayTimeout.
func (s *Scheduler) replay(ctx context.Context, j job, row sessions.Session) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ReplayTimeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("connect pacing: %w", err)
	}
	h, err := s.runtime.Connect(ctx, remote.Credentials{
		AppID:     row.AppID,
		AppSecret: row.AppSecret,
		Blob:      row.Credential,
	})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer h.Disconnect()

	return j.do(ctx, h, s.opts.Now())
}

func logReplayFailure(job string, owner int64, err error) {
	fields := []zap.Field{zap.String("job", job), logger.Owner(owner), zap.Error(err)}
	switch {
	case errors.Is(err, remote.ErrRevokedCredential):
		// Флаги не трогаем: повторим на следующем тике.
		logger.Warn("presence: credential revoked", fields...)
	case errors.Is(err, remote.ErrRateLimited):
		d, _ := remote.AsRateLimited(err)
		logger.Warn("presence: rate limited", append(fields, zap.Duration("retry_after", d))...)
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("presence: replay timed out", fields...)
	default:
		logger.Warn("presence: replay failed", fields...)
	}
}
