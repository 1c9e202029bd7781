package concurrency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telegram-presence-bot/internal/infra/logger"
)

// Deduplicator — потокобезопасный кэш «недавно видели» для входящих сообщений бота.
// После переподключения Telegram может повторно доставить апдейт; повтор шага
// сценария (например, второй SubmitCode с тем же кодом) недопустим.
// Ключ: `<chatID>:<msgID>`.
type Deduplicator struct {
	mu     sync.Mutex
	seen   map[string]time.Time // key -> expireAt
	window time.Duration

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeduplicator создаёт кэш с окном window.
func NewDeduplicator(window time.Duration) *Deduplicator {
	return &Deduplicator{
		seen:   make(map[string]time.Time),
		window: window,
	}
}

// Start поднимает фоновую очистку просроченных ключей. Повторные вызовы игнорируются.
func (d *Deduplicator) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() {
		ticker := time.NewTicker(d.window)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case now := <-ticker.C:
				d.Cleanup(now)
			}
		}
	})
}

// Stop останавливает очистку и дожидается горутины.
func (d *Deduplicator) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
}

// Seen сообщает, встречалось ли сообщение в пределах окна; иначе запоминает его.
func (d *Deduplicator) Seen(chatID int64, msgID int) bool {
	key := fmt.Sprintf("%d:%d", chatID, msgID)

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		logger.Debugf("dedup: repeated update %s", key)
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// Cleanup удаляет записи, истёкшие к моменту now.
func (d *Deduplicator) Cleanup(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, exp := range d.seen {
		if now.After(exp) {
			delete(d.seen, k)
		}
	}
}
