package bot

import (
	"context"
	"sync"
)

// inbox снимает обработку сообщений с горутины апдейтов: у каждого владельца
// своя очередь и не больше одного обработчика, порядок сообщений сохраняется.
// Долгий шаг одного владельца (подключение, запрос кода) не держит остальных.
type inbox struct {
	handle func(ctx context.Context, in Incoming)

	mu      sync.Mutex
	ctx     context.Context
	queues  map[int64][]Incoming
	closed  bool
	workers sync.WaitGroup
}

// newInbox создаёт закрытый inbox; сообщения принимаются после Open.
func newInbox(handle func(ctx context.Context, in Incoming)) *inbox {
	return &inbox{handle: handle, queues: make(map[int64][]Incoming), closed: true}
}

// Open начинает приём; обработчики получают ctx.
func (b *inbox) Open(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.closed = false
	b.mu.Unlock()
}

// Push ставит сообщение в очередь владельца. До Open и после Close сообщения отбрасываются.
func (b *inbox) Push(in Incoming) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false
	}
	ctx := b.ctx
	q, running := b.queues[in.OwnerID]
	b.queues[in.OwnerID] = append(q, in)
	if !running {
		b.workers.Go(func() { b.drain(ctx, in.OwnerID) })
	}
	return true
}

func (b *inbox) drain(ctx context.Context, owner int64) {
	for {
		b.mu.Lock()
		q := b.queues[owner]
		if len(q) == 0 {
			delete(b.queues, owner)
			b.mu.Unlock()
			return
		}
		next := q[0]
		b.queues[owner] = q[1:]
		b.mu.Unlock()

		b.handle(ctx, next)
	}
}

// Close перестаёт принимать сообщения и ждёт текущих обработчиков.
func (b *inbox) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.workers.Wait()
}
