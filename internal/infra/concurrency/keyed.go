// Package concurrency — примитивы конкурентного исполнения, общие для бота и планировщика.
package concurrency

import (
	"context"
	"sync"
)

// KeyedMutex — набор взаимоисключающих замков по ключу (owner id).
// Замок ключа живёт, пока его кто-то держит или ждёт; потом удаляется из карты,
// так что карта не растёт с числом владельцев.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*keyedLock
}

type keyedLock struct {
	ch   chan struct{} // буфер 1: занятый слот = замок взят
	refs int
}

// NewKeyedMutex создаёт пустой набор замков.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[int64]*keyedLock)}
}

// Lock берёт замок key; ожидание прерывается отменой ctx.
// Возвращает функцию освобождения, её нужно вызвать ровно один раз.
func (k *KeyedMutex) Lock(ctx context.Context, key int64) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key int64, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Len — число ключей с живыми замками (для тестов и метрик).
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
