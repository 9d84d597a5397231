// Package lock содержит блокировки по ключу, сериализующие операции над одной картой.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrLockFailed возвращается, если блокировку не удалось получить за отведённые попытки.
var ErrLockFailed = errors.New("failed to acquire lock")

// Locker выдаёт эксклюзивную блокировку по ключу. Возвращённую функцию
// нужно вызвать ровно один раз, чтобы освободить блокировку.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex реализует блокировку по ключу внутри одного процесса.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex создаёт пустую блокировку по ключу.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock ждёт освобождения ключа или отмены контекста.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
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

func (k *KeyedMutex) release(key string, l *keyLock) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}
