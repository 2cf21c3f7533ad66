// Package locking provides the per-case ownership token that serializes registry
// mutations, bundle create-or-reuse, and job claims for one case.
package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/thekellymethod/proseiq-clean-sub002/internal/common"
)

// Locker hands out exclusive ownership of a key. Lock blocks until the key is free or
// ctx is done; the returned func releases ownership and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// CaseKey is the lock key for a case.
func CaseKey(caseID string) string {
	return "exhibits:case:" + caseID
}

// MemoryLocker is an in-process keyed mutex. Different keys never contend.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*slot)}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, s, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, s, true) })
	}, nil
}

func (l *MemoryLocker) release(key string, s *slot, held bool) {
	if held {
		<-s.ch
	}
	l.mu.Lock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
	l.mu.Unlock()
}

// Do runs fn while holding key. wait bounds how long to queue for the key; a caller
// that cannot get it in time receives a Conflict error.
func Do(ctx context.Context, l Locker, key string, wait time.Duration, fn func(ctx context.Context) error) error {
	lctx := ctx
	if wait > 0 {
		var cancel context.CancelFunc
		lctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}
	unlock, err := l.Lock(lctx, key)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return common.NewAppError(common.CodeConflict, "another operation holds "+key, errors.Join(common.ErrConflict, err))
	}
	defer unlock()
	return fn(ctx)
}

// Open returns the locker selected by cfg.Backend.
func Open(cfg common.LockConfig, logger *slog.Logger) (Locker, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryLocker(), nil
	case "redis":
		rl, err := NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.TTL, logger)
		if err != nil {
			return nil, err
		}
		return rl, nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.Backend)
	}
}
