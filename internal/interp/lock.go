package interp

import (
	"context"
	"sync"
	"sync/atomic"
)

// Token identifies one logical holder of the interpreter lock: the native
// call stack that entered the bridge. The interpreter engine is not
// internally thread-safe, so everything touching interpreter state
// serializes on a single process-wide reentrant mutex; the token lets the
// same stack reacquire without deadlocking itself while other stacks
// block.
type Token uint64

var tokenCounter atomic.Uint64

// NewToken allocates a fresh holder identity.
func NewToken() Token {
	return Token(tokenCounter.Add(1))
}

type callTokenKey struct{}

// WithCallToken records t as the holder identity of the native call stack
// rooted at ctx. A forward call stamps its token before handing the
// context to native code, so a reverse dispatch nested on the same stack
// reenters instead of deadlocking against itself.
func WithCallToken(ctx context.Context, t Token) context.Context {
	return context.WithValue(ctx, callTokenKey{}, t)
}

// CallToken retrieves the holder identity recorded on ctx.
func CallToken(ctx context.Context) (Token, bool) {
	t, ok := ctx.Value(callTokenKey{}).(Token)
	return t, ok
}

// EnsureCallToken returns ctx carrying a holder identity, minting a fresh
// one when ctx arrives from a stack with no interpreter frame below it.
func EnsureCallToken(ctx context.Context) (context.Context, Token) {
	if t, ok := CallToken(ctx); ok {
		return ctx, t
	}
	t := NewToken()
	return WithCallToken(ctx, t), t
}

// Locker is the narrow locking contract the call bridge depends on. Tests
// substitute instrumented or no-op implementations.
type Locker interface {
	Lock(t Token)
	Unlock(t Token)
}

// RecMutex is a reentrant mutual-exclusion lock with explicit holder
// identity. The current holder may call Lock again without blocking; a
// different holder blocks until the depth drops back to zero.
type RecMutex struct {
	mu    sync.Mutex
	cond  *sync.Cond
	owner Token
	depth int
}

// NewRecMutex creates an unlocked reentrant mutex.
func NewRecMutex() *RecMutex {
	m := &RecMutex{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock acquires the mutex on behalf of holder t, reentering if t already
// owns it.
func (m *RecMutex) Lock(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.depth > 0 && m.owner != t {
		m.cond.Wait()
	}
	m.owner = t
	m.depth++
}

// Unlock releases one level of holder t's ownership. Unlocking a mutex not
// held by t panics; that is always a bridge bug, never a recoverable state.
func (m *RecMutex) Unlock(t Token) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.depth == 0 || m.owner != t {
		panic("interp: unlock of RecMutex by non-owner")
	}
	m.depth--
	if m.depth == 0 {
		m.owner = 0
		m.cond.Signal()
	}
}

// NopLocker ignores all lock traffic. Single-threaded tests use it to keep
// call paths simple.
type NopLocker struct{}

func (NopLocker) Lock(Token)   {}
func (NopLocker) Unlock(Token) {}
