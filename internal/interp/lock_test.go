package interp

import (
	"context"
	"testing"
	"time"
)

func TestCallTokenRidesContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := CallToken(ctx); ok {
		t.Fatal("fresh context must carry no holder identity")
	}

	ctx, tok := EnsureCallToken(ctx)
	if got, ok := CallToken(ctx); !ok || got != tok {
		t.Errorf("CallToken() = %v, %v, want %v", got, ok, tok)
	}

	// A stack that already carries an identity keeps it.
	same, tok2 := EnsureCallToken(ctx)
	if tok2 != tok {
		t.Errorf("EnsureCallToken() minted %v over existing %v", tok2, tok)
	}
	if same != ctx {
		t.Error("EnsureCallToken must not rewrap a carrying context")
	}
}

func TestRecMutexReentry(t *testing.T) {
	m := NewRecMutex()
	tok := NewToken()

	m.Lock(tok)
	m.Lock(tok) // same holder must not deadlock
	m.Unlock(tok)
	m.Unlock(tok)

	// Fully released; a different holder acquires immediately.
	other := NewToken()
	done := make(chan struct{})
	go func() {
		m.Lock(other)
		m.Unlock(other)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("released mutex still blocks another holder")
	}
}

func TestRecMutexBlocksOtherHolder(t *testing.T) {
	m := NewRecMutex()
	a := NewToken()
	b := NewToken()

	m.Lock(a)

	acquired := make(chan struct{})
	go func() {
		m.Lock(b)
		close(acquired)
		m.Unlock(b)
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired while first still owns the lock")
	case <-time.After(50 * time.Millisecond):
	}

	m.Unlock(a)
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("second holder never acquired after release")
	}
}

func TestRecMutexPartialUnlockKeepsOwnership(t *testing.T) {
	m := NewRecMutex()
	a := NewToken()
	b := NewToken()

	m.Lock(a)
	m.Lock(a)
	m.Unlock(a) // one level down, still owned

	acquired := make(chan struct{})
	go func() {
		m.Lock(b)
		close(acquired)
		m.Unlock(b)
	}()

	select {
	case <-acquired:
		t.Fatal("holder acquired a lock still owned at depth 1")
	case <-time.After(50 * time.Millisecond):
	}

	m.Unlock(a)
	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("holder never acquired after full release")
	}
}

func TestRecMutexUnlockByNonOwnerPanics(t *testing.T) {
	m := NewRecMutex()
	a := NewToken()
	b := NewToken()

	m.Lock(a)
	defer m.Unlock(a)

	defer func() {
		if recover() == nil {
			t.Fatal("unlock by non-owner did not panic")
		}
	}()
	m.Unlock(b)
}

func TestTokensAreUnique(t *testing.T) {
	seen := make(map[Token]bool)
	for i := 0; i < 100; i++ {
		tok := NewToken()
		if seen[tok] {
			t.Fatalf("token %d issued twice", tok)
		}
		seen[tok] = true
	}
}
