package locks

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestKeyed_SameKeySerializes(t *testing.T) {
	k := NewKeyed()
	order := make(chan int, 2)

	k.Lock("crew-finance")
	go func() {
		k.Lock("crew-finance")
		order <- 2
		k.Unlock("crew-finance")
	}()

	time.Sleep(20 * time.Millisecond)
	order <- 1
	k.Unlock("crew-finance")

	if first, second := <-order, <-order; first != 1 || second != 2 {
		t.Errorf("expected order [1 2], got [%d %d]", first, second)
	}
}

func TestKeyed_DifferentKeysConcurrent(t *testing.T) {
	k := NewKeyed()
	var wg sync.WaitGroup
	var inside atomic.Int32
	var maxInside atomic.Int32

	for _, key := range []string{"agent-cfo", "agent-analyst", "crew-finance"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			k.Lock(key)
			n := inside.Add(1)
			for {
				cur := maxInside.Load()
				if n <= cur || maxInside.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			inside.Add(-1)
			k.Unlock(key)
		}(key)
	}
	wg.Wait()

	if maxInside.Load() < 2 {
		t.Errorf("expected different keys to be held concurrently, max concurrent holders = %d", maxInside.Load())
	}
}

func TestKeyed_TryLock(t *testing.T) {
	k := NewKeyed()
	if !k.TryLock("task-1") {
		t.Fatal("expected TryLock on free key to succeed")
	}
	if k.TryLock("task-1") {
		t.Fatal("expected TryLock on held key to fail")
	}
	k.Unlock("task-1")
	if !k.TryLock("task-1") {
		t.Fatal("expected TryLock after Unlock to succeed")
	}
	k.Unlock("task-1")
}

func TestKeyed_WithPropagatesError(t *testing.T) {
	k := NewKeyed()
	want := errors.New("boom")
	if err := k.With("ns", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	// Lock must have been released.
	if !k.TryLock("ns") {
		t.Fatal("expected lock to be released after With")
	}
	k.Unlock("ns")
}

func TestKeyed_LockAllNoDeadlock(t *testing.T) {
	k := NewKeyed()
	var wg sync.WaitGroup
	done := make(chan struct{})

	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			keys := []string{"b", "a", "c"}
			k.LockAll(keys)
			k.UnlockAll(keys)
		}()
		go func() {
			defer wg.Done()
			keys := []string{"c", "b", "a"}
			k.LockAll(keys)
			k.UnlockAll(keys)
		}()
	}

	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("LockAll deadlocked")
	}
}

func TestKeyed_UnlockUnknownKey(t *testing.T) {
	k := NewKeyed()
	k.Unlock("never-locked")
	k.LockAll(nil)
	k.UnlockAll(nil)
}
