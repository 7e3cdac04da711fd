package latch

import (
	"sync"
	"testing"
)

func TestOptimisticLockReadValidate(t *testing.T) {
	var l OptimisticLock

	v := l.RLockOptimistic()
	if !l.Validate(v) {
		t.Fatalf("expected version to still be valid")
	}

	l.WLock()
	l.WUnlock()

	if l.Validate(v) {
		t.Fatalf("expected version to be invalidated by intervening write")
	}
}

func TestOptimisticLockExclusion(t *testing.T) {
	var l OptimisticLock
	if !l.TryWLock() {
		t.Fatalf("expected first TryWLock to succeed")
	}
	if l.TryWLock() {
		t.Fatalf("expected second TryWLock to fail while held")
	}
	l.WUnlock()
	if !l.TryWLock() {
		t.Fatalf("expected TryWLock to succeed after unlock")
	}
	l.WUnlock()
}

func TestRWLatchReadersConcurrent(t *testing.T) {
	var l RWLatch

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.ReadLock()
			defer l.ReadUnlock()
		}()
	}
	wg.Wait()

	if !l.Free() {
		t.Fatalf("expected latch to be free after all readers released")
	}
}

func TestRWLatchWriteExcludesReaders(t *testing.T) {
	var l RWLatch

	l.ReadLock()
	l.ReadLock()
	if l.TryUpgrade() {
		t.Fatalf("upgrade should fail with a concurrent reader outstanding")
	}
	l.ReadUnlock()
	l.ReadUnlock()

	l.ReadLock()
	if !l.TryUpgrade() {
		t.Fatalf("upgrade should succeed as the sole reader")
	}
	l.WriteUnlock()
}

func TestRWLatchVersionBumpsOnWrite(t *testing.T) {
	var l RWLatch

	v0 := l.WriteLock()
	l.WriteUnlock()

	v1 := l.WriteLock()
	l.WriteUnlock()

	if v1 <= v0 {
		t.Fatalf("expected version to strictly increase: %d -> %d", v0, v1)
	}
}
