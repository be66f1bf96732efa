package session

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLockerSerialisesSameKey(t *testing.T) {
	l := NewLocker()
	var inside, maxInside int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("s")
			defer unlock()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()
	if maxInside != 1 {
		t.Errorf("expected one holder at a time, saw %d", maxInside)
	}
	if l.Len() != 0 {
		t.Errorf("expected lock entries to be released, got %d", l.Len())
	}
}

func TestLockerDifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocker()
	unlockA := l.Lock("a")
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock("b")
		unlock()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different key blocked")
	}
}

func TestLockerUnlockIsIdempotent(t *testing.T) {
	l := NewLocker()
	unlock := l.Lock("s")
	unlock()
	unlock()
	if l.Len() != 0 {
		t.Errorf("expected no entries, got %d", l.Len())
	}
}
