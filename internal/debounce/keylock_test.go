package debounce

import (
	"sync"
	"testing"
)

func TestKeyLocksSerializeAndRelease(t *testing.T) {
	k := newKeyLocks()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.lock("a")
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen)
	}
	if k.size() != 0 {
		t.Errorf("lock map not cleaned up: %d entries", k.size())
	}
}

func TestKeyLocksIndependentKeys(t *testing.T) {
	k := newKeyLocks()
	unlockA := k.lock("a")
	done := make(chan struct{})
	go func() {
		unlockB := k.lock("b")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}
