package coordinator

import (
	"sync"
	"testing"
	"time"
)

func TestPathLocksMutualExclusion(t *testing.T) {
	locks := NewPathLocks()

	var mu sync.Mutex
	active := 0
	peak := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			locks.LockAll([]string{"shared/config.json"})
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			active--
			mu.Unlock()
			locks.UnlockAll([]string{"shared/config.json"})
		}()
	}
	wg.Wait()

	if peak > 1 {
		t.Errorf("peak concurrent holders = %d, want 1", peak)
	}
}

func TestPathLocksDuplicateDeclaredPaths(t *testing.T) {
	locks := NewPathLocks()

	// A task may list the same write path more than once; the duplicate
	// must not make the task lock against itself.
	paths := []string{"api/openapi.yaml", "api/openapi.yaml"}
	done := make(chan struct{})
	go func() {
		locks.LockAll(paths)
		locks.UnlockAll(paths)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("LockAll hung on duplicate declared write paths")
	}

	// The path is fully released afterwards.
	locks.LockAll([]string{"api/openapi.yaml"})
	locks.UnlockAll([]string{"api/openapi.yaml"})
}

func TestPathLocksDisjointPathsDoNotBlock(t *testing.T) {
	locks := NewPathLocks()

	locks.LockAll([]string{"a.txt"})
	done := make(chan struct{})
	go func() {
		locks.LockAll([]string{"b.txt"})
		locks.UnlockAll([]string{"b.txt"})
		close(done)
	}()
	<-done
	locks.UnlockAll([]string{"a.txt"})
}

func TestPathLocksSortedAcquisition(t *testing.T) {
	locks := NewPathLocks()

	// Overlapping sets acquired in opposite declaration order must not
	// deadlock because acquisition is sorted.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			locks.LockAll([]string{"x", "y"})
			locks.UnlockAll([]string{"x", "y"})
		}()
		go func() {
			defer wg.Done()
			locks.LockAll([]string{"y", "x"})
			locks.UnlockAll([]string{"y", "x"})
		}()
	}
	wg.Wait()
}
