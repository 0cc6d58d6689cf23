package coordinator

import (
	"sort"
	"sync"
)

// PathLocks serializes tasks that declare overlapping write paths. Each
// declared path gets its own mutex; locks are always acquired in sorted
// order so concurrent tasks with overlapping declarations cannot deadlock.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPathLocks creates an empty lock set.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*sync.Mutex)}
}

func (p *PathLocks) get(path string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.locks[path]
	if !ok {
		l = &sync.Mutex{}
		p.locks[path] = l
	}
	return l
}

// normalize returns the paths sorted with duplicates removed. A task may
// declare the same path twice; locking it twice would self-deadlock.
func normalize(paths []string) []string {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	out := sorted[:0]
	for i, path := range sorted {
		if i > 0 && path == sorted[i-1] {
			continue
		}
		out = append(out, path)
	}
	return out
}

// LockAll acquires the mutex for every distinct path, in sorted order.
func (p *PathLocks) LockAll(paths []string) {
	for _, path := range normalize(paths) {
		p.get(path).Lock()
	}
}

// UnlockAll releases in reverse sorted order.
func (p *PathLocks) UnlockAll(paths []string) {
	sorted := normalize(paths)
	for i := len(sorted) - 1; i >= 0; i-- {
		p.get(sorted[i]).Unlock()
	}
}
