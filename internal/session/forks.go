package session

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// MainFork is the implicit branch every session starts on.
const MainFork = "main"

// Fork errors.
var (
	ErrForkNotFound = errors.New("fork not found")
	ErrForkExists   = errors.New("fork already exists")
	ErrForkMerged   = errors.New("fork already merged")
)

// Fork is a named branch of the session event stream.
type Fork struct {
	ID          string
	Name        string
	FromMessage string
	CreatedBy   string
	CreatedAt   time.Time
	MergedInto  string
	MergedAt    time.Time
}

// Forks maintains a session's fork table and current-fork pointer.
type Forks struct {
	mu      sync.RWMutex
	m       map[string]*Fork
	current string
}

// NewForks returns a fork table positioned on the main branch.
func NewForks() *Forks {
	return &Forks{m: make(map[string]*Fork), current: MainFork}
}

// Create registers a new branch.
func (f *Forks) Create(fork Fork) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fork.ID == MainFork {
		return fmt.Errorf("%w: %q", ErrForkExists, fork.ID)
	}
	if _, exists := f.m[fork.ID]; exists {
		return fmt.Errorf("%w: %q", ErrForkExists, fork.ID)
	}
	fork.CreatedAt = time.Now().UTC()
	f.m[fork.ID] = &fork
	return nil
}

// Switch moves the current-fork pointer.
func (f *Forks) Switch(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != MainFork {
		fork, ok := f.m[id]
		if !ok {
			return fmt.Errorf("%w: %q", ErrForkNotFound, id)
		}
		if fork.MergedInto != "" {
			return fmt.Errorf("%w: %q", ErrForkMerged, id)
		}
	}
	f.current = id
	return nil
}

// Merge marks a fork merged into target. If the merged fork was current,
// the pointer moves to the target.
func (f *Forks) Merge(id, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fork, ok := f.m[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrForkNotFound, id)
	}
	if fork.MergedInto != "" {
		return fmt.Errorf("%w: %q", ErrForkMerged, id)
	}
	if target == "" {
		target = MainFork
	}
	fork.MergedInto = target
	fork.MergedAt = time.Now().UTC()
	if f.current == id {
		f.current = target
	}
	return nil
}

// Current returns the current fork id.
func (f *Forks) Current() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// Get returns a copy of the fork.
func (f *Forks) Get(id string) (Fork, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fork, ok := f.m[id]
	if !ok {
		return Fork{}, false
	}
	return *fork, true
}

// Len returns the number of registered forks, excluding main.
func (f *Forks) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.m)
}
