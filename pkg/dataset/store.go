package dataset

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrNoActiveDataset is returned before the first dataset is activated.
var ErrNoActiveDataset = errors.New("no active dataset")

// Store holds the active dataset. Activation swaps a single pointer, so a
// reader sees either the previous or the new dataset in full.
type Store struct {
	active atomic.Pointer[Dataset]

	mu        sync.Mutex
	listeners []func(previous, current *Dataset)
}

// Activate makes d the active dataset and returns the one it replaced.
// Listeners run synchronously after the swap.
func (s *Store) Activate(d *Dataset) *Dataset {
	previous := s.active.Swap(d)

	s.mu.Lock()
	listeners := append([]func(previous, current *Dataset){}, s.listeners...)
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(previous, d)
	}
	return previous
}

// Current returns the active dataset. Callers keep using the returned
// pointer for the whole operation.
func (s *Store) Current() (*Dataset, error) {
	d := s.active.Load()
	if d == nil {
		return nil, ErrNoActiveDataset
	}
	return d, nil
}

// IsCurrent reports whether d is the active dataset.
func (s *Store) IsCurrent(d *Dataset) bool {
	return d != nil && s.active.Load() == d
}

// OnActivate registers fn to be called after every activation.
func (s *Store) OnActivate(fn func(previous, current *Dataset)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}
