// Package framestore keeps a short, time-ordered window of recent camera frames.
package framestore

import (
	"sync"
	"time"

	"github.com/andresmejia3/doorsight/internal/types"
)

// Store is a bounded ring of frames. Frames are evicted on Push once the
// store exceeds its capacity or they fall outside maxAge relative to the
// newest frame. All reads return copies.
type Store struct {
	mu     sync.RWMutex
	buf    []types.Frame
	head   int // index of the oldest frame
	size   int
	maxAge time.Duration
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used by ByOffset.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a store holding at most capacity frames no older than maxAge.
// A zero maxAge disables age eviction.
func New(capacity int, maxAge time.Duration, opts ...Option) *Store {
	if capacity < 1 {
		capacity = 1
	}
	s := &Store{
		buf:    make([]types.Frame, capacity),
		maxAge: maxAge,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push appends a copy of frame and evicts stale or excess entries.
func (s *Store) Push(frame types.Frame) {
	f := frame.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.size == len(s.buf) {
		s.dropOldest()
	}
	s.buf[(s.head+s.size)%len(s.buf)] = f
	s.size++

	if s.maxAge > 0 {
		for s.size > 1 && f.Timestamp.Sub(s.buf[s.head].Timestamp) > s.maxAge {
			s.dropOldest()
		}
	}
}

func (s *Store) dropOldest() {
	s.buf[s.head] = types.Frame{}
	s.head = (s.head + 1) % len(s.buf)
	s.size--
}

func (s *Store) at(i int) types.Frame {
	return s.buf[(s.head+i)%len(s.buf)]
}

// Latest returns the most recently pushed frame.
func (s *Store) Latest() (types.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size == 0 {
		return types.Frame{}, false
	}
	return s.at(s.size - 1).Clone(), true
}

// ByOffset returns the frame whose timestamp is closest to now+offset.
// Ties go to the later frame. Positive offsets are the caller's job:
// wait, then call Latest.
func (s *Store) ByOffset(offset time.Duration) (types.Frame, bool) {
	if offset > 0 {
		return s.Latest()
	}
	target := s.now().Add(offset)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size == 0 {
		return types.Frame{}, false
	}

	best := 0
	bestDiff := absDuration(s.at(0).Timestamp.Sub(target))
	for i := 1; i < s.size; i++ {
		diff := absDuration(s.at(i).Timestamp.Sub(target))
		if diff <= bestDiff {
			best, bestDiff = i, diff
		}
	}
	return s.at(best).Clone(), true
}

// Len returns the number of buffered frames.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Capacity returns the maximum number of frames held.
func (s *Store) Capacity() int {
	return len(s.buf)
}

// Span returns the oldest and newest buffered timestamps, zero when empty.
func (s *Store) Span() (oldest, newest time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.size == 0 {
		return time.Time{}, time.Time{}
	}
	return s.at(0).Timestamp, s.at(s.size - 1).Timestamp
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
