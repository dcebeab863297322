package cache

import "time"

// Snapshot holds a value together with the time it was fetched.
// The zero Snapshot is never fresh.
type Snapshot[T any] struct {
	Value     T
	FetchedAt time.Time
}

// Set stores v as fetched at now.
func (s *Snapshot[T]) Set(v T, now time.Time) {
	s.Value = v
	s.FetchedAt = now
}

// Expire keeps the value but forces the next Fresh check to fail.
func (s *Snapshot[T]) Expire() {
	s.FetchedAt = time.Time{}
}

// Valid reports whether the snapshot has ever been set and not expired.
func (s *Snapshot[T]) Valid() bool {
	return !s.FetchedAt.IsZero()
}

// Fresh reports whether now - FetchedAt < ttl. A zero ttl, or Disabled,
// means nothing is ever fresh.
func (s *Snapshot[T]) Fresh(now time.Time, ttl time.Duration) bool {
	if Disabled || ttl <= 0 || !s.Valid() {
		return false
	}
	return now.Sub(s.FetchedAt) < ttl
}
