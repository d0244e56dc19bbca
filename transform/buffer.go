package transform

import (
	"sync"
	"time"
)

// DefaultBufferSize is how many stamped poses a Buffer retains when no
// explicit capacity is given. At typical odometry rates this covers a few
// tens of seconds of history.
const DefaultBufferSize = 512

// Stamped is a pose observed at a particular time.
type Stamped struct {
	Pose  Pose
	Stamp time.Time
}

// Buffer is a bounded history of stamped poses. Add evicts the oldest
// entry once the capacity is reached. Lookup never blocks and never
// mutates the buffer, so a missing pose resolves immediately rather than
// waiting on one that may never arrive.
type Buffer struct {
	mu       sync.RWMutex
	capacity int
	poses    []Stamped
}

// NewBuffer returns an empty buffer holding at most capacity poses. A
// capacity of zero or less selects DefaultBufferSize.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}
	return &Buffer{capacity: capacity, poses: make([]Stamped, 0, capacity)}
}

// Add records a pose observed at stamp.
func (b *Buffer) Add(p Pose, stamp time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.poses) == b.capacity {
		copy(b.poses, b.poses[1:])
		b.poses = b.poses[:len(b.poses)-1]
	}
	b.poses = append(b.poses, Stamped{Pose: p, Stamp: stamp})
}

// Len returns the number of buffered poses.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.poses)
}

// Lookup returns the buffered pose nearest to stamp, provided its offset
// from stamp is no more than tol. The second return value reports whether
// such a pose exists; a miss is an expected condition, not an error.
func (b *Buffer) Lookup(stamp time.Time, tol time.Duration) (Pose, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	best := -1
	var bestDiff time.Duration
	for i, sp := range b.poses {
		diff := stamp.Sub(sp.Stamp)
		if diff < 0 {
			diff = -diff
		}
		if best == -1 || diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	if best == -1 || bestDiff > tol {
		return Pose{}, false
	}
	return b.poses[best].Pose, true
}
