package syncer

import (
	"context"
	"sync"
	"time"
)

// Status is the background sync state shown to the user, e.g. "3 changes pending".
type Status struct {
	Pending    int64
	Failed     int64
	Checkpoint int64
	LastSyncAt time.Time
	LastError  string
}

// StatusBroadcaster fans status updates out to subscribers. A subscriber that
// falls behind misses updates instead of blocking the sync loop.
type StatusBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[int64]chan Status
	nextID      int64
	bufferSize  int
	latest      Status
}

// NewStatusBroadcaster constructs an empty broadcaster.
func NewStatusBroadcaster() *StatusBroadcaster {
	return &StatusBroadcaster{
		subscribers: make(map[int64]chan Status),
		bufferSize:  4,
	}
}

// Subscribe registers a listener until ctx ends or the returned cleanup runs.
// The latest known status is delivered first.
func (b *StatusBroadcaster) Subscribe(ctx context.Context) (<-chan Status, func()) {
	stream := make(chan Status, b.bufferSize)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[id] = stream
	stream <- b.latest
	b.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

// Publish records status as the latest and offers it to every subscriber.
func (b *StatusBroadcaster) Publish(status Status) {
	b.mu.Lock()
	b.latest = status
	copies := make([]chan Status, 0, len(b.subscribers))
	for _, stream := range b.subscribers {
		copies = append(copies, stream)
	}
	b.mu.Unlock()

	for _, stream := range copies {
		select {
		case stream <- status:
		default:
		}
	}
}

// Latest returns the most recently published status.
func (b *StatusBroadcaster) Latest() Status {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.latest
}
