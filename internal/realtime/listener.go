package realtime

import (
	"context"
	"sync"

	"github.com/gosuda/boardwire/internal/domain"
)

// Listener is an unbounded FIFO of activity events for one SSE client.
// Pushes never block; the reader waits on Ready.
type Listener struct {
	mu     sync.Mutex
	queue  []domain.ActivityEvent
	signal chan struct{}
}

func newListener() *Listener {
	return &Listener{signal: make(chan struct{}, 1)}
}

func (l *Listener) push(ev domain.ActivityEvent) {
	l.mu.Lock()
	l.queue = append(l.queue, ev)
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Pop removes and returns the oldest queued event.
func (l *Listener) Pop() (domain.ActivityEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.queue) == 0 {
		return domain.ActivityEvent{}, false
	}
	ev := l.queue[0]
	l.queue[0] = domain.ActivityEvent{}
	l.queue = l.queue[1:]
	return ev, true
}

// Ready fires after at least one push since the last receive.
func (l *Listener) Ready() <-chan struct{} {
	return l.signal
}

// Next blocks until an event is queued or ctx is done.
func (l *Listener) Next(ctx context.Context) (domain.ActivityEvent, error) {
	for {
		if ev, ok := l.Pop(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return domain.ActivityEvent{}, ctx.Err()
		case <-l.signal:
		}
	}
}

// Len reports how many events are waiting.
func (l *Listener) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}
