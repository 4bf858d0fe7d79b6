// Package realtime tracks live board connections and SSE activity listeners
// and fans activity events out to both.
package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/gosuda/boardwire/internal/domain"
	"github.com/gosuda/boardwire/internal/metrics"
)

// Conn is one live WebSocket peer. Implementations must be comparable
// (pointer types) because the registry keys membership by value.
type Conn interface {
	Send(ctx context.Context, event domain.ActivityEvent) error
	Open() bool
}

// Registry owns board membership and the SSE listener list.
type Registry struct {
	mu        sync.Mutex
	boards    map[string]map[Conn]struct{}
	listeners map[*Listener]struct{}
	total     int
	metrics   *metrics.RealtimeMetrics
}

// NewRegistry creates an empty registry reporting to m.
func NewRegistry(m *metrics.RealtimeMetrics) *Registry {
	return &Registry{
		boards:    make(map[string]map[Conn]struct{}),
		listeners: make(map[*Listener]struct{}),
		metrics:   m,
	}
}

// Connect registers conn on boardID and returns the board's live count.
// The global cap is checked and applied under one lock; maxConnections <= 0
// disables it.
func (r *Registry) Connect(boardID string, conn Conn, maxConnections int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	clients, ok := r.boards[boardID]
	if ok {
		if _, dup := clients[conn]; dup {
			return len(clients), nil
		}
	}

	if maxConnections > 0 && r.total >= maxConnections {
		r.metrics.RejectedConnects.Inc()
		return 0, domain.ErrConnectionLimitExceeded
	}

	if !ok {
		clients = make(map[Conn]struct{})
		r.boards[boardID] = clients
	}
	clients[conn] = struct{}{}
	r.total++
	r.metrics.ActiveConnections.Set(float64(r.total))

	return len(clients), nil
}

// Disconnect removes conn from boardID. Removing an unknown connection is a no-op.
func (r *Registry) Disconnect(boardID string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(boardID, conn)
}

func (r *Registry) removeLocked(boardID string, conn Conn) bool {
	clients, ok := r.boards[boardID]
	if !ok {
		return false
	}
	if _, ok := clients[conn]; !ok {
		return false
	}

	delete(clients, conn)
	if len(clients) == 0 {
		delete(r.boards, boardID)
	}
	r.total--
	r.metrics.ActiveConnections.Set(float64(r.total))
	return true
}

// Broadcast delivers event to every peer on event.Board and to every SSE
// listener. Peers that are closed or fail the send are dropped after the
// sends complete. Broadcast never fails because of a single peer.
func (r *Registry) Broadcast(ctx context.Context, event domain.ActivityEvent) {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.boards[event.Board]))
	for c := range r.boards[event.Board] {
		conns = append(conns, c)
	}
	listeners := make([]*Listener, 0, len(r.listeners))
	for l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	enriched := event.WithActiveConnections(len(conns))

	var (
		wg      sync.WaitGroup
		staleMu sync.Mutex
		stale   []Conn
		closed  []Conn
	)
	for _, c := range conns {
		if !c.Open() {
			closed = append(closed, c)
			continue
		}

		wg.Add(1)
		go func(c Conn) {
			defer wg.Done()
			if err := c.Send(ctx, enriched); err != nil {
				log.Debug().Err(err).Str("board_id", event.Board).Msg("realtime: drop peer after failed send")
				staleMu.Lock()
				stale = append(stale, c)
				staleMu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	stale = append(stale, closed...)

	if len(stale) > 0 {
		r.mu.Lock()
		for _, c := range stale {
			if r.removeLocked(event.Board, c) {
				r.metrics.StaleConnections.Inc()
			}
		}
		r.mu.Unlock()
	}

	for _, l := range listeners {
		l.push(enriched)
	}
	r.metrics.BroadcastsTotal.Inc()
}

// RegisterListener adds a new SSE listener queue.
func (r *Registry) RegisterListener() *Listener {
	l := newListener()

	r.mu.Lock()
	r.listeners[l] = struct{}{}
	n := len(r.listeners)
	r.mu.Unlock()

	r.metrics.ActivityListeners.Set(float64(n))
	return l
}

// UnregisterListener removes l. It is safe to call more than once.
func (r *Registry) UnregisterListener(l *Listener) {
	r.mu.Lock()
	delete(r.listeners, l)
	n := len(r.listeners)
	r.mu.Unlock()

	r.metrics.ActivityListeners.Set(float64(n))
}

// Reset drops every connection and listener.
func (r *Registry) Reset() {
	r.mu.Lock()
	r.boards = make(map[string]map[Conn]struct{})
	r.listeners = make(map[*Listener]struct{})
	r.total = 0
	r.mu.Unlock()

	r.metrics.ActiveConnections.Set(0)
	r.metrics.ActivityListeners.Set(0)
}

// ActiveConnections returns the number of live peers across all boards.
func (r *Registry) ActiveConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// BoardConnections returns the number of live peers on boardID.
func (r *Registry) BoardConnections(boardID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.boards[boardID])
}
