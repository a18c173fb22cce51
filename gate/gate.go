package gate

import (
	"context"
	"errors"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/omn25/cuelens/metrics"
)

// ErrCleared is returned to queued waiters when the gate is forcibly reset.
var ErrCleared = errors.New("gate cleared while waiting for a slot")

// Gate serializes access to the capture hardware. At most Max sessions hold
// a slot at once; everyone else waits in arrival order.
type Gate struct {
	mu      sync.Mutex
	max     int
	active  map[string]struct{}
	waiters []*waiter
	logger  *log.Logger
}

type waiter struct {
	id      string
	granted chan error
}

// Status is a point-in-time snapshot of the gate.
type Status struct {
	Active int
	Max    int
	Queued int
}

func New(max int, logger *log.Logger) *Gate {
	if max < 1 {
		max = 1
	}
	return &Gate{
		max:    max,
		active: make(map[string]struct{}),
		logger: logger,
	}
}

// Request blocks until the caller holds a slot or ctx is done. Slots are
// granted strictly in request order. Ids are caller-supplied and assumed
// unique per attempt; the gate does not deduplicate them.
func (g *Gate) Request(ctx context.Context, id string) error {
	g.mu.Lock()
	if len(g.active) < g.max {
		g.active[id] = struct{}{}
		g.mu.Unlock()
		g.logger.Debug("slot granted", "id", id)
		return nil
	}

	w := &waiter{id: id, granted: make(chan error, 1)}
	g.waiters = append(g.waiters, w)
	queued := len(g.waiters)
	g.mu.Unlock()
	metrics.GateWaits.Inc()
	g.logger.Info("slot busy, waiting", "id", id, "queued", queued)

	select {
	case err := <-w.granted:
		return err
	case <-ctx.Done():
		g.abandon(w)
		return ctx.Err()
	}
}

// abandon removes w from the queue if it is still there. If a grant raced
// with the cancellation, the grant wins and the slot must be handed back.
func (g *Gate) abandon(w *waiter) {
	g.mu.Lock()
	for i, queued := range g.waiters {
		if queued == w {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			g.mu.Unlock()
			return
		}
	}
	g.mu.Unlock()

	// Not queued means Release or ClearAll already committed to this
	// waiter; the buffered send may still be in flight, so wait for it.
	if err := <-w.granted; err == nil {
		g.Release(w.id)
	}
}

// Release frees the slot held by id and grants it to the longest waiter.
// Releasing an id that holds no slot is a no-op; teardown paths may call
// this unconditionally.
func (g *Gate) Release(id string) {
	g.mu.Lock()
	if _, held := g.active[id]; !held {
		g.mu.Unlock()
		g.logger.Warn("release of unheld slot ignored", "id", id)
		return
	}
	delete(g.active, id)

	var next *waiter
	if len(g.waiters) > 0 {
		next = g.waiters[0]
		g.waiters = g.waiters[1:]
		g.active[next.id] = struct{}{}
	}
	g.mu.Unlock()

	g.logger.Debug("slot released", "id", id)
	if next != nil {
		g.logger.Debug("slot granted from queue", "id", next.id)
		next.granted <- nil
	}
}

// Status reports current occupancy without modifying anything.
func (g *Gate) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Status{Active: len(g.active), Max: g.max, Queued: len(g.waiters)}
}

// ClearAll drops every held slot and rejects every queued waiter with
// ErrCleared. Emergency recovery only; holders are not notified and must
// not assume their slot survived.
func (g *Gate) ClearAll() {
	g.mu.Lock()
	dropped := len(g.active)
	rejected := g.waiters
	g.active = make(map[string]struct{})
	g.waiters = nil
	g.mu.Unlock()

	g.logger.Warn("gate cleared", "dropped", dropped, "rejected", len(rejected))
	for _, w := range rejected {
		w.granted <- ErrCleared
	}
}
