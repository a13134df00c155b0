package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Outbound delivers bytes to exactly one client.
type Outbound interface {
	// Deliver queues data without blocking. It returns false if the client
	// cannot take it, in which case the hub drops the session.
	Deliver(data []byte) bool
	// Evict tells the owner of the handle that the hub has dropped it.
	Evict()
}

// Hub is the registry of live sessions. Its state is owned by the goroutine
// running Run; every operation is a closure sent over cmds and executed there.
type Hub struct {
	cmds    chan func(*registry)
	done    chan struct{}
	metrics *Metrics
}

// registry maps session ids to handles. ids and handles are parallel slices
// and index holds each id's position in them.
type registry struct {
	ids     []string
	handles []Outbound
	index   map[string]int
}

// NewHub creates a hub. It serves no calls until Run is started.
func NewHub(m *Metrics) *Hub {
	if m == nil {
		m = NewMetrics()
	}
	return &Hub{
		cmds:    make(chan func(*registry)),
		done:    make(chan struct{}),
		metrics: m,
	}
}

// Run owns the registry until ctx is cancelled, then evicts every remaining
// session. Calls made after Run returns are no-ops.
func (h *Hub) Run(ctx context.Context) {
	reg := &registry{index: make(map[string]int)}
	defer func() {
		close(h.done)
		for _, out := range reg.handles {
			out.Evict()
		}
		h.metrics.ActiveSessions.Set(0)
		slog.Debug("hub stopped", "evicted", len(reg.handles))
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-h.cmds:
			fn(reg)
			h.metrics.ActiveSessions.Set(float64(len(reg.ids)))
		}
	}
}

// do runs fn on the hub goroutine and waits for it. It reports false if the
// hub has stopped.
func (h *Hub) do(fn func(*registry)) bool {
	finished := make(chan struct{})
	select {
	case h.cmds <- func(r *registry) { fn(r); close(finished) }:
	case <-h.done:
		return false
	}
	<-finished
	return true
}

// Connect registers out under a fresh random id and returns the id. It
// returns "" only when the hub has stopped.
func (h *Hub) Connect(out Outbound) string {
	var id string
	h.do(func(r *registry) {
		id = uuid.NewString()
		for {
			if _, taken := r.index[id]; !taken {
				break
			}
			id = uuid.NewString()
		}
		r.add(id, out)
	})
	return id
}

// Disconnect removes id. Unknown ids are ignored.
func (h *Hub) Disconnect(id string) {
	h.do(func(r *registry) {
		r.remove(id)
	})
}

// Broadcast delivers data to every session except exclude. A session whose
// handle refuses the delivery is removed and evicted; the others are not
// affected. Per session, deliveries arrive in Broadcast call order.
func (h *Hub) Broadcast(data []byte, exclude string) {
	h.do(func(r *registry) {
		h.metrics.Broadcasts.Inc()
		var failed []string
		for i, out := range r.handles {
			if r.ids[i] == exclude {
				continue
			}
			if !out.Deliver(data) {
				failed = append(failed, r.ids[i])
			}
		}
		for _, id := range failed {
			if out, ok := r.remove(id); ok {
				h.metrics.DroppedDeliveries.Inc()
				slog.Debug("hub dropped slow session", "session", id)
				out.Evict()
			}
		}
	})
}

// Count returns the number of registered sessions.
func (h *Hub) Count() int {
	var n int
	h.do(func(r *registry) {
		n = len(r.ids)
	})
	return n
}

// Sessions returns the registered session ids in registry order.
func (h *Hub) Sessions() []string {
	var ids []string
	h.do(func(r *registry) {
		ids = append([]string(nil), r.ids...)
	})
	return ids
}

func (r *registry) add(id string, out Outbound) {
	r.index[id] = len(r.ids)
	r.ids = append(r.ids, id)
	r.handles = append(r.handles, out)
}

// remove swaps the last entry into id's slot and truncates.
func (r *registry) remove(id string) (Outbound, bool) {
	i, ok := r.index[id]
	if !ok {
		return nil, false
	}
	out := r.handles[i]
	last := len(r.ids) - 1
	if i != last {
		r.ids[i] = r.ids[last]
		r.handles[i] = r.handles[last]
		r.index[r.ids[i]] = i
	}
	r.ids[last] = ""
	r.handles[last] = nil
	r.ids = r.ids[:last]
	r.handles = r.handles[:last]
	delete(r.index, id)
	return out, true
}

// mailbox is the Outbound of one Endpoint: a bounded queue drained by the
// endpoint's writer goroutine.
type mailbox struct {
	ch      chan []byte
	evicted chan struct{}
	once    sync.Once
}

func newMailbox(size int) *mailbox {
	if size < 1 {
		size = 1
	}
	return &mailbox{
		ch:      make(chan []byte, size),
		evicted: make(chan struct{}),
	}
}

func (m *mailbox) Deliver(data []byte) bool {
	select {
	case <-m.evicted:
		return false
	default:
	}
	select {
	case m.ch <- data:
		return true
	default:
		return false
	}
}

func (m *mailbox) Evict() {
	m.once.Do(func() { close(m.evicted) })
}
