// Package registry fans inbound frames out to subscribers that opted into their
// frame type.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/conarylabs/mira-realtime/internal/metrics"
	"github.com/conarylabs/mira-realtime/internal/protocol"
)

// Callback receives one inbound frame.
type Callback func(frame protocol.Frame)

type subscription struct {
	id       string
	seq      uint64
	callback Callback
	filter   map[protocol.FrameType]struct{} // nil means every frame
}

func (s *subscription) accepts(t protocol.FrameType) bool {
	if s.filter == nil {
		return true
	}
	_, ok := s.filter[t]
	return ok
}

// Registry is a synchronous, goroutine-safe subscriber registry keyed by id.
type Registry struct {
	mu     sync.RWMutex
	subs   map[string]*subscription
	seq    uint64
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		subs:   make(map[string]*subscription),
		logger: logger,
	}
}

// Subscribe registers callback under id, replacing any earlier registration with
// the same id. With no types the subscriber receives every frame.
// The returned func removes this registration only; it does nothing once the id
// has been re-registered.
func (r *Registry) Subscribe(id string, callback Callback, types ...protocol.FrameType) func() {
	var filter map[protocol.FrameType]struct{}
	if len(types) > 0 {
		filter = make(map[protocol.FrameType]struct{}, len(types))
		for _, t := range types {
			filter[t] = struct{}{}
		}
	}

	r.mu.Lock()
	r.seq++
	sub := &subscription{id: id, seq: r.seq, callback: callback, filter: filter}
	_, replaced := r.subs[id]
	r.subs[id] = sub
	r.mu.Unlock()

	if replaced {
		r.logger.Debug("subscriber replaced", zap.String("subscriber", id))
	}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.subs[id]; ok && cur.seq == sub.seq {
			delete(r.subs, id)
		}
	}
}

// Unsubscribe removes whatever is registered under id.
func (r *Registry) Unsubscribe(id string) {
	r.mu.Lock()
	delete(r.subs, id)
	r.mu.Unlock()
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

// Dispatch delivers frame to every matching subscriber in registration order and
// returns once all of them have run. The subscriber set is snapshotted first, so
// callbacks may subscribe or unsubscribe freely.
func (r *Registry) Dispatch(frame protocol.Frame) {
	r.mu.RLock()
	snapshot := make([]*subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		if sub.accepts(frame.Type) {
			snapshot = append(snapshot, sub)
		}
	}
	r.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].seq < snapshot[j].seq })

	for _, sub := range snapshot {
		r.invoke(sub, frame)
	}
}

func (r *Registry) invoke(sub *subscription, frame protocol.Frame) {
	defer func() {
		if rec := recover(); rec != nil {
			metrics.SubscriberPanics.WithLabelValues(sub.id).Inc()
			r.logger.Error("subscriber panicked",
				zap.String("subscriber", sub.id),
				zap.String("frame_type", string(frame.Type)),
				zap.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	sub.callback(frame)
}
