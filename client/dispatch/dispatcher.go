// Package dispatch routes decoded realtime frames to subscribed handlers.
package dispatch

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"matchchat/client/metrics"
	"matchchat/logging"
	"matchchat/model"
)

// Handler receives one inbound event. Handlers run synchronously on the
// dispatching goroutine and must not block.
type Handler func(model.InboundEvent)

type registration struct {
	id      uint64
	handler Handler
}

// Dispatcher fans inbound events out to handlers registered per event kind.
// Handlers for a kind run in registration order, followed by KindAny handlers.
type Dispatcher struct {
	logger    *zap.Logger
	collector *metrics.Collector

	mu       sync.RWMutex
	nextID   uint64
	handlers map[model.EventKind][]registration
}

// New creates a dispatcher. Both arguments may be nil.
func New(logger *zap.Logger, collector *metrics.Collector) *Dispatcher {
	return &Dispatcher{
		logger:    logging.OrNop(logger).Named("dispatch"),
		collector: collector,
		handlers:  make(map[model.EventKind][]registration),
	}
}

// Subscribe registers h for events of the given kind and returns a function
// that removes exactly this registration. Calling it more than once is a no-op.
func (d *Dispatcher) Subscribe(kind model.EventKind, h Handler) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	d.handlers[kind] = append(d.handlers[kind], registration{id: id, handler: h})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { d.remove(kind, id) })
	}
}

func (d *Dispatcher) remove(kind model.EventKind, id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	regs := d.handlers[kind]
	for i, r := range regs {
		if r.id != id {
			continue
		}
		// copy so that in-flight snapshots keep their own slice
		next := make([]registration, 0, len(regs)-1)
		next = append(next, regs[:i]...)
		next = append(next, regs[i+1:]...)
		if len(next) == 0 {
			delete(d.handlers, kind)
		} else {
			d.handlers[kind] = next
		}
		return
	}
}

// Handlers returns the number of handlers registered for kind.
func (d *Dispatcher) Handlers(kind model.EventKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}

// Dispatch delivers ev to the handlers registered at the time of the call.
func (d *Dispatcher) Dispatch(ev model.InboundEvent) {
	if ev == nil {
		return
	}

	d.mu.RLock()
	specific := d.handlers[ev.Kind()]
	wildcard := d.handlers[model.KindAny]
	d.mu.RUnlock()

	d.collector.RecordFrame(string(ev.Kind()))

	for _, r := range specific {
		d.invoke(r.handler, ev)
	}
	for _, r := range wildcard {
		d.invoke(r.handler, ev)
	}
}

// DispatchFrame decodes a raw frame and dispatches it. Malformed and unknown
// frames are logged and dropped.
func (d *Dispatcher) DispatchFrame(data []byte) {
	ev, err := model.ParseInbound(data)
	if err != nil {
		reason := "malformed"
		if errors.Is(err, model.ErrUnknownFrame) {
			reason = "unknown"
		}
		d.collector.RecordDropped(reason)
		d.logger.Warn("Dropping inbound frame",
			zap.String("reason", reason),
			zap.Int("bytes", len(data)),
			zap.Error(err))
		return
	}
	d.Dispatch(ev)
}

func (d *Dispatcher) invoke(h Handler, ev model.InboundEvent) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Handler panicked",
				zap.String("kind", string(ev.Kind())),
				zap.Any("panic", r))
		}
	}()
	h(ev)
}
