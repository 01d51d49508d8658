package authcore

import (
	"context"
	"sync"
	"sync/atomic"
)

// auditDispatcher decouples engine operations from sink latency: Emit hands
// the event to a buffered channel and a single worker goroutine forwards it
// to the sink. Backpressure behavior is governed by AuditConfig.DropIfFull.
type auditDispatcher struct {
	sink       AuditSink
	events     chan AuditEvent
	stop       chan struct{}
	stopped    chan struct{}
	dropIfFull bool

	// onDrop feeds dropped-event accounting into the engine metrics; the
	// local counter backs Engine.AuditDropped independently of whether
	// metrics are enabled.
	onDrop  func()
	dropped atomic.Uint64

	closing  atomic.Bool
	stopOnce sync.Once
}

// newAuditDispatcher returns nil when auditing is disabled; a nil dispatcher
// accepts Emit, Close, and Dropped as no-ops.
func newAuditDispatcher(cfg AuditConfig, sink AuditSink, onDrop func()) *auditDispatcher {
	if !cfg.Enabled {
		return nil
	}

	buffer := cfg.BufferSize
	if buffer <= 0 {
		buffer = 1
	}
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &auditDispatcher{
		sink:       sink,
		events:     make(chan AuditEvent, buffer),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
		dropIfFull: cfg.DropIfFull,
		onDrop:     onDrop,
	}
	go d.forward()
	return d
}

// forward is the worker loop. On stop it flushes whatever the buffer still
// holds before signalling stopped.
func (d *auditDispatcher) forward() {
	defer close(d.stopped)
	for {
		select {
		case event := <-d.events:
			d.sink.Emit(context.Background(), event)
		case <-d.stop:
			d.flush()
			return
		}
	}
}

func (d *auditDispatcher) flush() {
	for {
		select {
		case event := <-d.events:
			d.sink.Emit(context.Background(), event)
		default:
			return
		}
	}
}

// Emit queues event for asynchronous delivery. With DropIfFull set a full
// buffer discards the event and counts the drop; otherwise Emit blocks until
// the buffer accepts it, ctx is done, or the dispatcher shuts down. Events
// emitted after Close are discarded silently.
func (d *auditDispatcher) Emit(ctx context.Context, event AuditEvent) {
	if d == nil || d.closing.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.dropIfFull {
		select {
		case d.events <- event:
		case <-d.stop:
		default:
			d.countDrop()
		}
		return
	}

	select {
	case d.events <- event:
	case <-ctx.Done():
	case <-d.stop:
	}
}

func (d *auditDispatcher) countDrop() {
	d.dropped.Add(1)
	if d.onDrop != nil {
		d.onDrop()
	}
}

// Close stops the worker and blocks until buffered events have been delivered.
// Safe to call more than once.
func (d *auditDispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.closing.Store(true)
		close(d.stop)
		<-d.stopped
	})
}

// Dropped reports how many events were discarded under backpressure.
func (d *auditDispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
