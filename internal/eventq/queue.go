// Package eventq serializes lifecycle work for one device. Any goroutine
// may post; a single worker drains the queue in FIFO order so at most one
// event per device is ever in flight.
package eventq

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/turtacn/Vigil/pkg/consts"
	"github.com/turtacn/Vigil/pkg/errors"
	"github.com/turtacn/Vigil/pkg/logger"
)

// Pending is the result of an event the worker has not finished.
const Pending = -1

// Event is one unit of lifecycle work. Payload ownership passes to the
// queue on enqueue.
type Event struct {
	Kind    consts.EventKind
	Payload any
	Mode    consts.SubmissionMode
	Seq     uint64
	Posted  time.Time

	result    atomic.Int64
	err       error
	done      chan struct{}
	abandoned atomic.Bool
}

func newEvent(kind consts.EventKind, payload any, mode consts.SubmissionMode) *Event {
	ev := &Event{
		Kind:    kind,
		Payload: payload,
		Mode:    mode,
		Posted:  time.Now(),
		done:    make(chan struct{}),
	}
	ev.result.Store(Pending)
	return ev
}

// Result is Pending until the handler returns, then the error code of the
// handler (0 on success).
func (e *Event) Result() int { return int(e.result.Load()) }

// Err returns the handler error once the event is done.
func (e *Event) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Done is closed when the worker finishes the event.
func (e *Event) Done() <-chan struct{} { return e.done }

// Abandoned reports whether an interruptible waiter gave up on the event.
func (e *Event) Abandoned() bool { return e.abandoned.Load() }

func (e *Event) complete(err error) {
	e.err = err
	e.result.Store(int64(errors.CodeOf(err)))
	close(e.done)
}

// Handler acts on one event. It runs on the queue worker only.
type Handler func(ctx context.Context, ev *Event) error

// Liveness is held while events are queued or in flight.
type Liveness interface {
	Hold()
	Release()
}

// Options configures a Queue.
type Options struct {
	Name     string
	Depth    int // Bounded capacity; consts.DefaultQueueDepth when zero
	Liveness Liveness
	Logger   logger.Logger
	// OnDone observes every finished event.
	OnDone func(ev *Event, took time.Duration)
}

// Queue is a multi-producer, single-consumer FIFO of events.
type Queue struct {
	name    string
	depth   int
	handler Handler
	live    Liveness
	log     logger.Logger
	onDone  func(*Event, time.Duration)

	mu      sync.Mutex
	items   *list.List
	seq     uint64
	held    bool
	closed  bool
	started bool

	wake     chan struct{}
	stopped  chan struct{}
	inflight atomic.Int32
}

// New returns a stopped queue; call Start to launch its worker.
func New(h Handler, opts Options) *Queue {
	if opts.Depth <= 0 {
		opts.Depth = consts.DefaultQueueDepth
	}
	if opts.Logger == nil {
		opts.Logger = logger.Log
	}
	return &Queue{
		name:    opts.Name,
		depth:   opts.Depth,
		handler: h,
		live:    opts.Liveness,
		log:     opts.Logger.With("component", "eventq"),
		onDone:  opts.OnDone,
		items:   list.New(),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Enqueue appends an event without waiting for it. It never blocks.
func (q *Queue) Enqueue(kind consts.EventKind, payload any, mode consts.SubmissionMode) (*Event, error) {
	if !kind.Valid() {
		return nil, errors.Newf(errors.ErrCodeInvalidEvent, "Post", "unknown event kind %q", kind)
	}
	if mode < consts.FireAndForget || mode > consts.SyncUninterruptible {
		return nil, errors.Newf(errors.ErrCodeInvalidEvent, "Post", "unknown submission mode %d", mode)
	}

	ev := newEvent(kind, payload, mode)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeUnknownDevice, "Post", "queue %s is closed", q.name)
	}
	if q.items.Len() >= q.depth {
		q.mu.Unlock()
		return nil, errors.Newf(errors.ErrCodeOutOfMemory, "Post", "queue %s full (%d events)", q.name, q.depth)
	}
	q.seq++
	ev.Seq = q.seq
	q.items.PushBack(ev)
	if !q.held {
		q.held = true
		if q.live != nil {
			q.live.Hold()
		}
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return ev, nil
}

// Post enqueues an event and, for the synchronous modes, waits for it.
// A SyncInterruptible waiter whose ctx ends gets ErrInterrupted while the
// event keeps running to completion on the worker.
func (q *Queue) Post(ctx context.Context, kind consts.EventKind, payload any, mode consts.SubmissionMode) (*Event, error) {
	ev, err := q.Enqueue(kind, payload, mode)
	if err != nil {
		return nil, err
	}

	switch mode {
	case consts.SyncUninterruptible:
		<-ev.done
		return ev, ev.err
	case consts.SyncInterruptible:
		select {
		case <-ev.done:
			return ev, ev.err
		case <-ctx.Done():
			ev.abandoned.Store(true)
			q.log.Debug("Queue: waiter interrupted", "queue", q.name, "event", ev.Kind, "seq", ev.Seq)
			return ev, errors.New(errors.ErrCodeInterrupted, "Post", fmt.Sprintf("wait for %s interrupted", ev.Kind), ctx.Err())
		}
	}
	return ev, nil
}

// Len is the number of events waiting, excluding the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Start launches the worker. Cancelling ctx closes the queue; events
// already accepted are still drained.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	go q.run(ctx)
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		front := q.items.Front()
		if front == nil {
			if q.held {
				q.held = false
				if q.live != nil {
					q.live.Release()
				}
			}
			if q.closed {
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()

			select {
			case <-q.wake:
			case <-ctx.Done():
				q.mu.Lock()
				q.closed = true
				q.mu.Unlock()
			}
			continue
		}
		ev := q.items.Remove(front).(*Event)
		q.mu.Unlock()

		q.process(ctx, ev)
	}
}

func (q *Queue) process(ctx context.Context, ev *Event) {
	if n := q.inflight.Add(1); n > 1 {
		q.log.Error("Queue: concurrent handlers detected", "queue", q.name, "inflight", n)
	}
	start := time.Now()
	err := q.call(ctx, ev)
	q.inflight.Add(-1)

	if err != nil {
		q.log.Warn("Queue: event failed", "queue", q.name, "event", ev.Kind, "seq", ev.Seq, "err", err)
	}
	ev.complete(err)
	if ev.Abandoned() {
		q.log.Debug("Queue: abandoned event finished", "queue", q.name, "event", ev.Kind, "result", ev.Result())
	}
	if q.onDone != nil {
		q.onDone(ev, time.Since(start))
	}
}

func (q *Queue) call(ctx context.Context, ev *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("Queue: handler panic", "queue", q.name, "event", ev.Kind, "panic", r)
			err = errors.Newf(errors.ErrCodeFatal, string(ev.Kind), "handler panic: %v", r)
		}
	}()
	return q.handler(ctx, ev)
}

// Close stops accepting events and waits for the worker to drain the ones
// already queued. A queue that was never started fails them instead.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed && !q.started {
		q.mu.Unlock()
		return
	}
	q.closed = true
	started := q.started
	var orphans []*Event
	if !started {
		for e := q.items.Front(); e != nil; e = e.Next() {
			orphans = append(orphans, e.Value.(*Event))
		}
		q.items.Init()
		if q.held && q.live != nil {
			q.live.Release()
		}
		q.held = false
	}
	q.mu.Unlock()

	if !started {
		for _, ev := range orphans {
			ev.complete(errors.Newf(errors.ErrCodeUnknownDevice, "Close", "queue %s closed before %s ran", q.name, ev.Kind))
		}
		return
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.stopped
}

// Personal.AI order the ending
