package event

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"namingpush/internal/metrics"
)

type indexedListener struct {
	index    int
	listener Listener
}

// worker drains one FIFO queue sequentially
type worker struct {
	mu     sync.Mutex
	queue  []*Event
	notify chan struct{}
	stop   chan struct{}
}

func (w *worker) push(ev *Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()

	select {
	case w.notify <- struct{}{}:
	default:
	}
}

func (w *worker) take() []*Event {
	w.mu.Lock()
	batch := w.queue
	w.queue = nil
	w.mu.Unlock()
	return batch
}

func (w *worker) len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// Reactive is an ordered filter chain followed by asynchronous ordered listener dispatch.
// Filters and listeners are registered before Start and are immutable afterwards.
// Each sink is bound to exactly one worker, so events sharing a sink are observed
// in the order Reactive was called.
type Reactive struct {
	name    string
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu        sync.Mutex
	filters   []Filter
	listeners []Listener

	bySink  map[string][]indexedListener
	workers []*worker
	started atomic.Bool
	// closeMu orders enqueues before the final drain
	closeMu sync.RWMutex
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// NewReactive creates a pipeline with the given number of dispatch workers
func NewReactive(name string, workers int, m *metrics.Metrics, logger zerolog.Logger) *Reactive {
	if workers <= 0 {
		workers = 1
	}
	r := &Reactive{
		name:    name,
		logger:  logger.With().Str("component", "pipeline").Str("pipeline", name).Logger(),
		metrics: m,
		workers: make([]*worker, workers),
	}
	for i := range r.workers {
		r.workers[i] = &worker{
			notify: make(chan struct{}, 1),
			stop:   make(chan struct{}),
		}
	}
	return r
}

// AddFilter appends a filter to the chain
func (r *Reactive) AddFilter(f Filter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.Load() {
		return ErrStarted
	}
	r.filters = append(r.filters, f)
	return nil
}

// AddListener appends a listener to the chain
func (r *Reactive) AddListener(l Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.Load() {
		return ErrStarted
	}
	r.listeners = append(r.listeners, l)
	return nil
}

// Start freezes the chains and starts the dispatch workers
func (r *Reactive) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.Load() {
		return ErrStarted
	}

	bySink := make(map[string][]indexedListener)
	for i, l := range r.listeners {
		for _, sink := range l.InterestSinks() {
			bySink[sink] = append(bySink[sink], indexedListener{index: i, listener: l})
		}
	}
	r.bySink = bySink

	for _, w := range r.workers {
		r.wg.Add(1)
		go r.run(w)
	}
	r.started.Store(true)

	r.logger.Debug().
		Int("filters", len(r.filters)).
		Int("listeners", len(r.listeners)).
		Int("workers", len(r.workers)).
		Msg("pipeline started")
	return nil
}

// Reactive runs the filters on the calling goroutine and enqueues the event
// for listener dispatch. It never blocks beyond filter evaluation.
// Returns false if the event was vetoed, has no interested listener, or the
// pipeline is not running.
func (r *Reactive) Reactive(ev *Event) bool {
	if !r.started.Load() || r.closed.Load() {
		r.logger.Debug().Str("sink", ev.Sink()).Msg("pipeline not running, event dropped")
		return false
	}

	for i, f := range r.filters {
		if !f.Pass(ev) {
			r.logger.Debug().Str("sink", ev.Sink()).Int("filter", i).Msg("event vetoed")
			return false
		}
	}

	if len(r.bySink[ev.Sink()]) == 0 {
		return false
	}

	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed.Load() {
		r.logger.Debug().Str("sink", ev.Sink()).Msg("pipeline closed, event dropped")
		return false
	}
	r.metrics.AddBacklog(r.name, 1)
	r.workerFor(ev.Sink()).push(ev)
	return true
}

// Backlog returns the number of queued events
func (r *Reactive) Backlog() int {
	n := 0
	for _, w := range r.workers {
		n += w.len()
	}
	return n
}

// Close stops accepting events, drains the queues and waits for the workers
func (r *Reactive) Close() {
	r.closeMu.Lock()
	swapped := r.closed.CompareAndSwap(false, true)
	r.closeMu.Unlock()
	if !swapped {
		return
	}
	if !r.started.Load() {
		return
	}
	for _, w := range r.workers {
		close(w.stop)
	}
	r.wg.Wait()
	r.logger.Debug().Msg("pipeline closed")
}

func (r *Reactive) workerFor(sink string) *worker {
	if len(r.workers) == 1 {
		return r.workers[0]
	}
	return r.workers[xxhash.Sum64String(sink)%uint64(len(r.workers))]
}

func (r *Reactive) run(w *worker) {
	defer r.wg.Done()
	for {
		batch := w.take()
		for _, ev := range batch {
			r.dispatch(ev)
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-w.notify:
		case <-w.stop:
			for _, ev := range w.take() {
				r.dispatch(ev)
			}
			return
		}
	}
}

func (r *Reactive) dispatch(ev *Event) {
	defer r.metrics.AddBacklog(r.name, -1)
	for _, il := range r.bySink[ev.Sink()] {
		if err := r.invoke(il, ev); err != nil {
			r.logger.Error().
				Err(err).
				Str("sink", ev.Sink()).
				Int("listener", il.index).
				Msg("listener failed")
			r.metrics.ListenerFailed(r.name, ev.Sink())
		}
	}
}

func (r *Reactive) invoke(il indexedListener, ev *Event) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = &ListenerError{Sink: ev.Sink(), Index: il.index, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	if err := il.listener.OnEvent(ev); err != nil {
		return &ListenerError{Sink: ev.Sink(), Index: il.index, Err: err}
	}
	return nil
}
