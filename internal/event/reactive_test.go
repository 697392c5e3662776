package event

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the values it observes in arrival order
type recorder struct {
	mu     sync.Mutex
	values []any
}

func (r *recorder) add(v any) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, len(r.values))
	copy(out, r.values)
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

func newTestReactive(workers int) *Reactive {
	return NewReactive("test", workers, nil, zerolog.Nop())
}

func TestReactive_OrderWithinSink(t *testing.T) {
	r := newTestReactive(1)
	rec := &recorder{}
	require.NoError(t, r.AddListener(NewListener(func(ev *Event) error {
		rec.add(ev.Value())
		return nil
	}, "S")))
	require.NoError(t, r.Start())
	defer r.Close()

	for i := 1; i <= 3; i++ {
		assert.True(t, r.Reactive(NewEvent(nil, fmt.Sprintf("e%d", i), "S")))
	}

	require.Eventually(t, func() bool { return rec.len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{"e1", "e2", "e3"}, rec.snapshot())
}

func TestReactive_PerSinkOrderAcrossWorkers(t *testing.T) {
	const perSink = 200
	sinks := []string{"a", "b", "c", "d", "e"}

	r := newTestReactive(4)
	recs := make(map[string]*recorder)
	for _, s := range sinks {
		rec := &recorder{}
		recs[s] = rec
		require.NoError(t, r.AddListener(NewListener(func(ev *Event) error {
			rec.add(ev.Value())
			return nil
		}, s)))
	}
	require.NoError(t, r.Start())
	defer r.Close()

	// one producer per sink, producers run concurrently
	var wg sync.WaitGroup
	for _, s := range sinks {
		wg.Add(1)
		go func(sink string) {
			defer wg.Done()
			for i := 0; i < perSink; i++ {
				r.Reactive(NewEvent(nil, i, sink))
			}
		}(s)
	}
	wg.Wait()

	for _, s := range sinks {
		rec := recs[s]
		require.Eventually(t, func() bool { return rec.len() == perSink }, 2*time.Second, 5*time.Millisecond)
		for i, v := range rec.snapshot() {
			require.Equal(t, i, v, "sink %s out of order", s)
		}
	}
}

func TestReactive_ListenersRunInRegistrationOrder(t *testing.T) {
	r := newTestReactive(1)
	rec := &recorder{}
	for i := 0; i < 3; i++ {
		idx := i
		require.NoError(t, r.AddListener(NewListener(func(ev *Event) error {
			rec.add(idx)
			return nil
		}, "S")))
	}
	require.NoError(t, r.Start())
	defer r.Close()

	r.Reactive(NewEvent(nil, nil, "S"))
	require.Eventually(t, func() bool { return rec.len() == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{0, 1, 2}, rec.snapshot())
}

func TestReactive_FilterVeto(t *testing.T) {
	r := newTestReactive(1)
	rec := &recorder{}
	second := 0
	require.NoError(t, r.AddFilter(FilterFunc(func(ev *Event) bool {
		return ev.Value() != "reject"
	})))
	require.NoError(t, r.AddFilter(FilterFunc(func(ev *Event) bool {
		second++
		return true
	})))
	require.NoError(t, r.AddListener(NewListener(func(ev *Event) error {
		rec.add(ev.Value())
		return nil
	}, "S")))
	require.NoError(t, r.Start())
	defer r.Close()

	assert.False(t, r.Reactive(NewEvent(nil, "reject", "S")))
	assert.Equal(t, 0, second, "veto must short-circuit remaining filters")
	assert.True(t, r.Reactive(NewEvent(nil, "accept", "S")))
	assert.Equal(t, 1, second)

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{"accept"}, rec.snapshot())
}

func TestReactive_ListenerFailureIsolated(t *testing.T) {
	r := newTestReactive(1)
	rec := &recorder{}
	require.NoError(t, r.AddListener(NewListener(func(ev *Event) error {
		return errors.New("boom")
	}, "S")))
	require.NoError(t, r.AddListener(NewListener(func(ev *Event) error {
		if ev.Value() == "panic" {
			panic("listener exploded")
		}
		return nil
	}, "S")))
	require.NoError(t, r.AddListener(NewListener(func(ev *Event) error {
		rec.add(ev.Value())
		return nil
	}, "S")))
	require.NoError(t, r.Start())
	defer r.Close()

	r.Reactive(NewEvent(nil, "panic", "S"))
	r.Reactive(NewEvent(nil, "next", "S"))

	require.Eventually(t, func() bool { return rec.len() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []any{"panic", "next"}, rec.snapshot())
}

func TestReactive_UninterestedSinkDropped(t *testing.T) {
	r := newTestReactive(1)
	require.NoError(t, r.AddListener(NewListener(func(ev *Event) error { return nil }, "S")))
	require.NoError(t, r.Start())
	defer r.Close()

	assert.False(t, r.Reactive(NewEvent(nil, nil, "other")))
	assert.Equal(t, 0, r.Backlog())
}

func TestReactive_RegistrationAfterStart(t *testing.T) {
	r := newTestReactive(1)
	require.NoError(t, r.Start())
	defer r.Close()

	assert.ErrorIs(t, r.AddFilter(FilterFunc(func(*Event) bool { return true })), ErrStarted)
	assert.ErrorIs(t, r.AddListener(NewListener(func(*Event) error { return nil }, "S")), ErrStarted)
	assert.ErrorIs(t, r.Start(), ErrStarted)
}

func TestReactive_NotRunning(t *testing.T) {
	r := newTestReactive(1)
	require.NoError(t, r.AddListener(NewListener(func(*Event) error { return nil }, "S")))
	assert.False(t, r.Reactive(NewEvent(nil, nil, "S")), "not started")

	require.NoError(t, r.Start())
	r.Close()
	assert.False(t, r.Reactive(NewEvent(nil, nil, "S")), "closed")
}

func TestReactive_DoesNotBlockOnSlowListener(t *testing.T) {
	r := newTestReactive(1)
	release := make(chan struct{})
	require.NoError(t, r.AddListener(NewListener(func(*Event) error {
		<-release
		return nil
	}, "S")))
	require.NoError(t, r.Start())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			r.Reactive(NewEvent(nil, i, "S"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Reactive blocked behind a slow listener")
	}

	close(release)
	r.Close()
	assert.Equal(t, 0, r.Backlog())
}

func TestReactive_AcceptedEventsDispatchedAcrossClose(t *testing.T) {
	for round := 0; round < 50; round++ {
		r := newTestReactive(2)
		rec := &recorder{}
		require.NoError(t, r.AddListener(NewListener(func(ev *Event) error {
			rec.add(ev.Value())
			return nil
		}, "A", "B")))
		require.NoError(t, r.Start())

		var mu sync.Mutex
		accepted := 0
		var wg sync.WaitGroup
		for g := 0; g < 4; g++ {
			wg.Add(1)
			go func(sink string) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					if r.Reactive(NewEvent(nil, i, sink)) {
						mu.Lock()
						accepted++
						mu.Unlock()
					}
				}
			}([]string{"A", "B"}[g%2])
		}
		r.Close()
		wg.Wait()

		mu.Lock()
		assert.Equal(t, accepted, rec.len(), "round %d", round)
		mu.Unlock()
		assert.Equal(t, 0, r.Backlog())
	}
}
