// Package connectivity abstracts the platform's online/offline signal so the
// sync engine can be driven without a real network stack.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/fieldsync/fieldsync/internal/logging"
)

// Observer reports the current connectivity state and notifies subscribers
// when it changes.
type Observer interface {
	// Online returns the current belief about connectivity.
	Online() bool

	// Subscribe registers a callback invoked on every state transition.
	// The returned function cancels the subscription.
	Subscribe(fn func(online bool)) (cancel func())
}

// state is the shared subscriber bookkeeping for both implementations.
type state struct {
	mu     sync.RWMutex
	online bool
	nextID int
	subs   map[int]func(online bool)
}

func newState(online bool) *state {
	return &state{
		online: online,
		subs:   make(map[int]func(online bool)),
	}
}

func (s *state) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

func (s *state) Subscribe(fn func(online bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// set updates the state and notifies subscribers on a transition.
func (s *state) set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	subs := make([]func(bool), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(online)
	}
}

// Manual is an Observer whose state is driven by the caller. It backs tests
// and platforms that surface their own connectivity events.
type Manual struct {
	*state
}

// NewManual creates a Manual observer with the given initial state.
func NewManual(online bool) *Manual {
	return &Manual{state: newState(online)}
}

// SetOnline updates the connectivity state, notifying subscribers on change.
func (m *Manual) SetOnline(online bool) {
	m.set(online)
}

// Monitor is an Observer that probes a health endpoint on an interval and
// flips state based on reachability.
type Monitor struct {
	*state

	client   *http.Client
	probeURL string
	interval time.Duration

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewMonitor creates a probe-based Monitor. The monitor assumes it is
// online until a probe says otherwise, matching the optimistic stance of
// the rest of the engine.
func NewMonitor(client *http.Client, probeURL string, interval time.Duration) *Monitor {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		state:    newState(true),
		client:   client,
		probeURL: probeURL,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins probing in the background until Stop or ctx cancellation.
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.probe(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

// Stop halts probing and waits for the background goroutine to exit.
func (m *Monitor) Stop() {
	m.stopped.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *Monitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		logging.Error("connectivity probe request invalid", err,
			map[string]interface{}{"url": m.probeURL})
		return
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.set(false)
		return
	}
	resp.Body.Close()

	// Any response at all means the origin is reachable.
	wasOnline := m.Online()
	m.set(true)
	if !wasOnline {
		logging.Info("connectivity restored", map[string]interface{}{"url": m.probeURL})
	}
}
