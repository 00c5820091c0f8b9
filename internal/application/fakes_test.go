package application

import (
	"context"
	"sync"
	"time"

	"github.com/bnema/sdash/internal/domain"
)

type fakeResponse struct {
	items []domain.Record
	err   error
}

// scriptedFetcher replays queued responses per endpoint; the last one
// repeats once the queue is drained.
type scriptedFetcher struct {
	mu        sync.Mutex
	responses map[string][]fakeResponse
	calls     []string
	block     chan struct{}
	started   chan string
}

func newScriptedFetcher() *scriptedFetcher {
	return &scriptedFetcher{responses: make(map[string][]fakeResponse)}
}

func (f *scriptedFetcher) queue(endpoint string, responses ...fakeResponse) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[endpoint] = append(f.responses[endpoint], responses...)
}

func (f *scriptedFetcher) Fetch(ctx context.Context, endpoint string) ([]domain.Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, endpoint)
	block := f.block
	started := f.started
	queue := f.responses[endpoint]
	var response fakeResponse
	switch len(queue) {
	case 0:
		response = fakeResponse{items: []domain.Record{}}
	case 1:
		response = queue[0]
	default:
		response = queue[0]
		f.responses[endpoint] = queue[1:]
	}
	f.mu.Unlock()

	if started != nil {
		started <- endpoint
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return response.items, response.err
}

func (f *scriptedFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.calls)
}

func (f *scriptedFetcher) callsSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.calls...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(event domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) ofType(eventType domain.EventType) []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	var matched []domain.Event
	for _, event := range p.events {
		if event.Type == eventType {
			matched = append(matched, event)
		}
	}

	return matched
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type fakeTimer struct {
	mu       sync.Mutex
	delay    time.Duration
	fn       func()
	stopped  bool
	fired    bool
	creation int
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	wasActive := !t.stopped && !t.fired
	t.stopped = true
	return wasActive
}

func (t *fakeTimer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	fn := t.fn
	t.mu.Unlock()

	fn()
}

func (t *fakeTimer) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.stopped
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) timerHandle {
	f.mu.Lock()
	defer f.mu.Unlock()

	timer := &fakeTimer{delay: d, fn: fn, creation: len(f.timers)}
	f.timers = append(f.timers, timer)
	return timer
}

func (f *fakeTimers) last() *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.timers) == 0 {
		return nil
	}
	return f.timers[len(f.timers)-1]
}

type memorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[domain.ResourceName]domain.Snapshot
}

func newMemorySnapshotStore(snapshots ...domain.Snapshot) *memorySnapshotStore {
	store := &memorySnapshotStore{snapshots: make(map[domain.ResourceName]domain.Snapshot)}
	for _, snapshot := range snapshots {
		store.snapshots[snapshot.Resource] = snapshot
	}
	return store
}

func (s *memorySnapshotStore) Load(_ context.Context) ([]domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshots := make([]domain.Snapshot, 0, len(s.snapshots))
	for _, name := range domain.ResourceOrder {
		if snapshot, ok := s.snapshots[name]; ok {
			snapshots = append(snapshots, snapshot)
		}
	}
	return snapshots, nil
}

func (s *memorySnapshotStore) Save(_ context.Context, snapshot domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snapshot.Resource] = snapshot
	return nil
}

func (s *memorySnapshotStore) get(name domain.ResourceName) (domain.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot, ok := s.snapshots[name]
	return snapshot, ok
}

func sessionsResource() *domain.Resource {
	return &domain.Resource{Name: domain.ResourceSessions, Endpoint: "/api/sessions", RefreshPeriod: 30 * time.Second}
}

func participantsResource() *domain.Resource {
	return &domain.Resource{Name: domain.ResourceParticipants, Endpoint: "/api/participants", RefreshPeriod: time.Minute}
}

func roomsResource() *domain.Resource {
	return &domain.Resource{Name: domain.ResourceRooms, Endpoint: "/api/salles", RefreshPeriod: 2 * time.Minute}
}

func noStagger() Options {
	opts := DefaultOptions()
	opts.StaggerMin = 0
	opts.StaggerMax = 0
	opts.Debounce = 0
	return opts
}
