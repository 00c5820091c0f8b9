package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bnema/sdash/internal/domain"
	"github.com/bnema/sdash/internal/ports"
	"github.com/google/uuid"
)

const (
	defaultBaseInterval       = 30 * time.Second
	defaultStaggerMin         = 250 * time.Millisecond
	defaultStaggerMax         = 400 * time.Millisecond
	defaultDebounce           = 300 * time.Millisecond
	defaultErrorThreshold     = 5
	defaultCooldownMultiplier = 10
)

// UpdateFunc receives the items of the resources that changed in a cycle.
// An error keeps those resources marked unseen so the next cycle delivers
// them again.
type UpdateFunc func(ctx context.Context, changed domain.Payload) error

type Options struct {
	// BaseInterval is the polling timer period; resource periods are
	// multiples of it.
	BaseInterval time.Duration
	// StaggerMin and StaggerMax bound the random pause before every fetch
	// but the first in a cycle. Zero disables staggering.
	StaggerMin time.Duration
	StaggerMax time.Duration
	// Debounce coalesces RequestRefresh calls arriving within the window.
	Debounce time.Duration
	// ErrorThreshold is the number of consecutive failing fetches that
	// throttles polling.
	ErrorThreshold int
	// CooldownMultiplier times BaseInterval is the throttle cooldown.
	CooldownMultiplier int
}

func DefaultOptions() Options {
	return Options{
		BaseInterval:       defaultBaseInterval,
		StaggerMin:         defaultStaggerMin,
		StaggerMax:         defaultStaggerMax,
		Debounce:           defaultDebounce,
		ErrorThreshold:     defaultErrorThreshold,
		CooldownMultiplier: defaultCooldownMultiplier,
	}
}

func (o Options) cooldown() time.Duration {
	multiplier := o.CooldownMultiplier
	if multiplier <= 0 {
		multiplier = defaultCooldownMultiplier
	}

	return o.BaseInterval * time.Duration(multiplier)
}

type registeredUpdater struct {
	id string
	fn UpdateFunc
}

// Orchestrator runs refresh cycles over a fixed set of resources. Only one
// cycle is ever in flight; overlapping calls are skipped.
type Orchestrator struct {
	fetcher   ports.Fetcher
	scheduler *Scheduler
	governor  *Governor
	publisher ports.EventPublisher
	store     ports.SnapshotStore
	clock     ports.Clock
	logger    *slog.Logger
	sleep     func(ctx context.Context, d time.Duration) error
	between   func(lo, hi time.Duration) time.Duration

	inFlight atomic.Bool
	running  atomic.Bool

	mu            sync.Mutex
	opts          Options
	enabled       bool
	paused        bool
	latest        domain.Payload
	lastRefreshAt time.Time
	updaters      []registeredUpdater
	debounceTimer *time.Timer
	debounceForce bool
	pending       bool
	pendingForce  bool
	stopCh        chan struct{}

	wake     chan struct{}
	requests chan struct{}

	governorOpts []GovernorOption
}

type OrchestratorOption func(*Orchestrator)

func WithSnapshotStore(store ports.SnapshotStore) OrchestratorOption {
	return func(o *Orchestrator) { o.store = store }
}

func WithClock(clock ports.Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = clock }
}

func WithLogger(logger *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = logger }
}

func withSleep(sleep func(ctx context.Context, d time.Duration) error) OrchestratorOption {
	return func(o *Orchestrator) { o.sleep = sleep }
}

func withGovernorOptions(opts ...GovernorOption) OrchestratorOption {
	return func(o *Orchestrator) { o.governorOpts = append(o.governorOpts, opts...) }
}

func NewOrchestrator(fetcher ports.Fetcher, resources []*domain.Resource, publisher ports.EventPublisher, opts Options, options ...OrchestratorOption) (*Orchestrator, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if opts.BaseInterval <= 0 {
		return nil, fmt.Errorf("base interval must be positive, got %s", opts.BaseInterval)
	}
	if opts.StaggerMin > opts.StaggerMax {
		return nil, fmt.Errorf("stagger min %s exceeds stagger max %s", opts.StaggerMin, opts.StaggerMax)
	}

	seen := make(map[domain.ResourceName]struct{}, len(resources))
	for _, resource := range resources {
		if err := resource.Validate(); err != nil {
			return nil, err
		}
		if _, ok := seen[resource.Name]; ok {
			return nil, fmt.Errorf("duplicate resource %s", resource.Name)
		}
		seen[resource.Name] = struct{}{}
	}

	o := &Orchestrator{
		fetcher:   fetcher,
		scheduler: NewScheduler(resources),
		publisher: publisher,
		clock:     ports.SystemClock{},
		logger:    slog.Default(),
		sleep:     sleepContext,
		between:   randomBetween,
		opts:      opts,
		enabled:   true,
		latest:    domain.Payload{},
		wake:      make(chan struct{}, 1),
		requests:  make(chan struct{}, 1),
	}
	for _, option := range options {
		option(o)
	}

	governorOpts := []GovernorOption{
		WithGovernorHooks(GovernorHooks{Suspend: o.suspend, Resume: o.resume}),
		WithGovernorPublisher(publisher),
		WithGovernorClock(o.clock),
		WithGovernorLogger(o.logger),
	}
	o.governor = NewGovernor(opts.ErrorThreshold, opts.cooldown(), append(governorOpts, o.governorOpts...)...)

	return o, nil
}

func (o *Orchestrator) Governor() *Governor {
	return o.governor
}

func (o *Orchestrator) RegisterUpdater(fn UpdateFunc) string {
	if fn == nil {
		fn = func(context.Context, domain.Payload) error { return nil }
	}

	id := uuid.NewString()

	o.mu.Lock()
	o.updaters = append(o.updaters, registeredUpdater{id: id, fn: fn})
	o.mu.Unlock()

	return id
}

func (o *Orchestrator) UnregisterUpdater(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, updater := range o.updaters {
		if updater.id == id {
			o.updaters = append(o.updaters[:i:i], o.updaters[i+1:]...)
			return true
		}
	}

	return false
}

func (o *Orchestrator) State() domain.PollingState {
	o.mu.Lock()
	defer o.mu.Unlock()

	return domain.PollingState{
		ConsecutiveErrors: o.governor.ConsecutiveErrors(),
		Enabled:           o.enabled,
		InFlight:          o.inFlight.Load(),
		Throttled:         o.governor.State() == GovernorThrottled,
		Paused:            o.paused,
		Interval:          domain.Duration(o.opts.BaseInterval),
		LastRefreshAt:     o.lastRefreshAt,
	}
}

// Latest returns the most recent items of every resource.
func (o *Orchestrator) Latest() domain.Payload {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.latest.Clone()
}

// Refresh runs one cycle. Individual resource failures are absorbed into
// the result; only orchestration errors such as cancellation are returned.
func (o *Orchestrator) Refresh(ctx context.Context, force bool) (domain.CycleResult, error) {
	if !o.inFlight.CompareAndSwap(false, true) {
		o.logger.Debug("refresh skipped, cycle in flight", "force", force)
		return domain.CycleResult{Skipped: true, Forced: force}, nil
	}
	defer o.inFlight.Store(false)

	if err := ctx.Err(); err != nil {
		return domain.CycleResult{}, err
	}

	start := o.clock.Now()
	result := domain.CycleResult{
		Forced:    force,
		Items:     domain.Payload{},
		Outcomes:  make(map[domain.ResourceName]domain.OutcomeKind),
		Failures:  make(map[domain.ResourceName]error),
		StartedAt: start,
	}

	o.mu.Lock()
	if force {
		o.scheduler.Reset()
	}
	due := o.scheduler.Due(start, force)
	o.mu.Unlock()

	staged := make(map[domain.ResourceName]string, len(due))
	successes := 0
	var failed []domain.ResourceName
	for i, resource := range due {
		if i > 0 {
			if err := o.stagger(ctx); err != nil {
				return result, err
			}
		}

		outcome := o.fetch(ctx, resource)
		if err := ctx.Err(); err != nil {
			return result, err
		}

		result.Outcomes[resource.Name] = outcome.Kind
		switch outcome.Kind {
		case domain.OutcomeFailure:
			result.Failures[resource.Name] = outcome.Err
			o.logger.Warn("refresh resource failed",
				"resource", resource.Name,
				"kind", domain.KindOf(outcome.Err),
				"err", outcome.Err,
			)
			failed = append(failed, resource.Name)
		case domain.OutcomeUnchanged:
			successes++
		case domain.OutcomeSuccess:
			successes++
			result.Items[resource.Name] = outcome.Items
			staged[resource.Name] = outcome.Hash
		}
	}

	// Settled once per cycle: any success clears the governor, otherwise
	// every failing fetch counts.
	if successes > 0 {
		o.governor.RecordSuccess()
	} else {
		for _, name := range failed {
			o.governor.RecordFailure(name, result.Failures[name])
		}
	}

	finished := o.clock.Now()
	result.FinishedAt = finished
	o.mu.Lock()
	if successes > 0 {
		o.lastRefreshAt = finished
	}
	o.mu.Unlock()

	if len(result.Items) > 0 {
		result.Changed = true
		o.apply(ctx, result.Items, staged, finished)
	}

	o.logger.Info("refresh cycle finished",
		"force", force,
		"due", len(due),
		"changed", result.Items.Names(),
		"failures", len(result.Failures),
		"duration_ms", finished.Sub(start).Milliseconds(),
	)

	return result, nil
}

func (o *Orchestrator) fetch(ctx context.Context, resource *domain.Resource) domain.FetchOutcome {
	resource.LastFetchAt = o.clock.Now()

	items, err := o.fetcher.Fetch(ctx, resource.Endpoint)
	if err != nil {
		return domain.Failure(err)
	}

	return Classify(resource, items)
}

// apply delivers changed items to the updaters, then marks them seen,
// persists them and announces the refresh.
func (o *Orchestrator) apply(ctx context.Context, changed domain.Payload, staged map[domain.ResourceName]string, at time.Time) {
	o.mu.Lock()
	for name, items := range changed {
		o.latest[name] = items
	}
	o.mu.Unlock()

	if err := o.deliver(ctx, changed); err != nil {
		o.logger.Warn("ui update failed, changes will be delivered again", "resources", changed.Names(), "err", err)
	} else {
		o.mu.Lock()
		for name, hash := range staged {
			if resource, ok := o.scheduler.Lookup(name); ok {
				resource.LastHash = hash
			}
		}
		o.mu.Unlock()
		o.persist(ctx, changed, staged, at)
	}

	o.publish(domain.Event{
		Type:    domain.EventDataRefreshed,
		At:      at,
		Changed: changed.Names(),
		Payload: o.Latest(),
	})
}

func (o *Orchestrator) deliver(ctx context.Context, changed domain.Payload) error {
	o.mu.Lock()
	updaters := append([]registeredUpdater(nil), o.updaters...)
	o.mu.Unlock()

	var errs []error
	for _, updater := range updaters {
		if err := updater.fn(ctx, changed.Clone()); err != nil {
			errs = append(errs, fmt.Errorf("updater %s: %w", updater.id, err))
		}
	}

	return errors.Join(errs...)
}

func (o *Orchestrator) persist(ctx context.Context, changed domain.Payload, staged map[domain.ResourceName]string, at time.Time) {
	if o.store == nil {
		return
	}

	for _, name := range changed.Names() {
		snapshot := domain.Snapshot{
			Resource:  name,
			Hash:      staged[name],
			Items:     changed[name],
			FetchedAt: at,
		}
		if err := o.store.Save(ctx, snapshot); err != nil {
			o.logger.Error("save snapshot failed", "resource", name, "err", err)
		}
	}
}

func (o *Orchestrator) publish(event domain.Event) {
	if o.publisher == nil {
		return
	}
	o.publisher.Publish(event)
}

// Restore seeds the latest items and hashes from the snapshot store and
// hands them to the updaters, so a restarted client renders at once and
// its first cycle only redelivers what actually changed since.
func (o *Orchestrator) Restore(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	if !o.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer o.inFlight.Store(false)

	snapshots, err := o.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshots: %w", err)
	}

	restored := domain.Payload{}
	hashes := make(map[domain.ResourceName]string, len(snapshots))
	var newest time.Time
	for _, snapshot := range snapshots {
		if _, ok := o.scheduler.Lookup(snapshot.Resource); !ok {
			continue
		}
		restored[snapshot.Resource] = snapshot.Items
		hashes[snapshot.Resource] = snapshot.Hash
		if snapshot.FetchedAt.After(newest) {
			newest = snapshot.FetchedAt
		}
	}
	if len(restored) == 0 {
		return nil
	}

	o.mu.Lock()
	for name, items := range restored {
		o.latest[name] = items
	}
	o.lastRefreshAt = newest
	o.mu.Unlock()

	if err := o.deliver(ctx, restored); err != nil {
		o.logger.Warn("ui update of restored snapshots failed", "err", err)
	} else {
		o.mu.Lock()
		for name, hash := range hashes {
			if resource, ok := o.scheduler.Lookup(name); ok {
				resource.LastHash = hash
			}
		}
		o.mu.Unlock()
	}

	o.logger.Info("snapshots restored", "resources", restored.Names(), "as_of", newest)
	o.publish(domain.Event{
		Type:    domain.EventDataRefreshed,
		At:      newest,
		Changed: restored.Names(),
		Payload: o.Latest(),
	})

	return nil
}

// Run drives automatic cycles until ctx is cancelled or Stop is called.
// It owns the only polling timer.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return domain.ErrAlreadyRunning
	}
	defer o.running.Store(false)

	stopCh := make(chan struct{})
	o.mu.Lock()
	o.stopCh = stopCh
	interval := o.opts.BaseInterval
	o.mu.Unlock()

	defer o.teardown()

	o.logger.Info("polling started", "interval", interval, "resources", len(o.scheduler.Resources()))

	if _, err := o.Refresh(ctx, false); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()
	rearm := func() {
		timer.Stop()
		if active, interval := o.timerSettings(); active {
			timer.Reset(interval)
		}
	}
	rearm()

	for {
		select {
		case <-ctx.Done():
			o.logger.Info("polling stopped", "reason", "context cancelled")
			return nil
		case <-stopCh:
			o.logger.Info("polling stopped")
			return nil
		case <-o.wake:
			rearm()
		case <-o.requests:
			force, ok := o.takePending()
			if !ok {
				continue
			}
			if _, err := o.Refresh(ctx, force); err != nil && ctx.Err() != nil {
				return nil
			}
			rearm()
		case <-timer.C:
			if active, _ := o.timerSettings(); active {
				if _, err := o.Refresh(ctx, false); err != nil && ctx.Err() != nil {
					return nil
				}
			}
			rearm()
		}
	}
}

// Stop ends a running loop and clears its timers.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.stopCh != nil {
		close(o.stopCh)
		o.stopCh = nil
	}
}

func (o *Orchestrator) teardown() {
	o.mu.Lock()
	o.stopCh = nil
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
		o.debounceTimer = nil
	}
	o.mu.Unlock()

	o.governor.Stop()
}

// Pause suspends automatic cycles while nothing is watching. Manual
// refreshes still run.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	changed := !o.paused
	o.paused = true
	o.mu.Unlock()

	if changed {
		o.logger.Debug("polling paused")
		o.signal(o.wake)
	}
}

// Resume re-enables automatic cycles and refreshes right away.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	changed := o.paused
	o.paused = false
	o.mu.Unlock()

	if changed {
		o.logger.Debug("polling resumed")
		o.enqueue(false)
		o.signal(o.wake)
	}
}

// RequestRefresh asks the running loop for a cycle. Requests within the
// debounce window coalesce; a forced request wins over a plain one.
func (o *Orchestrator) RequestRefresh(force bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.opts.Debounce <= 0 {
		o.enqueueLocked(force)
		return
	}

	o.debounceForce = o.debounceForce || force
	if o.debounceTimer != nil {
		o.debounceTimer.Stop()
	}
	o.debounceTimer = time.AfterFunc(o.opts.Debounce, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		pendingForce := o.debounceForce
		o.debounceForce = false
		o.debounceTimer = nil
		o.enqueueLocked(pendingForce)
	})
}

// SetInterval applies a new base interval, rescaling resource periods and
// the throttle cooldown.
func (o *Orchestrator) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("interval must be positive, got %s", d)
	}

	o.mu.Lock()
	old := o.opts.BaseInterval
	o.scheduler.SetBaseInterval(old, d)
	o.opts.BaseInterval = d
	cooldown := o.opts.cooldown()
	o.mu.Unlock()

	o.governor.SetCooldown(cooldown)
	o.logger.Info("polling interval changed", "from", old, "to", d)
	o.signal(o.wake)

	return nil
}

func (o *Orchestrator) suspend() {
	o.mu.Lock()
	o.enabled = false
	o.mu.Unlock()

	o.signal(o.wake)
}

func (o *Orchestrator) resume(reason string) {
	o.mu.Lock()
	o.enabled = true
	o.mu.Unlock()

	if reason == ResumeReasonCooldown {
		o.enqueue(false)
	}
	o.signal(o.wake)
}

func (o *Orchestrator) timerSettings() (bool, time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.enabled && !o.paused, o.opts.BaseInterval
}

func (o *Orchestrator) enqueue(force bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.enqueueLocked(force)
}

func (o *Orchestrator) enqueueLocked(force bool) {
	o.pending = true
	o.pendingForce = o.pendingForce || force
	o.signal(o.requests)
}

func (o *Orchestrator) takePending() (bool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.pending {
		return false, false
	}
	force := o.pendingForce
	o.pending = false
	o.pendingForce = false

	return force, true
}

func (o *Orchestrator) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) stagger(ctx context.Context) error {
	o.mu.Lock()
	lo, hi := o.opts.StaggerMin, o.opts.StaggerMax
	o.mu.Unlock()

	if hi <= 0 {
		return ctx.Err()
	}

	return o.sleep(ctx, o.between(lo, hi))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func randomBetween(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}

	return lo + time.Duration(rand.Int63n(int64(hi-lo+1)))
}
