package application

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bnema/sdash/internal/domain"
	"github.com/bnema/sdash/internal/ports"
)

type GovernorState string

const (
	GovernorNormal    GovernorState = "normal"
	GovernorThrottled GovernorState = "throttled"
)

const (
	ResumeReasonSuccess  = "success"
	ResumeReasonCooldown = "cooldown"

	// RetryHint is the action advertised with a throttle warning.
	RetryHint = "refresh"
)

// GovernorHooks let the owner of the polling timer react to transitions.
type GovernorHooks struct {
	Suspend func()
	Resume  func(reason string)
}

type timerHandle interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) timerHandle

func realAfterFunc(d time.Duration, f func()) timerHandle {
	return time.AfterFunc(d, f)
}

// Governor counts consecutive failing resource fetches and throttles
// polling once they reach the threshold.
type Governor struct {
	mu            sync.Mutex
	threshold     int
	cooldown      time.Duration
	count         int
	state         GovernorState
	generation    uint64
	cooldownTimer timerHandle

	hooks     GovernorHooks
	publisher ports.EventPublisher
	clock     ports.Clock
	afterFunc afterFunc
	logger    *slog.Logger
}

type GovernorOption func(*Governor)

func WithGovernorHooks(hooks GovernorHooks) GovernorOption {
	return func(g *Governor) { g.hooks = hooks }
}

func WithGovernorPublisher(publisher ports.EventPublisher) GovernorOption {
	return func(g *Governor) { g.publisher = publisher }
}

func WithGovernorClock(clock ports.Clock) GovernorOption {
	return func(g *Governor) { g.clock = clock }
}

func WithGovernorLogger(logger *slog.Logger) GovernorOption {
	return func(g *Governor) { g.logger = logger }
}

func withGovernorAfterFunc(fn afterFunc) GovernorOption {
	return func(g *Governor) { g.afterFunc = fn }
}

func NewGovernor(threshold int, cooldown time.Duration, opts ...GovernorOption) *Governor {
	if threshold <= 0 {
		threshold = defaultErrorThreshold
	}

	g := &Governor{
		threshold: threshold,
		cooldown:  cooldown,
		state:     GovernorNormal,
		clock:     ports.SystemClock{},
		afterFunc: realAfterFunc,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

func (g *Governor) State() GovernorState {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.state
}

func (g *Governor) ConsecutiveErrors() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.count
}

func (g *Governor) SetCooldown(d time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cooldown = d
}

// RecordFailure counts one failing resource fetch and reports whether it
// tripped the throttle.
func (g *Governor) RecordFailure(resource domain.ResourceName, err error) bool {
	g.mu.Lock()
	g.count++
	count := g.count
	cooldown := g.cooldown

	tripped := g.state == GovernorNormal && count >= g.threshold
	if tripped {
		g.state = GovernorThrottled
		g.generation++
		generation := g.generation
		g.stopCooldownLocked()
		g.cooldownTimer = g.afterFunc(cooldown, func() { g.cooldownElapsed(generation) })
	}
	g.mu.Unlock()

	if !tripped {
		return false
	}

	g.logger.Warn("polling throttled",
		"consecutive_errors", count,
		"cooldown", cooldown,
		"resource", resource,
		"err", err,
	)
	if g.hooks.Suspend != nil {
		g.hooks.Suspend()
	}
	g.publish(domain.Event{
		Type:              domain.EventPollingThrottled,
		Message:           fmt.Sprintf("Dashboard data could not be refreshed (%d consecutive failures). Automatic refresh paused for %s.", count, cooldown),
		Retry:             RetryHint,
		ConsecutiveErrors: count,
	})

	return true
}

// RecordSuccess is called once per cycle that had at least one successful
// fetch. It reports whether a throttle was cleared.
func (g *Governor) RecordSuccess() bool {
	g.mu.Lock()
	wasThrottled := g.state == GovernorThrottled
	g.count = 0
	g.state = GovernorNormal
	if wasThrottled {
		g.generation++
		g.stopCooldownLocked()
	}
	g.mu.Unlock()

	if !wasThrottled {
		return false
	}

	g.logger.Info("polling throttle cleared", "reason", ResumeReasonSuccess)
	if g.hooks.Resume != nil {
		g.hooks.Resume(ResumeReasonSuccess)
	}
	g.publish(domain.Event{
		Type:    domain.EventPollingResumed,
		Message: "Dashboard data refreshed. Automatic refresh resumed.",
	})

	return true
}

// Stop cancels a pending cooldown without changing state.
func (g *Governor) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.generation++
	g.stopCooldownLocked()
}

// cooldownElapsed moves back to Normal but keeps the counter, so a probe
// that fails again throttles immediately.
func (g *Governor) cooldownElapsed(generation uint64) {
	g.mu.Lock()
	if g.generation != generation || g.state != GovernorThrottled {
		g.mu.Unlock()
		return
	}
	g.state = GovernorNormal
	g.cooldownTimer = nil
	count := g.count
	g.mu.Unlock()

	g.logger.Info("polling cooldown elapsed", "consecutive_errors", count)
	if g.hooks.Resume != nil {
		g.hooks.Resume(ResumeReasonCooldown)
	}
	g.publish(domain.Event{
		Type:              domain.EventPollingResumed,
		Message:           "Retrying automatic refresh after cooldown.",
		ConsecutiveErrors: count,
	})
}

func (g *Governor) stopCooldownLocked() {
	if g.cooldownTimer != nil {
		g.cooldownTimer.Stop()
		g.cooldownTimer = nil
	}
}

func (g *Governor) publish(event domain.Event) {
	if g.publisher == nil {
		return
	}
	event.At = g.clock.Now()
	g.publisher.Publish(event)
}
