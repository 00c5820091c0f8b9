package application

import (
	"time"

	"github.com/bnema/sdash/internal/domain"
)

// IsDue reports whether a resource should be fetched at now. Inapplicable
// resources are never due, forced or not.
func IsDue(resource *domain.Resource, now time.Time, force bool) bool {
	if !resource.IsApplicable() {
		return false
	}
	if force || resource.LastFetchAt.IsZero() {
		return true
	}

	return now.Sub(resource.LastFetchAt) >= resource.RefreshPeriod
}

// Scheduler keeps resources in declaration order and gates them per cycle.
type Scheduler struct {
	resources []*domain.Resource
}

func NewScheduler(resources []*domain.Resource) *Scheduler {
	return &Scheduler{resources: resources}
}

func (s *Scheduler) Resources() []*domain.Resource {
	return s.resources
}

func (s *Scheduler) Lookup(name domain.ResourceName) (*domain.Resource, bool) {
	for _, resource := range s.resources {
		if resource.Name == name {
			return resource, true
		}
	}

	return nil, false
}

func (s *Scheduler) Due(now time.Time, force bool) []*domain.Resource {
	due := make([]*domain.Resource, 0, len(s.resources))
	for _, resource := range s.resources {
		if IsDue(resource, now, force) {
			due = append(due, resource)
		}
	}

	return due
}

// Reset clears timestamps and hashes so the next cycle fetches and
// delivers everything again.
func (s *Scheduler) Reset() {
	for _, resource := range s.resources {
		resource.Reset()
	}
}

// SetBaseInterval rescales refresh periods while keeping each resource's
// multiple of the old base.
func (s *Scheduler) SetBaseInterval(oldBase, newBase time.Duration) {
	if oldBase <= 0 || newBase <= 0 {
		return
	}
	for _, resource := range s.resources {
		multiplier := float64(resource.RefreshPeriod) / float64(oldBase)
		resource.RefreshPeriod = time.Duration(multiplier * float64(newBase))
	}
}
