package domain

import (
	"fmt"
	"strings"
	"time"
)

type ResourceName string

const (
	ResourceSessions     ResourceName = "sessions"
	ResourceParticipants ResourceName = "participants"
	ResourceRooms        ResourceName = "rooms"
	ResourceActivityLog  ResourceName = "activity_log"
)

// ResourceOrder is the fixed priority order in which a cycle visits resources.
var ResourceOrder = []ResourceName{
	ResourceSessions,
	ResourceParticipants,
	ResourceRooms,
	ResourceActivityLog,
}

func ParseResourceName(raw string) (ResourceName, error) {
	name := ResourceName(strings.TrimSpace(strings.ToLower(raw)))
	for _, known := range ResourceOrder {
		if name == known {
			return name, nil
		}
	}

	return "", fmt.Errorf("%w: %q", ErrUnknownResource, raw)
}

// Record is one JSON object of a remote collection. Numbers are kept as
// json.Number so that hashing and re-encoding never alter them.
type Record map[string]any

// Payload maps a resource to its items.
type Payload map[ResourceName][]Record

func (p Payload) Names() []ResourceName {
	names := make([]ResourceName, 0, len(p))
	for _, name := range ResourceOrder {
		if _, ok := p[name]; ok {
			names = append(names, name)
		}
	}

	return names
}

func (p Payload) Clone() Payload {
	cloned := make(Payload, len(p))
	for name, items := range p {
		cloned[name] = append([]Record(nil), items...)
	}

	return cloned
}

// Resource is a polled remote collection. LastFetchAt changes on every
// attempt; LastHash only once the matching items reached the UI.
type Resource struct {
	Name          ResourceName
	Endpoint      string
	RefreshPeriod time.Duration
	LastFetchAt   time.Time
	LastHash      string
	// Applicable gates fetching; nil means always applicable.
	Applicable func() bool
}

func (r *Resource) IsApplicable() bool {
	if r == nil {
		return false
	}
	if r.Applicable == nil {
		return true
	}

	return r.Applicable()
}

func (r *Resource) Reset() {
	r.LastFetchAt = time.Time{}
	r.LastHash = ""
}

func (r Resource) Validate() error {
	if strings.TrimSpace(string(r.Name)) == "" {
		return fmt.Errorf("resource name is required")
	}
	endpoint := strings.TrimSpace(r.Endpoint)
	if endpoint == "" {
		return fmt.Errorf("resource %s: endpoint is required", r.Name)
	}
	if !strings.HasPrefix(endpoint, "/") && !strings.Contains(endpoint, "://") {
		return fmt.Errorf("resource %s: endpoint %q must be absolute or root-relative", r.Name, endpoint)
	}
	if r.RefreshPeriod <= 0 {
		return fmt.Errorf("resource %s: refresh period must be positive", r.Name)
	}

	return nil
}

type Snapshot struct {
	Resource  ResourceName
	Hash      string
	Items     []Record
	FetchedAt time.Time
}
