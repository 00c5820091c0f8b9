package domain

import "time"

type OutcomeKind string

const (
	OutcomeSuccess   OutcomeKind = "success"
	OutcomeUnchanged OutcomeKind = "unchanged"
	OutcomeFailure   OutcomeKind = "failure"
)

type FetchOutcome struct {
	Kind  OutcomeKind
	Items []Record
	Hash  string
	Err   error
}

func Success(items []Record, hash string) FetchOutcome {
	return FetchOutcome{Kind: OutcomeSuccess, Items: items, Hash: hash}
}

func Unchanged(hash string) FetchOutcome {
	return FetchOutcome{Kind: OutcomeUnchanged, Hash: hash}
}

func Failure(err error) FetchOutcome {
	return FetchOutcome{Kind: OutcomeFailure, Err: err}
}

// CycleResult aggregates one orchestrator pass. Items only holds resources
// that changed, which on a forced refresh is every resource fetched.
type CycleResult struct {
	Changed    bool
	Skipped    bool
	Forced     bool
	Items      Payload
	Outcomes   map[ResourceName]OutcomeKind
	Failures   map[ResourceName]error
	StartedAt  time.Time
	FinishedAt time.Time
}

type PollingState struct {
	ConsecutiveErrors int       `json:"consecutive_errors"`
	Enabled           bool      `json:"enabled"`
	InFlight          bool      `json:"in_flight"`
	Throttled         bool      `json:"throttled"`
	Paused            bool      `json:"paused"`
	Interval          Duration  `json:"interval"`
	LastRefreshAt     time.Time `json:"last_refresh_at,omitzero"`
}

// Duration marshals as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)

	return nil
}
