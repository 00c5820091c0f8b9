package ports

import "time"

// Clock stamps fetches, snapshots and events. Tests substitute a manual one.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
