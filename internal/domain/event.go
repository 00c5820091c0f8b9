package domain

import "time"

type EventType string

const (
	EventDataRefreshed    EventType = "dashboard.data_refreshed"
	EventPollingThrottled EventType = "dashboard.polling_throttled"
	EventPollingResumed   EventType = "dashboard.polling_resumed"
)

// Event is what decoupled listeners (charts, counters, websocket clients)
// receive. Payload carries the latest items of every resource, Changed names
// the resources that triggered the event.
type Event struct {
	Type              EventType      `json:"type"`
	At                time.Time      `json:"at"`
	Changed           []ResourceName `json:"changed,omitempty"`
	Payload           Payload        `json:"payload,omitempty"`
	Message           string         `json:"message,omitempty"`
	Retry             string         `json:"retry,omitempty"`
	ConsecutiveErrors int            `json:"consecutive_errors,omitempty"`
}
