package core

import (
	"time"

	"github.com/google/uuid"
)

// Event represents a single parsed Windows event-log record.
//
// EventData carries the event payload as an opaque string. For records
// projected from the Windows event XML it is a JSON document of the form
// {"Event": {"EventData": {...}, "System": {...}}}; the detect package
// parses it lazily and tolerates any other content.
type Event struct {
	ID          string    `json:"id"`
	EventID     int       `json:"eventId"`
	LogName     string    `json:"logName"`
	MachineName string    `json:"machineName"`
	Level       string    `json:"level"`
	TimeCreated time.Time `json:"timeCreated"`
	EventData   string    `json:"eventData"`
}

// NewEvent creates an event with a generated ID and the current timestamp.
func NewEvent() *Event {
	return &Event{
		ID:          uuid.New().String(),
		TimeCreated: time.Now().UTC(),
	}
}

// TimeMS returns the event timestamp in Unix milliseconds. The zero time
// maps to 0 so unparsable timestamps sort first instead of failing.
func (e *Event) TimeMS() int64 {
	if e.TimeCreated.IsZero() {
		return 0
	}
	return e.TimeCreated.UnixMilli()
}
