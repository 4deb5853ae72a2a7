package detect

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"

	"argus/core"
)

// Field names the engine resolves outside the event payload.
const (
	// FieldEventID is the pseudo-field exposing the numeric event type.
	FieldEventID = "EventID"
	// System-section fields from the Windows event XML projection.
	FieldProviderName = "Provider_Name"
	FieldProviderGuid = "Provider_Guid"
	FieldChannel      = "Channel"
	FieldComputer     = "Computer"
)

const (
	defaultPayloadCacheSize = 4096
	defaultValueCacheSize   = 16384
)

// payload is the parsed shape of Event.EventData for records projected
// from the Windows event XML. Unknown keys are ignored; any other JSON
// shape (or non-JSON content) resolves every field to "".
type payload struct {
	Event struct {
		EventData map[string]any `json:"EventData"`
		System    struct {
			Provider struct {
				Name string `json:"Name"`
				Guid string `json:"Guid"`
			} `json:"Provider"`
			Channel  string `json:"Channel"`
			Computer string `json:"Computer"`
		} `json:"System"`
	} `json:"Event"`
}

// FieldReader resolves rule field names against events. Parsed payloads
// and resolved values are cached in bounded LRU caches keyed by event ID
// (never slice index), so a reader stays correct when the caller appends
// to the batch between runs. Create one reader per batch and discard it
// with the batch.
//
// A FieldReader is not safe for concurrent use; each run owns its own.
type FieldReader struct {
	payloads *lru.Cache[string, *payload]
	values   *lru.Cache[string, string]
}

// NewFieldReader creates a reader with the given cache capacities.
// Non-positive capacities fall back to the defaults.
func NewFieldReader(payloadCap, valueCap int) *FieldReader {
	if payloadCap <= 0 {
		payloadCap = defaultPayloadCacheSize
	}
	if valueCap <= 0 {
		valueCap = defaultValueCacheSize
	}
	payloads, _ := lru.New[string, *payload](payloadCap)
	values, _ := lru.New[string, string](valueCap)
	return &FieldReader{payloads: payloads, values: values}
}

// Field resolves a rule field name against an event. Missing fields,
// absent payloads, and unparsable payloads all resolve to "".
func (fr *FieldReader) Field(ev *core.Event, name string) string {
	if name == FieldEventID {
		return strconv.Itoa(ev.EventID)
	}
	key := ev.ID + "\x00" + name
	if v, ok := fr.values.Get(key); ok {
		return v
	}
	v := fr.resolve(ev, name)
	fr.values.Add(key, v)
	return v
}

func (fr *FieldReader) resolve(ev *core.Event, name string) string {
	p := fr.payload(ev)
	if p == nil {
		return ""
	}
	switch name {
	case FieldProviderName:
		return p.Event.System.Provider.Name
	case FieldProviderGuid:
		return p.Event.System.Provider.Guid
	case FieldChannel:
		return p.Event.System.Channel
	case FieldComputer:
		return p.Event.System.Computer
	}
	if raw, ok := p.Event.EventData[name]; ok {
		return scalarString(raw)
	}
	return ""
}

// payload returns the parsed EventData for ev, caching the result.
// Unparsable payloads are cached as nil so hostile records cost one
// parse attempt, not one per field.
func (fr *FieldReader) payload(ev *core.Event) *payload {
	if p, ok := fr.payloads.Get(ev.ID); ok {
		return p
	}
	var p payload
	if ev.EventData == "" || json.Unmarshal([]byte(ev.EventData), &p) != nil {
		fr.payloads.Add(ev.ID, nil)
		return nil
	}
	fr.payloads.Add(ev.ID, &p)
	return &p
}

// scalarString coerces a decoded scalar to its string form for matching.
// JSON numbers arrive as float64; integral values format without a
// fraction so 4625.0 compares equal to "4625".
func scalarString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case bool:
		return strconv.FormatBool(s)
	case int:
		return strconv.Itoa(s)
	case int64:
		return strconv.FormatInt(s, 10)
	case float64:
		if s == math.Trunc(s) && math.Abs(s) < 1e15 {
			return strconv.FormatInt(int64(s), 10)
		}
		return strconv.FormatFloat(s, 'f', -1, 64)
	case json.Number:
		return s.String()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}
