package detect

import (
	"testing"

	"argus/core"
)

func TestFieldReader_EventDataFields(t *testing.T) {
	fr := NewFieldReader(0, 0)
	ev := makeEvent(t, "ev-1", 4625, map[string]any{
		"TargetUserName": "admin",
		"IpAddress":      "10.1.2.3",
		"LogonType":      3,
		"Elevated":       true,
		"Score":          2.5,
		"Empty":          nil,
	})

	tests := []struct {
		field string
		want  string
	}{
		{"TargetUserName", "admin"},
		{"IpAddress", "10.1.2.3"},
		{"LogonType", "3"},
		{"Elevated", "true"},
		{"Score", "2.5"},
		{"Empty", ""},
		{"NoSuchField", ""},
	}
	for _, tt := range tests {
		if got := fr.Field(ev, tt.field); got != tt.want {
			t.Errorf("Field(%q) = %q, want %q", tt.field, got, tt.want)
		}
	}
}

func TestFieldReader_EventIDPseudoField(t *testing.T) {
	fr := NewFieldReader(0, 0)
	ev := makeEvent(t, "ev-1", 4688, nil)

	if got := fr.Field(ev, FieldEventID); got != "4688" {
		t.Errorf("Field(EventID) = %q, want %q", got, "4688")
	}

	// EventID resolves from the struct even when the payload is empty.
	ev.EventData = ""
	if got := fr.Field(ev, FieldEventID); got != "4688" {
		t.Errorf("Field(EventID) with empty payload = %q, want %q", got, "4688")
	}
}

func TestFieldReader_SystemFields(t *testing.T) {
	fr := NewFieldReader(0, 0)
	ev := &core.Event{
		ID:      "ev-sys",
		EventID: 1,
		EventData: `{"Event":{"System":{"Provider":{"Name":"Microsoft-Windows-Sysmon","Guid":"{5770385F-C22A-43E0-BF4C-06F5698FFBD9}"},"Channel":"Microsoft-Windows-Sysmon/Operational","Computer":"WS01.corp.local"},"EventData":{"Image":"C:\\Windows\\System32\\cmd.exe"}}}`,
	}

	tests := []struct {
		field string
		want  string
	}{
		{FieldProviderName, "Microsoft-Windows-Sysmon"},
		{FieldProviderGuid, "{5770385F-C22A-43E0-BF4C-06F5698FFBD9}"},
		{FieldChannel, "Microsoft-Windows-Sysmon/Operational"},
		{FieldComputer, "WS01.corp.local"},
		{"Image", `C:\Windows\System32\cmd.exe`},
	}
	for _, tt := range tests {
		if got := fr.Field(ev, tt.field); got != tt.want {
			t.Errorf("Field(%q) = %q, want %q", tt.field, got, tt.want)
		}
	}
}

func TestFieldReader_MalformedPayload(t *testing.T) {
	fr := NewFieldReader(0, 0)
	tests := []struct {
		name    string
		payload string
	}{
		{"empty", ""},
		{"not json", "<Event>not json</Event>"},
		{"wrong shape", `["a","b"]`},
		{"truncated", `{"Event":{"EventData":{"User":"x"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := &core.Event{ID: "ev-" + tt.name, EventID: 1, EventData: tt.payload}
			if got := fr.Field(ev, "User"); got != "" {
				t.Errorf("Field on malformed payload = %q, want empty", got)
			}
			// Second lookup hits the negative cache and stays empty.
			if got := fr.Field(ev, "User"); got != "" {
				t.Errorf("second Field on malformed payload = %q, want empty", got)
			}
		})
	}
}

func TestFieldReader_CacheKeyedByEventID(t *testing.T) {
	fr := NewFieldReader(0, 0)
	a := makeEvent(t, "ev-a", 1, map[string]any{"User": "alice"})
	b := makeEvent(t, "ev-b", 1, map[string]any{"User": "bob"})

	if got := fr.Field(a, "User"); got != "alice" {
		t.Fatalf("Field(a, User) = %q, want alice", got)
	}
	if got := fr.Field(b, "User"); got != "bob" {
		t.Fatalf("Field(b, User) = %q, want bob", got)
	}
	// Repeat lookups come from cache and stay distinct per event.
	if got := fr.Field(a, "User"); got != "alice" {
		t.Errorf("cached Field(a, User) = %q, want alice", got)
	}
}

func TestScalarString(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"string", "hello", "hello"},
		{"bool true", true, "true"},
		{"bool false", false, "false"},
		{"int", 42, "42"},
		{"int64", int64(-7), "-7"},
		{"integral float", float64(4625), "4625"},
		{"negative integral float", float64(-3), "-3"},
		{"fractional float", 2.5, "2.5"},
		{"large float keeps precision", 1e16, "10000000000000000"},
		{"nil", nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scalarString(tt.in); got != tt.want {
				t.Errorf("scalarString(%v) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
