package protocol

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseTime(t *testing.T) {
	want := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)
	cases := []string{
		"2026-03-01T08:30:00Z",
		"2026-03-01T09:30:00+01:00",
		"2026-03-01T08:30:00",
		"2026-03-01 08:30:00",
		" 2026-03-01 10:30:00+02:00 ",
	}
	for _, in := range cases {
		got, err := ParseTime(in)
		if err != nil {
			t.Errorf("ParseTime(%q): unexpected error %v", in, err)
			continue
		}
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Errorf("ParseTime(%q): expected %v, got %v", in, want, got)
		}
	}

	for _, bad := range []string{"", "yesterday", "01/03/2026"} {
		if _, err := ParseTime(bad); err == nil {
			t.Errorf("ParseTime(%q): expected error", bad)
		}
	}
}

func TestEventEnvelope(t *testing.T) {
	data, err := NewEvent(EventTaskUpdated, TaskUpdatedData{
		TaskIDs:          []string{"t1"},
		ShadowBotAccount: "bot-1",
		Changes:          map[string]any{"status": "running"},
		Reason:           "confirm_start",
	}).Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got struct {
		Type EventType `json:"type"`
		Data struct {
			TaskIDs []string       `json:"task_ids"`
			Changes map[string]any `json:"changes"`
			Reason  string         `json:"reason"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != EventTaskUpdated {
		t.Errorf("expected type %s, got %s", EventTaskUpdated, got.Type)
	}
	if len(got.Data.TaskIDs) != 1 || got.Data.Changes["status"] != "running" {
		t.Errorf("unexpected data %+v", got.Data)
	}
}

func TestHeartbeatEvent(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 30, 0, 0, time.FixedZone("CET", 3600))
	var got map[string]string
	if err := json.Unmarshal(HeartbeatEvent(now), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["type"] != "heartbeat" {
		t.Errorf("expected heartbeat type, got %q", got["type"])
	}
	if got["timestamp"] != "2026-03-01T07:30:00Z" {
		t.Errorf("expected UTC timestamp, got %q", got["timestamp"])
	}
}
