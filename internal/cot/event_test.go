package cot

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/banshee-data/bearing.relay/internal/sensor"
)

var testFinding = sensor.Finding{
	ContactID:   "doa-alpha",
	FieldOfView: 8,
	Range:       10000,
	Azimuth:     87,
	UID:         "sig-0",
}

func TestNewSensorEvent(t *testing.T) {
	now := time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC)
	got := NewSensorEvent(testFinding, DefaultPoint, now, DefaultStaleAfter)

	want := Event{
		Version: "2.0",
		UID:     "sig-0",
		Type:    "a-f-G-U-C",
		Time:    "2024-06-10T12:00:00Z",
		Start:   "2024-06-10T12:00:00Z",
		Stale:   "2024-06-10T13:00:00Z",
		How:     "m-g",
		Detail: Detail{
			Sensor: Sensor{
				VFOV:                  8,
				FOVRed:                1,
				Range:                 10000,
				Azimuth:               87,
				RangeLineStrokeWeight: 0.55,
				FOV:                   8,
				RangeLineStrokeColor:  -16777216,
				FOVLabels:             true,
				StrokeColor:           -16777216,
				RangeLines:            500,
				FOVAlpha:              0.2627450980392157,
			},
			StrokeColor:  IntVal{Value: -1},
			StrokeWeight: FloatVal{Value: 4},
			FillColor:    IntVal{Value: -1761607681},
			Contact:      Contact{Callsign: "doa-alpha"},
			Color:        IntVal{Value: -1},
		},
		Point: Point{Lat: 12, Lon: 12, CE: 10, HAE: 10, LE: 10},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("event mismatch (-want +got):\n%s", diff)
	}
}

func TestNewSensorEvent_StaleIsStartPlusWindow(t *testing.T) {
	starts := []time.Time{
		time.Date(2024, time.June, 10, 12, 0, 0, 0, time.UTC),
		time.Date(2024, time.December, 31, 23, 30, 15, 0, time.UTC),
		time.Date(2024, time.February, 28, 23, 59, 59, 999999999, time.UTC),
		time.Date(2025, time.March, 30, 1, 15, 0, 0, time.FixedZone("CEST", 2*3600)),
		time.Unix(0, 0),
	}
	for _, start := range starts {
		ev := NewSensorEvent(testFinding, DefaultPoint, start, DefaultStaleAfter)
		if ev.Time != ev.Start {
			t.Errorf("time %q != start %q", ev.Time, ev.Start)
		}
		s, err := time.Parse(time.RFC3339, ev.Start)
		if err != nil {
			t.Fatalf("start %q does not parse: %v", ev.Start, err)
		}
		st, err := time.Parse(time.RFC3339, ev.Stale)
		if err != nil {
			t.Fatalf("stale %q does not parse: %v", ev.Stale, err)
		}
		if d := st.Sub(s); d != 3600*time.Second {
			t.Errorf("stale - start = %v for start %v", d, start)
		}
		if ev.Start[len(ev.Start)-1] != 'Z' || ev.Stale[len(ev.Stale)-1] != 'Z' {
			t.Errorf("timestamps must carry a Z designator: %q %q", ev.Start, ev.Stale)
		}
	}
}

func TestFormatTime(t *testing.T) {
	tests := []struct {
		in   time.Time
		want string
	}{
		{time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "2024-01-02T03:04:05Z"},
		{time.Date(2024, 1, 2, 3, 4, 5, 600_000_000, time.UTC), "2024-01-02T03:04:05Z"},
		{time.Date(2024, 1, 2, 5, 4, 5, 0, time.FixedZone("", 2*3600)), "2024-01-02T03:04:05Z"},
	}
	for _, tt := range tests {
		if got := FormatTime(tt.in); got != tt.want {
			t.Errorf("FormatTime(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
