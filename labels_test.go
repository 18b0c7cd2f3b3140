package fieldsync

import "testing"

func TestLabelSnapshotLastWins(t *testing.T) {
	snap := NewLabelSnapshot()
	snap.Observe(&Record{
		LLA:           "fe80::1",
		TimestampText: "2024-03-01T10:00:00Z",
		Labels:        []string{"bench_a"},
	})
	snap.Observe(&Record{
		LLA:           "fe80::1",
		TimestampText: "2024-03-01T10:05:00Z",
		Labels:        []string{"bench_b"},
	})

	if snap.Len() != 1 {
		t.Fatalf("expected 1 sensor, got %d", snap.Len())
	}
	rec := snap.Record("fe80::1")
	if rec == nil || len(rec.Labels) != 1 || rec.Labels[0] != "bench_b" {
		t.Errorf("expected the later observation to win, got %+v", rec)
	}
}

func TestLabelSnapshotSkipsIncomplete(t *testing.T) {
	snap := NewLabelSnapshot()
	snap.Observe(&Record{LLA: "", TimestampText: "2024-03-01T10:00:00Z"})
	snap.Observe(&Record{LLA: "fe80::1", TimestampText: ""})

	if snap.Len() != 0 {
		t.Errorf("expected incomplete records untracked, got %d sensors", snap.Len())
	}
	if snap.Record("fe80::1") != nil {
		t.Error("expected no record for a sensor observed without a timestamp")
	}
}

func TestLabelSnapshotSensorsSorted(t *testing.T) {
	snap := NewLabelSnapshot()
	for _, lla := range []string{"fe80::c", "fe80::a", "fe80::b"} {
		snap.Observe(&Record{LLA: lla, TimestampText: "2024-03-01T10:00:00Z"})
	}

	sensors := snap.Sensors()
	want := []string{"fe80::a", "fe80::b", "fe80::c"}
	if len(sensors) != len(want) {
		t.Fatalf("expected %d sensors, got %d", len(want), len(sensors))
	}
	for i := range want {
		if sensors[i] != want[i] {
			t.Errorf("expected sensors[%d] = %s, got %s", i, want[i], sensors[i])
		}
	}
}
