package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/warpclient/internal/session"
)

func TestRecorderSnapshotReflectsLatestUpdate(t *testing.T) {
	t.Parallel()
	r := NewRecorder()
	r.SetState(session.Ready)
	r.UpdateTrack("video", 250*time.Millisecond, 300*time.Millisecond, true, 1.0)
	r.UpdateTrack("video", 260*time.Millisecond, 290*time.Millisecond, true, 0.98)

	snap := r.Snapshot()
	if snap.State != session.Ready {
		t.Fatalf("state = %v, want Ready", snap.State)
	}
	if len(snap.Tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(snap.Tracks))
	}
	if snap.Tracks[0].BufferedAhead != 260*time.Millisecond {
		t.Fatalf("bufferedAhead = %v, want latest update", snap.Tracks[0].BufferedAhead)
	}
}

func TestRegisterMetricsAndPush(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	gauges := RegisterMetrics(reg)

	gauges.Push(Snapshot{Tracks: []TrackSnapshot{
		{TrackID: "video", BufferedAhead: time.Second, Latency: 300 * time.Millisecond, HasLatency: true, PlaybackRate: 1.0},
	}})

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	if len(mfs) == 0 {
		t.Fatal("expected registered metric families after push")
	}
}
