// Package metrics exposes a point-in-time snapshot of client health, and
// optionally registers Prometheus gauges mirroring it (spec component N).
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zsiec/warpclient/internal/session"
)

// TrackSnapshot is one track's buffer/latency state at snapshot time.
type TrackSnapshot struct {
	TrackID       string
	BufferedAhead time.Duration
	Latency       time.Duration
	HasLatency    bool
	PlaybackRate  float64
}

// Snapshot is the aggregate metrics surface spec.md §4.I's metrics() call
// returns.
type Snapshot struct {
	State  session.State
	Tracks []TrackSnapshot
}

// Recorder accumulates per-track samples under a mutex and produces
// Snapshots on demand; the façade's controller and session update it, and
// Client.Metrics reads it.
type Recorder struct {
	mu     sync.Mutex
	state  session.State
	tracks map[string]TrackSnapshot
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{tracks: make(map[string]TrackSnapshot)}
}

// SetState records the session's current lifecycle state.
func (r *Recorder) SetState(st session.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = st
}

// UpdateTrack records the latest buffer/latency/rate sample for trackID.
func (r *Recorder) UpdateTrack(trackID string, bufferedAhead, latency time.Duration, hasLatency bool, rate float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks[trackID] = TrackSnapshot{
		TrackID:       trackID,
		BufferedAhead: bufferedAhead,
		Latency:       latency,
		HasLatency:    hasLatency,
		PlaybackRate:  rate,
	}
}

// Snapshot returns a copy of the current aggregate state.
func (r *Recorder) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Snapshot{State: r.state}
	for _, t := range r.tracks {
		out.Tracks = append(out.Tracks, t)
	}
	return out
}

// PromGauges is the optional set of Prometheus gauges RegisterMetrics
// installs; cmd/warp-client holds onto it and pushes Client.Metrics()
// into it once a second.
type PromGauges struct {
	BufferedAhead *prometheus.GaugeVec
	Latency       *prometheus.GaugeVec
	PlaybackRate  *prometheus.GaugeVec
}

// RegisterMetrics registers per-track gauges on reg. Optional: the façade
// works without ever calling this, matching the teacher's pattern of
// treating Prometheus as an opt-in observability layer rather than a
// required dependency of the core.
func RegisterMetrics(reg *prometheus.Registry) *PromGauges {
	g := &PromGauges{
		BufferedAhead: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warpclient",
			Name:      "buffered_ahead_seconds",
			Help:      "Media buffered ahead of the sink's current playhead, per track.",
		}, []string{"track"}),
		Latency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warpclient",
			Name:      "latency_seconds",
			Help:      "Wall-clock latency behind the live edge, per track.",
		}, []string{"track"}),
		PlaybackRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "warpclient",
			Name:      "playback_rate",
			Help:      "Currently commanded playback rate, per track.",
		}, []string{"track"}),
	}
	reg.MustRegister(g.BufferedAhead, g.Latency, g.PlaybackRate)
	return g
}

// Push copies snap's per-track values into g's gauges.
func (g *PromGauges) Push(snap Snapshot) {
	if g == nil {
		return
	}
	for _, t := range snap.Tracks {
		g.BufferedAhead.WithLabelValues(t.TrackID).Set(t.BufferedAhead.Seconds())
		if t.HasLatency {
			g.Latency.WithLabelValues(t.TrackID).Set(t.Latency.Seconds())
		}
		g.PlaybackRate.WithLabelValues(t.TrackID).Set(t.PlaybackRate)
	}
}
