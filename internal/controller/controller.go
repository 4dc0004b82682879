// Package controller implements the ~10 Hz buffer/latency control loop
// that commands the playout sink's playback rate (spec component H).
package controller

import (
	"context"
	"log/slog"
	"time"
)

const (
	rateSuppressThreshold = 0.005
	latencyGain           = 0.2
	warnMarginMs          = 50
)

// Severity colour-codes the current buffer health. The controller logs
// each change of severity; severity is not exported as a metric.
type Severity int

const (
	SeverityOK Severity = iota
	SeverityWarn
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityCritical:
		return "critical"
	case SeverityWarn:
		return "warn"
	default:
		return "ok"
	}
}

// Inputs is one tick's worth of measurements fed to the control law.
type Inputs struct {
	BufferedAhead  time.Duration
	Latency        time.Duration
	HasLatency     bool
	MinimalBuffer  time.Duration
	TargetLatency  time.Duration
}

// Compute applies the priority rule from spec §4.H and returns the
// commanded playback rate along with the buffer-health severity. It is a
// pure function so the control law's monotonicity and threshold behavior
// can be tested without a ticker.
func Compute(in Inputs) (rate float64, sev Severity) {
	switch {
	case in.BufferedAhead < in.MinimalBuffer:
		sev = SeverityCritical
	case in.BufferedAhead < in.MinimalBuffer+warnMarginMs*time.Millisecond:
		sev = SeverityWarn
	default:
		sev = SeverityOK
	}

	if in.BufferedAhead < in.MinimalBuffer {
		return 0.97, sev
	}
	if !in.HasLatency || in.TargetLatency == 0 {
		return 1.0, sev
	}

	target := in.TargetLatency.Seconds()
	latency := in.Latency.Seconds()
	switch {
	case latency > target:
		rate = 1.0 + latencyGain*(latency-target)/target
		if rate > 1.02 {
			rate = 1.02
		}
		return rate, sev
	case latency < target:
		rate = 1.0 - latencyGain*(target-latency)/target
		if rate < 0.98 {
			rate = 0.98
		}
		return rate, sev
	default:
		return 1.0, sev
	}
}

// Sink is the subset of the playout sink the controller commands.
type Sink interface {
	SetPlaybackRate(rate float64)
}

// Source supplies the controller's per-tick measurements, aggregated
// across every subscribed media track (minimum bufferedAhead is taken).
type Source interface {
	Sample() Inputs
}

// Controller runs Compute on a fixed tick, suppressing rate changes below
// rateSuppressThreshold to avoid sink churn, and commands sink accordingly.
type Controller struct {
	log          *slog.Logger
	source       Source
	sink         Sink
	interval     time.Duration
	lastRate     float64
	haveLastRate bool
	lastSeverity Severity
}

// New creates a Controller sampling source and commanding sink every
// interval (spec default 100ms / 10Hz). If log is nil, slog.Default() is
// used.
func New(source Source, sink Sink, interval time.Duration, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:      log.With("component", "controller"),
		source:   source,
		sink:     sink,
		interval: interval,
	}
}

// Run ticks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

func (c *Controller) tick() {
	in := c.source.Sample()
	rate, sev := Compute(in)

	if c.haveLastRate && abs(rate-c.lastRate) < rateSuppressThreshold {
		rate = c.lastRate
	} else {
		c.lastRate = rate
		c.haveLastRate = true
		c.sink.SetPlaybackRate(rate)
	}

	if sev != c.lastSeverity {
		c.log.Warn("buffer health changed", "severity", sev, "bufferedAhead", in.BufferedAhead)
		c.lastSeverity = sev
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
