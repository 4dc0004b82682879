package warpclient

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/zsiec/warpclient/internal/metrics"
	"github.com/zsiec/warpclient/internal/registry"
	"github.com/zsiec/warpclient/internal/segbuf"
	"github.com/zsiec/warpclient/internal/sink"
)

func TestTrackPipelineFlushesAssemblerOnEndOfTrackStatus(t *testing.T) {
	t.Parallel()
	mem := sink.NewMemorySink()
	tp := newTrackPipeline("video", false, mem, slog.Default())

	// A partial mdat header: buffered by the assembler but never completed.
	if _, err := tp.assembler.Write([]byte{0, 0, 0, 24, 'm', 'd'}); err != nil {
		t.Fatalf("unexpected error buffering a partial box: %v", err)
	}

	tp.OnObject(registry.PendingObject{Status: registry.StatusEndOfTrack})

	if tp.buf.Len() != 0 {
		t.Fatalf("expected no segment emitted from an end-of-track status object, buf.Len()=%d", tp.buf.Len())
	}
}

func TestObservingSinkTracksLastCommandedRate(t *testing.T) {
	t.Parallel()
	mem := sink.NewMemorySink()
	o := newObservingSink(mem)

	if got := o.PlaybackRate(); got != 1.0 {
		t.Fatalf("initial rate = %v, want 1.0", got)
	}

	o.SetPlaybackRate(0.97)

	if got := o.PlaybackRate(); got != 0.97 {
		t.Fatalf("PlaybackRate() = %v, want 0.97", got)
	}
	if got := mem.PlaybackRate(); got != 0.97 {
		t.Fatalf("underlying sink rate = %v, want the call to have passed through", got)
	}
}

func TestTrackPipelineDrainAppendsInOrder(t *testing.T) {
	t.Parallel()
	mem := sink.NewMemorySink()
	tp := newTrackPipeline("video", false, mem, slog.Default())

	if err := tp.buf.Append(segbuf.Segment{TrackID: "video", IsInit: true, Data: []byte("init")}); err != nil {
		t.Fatalf("append init: %v", err)
	}
	if err := tp.buf.Append(segbuf.Segment{TrackID: "video", Data: []byte("seg1"), DecodeTime: time.Second}); err != nil {
		t.Fatalf("append seg1: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		tp.drain(ctx)
		close(done)
	}()

	deadline := time.After(500 * time.Millisecond)
	for {
		if data, ok := mem.InitData("video"); ok && string(data) == "init" && len(mem.Segments()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("drain did not deliver both segments in time")
		case <-time.After(5 * time.Millisecond):
		}
	}

	segs := mem.Segments()
	if segs[0].TrackID != "video" || string(segs[0].Data) != "seg1" {
		t.Fatalf("unexpected segment delivered: %+v", segs[0])
	}

	cancel()
	<-done
}

func TestTrackPipelineDrainRetriesOnBackpressure(t *testing.T) {
	t.Parallel()
	mem := sink.NewMemorySink()
	mem.RejectNext(2)
	tp := newTrackPipeline("audio", false, mem, slog.Default())

	if err := tp.buf.Append(segbuf.Segment{TrackID: "audio", Data: []byte("only"), DecodeTime: time.Second}); err != nil {
		t.Fatalf("append: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		tp.drain(ctx)
		close(done)
	}()

	deadline := time.After(500 * time.Millisecond)
	for len(mem.Segments()) == 0 {
		select {
		case <-deadline:
			t.Fatalf("segment was never delivered after backpressure retries")
		case <-time.After(5 * time.Millisecond):
		}
	}

	segs := mem.Segments()
	if len(segs) != 1 || string(segs[0].Data) != "only" {
		t.Fatalf("expected exactly one delivered segment after retry, got %+v", segs)
	}
	if tp.buf.Len() != 0 {
		t.Fatalf("expected the retried segment to be popped once accepted, buf.Len()=%d", tp.buf.Len())
	}

	cancel()
	<-done
}

func TestTrackPipelineDrainStopsAfterEndWithEmptyBuffer(t *testing.T) {
	t.Parallel()
	mem := sink.NewMemorySink()
	tp := newTrackPipeline("video", false, mem, slog.Default())
	tp.OnEnd("subscribe done")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		tp.drain(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("drain did not return promptly once the track ended with an empty buffer")
	}
}

func TestAggregateSourceSampleReportsMinBufferedAheadAndLatency(t *testing.T) {
	t.Parallel()
	mem := sink.NewMemorySink()

	c := &Client{
		log:      slog.Default(),
		sink:     newObservingSink(mem),
		recorder: metrics.NewRecorder(),
		tracks:   make(map[string]*trackPipeline),
		cfg:      Config{MinimalBuffer: 200 * time.Millisecond, TargetLatency: 300 * time.Millisecond},
	}

	video := newTrackPipeline("video", false, mem, c.log)
	if err := video.buf.Append(segbuf.Segment{
		TrackID: "video", PresentationTime: time.Second, Duration: 2 * time.Second,
	}); err != nil {
		t.Fatalf("append video segment: %v", err)
	}
	audio := newTrackPipeline("audio", false, mem, c.log)
	if err := audio.buf.Append(segbuf.Segment{
		TrackID: "audio", PresentationTime: time.Second, Duration: 500 * time.Millisecond,
	}); err != nil {
		t.Fatalf("append audio segment: %v", err)
	}
	c.tracks["video"] = video
	c.tracks["audio"] = audio

	in := (&aggregateSource{c: c}).Sample()

	if in.BufferedAhead != 500*time.Millisecond {
		t.Fatalf("BufferedAhead = %v, want the shorter (audio) track's 500ms", in.BufferedAhead)
	}
	if !in.HasLatency {
		t.Fatalf("expected HasLatency once a track has a presentation time")
	}
	if in.MinimalBuffer != 200*time.Millisecond || in.TargetLatency != 300*time.Millisecond {
		t.Fatalf("unexpected passthrough config: %+v", in)
	}

	snap := c.recorder.Snapshot()
	if len(snap.Tracks) != 2 {
		t.Fatalf("expected both tracks reflected in the snapshot, got %+v", snap.Tracks)
	}
}

func TestAggregateSourceSampleWithNoTracks(t *testing.T) {
	t.Parallel()
	mem := sink.NewMemorySink()
	c := &Client{
		log:      slog.Default(),
		sink:     newObservingSink(mem),
		recorder: metrics.NewRecorder(),
		tracks:   make(map[string]*trackPipeline),
		cfg:      Config{MinimalBuffer: 200 * time.Millisecond, TargetLatency: 300 * time.Millisecond},
	}

	in := (&aggregateSource{c: c}).Sample()
	if in.HasLatency {
		t.Fatalf("expected no latency reading with zero tracks")
	}
	if in.BufferedAhead != 0 {
		t.Fatalf("BufferedAhead = %v, want 0 with zero tracks", in.BufferedAhead)
	}
}
