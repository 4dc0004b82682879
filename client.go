// Package warpclient is the public façade wiring the control-stream
// session, object router, per-track CMAF assembly, and the buffer/latency
// controller into a single subscriber-only MoQT/WARP client (spec
// component I). It is named Client rather than Session to avoid clashing
// with the internal control-stream state machine of the same name.
package warpclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/warpclient/internal/cmaf"
	"github.com/zsiec/warpclient/internal/controller"
	"github.com/zsiec/warpclient/internal/fingerprint"
	"github.com/zsiec/warpclient/internal/metrics"
	"github.com/zsiec/warpclient/internal/registry"
	"github.com/zsiec/warpclient/internal/router"
	"github.com/zsiec/warpclient/internal/segbuf"
	"github.com/zsiec/warpclient/internal/session"
	"github.com/zsiec/warpclient/internal/sink"
	"github.com/zsiec/warpclient/internal/transport"
)

const controllerInterval = 100 * time.Millisecond

// Config configures Client.Start.
type Config struct {
	// ServerURL is the WebTransport endpoint to dial.
	ServerURL string
	// FingerprintURL, if set, is fetched to pin the server's certificate
	// hash before dialing (spec §6's fingerprint endpoint).
	FingerprintURL string
	// MinimalBuffer and TargetLatency feed the buffer/latency controller.
	MinimalBuffer time.Duration
	TargetLatency time.Duration
	// Sink receives assembled init/media segments and commanded rates. If
	// nil, an in-memory sink.MemorySink is used.
	Sink sink.Sink
	Log  *slog.Logger
}

// Client is a connected MoQT/WARP subscriber session: one control stream,
// an object router demultiplexing inbound uni-streams, and a CMAF
// assembly + segment-buffer + sink pipeline per subscribed media track.
type Client struct {
	log  *slog.Logger
	cfg  Config
	sink *observingSink

	transport *transport.Session
	sess      *session.Session
	router    *router.Router
	ctrl      *controller.Controller
	recorder  *metrics.Recorder

	mu       sync.Mutex
	tracks   map[string]*trackPipeline
	cancel   context.CancelFunc
	stopOnce sync.Once
	runGroup *errgroup.Group
}

// New creates an unstarted Client.
func New(cfg Config) *Client {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	s := cfg.Sink
	if s == nil {
		s = sink.NewMemorySink()
	}
	return &Client{
		log:      cfg.Log.With("component", "warpclient"),
		cfg:      cfg,
		sink:     newObservingSink(s),
		recorder: metrics.NewRecorder(),
		tracks:   make(map[string]*trackPipeline),
	}
}

// observingSink wraps a caller-supplied sink.Sink so the controller's
// aggregate metrics source can read back the rate it last commanded,
// without widening the sink.Sink interface itself.
type observingSink struct {
	sink.Sink
	mu   sync.Mutex
	rate float64
}

func newObservingSink(s sink.Sink) *observingSink {
	return &observingSink{Sink: s, rate: 1.0}
}

func (o *observingSink) SetPlaybackRate(rate float64) {
	o.mu.Lock()
	o.rate = rate
	o.mu.Unlock()
	o.Sink.SetPlaybackRate(rate)
}

func (o *observingSink) PlaybackRate() float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rate
}

// Start fetches the server fingerprint (if configured), dials the
// transport, performs the CLIENT_SETUP/SERVER_SETUP handshake, and spawns
// the background tasks (control-stream reader, uni-stream acceptor,
// controller tick). It returns once the session is Ready.
func (c *Client) Start(ctx context.Context) error {
	var certHash *[32]byte
	if c.cfg.FingerprintURL != "" {
		hash, err := fingerprint.Fetch(ctx, c.cfg.FingerprintURL)
		if err != nil {
			return err
		}
		certHash = &hash
	}

	wt, err := transport.Dial(ctx, transport.Config{URL: c.cfg.ServerURL, CertHash: certHash})
	if err != nil {
		return err
	}
	c.transport = wt

	stream, err := wt.OpenControlStream(ctx)
	if err != nil {
		return err
	}

	c.sess = session.New(stream, c.log)
	if err := c.sess.Setup(ctx); err != nil {
		return err
	}
	c.router = router.New(c.sess.Registry(), c.log)
	c.recorder.SetState(c.sess.State())

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	g, runCtx := errgroup.WithContext(runCtx)
	c.runGroup = g

	g.Go(func() error {
		err := c.sess.Run(runCtx)
		c.recorder.SetState(c.sess.State())
		return err
	})
	g.Go(func() error {
		return c.acceptLoop(runCtx)
	})

	c.ctrl = controller.New(&aggregateSource{c: c}, c.sink, controllerInterval, c.log)
	g.Go(func() error {
		c.ctrl.Run(runCtx)
		return nil
	})

	return nil
}

// acceptLoop hands every inbound unidirectional stream to the router until
// ctx is cancelled or the transport fails.
func (c *Client) acceptLoop(ctx context.Context) error {
	for {
		r, err := c.transport.AcceptUniStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if err := c.router.HandleStream(ctx, r); err != nil {
				c.log.Info("object stream ended", "error", err)
			}
		}()
	}
}

// Subscribe issues a raw SUBSCRIBE against (namespace, name), delivering
// every object to subscriber directly. Most callers want
// SubscribeMediaTrack instead, which wires a CMAF assembler and segment
// buffer automatically.
func (c *Client) Subscribe(ctx context.Context, namespace []string, name string, subscriber registry.Subscriber) (*registry.Subscription, error) {
	return c.sess.Subscribe(ctx, namespace, name, subscriber)
}

// SubscribeMediaTrack subscribes to (namespace, name) and wires the
// resulting objects through a CMAF assembler into a per-track segment
// buffer, draining into the configured sink. epochPresentation controls
// whether presentationTime is set equal to decodeTime (spec §4.F).
func (c *Client) SubscribeMediaTrack(ctx context.Context, namespace []string, name, trackID string, epochPresentation bool) (*registry.Subscription, error) {
	tp := newTrackPipeline(trackID, epochPresentation, c.sink, c.log)

	sub, err := c.sess.Subscribe(ctx, namespace, name, tp)
	if err != nil {
		return nil, err
	}
	tp.subscription = sub

	c.mu.Lock()
	c.tracks[trackID] = tp
	c.mu.Unlock()

	drainCtx, drainCancel := context.WithCancel(ctx)
	tp.cancelDrain = drainCancel
	go tp.drain(drainCtx)

	return sub, nil
}

// Unsubscribe sends a best-effort UNSUBSCRIBE for sub and tears down any
// media pipeline wired for it.
func (c *Client) Unsubscribe(sub *registry.Subscription) {
	c.sess.Unsubscribe(sub)

	c.mu.Lock()
	for trackID, tp := range c.tracks {
		if tp.subscription == sub {
			delete(c.tracks, trackID)
			if tp.cancelDrain != nil {
				tp.cancelDrain()
			}
		}
	}
	c.mu.Unlock()
}

// Stop idempotently tears the client down: cancels every background task,
// stops the session (which drains and notifies every subscriber), and
// waits for background tasks to return.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		if c.sess != nil {
			c.sess.Stop()
		}
		if c.transport != nil {
			_ = c.transport.Close(0, "client stopped")
		}
		if c.runGroup != nil {
			_ = c.runGroup.Wait()
		}
		c.recorder.SetState(session.Closed)
	})
}

// Metrics returns the current aggregate snapshot (spec §4.I metrics()).
func (c *Client) Metrics() metrics.Snapshot {
	return c.recorder.Snapshot()
}

// aggregateSource implements controller.Source by taking the minimum
// bufferedAhead and an arbitrary track's latency across every subscribed
// media track, per spec.md §4.H's stated aggregation rule.
type aggregateSource struct {
	c *Client
}

func (a *aggregateSource) Sample() controller.Inputs {
	a.c.mu.Lock()
	tracks := make([]*trackPipeline, 0, len(a.c.tracks))
	for _, tp := range a.c.tracks {
		tracks = append(tracks, tp)
	}
	a.c.mu.Unlock()

	in := controller.Inputs{
		MinimalBuffer: a.c.cfg.MinimalBuffer,
		TargetLatency: a.c.cfg.TargetLatency,
	}
	if len(tracks) == 0 {
		return in
	}

	minBuffered := time.Duration(-1)
	for _, tp := range tracks {
		bufferedAhead := tp.buf.BufferedAhead(a.c.sink.CurrentTime())
		if minBuffered < 0 || bufferedAhead < minBuffered {
			minBuffered = bufferedAhead
		}

		var latency time.Duration
		hasLatency := false
		if pres, ok := tp.buf.LatestPresentationTime(); ok {
			// Wall-clock latency, treating presentation times as offsets from
			// the UNIX epoch.
			latency = time.Duration(time.Now().UnixNano()) - pres
			if latency < 0 {
				latency = 0
			}
			hasLatency = true
			in.Latency = latency
			in.HasLatency = true
		}
		a.c.recorder.UpdateTrack(tp.trackID, bufferedAhead, latency, hasLatency, a.c.sink.PlaybackRate())
	}
	in.BufferedAhead = minBuffered
	return in
}

// trackPipeline is the per-track collaborator wiring a subscription's
// delivered objects through a CMAF assembler into a segment buffer, then
// draining that buffer into the sink, retrying on backpressure.
type trackPipeline struct {
	trackID      string
	log          *slog.Logger
	assembler    *cmaf.Assembler
	buf          *segbuf.Buffer
	sink         sink.Sink
	subscription *registry.Subscription
	cancelDrain  context.CancelFunc

	mu     sync.Mutex
	ended  bool
	signal chan struct{}
}

func newTrackPipeline(trackID string, epochPresentation bool, s sink.Sink, log *slog.Logger) *trackPipeline {
	return &trackPipeline{
		trackID:   trackID,
		log:       log.With("track", trackID),
		assembler: cmaf.NewAssembler(epochPresentation),
		buf:       segbuf.New(),
		sink:      s,
		signal:    make(chan struct{}, 1),
	}
}

// OnObject implements registry.Subscriber: feed the payload through the
// CMAF assembler and append any completed segments to the buffer. An
// end-of-track status object carries no payload; it instead flushes any
// partial unit the assembler was still accumulating.
func (tp *trackPipeline) OnObject(obj registry.PendingObject) {
	if obj.Status == registry.StatusEndOfTrack {
		tp.assembler.Flush()
		return
	}

	segs, err := tp.assembler.Write(obj.Payload)
	if err != nil {
		tp.log.Info("dropping malformed media unit", "error", err)
	}
	for _, seg := range segs {
		if err := tp.buf.Append(segbuf.Segment{
			TrackID:          tp.trackID,
			IsInit:           seg.IsInit,
			Data:             seg.Data,
			DecodeTime:       seg.DecodeTime,
			Duration:         seg.Duration,
			PresentationTime: seg.PresentationTime,
		}); err != nil {
			tp.log.Info("dropping out-of-order segment", "error", err)
			continue
		}
		tp.nudge()
	}
}

// OnEnd implements registry.Subscriber.
func (tp *trackPipeline) OnEnd(reason string) {
	tp.mu.Lock()
	tp.ended = true
	tp.mu.Unlock()
	tp.log.Info("track subscription ended", "reason", reason)
}

// OnError implements registry.Subscriber.
func (tp *trackPipeline) OnError(err error) {
	tp.mu.Lock()
	tp.ended = true
	tp.mu.Unlock()
	tp.log.Info("track subscription failed", "error", err)
}

func (tp *trackPipeline) nudge() {
	select {
	case tp.signal <- struct{}{}:
	default:
	}
}

func (tp *trackPipeline) hasEnded() bool {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.ended
}

// drain moves segments out of the buffer into the sink in order, retrying
// the head segment on backpressure without popping it, until ctx is
// cancelled or the subscription has ended and the buffer is empty.
func (tp *trackPipeline) drain(ctx context.Context) {
	const retryDelay = 20 * time.Millisecond
	for {
		seg, ok := tp.buf.Peek()
		if !ok {
			if tp.hasEnded() {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-tp.signal:
				continue
			case <-time.After(retryDelay):
				continue
			}
		}

		var err error
		if seg.IsInit {
			err = tp.sink.AppendInit(seg.TrackID, seg.Data)
		} else {
			err = tp.sink.AppendSegment(seg.TrackID, seg.Data, seg.DecodeTime)
		}
		if err == nil {
			tp.buf.Pop()
			continue
		}
		if _, ok := err.(sink.ErrBackpressure); !ok {
			tp.log.Info("sink append failed", "error", err)
			tp.buf.Pop()
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}
