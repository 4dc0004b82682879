// Package session implements the MoQ Transport control-stream state
// machine: setup handshake, subscribe lifecycle, and graceful shutdown
// (spec component D).
package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/warpclient/internal/moqerr"
	"github.com/zsiec/warpclient/internal/moqwire"
	"github.com/zsiec/warpclient/internal/registry"
)

// State is the session's lifecycle state.
type State int

const (
	Idle State = iota
	Connecting
	SettingUp
	Ready
	Draining
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Connecting:
		return "Connecting"
	case SettingUp:
		return "SettingUp"
	case Ready:
		return "Ready"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

const (
	setupTimeout      = 5 * time.Second
	subscribeOKTimeout = 2 * time.Second
	maxRequestIDDefault = 100
	drainBudget        = 200 * time.Millisecond
)

// ControlStream is the bidirectional byte stream carrying framed control
// messages.
type ControlStream interface {
	io.ReadWriteCloser
}

// Session owns the control stream and the subscription registry. All
// registry mutations happen on the task running Run; the registry's own
// mutex additionally guards reads from router goroutines, per spec §5.
type Session struct {
	log     *slog.Logger
	stream  ControlStream
	reg     *registry.Registry

	mu            sync.Mutex
	state         State
	isClosing     bool
	stopped       bool
	newSessionURI string

	pendingSubscribes map[uint64]*pendingSubscribe
}

type pendingSubscribe struct {
	timer  *time.Timer
	result chan error
}

// New creates a Session that reads and writes control messages over
// stream. If log is nil, slog.Default() is used.
func New(stream ControlStream, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		log:               log.With("component", "session"),
		stream:            stream,
		reg:               registry.New(maxRequestIDDefault),
		state:             Idle,
		pendingSubscribes: make(map[uint64]*pendingSubscribe),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Registry exposes the subscription registry for the router and façade.
func (s *Session) Registry() *registry.Registry { return s.reg }

// NewSessionURI returns the URI a GOAWAY asked the client to reconnect to,
// if one was received.
func (s *Session) NewSessionURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.newSessionURI
}

// Setup performs the CLIENT_SETUP/SERVER_SETUP handshake and blocks until
// Ready, SetupError, or ctx cancellation.
func (s *Session) Setup(ctx context.Context) error {
	s.setState(SettingUp)

	cs := moqwire.ClientSetup{
		Versions:     []uint64{moqwire.Version},
		MaxRequestID: maxRequestIDDefault,
	}
	if err := moqwire.WriteControlMsg(s.stream, moqwire.MsgClientSetup, moqwire.SerializeClientSetup(cs)); err != nil {
		return &moqerr.TransportError{Cause: err}
	}

	type result struct {
		ss  moqwire.ServerSetup
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msgType, payload, err := moqwire.ReadControlMsg(s.stream)
		if err != nil {
			ch <- result{err: err}
			return
		}
		if msgType != moqwire.MsgServerSetup {
			ch <- result{err: &moqerr.SetupError{Kind: moqerr.SetupMalformed}}
			return
		}
		ss, err := moqwire.ParseServerSetup(payload)
		ch <- result{ss: ss, err: err}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(setupTimeout):
		return &moqerr.SetupError{Kind: moqerr.SetupTimeout}
	case r := <-ch:
		if r.err != nil {
			return &moqerr.SetupError{Kind: moqerr.SetupMalformed}
		}
		if r.ss.SelectedVersion != moqwire.Version {
			return &moqerr.SetupError{Kind: moqerr.SetupUnsupportedVersion}
		}
		if r.ss.MaxRequestID > 0 {
			s.reg.SetMaxRequestID(r.ss.MaxRequestID)
		}
		s.setState(Ready)
		return nil
	}
}

// Run processes inbound control messages until ctx is cancelled or a fatal
// protocol error occurs on the control stream.
func (s *Session) Run(ctx context.Context) error {
	for {
		msgType, payload, err := moqwire.ReadControlMsg(s.stream)
		if err != nil {
			if s.isShuttingDown() {
				s.log.Info("control stream closed during shutdown", "error", err)
				return nil
			}
			return &moqerr.ProtocolError{Kind: moqerr.ProtocolShortRead, Err: err}
		}
		if err := s.dispatch(msgType, payload); err != nil {
			if s.isShuttingDown() {
				s.log.Info("error during shutdown, suppressed", "error", err)
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (s *Session) dispatch(msgType uint64, payload []byte) error {
	switch msgType {
	case moqwire.MsgSubscribeOK:
		sok, err := moqwire.ParseSubscribeOK(payload)
		if err != nil {
			return &moqerr.ProtocolError{Kind: moqerr.ProtocolShortRead, Err: err}
		}
		s.handleSubscribeOK(sok)
	case moqwire.MsgSubscribeError:
		se, err := moqwire.ParseSubscribeError(payload)
		if err != nil {
			return &moqerr.ProtocolError{Kind: moqerr.ProtocolShortRead, Err: err}
		}
		s.handleSubscribeError(se)
	case moqwire.MsgSubscribeDone:
		sd, err := moqwire.ParseSubscribeDone(payload)
		if err != nil {
			return &moqerr.ProtocolError{Kind: moqerr.ProtocolShortRead, Err: err}
		}
		s.handleSubscribeDone(sd)
	case moqwire.MsgRequestsBlocked:
		rb, err := moqwire.ParseRequestsBlocked(payload)
		if err != nil {
			return &moqerr.ProtocolError{Kind: moqerr.ProtocolShortRead, Err: err}
		}
		s.log.Info("peer reported requests blocked", "maximumRequestId", rb.MaximumRequestID)
		s.reg.SetMaxRequestID(rb.MaximumRequestID)
	case moqwire.MsgGoAway:
		ga, err := moqwire.ParseGoAway(payload)
		if err != nil {
			return &moqerr.ProtocolError{Kind: moqerr.ProtocolShortRead, Err: err}
		}
		s.mu.Lock()
		s.newSessionURI = ga.NewSessionURI
		s.mu.Unlock()
		s.log.Info("received GOAWAY", "newSessionUri", ga.NewSessionURI)
		s.beginDraining()
	default:
		s.log.Info("skipping unknown control message type", "type", msgType, "length", len(payload))
	}
	return nil
}

func (s *Session) handleSubscribeOK(sok moqwire.SubscribeOK) {
	sub, ok := s.reg.LookupByRequestID(sok.RequestID)
	if !ok {
		return
	}
	proposedAlias := sub.ProposedAlias()
	deliverable, bound := s.reg.BindAlias(sok.RequestID, proposedAlias)
	if !bound {
		return
	}
	for _, obj := range deliverable {
		sub.Subscriber.OnObject(obj)
	}
	s.resolvePending(sok.RequestID, nil)
}

func (s *Session) handleSubscribeError(se moqwire.SubscribeError) {
	sub, ok := s.reg.Fail(se.RequestID)
	if !ok {
		return
	}
	err := &moqerr.SubscribeError{Code: se.ErrorCode, Reason: se.ReasonPhrase}
	sub.Subscriber.OnError(err)
	s.resolvePending(se.RequestID, err)
}

func (s *Session) handleSubscribeDone(sd moqwire.SubscribeDone) {
	sub, ok := s.reg.Remove(sd.RequestID)
	if !ok {
		return
	}
	sub.Subscriber.OnEnd(sd.ReasonPhrase)
}

// Unsubscribe sends UNSUBSCRIBE for sub on a best-effort basis and does
// not wait for SUBSCRIBE_DONE. The registry entry is removed immediately
// so the router stops delivering further objects for it.
func (s *Session) Unsubscribe(sub *registry.Subscription) {
	s.reg.Remove(sub.RequestID)
	msg := moqwire.SerializeUnsubscribe(moqwire.Unsubscribe{RequestID: sub.RequestID})
	if err := moqwire.WriteControlMsg(s.stream, moqwire.MsgUnsubscribe, msg); err != nil {
		s.log.Info("best-effort unsubscribe write failed", "requestId", sub.RequestID, "error", err)
	}
}

// Subscribe allocates a registry entry, writes SUBSCRIBE, and blocks until
// SUBSCRIBE_OK/ERROR arrives or subscribeOKTimeout elapses.
func (s *Session) Subscribe(ctx context.Context, namespace []string, name string, subscriber registry.Subscriber) (*registry.Subscription, error) {
	if s.isShuttingDown() {
		return nil, moqerr.ErrClosed
	}

	sub, err := s.reg.Allocate(namespace, name, subscriber)
	if err != nil {
		return nil, err
	}

	tuple := make([][]byte, len(namespace))
	for i, ns := range namespace {
		tuple[i] = []byte(ns)
	}
	msg := moqwire.Subscribe{
		RequestID:  sub.RequestID,
		TrackAlias: sub.ProposedAlias(),
		Namespace:  namespace,
		TrackName:  name,
		Priority:   128,
		GroupOrder: moqwire.GroupOrderDefault,
		FilterType: moqwire.FilterLatestObject,
	}

	// Register the pending entry before writing SUBSCRIBE so a reply that
	// arrives as soon as the write completes still finds it.
	resultCh := make(chan error, 1)
	timer := time.AfterFunc(subscribeOKTimeout, func() {
		s.timeoutPending(sub.RequestID)
	})
	s.mu.Lock()
	s.pendingSubscribes[sub.RequestID] = &pendingSubscribe{timer: timer, result: resultCh}
	s.mu.Unlock()

	if err := moqwire.WriteControlMsg(s.stream, moqwire.MsgSubscribe, moqwire.SerializeSubscribe(msg)); err != nil {
		timer.Stop()
		s.mu.Lock()
		delete(s.pendingSubscribes, sub.RequestID)
		s.mu.Unlock()
		s.reg.Remove(sub.RequestID)
		return nil, &moqerr.TransportError{Cause: err}
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-resultCh:
		if err != nil {
			return nil, err
		}
		return sub, nil
	}
}

func (s *Session) resolvePending(requestID uint64, err error) {
	s.mu.Lock()
	p, ok := s.pendingSubscribes[requestID]
	if ok {
		delete(s.pendingSubscribes, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	p.timer.Stop()
	p.result <- err
}

func (s *Session) timeoutPending(requestID uint64) {
	s.mu.Lock()
	p, ok := s.pendingSubscribes[requestID]
	if ok {
		delete(s.pendingSubscribes, requestID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	err := &moqerr.TimeoutError{Op: "subscribe_ok"}
	if sub, ok := s.reg.Fail(requestID); ok {
		sub.Subscriber.OnError(err)
	}
	p.result <- err
}

func (s *Session) isShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isClosing
}

// beginDraining transitions to Draining, if not already past it.
func (s *Session) beginDraining() {
	s.mu.Lock()
	if s.isClosing {
		s.mu.Unlock()
		return
	}
	s.isClosing = true
	s.state = Draining
	s.mu.Unlock()
}

// Stop transitions through Draining to Closed: best-effort UNSUBSCRIBE for
// every active subscription within a cumulative drainBudget, then fails any
// subscribe still pending and notifies every remaining subscriber that has
// not already failed of onEnd("closing"). Idempotent.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.isClosing = true
	s.state = Draining
	s.mu.Unlock()

	deadline := time.Now().Add(drainBudget)
	for _, sub := range s.reg.Active() {
		if time.Now().After(deadline) {
			break
		}
		msg := moqwire.SerializeUnsubscribe(moqwire.Unsubscribe{RequestID: sub.RequestID})
		_ = moqwire.WriteControlMsg(s.stream, moqwire.MsgUnsubscribe, msg)
	}

	s.mu.Lock()
	pending := s.pendingSubscribes
	s.pendingSubscribes = make(map[uint64]*pendingSubscribe)
	s.mu.Unlock()
	for _, p := range pending {
		p.timer.Stop()
		select {
		case p.result <- moqerr.ErrClosed:
		default:
		}
	}

	for _, sub := range s.reg.All() {
		if sub.State() == registry.Failed {
			continue // already notified through OnError
		}
		sub.Subscriber.OnEnd("closing")
	}

	_ = s.stream.Close()
	s.setState(Closed)
}
