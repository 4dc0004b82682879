// Package registry tracks subscriptions by request ID, track alias, and
// (namespace, name), and owns the bounded pre-registration object queue
// each subscription buffers until it becomes Active (spec component C).
package registry

import (
	"strings"
	"sync"
	"time"

	"github.com/zsiec/warpclient/internal/moqerr"
)

// State is the lifecycle state of a Subscription.
type State int

const (
	Requested State = iota
	Active
	Closed
	Failed
)

func (s State) String() string {
	switch s {
	case Requested:
		return "Requested"
	case Active:
		return "Active"
	case Closed:
		return "Closed"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Subscriber is the callback set a caller supplies when subscribing. Each
// subscription fires exactly one of OnEnd or OnError, never both, except
// one removed through Session.Unsubscribe or whose SUBSCRIBE could not be
// written, which fires neither.
type Subscriber interface {
	OnObject(obj PendingObject)
	OnEnd(reason string)
	OnError(err error)
}

// Status distinguishes a normal object from one signaling the end of its
// group or track, per the SUBGROUP_HEADER object-status encoding (a
// zero-length payload followed by a status varint).
type Status int

const (
	StatusNormal Status = iota
	StatusEndOfGroup
	StatusEndOfTrack
)

// PendingObject is a router-delivered payload buffered until the owning
// subscription becomes Active, or delivered immediately once it is.
type PendingObject struct {
	GroupID   uint64
	ObjectID  uint64
	Payload   []byte
	Status    Status
	QueuedAt  time.Time
}

const (
	pendingCap = 50
	pendingTTL = 500 * time.Millisecond
)

// Subscription is a single subscribe request's state, exclusively owned by
// the Registry that created it except for its pending queue and callbacks,
// which belong to the subscription itself.
type Subscription struct {
	RequestID  uint64
	Namespace  []string
	Name       string
	Subscriber Subscriber
	CreatedAt  time.Time

	mu         sync.Mutex
	state      State
	trackAlias uint64
	hasAlias   bool
	pending    []PendingObject
}

// State returns the subscription's current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TrackAlias returns the bound track alias and whether one has been bound.
func (s *Subscription) TrackAlias() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackAlias, s.hasAlias
}

// enqueuePending appends obj to the pending queue, dropping the oldest
// entry if the queue is already at capacity. Returns true if an entry was
// dropped, so callers can log a warning (spec §4.E step 3).
func (s *Subscription) enqueuePending(obj PendingObject) (dropped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) >= pendingCap {
		s.pending = append(s.pending[1:], obj)
		return true
	}
	s.pending = append(s.pending, obj)
	return false
}

// activate transitions Requested -> Active, binds alias (confirming the
// client-proposed alias or replacing it with the server's choice), and
// drains the pending queue (entries younger than pendingTTL, in arrival
// order) into the subscriber. Returns the previous alias so the caller can
// update the registry's alias index if it changed.
func (s *Subscription) activate(alias uint64, now time.Time) (deliverable []PendingObject, previousAlias uint64, aliasChanged bool) {
	s.mu.Lock()
	previousAlias = s.trackAlias
	aliasChanged = s.hasAlias && previousAlias != alias
	s.trackAlias = alias
	s.hasAlias = true
	s.state = Active
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, p := range pending {
		if now.Sub(p.QueuedAt) <= pendingTTL {
			deliverable = append(deliverable, p)
		}
	}
	return deliverable, previousAlias, aliasChanged
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Registry keeps the bidirectional request-id/alias/name lookup tables and
// allocates monotonically increasing even request IDs. All mutations are
// expected to happen from the owning session task; lookupByAlias is also
// called from router goroutines, so the maps are mutex-guarded.
type Registry struct {
	mu            sync.Mutex
	nextRequestID uint64
	maxRequestID  uint64
	byRequestID   map[uint64]*Subscription
	byAlias       map[uint64]*Subscription
	byName        map[string]*Subscription
}

// New creates a Registry that allocates request IDs starting at 0, capped
// at maxRequestID (the negotiated MAX_REQUEST_ID from SERVER_SETUP).
func New(maxRequestID uint64) *Registry {
	return &Registry{
		maxRequestID: maxRequestID,
		byRequestID:  make(map[uint64]*Subscription),
		byAlias:      make(map[uint64]*Subscription),
		byName:       make(map[string]*Subscription),
	}
}

func nameKey(namespace []string, name string) string {
	return strings.Join(namespace, "\x00") + "\x01" + name
}

// Allocate reserves the next even request ID for (namespace, name) and
// registers a new Requested subscription for it. Fails with
// ErrRequestIDsExhausted once nextRequestID would exceed maxRequestID.
// Fails if a subscription for (namespace, name) is already registered and
// not Failed (that is, Requested or Active).
func (r *Registry) Allocate(namespace []string, name string, subscriber Subscriber) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := nameKey(namespace, name)
	if _, exists := r.byName[key]; exists {
		return nil, moqerr.ErrAlreadySubscribed
	}
	if r.nextRequestID > r.maxRequestID {
		return nil, moqerr.ErrRequestIDsExhausted
	}

	// The client proposes a track alias at SUBSCRIBE time (component B); this
	// implementation proposes the request ID itself, which is unique for the
	// life of the session and therefore a valid alias candidate. The server
	// may confirm a different value in SUBSCRIBE_OK, handled by BindAlias.
	proposedAlias := r.nextRequestID

	sub := &Subscription{
		RequestID:  r.nextRequestID,
		Namespace:  namespace,
		Name:       name,
		Subscriber: subscriber,
		CreatedAt:  time.Now(),
		state:      Requested,
		trackAlias: proposedAlias,
		hasAlias:   true,
	}
	r.byRequestID[sub.RequestID] = sub
	r.byAlias[proposedAlias] = sub
	r.byName[key] = sub
	r.nextRequestID += 2
	return sub, nil
}

// ProposedAlias returns the alias this client proposed for sub at SUBSCRIBE
// time, before any SUBSCRIBE_OK confirmation.
func (s *Subscription) ProposedAlias() uint64 {
	alias, _ := s.TrackAlias()
	return alias
}

// SetMaxRequestID updates the negotiated cap, e.g. from SERVER_SETUP's
// MAX_REQUEST_ID parameter or on receipt of REQUESTS_BLOCKED (does not
// evict existing subscriptions).
func (r *Registry) SetMaxRequestID(maxRequestID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxRequestID = maxRequestID
}

// BindAlias binds a track alias to the subscription with requestID, and
// drains any objects buffered while the subscription was Requested. Also
// transitions the subscription to Active. Returns false if requestID is
// unknown.
func (r *Registry) BindAlias(requestID, alias uint64) ([]PendingObject, bool) {
	r.mu.Lock()
	sub, ok := r.byRequestID[requestID]
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	deliverable, previousAlias, aliasChanged := sub.activate(alias, time.Now())
	if aliasChanged {
		delete(r.byAlias, previousAlias)
	}
	r.byAlias[alias] = sub
	r.mu.Unlock()

	return deliverable, true
}

// LookupByAlias returns the subscription bound to alias, if any.
func (r *Registry) LookupByAlias(alias uint64) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byAlias[alias]
	return sub, ok
}

// LookupByRequestID returns the subscription for requestID, if any.
func (r *Registry) LookupByRequestID(requestID uint64) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byRequestID[requestID]
	return sub, ok
}

// EnqueuePending buffers obj on the Requested subscription bound to
// requestID, or reports false if requestID is unknown. The caller is
// expected to log when dropped is true (queue was at capacity).
func (r *Registry) EnqueuePending(requestID uint64, obj PendingObject) (dropped, ok bool) {
	r.mu.Lock()
	sub, found := r.byRequestID[requestID]
	r.mu.Unlock()
	if !found {
		return false, false
	}
	return sub.enqueuePending(obj), true
}

// Fail transitions the subscription to Failed. It remains registered under
// its request ID so late control messages can still be matched and
// ignored, but is removed from the name index to allow re-subscription.
func (r *Registry) Fail(requestID uint64) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byRequestID[requestID]
	if !ok {
		return nil, false
	}
	sub.setState(Failed)
	delete(r.byName, nameKey(sub.Namespace, sub.Name))
	return sub, true
}

// Remove deletes the subscription from all three indices, e.g. on
// SUBSCRIBE_DONE or UNSUBSCRIBE.
func (r *Registry) Remove(requestID uint64) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byRequestID[requestID]
	if !ok {
		return nil, false
	}
	sub.setState(Closed)
	delete(r.byRequestID, requestID)
	delete(r.byName, nameKey(sub.Namespace, sub.Name))
	if alias, hasAlias := sub.TrackAlias(); hasAlias {
		delete(r.byAlias, alias)
	}
	return sub, true
}

// Active returns every subscription currently in the Active state, used by
// the session state machine to send best-effort UNSUBSCRIBEs on shutdown.
func (r *Registry) Active() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Subscription
	for _, sub := range r.byRequestID {
		if sub.State() == Active {
			out = append(out, sub)
		}
	}
	return out
}

// All returns every subscription currently registered, regardless of state,
// used by the session state machine to notify every outstanding caller on
// shutdown.
func (r *Registry) All() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.byRequestID))
	for _, sub := range r.byRequestID {
		out = append(out, sub)
	}
	return out
}
