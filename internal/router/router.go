// Package router demultiplexes inbound unidirectional MoQ object streams
// by track alias, enforces per-subgroup object ordering, and applies the
// race-safe buffering that lets objects arrive before the corresponding
// SUBSCRIBE_OK (spec component E).
package router

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/zsiec/warpclient/internal/moqerr"
	"github.com/zsiec/warpclient/internal/moqwire"
	"github.com/zsiec/warpclient/internal/registry"
	"github.com/zsiec/warpclient/internal/wire"
)

// Object is a single delivered payload, identified within its track by
// (GroupID, ObjectID).
type Object struct {
	TrackAlias        uint64
	GroupID           uint64
	ObjectID          uint64
	PublisherPriority byte
	Extensions        []byte
	Status            registry.Status
	Payload           []byte
}

const unknownAliasTTL = 500 * time.Millisecond

// Router owns the speculative "unknown alias" slots (spec §4.E step 4) and
// dispatches parsed objects against the Registry.
type Router struct {
	log      *slog.Logger
	reg      *registry.Registry
	mu       sync.Mutex
	unknown  map[uint64]*unknownSlot
	now      func() time.Time
}

type unknownSlot struct {
	createdAt time.Time
	timer     *time.Timer
}

// New creates a Router demultiplexing against reg. If log is nil,
// slog.Default() is used.
func New(reg *registry.Registry, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:     log.With("component", "router"),
		reg:     reg,
		unknown: make(map[uint64]*unknownSlot),
		now:     time.Now,
	}
}

// HandleStream reads one SUBGROUP_HEADER-framed unidirectional stream to
// completion, routing each object it contains. It returns nil at a clean
// EOF; non-nil errors indicate the stream ended mid-field (ErrShortRead) or
// violated framing, both of which are non-fatal to the session per spec §7
// — the caller should log and drop the stream, not close the session.
func (rt *Router) HandleStream(ctx context.Context, r io.Reader) error {
	wr := wire.NewReader(r)

	streamType, err := wr.ReadVarint()
	if err != nil {
		return err
	}
	if streamType != moqwire.SubgroupHeaderType {
		rt.log.Info("skipping unknown stream type", "streamType", streamType)
		return &moqerr.ProtocolError{Kind: moqerr.ProtocolUnknownType}
	}

	trackAlias, err := wr.ReadVarint()
	if err != nil {
		return err
	}
	groupID, err := wr.ReadVarint()
	if err != nil {
		return err
	}
	_, err = wr.ReadVarint() // subgroupID: not needed for single-stream-per-subgroup delivery
	if err != nil {
		return err
	}
	priorityBuf, err := wr.ReadBytes(1)
	if err != nil {
		return err
	}
	priority := priorityBuf[0]

	var lastObjectID uint64
	haveLast := false

	for {
		objectID, err := wr.ReadVarint()
		if err == moqerr.ErrShortRead {
			return nil
		}
		if err != nil {
			return err
		}

		if haveLast && objectID < lastObjectID {
			rt.log.Warn("object order violation, dropping object",
				"trackAlias", trackAlias, "groupID", groupID,
				"lastObjectID", lastObjectID, "objectID", objectID)
			if err := rt.skipObject(wr); err != nil {
				return err
			}
			continue
		}
		lastObjectID = objectID
		haveLast = true

		extLen, err := wr.ReadVarint()
		if err != nil {
			return err
		}
		var extensions []byte
		if extLen > 0 {
			extensions, err = wr.ReadBytes(extLen)
			if err != nil {
				return err
			}
		}

		payloadLen, err := wr.ReadVarint()
		if err != nil {
			return err
		}

		status := registry.StatusNormal
		var payload []byte
		if payloadLen == 0 {
			statusCode, err := wr.ReadVarint()
			if err != nil {
				return err
			}
			switch statusCode {
			case 1:
				status = registry.StatusEndOfGroup
			case 2:
				status = registry.StatusEndOfTrack
			default:
				status = registry.StatusNormal
			}
		} else {
			payload, err = wr.ReadBytes(payloadLen)
			if err != nil {
				return err
			}
		}

		obj := Object{
			TrackAlias:        trackAlias,
			GroupID:           groupID,
			ObjectID:          objectID,
			PublisherPriority: priority,
			Extensions:        extensions,
			Status:            status,
			Payload:           payload,
		}
		rt.route(obj)

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (rt *Router) skipObject(wr *wire.Reader) error {
	extLen, err := wr.ReadVarint()
	if err != nil {
		return err
	}
	if extLen > 0 {
		if _, err := wr.ReadBytes(extLen); err != nil {
			return err
		}
	}
	payloadLen, err := wr.ReadVarint()
	if err != nil {
		return err
	}
	if payloadLen == 0 {
		_, err := wr.ReadVarint()
		return err
	}
	_, err = wr.ReadBytes(payloadLen)
	return err
}

// route dispatches a parsed object to its subscription, buffering it if the
// subscription is still Requested, or parking it in a speculative slot if
// the alias is not yet registered at all.
func (rt *Router) route(obj Object) {
	sub, ok := rt.reg.LookupByAlias(obj.TrackAlias)
	if !ok {
		rt.bufferUnknownAlias(obj)
		return
	}

	switch sub.State() {
	case registry.Active:
		sub.Subscriber.OnObject(registry.PendingObject{
			GroupID:  obj.GroupID,
			ObjectID: obj.ObjectID,
			Payload:  obj.Payload,
			Status:   obj.Status,
			QueuedAt: rt.now(),
		})
	case registry.Requested:
		dropped, _ := rt.reg.EnqueuePending(sub.RequestID, registry.PendingObject{
			GroupID:  obj.GroupID,
			ObjectID: obj.ObjectID,
			Payload:  obj.Payload,
			Status:   obj.Status,
			QueuedAt: rt.now(),
		})
		if dropped {
			rt.log.Warn("pending queue full, dropped oldest object",
				"requestID", sub.RequestID, "trackAlias", obj.TrackAlias)
		}
	default:
		rt.log.Debug("dropping object for non-active subscription",
			"requestID", sub.RequestID, "state", sub.State())
	}
}

// bufferUnknownAlias parks obj's arrival under a speculative per-alias slot
// for up to 500ms. If no subscription ever binds to the alias, the slot
// (and every object it would have buffered) is simply discarded when the
// timer fires — this client does not buffer the objects themselves, only
// the alias's existence, on the expectation that a genuinely racing
// SUBSCRIBE_OK binds well within the window and subsequent objects on the
// same stream will then route normally.
func (rt *Router) bufferUnknownAlias(obj Object) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, exists := rt.unknown[obj.TrackAlias]; exists {
		return
	}
	slot := &unknownSlot{createdAt: rt.now()}
	slot.timer = time.AfterFunc(unknownAliasTTL, func() {
		rt.mu.Lock()
		delete(rt.unknown, obj.TrackAlias)
		rt.mu.Unlock()
		rt.log.Info("discarding unbound alias slot", "trackAlias", obj.TrackAlias)
	})
	rt.unknown[obj.TrackAlias] = slot
	rt.log.Debug("opened slot for unregistered alias, object dropped", "trackAlias", obj.TrackAlias)
}
