// Package segbuf is a thread-safe, per-track FIFO of assembled CMAF
// segments, drained into a playout sink (spec component G).
package segbuf

import (
	"sync"
	"time"

	"github.com/zsiec/warpclient/internal/moqerr"
)

// Segment is one assembled unit of media: either an initialization segment
// (IsInit true, carrying ftyp+moov) or a media segment (moof+mdat).
type Segment struct {
	TrackID          string
	IsInit           bool
	Data             []byte
	DecodeTime       time.Duration
	Duration         time.Duration
	PresentationTime time.Duration
}

// Buffer is an ordered FIFO of Segments for a single track. The zero value
// is not usable; construct with New.
type Buffer struct {
	mu             sync.Mutex
	segments       []Segment
	haveLastDecode bool
	lastDecode     time.Duration
}

// New creates an empty Buffer.
func New() *Buffer {
	return &Buffer{}
}

// Append adds seg to the tail of the FIFO. The init segment (IsInit) is
// exempt from the strictly-increasing decodeTime check; every subsequent
// media segment must have DecodeTime strictly greater than the last
// accepted one, or Append rejects it with a ProtocolError of kind
// ProtocolInvalidBox and drops it.
func (b *Buffer) Append(seg Segment) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !seg.IsInit {
		if b.haveLastDecode && seg.DecodeTime <= b.lastDecode {
			return &moqerr.ProtocolError{Kind: moqerr.ProtocolInvalidBox}
		}
		b.lastDecode = seg.DecodeTime
		b.haveLastDecode = true
	}
	b.segments = append(b.segments, seg)
	return nil
}

// Peek returns the segment at the head of the FIFO without removing it.
func (b *Buffer) Peek() (Segment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.segments) == 0 {
		return Segment{}, false
	}
	return b.segments[0], true
}

// Pop removes and returns the segment at the head of the FIFO.
func (b *Buffer) Pop() (Segment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.segments) == 0 {
		return Segment{}, false
	}
	seg := b.segments[0]
	b.segments = b.segments[1:]
	return seg, true
}

// BufferedAhead returns how much buffered media lies beyond
// sinkCurrentTime: the full duration of every media segment whose
// presentation time is at or after it, plus the remaining part of any
// segment that straddles it.
func (b *Buffer) BufferedAhead(sinkCurrentTime time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	var ahead time.Duration
	for _, seg := range b.segments {
		if seg.IsInit {
			continue
		}
		end := seg.PresentationTime + seg.Duration
		if end <= sinkCurrentTime {
			continue
		}
		if seg.PresentationTime >= sinkCurrentTime {
			ahead += seg.Duration
		} else {
			ahead += end - sinkCurrentTime
		}
	}
	return ahead
}

// LatestPresentationTime returns the presentation time of the most recently
// appended media segment, or false if none has been appended yet.
func (b *Buffer) LatestPresentationTime() (time.Duration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.segments) - 1; i >= 0; i-- {
		if !b.segments[i].IsInit {
			return b.segments[i].PresentationTime, true
		}
	}
	return 0, false
}

// Len reports the number of segments currently buffered, init and media.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.segments)
}
