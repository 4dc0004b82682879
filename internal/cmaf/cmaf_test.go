package cmaf

import (
	"encoding/binary"
	"testing"
)

// box builds a minimal top-level box: [size u32 BE][type 4 bytes][body].
func box(boxType string, body []byte) []byte {
	buf := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(8+len(body)))
	copy(buf[4:8], boxType)
	copy(buf[8:], body)
	return buf
}

func TestWriteWaitsForCompleteBoxHeader(t *testing.T) {
	t.Parallel()
	a := NewAssembler(true)
	// Only 4 bytes: not even a full 8-byte box header yet.
	segs, err := a.Write([]byte{0, 0, 0, 20})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("expected no segments from a partial header, got %d", len(segs))
	}
}

func TestWriteWaitsForCompleteBoxBody(t *testing.T) {
	t.Parallel()
	a := NewAssembler(true)
	full := box("free", make([]byte, 16))
	// Deliver everything but the last 4 body bytes.
	segs, err := a.Write(full[:len(full)-4])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("expected no segments from a partial box body, got %d", len(segs))
	}
}

func TestWriteDoesNotEmitWithoutMdat(t *testing.T) {
	t.Parallel()
	a := NewAssembler(true)
	var stream []byte
	stream = append(stream, box("free", []byte("padding"))...)
	stream = append(stream, box("skip", []byte("more padding"))...)

	segs, err := a.Write(stream)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("expected no segments without a completed mdat, got %d", len(segs))
	}
	if a.contentEnd != len(stream) {
		t.Fatalf("expected unconsumed boxes to remain buffered, contentEnd=%d want %d", a.contentEnd, len(stream))
	}
}

func TestWriteFlushesMoovWithoutWaitingForMdat(t *testing.T) {
	t.Parallel()
	a := NewAssembler(true)
	// A well-framed moov box whose body is not valid ISO-BMFF track data: the
	// box-boundary scan must complete and emit this unit the instant moov
	// closes, rather than buffering it indefinitely waiting for an mdat that
	// would otherwise glom onto the next media unit's moof+mdat.
	bad := box("moov", []byte("not a real moov body"))

	_, err := a.Write(bad)
	if err == nil {
		t.Fatal("expected a decode error for malformed moov content")
	}
	if a.contentEnd != 0 {
		t.Fatalf("expected the moov unit to be flushed on its own, contentEnd=%d", a.contentEnd)
	}
}

func TestWriteDropsOffendingUnitOnDecodeFailure(t *testing.T) {
	t.Parallel()
	a := NewAssembler(true)
	// A well-framed mdat box whose body is not valid ISO-BMFF sample data:
	// the box-boundary scan completes the unit, but mp4ff decode fails, so
	// Write must report the error without panicking and must reset state
	// so a subsequent well-formed unit is not corrupted by the failed one.
	bad := box("mdat", []byte("not real media data"))

	_, err := a.Write(bad)
	if err == nil {
		t.Fatal("expected a decode error for malformed mdat-only content")
	}
	if a.contentEnd != 0 {
		t.Fatalf("expected buffer reset after a failed unit, contentEnd=%d", a.contentEnd)
	}
}

func TestFlushDiscardsPartialUnit(t *testing.T) {
	t.Parallel()
	a := NewAssembler(true)
	full := box("mdat", make([]byte, 16))
	// Deliver everything but the last few bytes: an incomplete box, as at a
	// stream's end-of-track boundary.
	if _, err := a.Write(full[:len(full)-4]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.contentEnd == 0 {
		t.Fatal("expected the partial box to be buffered before Flush")
	}

	a.Flush()

	if a.contentEnd != 0 || a.nextBoxStart != 0 || a.mdatEnd != 0 {
		t.Fatalf("expected Flush to discard all buffered state, contentEnd=%d nextBoxStart=%d mdatEnd=%d",
			a.contentEnd, a.nextBoxStart, a.mdatEnd)
	}

	// A subsequent well-formed unit must not be corrupted by the discarded
	// partial bytes.
	segs, err := a.Write(box("free", []byte("padding")))
	if err != nil {
		t.Fatalf("unexpected error after Flush: %v", err)
	}
	if len(segs) != 0 {
		t.Fatalf("expected no segments without a completed mdat, got %d", len(segs))
	}
}
