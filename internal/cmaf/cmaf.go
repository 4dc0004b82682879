// Package cmaf assembles ISO-BMFF boxes streamed as a concatenation of
// object payloads into CMAF initialization and media segments (spec
// component F).
package cmaf

import (
	"encoding/binary"
	"time"

	"github.com/Eyevinn/mp4ff/bits"
	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/zsiec/warpclient/internal/moqerr"
)

// Segment is a fully assembled CMAF unit, ready for the corresponding
// segbuf.Buffer.
type Segment struct {
	IsInit           bool
	Data             []byte
	DecodeTime       time.Duration
	Duration         time.Duration
	PresentationTime time.Duration
}

// Assembler reassembles box-aligned units from a sequence of appended
// object payloads for a single track. It mirrors the box-boundary scan a
// chunked MP4 receiver performs over an HTTP request body, adapted to a
// push (Write) rather than pull (io.Reader) interface since payloads
// arrive one router object at a time.
type Assembler struct {
	epochPresentation bool
	defaultSampleDur  uint32
	timescale         uint32
	haveTimescale     bool

	buf          []byte
	contentEnd   int
	nextBoxStart uint32
	mdatEnd      uint32
}

// NewAssembler creates an Assembler. When epochPresentation is true,
// presentationTime is taken equal to decodeTime (the producer set
// timestamps against the UNIX epoch); otherwise presentation time is left
// opaque (zero) since the assembler cannot derive it unaided.
func NewAssembler(epochPresentation bool) *Assembler {
	return &Assembler{epochPresentation: epochPresentation}
}

// Write appends payload to the assembler's buffer and returns every
// complete unit that can now be extracted. An ftyp+moov run is flushed as
// its own isInit segment the moment moov closes, independent of any mdat —
// it is a complete initialization segment on its own and must not wait on
// the first media segment's moof+mdat to follow. Parse failures for a
// single unit are non-fatal: the offending bytes are dropped and a
// ProtocolError is returned alongside any segments successfully extracted
// before it.
func (a *Assembler) Write(payload []byte) ([]Segment, error) {
	a.buf = append(a.buf, payload...)
	a.contentEnd += len(payload)

	var out []Segment
	for {
		if int(a.nextBoxStart)+8 > a.contentEnd {
			return out, nil
		}
		size := binary.BigEndian.Uint32(a.buf[a.nextBoxStart : a.nextBoxStart+4])
		if size < 8 {
			a.Flush() // drop the unit with the unreadable box header
			return out, &moqerr.ProtocolError{Kind: moqerr.ProtocolInvalidBox}
		}
		boxType := string(a.buf[a.nextBoxStart+4 : a.nextBoxStart+8])
		boxEnd := a.nextBoxStart + size
		if int(boxEnd) > a.contentEnd {
			return out, nil // box not fully buffered yet
		}
		a.nextBoxStart = boxEnd

		if boxType == "moov" {
			unit := a.buf[:boxEnd]
			seg, err := a.decodeUnit(unit, true)
			a.resetAfterUnit(boxEnd)
			if err != nil {
				return out, err
			}
			out = append(out, seg)
			continue
		}

		if boxType == "mdat" {
			a.mdatEnd = boxEnd
		}
		if a.mdatEnd != 0 && a.mdatEnd == uint32(a.nextBoxStart) {
			unit := a.buf[:a.mdatEnd]
			seg, err := a.decodeUnit(unit, false)
			a.resetAfterUnit(a.mdatEnd)
			if err != nil {
				return out, err
			}
			out = append(out, seg)
		}
	}
}

// resetAfterUnit shifts the buffer past the just-emitted unit, ending at
// end, and resets the per-unit scan state.
func (a *Assembler) resetAfterUnit(end uint32) {
	copy(a.buf, a.buf[end:a.contentEnd])
	a.contentEnd -= int(end)
	a.buf = a.buf[:a.contentEnd]
	a.nextBoxStart = 0
	a.mdatEnd = 0
}

// Flush discards any partially received unit, called when the track's
// subscription delivers an end-of-track status object so a
// truncated trailing moof/mdat does not leak into a subsequent subscription
// reusing this Assembler's track.
func (a *Assembler) Flush() {
	a.buf = nil
	a.contentEnd = 0
	a.nextBoxStart = 0
	a.mdatEnd = 0
}

func (a *Assembler) decodeUnit(unit []byte, isInit bool) (Segment, error) {
	data := make([]byte, len(unit))
	copy(data, unit)

	sr := bits.NewFixedSliceReader(data)
	file, err := mp4.DecodeFileSR(sr, mp4.WithDecodeFlags(mp4.DecFileFlags(mp4.DecModeLazyMdat)))
	if err != nil {
		return Segment{}, &moqerr.ProtocolError{Kind: moqerr.ProtocolInvalidBox, Err: err}
	}

	if isInit {
		if file.Init != nil && len(file.Init.Moov.Traks) > 0 {
			a.timescale = file.Init.Moov.Traks[0].Mdia.Mdhd.Timescale
			a.haveTimescale = true
			if trex := file.Init.Moov.Mvex; trex != nil {
				a.defaultSampleDur = trex.Trex.DefaultSampleDuration
			}
		}
		return Segment{IsInit: true, Data: data}, nil
	}

	if len(file.Segments) == 0 || len(file.Segments[0].Fragments) == 0 {
		return Segment{}, &moqerr.ProtocolError{Kind: moqerr.ProtocolInvalidBox}
	}
	moof := file.Segments[0].Fragments[0].Moof
	if moof == nil || moof.Traf == nil || moof.Traf.Tfdt == nil || moof.Traf.Trun == nil {
		return Segment{}, &moqerr.ProtocolError{Kind: moqerr.ProtocolInvalidBox}
	}

	defaultDur := a.defaultSampleDur
	if moof.Traf.Tfhd != nil && moof.Traf.Tfhd.DefaultSampleDuration != 0 {
		defaultDur = moof.Traf.Tfhd.DefaultSampleDuration
	}

	baseDecodeTime := moof.Traf.Tfdt.BaseMediaDecodeTime()
	sampleDur := moof.Traf.Trun.Duration(defaultDur)

	timescale := a.timescale
	if !a.haveTimescale || timescale == 0 {
		timescale = 1000 // fall back to millisecond-scale if no init was seen
	}

	decodeTime := time.Duration(float64(baseDecodeTime) / float64(timescale) * float64(time.Second))
	duration := time.Duration(float64(sampleDur) / float64(timescale) * float64(time.Second))

	seg := Segment{
		Data:       data,
		DecodeTime: decodeTime,
		Duration:   duration,
	}
	if a.epochPresentation {
		seg.PresentationTime = decodeTime
	}
	return seg, nil
}
