// Package moqwire implements the MoQ Transport draft-14 control-stream
// message codec (spec component B): framing, parsing, and serialization for
// every control message type the warpclient subscriber-only session needs.
package moqwire

import (
	"encoding/binary"
	"io"

	"github.com/zsiec/warpclient/internal/moqerr"
	"github.com/zsiec/warpclient/internal/wire"
)

// Control message type IDs (draft-ietf-moq-transport-14).
const (
	MsgSubscribe        uint64 = 0x03
	MsgSubscribeOK      uint64 = 0x04
	MsgSubscribeError   uint64 = 0x05
	MsgUnsubscribe      uint64 = 0x0a
	MsgSubscribeDone    uint64 = 0x0b
	MsgGoAway           uint64 = 0x10
	MsgRequestsBlocked  uint64 = 0x1a
	MsgClientSetup      uint64 = 0x20
	MsgServerSetup      uint64 = 0x21
)

// Version is the MoQ Transport version this client speaks: draft-14.
const Version uint64 = 0xff00000e

// Setup parameter keys (draft-14 §6.2). Odd keys carry a length-prefixed
// byte string; even keys carry a varint value.
const (
	ParamPath         uint64 = 0x01
	ParamMaxRequestID uint64 = 0x02
	ParamRole         uint64 = 0x00
)

// Subscribe filter types (draft-14 §6.6). LatestObject is the default
// filter this client uses for every subscribe.
const (
	FilterNextGroupStart uint64 = 0x01
	FilterLatestObject   uint64 = 0x02
	FilterAbsoluteStart  uint64 = 0x03
	FilterAbsoluteRange  uint64 = 0x04
)

// Group order values (draft-14 §6.6).
const (
	GroupOrderDefault    byte = 0x00
	GroupOrderAscending  byte = 0x01
	GroupOrderDescending byte = 0x02
)

// SUBGROUP_HEADER stream type for object (data) streams, draft-14.
const SubgroupHeaderType uint64 = 0x04

// ClientSetup is the first message sent by the client.
type ClientSetup struct {
	Versions     []uint64
	MaxRequestID uint64
	Path         string
	HasPath      bool
}

// ServerSetup is the server's reply to ClientSetup.
type ServerSetup struct {
	SelectedVersion uint64
	MaxRequestID    uint64
}

// Subscribe requests delivery of a track.
type Subscribe struct {
	RequestID  uint64
	TrackAlias uint64
	Namespace  []string
	TrackName  string
	Priority   byte
	GroupOrder byte
	FilterType uint64
	StartGroup uint64
	StartObj   uint64
	EndGroup   uint64
}

// SubscribeOK confirms a subscription.
type SubscribeOK struct {
	RequestID     uint64
	Expires       uint64
	GroupOrder    byte
	ContentExists bool
	LargestGroup  uint64
	LargestObj    uint64
}

// SubscribeError rejects a subscription.
type SubscribeError struct {
	RequestID      uint64
	ErrorCode      uint64
	ReasonPhrase   string
	NewTrackAlias  uint64
	HasNewAlias    bool
}

// SubscribeDone reports the terminal state of an active subscription.
type SubscribeDone struct {
	RequestID    uint64
	StatusCode   uint64
	StreamCount  uint64
	ReasonPhrase string
}

// Unsubscribe cancels a subscription.
type Unsubscribe struct {
	RequestID uint64
}

// RequestsBlocked is informational: the peer reports it is blocked behind
// maximumRequestID.
type RequestsBlocked struct {
	MaximumRequestID uint64
}

// GoAway signals a graceful session shutdown, optionally to a new URI.
type GoAway struct {
	NewSessionURI string
}

// ReadControlMsg reads one framed control message:
// [type(varint)] [length(u16 BE)] [payload].
func ReadControlMsg(r io.Reader) (uint64, []byte, error) {
	// Read exactly the bytes of this message from r, so nothing belonging
	// to the next message is consumed into a read-ahead buffer.
	var first [1]byte
	if _, err := io.ReadFull(r, first[:]); err != nil {
		if err == io.EOF {
			return 0, nil, moqerr.ErrShortRead
		}
		return 0, nil, err
	}
	varintLen := 1 << (first[0] >> 6)
	head := make([]byte, varintLen+2)
	head[0] = first[0]
	if _, err := io.ReadFull(r, head[1:]); err != nil {
		return 0, nil, moqerr.ErrShortRead
	}
	msgType, err := wire.NewReader(bytesReader(head[:varintLen])).ReadVarint()
	if err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint16(head[varintLen:])

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, moqerr.ErrShortRead
		}
	}
	return msgType, payload, nil
}

// WriteControlMsg writes a framed control message as a single Write call,
// so the write is atomic without external synchronization.
func WriteControlMsg(w io.Writer, msgType uint64, payload []byte) error {
	buf := wire.AppendVarint(nil, msgType)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(payload)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

// ParseClientSetup parses a CLIENT_SETUP payload, skipping unrecognized
// parameters by their own length prefix.
func ParseClientSetup(data []byte) (ClientSetup, error) {
	r := wire.NewReader(bytesReader(data))
	var cs ClientSetup

	numVersions, err := r.ReadVarint()
	if err != nil {
		return cs, protoErr(err)
	}
	cs.Versions = make([]uint64, numVersions)
	for i := range cs.Versions {
		v, err := r.ReadVarint()
		if err != nil {
			return cs, protoErr(err)
		}
		cs.Versions[i] = v
	}

	numParams, err := r.ReadVarint()
	if err != nil {
		return cs, protoErr(err)
	}
	for i := uint64(0); i < numParams; i++ {
		key, err := r.ReadVarint()
		if err != nil {
			return cs, protoErr(err)
		}
		if key%2 == 1 {
			val, err := r.ReadVarintString()
			if err != nil {
				return cs, protoErr(err)
			}
			if key == ParamPath {
				cs.Path = string(val)
				cs.HasPath = true
			}
		} else {
			val, err := r.ReadVarint()
			if err != nil {
				return cs, protoErr(err)
			}
			if key == ParamMaxRequestID {
				cs.MaxRequestID = val
			}
		}
	}
	return cs, nil
}

// SerializeClientSetup serializes a CLIENT_SETUP payload.
func SerializeClientSetup(cs ClientSetup) []byte {
	var buf []byte
	buf = wire.AppendVarint(buf, uint64(len(cs.Versions)))
	for _, v := range cs.Versions {
		buf = wire.AppendVarint(buf, v)
	}

	numParams := uint64(1)
	if cs.HasPath {
		numParams++
	}
	buf = wire.AppendVarint(buf, numParams)
	buf = wire.AppendVarint(buf, ParamMaxRequestID)
	buf = wire.AppendVarint(buf, cs.MaxRequestID)
	if cs.HasPath {
		buf = wire.AppendVarint(buf, ParamPath)
		buf = wire.AppendVarintString(buf, []byte(cs.Path))
	}
	return buf
}

// ParseServerSetup parses a SERVER_SETUP payload.
func ParseServerSetup(data []byte) (ServerSetup, error) {
	r := wire.NewReader(bytesReader(data))
	var ss ServerSetup
	var err error
	ss.SelectedVersion, err = r.ReadVarint()
	if err != nil {
		return ss, protoErr(err)
	}

	numParams, err := r.ReadVarint()
	if err != nil {
		return ss, protoErr(err)
	}
	for i := uint64(0); i < numParams; i++ {
		key, err := r.ReadVarint()
		if err != nil {
			return ss, protoErr(err)
		}
		if key%2 == 1 {
			if _, err := r.ReadVarintString(); err != nil {
				return ss, protoErr(err)
			}
		} else {
			val, err := r.ReadVarint()
			if err != nil {
				return ss, protoErr(err)
			}
			if key == ParamMaxRequestID {
				ss.MaxRequestID = val
			}
		}
	}
	return ss, nil
}

// SerializeSubscribe serializes a SUBSCRIBE payload.
func SerializeSubscribe(s Subscribe) []byte {
	var buf []byte
	buf = wire.AppendVarint(buf, s.RequestID)
	buf = wire.AppendVarint(buf, s.TrackAlias)

	tuple := make([][]byte, len(s.Namespace))
	for i, ns := range s.Namespace {
		tuple[i] = []byte(ns)
	}
	buf = wire.AppendTuple(buf, tuple)
	buf = wire.AppendVarintString(buf, []byte(s.TrackName))
	buf = append(buf, s.Priority)
	buf = append(buf, s.GroupOrder)
	buf = append(buf, 0x1) // Forward = 1 (deliver objects)
	buf = wire.AppendVarint(buf, s.FilterType)

	switch s.FilterType {
	case FilterAbsoluteStart:
		buf = wire.AppendVarint(buf, s.StartGroup)
		buf = wire.AppendVarint(buf, s.StartObj)
	case FilterAbsoluteRange:
		buf = wire.AppendVarint(buf, s.StartGroup)
		buf = wire.AppendVarint(buf, s.StartObj)
		buf = wire.AppendVarint(buf, s.EndGroup)
	}

	buf = wire.AppendVarint(buf, 0) // NumParams = 0
	return buf
}

// ParseSubscribeOK parses a SUBSCRIBE_OK payload.
func ParseSubscribeOK(data []byte) (SubscribeOK, error) {
	r := wire.NewReader(bytesReader(data))
	var sok SubscribeOK
	var err error

	sok.RequestID, err = r.ReadVarint()
	if err != nil {
		return sok, protoErr(err)
	}
	sok.Expires, err = r.ReadVarint()
	if err != nil {
		return sok, protoErr(err)
	}

	groupOrder, err := singleByte(r)
	if err != nil {
		return sok, protoErr(err)
	}
	sok.GroupOrder = groupOrder

	contentExists, err := singleByte(r)
	if err != nil {
		return sok, protoErr(err)
	}
	if contentExists != 0 {
		sok.ContentExists = true
		sok.LargestGroup, err = r.ReadVarint()
		if err != nil {
			return sok, protoErr(err)
		}
		sok.LargestObj, err = r.ReadVarint()
		if err != nil {
			return sok, protoErr(err)
		}
	}

	// Remaining params are not needed by this client; tolerate their absence
	// or presence equally since we stop parsing here.
	return sok, nil
}

// ParseSubscribeError parses a SUBSCRIBE_ERROR payload.
func ParseSubscribeError(data []byte) (SubscribeError, error) {
	r := wire.NewReader(bytesReader(data))
	var se SubscribeError
	var err error

	se.RequestID, err = r.ReadVarint()
	if err != nil {
		return se, protoErr(err)
	}
	se.ErrorCode, err = r.ReadVarint()
	if err != nil {
		return se, protoErr(err)
	}
	reason, err := r.ReadVarintString()
	if err != nil {
		return se, protoErr(err)
	}
	se.ReasonPhrase = string(reason)
	return se, nil
}

// ParseSubscribeDone parses a SUBSCRIBE_DONE payload.
func ParseSubscribeDone(data []byte) (SubscribeDone, error) {
	r := wire.NewReader(bytesReader(data))
	var sd SubscribeDone
	var err error

	sd.RequestID, err = r.ReadVarint()
	if err != nil {
		return sd, protoErr(err)
	}
	sd.StatusCode, err = r.ReadVarint()
	if err != nil {
		return sd, protoErr(err)
	}
	sd.StreamCount, err = r.ReadVarint()
	if err != nil {
		return sd, protoErr(err)
	}
	reason, err := r.ReadVarintString()
	if err != nil {
		return sd, protoErr(err)
	}
	sd.ReasonPhrase = string(reason)
	return sd, nil
}

// SerializeUnsubscribe serializes an UNSUBSCRIBE payload.
func SerializeUnsubscribe(u Unsubscribe) []byte {
	return wire.AppendVarint(nil, u.RequestID)
}

// ParseRequestsBlocked parses a REQUESTS_BLOCKED payload.
func ParseRequestsBlocked(data []byte) (RequestsBlocked, error) {
	r := wire.NewReader(bytesReader(data))
	maxID, err := r.ReadVarint()
	if err != nil {
		return RequestsBlocked{}, protoErr(err)
	}
	return RequestsBlocked{MaximumRequestID: maxID}, nil
}

// ParseGoAway parses a GOAWAY payload. An empty payload means "same URI".
func ParseGoAway(data []byte) (GoAway, error) {
	if len(data) == 0 {
		return GoAway{}, nil
	}
	r := wire.NewReader(bytesReader(data))
	uri, err := r.ReadVarintString()
	if err != nil {
		return GoAway{}, protoErr(err)
	}
	return GoAway{NewSessionURI: string(uri)}, nil
}

func protoErr(err error) error {
	return &moqerr.ProtocolError{Kind: moqerr.ProtocolShortRead, Err: err}
}

func singleByte(r *wire.Reader) (byte, error) {
	b, err := r.ReadBytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// bytesReader adapts a byte slice to io.Reader without importing "bytes"
// at call sites that only hold a []byte.
func bytesReader(b []byte) io.Reader {
	return &sliceReader{data: b}
}

type sliceReader struct {
	data []byte
	pos  int
}

func (s *sliceReader) Read(p []byte) (int, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += n
	return n, nil
}

func (s *sliceReader) ReadByte() (byte, error) {
	if s.pos >= len(s.data) {
		return 0, io.EOF
	}
	b := s.data[s.pos]
	s.pos++
	return b, nil
}
