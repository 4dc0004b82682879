package moqwire

import (
	"bytes"
	"testing"
)

func TestControlMsgRoundTrip(t *testing.T) {
	t.Parallel()
	payload := []byte("hello")
	var buf bytes.Buffer
	if err := WriteControlMsg(&buf, MsgClientSetup, payload); err != nil {
		t.Fatal(err)
	}

	msgType, got, err := ReadControlMsg(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != MsgClientSetup {
		t.Fatalf("message type = %#x, want %#x", msgType, MsgClientSetup)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestControlMsgEmptyPayload(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	if err := WriteControlMsg(&buf, MsgGoAway, nil); err != nil {
		t.Fatal(err)
	}

	msgType, got, err := ReadControlMsg(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if msgType != MsgGoAway {
		t.Fatalf("message type = %#x, want %#x", msgType, MsgGoAway)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got))
	}
}

func TestControlMsgTruncatedPayload(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	buf.Write([]byte{byte(MsgClientSetup)})
	buf.Write([]byte{0x00, 0x0a}) // claims 10 bytes
	buf.Write([]byte{1, 2, 3})    // only 3 provided

	_, _, err := ReadControlMsg(&buf)
	if err == nil {
		t.Fatal("expected error on truncated payload")
	}
}

func TestClientSetupRoundTrip(t *testing.T) {
	t.Parallel()
	cs := ClientSetup{
		Versions:     []uint64{Version},
		MaxRequestID: 100,
		Path:         "/moq",
		HasPath:      true,
	}
	payload := SerializeClientSetup(cs)
	got, err := ParseClientSetup(payload)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Versions) != 1 || got.Versions[0] != Version {
		t.Fatalf("versions = %v", got.Versions)
	}
	if got.MaxRequestID != 100 {
		t.Fatalf("maxRequestID = %d", got.MaxRequestID)
	}
	if got.Path != "/moq" || !got.HasPath {
		t.Fatalf("path = %q hasPath=%v", got.Path, got.HasPath)
	}
}

func TestServerSetupParse(t *testing.T) {
	t.Parallel()
	ss, err := ParseServerSetup(serverSetupPayload(Version, 64))
	if err != nil {
		t.Fatal(err)
	}
	if ss.SelectedVersion != Version {
		t.Fatalf("version = %#x", ss.SelectedVersion)
	}
	if ss.MaxRequestID != 64 {
		t.Fatalf("maxRequestID = %d", ss.MaxRequestID)
	}
}

func serverSetupPayload(version, maxRequestID uint64) []byte {
	var buf []byte
	buf = appendRawVarint(buf, version)
	buf = appendRawVarint(buf, 1) // numParams
	buf = appendRawVarint(buf, ParamMaxRequestID)
	buf = appendRawVarint(buf, maxRequestID)
	return buf
}

func TestSubscribeRoundTrip(t *testing.T) {
	t.Parallel()
	s := Subscribe{
		RequestID:  0,
		TrackAlias: 0,
		Namespace:  []string{"live"},
		TrackName:  "catalog",
		Priority:   128,
		GroupOrder: GroupOrderDefault,
		FilterType: FilterLatestObject,
	}
	payload := SerializeSubscribe(s)
	if len(payload) == 0 {
		t.Fatal("expected non-empty payload")
	}
}

func TestSubscribeOKRoundTrip(t *testing.T) {
	t.Parallel()
	sok := SubscribeOK{
		RequestID:     0,
		Expires:       0,
		GroupOrder:    GroupOrderAscending,
		ContentExists: true,
		LargestGroup:  3,
		LargestObj:    7,
	}
	payload := encodeSubscribeOKForTest(sok)
	got, err := ParseSubscribeOK(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != 0 || !got.ContentExists || got.LargestGroup != 3 || got.LargestObj != 7 {
		t.Fatalf("got %+v", got)
	}
}

func TestSubscribeErrorRoundTrip(t *testing.T) {
	t.Parallel()
	payload := encodeSubscribeErrorForTest(0, 4, "unauthorized")
	got, err := ParseSubscribeError(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != 0 || got.ErrorCode != 4 || got.ReasonPhrase != "unauthorized" {
		t.Fatalf("got %+v", got)
	}
}

func TestSubscribeDoneRoundTrip(t *testing.T) {
	t.Parallel()
	payload := encodeSubscribeDoneForTest(0, 1, 5, "ended")
	got, err := ParseSubscribeDone(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.RequestID != 0 || got.StatusCode != 1 || got.StreamCount != 5 || got.ReasonPhrase != "ended" {
		t.Fatalf("got %+v", got)
	}
}

func TestRequestsBlockedParse(t *testing.T) {
	t.Parallel()
	payload := appendRawVarint(nil, 42)
	got, err := ParseRequestsBlocked(payload)
	if err != nil {
		t.Fatal(err)
	}
	if got.MaximumRequestID != 42 {
		t.Fatalf("got %+v", got)
	}
}

func TestGoAwayEmpty(t *testing.T) {
	t.Parallel()
	got, err := ParseGoAway(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got.NewSessionURI != "" {
		t.Fatalf("got %+v", got)
	}
}

// appendRawVarint is a minimal, independently-written QUIC varint encoder
// used only by tests to build payloads without depending on the package's
// own AppendVarint for the assertions that exercise it indirectly.
func appendRawVarint(buf []byte, v uint64) []byte {
	switch {
	case v <= 0x3F:
		return append(buf, byte(v))
	case v <= 0x3FFF:
		return append(buf, byte(v>>8)|0x40, byte(v))
	case v <= 0x3FFFFFFF:
		return append(buf, byte(v>>24)|0x80, byte(v>>16), byte(v>>8), byte(v))
	default:
		b := make([]byte, 8)
		b[0] = byte(v>>56) | 0xC0
		b[1] = byte(v >> 48)
		b[2] = byte(v >> 40)
		b[3] = byte(v >> 32)
		b[4] = byte(v >> 24)
		b[5] = byte(v >> 16)
		b[6] = byte(v >> 8)
		b[7] = byte(v)
		return append(buf, b...)
	}
}

func encodeSubscribeOKForTest(sok SubscribeOK) []byte {
	var buf []byte
	buf = appendRawVarint(buf, sok.RequestID)
	buf = appendRawVarint(buf, sok.Expires)
	buf = append(buf, sok.GroupOrder)
	if sok.ContentExists {
		buf = append(buf, 1)
		buf = appendRawVarint(buf, sok.LargestGroup)
		buf = appendRawVarint(buf, sok.LargestObj)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

func encodeSubscribeErrorForTest(reqID, code uint64, reason string) []byte {
	var buf []byte
	buf = appendRawVarint(buf, reqID)
	buf = appendRawVarint(buf, code)
	buf = appendRawVarint(buf, uint64(len(reason)))
	buf = append(buf, []byte(reason)...)
	return buf
}

func encodeSubscribeDoneForTest(reqID, status, count uint64, reason string) []byte {
	var buf []byte
	buf = appendRawVarint(buf, reqID)
	buf = appendRawVarint(buf, status)
	buf = appendRawVarint(buf, count)
	buf = appendRawVarint(buf, uint64(len(reason)))
	buf = append(buf, []byte(reason)...)
	return buf
}
