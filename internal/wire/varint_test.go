package wire

import (
	"bytes"
	"testing"
)

func TestVarintRoundTrip(t *testing.T) {
	t.Parallel()
	values := []uint64{
		0, 1, 63, 64, 16383, 16384, 1073741823, 1073741824,
		(1 << 62) - 1, 1<<32 + 7,
	}
	for _, v := range values {
		buf := AppendVarint(nil, v)
		if len(buf) != VarintLen(v) {
			t.Fatalf("VarintLen(%d) = %d, want %d", v, VarintLen(v), len(buf))
		}
		got, err := NewReader(bytes.NewReader(buf)).ReadVarint()
		if err != nil {
			t.Fatalf("ReadVarint(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("round trip %d: got %d", v, got)
		}
	}
}

func TestVarintShortRead(t *testing.T) {
	t.Parallel()
	// A two-byte varint prefix with only one byte present.
	buf := []byte{0x40 | 0x3F}
	_, err := NewReader(bytes.NewReader(buf)).ReadVarint()
	if err == nil {
		t.Fatal("expected short read error")
	}
}

func TestReadVarintString(t *testing.T) {
	t.Parallel()
	var buf []byte
	buf = AppendVarintString(buf, []byte("catalog"))
	got, err := NewReader(bytes.NewReader(buf)).ReadVarintString()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "catalog" {
		t.Fatalf("got %q", got)
	}
}

func TestReadTuple(t *testing.T) {
	t.Parallel()
	parts := [][]byte{[]byte("live"), []byte("stream1")}
	buf := AppendTuple(nil, parts)
	got, err := NewReader(bytes.NewReader(buf)).ReadTuple()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || string(got[0]) != "live" || string(got[1]) != "stream1" {
		t.Fatalf("got %v", got)
	}
}

func TestReadTupleTruncated(t *testing.T) {
	t.Parallel()
	buf := AppendVarint(nil, 2) // claims 2 elements, provides none
	_, err := NewReader(bytes.NewReader(buf)).ReadTuple()
	if err == nil {
		t.Fatal("expected error on truncated tuple")
	}
}
