// Package wire implements the QUIC-style variable-length integer codec and
// the length-prefixed byte-string and tuple encodings built on top of it
// (spec component A). Multi-byte fixed-width fields in control headers are
// big-endian, per MoQT; those are read directly with encoding/binary by
// callers rather than through this package.
package wire

import (
	"bufio"
	"io"

	"github.com/quic-go/quic-go/quicvarint"

	"github.com/zsiec/warpclient/internal/moqerr"
)

// Reader sequentially decodes varints, fixed-length byte strings, and
// varint-length-prefixed fields from an underlying byte source.
type Reader struct {
	br io.ByteReader
	r  io.Reader
}

// NewReader wraps r for sequential field decoding. If r does not implement
// io.ByteReader it is wrapped in a bufio.Reader, as quicvarint.Read requires
// byte-at-a-time reads.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(io.ByteReader); ok {
		return &Reader{br: br, r: r}
	}
	b := bufio.NewReader(r)
	return &Reader{br: b, r: b}
}

// ReadVarint reads a single QUIC varint (1/2/4/8 bytes depending on the two
// high bits of the first byte).
func (r *Reader) ReadVarint() (uint64, error) {
	v, err := quicvarint.Read(r.br)
	if err != nil {
		if err == io.EOF {
			return 0, moqerr.ErrShortRead
		}
		return 0, err
	}
	return v, nil
}

// ReadBytes reads exactly n bytes, failing with ErrShortRead on early EOF.
func (r *Reader) ReadBytes(n uint64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, moqerr.ErrShortRead
	}
	return buf, nil
}

// ReadVarintString reads a varint length prefix followed by that many bytes.
func (r *Reader) ReadVarintString() ([]byte, error) {
	n, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	return r.ReadBytes(n)
}

// ReadTuple reads a namespace-style tuple: varint(count) followed by that
// many varint-length-prefixed byte strings.
func (r *Reader) ReadTuple() ([][]byte, error) {
	count, err := r.ReadVarint()
	if err != nil {
		return nil, err
	}
	parts := make([][]byte, count)
	for i := range parts {
		parts[i], err = r.ReadVarintString()
		if err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// AppendVarint appends the minimal-length QUIC varint encoding of v to buf.
func AppendVarint(buf []byte, v uint64) []byte {
	return quicvarint.Append(buf, v)
}

// AppendVarintString appends a varint length prefix followed by data.
func AppendVarintString(buf []byte, data []byte) []byte {
	buf = AppendVarint(buf, uint64(len(data)))
	return append(buf, data...)
}

// AppendTuple appends a namespace-style tuple: varint(count) followed by
// each element as a varint-length-prefixed byte string.
func AppendTuple(buf []byte, parts [][]byte) []byte {
	buf = AppendVarint(buf, uint64(len(parts)))
	for _, p := range parts {
		buf = AppendVarintString(buf, p)
	}
	return buf
}

// VarintLen returns the number of bytes AppendVarint would write for v.
func VarintLen(v uint64) int {
	return quicvarint.Len(v)
}
