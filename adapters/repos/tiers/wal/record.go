//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package wal

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/vmihailenco/msgpack/v5"
)

// Position is the sequence number of a record in the log. Positions are
// dense: segment N holds the records from its first position up to the first
// position of segment N+1.
type Position uint64

type RecordType uint8

const (
	RecordTypePut RecordType = iota + 1
	RecordTypeTombstone
)

func (t RecordType) String() string {
	switch t {
	case RecordTypePut:
		return "put"
	case RecordTypeTombstone:
		return "tombstone"
	default:
		return "unknown"
	}
}

// Record is one replayed log record. Put records carry an entry, tombstones
// the ids of pruned entries.
type Record struct {
	Position Position
	Type     RecordType
	Entry    *entry.Entry
	IDs      []uint64
}

type diskRecord struct {
	Position Position     `msgpack:"p"`
	Type     RecordType   `msgpack:"t"`
	Entry    *entry.Entry `msgpack:"e,omitempty"`
	IDs      []uint64     `msgpack:"ids,omitempty"`
}

const (
	frameHeaderSize = 8
	maxPayloadSize  = 256 << 20
)

var (
	errTornFrame = errors.New("frame extends past end of segment")
	errChecksum  = errors.New("frame checksum mismatch")
	errSequence  = errors.New("frame position out of sequence")
)

// frame layout: [u32 payload len][u32 murmur3 of payload][msgpack payload]
func encodeFrame(rec *diskRecord) ([]byte, error) {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}
	if len(payload) > maxPayloadSize {
		return nil, errors.Errorf("record of %d bytes exceeds frame limit", len(payload))
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(buf[4:8], murmur3.Sum32(payload))
	copy(buf[frameHeaderSize:], payload)
	return buf, nil
}

// frameError reports where a bad frame starts and where it claims to end, so
// that recovery can tell a torn tail from damage in the middle of a segment.
type frameError struct {
	offset int64
	end    int64
	err    error
}

func (e *frameError) Error() string {
	return errors.Wrapf(e.err, "frame at offset %d", e.offset).Error()
}

func (e *frameError) Unwrap() error {
	return e.err
}

type segmentReader struct {
	r      *bufio.Reader
	offset int64
	limit  int64
	next   Position
}

func newSegmentReader(r io.Reader, first Position, limit int64) *segmentReader {
	return &segmentReader{
		r:     bufio.NewReaderSize(r, 32*1024),
		limit: limit,
		next:  first,
	}
}

func (sr *segmentReader) read() (*diskRecord, error) {
	if sr.offset >= sr.limit {
		return nil, io.EOF
	}

	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(sr.r, hdr[:]); err != nil {
		return nil, &frameError{offset: sr.offset, end: sr.offset + frameHeaderSize, err: errTornFrame}
	}

	n := binary.LittleEndian.Uint32(hdr[0:4])
	sum := binary.LittleEndian.Uint32(hdr[4:8])
	end := sr.offset + frameHeaderSize + int64(n)
	if n > maxPayloadSize || end > sr.limit {
		return nil, &frameError{offset: sr.offset, end: end, err: errTornFrame}
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(sr.r, payload); err != nil {
		return nil, &frameError{offset: sr.offset, end: end, err: errTornFrame}
	}
	if murmur3.Sum32(payload) != sum {
		return nil, &frameError{offset: sr.offset, end: end, err: errChecksum}
	}

	var rec diskRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, &frameError{offset: sr.offset, end: end, err: errors.Wrap(err, "decode record")}
	}
	if rec.Position != sr.next {
		return nil, &frameError{
			offset: sr.offset, end: end,
			err: errors.Wrapf(errSequence, "want %d, got %d", sr.next, rec.Position),
		}
	}

	sr.offset = end
	sr.next++
	return &rec, nil
}
