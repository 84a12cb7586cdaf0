//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package cold

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
	"github.com/spaolacci/murmur3"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	archiveExt       = ".arc"
	frameHeaderSize  = 8
	maxFrameBodySize = 256 << 20
)

var archiveMagic = []byte("TEDARC1\n")

// ArchiveHandle identifies one immutable archive file. Handles are allocated
// in increasing order and never reused.
type ArchiveHandle uint64

func (h ArchiveHandle) String() string {
	return fmt.Sprintf("%020d", uint64(h))
}

func (h ArchiveHandle) fileName() string {
	return h.String() + archiveExt
}

type frameRef struct {
	offset int64
	length uint32
}

// encodeArchive lays out magic followed by one frame per entry:
// [u32 body len][u32 murmur3 of body][s2 block of msgpack entry]
func encodeArchive(batch []*entry.Entry) ([]byte, []frameRef, error) {
	var buf bytes.Buffer
	buf.Write(archiveMagic)

	refs := make([]frameRef, len(batch))
	for i, e := range batch {
		raw, err := msgpack.Marshal(e)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "encode entry %d", e.ID)
		}
		body := s2.Encode(nil, raw)

		var hdr [frameHeaderSize]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(body)))
		binary.LittleEndian.PutUint32(hdr[4:8], murmur3.Sum32(body))

		refs[i] = frameRef{
			offset: int64(buf.Len()),
			length: uint32(frameHeaderSize + len(body)),
		}
		buf.Write(hdr[:])
		buf.Write(body)
	}

	return buf.Bytes(), refs, nil
}

func decodeFrame(frame []byte) (*entry.Entry, error) {
	if len(frame) < frameHeaderSize {
		return nil, errors.Wrapf(ErrCorrupt, "frame of %d bytes", len(frame))
	}
	n := binary.LittleEndian.Uint32(frame[0:4])
	sum := binary.LittleEndian.Uint32(frame[4:8])
	body := frame[frameHeaderSize:]
	if n > maxFrameBodySize || int(n) != len(body) {
		return nil, errors.Wrapf(ErrCorrupt, "frame length %d, have %d", n, len(body))
	}
	if murmur3.Sum32(body) != sum {
		return nil, errors.Wrap(ErrCorrupt, "frame checksum mismatch")
	}

	raw, err := s2.Decode(nil, body)
	if err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "decompress frame: %v", err)
	}

	var e entry.Entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "decode frame: %v", err)
	}
	return &e, nil
}

// readFrame reads exactly one frame, so retrieving an entry never
// decompresses its neighbours.
func readFrame(path string, ref frameRef) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "archive %q missing", path)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open archive %q", path)
	}
	defer f.Close()

	frame := make([]byte, ref.length)
	if _, err := f.ReadAt(frame, ref.offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.Wrapf(ErrCorrupt, "archive %q shorter than index claims", path)
		}
		return nil, errors.Wrapf(err, "read archive %q", path)
	}
	return frame, nil
}

func checkMagic(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	magic := make([]byte, len(archiveMagic))
	if _, err := io.ReadFull(f, magic); err != nil || !bytes.Equal(magic, archiveMagic) {
		return errors.Wrapf(ErrCorrupt, "archive %q has no valid header", path)
	}
	return nil
}
