//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

package cold

import (
	"encoding/binary"
	"time"

	"github.com/pkg/errors"
	"github.com/tedcli/ted-context/entities/entry"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

var (
	entriesBucket  = []byte("entries")
	archivesBucket = []byte("archives")
)

// Meta is the index record claiming an entry for an archive. It carries
// enough of the entry to rebuild session state without reading archives.
type Meta struct {
	ID         uint64         `msgpack:"-"`
	Archive    ArchiveHandle  `msgpack:"a"`
	Offset     int64          `msgpack:"o"`
	Length     uint32         `msgpack:"l"`
	SessionID  string         `msgpack:"s"`
	Role       entry.Role     `msgpack:"r"`
	Priority   entry.Priority `msgpack:"p"`
	TokenCount int            `msgpack:"t"`
	CreatedAt  time.Time      `msgpack:"c"`
}

type archiveInfo struct {
	Live    int       `msgpack:"live"`
	Created time.Time `msgpack:"created"`
}

func idKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

func archiveKey(h ArchiveHandle) []byte {
	return idKey(uint64(h))
}

func initBuckets(db *bolt.DB) error {
	return db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{entriesBucket, archivesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return errors.Wrapf(err, "create bucket %s", name)
			}
		}
		return nil
	})
}

func getMeta(b *bolt.Bucket, id uint64) (*Meta, error) {
	v := b.Get(idKey(id))
	if v == nil {
		return nil, nil
	}
	var m Meta
	if err := msgpack.Unmarshal(v, &m); err != nil {
		return nil, errors.Wrapf(err, "decode index record %d", id)
	}
	m.ID = id
	return &m, nil
}

func getArchive(b *bolt.Bucket, h ArchiveHandle) (*archiveInfo, error) {
	v := b.Get(archiveKey(h))
	if v == nil {
		return nil, nil
	}
	var info archiveInfo
	if err := msgpack.Unmarshal(v, &info); err != nil {
		return nil, errors.Wrapf(err, "decode archive record %s", h)
	}
	return &info, nil
}

func putArchive(b *bolt.Bucket, h ArchiveHandle, info *archiveInfo) error {
	v, err := msgpack.Marshal(info)
	if err != nil {
		return errors.Wrapf(err, "encode archive record %s", h)
	}
	return b.Put(archiveKey(h), v)
}

// release drops one live claim from archive h. It reports true once the
// archive holds nothing and its record has been removed.
func release(b *bolt.Bucket, h ArchiveHandle) (bool, error) {
	info, err := getArchive(b, h)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}

	info.Live--
	if info.Live > 0 {
		return false, putArchive(b, h, info)
	}
	return true, b.Delete(archiveKey(h))
}
