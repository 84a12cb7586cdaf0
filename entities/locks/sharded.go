//  _           _
// | |_ ___  __| |
// |  _/ -_)/ _` |
//  \__\___|\__,_|
//
//  Copyright © 2026 The ted-context Authors. All rights reserved.
//

// Package locks provides striped mutexes for serializing work on individual
// ids without a lock per id.
package locks

import (
	"sort"
	"sync"
)

const DefaultShardedLocksCount = 512

type ShardedLocks struct {
	shards []sync.Mutex
	count  uint64
}

func NewShardedLocks(count int) *ShardedLocks {
	if count <= 0 {
		count = DefaultShardedLocksCount
	}
	return &ShardedLocks{
		shards: make([]sync.Mutex, count),
		count:  uint64(count),
	}
}

func NewDefaultShardedLocks() *ShardedLocks {
	return NewShardedLocks(DefaultShardedLocksCount)
}

func (sl *ShardedLocks) Lock(id uint64) {
	sl.shards[id%sl.count].Lock()
}

func (sl *ShardedLocks) Unlock(id uint64) {
	sl.shards[id%sl.count].Unlock()
}

func (sl *ShardedLocks) Locked(id uint64, fn func()) {
	sl.Lock(id)
	defer sl.Unlock(id)
	fn()
}

// LockMany locks the shards of all ids in ascending shard order, each shard
// once, and returns the matching unlock. Callers holding a single id lock
// never take a second one, so the fixed order rules out deadlocks.
func (sl *ShardedLocks) LockMany(ids []uint64) (unlock func()) {
	seen := make(map[uint64]struct{}, len(ids))
	shards := make([]uint64, 0, len(ids))
	for _, id := range ids {
		s := id % sl.count
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		shards = append(shards, s)
	}
	sort.Slice(shards, func(i, j int) bool { return shards[i] < shards[j] })

	for _, s := range shards {
		sl.shards[s].Lock()
	}
	return func() {
		for i := len(shards) - 1; i >= 0; i-- {
			sl.shards[shards[i]].Unlock()
		}
	}
}
