// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package login

import (
	"hash/fnv"
	"sync"
)

const lockShards = 64

// keyLocks is a fixed set of mutexes sharded by canonical name. Two names
// may share a shard; one name always maps to the same shard.
type keyLocks struct {
	shards [lockShards]sync.Mutex
}

func (k *keyLocks) shard(name string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(name))
	return &k.shards[h.Sum32()%lockShards]
}

// lock acquires the mutex for name and returns its unlock function.
func (k *keyLocks) lock(name string) func() {
	mu := k.shard(name)
	mu.Lock()
	return mu.Unlock
}
