package rhi

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"log/slog"
	"math"
	"strconv"

	"github.com/dolthub/swiss"
	"github.com/lunaengine/rhi/internal/utils"
	"golang.org/x/sync/singleflight"
)

type releaser interface {
	Release()
}

// objectCache deduplicates objects by the hash of their description. The cache owns one
// reference to every entry; callers retain the returned object. Concurrent requests for a
// hash that is not cached yet wait on a single creation.
type objectCache[V releaser] struct {
	logger  *slog.Logger
	name    string
	mutex   utils.OptionalMutex
	entries *swiss.Map[uint64, V]
	flights singleflight.Group
}

func newObjectCache[V releaser](logger *slog.Logger, name string, useMutex bool) *objectCache[V] {
	return &objectCache[V]{
		logger:  logger,
		name:    name,
		mutex:   utils.NewOptionalMutex(useMutex),
		entries: swiss.NewMap[uint64, V](64),
	}
}

func (c *objectCache[V]) lookup(hash uint64) (V, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.entries.Get(hash)
}

// getOrCreate returns the cached object for hash, calling create at most once per hash
// among concurrent callers
func (c *objectCache[V]) getOrCreate(hash uint64, create func() (V, error)) (V, error) {
	if value, ok := c.lookup(hash); ok {
		return value, nil
	}

	result, err, _ := c.flights.Do(strconv.FormatUint(hash, 16), func() (any, error) {
		// an earlier flight may have finished between the lookup and Do
		if value, ok := c.lookup(hash); ok {
			return value, nil
		}

		value, err := create()
		if err != nil {
			return nil, err
		}

		c.mutex.Lock()
		c.entries.Put(hash, value)
		c.mutex.Unlock()

		c.logger.Debug("ObjectCache::Insert",
			slog.String("cache", c.name),
			slog.String("hash", strconv.FormatUint(hash, 16)))
		return value, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return result.(V), nil
}

func (c *objectCache[V]) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.entries.Count()
}

// purge drops the cache's reference to every entry
func (c *objectCache[V]) purge() {
	c.mutex.Lock()
	var values []V
	c.entries.Iter(func(_ uint64, value V) bool {
		values = append(values, value)
		return false
	})
	c.entries.Clear()
	c.mutex.Unlock()

	for _, value := range values {
		value.Release()
	}
}

// hasher builds FNV-1a description hashes
type hasher struct {
	h   hash.Hash64
	buf [8]byte
}

func newHasher() *hasher {
	return &hasher{h: fnv.New64a()}
}

func (h *hasher) u64(v uint64) *hasher {
	binary.LittleEndian.PutUint64(h.buf[:], v)
	_, _ = h.h.Write(h.buf[:])
	return h
}

func (h *hasher) u32(v uint32) *hasher {
	binary.LittleEndian.PutUint32(h.buf[:4], v)
	_, _ = h.h.Write(h.buf[:4])
	return h
}

func (h *hasher) boolean(v bool) *hasher {
	if v {
		return h.u32(1)
	}
	return h.u32(0)
}

func (h *hasher) f32(v float32) *hasher {
	return h.u32(math.Float32bits(v))
}

// bytes hashes the length followed by the contents so adjacent fields cannot alias
func (h *hasher) bytes(v []byte) *hasher {
	h.u64(uint64(len(v)))
	_, _ = h.h.Write(v)
	return h
}

func (h *hasher) str(v string) *hasher {
	return h.bytes([]byte(v))
}

func (h *hasher) sum() uint64 {
	return h.h.Sum64()
}
