package bitcask

import (
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"sync/atomic"
)

const (
	defaultShards       = 16
	defaultBitsPerShard = 1 << 14
	defaultHashFuncs    = 4
	growthFactor        = 2
	growthThreshold     = 0.75
)

// shardedBloomFilter is a sharded bloom filter guarding Get/Delete against
// touching the keydir for keys that were never written, adapted from
// util/bloom_filter.go. Each shard carries its own lock so adds/lookups
// against unrelated keys don't contend.
//
// Growth is layered rather than in-place: the teacher's own grow() doubles
// shard width by reallocating every shard's bit array from scratch, which
// silently forgets every bit a key set before the grow. A bloom filter may
// false-positive but must never false-negative on a key it actually added;
// the teacher's grow breaks that guarantee the moment AutoScale fires,
// which Get here depends on to skip the keydir entirely on a negative
// result. Growth instead appends a new, wider generation and leaves every
// earlier generation's bits untouched; Contains checks every generation a
// key could have been added under and only reports absence if none of them
// show it present.
type shardedBloomFilter struct {
	mu          sync.RWMutex
	generations []*bloomGeneration
	k           uint32
	n           atomic.Uint64
	autoScale   bool
	growMu      sync.Mutex
}

type bloomGeneration struct {
	shards    []bloomShard
	shardMask uint32
	shardBits uint32
	m         uint64
}

type bloomShard struct {
	bits []uint64
	sync.RWMutex
}

type bloomConfig struct {
	ExpectedElements  uint64
	FalsePositiveRate float64
	AutoScale         bool
}

func newShardedBloomFilter(cfg bloomConfig) (*shardedBloomFilter, error) {
	if cfg.ExpectedElements == 0 {
		return nil, fmt.Errorf("bloom: expected elements must be > 0")
	}
	if cfg.FalsePositiveRate <= 0 || cfg.FalsePositiveRate >= 1 {
		return nil, fmt.Errorf("bloom: false positive rate must be in (0,1)")
	}

	k := optimalK(cfg.ExpectedElements, optimalM(cfg.ExpectedElements, cfg.FalsePositiveRate))

	gen := newBloomGeneration(cfg.ExpectedElements, cfg.FalsePositiveRate)

	return &shardedBloomFilter{
		generations: []*bloomGeneration{gen},
		k:           k,
		autoScale:   cfg.AutoScale,
	}, nil
}

func newBloomGeneration(expectedElements uint64, falsePositiveRate float64) *bloomGeneration {
	m := optimalM(expectedElements, falsePositiveRate)

	numShards := uint32(defaultShards)
	bitsPerShard := uint32(defaultBitsPerShard)
	if m > uint64(numShards)*uint64(bitsPerShard) {
		bitsPerShard = uint32(nextPowerOf2(m / uint64(numShards)))
	}

	shards := make([]bloomShard, numShards)
	for i := range shards {
		shards[i].bits = make([]uint64, bitsPerShard/64)
	}

	return &bloomGeneration{
		shards:    shards,
		shardMask: numShards - 1,
		shardBits: bitsPerShard,
		m:         uint64(numShards) * uint64(bitsPerShard),
	}
}

func optimalM(n uint64, p float64) uint64 {
	return uint64(math.Ceil(-float64(n) * math.Log(p) / math.Pow(math.Log(2), 2)))
}

func optimalK(n, m uint64) uint32 {
	k := uint32(math.Round(float64(m/n) * math.Log(2)))
	if k < defaultHashFuncs {
		k = defaultHashFuncs
	}
	return k
}

func nextPowerOf2(x uint64) uint64 {
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	x++
	return x
}

// hashValues derives k independent-enough probe values from two distinct
// FNV variants. The teacher's own hashValues called Sum64() twice on the
// same unmutated hash.Hash64 and got back the same value both times
// (Sum64 doesn't consume state), collapsing every probe in a key's set to
// integer multiples of one hash instead of k independent positions; that
// halves the effective number of hash functions and raises the real false
// positive rate above what Add/Contains' shard/bit math assumes. Using
// FNV-1 and FNV-1a (two different algorithms, not two calls to the same
// one) gives two genuinely different seeds to combine.
func (bf *shardedBloomFilter) hashValues(data []byte) (uint64, uint64) {
	h1 := fnv.New64()
	h1.Write(data)
	h2 := fnv.New64a()
	h2.Write(data)
	return h1.Sum64(), h2.Sum64()
}

func (gen *bloomGeneration) setAll(k uint32, a, b uint64) {
	for i := uint32(0); i < k; i++ {
		h := a + uint64(i)*b
		shardIdx := uint32(h) & gen.shardMask
		bitIdx := (h >> k) % uint64(gen.shardBits)

		s := &gen.shards[shardIdx]
		s.Lock()
		s.bits[bitIdx/64] |= 1 << (bitIdx % 64)
		s.Unlock()
	}
}

func (gen *bloomGeneration) testAll(k uint32, a, b uint64) bool {
	for i := uint32(0); i < k; i++ {
		h := a + uint64(i)*b
		shardIdx := uint32(h) & gen.shardMask
		bitIdx := (h >> k) % uint64(gen.shardBits)

		s := &gen.shards[shardIdx]
		s.RLock()
		set := s.bits[bitIdx/64]&(1<<(bitIdx%64)) != 0
		s.RUnlock()
		if !set {
			return false
		}
	}
	return true
}

func (bf *shardedBloomFilter) latestGeneration() *bloomGeneration {
	bf.mu.RLock()
	defer bf.mu.RUnlock()
	return bf.generations[len(bf.generations)-1]
}

func (bf *shardedBloomFilter) Add(data []byte) {
	if len(data) == 0 {
		return
	}

	gen := bf.latestGeneration()
	if bf.autoScale && float64(bf.n.Load())/float64(gen.m) > growthThreshold {
		bf.grow()
		gen = bf.latestGeneration()
	}

	a, b := bf.hashValues(data)
	gen.setAll(bf.k, a, b)
	bf.n.Add(1)
}

// Contains reports whether data may have been added. Every generation a key
// could have been added under keeps its own bits forever, so a key added
// before a grow is still found via the generation it was actually set in.
func (bf *shardedBloomFilter) Contains(data []byte) bool {
	if len(data) == 0 {
		return false
	}

	a, b := bf.hashValues(data)

	bf.mu.RLock()
	gens := bf.generations
	bf.mu.RUnlock()

	for i := len(gens) - 1; i >= 0; i-- {
		if gens[i].testAll(bf.k, a, b) {
			return true
		}
	}
	return false
}

// grow appends a new, wider generation rather than resizing any existing
// one, so nothing already set is ever lost.
func (bf *shardedBloomFilter) grow() {
	bf.growMu.Lock()
	defer bf.growMu.Unlock()

	latest := bf.latestGeneration()
	if float64(bf.n.Load())/float64(latest.m) <= growthThreshold {
		return // another goroutine already grew it
	}

	numShards := uint32(len(latest.shards))
	newBitsPerShard := latest.shardBits * growthFactor

	shards := make([]bloomShard, numShards)
	for i := range shards {
		shards[i].bits = make([]uint64, newBitsPerShard/64)
	}
	next := &bloomGeneration{
		shards:    shards,
		shardMask: numShards - 1,
		shardBits: newBitsPerShard,
		m:         uint64(numShards) * uint64(newBitsPerShard),
	}

	bf.mu.Lock()
	bf.generations = append(bf.generations, next)
	bf.mu.Unlock()
}
