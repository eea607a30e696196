// Package keydir implements the in-memory key directory of a Bitcask-family
// log-structured store: a page-based hash table with chained overflow pages,
// an mmap-backed swap file for pages that don't fit in the resident pool, and
// epoch-versioned entries so a fold can observe a consistent snapshot while
// writers keep mutating the index.
//
// Every read, write and delete issued by the surrounding storage engine goes
// through Get, Put and Remove; nothing below that API is exported.
package keydir

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

// PageSize is the fixed size of every resident and swap page.
const PageSize = 4096

// Sentinels named directly after the ones in the original design.
const (
	MaxPageIdx uint32 = ^uint32(0)
	MaxEpoch   uint64 = ^uint64(0)
	MaxOffset  uint64 = ^uint64(0)
	MaxFileID  uint32 = ^uint32(0)
)

const swapFileName = "bitcask.swap"

// Options configure a Keydir at Open time.
type Options struct {
	// BaseDir holds the swap file. Created if missing.
	BaseDir string
	// NumPages is the size of the resident memory-page array. Must be > 0.
	NumPages uint32
	// InitialSwapPages is the starting size of the mmap-backed swap file, in pages.
	InitialSwapPages uint32
	// HideSwapFile unlinks the swap file right after creating it; the pages
	// stay reachable through the open descriptor but the path disappears
	// from the directory listing.
	HideSwapFile bool
}

// Keydir is a process-resident, concurrency-safe key directory.
type Keydir struct {
	basedir string

	numPages uint32
	pages    *memPagePool

	swap *swapManager

	epoch    atomic.Uint64
	minEpoch atomic.Uint64

	refcount atomic.Int64

	statsMu sync.Mutex
	stats   *fileStats

	closeOnce sync.Once
}

// Open creates a new Keydir backed by opts.BaseDir/bitcask.swap.
func Open(opts Options) (*Keydir, error) {
	if opts.NumPages == 0 {
		return nil, fmt.Errorf("keydir: NumPages must be > 0")
	}
	if opts.InitialSwapPages == 0 {
		opts.InitialSwapPages = 1
	}
	if err := os.MkdirAll(opts.BaseDir, 0o755); err != nil {
		return nil, fmt.Errorf("keydir: create basedir: %w", err)
	}

	swapPath := filepath.Join(opts.BaseDir, swapFileName)
	swap, err := newSwapManager(swapPath, opts.InitialSwapPages, opts.HideSwapFile)
	if err != nil {
		return nil, fmt.Errorf("keydir: init swap file: %w", err)
	}

	kd := &Keydir{
		basedir:  opts.BaseDir,
		numPages: opts.NumPages,
		pages:    newMemPagePool(opts.NumPages),
		swap:     swap,
		stats:    newFileStats(),
	}
	kd.refcount.Store(1)
	kd.minEpoch.Store(MaxEpoch)
	return kd, nil
}

// Retain increments the keydir's reference count. Pairs with Release.
func (kd *Keydir) Retain() {
	kd.refcount.Add(1)
}

// Release decrements the reference count and tears the keydir down (closes
// and truncates the swap file, drops heap buffers) when it reaches zero.
func (kd *Keydir) Release() error {
	if kd.refcount.Add(-1) > 0 {
		return nil
	}
	var err error
	kd.closeOnce.Do(func() {
		err = kd.swap.close()
	})
	return err
}

// Epoch returns the current epoch counter without incrementing it.
func (kd *Keydir) Epoch() uint64 {
	return kd.epoch.Load()
}

// SetMinEpoch raises or lowers the min_epoch watermark. A fold/snapshot
// holder calls this before and after iterating so writers below the
// watermark know no outstanding snapshot can observe the value they are
// about to overwrite in place. Conventionally a snapshot sets min_epoch to
// the epoch it captured before starting, and restores it to MaxEpoch (or the
// next-oldest outstanding snapshot's epoch) when it finishes.
func (kd *Keydir) SetMinEpoch(e uint64) {
	kd.minEpoch.Store(e)
}

func (kd *Keydir) minEpochWatermark() uint64 {
	return kd.minEpoch.Load()
}

// basePageIndex hashes key to a base page in [0, numPages).
func (kd *Keydir) basePageIndex(key []byte) uint32 {
	return murmur32(key, 42) % kd.numPages
}

// getPage resolves a unified page index (memory or swap) to its page header.
func (kd *Keydir) getPage(idx uint32) *page {
	if idx < kd.numPages {
		return &kd.pages.at(idx).page
	}
	return kd.swap.pageAt(idx - kd.numPages)
}

// isMemIdx reports whether idx names a resident memory page.
func (kd *Keydir) isMemIdx(idx uint32) bool {
	return idx < kd.numPages
}
