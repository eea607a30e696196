package keydir

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// swapSegment is one doubling generation of the swap file: a contiguous run
// of mmap'd pages. Segments are only ever appended (by the single expander,
// serialized by swapManager.growMu) and never mutated afterward, so readers
// can walk the list without locking as long as they observe next through an
// atomic pointer.
type swapSegment struct {
	pages []page
	size  uint32
	next  atomic.Pointer[swapSegment]
}

// swapManager owns the mmap-backed <basedir>/bitcask.swap file: a linked
// list of swap-array segments, a lock-free free-list across all of them,
// and the doubling-expansion protocol of spec.md §4.2.
type swapManager struct {
	file *os.File

	growMu   sync.Mutex
	head     atomic.Pointer[swapSegment]
	numPages atomic.Uint32
	freeHead atomic.Uint32

	mmapped [][]byte // every mmap'd region, tracked so Close can unmap them
	mmapMu  sync.Mutex
}

func newSwapManager(path string, initialPages uint32, hide bool) (*swapManager, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	if err := f.Truncate(int64(initialPages) * PageSize); err != nil {
		f.Close()
		return nil, err
	}

	if hide {
		// The path disappears from the directory; the open descriptor (and
		// any mmaps taken against it) keep the pages reachable. Resolves
		// the commented-out unlink in the original source (spec.md §9).
		if err := os.Remove(path); err != nil {
			f.Close()
			return nil, err
		}
	}

	sm := &swapManager{file: f}

	seg, mapped, err := mmapSegment(f, 0, initialPages)
	if len(mapped) > 0 {
		sm.mmapMu.Lock()
		sm.mmapped = append(sm.mmapped, mapped...)
		sm.mmapMu.Unlock()
	}
	if err != nil && seg == nil {
		f.Close()
		return nil, fmt.Errorf("mmap initial swap pages: %w", err)
	}

	threadFreeList(seg.pages, 0)
	sm.head.Store(seg)
	sm.numPages.Store(seg.size)
	sm.freeHead.Store(0)

	return sm, nil
}

// mmapSegment maps seg.size pages starting at page index baseIdx (used for
// next_free linkage) at file byte offset baseIdx*PageSize. On partial
// failure it returns a segment sized to whatever succeeded (spec.md §4.2);
// the caller treats a zero-page result as a hard failure.
func mmapSegment(f *os.File, baseIdx uint32, size uint32) (*swapSegment, [][]byte, error) {
	seg := &swapSegment{pages: make([]page, 0, size)}
	mapped := make([][]byte, 0, size)

	var firstErr error
	for i := uint32(0); i < size; i++ {
		offset := int64(baseIdx+i) * PageSize
		data, err := unix.Mmap(int(f.Fd()), offset, PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			firstErr = err
			break
		}
		mapped = append(mapped, data)
		seg.pages = append(seg.pages, newPage(data))
	}

	seg.size = uint32(len(seg.pages))
	if seg.size == 0 {
		return nil, mapped, firstErr
	}
	return seg, mapped, nil
}

// threadFreeList links pages[i].nextFree = baseIdx+i+1 (last one to
// MaxPageIdx; the caller splices that onto the existing head if this
// segment is being appended rather than created fresh).
func threadFreeList(pages []page, baseIdx uint32) {
	for i := range pages {
		if i == len(pages)-1 {
			pages[i].nextFree.Store(MaxPageIdx)
		} else {
			pages[i].nextFree.Store(baseIdx + uint32(i) + 1)
		}
	}
}

// pageAt resolves a swap-local index (already offset by numPages) to its
// page header, walking the segment list and summing sizes as it goes.
func (sm *swapManager) pageAt(idx uint32) *page {
	seg := sm.head.Load()
	for {
		if idx < seg.size {
			return &seg.pages[idx]
		}
		idx -= seg.size
		seg = seg.next.Load()
	}
}

func (sm *swapManager) lastSegment() *swapSegment {
	seg := sm.head.Load()
	for {
		next := seg.next.Load()
		if next == nil {
			return seg
		}
		seg = next
	}
}

// allocate pops a swap page off the free list, expanding the file (doubling
// it) when the list runs dry, exactly as spec.md §4.2 describes.
func (sm *swapManager) allocate() (*page, uint32, error) {
	for {
		// Reading numPages before the free-list head (both atomic loads)
		// is the barrier spec.md §4.2/§5 calls for: it guarantees the
		// expansion check below sees a numPages at least as new as the
		// free-list state this iteration is about to act on.
		numPages := sm.numPages.Load()
		head := sm.freeHead.Load()

		if head == MaxPageIdx {
			if err := sm.expand(numPages); err != nil {
				return nil, 0, err
			}
			continue
		}

		headPage := sm.pageAt(head)
		next := headPage.nextFree.Load()
		if sm.freeHead.CompareAndSwap(head, next) {
			headPage.mu.Lock()
			return headPage, head, nil
		}
	}
}

// expand doubles the swap file's page count. growMu serializes
// expanders; the re-check against oldNumPages ensures only the expander
// that actually observed the empty list does the work (spec.md §4.2).
func (sm *swapManager) expand(oldNumPages uint32) error {
	sm.growMu.Lock()
	defer sm.growMu.Unlock()

	if sm.numPages.Load() != oldNumPages {
		return nil // someone else already grew it
	}

	newNumPages := oldNumPages * 2
	if newNumPages == 0 {
		newNumPages = 1
	}
	growBy := newNumPages - oldNumPages

	if err := sm.file.Truncate(int64(newNumPages) * PageSize); err != nil {
		return fmt.Errorf("keydir: grow swap file: %w", err)
	}

	seg, mapped, err := mmapSegment(sm.file, oldNumPages, growBy)
	if len(mapped) > 0 {
		sm.mmapMu.Lock()
		sm.mmapped = append(sm.mmapped, mapped...)
		sm.mmapMu.Unlock()
	}
	if seg == nil {
		if err != nil {
			return fmt.Errorf("keydir: mmap swap growth: %w", err)
		}
		return fmt.Errorf("keydir: mmap swap growth: no pages mapped")
	}

	threadFreeList(seg.pages, oldNumPages)
	sm.lastSegment().next.Store(seg)
	sm.numPages.Add(seg.size)

	// Publish the new pages at the head of the free list.
	newHeadIdx := oldNumPages
	for {
		oldHead := sm.freeHead.Load()
		seg.pages[seg.size-1].nextFree.Store(oldHead)
		if sm.freeHead.CompareAndSwap(oldHead, newHeadIdx) {
			return nil
		}
	}
}

func (sm *swapManager) close() error {
	sm.mmapMu.Lock()
	for _, m := range sm.mmapped {
		_ = unix.Munmap(m)
	}
	sm.mmapped = nil
	sm.mmapMu.Unlock()

	_ = sm.file.Truncate(0)
	return sm.file.Close()
}
