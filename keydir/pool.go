package keydir

import "sync/atomic"

// memPagePool is the fixed array of N resident pages backed by one flat
// buffer, with a lock-free free-list threaded through it at a stride of 16
// (spec.md §4.1) so that concurrently borrowed base pages land on
// cache-line-separated slots instead of adjacent ones.
type memPagePool struct {
	pages    []memPage
	freeHead atomic.Uint32
}

const freeListStride = 16

func newMemPagePool(n uint32) *memPagePool {
	buf := make([]byte, int(n)*PageSize)
	pool := &memPagePool{
		pages: make([]memPage, n),
	}
	for i := uint32(0); i < n; i++ {
		pool.pages[i] = memPage{page: newPage(buf[int(i)*PageSize : int(i+1)*PageSize]), altIdx: MaxPageIdx}
	}
	pool.initFreeList(n)
	return pool
}

// initFreeList threads next_free through the array in the strided order
// described in spec.md §4.1: step 16, wrapping to an increasing offset.
func (pool *memPagePool) initFreeList(n uint32) {
	pool.freeHead.Store(0)

	idx := uint32(0)
	offset := uint32(0)
	remaining := n
	for remaining > 1 {
		next := idx + freeListStride
		if next >= n {
			offset++
			next = offset
		}
		pool.pages[idx].nextFree.Store(next)
		idx = next
		remaining--
	}
	pool.pages[idx].nextFree.Store(MaxPageIdx)
}

func (pool *memPagePool) at(idx uint32) *memPage {
	return &pool.pages[idx]
}

func (pool *memPagePool) numPages() uint32 {
	return uint32(len(pool.pages))
}

// allocate pops a page off the free list, locks it and returns it. Returns
// nil if the pool is exhausted. Mirrors allocate_mem_page's CAS-then-verify
// loop: between the CAS winning and the mutex being acquired, another
// allocator might already have grabbed and re-freed the same page, so
// is_free is re-checked under the lock and the loop retries on mismatch.
// A popped page already marked in use (a base page that became a chain
// head while still threaded on the list) is skipped without locking it,
// since the caller may be holding that very page as its own chain head.
func (pool *memPagePool) allocate() (uint32, *memPage) {
	for {
		first := pool.freeHead.Load()
		if first == MaxPageIdx {
			return MaxPageIdx, nil
		}

		mp := &pool.pages[first]
		next := mp.nextFree.Load()

		if pool.freeHead.CompareAndSwap(first, next) {
			if !mp.isFree.Load() {
				continue
			}
			mp.mu.Lock()
			if mp.isFree.Load() {
				mp.isBorrowed = true
				mp.isFree.Store(false)
				return first, mp
			}
			mp.mu.Unlock()
		}
	}
}

// release pushes idx back onto the head of the free list. The caller must
// not hold the page's mutex.
func (pool *memPagePool) release(idx uint32) {
	mp := &pool.pages[idx]
	mp.isFree.Store(true)
	for {
		first := pool.freeHead.Load()
		mp.nextFree.Store(first)
		if pool.freeHead.CompareAndSwap(first, idx) {
			return
		}
	}
}
