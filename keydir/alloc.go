package keydir

// pageHandle names one locked page, resolved to either a memory page (in
// which case mem is non-nil and pg is &mem.page) or a swap page (mem is
// nil). idx is its unified page index.
type pageHandle struct {
	pg  *page
	mem *memPage
	idx uint32
}

// allocatePage prefers a resident memory page, falling back to swap. The
// returned page is always locked (spec.md §4.3).
func (kd *Keydir) allocatePage() (pageHandle, error) {
	if idx, mp := kd.pages.allocate(); mp != nil {
		return pageHandle{pg: &mp.page, mem: mp, idx: idx}, nil
	}

	pg, swapIdx, err := kd.swap.allocate()
	if err != nil {
		return pageHandle{}, err
	}
	return pageHandle{pg: pg, mem: nil, idx: kd.numPages + swapIdx}, nil
}

// writePrepCode mirrors WritePrepCode from the original source: a restart
// means a concurrent chain mutation raced write_prep and the whole Put/
// Remove loop must retry with a fresh epoch.
type writePrepCode int

const (
	writePrepOK writePrepCode = iota
	writePrepRestart
	writePrepNoMem
)

// reclaimBorrowedPage evicts a borrower so the base page it occupies can
// become the newcomer's chain head. This is the trylock dance of spec.md
// §4.3: chain-order lock acquisition (prev -> base -> next) is the rule,
// but we're already holding base out of order, so we try a non-blocking
// lock on prev first and only drop-and-reacquire-in-order if that fails.
func (kd *Keydir) reclaimBorrowedPage(base *memPage, baseIdx uint32) writePrepCode {
	prevIdx := base.prev
	prevPage := kd.getPage(prevIdx)

	if !prevPage.mu.TryLock() {
		base.mu.Unlock()
		prevPage.mu.Lock()
		base.mu.Lock()

		if prevPage.next != baseIdx {
			// Chain changed while we didn't hold base; restart from scratch.
			// base stays locked: the caller releases it with the iterator.
			prevPage.mu.Unlock()
			return writePrepRestart
		}
	}

	replacement, err := kd.allocatePage()
	if err != nil {
		prevPage.mu.Unlock()
		return writePrepNoMem
	}

	var nextPage *page
	if base.next != MaxPageIdx {
		nextPage = kd.getPage(base.next)
		nextPage.mu.Lock()
		nextPage.prev = replacement.idx
	}

	copy(replacement.pg.data, base.data)
	replacement.pg.prev = base.prev
	replacement.pg.next = base.next
	prevPage.next = replacement.idx

	// base is now vacated and about to become the newcomer's own chain
	// head; its prev/next still describe its old position in the evicted
	// tenant's chain and must not leak into the newcomer's chain.
	base.prev = MaxPageIdx
	base.next = MaxPageIdx

	if nextPage != nil {
		nextPage.mu.Unlock()
	}
	replacement.pg.mu.Unlock()
	prevPage.mu.Unlock()

	return writePrepOK
}

// writePrep grows the chain the iterator is parked on to make room for one
// more record of entrySizeForKey(keySize) bytes appended at the chain's
// current true end (base.size), reclaiming a borrowed base page first if
// needed (spec.md §4.6). The new record's start offset is base.size as it
// stood before this call returns; callers that need that offset (to patch
// a previous entry's next, or to place a fresh head) must read base.size
// themselves before calling writePrep, since writePrep advances it in
// place.
func (kd *Keydir) writePrep(it *scanIter, keySize uint32) writePrepCode {
	base := it.pages[0].mem

	// Sized off the chain's true end, not off it.offset: it.offset is
	// merely where scanPages happened to park (the currently-found
	// entry when appending a new version, which generally is not flush
	// against the chain's end once more than one version exists).
	added := base.size + entrySizeForKey(keySize)

	if added < base.size {
		return writePrepNoMem // 4 GiB wrap.
	}

	if it.pages[0].pg == &base.page && base.isFree.Load() {
		base.isFree.Store(false)
	}

	if base.size == 0 && base.isBorrowed {
		if code := kd.reclaimBorrowedPage(base, it.pages[0].idx); code != writePrepOK {
			return code
		}
	}

	wantedSize := added
	wantedPages := int((wantedSize + PageSize - 1) / PageSize)

	if wantedPages > len(it.pages) {
		if err := kd.extendChain(it, wantedPages-len(it.pages)); err != nil {
			return writePrepNoMem
		}
	}

	base.size = wantedSize
	return writePrepOK
}
