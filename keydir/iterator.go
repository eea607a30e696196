package keydir

import "bytes"

// pageRef is one page on the chain the current scan has locked so far.
// mem is non-nil when pg names a resident memory page.
type pageRef struct {
	pg  *page
	mem *memPage
	idx uint32
}

// scanIter walks a page chain that may straddle page boundaries, lazily
// locking pages as it goes (spec.md §4.4). All pages it has locked are
// released together by release().
type scanIter struct {
	pages []pageRef
	// offset is the byte offset into the virtual concatenation of the
	// locked pages; all field accessors resolve it to pages[offset/PageSize].
	offset int
	found  bool

	scratch4 [4]byte
	scratch8 [8]byte
}

func newScanIter(baseIdx uint32, firstPage *page, firstMem *memPage) *scanIter {
	it := &scanIter{pages: make([]pageRef, 0, 8)}
	it.pages = append(it.pages, pageRef{pg: firstPage, mem: firstMem, idx: baseIdx})
	return it
}

func (it *scanIter) release() {
	for i := range it.pages {
		it.pages[i].pg.mu.Unlock()
	}
}

// keysEqual reports whether the entry the iterator currently points to
// carries exactly key. Unlike a literal port of scan_keys_equal, this also
// compares key_size before comparing bytes — two different-length keys in
// the same chain could otherwise be judged equal if one is a byte-prefix of
// the other, since the original only ever compares len(key) bytes.
func (it *scanIter) keysEqual(key []byte) bool {
	if it.getKeySize() != uint32(len(key)) {
		return false
	}

	offset := it.offset + entryKeyOffset
	pageIdx := offset / PageSize
	pageOfs := offset % PageSize
	remaining := key
	for len(remaining) > 0 {
		avail := PageSize - pageOfs
		chunk := avail
		if chunk > len(remaining) {
			chunk = len(remaining)
		}
		if !bytes.Equal(it.pages[pageIdx].pg.data[pageOfs:pageOfs+chunk], remaining[:chunk]) {
			return false
		}
		remaining = remaining[chunk:]
		pageIdx++
		pageOfs = 0
	}
	return true
}

// extendChain grows the iterator's locked-page vector by n pages, first by
// walking pages that already belong to the chain (locking them), then, once
// the existing chain is exhausted, by allocating and linking fresh ones
// (spec.md §4.4 / original extend_iter_chain).
func (kd *Keydir) extendChain(it *scanIter, n int) error {
	for n > 0 {
		last := &it.pages[len(it.pages)-1]
		next := last.pg.next
		if next == MaxPageIdx {
			break
		}

		var mem *memPage
		var pg *page
		if kd.isMemIdx(next) {
			mem = kd.pages.at(next)
			pg = &mem.page
		} else {
			pg = kd.swap.pageAt(next - kd.numPages)
		}

		pg.mu.Lock()
		it.pages = append(it.pages, pageRef{pg: pg, mem: mem, idx: next})
		n--
	}

	for n > 0 {
		np, err := kd.allocatePage()
		if err != nil {
			return err
		}
		prev := &it.pages[len(it.pages)-1]
		it.pages = append(it.pages, pageRef{pg: np.pg, mem: np.mem, idx: np.idx})
		prev.pg.next = np.idx
		np.pg.prev = prev.idx
		np.pg.next = MaxPageIdx
		n--
	}

	return nil
}

// lockPagesToScanEntry ensures the iterator holds every page needed to read
// the entry at the current offset: first enough to read the fixed header
// (and thus key_size), then enough to cover the key itself.
func (it *scanIter) lockPagesToScanEntry(kd *Keydir) error {
	needed := (it.offset+entryKeyOffset)/PageSize + 1
	if needed > len(it.pages) {
		if err := kd.extendChain(it, needed-len(it.pages)); err != nil {
			return err
		}
	}

	keySize := int(it.getKeySize())
	needed = (it.offset+entryKeyOffset+keySize)/PageSize + 1
	if needed > len(it.pages) {
		if err := kd.extendChain(it, needed-len(it.pages)); err != nil {
			return err
		}
	}
	return nil
}

// scanForKey locks the base page for key, follows any alt-page pointer to
// the current chain head, and scans forward for the version closest to,
// but not newer than, epoch (spec.md §4.5).
func (kd *Keydir) scanForKey(key []byte, epoch uint64) (*scanIter, error) {
	baseIdx := kd.basePageIndex(key)
	base := kd.pages.at(baseIdx)
	base.mu.Lock()

	var firstPage *page
	if base.altIdx == MaxPageIdx {
		firstPage = &base.page
	} else {
		// Spilled to a swap page. The core never sets altIdx (see page.go),
		// so this path mirrors the original structure without ever firing.
		firstPage = kd.getPage(kd.numPages + base.altIdx)
		firstPage.mu.Lock()
		base.mu.Unlock()
	}

	it := newScanIter(baseIdx, firstPage, base)
	if err := kd.scanPages(it, key, epoch); err != nil {
		it.release()
		return nil, err
	}
	return it, nil
}

func (kd *Keydir) scanPages(it *scanIter, key []byte, epoch uint64) error {
	dataSize := it.pages[0].mem.size
	if dataSize == 0 {
		return nil
	}

	for {
		if err := it.lockPagesToScanEntry(kd); err != nil {
			return err
		}

		if it.keysEqual(key) {
			if it.getEpoch() > epoch {
				return nil // written after the requested snapshot
			}
			kd.scanToEpoch(it, epoch)
			return nil
		}

		entrySize := entrySizeForKey(it.getKeySize())
		it.offset += int(entrySize)
		if it.offset >= int(dataSize) {
			return nil
		}
	}
}

// scanToEpoch, given the iterator parked on a key's newest version, follows
// the version chain to the newest version whose epoch is <= the requested
// one, setting found accordingly (spec.md §4.5/§4.6).
func (kd *Keydir) scanToEpoch(it *scanIter, epoch uint64) {
	entryEpoch := it.getEpoch()
	if entryEpoch >= epoch {
		it.found = entryEpoch == epoch
		return
	}

	it.found = true
	lastOffset := it.offset
	next := it.getNext()

	for next != 0 {
		it.offset = int(next)
		// Versions already exist on allocated pages; this cannot fail.
		_ = it.lockPagesToScanEntry(kd)
		entryEpoch = it.getEpoch()

		if entryEpoch == epoch {
			return
		}
		if entryEpoch > epoch {
			it.offset = lastOffset
			return
		}

		lastOffset = it.offset
		next = it.getNext()
	}
}
