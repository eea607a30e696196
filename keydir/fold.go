package keydir

// Fold walks every live key visible as of the epoch captured when Fold was
// called, in base-page order, invoking f with the key bytes and the version
// visible at that epoch. It is the "snapshot holder" spec.md §9 describes
// but leaves to an external caller: it sets min_epoch down to the captured
// epoch before the walk so concurrent Put/Remove calls append new versions
// instead of overwriting in place, and restores it to MaxEpoch when the walk
// ends, regardless of how f chose to stop it.
//
// f returning false stops the walk early; Fold itself never returns an
// error except one surfaced while extending a chain (disk/mmap failure).
func (kd *Keydir) Fold(f func(key []byte, entry Entry) bool) error {
	epoch := kd.epoch.Load()
	kd.SetMinEpoch(epoch)
	defer kd.SetMinEpoch(MaxEpoch)

	for base := uint32(0); base < kd.numPages; base++ {
		more, err := kd.foldBasePage(base, epoch, f)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}

// foldBasePage walks the collision chain rooted at base page baseIdx,
// resolving each head entry it finds to the version visible at epoch.
func (kd *Keydir) foldBasePage(baseIdx uint32, epoch uint64, f func([]byte, Entry) bool) (bool, error) {
	base := kd.pages.at(baseIdx)
	base.mu.Lock()

	it := newScanIter(baseIdx, &base.page, base)
	defer it.release()

	dataSize := base.size
	it.offset = 0

	for it.offset < int(dataSize) {
		if err := it.lockPagesToScanEntry(kd); err != nil {
			return false, err
		}

		keySize := it.getKeySize()
		nextHead := it.offset + int(entrySizeForKey(keySize))

		if keySize != 0 {
			key := it.getKey(keySize)

			kd.scanToEpoch(it, epoch)
			if it.found {
				entry := it.toEntry()
				entry.KeySize = keySize
				if !f(key, entry) {
					return false, nil
				}
			}
			it.found = false
		}

		it.offset = nextHead
	}

	return true, nil
}
