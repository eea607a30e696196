package keydir

// PutRequest is the entry an Put call wants to install as the newest version
// of Key. Epoch is filled in by Put itself.
type PutRequest struct {
	Key       []byte
	FileID    uint32
	TotalSize uint32
	Offset    uint64
	Timestamp uint32
}

// CAS names a compare-and-set precondition for Put/Remove: the call only
// takes effect if the key's current version still has this exact
// (FileID, Offset). This replaces the original interface's "nonzero
// old_file_id arms CAS" convention with an explicit pointer, since zero is
// otherwise a perfectly valid file id to compare against.
type CAS struct {
	FileID uint32
	Offset uint64
}

// Get returns the version of key visible as of epoch (MaxEpoch for
// "latest"). A tombstone still counts as found; callers that want to treat
// deletions as absence should check Entry.IsTombstone.
func (kd *Keydir) Get(key []byte, epoch uint64) (Entry, bool, error) {
	it, err := kd.scanForKey(key, epoch)
	if err != nil {
		return Entry{}, false, err
	}
	defer it.release()

	if !it.found {
		return Entry{}, false, nil
	}
	return it.toEntry(), true, nil
}

// Put installs req as the newest version of req.Key, subject to cas if
// non-nil (spec.md §4.6). It restarts internally on lost allocation races;
// callers never observe writePrepRestart.
func (kd *Keydir) Put(req PutRequest, cas *CAS) error {
	for {
		epoch := kd.epoch.Add(1)
		it, err := kd.scanForKey(req.Key, epoch)
		if err != nil {
			return err
		}

		if it.found {
			if cas != nil && (it.getFileID() != cas.FileID || it.getOffset() != cas.Offset) {
				it.release()
				return ErrCASMismatch
			}

			if kd.minEpochWatermark() > epoch {
				it.setFileID(req.FileID)
				it.setTotalSize(req.TotalSize)
				it.setOffset(req.Offset)
				it.setTimestamp(req.Timestamp)
				it.setEpoch(epoch)
				it.release()
				return nil
			}

			// Capture the chain's current true end before writePrep grows
			// it in place: that's where the new version lands, and
			// appendAt == the byte offset the previous entry's next must
			// point to.
			appendAt := it.pages[0].mem.size

			switch kd.writePrep(it, 0) {
			case writePrepNoMem:
				it.release()
				return ErrOutOfMemory
			case writePrepRestart:
				it.release()
				continue
			}

			// it.offset still names the entry just found; point it at the
			// new version before moving the iterator.
			it.setNext(appendAt)
			it.offset = int(appendAt)
			it.setFileID(req.FileID)
			it.setTotalSize(req.TotalSize)
			it.setOffset(req.Offset)
			it.setTimestamp(req.Timestamp)
			it.setEpoch(epoch)
			it.setKeySize(0)
			it.release()
			return nil
		}

		if cas != nil {
			it.release()
			return ErrCASMismatch
		}

		switch kd.writePrep(it, uint32(len(req.Key))) {
		case writePrepNoMem:
			it.release()
			return ErrOutOfMemory
		case writePrepRestart:
			it.release()
			continue
		}

		it.setFileID(req.FileID)
		it.setTotalSize(req.TotalSize)
		it.setOffset(req.Offset)
		it.setTimestamp(req.Timestamp)
		it.setEpoch(epoch)
		it.setNext(0)
		it.setKeySize(uint32(len(req.Key)))
		it.setKey(req.Key)
		it.release()
		return nil
	}
}

// Remove tombstones key, subject to cas if non-nil (spec.md §4.7). Removing
// a key that doesn't exist is a silent no-op unless cas is set, in which
// case it's reported as a mismatch.
func (kd *Keydir) Remove(key []byte, cas *CAS) error {
	for {
		epoch := kd.epoch.Add(1)
		it, err := kd.scanForKey(key, epoch)
		if err != nil {
			return err
		}

		if it.found {
			if cas != nil && (it.getFileID() != cas.FileID || it.getOffset() != cas.Offset) {
				it.release()
				return ErrCASMismatch
			}

			if kd.minEpochWatermark() > epoch {
				it.setOffset(MaxOffset)
				it.setEpoch(epoch)
				it.release()
				return nil
			}

			appendAt := it.pages[0].mem.size

			switch kd.writePrep(it, 0) {
			case writePrepNoMem:
				it.release()
				return ErrOutOfMemory
			case writePrepRestart:
				it.release()
				continue
			}

			it.setNext(appendAt)
			it.offset = int(appendAt)
			it.setFileID(MaxFileID)
			it.setOffset(MaxOffset)
			it.setTotalSize(0)
			it.setTimestamp(0)
			it.setEpoch(epoch)
			it.setKeySize(0)
			it.release()
			return nil
		}

		if cas != nil {
			it.release()
			return ErrCASMismatch
		}

		it.release()
		return nil
	}
}
