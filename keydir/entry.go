package keydir

import "encoding/binary"

// On-page entry header layout (spec.md §3), little-endian. The keydir is
// process-resident so there's no cross-platform concern in picking the
// native byte order here.
const (
	entryFileIDOffset    = 0
	entryTotalSizeOffset = 4
	entryEpochOffset     = 8
	entryOffsetOffset    = 16
	entryTimestampOffset = 24
	entryNextOffset      = 28
	entryKeySizeOffset   = 32
	entryKeyOffset       = 36
)

// Entry is a single version of a key's on-disk location, as returned by Get
// and as supplied to Put/Remove.
type Entry struct {
	FileID      uint32
	TotalSize   uint32
	Epoch       uint64
	Offset      uint64
	Timestamp   uint32
	Next        uint32
	KeySize     uint32
	IsTombstone bool
}

// entrySizeForKey returns the padded on-chain size of an entry carrying a
// key of keySize bytes (zero for version records appended after the first).
func entrySizeForKey(keySize uint32) uint32 {
	unpadded := uint32(entryKeyOffset) + keySize
	return (unpadded + 7) &^ 7
}

// fieldBytes returns a slice view of the n bytes at absolute chain offset
// ofs, which may straddle page boundaries; it copies into scratch when it
// does, and returns a direct slice into page data when it doesn't.
func (it *scanIter) fieldBytes(ofs int, n int, scratch []byte) []byte {
	pageIdx := ofs / PageSize
	pageOfs := ofs % PageSize
	if pageOfs+n <= PageSize {
		return it.pages[pageIdx].pg.data[pageOfs : pageOfs+n]
	}
	// Straddles a page boundary; stitch into scratch.
	remaining := n
	dst := scratch[:0]
	for remaining > 0 {
		avail := PageSize - pageOfs
		chunk := avail
		if chunk > remaining {
			chunk = remaining
		}
		dst = append(dst, it.pages[pageIdx].pg.data[pageOfs:pageOfs+chunk]...)
		remaining -= chunk
		pageIdx++
		pageOfs = 0
	}
	return dst
}

func (it *scanIter) getUint32(fieldOffset int) uint32 {
	buf := it.fieldBytes(it.offset+fieldOffset, 4, it.scratch4[:])
	return binary.LittleEndian.Uint32(buf)
}

func (it *scanIter) getUint64(fieldOffset int) uint64 {
	buf := it.fieldBytes(it.offset+fieldOffset, 8, it.scratch8[:])
	return binary.LittleEndian.Uint64(buf)
}

func (it *scanIter) setUint32(fieldOffset int, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	it.setBytes(it.offset+fieldOffset, buf[:])
}

func (it *scanIter) setUint64(fieldOffset int, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	it.setBytes(it.offset+fieldOffset, buf[:])
}

// setBytes writes n bytes at absolute chain offset ofs, splitting across
// page boundaries as needed. Pages covering the range must already be held.
func (it *scanIter) setBytes(ofs int, src []byte) {
	pageIdx := ofs / PageSize
	pageOfs := ofs % PageSize
	remaining := len(src)
	for remaining > 0 {
		avail := PageSize - pageOfs
		chunk := avail
		if chunk > remaining {
			chunk = remaining
		}
		copy(it.pages[pageIdx].pg.data[pageOfs:pageOfs+chunk], src[:chunk])
		src = src[chunk:]
		remaining -= chunk
		pageIdx++
		pageOfs = 0
	}
}

func (it *scanIter) getFileID() uint32    { return it.getUint32(entryFileIDOffset) }
func (it *scanIter) getTotalSize() uint32 { return it.getUint32(entryTotalSizeOffset) }
func (it *scanIter) getEpoch() uint64     { return it.getUint64(entryEpochOffset) }
func (it *scanIter) getOffset() uint64    { return it.getUint64(entryOffsetOffset) }
func (it *scanIter) getTimestamp() uint32 { return it.getUint32(entryTimestampOffset) }
func (it *scanIter) getNext() uint32      { return it.getUint32(entryNextOffset) }
func (it *scanIter) getKeySize() uint32   { return it.getUint32(entryKeySizeOffset) }

func (it *scanIter) setFileID(v uint32)    { it.setUint32(entryFileIDOffset, v) }
func (it *scanIter) setTotalSize(v uint32) { it.setUint32(entryTotalSizeOffset, v) }
func (it *scanIter) setEpoch(v uint64)     { it.setUint64(entryEpochOffset, v) }
func (it *scanIter) setOffset(v uint64)    { it.setUint64(entryOffsetOffset, v) }
func (it *scanIter) setTimestamp(v uint32) { it.setUint32(entryTimestampOffset, v) }
func (it *scanIter) setNext(v uint32)      { it.setUint32(entryNextOffset, v) }
func (it *scanIter) setKeySize(v uint32)   { it.setUint32(entryKeySizeOffset, v) }

// setKey splits the key across whatever pages are needed starting right
// after the header. Pages covering the key's span must already be held.
func (it *scanIter) setKey(key []byte) {
	it.setBytes(it.offset+entryKeyOffset, key)
}

// getKey copies out the keySize bytes of key data following the header at
// the iterator's current offset. Callers that need the bytes after
// release() must use this rather than keysEqual's page-aliasing scratch.
func (it *scanIter) getKey(keySize uint32) []byte {
	out := make([]byte, keySize)
	copy(out, it.fieldBytes(it.offset+entryKeyOffset, int(keySize), out))
	return out
}

// toEntry materializes the entry the iterator currently points at.
func (it *scanIter) toEntry() Entry {
	e := Entry{
		FileID:    it.getFileID(),
		TotalSize: it.getTotalSize(),
		Epoch:     it.getEpoch(),
		Offset:    it.getOffset(),
		Timestamp: it.getTimestamp(),
	}
	e.IsTombstone = e.Offset == MaxOffset
	return e
}
