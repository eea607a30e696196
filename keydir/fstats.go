package keydir

import "github.com/dolthub/swiss"

// StatsSnapshot is the per-file_id counter row described in spec.md §4.8:
// live and total key/byte counts let the merge process pick files worth
// compacting without rescanning them, and ExpirationEpoch holds the most
// recent nonzero expiration epoch passed to UpdateFileStats for this file
// (zero if none was ever passed). Exported (unlike the rest
// of the package's internals) because computing it is the whole point of
// the table for the caller outside the package the spec describes this as
// serving.
type StatsSnapshot struct {
	LiveKeys        int64
	TotalKeys       int64
	LiveBytes       int64
	TotalBytes      int64
	OldestTimestamp uint32
	NewestTimestamp uint32
	ExpirationEpoch uint64
}

// fileStats tracks StatsSnapshot rows keyed by file_id. Grounded on the
// teacher's swiss-table index wrapper; a plain map protected by
// Keydir.statsMu would do the same job, but the pack already standardizes
// on dolthub/swiss for every keyed table it builds.
type fileStats struct {
	rows *swiss.Map[uint32, *StatsSnapshot]
}

func newFileStats() *fileStats {
	return &fileStats{rows: swiss.NewMap[uint32, *StatsSnapshot](64)}
}

// UpdateFileStats applies deltas to fileID's row, creating it first only
// when shouldCreate is true (spec.md §4.8) — a reader that merely wants to
// inspect a file's current counters should not conjure a zero row for a
// file_id it has never written to.
func (kd *Keydir) UpdateFileStats(fileID uint32, timestamp uint32, expirationEpoch uint64, liveKeysDelta, totalKeysDelta, liveBytesDelta, totalBytesDelta int64, shouldCreate bool) {
	kd.statsMu.Lock()
	defer kd.statsMu.Unlock()

	row, ok := kd.stats.rows.Get(fileID)
	if !ok {
		if !shouldCreate {
			return
		}
		row = &StatsSnapshot{OldestTimestamp: timestamp}
		kd.stats.rows.Put(fileID, row)
	}

	row.LiveKeys += liveKeysDelta
	row.TotalKeys += totalKeysDelta
	row.LiveBytes += liveBytesDelta
	row.TotalBytes += totalBytesDelta
	if expirationEpoch != 0 {
		row.ExpirationEpoch = expirationEpoch
	}
	if timestamp < row.OldestTimestamp || row.OldestTimestamp == 0 {
		row.OldestTimestamp = timestamp
	}
	if timestamp > row.NewestTimestamp {
		row.NewestTimestamp = timestamp
	}
}

// FileStats returns a snapshot of fileID's counters, or ok=false if no
// entry exists for it.
func (kd *Keydir) FileStats(fileID uint32) (StatsSnapshot, bool) {
	kd.statsMu.Lock()
	defer kd.statsMu.Unlock()

	row, ok := kd.stats.rows.Get(fileID)
	if !ok {
		return StatsSnapshot{}, false
	}
	return *row, true
}

// EachFileStats calls f for every file_id currently tracked, in swiss-table
// iteration order, stopping early if f returns false. Used by the
// merge/compaction process (outside this package) to pick candidate files.
func (kd *Keydir) EachFileStats(f func(fileID uint32, stats StatsSnapshot) bool) {
	kd.statsMu.Lock()
	defer kd.statsMu.Unlock()

	kd.stats.rows.Iter(func(fileID uint32, row *StatsSnapshot) bool {
		return !f(fileID, *row) // swiss stops iterating when the callback returns true
	})
}

// RemoveFileStats drops fileID's row entirely, once the merge process has
// reclaimed that data file.
func (kd *Keydir) RemoveFileStats(fileID uint32) {
	kd.statsMu.Lock()
	defer kd.statsMu.Unlock()
	kd.stats.rows.Delete(fileID)
}
