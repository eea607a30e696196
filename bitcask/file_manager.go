package bitcask

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"fincask/bitcask/cache"
	"fincask/errs"
)

const (
	filePrefix = "data-"
	fileSuffix = ".cask"
)

// dataFile is one numbered, append-only data file. offset tracks the next
// write position so the single writer goroutine never needs to stat the
// file to find it.
type dataFile struct {
	id     int
	path   string
	file   *os.File
	offset atomic.Int64
	closed atomic.Bool
}

// writtenLocation is what a successful write reports back, destined for a
// keydir.PutRequest.
type writtenLocation struct {
	fileID    int
	offset    int64
	size      uint32
	timestamp int64
}

type writeRequest struct {
	data []byte
	resp chan writeResponse
}

type writeResponse struct {
	loc writtenLocation
	err error
}

// fileManager funnels every write through one goroutine (so append offsets
// never race) and caps the number of file descriptors kept open for reads,
// grounded on storage/file_manager/file_manager.go.
type fileManager struct {
	dir          string
	maxFileSize  int64
	syncInterval time.Duration

	active   atomic.Pointer[dataFile]
	nextID   atomic.Int32
	rotateMu sync.Mutex

	openFiles *cache.LRU[int, *os.File]
	openMu    sync.RWMutex

	writeCh    chan writeRequest
	stopCh     chan struct{}
	wg         sync.WaitGroup
	syncTicker *time.Ticker
}

func newFileManager(dir string, maxFileSize int64, maxOpenFiles int, syncInterval time.Duration) (*fileManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("bitcask: create data dir: %w", err)
	}

	openFiles := cache.NewLRU[int, *os.File](maxOpenFiles)
	openFiles.OnEvict = func(_ int, f *os.File) { _ = f.Close() }

	fm := &fileManager{
		dir:          dir,
		maxFileSize:  maxFileSize,
		syncInterval: syncInterval,
		openFiles:    openFiles,
		writeCh:      make(chan writeRequest, 1024),
		stopCh:       make(chan struct{}),
		syncTicker:   time.NewTicker(syncInterval),
	}

	if err := fm.initialize(); err != nil {
		return nil, err
	}

	fm.wg.Add(2)
	go fm.processWrites()
	go fm.autoSync()

	return fm, nil
}

func dataFilePath(dir string, id int) string {
	return filepath.Join(dir, fmt.Sprintf("%s%d%s", filePrefix, id, fileSuffix))
}

// listDataFileIDs returns every data file id present in dir, ascending.
func listDataFileIDs(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, e := range entries {
		var id int
		if _, err := fmt.Sscanf(e.Name(), filePrefix+"%d"+fileSuffix, &id); err == nil {
			ids = append(ids, id)
		}
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids, nil
}

func (fm *fileManager) initialize() error {
	ids, err := listDataFileIDs(fm.dir)
	if err != nil {
		return fmt.Errorf("bitcask: read data dir: %w", err)
	}

	if len(ids) == 0 {
		fm.nextID.Store(0)
		_, err := fm.rotate()
		return err
	}

	maxID := ids[len(ids)-1]
	fm.nextID.Store(int32(maxID + 1))

	path := dataFilePath(fm.dir, maxID)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("bitcask: open active file: %w", err)
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("bitcask: stat active file: %w", err)
	}

	df := &dataFile{id: maxID, path: path, file: f}
	df.offset.Store(stat.Size())
	fm.active.Store(df)

	fm.openMu.Lock()
	fm.openFiles.Insert(maxID, f)
	fm.openMu.Unlock()

	return nil
}

// writeAsync enqueues already-encoded data for the single writer goroutine,
// returning a channel the caller blocks on for the result.
func (fm *fileManager) writeAsync(data []byte) <-chan writeResponse {
	result := make(chan writeResponse, 1)

	select {
	case fm.writeCh <- writeRequest{data: data, resp: result}:
	case <-fm.stopCh:
		result <- writeResponse{err: errs.ErrDBClosed}
		close(result)
	}
	return result
}

func (fm *fileManager) processWrites() {
	defer fm.wg.Done()
	for {
		select {
		case req, ok := <-fm.writeCh:
			if !ok {
				return
			}
			loc, err := fm.writeSync(req.data)
			req.resp <- writeResponse{loc: loc, err: err}
			close(req.resp)
		case <-fm.stopCh:
			return
		}
	}
}

func (fm *fileManager) writeSync(data []byte) (writtenLocation, error) {
	for {
		current := fm.active.Load()
		if current == nil {
			return writtenLocation{}, errs.ErrFileNotFound
		}

		if current.closed.Load() {
			if _, err := fm.rotate(); err != nil {
				return writtenLocation{}, err
			}
			continue
		}

		offsetNow := current.offset.Load()
		if offsetNow+int64(len(data)) > fm.maxFileSize {
			if _, err := fm.rotate(); err != nil {
				return writtenLocation{}, err
			}
			continue
		}

		writePos := current.offset.Add(int64(len(data))) - int64(len(data))
		n, err := current.file.WriteAt(data, writePos)
		if err != nil || n != len(data) {
			current.closed.Store(true)
			_ = current.file.Close()
			if _, rotErr := fm.rotate(); rotErr != nil {
				return writtenLocation{}, rotErr
			}
			return writtenLocation{}, errs.ErrWriteFailed
		}

		return writtenLocation{
			fileID:    current.id,
			offset:    writePos,
			size:      uint32(len(data)),
			timestamp: time.Now().UnixNano(),
		}, nil
	}
}

// rotate closes the current active file (if still open) and opens a fresh
// one as the new active file.
func (fm *fileManager) rotate() (*dataFile, error) {
	fm.rotateMu.Lock()
	defer fm.rotateMu.Unlock()

	if old := fm.active.Load(); old != nil {
		if !old.closed.Load() {
			old.closed.Store(true)
			_ = old.file.Sync()
			_ = old.file.Close()
		}
		// The read cache may still hold this now-closed handle; drop it so
		// getFile reopens the file instead of returning a closed one.
		fm.openMu.Lock()
		if f, ok := fm.openFiles.Get(old.id); ok && f == old.file {
			fm.openFiles.Delete(old.id)
		}
		fm.openMu.Unlock()
	}

	id := int(fm.nextID.Load())
	path := dataFilePath(fm.dir, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bitcask: create data file: %w", err)
	}

	df := &dataFile{id: id, path: path, file: f}
	fm.active.Store(df)

	fm.openMu.Lock()
	fm.openFiles.Insert(id, f)
	fm.openMu.Unlock()

	fm.nextID.Add(1)
	return df, nil
}

func (fm *fileManager) activeFile() *dataFile {
	return fm.active.Load()
}

// getFile returns the open *os.File for fileID, opening and caching it if
// it isn't already held.
func (fm *fileManager) getFile(fileID int) (*os.File, error) {
	fm.openMu.RLock()
	if f, ok := fm.openFiles.Get(fileID); ok {
		fm.openMu.RUnlock()
		return f, nil
	}
	fm.openMu.RUnlock()

	fm.openMu.Lock()
	defer fm.openMu.Unlock()

	if f, ok := fm.openFiles.Get(fileID); ok {
		return f, nil
	}

	path := dataFilePath(fm.dir, fileID)
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: id=%d", errs.ErrFileNotFound, fileID)
		}
		return nil, fmt.Errorf("bitcask: open data file %d: %w", fileID, err)
	}

	fm.openFiles.Insert(fileID, f)
	return f, nil
}

// readAt reads and decodes the record of size bytes at offset in fileID.
func (fm *fileManager) readAt(fileID int, offset int64, size uint32) (*Record, error) {
	f, err := fm.getFile(fileID)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("%w: unexpected EOF (fileID=%d)", errs.ErrReadFailed, fileID)
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrReadFailed, err)
	}

	return decodeRecord(buf)
}

func (fm *fileManager) autoSync() {
	defer fm.wg.Done()
	for {
		select {
		case <-fm.syncTicker.C:
			fm.rotateMu.Lock()
			if cur := fm.activeFile(); cur != nil && !cur.closed.Load() {
				_ = cur.file.Sync()
			}
			fm.rotateMu.Unlock()
		case <-fm.stopCh:
			return
		}
	}
}

func (fm *fileManager) syncActive() error {
	if cur := fm.activeFile(); cur != nil {
		return cur.file.Sync()
	}
	return nil
}

func (fm *fileManager) close() error {
	fm.syncTicker.Stop()
	close(fm.stopCh)
	close(fm.writeCh)
	fm.wg.Wait()

	fm.rotateMu.Lock()
	if cur := fm.activeFile(); cur != nil && !cur.closed.Load() {
		cur.closed.Store(true)
		_ = cur.file.Sync()
		_ = cur.file.Close()
	}
	fm.rotateMu.Unlock()

	fm.openMu.Lock()
	fm.openFiles.Purge()
	fm.openMu.Unlock()

	return nil
}
