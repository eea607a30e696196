package keydir_test

import (
	"fmt"
	"testing"

	"fincask/keydir"
)

func openTestKeydir(t *testing.T, numPages uint32) *keydir.Keydir {
	t.Helper()
	kd, err := keydir.Open(keydir.Options{
		BaseDir:          t.TempDir(),
		NumPages:         numPages,
		InitialSwapPages: 2,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := kd.Release(); err != nil {
			t.Errorf("Release: %v", err)
		}
	})
	return kd
}

func mustPut(t *testing.T, kd *keydir.Keydir, key string, fileID uint32, offset uint64) {
	t.Helper()
	err := kd.Put(keydir.PutRequest{
		Key:       []byte(key),
		FileID:    fileID,
		TotalSize: 42,
		Offset:    offset,
		Timestamp: 1000,
	}, nil)
	if err != nil {
		t.Fatalf("Put(%q): %v", key, err)
	}
}

func TestBasicPutGet(t *testing.T) {
	kd := openTestKeydir(t, 64)

	mustPut(t, kd, "hello", 7, 100)

	e, found, err := kd.Get([]byte("hello"), keydir.MaxEpoch)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected found")
	}
	if e.FileID != 7 || e.Offset != 100 {
		t.Fatalf("got %+v", e)
	}

	_, found, err = kd.Get([]byte("missing"), keydir.MaxEpoch)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatal("expected not found")
	}
}

func TestOverwriteWithoutSnapshot(t *testing.T) {
	kd := openTestKeydir(t, 64)

	mustPut(t, kd, "hello", 7, 100)
	mustPut(t, kd, "hello", 7, 200)

	e, found, err := kd.Get([]byte("hello"), keydir.MaxEpoch)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || e.FileID != 7 || e.Offset != 200 {
		t.Fatalf("got %+v found=%v", e, found)
	}
}

func TestSnapshotThenOverwriteKeepsBothVersions(t *testing.T) {
	kd := openTestKeydir(t, 64)

	mustPut(t, kd, "k", 1, 10)

	kd.SetMinEpoch(1) // pin as a fold holder would before iterating
	e0 := kd.Epoch()

	mustPut(t, kd, "k", 2, 20)

	old, found, err := kd.Get([]byte("k"), e0)
	if err != nil {
		t.Fatalf("Get old: %v", err)
	}
	if !found || old.FileID != 1 || old.Offset != 10 {
		t.Fatalf("got %+v found=%v", old, found)
	}

	latest, found, err := kd.Get([]byte("k"), keydir.MaxEpoch)
	if err != nil {
		t.Fatalf("Get latest: %v", err)
	}
	if !found || latest.FileID != 2 || latest.Offset != 20 {
		t.Fatalf("got %+v found=%v", latest, found)
	}
}

func TestCASConflict(t *testing.T) {
	kd := openTestKeydir(t, 64)

	mustPut(t, kd, "k", 1, 10)

	err := kd.Put(keydir.PutRequest{
		Key: []byte("k"), FileID: 2, Offset: 20, TotalSize: 1, Timestamp: 1,
	}, &keydir.CAS{FileID: 99, Offset: 99})
	if err != keydir.ErrCASMismatch {
		t.Fatalf("expected ErrCASMismatch, got %v", err)
	}

	err = kd.Put(keydir.PutRequest{
		Key: []byte("k"), FileID: 2, Offset: 20, TotalSize: 1, Timestamp: 1,
	}, &keydir.CAS{FileID: 1, Offset: 10})
	if err != nil {
		t.Fatalf("expected CAS to succeed, got %v", err)
	}
}

func TestRemoveTombstone(t *testing.T) {
	kd := openTestKeydir(t, 64)

	mustPut(t, kd, "k", 1, 10)
	if err := kd.Remove([]byte("k"), nil); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	e, found, err := kd.Get([]byte("k"), keydir.MaxEpoch)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected the tombstone to be found")
	}
	if !e.IsTombstone {
		t.Fatalf("expected tombstone, got %+v", e)
	}

	if err := kd.Remove([]byte("never-existed"), nil); err != nil {
		t.Fatalf("unconditional remove of missing key should be a no-op, got %v", err)
	}

	err = kd.Remove([]byte("never-existed"), &keydir.CAS{FileID: 1, Offset: 1})
	if err != keydir.ErrCASMismatch {
		t.Fatalf("conditional remove of missing key should mismatch, got %v", err)
	}
}

func TestManyKeysForceCollisions(t *testing.T) {
	kd := openTestKeydir(t, 4)

	const n = 200
	for i := 0; i < n; i++ {
		mustPut(t, kd, fmt.Sprintf("key-%04d", i), uint32(i+1), uint64(i*10))
	}

	for i := 0; i < n; i++ {
		key := fmt.Sprintf("key-%04d", i)
		e, found, err := kd.Get([]byte(key), keydir.MaxEpoch)
		if err != nil {
			t.Fatalf("Get(%q): %v", key, err)
		}
		if !found {
			t.Fatalf("Get(%q): expected found", key)
		}
		if e.FileID != uint32(i+1) || e.Offset != uint64(i*10) {
			t.Fatalf("Get(%q): got %+v", key, e)
		}
	}
}

func TestManyVersionsForceSwapSpill(t *testing.T) {
	kd := openTestKeydir(t, 4)
	kd.SetMinEpoch(1) // force every overwrite to append a new version record

	key := []byte("hot-key")
	const versions = 500
	for i := 0; i < versions; i++ {
		err := kd.Put(keydir.PutRequest{
			Key: key, FileID: uint32(i + 1), Offset: uint64(i), TotalSize: 1, Timestamp: uint32(i),
		}, nil)
		if err != nil {
			t.Fatalf("Put version %d: %v", i, err)
		}
	}

	e, found, err := kd.Get(key, keydir.MaxEpoch)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || e.FileID != versions {
		t.Fatalf("got %+v found=%v", e, found)
	}
}
