package bitcask

import (
	"fmt"
	"testing"

	"fincask/errs"
)

func openTestDB(t *testing.T, opts ...Option) *Bitcask {
	t.Helper()
	base := []Option{
		WithDataDir(t.TempDir()),
		WithNumPages(8),
		WithInitialSwapPages(2),
		WithMaxFileSize(1 << 16),
		WithAutoMerge(false),
		WithOpenCache(true),
		WithCacheKind(CacheLRU),
		WithCacheSize(64),
	}
	db, err := Open(append(base, opts...)...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return db
}

func TestPutGetRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if err := db.Put("hello", []byte("world")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, err := db.Get("hello")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "world" {
		t.Fatalf("got %q, want %q", v, "world")
	}

	if _, err := db.Get("missing"); err != errs.ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestOverwriteReturnsLatest(t *testing.T) {
	db := openTestDB(t)

	if err := db.Put("k", []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Put("k", []byte("v2")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	v, err := db.Get("k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "v2" {
		t.Fatalf("got %q, want v2", v)
	}
}

func TestDeleteTombstonesKey(t *testing.T) {
	db := openTestDB(t)

	if err := db.Put("k", []byte("v")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := db.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get("k"); err != errs.ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}
	if err := db.Delete("k"); err != errs.ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound deleting an already-deleted key, got %v", err)
	}

	if err := db.Put("k", []byte("v2")); err != nil {
		t.Fatalf("Put after delete: %v", err)
	}
	v, err := db.Get("k")
	if err != nil {
		t.Fatalf("Get after re-put: %v", err)
	}
	if string(v) != "v2" {
		t.Fatalf("got %q, want v2", v)
	}
}

func TestFoldVisitsEveryLiveKey(t *testing.T) {
	db := openTestDB(t)

	want := map[string]string{}
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("key-%03d", i)
		v := fmt.Sprintf("val-%03d", i)
		if err := db.Put(k, []byte(v)); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
		want[k] = v
	}
	if err := db.Delete("key-000"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	delete(want, "key-000")

	got := map[string]string{}
	err := db.Fold(func(key string, value []byte) bool {
		got[key] = string(value)
		return true
	})
	if err != nil {
		t.Fatalf("Fold: %v", err)
	}

	if len(got) != len(want) {
		t.Fatalf("got %d keys, want %d", len(got), len(want))
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %s: got %q, want %q", k, got[k], v)
		}
	}
}

func TestCrashRecoveryReplaysDataFiles(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(
		WithDataDir(dir),
		WithNumPages(8),
		WithInitialSwapPages(2),
		WithMaxFileSize(1<<16),
		WithAutoMerge(false),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key-%02d", i)
		if err := db.Put(k, []byte(fmt.Sprintf("val-%02d", i))); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	if err := db.Delete("key-05"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := Open(
		WithDataDir(dir),
		WithNumPages(8),
		WithInitialSwapPages(2),
		WithMaxFileSize(1<<16),
		WithAutoMerge(false),
	)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() {
		if err := reopened.Close(); err != nil {
			t.Errorf("Close reopened: %v", err)
		}
	}()

	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("key-%02d", i)
		if i == 5 {
			if _, err := reopened.Get(k); err != errs.ErrKeyNotFound {
				t.Fatalf("Get(%s) after replay: expected ErrKeyNotFound, got %v", k, err)
			}
			continue
		}
		v, err := reopened.Get(k)
		if err != nil {
			t.Fatalf("Get(%s) after replay: %v", k, err)
		}
		if want := fmt.Sprintf("val-%02d", i); string(v) != want {
			t.Fatalf("Get(%s) after replay: got %q, want %q", k, v, want)
		}
	}
}

func TestMergeReclaimsSpaceAndKeepsKeysReadable(t *testing.T) {
	db := openTestDB(t)

	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%03d", i)
		if err := db.Put(k, []byte(fmt.Sprintf("val-%03d", i))); err != nil {
			t.Fatalf("Put(%s): %v", k, err)
		}
	}
	for i := 0; i < 100; i++ {
		k := fmt.Sprintf("key-%03d", i)
		if err := db.Put(k, []byte(fmt.Sprintf("updated-%03d", i))); err != nil {
			t.Fatalf("overwrite Put(%s): %v", k, err)
		}
	}
	for i := 0; i < 50; i++ {
		if err := db.Delete(fmt.Sprintf("key-%03d", i)); err != nil {
			t.Fatalf("Delete: %v", err)
		}
	}

	ratioBefore, err := db.EstimateInvalidRatio()
	if err != nil {
		t.Fatalf("EstimateInvalidRatio before merge: %v", err)
	}

	if err := db.Merge(); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	for i := 50; i < 100; i++ {
		k := fmt.Sprintf("key-%03d", i)
		v, err := db.Get(k)
		if err != nil {
			t.Fatalf("Get(%s) after merge: %v", k, err)
		}
		if want := fmt.Sprintf("updated-%03d", i); string(v) != want {
			t.Fatalf("Get(%s) after merge: got %q, want %q", k, v, want)
		}
	}
	for i := 0; i < 50; i++ {
		k := fmt.Sprintf("key-%03d", i)
		if _, err := db.Get(k); err != errs.ErrKeyNotFound {
			t.Fatalf("Get(%s) after merge: expected ErrKeyNotFound, got %v", k, err)
		}
	}

	ratioAfter, err := db.EstimateInvalidRatio()
	if err != nil {
		t.Fatalf("EstimateInvalidRatio after merge: %v", err)
	}
	if ratioAfter >= ratioBefore {
		t.Fatalf("expected merge to reduce the invalid ratio, got %f -> %f", ratioBefore, ratioAfter)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	db := openTestDB(t)

	if err := db.Put("", []byte("v")); err != errs.ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
	if _, err := db.Get(""); err != errs.ErrEmptyKey {
		t.Fatalf("expected ErrEmptyKey, got %v", err)
	}
}
