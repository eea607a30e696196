package keydir

import "errors"

// ErrOutOfMemory is returned by Put/Remove when neither the resident pool
// nor the swap file could supply another page (spec.md §4.3/§4.2: swap
// itself only fails this way if Truncate/mmap fails, e.g. disk full).
var ErrOutOfMemory = errors.New("keydir: out of memory")

// ErrKeyNotFound names the case where no version of a key is visible at the
// requested epoch. Get does not return it: Get reports that case through its
// found result with a nil error.
var ErrKeyNotFound = errors.New("keydir: key not found")

// ErrCASMismatch is returned by Put/Remove when the caller's expected
// previous location doesn't match the key's current entry.
var ErrCASMismatch = errors.New("keydir: conditional write mismatch")
