package keydir

import (
	"sync"
	"sync/atomic"
)

// page is the header shared by every resident memory page and every swap
// page. prev/next describe the page's place in a hash-chain and are only
// ever touched while pg.mu is held, in chain order (prev -> this -> next).
// nextFree and isFree participate in the lock-free free-list protocol and
// are manipulated with atomics outside of pg.mu.
type page struct {
	data []byte

	mu sync.Mutex

	prev uint32
	next uint32

	nextFree atomic.Uint32
	isFree   atomic.Bool
}

// memPage is a resident memory page. size is the byte length occupied at
// the chain head and is only meaningful (and only touched) on a page that
// is the first page of a chain; it's protected by page.mu like prev/next.
type memPage struct {
	page

	size       uint32
	altIdx     uint32 // always MaxPageIdx in this core; see scanForKey in iterator.go.
	deadBytes  uint32
	isBorrowed bool
}

func newPage(data []byte) page {
	p := page{
		data: data,
		prev: MaxPageIdx,
		next: MaxPageIdx,
	}
	p.nextFree.Store(MaxPageIdx)
	p.isFree.Store(true)
	return p
}
