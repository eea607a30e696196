package bitcask

import "time"

// CacheKind selects the read-through value cache implementation.
type CacheKind string

const (
	CacheLRU       CacheKind = "lru"
	CacheRistretto CacheKind = "ristretto"
)

// Options configures Open, following the teacher's functional-options
// pattern (storage/options.go) generalized to the keydir-backed store.
type Options struct {
	DataDir string

	// Keydir sizing, passed straight through to keydir.Options.
	NumPages         uint32
	InitialSwapPages uint32
	HideSwapFile     bool

	// Data file management.
	MaxFileSize  int64
	MaxOpenFiles int
	SyncInterval time.Duration

	// Read-through value cache.
	OpenCache bool
	CacheKind CacheKind
	CacheSize int

	// Negative-lookup bloom filter.
	BloomExpectedElements  uint64
	BloomFalsePositiveRate float64
	BloomAutoScale         bool

	// Background merge.
	AutoMerge     bool
	MergeInterval time.Duration
	MinMergeRatio float64
}

type Option func(*Options)

func DefaultOptions() *Options {
	return &Options{
		DataDir: "/tmp/fincask",

		NumPages:         1 << 16,
		InitialSwapPages: 16,
		HideSwapFile:     false,

		MaxFileSize:  1 << 30,
		MaxOpenFiles: 64,
		SyncInterval: 5 * time.Second,

		OpenCache: true,
		CacheKind: CacheLRU,
		CacheSize: 1 << 12,

		BloomExpectedElements:  1 << 20,
		BloomFalsePositiveRate: 0.01,
		BloomAutoScale:         true,

		AutoMerge:     true,
		MergeInterval: time.Hour,
		MinMergeRatio: 0.3,
	}
}

func WithDataDir(dir string) Option              { return func(o *Options) { o.DataDir = dir } }
func WithNumPages(n uint32) Option               { return func(o *Options) { o.NumPages = n } }
func WithInitialSwapPages(n uint32) Option       { return func(o *Options) { o.InitialSwapPages = n } }
func WithHideSwapFile(hide bool) Option          { return func(o *Options) { o.HideSwapFile = hide } }
func WithMaxFileSize(n int64) Option             { return func(o *Options) { o.MaxFileSize = n } }
func WithMaxOpenFiles(n int) Option              { return func(o *Options) { o.MaxOpenFiles = n } }
func WithSyncInterval(d time.Duration) Option    { return func(o *Options) { o.SyncInterval = d } }
func WithOpenCache(open bool) Option             { return func(o *Options) { o.OpenCache = open } }
func WithCacheKind(kind CacheKind) Option        { return func(o *Options) { o.CacheKind = kind } }
func WithCacheSize(n int) Option                 { return func(o *Options) { o.CacheSize = n } }
func WithAutoMerge(auto bool) Option             { return func(o *Options) { o.AutoMerge = auto } }
func WithMergeInterval(d time.Duration) Option   { return func(o *Options) { o.MergeInterval = d } }
func WithMinMergeRatio(ratio float64) Option     { return func(o *Options) { o.MinMergeRatio = ratio } }
func WithBloomExpectedElements(n uint64) Option  { return func(o *Options) { o.BloomExpectedElements = n } }
func WithBloomFalsePositiveRate(p float64) Option {
	return func(o *Options) { o.BloomFalsePositiveRate = p }
}
