// Command fincask is the flag-based command-line front end for the
// bitcask package, adapted from the teacher's cmd/main.go (config path,
// data dir, SIGINT/SIGTERM-driven graceful shutdown) but speaking to the
// store directly instead of fronting a network server.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"

	"fincask/bitcask"
	"fincask/config"
	"fincask/keydir"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage: fincask [-conf path] [-dir path] <command> [args]

commands:
  put <key> <value>   store value under key
  get <key>           print the current value for key
  delete <key>        tombstone key
  fold                print every live key/value pair
  merge               compact data files, reclaiming space held by dead records
  stats               print per-file live/total key and byte counts`)
}

func main() {
	confPath := flag.String("conf", "", "path to YAML config file (optional)")
	dataDir := flag.String("dir", "./data", "path to data directory")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	opts := []bitcask.Option{bitcask.WithDataDir(*dataDir)}
	if *confPath != "" {
		if err := config.Load(*confPath); err != nil {
			log.Fatal(err)
		}
		opts = configOptions(config.Get())
	}

	db, err := bitcask.Open(opts...)
	if err != nil {
		log.Fatalf("fincask: open %s: %v", *dataDir, err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan error, 1)

	go func() { done <- run(db, args) }()

	select {
	case err := <-done:
		closeErr := db.Close()
		if err != nil {
			log.Fatal(err)
		}
		if closeErr != nil {
			log.Fatal(closeErr)
		}
	case <-sigCh:
		log.Println("fincask: shutting down...")
		if err := db.Close(); err != nil {
			log.Printf("fincask: error during shutdown: %v", err)
		}
		os.Exit(130)
	}
}

func configOptions(cfg *config.Config) []bitcask.Option {
	opts := []bitcask.Option{
		bitcask.WithDataDir(cfg.DataDir),
		bitcask.WithNumPages(cfg.Keydir.NumPages),
		bitcask.WithInitialSwapPages(cfg.Keydir.InitialSwapPages),
		bitcask.WithHideSwapFile(cfg.Keydir.HideSwapFile),
		bitcask.WithMaxFileSize(cfg.FileManager.MaxFileSize),
		bitcask.WithMaxOpenFiles(cfg.FileManager.MaxOpenFiles),
		bitcask.WithSyncInterval(cfg.FileManager.SyncInterval),
		bitcask.WithOpenCache(cfg.Cache.Enable),
		bitcask.WithCacheSize(cfg.Cache.Size),
		bitcask.WithAutoMerge(cfg.Merge.Auto),
		bitcask.WithMergeInterval(cfg.Merge.Interval),
		bitcask.WithMinMergeRatio(cfg.Merge.MinRatio),
		bitcask.WithBloomExpectedElements(cfg.Bloom.ExpectedElements),
		bitcask.WithBloomFalsePositiveRate(cfg.Bloom.FalsePositiveRate),
	}
	if cfg.Cache.Kind == string(bitcask.CacheRistretto) {
		opts = append(opts, bitcask.WithCacheKind(bitcask.CacheRistretto))
	}
	return opts
}

func run(db *bitcask.Bitcask, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "put":
		if len(rest) != 2 {
			return fmt.Errorf("usage: fincask put <key> <value>")
		}
		return db.Put(rest[0], []byte(rest[1]))

	case "get":
		if len(rest) != 1 {
			return fmt.Errorf("usage: fincask get <key>")
		}
		v, err := db.Get(rest[0])
		if err != nil {
			return err
		}
		fmt.Println(string(v))
		return nil

	case "delete":
		if len(rest) != 1 {
			return fmt.Errorf("usage: fincask delete <key>")
		}
		return db.Delete(rest[0])

	case "fold":
		return db.Fold(func(key string, value []byte) bool {
			fmt.Printf("%s\t%s\n", key, value)
			return true
		})

	case "merge":
		return db.Merge()

	case "stats":
		return printStats(db)

	default:
		usage()
		return fmt.Errorf("fincask: unknown command %q", cmd)
	}
}

func printStats(db *bitcask.Bitcask) error {
	ratio, err := db.EstimateInvalidRatio()
	if err != nil {
		return err
	}
	fmt.Printf("data dir:        %s\n", db.GetDataDir())
	fmt.Printf("invalid ratio:   %.2f%%\n", ratio*100)
	var total int64
	db.EachFileStats(func(fileID uint32, s keydir.StatsSnapshot) {
		fmt.Printf("file %-6d live=%d/%d keys  live=%s/%s\n",
			fileID, s.LiveKeys, s.TotalKeys,
			humanize.Bytes(uint64(s.LiveBytes)), humanize.Bytes(uint64(s.TotalBytes)))
		total += s.TotalBytes
	})
	fmt.Printf("total on disk:   %s\n", humanize.Bytes(uint64(total)))
	return nil
}
