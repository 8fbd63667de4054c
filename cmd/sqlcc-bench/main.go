// Command sqlcc-bench drives the storage core directly (DiskManager,
// BufferPool, WalManager) with a synthetic page workload, in the
// manner of the teacher's cmd/cobaltdb-bench.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/sqlcc/engine/pkg/config"
	"github.com/sqlcc/engine/pkg/logsink"
	"github.com/sqlcc/engine/pkg/page"
	"github.com/sqlcc/engine/pkg/storage"
	"github.com/sqlcc/engine/pkg/wal"
)

var (
	flagHelp      bool
	flagPath      string
	flagPages     int
	flagPoolSize  int
	flagShards    int
	flagForceSync bool
	flagSeed      int64
)

func init() {
	flag.BoolVar(&flagHelp, "help", false, "Show help")
	flag.StringVar(&flagPath, "path", "", "Database file path (default: a temp file)")
	flag.IntVar(&flagPages, "pages", 10000, "Number of pages to touch")
	flag.IntVar(&flagPoolSize, "pool-size", 256, "Buffer pool capacity")
	flag.IntVar(&flagShards, "shards", 0, "Number of buffer pool shards (0 = monolithic)")
	flag.BoolVar(&flagForceSync, "force-sync", false, "Fsync the WAL on every log() call")
	flag.Int64Var(&flagSeed, "seed", 1, "PRNG seed for the access pattern")
}

func main() {
	flag.Parse()
	if flagHelp {
		printHelp()
		return
	}

	path := flagPath
	if path == "" {
		dir, err := os.MkdirTemp("", "sqlcc-bench-")
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)
		path = filepath.Join(dir, "bench.db")
	}

	cfg := config.New(map[string]any{
		config.KeyDBFilePath:   path,
		config.KeyPoolSize:     flagPoolSize,
		config.KeyWALForceSync: flagForceSync,
	})

	engine, err := storage.Open(cfg, storage.Options{
		NumShards: flagShards,
		Logger:    logsink.Standard(log.New(os.Stderr, "sqlcc-bench: ", log.LstdFlags)),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error opening engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	fmt.Printf("sqlcc-bench: path=%s pages=%d pool_size=%d shards=%d force_sync=%v\n",
		path, flagPages, flagPoolSize, flagShards, flagForceSync)

	runWorkload(engine, flagPages, flagSeed)
}

func printHelp() {
	fmt.Print(`
sqlcc-bench: storage core benchmark tool

Usage:
  sqlcc-bench [options]

Options:
  -help               Show this help message
  -path <path>        Database file path (default: a temp file)
  -pages <n>          Number of pages to touch (default 10000)
  -pool-size <n>      Buffer pool capacity (default 256)
  -shards <n>         Number of buffer pool shards, 0 for monolithic (default 0)
  -force-sync         Fsync the WAL on every log() call
  -seed <n>           PRNG seed for the access pattern
`)
}

func runWorkload(e *storage.Engine, numPages int, seed int64) {
	rng := rand.New(rand.NewSource(seed))

	start := time.Now()
	for i := 0; i < numPages; i++ {
		id, pg, err := e.NewPage()
		if err != nil {
			fmt.Fprintf(os.Stderr, "new_page failed at %d: %v\n", i, err)
			continue
		}
		var buf [16]byte
		rng.Read(buf[:])
		_ = pg.WriteData(0, buf[:])

		key := fmt.Sprintf("page-%d", id)
		if _, err := e.LogAndUnpin(id, wal.LogRecord{
			TxnID:    uint64(i + 1),
			Kind:     wal.KindInsert,
			Key:      key,
			NewValue: wal.IntValue(int64(id)),
		}); err != nil {
			fmt.Fprintf(os.Stderr, "log_and_unpin failed at %d: %v\n", i, err)
		}
	}
	writeElapsed := time.Since(start)

	start = time.Now()
	hits := 0
	for i := 0; i < numPages; i++ {
		id := page.ID(rng.Intn(numPages))
		if _, err := e.FetchPage(id); err == nil {
			hits++
			_ = e.UnpinPage(id, false)
		}
	}
	readElapsed := time.Since(start)

	if err := e.FlushAllPages(); err != nil {
		fmt.Fprintf(os.Stderr, "flush_all_pages failed: %v\n", err)
	}

	m := e.Metrics()
	fmt.Printf("write: %d pages in %v (%.0f pages/sec)\n", numPages, writeElapsed, float64(numPages)/writeElapsed.Seconds())
	fmt.Printf("read:  %d lookups in %v, %d hits (%.0f lookups/sec)\n", numPages, readElapsed, hits, float64(numPages)/readElapsed.Seconds())
	fmt.Printf("buffer pool: requests=%d hits=%d evictions=%d hit_rate=%.2f%% lock_timeouts=%d\n",
		m.TotalRequests, m.CacheHits, m.Evictions, m.HitRate()*100, m.LockTimeouts)
}
