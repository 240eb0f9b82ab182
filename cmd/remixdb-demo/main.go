// remixdb-demo is a small command-line harness exercising an open
// database: put/get/del a handful of keys, force a sync, and report the
// compaction metrics exposed through DB.Metrics(). Grounded on the
// teacher's cmd/demo programs
// (_examples/return2faye-SiltKV/cmd/demo/flush_demo.go), adapted from a
// bare main() into a cobra command tree so every Options field is
// reachable as a flag (§6 "Configuration (open call)").
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	dto "github.com/prometheus/client_model/go"

	remixdb "github.com/Kevin-Yang1/remixdb"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts remixdb.Options

	cmd := &cobra.Command{
		Use:   "remixdb-demo",
		Short: "Open a remixdb database and exercise its basic operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(opts)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&opts.Dir, "dir", "", "database directory (required)")
	flags.IntVar(&opts.CacheSizeMB, "cache-size-mb", 0, "SSTable cache budget in MB")
	flags.IntVar(&opts.MtSizeMB, "mt-size-mb", 0, "memtable size cap in MB")
	flags.IntVar(&opts.WalSizeMB, "wal-size-mb", 0, "per-WAL-file size cap in MB")
	flags.BoolVar(&opts.CKeys, "ckeys", false, "S2-compress SSTable key blocks")
	flags.BoolVar(&opts.Tags, "tags", false, "emit per-key xxhash tags in SSTable partitions")
	flags.IntVar(&opts.NrWorkers, "nr-workers", 0, "compaction worker goroutine count")
	flags.IntVar(&opts.CoPerWorker, "co-per-worker", 0, "cooperative task count per compaction worker")
	flags.StringVar(&opts.WorkerCores, "worker-cores", "auto", `"auto", "dont", or a comma-separated CPU index list`)
	cmd.MarkFlagRequired("dir")

	return cmd
}

func runDemo(opts remixdb.Options) error {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()
	opts.Logger = logger

	db, err := remixdb.Open(opts)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer db.Close()

	h := db.NewHandle()
	defer h.Close()

	fmt.Println("writing sample keys...")
	for i := 0; i < 1000; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		value := []byte(fmt.Sprintf("value-%05d", i))
		if err := h.Put(key, value); err != nil {
			return fmt.Errorf("put %s: %w", key, err)
		}
	}

	fmt.Println("deleting every tenth key...")
	for i := 0; i < 1000; i += 10 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		if err := h.Del(key); err != nil {
			return fmt.Errorf("del %s: %w", key, err)
		}
	}

	if err := db.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	fmt.Println("verifying a sample of keys...")
	for i := 0; i < 1000; i += 100 {
		key := []byte(fmt.Sprintf("key-%05d", i))
		wantDeleted := i%10 == 0
		val, ok := h.Get(key)
		if wantDeleted && ok {
			return fmt.Errorf("key %s: expected deleted, found %q", key, val)
		}
		if !wantDeleted && !ok {
			return fmt.Errorf("key %s: expected present, not found", key)
		}
	}

	printMetrics(db)
	fmt.Println("demo completed successfully")
	return nil
}

func printMetrics(db *remixdb.DB) {
	families, err := db.Metrics().Gather()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gather metrics: %v\n", err)
		return
	}
	fmt.Println("metrics:")
	for _, fam := range families {
		for _, m := range fam.Metric {
			fmt.Printf("  %s = %s\n", fam.GetName(), counterValue(m))
		}
	}
}

func counterValue(m *dto.Metric) string {
	if c := m.GetCounter(); c != nil {
		return fmt.Sprintf("%.0f", c.GetValue())
	}
	return "?"
}
