// blobkv-bench is a load generator/benchmark for blobkv.Store: a
// Config-driven flag setup drives in-process set/get/optimize/delete
// phases, prints a timing summary, and writes it as JSON when --out is set.
package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"

	"github.com/blobkv/blobkv"
)

// config holds all benchmark configuration.
type config struct {
	Path      string
	Count     int
	KeySize   int
	ValueSize int
	OutFile   string
}

// result is one phase's timing, written to OutFile as JSON if requested.
type result struct {
	Phase   string  `json:"phase"`
	Ops     int     `json:"ops"`
	Elapsed float64 `json:"elapsed_seconds"`
	OpsPerSec float64 `json:"ops_per_sec"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config{}

	fs := pflag.NewFlagSet("blobkv-bench", pflag.ExitOnError)
	fs.StringVar(&cfg.Path, "path", filepath.Join(os.TempDir(), "blobkv-bench.bkv"), "path to the benchmark store file")
	fs.IntVar(&cfg.Count, "count", 100_000, "number of entries to set/get/delete")
	fs.IntVar(&cfg.KeySize, "key-size", 16, "random key size in bytes")
	fs.IntVar(&cfg.ValueSize, "value-size", 100, "random value size in bytes")
	fs.StringVar(&cfg.OutFile, "out", "", "write JSON results to this file (optional)")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: blobkv-bench [flags]\n\nFlags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	os.Remove(cfg.Path)
	defer os.Remove(cfg.Path)

	store, err := blobkv.Open(blobkv.Options{Path: cfg.Path})
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	keys := make([][]byte, cfg.Count)
	values := make([][]byte, cfg.Count)
	for i := range keys {
		keys[i] = randomBytes(cfg.KeySize)
		values[i] = randomBytes(cfg.ValueSize)
	}

	var results []result

	results = append(results, timePhase("set", cfg.Count, func() error {
		for i := range keys {
			if _, _, err := store.Set(keys[i], values[i]); err != nil {
				return err
			}
		}
		return nil
	}))

	hits := 0
	results = append(results, timePhase("get", cfg.Count, func() error {
		for _, key := range keys {
			_, found, err := store.Get(key)
			if err != nil {
				return err
			}
			if found {
				hits++
			}
		}
		return nil
	}))

	results = append(results, timePhase("optimize", 1, func() error {
		return store.Optimize(false)
	}))

	results = append(results, timePhase("delete", cfg.Count, func() error {
		for _, key := range keys {
			if _, _, err := store.Delete(key); err != nil {
				return err
			}
		}
		return nil
	}))

	fmt.Printf("blobkv-bench: %s entries, key=%dB value=%dB\n", humanize.Comma(int64(cfg.Count)), cfg.KeySize, cfg.ValueSize)
	for _, r := range results {
		fmt.Printf("  %-10s %10d ops  %10s  %12.0f ops/sec\n", r.Phase, r.Ops, time.Duration(r.Elapsed*float64(time.Second)).Round(time.Millisecond), r.OpsPerSec)
	}
	fmt.Printf("  get hits: %d/%d\n", hits, cfg.Count)

	if cfg.OutFile != "" {
		raw, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(cfg.OutFile, raw, 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", cfg.OutFile, err)
		}
	}

	return nil
}

func timePhase(phase string, ops int, fn func() error) result {
	start := time.Now()
	if err := fn(); err != nil {
		fmt.Fprintf(os.Stderr, "error during %s: %v\n", phase, err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	return result{
		Phase:     phase,
		Ops:       ops,
		Elapsed:   elapsed.Seconds(),
		OpsPerSec: float64(ops) / elapsed.Seconds(),
	}
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}
