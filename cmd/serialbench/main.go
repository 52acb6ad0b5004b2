// Serialbench fires concurrent serial allocations at one counter key and
// verifies that the returned ranges tile the counter without gaps or overlap.
//
// Usage:
//
//	go run ./cmd/serialbench -backend sql -workers 32 -allocations 500 -count 7
//
// The backend settings come from the usual carbonmint configuration
// (-config file and CARBONMINT_* variables); -backend overrides serial.backend.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/carbonmint/internal/config"
	"github.com/opensource-finance/carbonmint/internal/domain"
	"github.com/opensource-finance/carbonmint/internal/repository"
	"github.com/opensource-finance/carbonmint/internal/serial"
)

// Result tracks benchmark outcomes.
type Result struct {
	Ranges       []domain.SerialRange
	Start        int64
	Requested    int64
	LockTimeouts int64
	Errors       int64
	TotalLatency int64 // nanoseconds over successful allocations
	MaxLatency   int64
}

func main() {
	cfgFile := flag.String("config", "", "carbonmint YAML config file")
	backend := flag.String("backend", "", "serial backend override (memory, sql, redis)")
	workers := flag.Int("workers", 16, "number of concurrent workers")
	allocations := flag.Int("allocations", 200, "total allocations to perform")
	count := flag.Int64("count", 5, "serials per allocation")
	year := flag.Int("year", time.Now().Year(), "vintage year of the benchmark key")
	project := flag.String("project", "", "project ID of the benchmark key (default: a fresh ID)")
	company := flag.String("company", "serialbench", "company ID of the benchmark key")
	flag.Parse()

	cfg, err := config.Load(config.Options{ConfigFile: *cfgFile, EnvFile: config.DefaultEnvFile})
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	if *backend != "" {
		cfg.Serial.Backend = *backend
	}

	key := domain.SerialKey{VintageYear: *year, ProjectID: *project, CompanyID: *company}
	if key.ProjectID == "" {
		key.ProjectID = fmt.Sprintf("bench-%d", time.Now().UnixNano())
	}

	fmt.Println("SERIALBENCH - concurrent serial allocation")
	fmt.Printf("\nBackend:     %s\n", cfg.Serial.Backend)
	fmt.Printf("Key:         %d/%s/%s\n", key.VintageYear, key.CompanyID, key.ProjectID)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Allocations: %d x %d serials\n", *allocations, *count)
	fmt.Printf("Lock wait:   %s\n\n", cfg.Serial.LockTimeout)

	var sqlAlloc domain.SerialAllocator
	if cfg.Serial.Backend == "sql" {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			fmt.Printf("ERROR: failed to open repository: %v\n", err)
			os.Exit(1)
		}
		defer repo.Close()
		sqlAlloc = repo
	}

	alloc, err := serial.New(cfg.Serial, sqlAlloc)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	started := time.Now()
	result, err := run(ctx, alloc, key, *workers, *allocations, *count)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	elapsed := time.Since(started)

	printResults(result, elapsed)

	if err := Verify(result.Ranges, result.Start); err != nil {
		fmt.Printf("\nFAIL: %v\n", err)
		os.Exit(2)
	}
	fmt.Println("\nOK: ranges are contiguous and disjoint")
}

func run(ctx context.Context, alloc domain.SerialAllocator, key domain.SerialKey, workers, allocations int, count int64) (*Result, error) {
	start, err := alloc.NextSerial(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read start serial: %w", err)
	}

	result := &Result{Start: start}
	var mu sync.Mutex

	work := make(chan struct{}, allocations)
	for i := 0; i < allocations; i++ {
		work <- struct{}{}
	}
	close(work)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				t0 := time.Now()
				r, err := alloc.Allocate(ctx, key, count)
				latency := time.Since(t0).Nanoseconds()

				if err != nil {
					if domain.IsRetryable(err) {
						atomic.AddInt64(&result.LockTimeouts, 1)
					} else {
						atomic.AddInt64(&result.Errors, 1)
					}
					continue
				}

				mu.Lock()
				result.Ranges = append(result.Ranges, r)
				result.Requested += count
				result.TotalLatency += latency
				if latency > result.MaxLatency {
					result.MaxLatency = latency
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return result, nil
}

// Verify checks that ranges, in any order, cover exactly
// [start, start+sum(counts)) with no gap and no overlap.
func Verify(ranges []domain.SerialRange, start int64) error {
	sorted := make([]domain.SerialRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].From < sorted[j].From })

	next := start
	for _, r := range sorted {
		if r.To < r.From {
			return fmt.Errorf("inverted range %d-%d", r.From, r.To)
		}
		switch {
		case r.From < next:
			return fmt.Errorf("range %d-%d overlaps previous range ending at %d", r.From, r.To, next-1)
		case r.From > next:
			return fmt.Errorf("gap: serials %d-%d never allocated", next, r.From-1)
		}
		next = r.To + 1
	}
	return nil
}

func printResults(r *Result, elapsed time.Duration) {
	ok := int64(len(r.Ranges))
	fmt.Println("RESULTS")
	fmt.Printf("   Successful:     %d\n", ok)
	fmt.Printf("   Lock timeouts:  %d\n", r.LockTimeouts)
	fmt.Printf("   Errors:         %d\n", r.Errors)
	fmt.Printf("   Serials:        %d (from %d)\n", r.Requested, r.Start)
	fmt.Printf("   Duration:       %s\n", elapsed.Round(time.Millisecond))
	if ok > 0 {
		fmt.Printf("   Avg latency:    %s\n", time.Duration(r.TotalLatency/ok).Round(time.Microsecond))
		fmt.Printf("   Max latency:    %s\n", time.Duration(r.MaxLatency).Round(time.Microsecond))
		fmt.Printf("   Throughput:     %.1f alloc/s\n", float64(ok)/elapsed.Seconds())
	}
}
