// Command gojostore_bench drives concurrent writers and readers against one
// container and reports throughput.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sushant-115/gojostore/internal/app"
)

var (
	configPath = flag.String("config", "", "Path to the YAML configuration file")
	dataDir    = flag.String("data_dir", "/tmp/gojostore_bench", "Data directory")
	container  = flag.String("container", "bench", "Container to load")
	keys       = flag.Int("keys", 100000, "Number of distinct keys")
	writers    = flag.Int("writers", 20, "Concurrent writers")
	readers    = flag.Int("readers", 10, "Concurrent readers")
	valueSize  = flag.Int("value_size", 64, "Value size in bytes")
)

type phase struct {
	name    string
	ops     int64
	errors  int64
	elapsed time.Duration
}

func (p phase) String() string {
	rate := float64(p.ops) / p.elapsed.Seconds()
	return fmt.Sprintf("%-6s %9d ops %6d errors %10s %12.0f ops/s", p.name, p.ops, p.errors, p.elapsed.Round(time.Millisecond), rate)
}

func main() {
	flag.Parse()
	if err := bench(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func bench(ctx context.Context) error {
	a, err := app.Open(ctx, app.Options{ConfigPath: *configPath, DataDir: *dataDir, LogLevel: "error"})
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(ctx); err != nil {
			a.Logger.Error("Failed to close store", zap.Error(err))
		}
	}()

	c, err := a.Store.Container(*container)
	if err != nil {
		return err
	}
	value := make([]byte, *valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	write := run(ctx, "write", *writers, func(i int) error {
		_, _, err := c.Put("key-"+strconv.Itoa(i), value)
		return err
	})
	read := run(ctx, "read", *readers, func(i int) error {
		v, ok, err := c.Get("key-" + strconv.Itoa(i))
		switch {
		case err != nil:
			return err
		case !ok:
			return fmt.Errorf("key-%d not found", i)
		}
		if b, _ := v.([]byte); len(b) != len(value) {
			return fmt.Errorf("key-%d has value %T of length %d", i, v, len(b))
		}
		return nil
	})

	start := time.Now()
	lsn, err := a.Store.Checkpoint(ctx)
	if err != nil {
		a.Logger.Error("Checkpoint failed", zap.Error(err))
	}
	ckpt := phase{name: "ckpt", ops: 1, elapsed: time.Since(start)}

	fmt.Println(write)
	fmt.Println(read)
	fmt.Println(ckpt)
	st := a.Store.Stats()
	fmt.Printf("size=%d lsn=%d checkpoint_lsn=%d cache=%+v\n", c.Size(), st.LSN, lsn, st.Cache)
	return nil
}

// run spreads keys 0..n-1 across workers and times op over all of them.
func run(ctx context.Context, name string, workers int, op func(i int) error) phase {
	var next, errs atomic.Int64
	n := int64(*keys)
	start := time.Now()
	g, _ := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for {
				i := next.Add(1) - 1
				if i >= n {
					return nil
				}
				if err := op(int(i)); err != nil {
					if errs.Add(1) <= 10 {
						fmt.Fprintf(os.Stderr, "%s error: %v\n", name, err)
					}
				}
			}
		})
	}
	_ = g.Wait()
	return phase{name: name, ops: n, errors: errs.Load(), elapsed: time.Since(start)}
}
