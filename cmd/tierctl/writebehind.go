package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/tiercache"
)

var writeBehindCmd = &cobra.Command{
	Use:   "writebehind",
	Short: "write through a store coordinator and verify the store afterwards",
	Long: `writebehind gives every worker its own slice of the key space, writes
each key repeatedly until the run ends, flushes, and compares the store with
the last value written per key.`,
	RunE: runWriteBehind,
}

func init() {
	f := writeBehindCmd.Flags()
	f.String("store", "memory", "system of record (memory, redis, tier)")
	f.String("mode", "write-behind", "persistence mode (write-through, write-behind)")
	f.Duration("write-delay", 0, "write-behind delay; 0 uses the default")
	f.Float64("batch-factor", 0.5, "share of the write delay after which entries may join a batch")
	f.Int("max-batch", 0, "entries per batch store; 0 uses the default")
	f.Int("requeue-threshold", 10_000, "retry failed writes while the queue is below this size")
}

func parseMode(s string) (tiercache.Mode, error) {
	for _, m := range []tiercache.Mode{tiercache.ReadOnly, tiercache.WriteThrough, tiercache.WriteBehind} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func runWriteBehind(cmd *cobra.Command, _ []string) (err error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mode, err := parseMode(viper.GetString("mode"))
	if err != nil {
		return err
	}
	if mode == tiercache.ReadOnly {
		return fmt.Errorf("mode %s never writes to the store", mode)
	}

	a, err := newApp("readwrite")
	if err != nil {
		return err
	}
	defer a.close()

	cache, err := buildTier(ctx, viper.GetString("front"), "cache", viper.GetInt("front-capacity"), 256)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	st, rdb, err := buildStore(ctx, viper.GetString("store"))
	if err != nil {
		_ = cache.Close(ctx)
		return fmt.Errorf("store: %w", err)
	}
	if rdb != nil {
		defer func() { err = multierr.Append(err, rdb.Close()) }()
	}
	gens, err := buildGenerations(rdb)
	if err != nil {
		_ = cache.Close(ctx)
		return err
	}
	defer func() { err = multierr.Append(err, gens.Close(context.Background())) }()

	vc, err := valueCodec(viper.GetString("codec"))
	if err != nil {
		_ = cache.Close(ctx)
		return err
	}
	rw, err := tiercache.NewReadWrite[string](tiercache.ReadWriteOptions[string]{
		Cache:            cache,
		Store:            st,
		Codec:            vc,
		Mode:             mode,
		WriteDelay:       viper.GetDuration("write-delay"),
		BatchFactor:      viper.GetFloat64("batch-factor"),
		MaxBatch:         viper.GetInt("max-batch"),
		RequeueThreshold: viper.GetInt("requeue-threshold"),
		Rethrow:          mode == tiercache.WriteThrough,
		Generations:      gens,
		Logger:           a.log,
		Hooks:            a.hooks,
	})
	if err != nil {
		_ = cache.Close(ctx)
		return err
	}

	runCtx, cancel := context.WithTimeout(ctx, viper.GetDuration("duration"))
	defer cancel()

	workers := viper.GetInt("workers")
	keys := viper.GetInt("keys")
	last := make([]map[string]string, workers)
	g, gctx := errgroup.WithContext(runCtx)
	for w := 0; w < workers; w++ {
		w := w
		mine := make(map[string]string)
		last[w] = mine
		g.Go(func() error {
			for round := 0; gctx.Err() == nil; round++ {
				for k := w; k < keys && gctx.Err() == nil; k += workers {
					key := "k" + strconv.Itoa(k)
					val := strconv.Itoa(round)
					// the run context only bounds the loop; an in-flight write must land
					if err := rw.Put(context.Background(), key, val, 0); err != nil {
						return fmt.Errorf("%s: %w", key, err)
					}
					mine[key] = val
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = rw.Close(context.Background())
		return err
	}

	if err := rw.Flush(ctx); err != nil {
		_ = rw.Close(context.Background())
		return err
	}
	if err := rw.Close(ctx); err != nil {
		return err
	}

	var written, stale int
	for _, m := range last {
		for key, want := range m {
			written++
			got, ok, err := st.Load(ctx, key)
			if err != nil {
				return err
			}
			enc, err := vc.Encode(want)
			if err != nil {
				return err
			}
			if !ok || !bytes.Equal(got, enc) {
				stale++
			}
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "mode=%s keys=%d stale=%d\n", mode, written, stale)
	if stale > 0 {
		return fmt.Errorf("%d keys do not hold their last written value", stale)
	}
	return nil
}
