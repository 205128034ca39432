package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/unkn0wn-root/tiercache"
)

var soakCmd = &cobra.Command{
	Use:   "soak",
	Short: "hammer an overlay with mixed reads, writes and removals",
	Long: `soak runs concurrent workers against a front tier overlaid on a back tier
and checks that a final Clear leaves no entry behind.`,
	RunE: runSoak,
}

func init() {
	f := soakCmd.Flags()
	f.String("back", "memory", "back tier (memory, ristretto, bigcache, redis)")
	f.Int("back-capacity", 1_000_000, "entries held by a memory back tier")
	f.Duration("ttl", 0, "entry ttl; 0 disables expiry")
}

func runSoak(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp("overlay")
	if err != nil {
		return err
	}
	defer a.close()

	front, err := buildTier(ctx, viper.GetString("front"), "front", viper.GetInt("front-capacity"), 1)
	if err != nil {
		return fmt.Errorf("front: %w", err)
	}
	back, err := buildTier(ctx, viper.GetString("back"), "back", viper.GetInt("back-capacity"), 1)
	if err != nil {
		_ = front.Close(ctx)
		return fmt.Errorf("back: %w", err)
	}

	vc, err := valueCodec(viper.GetString("codec"))
	if err != nil {
		_ = front.Close(ctx)
		_ = back.Close(ctx)
		return err
	}
	ttl := viper.GetDuration("ttl")
	ov, err := tiercache.New[string](tiercache.Options[string]{
		Front:         front,
		Back:          back,
		Codec:         vc,
		Logger:        a.log,
		Hooks:         a.hooks,
		ExpiryEnabled: ttl > 0,
		EvictInterval: time.Second,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := ov.Close(context.Background()); err != nil {
			a.log.Error("close failed", tiercache.Fields{"err": err})
		}
	}()

	var events [4]atomic.Int64
	cancelSub := ov.Subscribe(func(_ context.Context, ev tiercache.Event[string]) {
		if int(ev.Kind) < len(events) {
			events[ev.Kind].Add(1)
		}
	})
	defer cancelSub()

	runCtx, cancel := context.WithTimeout(ctx, viper.GetDuration("duration"))
	defer cancel()

	keys := viper.GetInt("keys")
	var ops atomic.Int64
	g, gctx := errgroup.WithContext(runCtx)
	for w := 0; w < viper.GetInt("workers"); w++ {
		seed := time.Now().UnixNano() + int64(w)
		g.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			for gctx.Err() == nil {
				key := "k" + strconv.Itoa(r.Intn(keys))
				var err error
				switch op := r.Intn(20); {
				case op < 10:
					_, _, err = ov.Get(gctx, key)
				case op < 16:
					err = ov.Set(gctx, key, strconv.Itoa(r.Int()), ttl)
				case op < 18:
					_, _, err = ov.Put(gctx, key, strconv.Itoa(r.Int()), ttl)
				case op < 19:
					_, err = ov.Delete(gctx, key)
				default:
					_, err = ov.Contains(gctx, key)
				}
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
						return nil
					}
					return fmt.Errorf("%s: %w", key, err)
				}
				ops.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := ov.Flush(ctx); err != nil {
		return err
	}
	live := ov.Len()
	if err := ov.Clear(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ops=%d live=%d inserted=%d updated=%d deleted=%d\n",
		ops.Load(), live,
		events[tiercache.Inserted].Load(), events[tiercache.Updated].Load(), events[tiercache.Deleted].Load())
	if n := ov.Len(); n != 0 {
		return fmt.Errorf("%d entries survived clear", n)
	}
	return nil
}
