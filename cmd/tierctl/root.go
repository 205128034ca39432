package main

import (
	"context"
	"errors"
	"fmt"
	stdslog "log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/tiercache"
	"github.com/unkn0wn-root/tiercache/codec"
	asynchook "github.com/unkn0wn-root/tiercache/hooks/async"
	"github.com/unkn0wn-root/tiercache/hooks/prom"
	logrusadapter "github.com/unkn0wn-root/tiercache/log/logrus"
	slogadapter "github.com/unkn0wn-root/tiercache/log/slog"
	zapadapter "github.com/unkn0wn-root/tiercache/log/zap"
	"github.com/unkn0wn-root/tiercache/sloghooks"
)

const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "tierctl",
	Short:         "exercise tiercache coordinators",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	f := rootCmd.PersistentFlags()
	f.String("front", "memory", "front/cache tier (memory, ristretto, bigcache, redis)")
	f.Int("front-capacity", 10_000, "entries held by a memory front tier; ristretto max cost")
	f.String("redis-addr", "localhost:6379", "redis address for redis tiers, stores and generations")
	f.String("redis-prefix", "tierctl:", "key prefix used in redis")
	f.String("codec", "string", "value encoding in the tiers (string, json, msgpack, cbor, cbor-det)")
	f.String("logger", "zap", "log backend (zap, logrus, slog)")
	f.String("log-level", "info", "minimum log level (debug, info, warn, error)")
	f.String("hooks", "prom", "hook sink (prom, slog, none)")
	f.String("metrics-addr", "", "serve /metrics on this address while running; empty disables")
	f.Duration("duration", 10*time.Second, "how long to run")
	f.Int("keys", 1000, "size of the key space")
	f.Int("workers", 8, "concurrent workers")

	rootCmd.AddCommand(soakCmd, writeBehindCmd)
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("tiercache")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// app bundles the ambient pieces every command needs.
type app struct {
	log      tiercache.Logger
	hooks    tiercache.Hooks
	registry *prometheus.Registry
	closers  []func()
}

func newApp(component string) (*app, error) {
	rt := &app{registry: prometheus.NewRegistry()}
	l, sync, err := buildLogger(viper.GetString("logger"), viper.GetString("log-level"), component)
	if err != nil {
		return nil, err
	}
	rt.log = l
	rt.closers = append(rt.closers, sync)

	switch h := viper.GetString("hooks"); h {
	case "prom":
		rt.hooks = prom.New(rt.registry, "tiercache", component, nil)
	case "slog":
		async := asynchook.New(sloghooks.New(stdslog.Default(), sloghooks.Options{
			AnomalyEvery: 10,
			RefreshEvery: 100,
			BacklogAbove: 1000,
		}), 1, 4096)
		rt.hooks = async
		rt.closers = append(rt.closers, async.Close)
	case "none", "":
		rt.hooks = tiercache.NopHooks{}
	default:
		return nil, fmt.Errorf("unknown hooks %q", h)
	}

	if addr := viper.GetString("metrics-addr"); addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				rt.log.Error("metrics server stopped", tiercache.Fields{"addr": addr, "err": err})
			}
		}()
		rt.closers = append(rt.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}
	return rt, nil
}

func (rt *app) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func buildLogger(backend, level, component string) (tiercache.Logger, func(), error) {
	switch backend {
	case "zap":
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return nil, nil, err
		}
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(lvl)
		zl, err := cfg.Build()
		if err != nil {
			return nil, nil, err
		}
		return zapadapter.New(zl, component), func() { _ = zl.Sync() }, nil
	case "logrus":
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			return nil, nil, err
		}
		ll := logrus.New()
		ll.SetOutput(os.Stderr)
		ll.SetLevel(lvl)
		ll.SetFormatter(&logrus.JSONFormatter{})
		return logrusadapter.New(ll, component), func() {}, nil
	case "slog":
		var lvl stdslog.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, nil, err
		}
		h := stdslog.NewJSONHandler(os.Stderr, &stdslog.HandlerOptions{Level: lvl})
		return slogadapter.New(stdslog.New(h), component), func() {}, nil
	default:
		return nil, nil, fmt.Errorf("unknown logger %q", backend)
	}
}

func valueCodec(name string) (codec.Codec[string], error) {
	if name == "string" {
		return codec.String{}, nil
	}
	return codec.ByName[string](name)
}
