package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/stubd/stubd/internal/admin"
	"github.com/stubd/stubd/internal/cache"
	"github.com/stubd/stubd/internal/config"
	"github.com/stubd/stubd/internal/events"
	"github.com/stubd/stubd/internal/forward"
	"github.com/stubd/stubd/internal/logging"
	"github.com/stubd/stubd/internal/ratelimit"
	"github.com/stubd/stubd/internal/resolve"
	"github.com/stubd/stubd/internal/transport"
	"github.com/stubd/stubd/internal/upstream"
)

type options struct {
	logLevel int
	version  bool
}

const version = "0.1.0"

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:   "stubd <config.toml>",
		Short: "Caching, rate-limited forwarding DNS resolver",
		Long: `stubd is a caching, forwarding DNS stub resolver.

Listens for incoming DNS requests over UDP and TCP, applies an
access-control list and a per-client rate limit, serves from an in-memory
TTL-aware cache, and forwards cache misses to a set of configured
upstream resolvers, failing over between them by observed health and
latency.`,
		Example: "  stubd config.toml",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if opt.version {
				fmt.Println(version)
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("exactly one config file is required")
			}
			return run(args[0], opt)
		},
		SilenceUsage: true,
	}
	cmd.Flags().IntVarP(&opt.logLevel, "log-level", "l", int(slog.LevelInfo), "log level, lower is more verbose")
	cmd.Flags().BoolVarP(&opt.version, "version", "v", false, "print version and exit")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string, opt options) error {
	logging.SetLevel(os.Stderr, slog.Level(opt.logLevel))

	watcher, err := config.NewWatcher(configPath, nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	stop := make(chan struct{})
	if err := watcher.Start(stop); err != nil {
		return fmt.Errorf("watching config: %w", err)
	}
	defer close(stop)

	snap := watcher.Current()
	f := snap.File

	bus := events.New()

	acl, err := ratelimit.NewACL(f.AllowedNet, f.BlockedNet)
	if err != nil {
		return fmt.Errorf("building acl: %w", err)
	}
	limiter := ratelimit.NewLimiter(f.RateLimitPerIP)

	c := cache.New(cache.Options{
		MaxSizeBytes: f.CacheMaxSizeBytes,
		MinTTL:       f.CacheMinTTL,
		MaxTTL:       f.CacheMaxTTL,
		NegativeTTL:  f.CacheNegativeTTL,
	})

	var upstreams []*upstream.Upstream
	for _, u := range f.Upstreams {
		port := u.Port
		if port == 0 {
			port = 53
		}
		upstreams = append(upstreams, &upstream.Upstream{Address: u.Address, Port: port})
	}
	pool := upstream.NewPool(upstreams)
	pool.SetEvents(bus)

	fwOpt := forward.DefaultOptions()
	if f.ForwardMaxAttempts > 0 {
		fwOpt.MaxAttempts = f.ForwardMaxAttempts
	}
	if f.ForwardAttemptTimeoutSec > 0 {
		fwOpt.PerAttemptTimeout = time.Duration(f.ForwardAttemptTimeoutSec) * time.Second
	}
	fw := forward.New(pool, forward.NewDNSClient(), fwOpt)

	resolver := resolve.New(acl, limiter, c, fw)
	resolver.Events = bus

	limiterStop := make(chan struct{})
	defer close(limiterStop)
	go limiter.StartJanitor(time.Minute, limiterStop)

	sweepStop := make(chan struct{})
	defer close(sweepStop)
	go c.StartSweeper(time.Minute, sweepStop)

	var listeners []transport.Listener
	for _, l := range f.Listeners {
		id := l.Protocol + ":" + l.Address
		switch l.Protocol {
		case "tcp":
			listeners = append(listeners, transport.NewTCPListener(id, l.Address, resolver))
		default:
			listeners = append(listeners, transport.NewUDPListener(id, l.Address, resolver))
		}
	}
	if f.AdminAddr != "" {
		listeners = append(listeners, admin.New("admin", f.AdminAddr, c, bus))
	}

	errCh := make(chan error, len(listeners))
	for _, l := range listeners {
		l := l
		go func() {
			if err := l.Start(); err != nil {
				errCh <- fmt.Errorf("listener %s: %w", l.String(), err)
			}
		}()
	}
	bus.Publish(events.TopicServer, map[string]any{"event": "started"})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sig:
		logging.Log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, l := range listeners {
		if err := l.Stop(shutdownCtx); err != nil {
			logging.Log.Error("error stopping listener", "id", l.String(), "err", err)
		}
	}
	bus.Publish(events.TopicServer, map[string]any{"event": "stopped"})
	return watcher.Stop()
}
