package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/matst80/turnbridge/internal/discovery"
	"github.com/matst80/turnbridge/internal/obs"
	"github.com/matst80/turnbridge/internal/ratelimit"
	"github.com/matst80/turnbridge/internal/relay"
	"github.com/matst80/turnbridge/internal/session"
	"github.com/redis/go-redis/v9"
)

func main() {
	flag.Parse()
	if cfg.Debug {
		obs.EnableDebug(true)
	}
	obs.Info("turnbridge.start", obs.Fields{"target": cfg.Target, "metrics": cfg.MetricsAddr})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		var err error
		if rdb, err = discovery.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB); err != nil {
			obs.Error("redis.connect", obs.Fields{"err": err, "addr": cfg.RedisAddr})
			os.Exit(1)
		}
		defer rdb.Close()
	}
	src, err := buildSource(rdb)
	if err != nil {
		obs.Error("discovery.config", obs.Fields{"err": err})
		os.Exit(2)
	}
	reg := discovery.NewRegistry(rdb, cfg.RegistryKey, cfg.RegistryTTL)
	if rr, ok := reg.(*discovery.RedisRegistry); ok {
		go rr.Run(ctx)
	}
	limiter := ratelimit.NewLimiter(cfg.GlobalRate, cfg.PeerRate, cfg.Burst)
	go runPruneLoop(ctx, limiter, time.Minute)

	st := &status{started: time.Now(), registry: reg, limiter: limiter}
	if cfg.MetricsAddr != "" {
		go startMetricsServer(cfg.MetricsAddr, st)
	}

	for {
		if err := runOnce(ctx, src, reg, limiter, st); err != nil && !errors.Is(err, relay.ErrClosed) {
			obs.Warn("relay.ended", obs.Fields{"err": err})
		}
		select {
		case <-ctx.Done():
			obs.Info("turnbridge.shutdown.complete", obs.Fields{})
			return
		case <-time.After(cfg.ReconnectDelay):
		}
		obs.Info("relay.reconnect", obs.Fields{})
	}
}

func buildSource(rdb *redis.Client) (discovery.Source, error) {
	var chain discovery.Chain
	if list := cfg.relayList(); len(list) > 0 {
		chain = append(chain, discovery.StaticPort(list, cfg.DefaultPort))
	}
	if cfg.RelayFile != "" {
		chain = append(chain, discovery.File{Path: cfg.RelayFile, DefaultPort: cfg.DefaultPort})
	}
	if cfg.RelayURL != "" {
		chain = append(chain, discovery.HTTP{URL: cfg.RelayURL, DefaultPort: cfg.DefaultPort})
	}
	if cfg.RelayRedisKey != "" {
		if rdb == nil {
			return nil, errors.New("--relay-redis-key needs --redis")
		}
		chain = append(chain, discovery.Redis{Client: rdb, Key: cfg.RelayRedisKey, DefaultPort: cfg.DefaultPort})
	}
	if len(chain) == 0 {
		return nil, errors.New("no relay source configured: use --relay, --relay-file, --relay-url or --relay-redis-key")
	}
	return chain, nil
}

// runOnce connects one relay client and blocks until it closes or ctx ends.
func runOnce(ctx context.Context, src discovery.Source, reg discovery.Registry, limiter *ratelimit.Limiter, st *status) error {
	candidates, err := src.Candidates(ctx)
	if err != nil {
		return err
	}
	client := relay.New(relay.Options{
		Local:             session.TCPDialer{Addr: cfg.Target, Timeout: cfg.DialTimeout},
		AllocateTimeout:   cfg.AllocTimeout,
		RequestTimeout:    cfg.RequestTimeout,
		IdleTimeout:       cfg.RelayIdle,
		SessionIdle:       cfg.SessionIdle,
		LocalWriteTimeout: cfg.LocalWrite,
		Limiter:           limiter,
	})
	st.set(client)
	defer client.Close()

	cctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	err = client.Connect(cctx, candidates)
	cancel()
	if err != nil {
		return err
	}
	mapped, _ := client.MappedAddress()
	relayed, _ := client.RelayAddress()
	alloc := discovery.Allocation{Mapped: mapped.String(), Relay: relayed.String(), Server: client.Server(), Updated: time.Now().UTC()}
	if err := reg.Publish(ctx, alloc); err != nil {
		obs.Error("registry.publish", obs.Fields{"err": err})
	}
	defer func() {
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer wcancel()
		if err := reg.Withdraw(wctx); err != nil {
			obs.Error("registry.withdraw", obs.Fields{"err": err})
		}
	}()

	select {
	case <-ctx.Done():
		obs.Info("turnbridge.shutdown.signal", obs.Fields{})
		client.Close()
	case <-client.Done():
	}
	return client.Err()
}

func runPruneLoop(ctx context.Context, l *ratelimit.Limiter, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(); n > 0 {
				obs.Debug("ratelimit.prune", obs.Fields{"removed": n})
			}
		}
	}
}
