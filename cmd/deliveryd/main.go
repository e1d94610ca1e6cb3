// deliveryd is the process entrypoint: it wires every delivery-pipeline
// component's constructor together, starts the HTTP and WebSocket
// listeners and the persister's background loop, and shuts down cleanly
// on SIGINT/SIGTERM. Grounded on webitel-im-delivery-service's cmd/
// entrypoint use of urfave/cli/v2 for flag parsing -- the teacher's own
// slick.go has no main, since it is a library, not a server binary.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/google/uuid"

	"github.com/relaymesh/delivery/cache"
	"github.com/relaymesh/delivery/clock"
	"github.com/relaymesh/delivery/config"
	"github.com/relaymesh/delivery/domain"
	"github.com/relaymesh/delivery/httpapi"
	"github.com/relaymesh/delivery/messages"
	"github.com/relaymesh/delivery/metrics"
	"github.com/relaymesh/delivery/persister"
	"github.com/relaymesh/delivery/presence"
	"github.com/relaymesh/delivery/push"
	"github.com/relaymesh/delivery/queue"
	"github.com/relaymesh/delivery/sender"
	"github.com/relaymesh/delivery/ws"
)

// unregisteredDeviceTokenLookup and unregisteredDeviceEnumerator stand in
// for collaborators that spec.md §1 names explicitly out of scope:
// account/device CRUD and push-token registration. A real deployment
// wires these to the account service; until that service boundary
// exists these simply report "unknown".
type unregisteredDeviceTokenLookup struct{}

func (unregisteredDeviceTokenLookup) Lookup(device domain.DeviceKey) (token, platform string, ok bool) {
	return "", "", false
}

type unregisteredDeviceEnumerator struct{}

func (unregisteredDeviceEnumerator) Devices(ctx context.Context, accountUUID uuid.UUID) ([]domain.DeviceKey, error) {
	return nil, domain.NewError(domain.Logical, "Devices", fmt.Errorf("account service not wired"))
}

func main() {
	app := &cli.App{
		Name:  "deliveryd",
		Usage: "runs the message delivery pipeline server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to a config document (yaml/json)"},
			&cli.BoolFlag{Name: "debug"},
			&cli.StringFlag{Name: "server-instance-id", EnvVars: []string{"DELIVERYD_SERVER_INSTANCE_ID"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cctx *cli.Context) error {
	var opts []config.Option
	if path := cctx.String("config"); path != "" {
		docOpts, err := config.LoadDocument(path)
		if err != nil {
			return err
		}
		opts = append(opts, docOpts...)
	}
	if cctx.Bool("debug") {
		opts = append(opts, config.WithDebug(true))
	}
	if id := cctx.String("server-instance-id"); id != "" {
		opts = append(opts, config.WithServerInstanceID(id))
	}
	cfg := config.NewConfig(opts...)

	log := cfg.Logger("main")
	defer log.Sync()

	cacheClient := cache.New(cache.Options{
		Addrs:       cfg.RedisAddrs,
		ClusterName: cfg.RedisClusterName,
		Log:         cfg.Logger("cache"),
	})
	q := queue.New(cacheClient)

	store, err := messages.OpenStore(cfg.PostgresDSN, cfg.PersistDelay*3)
	if err != nil {
		return err
	}

	senders := map[string]push.Sender{}
	if cfg.APNsCertPath != "" {
		apnsSender, err := push.NewAPNsSender(cfg.APNsCertPath, cfg.APNsTopic, cfg.APNsProduction)
		if err != nil {
			return err
		}
		senders["ios"] = apnsSender
	}
	if cfg.FCMEndpoint != "" {
		senders["android"] = push.NewFCMSender(cfg.FCMEndpoint, cfg.FCMAPIKey)
	}

	scheduleStore := push.NewRedisScheduleStore(cacheClient)
	scheduler := push.NewScheduler(senders, scheduleStore, unregisteredDeviceTokenLookup{}, nil, cfg.Logger("push"), cfg.PushMaxAttempts, cfg.PushBaseDelay, cfg.PushMaxDelay, 100000, 8)

	reg := metrics.New()
	manager := messages.NewManager(q, store, cacheClient, cfg.Logger("messages"), reg.PushLatencyRecorder(), scheduler, cfg.MaxScanWindow)

	presenceRegistry := presence.New(cacheClient, cfg.Logger("presence"), cfg.PresenceTTL)

	wsRegistry := ws.NewRegistry()
	wsHandler := ws.NewHandler(presenceRegistry, manager, scheduler, wsRegistry, cfg.ServerInstanceID, cfg.PresenceRefreshEvery, cfg.Logger("ws"))

	msgSender := sender.New(manager, presenceRegistry, wsRegistry, scheduler, cfg.ServerInstanceID, nil)

	handler := httpapi.NewHandler(manager, msgSender, unregisteredDeviceEnumerator{}, cfg.Logger("httpapi"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Best-effort: presence.Registry.OnExpired's passive TTL-expiry/del
	// feed only fires if the cluster's masters actually emit keyevent
	// notifications; a managed Redis offering that disallows CONFIG SET
	// just means every session falls back to the active displacement
	// path and its own ticker-driven presence refresh.
	if err := cacheClient.EnableKeyspaceNotifications(ctx, "Egx"); err != nil {
		log.Warnw("failed to enable keyspace notifications", "err", err)
	}

	manager.Start(ctx)

	p := persister.New(cacheClient, q, store, manager, clock.NewSystemClock(), cfg.Logger("persister"), cfg.PersistDelay, cfg.PersistBatchSize, cfg.PersistConcurrency, cfg.MaxQueuesPerRun, cfg.ServerInstanceID)
	go runPersisterLoop(ctx, p, log)
	go scheduler.Run(ctx, time.Second)

	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler.Routes()}
	go func() {
		log.Infow("http listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("http server failed", "err", err)
		}
	}()

	wsMux := http.NewServeMux()
	wsMux.Handle("/ws", wsHandler)
	wsServer := &http.Server{Addr: cfg.WSAddr, Handler: wsMux}
	go func() {
		log.Infow("ws listening", "addr", cfg.WSAddr)
		if err := wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Errorw("ws server failed", "err", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Infow("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = wsServer.Shutdown(shutdownCtx)
	cancel()
	return nil
}

// runPersisterLoop drives RunOnce on a fixed interval against the 16
// persist-index shards (queue.ShardOf's buckets, each named by its first
// slot: 0, 1024, ..., 15360). Every instance attempts every shard, and the
// lease (persister.claimLease) ensures only one instance's attempt wins
// per shard per run.
func runPersisterLoop(ctx context.Context, p *persister.Persister, log interface {
	Errorw(string, ...interface{})
}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	slots := make([]int, persister.NumSlots/1024)
	for i := range slots {
		slots[i] = i * 1024
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.RunOnce(ctx, slots); err != nil {
				log.Errorw("persister run failed", "err", err)
			}
		}
	}
}
