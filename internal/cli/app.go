package cli

// ============================================================================
// 元件組裝
// 依設定選擇儲存與傳輸實作：
//   - storage.postgres_dsn  → Postgres 訊息庫，否則記憶體
//   - storage.redis_addr    → Redis 金鑰分發佇列，否則記憶體
//   - ledger.remote         → gRPC ledger client，否則本地 loopback
//   - mesh.relay_url        → 遠端 mesh relay，否則內嵌 hub
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ChuLiYu/groupmesh/internal/controller"
	"github.com/ChuLiYu/groupmesh/internal/metrics"
	"github.com/ChuLiYu/groupmesh/internal/server"
	"github.com/ChuLiYu/groupmesh/internal/storage/postgres"
	redisqueue "github.com/ChuLiYu/groupmesh/internal/storage/redis"
	"github.com/ChuLiYu/groupmesh/internal/transport/ledger"
	"github.com/ChuLiYu/groupmesh/internal/transport/mesh"
)

// app holds the assembled node and everything that must be closed with it.
type app struct {
	cfg     *Config
	ctrl    *controller.Controller
	srv     *server.Server
	backend ledger.Backend // nil when the ledger is remote
	closers []func() error
	log     *slog.Logger
}

func newApp(ctx context.Context, cfg *Config) (*app, error) {
	a := &app{cfg: cfg, log: slog.With("component", "app")}
	ok := false
	defer func() {
		if !ok {
			_ = a.close()
		}
	}()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(prometheus.NewRegistry())
	}

	comp := controller.Components{Metrics: collector}

	if dsn := cfg.Storage.PostgresDSN; dsn != "" {
		if cfg.Storage.Migrate {
			if err := postgres.Migrate(ctx, dsn); err != nil {
				return nil, err
			}
		}
		db, err := postgres.New(ctx, dsn)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { db.Close(); return nil })
		comp.Messages = postgres.NewMessageRepo(db)
		a.log.Info("history stored in postgres")
	}

	if addr := cfg.Storage.RedisAddr; addr != "" {
		rdb, err := redisqueue.Dial(ctx, addr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
		comp.Queue = redisqueue.NewQueue(rdb, redisqueue.KeyDistributionTTL)
		a.log.Info("key distributions queued in redis", "addr", addr)
	}

	if remote := cfg.Ledger.Remote; remote != "" {
		client, err := ledger.Dial(remote)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		comp.Ledger = client
		a.log.Info("using remote ledger", "addr", remote)
	} else {
		lb := ledger.NewLoopback()
		a.backend = lb
		comp.Ledger = lb
	}

	var hub *mesh.Hub
	if cfg.Mesh.Enabled {
		hub = mesh.NewHub()
		comp.Mesh = hub
		if relay := cfg.Mesh.RelayURL; relay != "" {
			client, err := mesh.Dial(ctx, relay)
			if err != nil {
				return nil, err
			}
			a.closers = append(a.closers, client.Close)
			comp.Mesh = client
			a.log.Info("using remote mesh relay", "url", relay)
		}
	}

	ctrl, err := controller.NewController(controller.Config{
		WALPath:          cfg.WAL.Path,
		SyncOnAppend:     cfg.WAL.SyncOnAppend,
		SnapshotPath:     cfg.Snapshot.Path,
		SnapshotInterval: cfg.Snapshot.Interval,
		SnapshotBackups:  cfg.Snapshot.Backups,
		PruneInterval:    cfg.History.PruneInterval,
		Retention:        cfg.History.Retention,
		KeepImportant:    cfg.History.KeepImportant,
		MaxKeyRotations:  cfg.Encryption.MaxKeyRotations,
		KeyPushLimit:     cfg.Encryption.KeyPushLimit,
	}, comp)
	if err != nil {
		return nil, fmt.Errorf("create controller: %w", err)
	}
	a.ctrl = ctrl

	opts := []server.Option{server.WithMetrics(collector)}
	if hub != nil {
		opts = append(opts, server.WithHub(hub))
	}
	a.srv = server.NewServer(ctrl, opts...)
	ok = true
	return a, nil
}

// run starts the controller and serves until ctx ends.
func (a *app) run(ctx context.Context) error {
	if err := a.ctrl.Start(); err != nil {
		return err
	}
	defer a.ctrl.Stop()

	errCh := make(chan error, 2)
	if a.backend != nil && a.cfg.Ledger.Listen != "" {
		lis, err := net.Listen("tcp", a.cfg.Ledger.Listen)
		if err != nil {
			return fmt.Errorf("listen ledger: %w", err)
		}
		a.log.Info("ledger gRPC listening", "addr", a.cfg.Ledger.Listen)
		go func() { errCh <- ledger.Serve(ctx, lis, a.backend) }()
	}
	go func() { errCh <- a.srv.ListenAndServe(ctx, a.cfg.HTTP.Addr) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
