// Command vrf-fulfiller runs the VRF fulfillment engine: the durable queue
// processor, relayer pool, and metrics scrape endpoint. Event
// scanning/decoding, the analytics API, and the terminal dashboard live
// elsewhere.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli"

	"github.com/smartcontractkit/chainlink-common/pkg/logger"

	"github.com/smartcontractkit/chainlink-vrf-relayer/core/chains/evm/provider"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/metrics"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/observer"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/queue"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/queueprocessor"
	"github.com/smartcontractkit/chainlink-vrf-relayer/core/relayer"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	app := &cli.App{
		Name:  "vrf-fulfiller",
		Usage: "fulfillment engine for the VRF oracle's off-chain pipeline",
		Commands: []cli.Command{
			migrateCommand(),
			runCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func versionCommand() cli.Command {
	return cli.Command{
		Name:  "version",
		Usage: "print the build version",
		Action: func(*cli.Context) error {
			fmt.Println(version)
			return nil
		},
	}
}

func migrateCommand() cli.Command {
	return cli.Command{
		Name:  "migrate",
		Usage: "apply pending database migrations to DATABASE_URL",
		Action: func(*cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return errors.Wrap(err, "configuration error")
			}
			db, err := sql.Open("pgx", cfg.DatabaseURL)
			if err != nil {
				return errors.Wrap(err, "failed to open database")
			}
			defer db.Close()

			goose.SetBaseFS(queue.MigrationsFS)
			if err := goose.SetDialect("postgres"); err != nil {
				return errors.Wrap(err, "failed to set goose dialect")
			}
			if err := goose.Up(db, "migrations"); err != nil {
				return errors.Wrap(err, "migration failed")
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
}

func runCommand() cli.Command {
	return cli.Command{
		Name:  "run",
		Usage: "run the queue processor and metrics endpoint",
		Action: func(*cli.Context) error {
			cfg, err := loadConfig()
			if err != nil {
				return errors.Wrap(err, "configuration error")
			}
			return run(cfg)
		},
	}
}

func run(cfg config) error {
	lggr, err := logger.New()
	if err != nil {
		return errors.Wrap(err, "failed to initialize logger")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sqlxDB, err := sqlx.Connect("pgx", cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}
	defer sqlxDB.Close()
	orm := queue.NewORM(sqlxDB)

	chainProvider, err := provider.New(ctx, cfg.RPCURL, provider.Config{}, lggr)
	if err != nil {
		return errors.Wrap(err, "failed to connect to chain RPC")
	}

	sink := metrics.New(prometheus.DefaultRegisterer)

	var scheduler relayer.Scheduler
	if cfg.Scheduler == "random" {
		scheduler = relayer.NewUniformRandomScheduler()
	} else {
		scheduler = relayer.NewRoundRobinScheduler()
	}

	accounts := make([]*relayer.Account, 0, len(cfg.Accounts))
	for _, accCfg := range cfg.Accounts {
		account, err := relayer.NewAccount(accCfg, chainProvider, sink, lggr)
		if err != nil {
			return errors.Wrap(err, "failed to initialize relayer account")
		}
		accounts = append(accounts, account)
		lggr.Infow("initialized relayer account", "address", account.Address.Hex(), "batchExecutor", account.BatchExecutorAddress != nil)
	}
	pool := relayer.New(accounts, scheduler, sink, lggr)
	obs := observer.New(orm, chainProvider, sink, lggr)

	processor := queueprocessor.New(queueprocessor.Config{
		ContractAddress: cfg.ContractAddress,
		Network:         cfg.Network,
		BatchSize:       cfg.BatchSize,
	}, orm, pool, obs, sink, lggr)

	if err := processor.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start queue processor")
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lggr.Errorw("metrics server exited unexpectedly", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	lggr.Infow("received shutdown signal, draining in-flight batches")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)

	if err := processor.Close(); err != nil {
		lggr.Errorw("error during queue processor shutdown", "err", err)
	}
	return nil
}
