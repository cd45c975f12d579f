// Command archive-indexer is the process entry point: it wires the
// scheduler, metadata gate, durable sink, dispatcher, and tracker
// together per a TOML configuration file, in the shape of cmd/geth's
// own flag/command wiring (urfave/cli/v2, TOML config, automaxprocs).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/koushiro/substrate-archive-go/chain"
	"github.com/koushiro/substrate-archive-go/chain/chaintest"
	"github.com/koushiro/substrate-archive-go/config"
	"github.com/koushiro/substrate-archive-go/dispatch"
	"github.com/koushiro/substrate-archive-go/dispatch/kafka"
	"github.com/koushiro/substrate-archive-go/ingest"
	"github.com/koushiro/substrate-archive-go/log"
	"github.com/koushiro/substrate-archive-go/metadata"
	"github.com/koushiro/substrate-archive-go/metrics"
	"github.com/koushiro/substrate-archive-go/scheduler"
	"github.com/koushiro/substrate-archive-go/store"
	"github.com/koushiro/substrate-archive-go/store/postgres"
	"github.com/koushiro/substrate-archive-go/tracker"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "path to the TOML configuration file",
	}
	startBlockFlag = &cli.IntFlag{
		Name:  "start-block",
		Usage: "override the scheduler's resume height (spec §6 CLI override)",
		Value: -1,
	}
	logLevelFlag = &cli.StringFlag{
		Name:  "log.level",
		Usage: "trace|debug|info|warn|error",
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log.file",
		Usage: "write logs to this file instead of stderr",
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics.addr",
		Usage: "address the Prometheus exporter listens on",
	}
)

func main() {
	app := &cli.App{
		Name:  "archive-indexer",
		Usage: "Substrate-compatible archive indexer",
		Flags: []cli.Flag{configFlag, startBlockFlag, logLevelFlag, logFileFlag, metricsAddrFlag},
		Commands: []*cli.Command{
			runCommand,
			dumpConfigCommand,
			statusCommand,
			bootstrapCommand,
		},
		Action: runAction,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "archive-indexer:", err)
		os.Exit(1)
	}
}

// loadConfig builds the effective Config: Default(), overlaid by the
// TOML file if --config was given, overlaid by CLI flags (spec §6:
// "CLI overrides may include --start-block").
func loadConfig(c *cli.Context) (config.Config, error) {
	var cfg config.Config
	var err error
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return cfg, err
		}
	} else {
		cfg = config.Default()
	}

	if n := c.Int("start-block"); n >= 0 {
		u := uint32(n)
		cfg.Scheduler.StartBlock = &u
	}
	if lvl := c.String("log.level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if f := c.String("log.file"); f != "" {
		cfg.Log.FilePath = f
	}
	if addr := c.String("metrics.addr"); addr != "" {
		cfg.MetricsAddr = addr
	}
	return cfg, nil
}

func setupLogging(cfg config.Config) {
	log.SetLevel(cfg.Log.Level)
	if cfg.Log.FilePath != "" {
		log.SetDefault(log.NewFileLogger(cfg.Log.FilePath, cfg.Log.FileMaxSizeMB))
	}
}

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "run the indexing pipeline",
	Action: runAction,
}

// runAction wires every actor in the pipeline's data-flow order
// (Scheduler -> Executor -> Metadata Gate -> Durable Sink -> Dispatcher
// -> external sinks; Tracker writes directly to the sink) and blocks
// until a termination signal arrives (spec §2, §5 "Cancellation").
func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg)
	if _, err := maxprocs.Set(maxprocs.Logger(log.Root().Info)); err != nil {
		log.Warn("automaxprocs: failed to set GOMAXPROCS", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyShutdown(cancel)

	sink, err := openSink(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}
	defer sink.Close()
	if err := sink.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap sink: %w", err)
	}

	backend := newBackend(cfg)

	dispatcher := dispatch.New()
	for _, sub := range cfg.Kafka {
		k, err := kafka.New(sub.Name, kafka.Config{
			Brokers:        sub.Brokers,
			TopicMetadata:  sub.TopicMetadata,
			TopicBlock:     sub.TopicBlock,
			TopicBatch:     sub.TopicBatch,
			TopicFinalized: sub.TopicFinalized,
		})
		if err != nil {
			return fmt.Errorf("connect kafka subscriber %s: %w", sub.Name, err)
		}
		dispatcher.Add(k, sub.RatePerSec, sub.Burst)
	}
	dispatcher.Start(ctx)

	runner := ingest.NewRunner(sink, dispatcher.Mailbox())
	runner.Start(ctx)

	gate := metadata.New(backend, sink, runner.Mailbox())
	gate.Start(ctx)

	sched := scheduler.New(backend, sink, gate.Mailbox(), runner, gate, scheduler.Config{
		MaxBlockLoad: cfg.Scheduler.MaxBlockLoad,
		Interval:     cfg.SchedulerInterval(),
		StartBlock:   startBlockNumber(cfg.Scheduler.StartBlock),
	})
	if err := sched.Init(ctx); err != nil {
		return fmt.Errorf("scheduler init: %w", err)
	}
	sched.Start(ctx)

	trk := tracker.New(backend, sink, cfg.TrackerInterval())
	if err := trk.Start(ctx); err != nil {
		return fmt.Errorf("tracker start: %w", err)
	}

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}

	log.Info("archive-indexer started", "metrics_addr", cfg.MetricsAddr)
	<-ctx.Done()
	log.Info("archive-indexer shutting down")
	return nil
}

func startBlockNumber(v *uint32) *chain.BlockNumber {
	if v == nil {
		return nil
	}
	n := chain.BlockNumber(*v)
	return &n
}

// newBackend constructs the chain.Backend the pipeline drives. The real
// Substrate node backend is an out-of-scope external collaborator (spec
// §1): this repository links in the in-memory chaintest.Backend so the
// binary is runnable standalone; a production deployment substitutes
// its own Backend implementation here.
func newBackend(_ config.Config) chain.Backend {
	return chaintest.New()
}

func openSink(ctx context.Context, cfg config.Config) (*postgres.Sink, error) {
	return postgres.Open(ctx, postgres.Config{
		DSN:             cfg.Store.DSN,
		MaxConns:        cfg.Store.MaxConns,
		MinConns:        cfg.Store.MinConns,
		ConnectTimeout:  cfg.StoreConnectTimeout(),
		MaxConnIdleTime: cfg.StoreMaxConnIdleTime(),
		MaxConnLifetime: cfg.StoreMaxConnLifetime(),
	})
}

func notifyShutdown(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("metrics server failed", "addr", addr, "err", err)
	}
}

var dumpConfigCommand = &cli.Command{
	Name:  "dumpconfig",
	Usage: "show the effective configuration after defaults, file, and flag overlay",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		out, err := config.Dump(cfg)
		if err != nil {
			return err
		}
		fmt.Println(out)
		return nil
	},
}

var bootstrapCommand = &cli.Command{
	Name:  "bootstrap",
	Usage: "create the relational store's tables if they do not already exist",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		setupLogging(cfg)
		ctx := context.Background()
		sink, err := openSink(ctx, cfg)
		if err != nil {
			return err
		}
		defer sink.Close()
		if err := sink.Bootstrap(ctx); err != nil {
			return err
		}
		log.Info("bootstrap complete")
		return nil
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "print the sink's current best/finalized/max-block markers",
	Action: func(c *cli.Context) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		setupLogging(cfg)
		ctx := context.Background()
		sink, err := openSink(ctx, cfg)
		if err != nil {
			return err
		}
		defer sink.Close()
		return printStatus(ctx, sink)
	},
}

func printStatus(ctx context.Context, sink store.Sink) error {
	maxBlock, maxOK, err := sink.MaxBlockNum(ctx)
	if err != nil {
		return fmt.Errorf("max block: %w", err)
	}
	bestNum, bestHash, bestOK, err := sink.Best(ctx)
	if err != nil {
		return fmt.Errorf("best: %w", err)
	}
	finalNum, finalHash, finalOK, err := sink.Finalized(ctx)
	if err != nil {
		return fmt.Errorf("finalized: %w", err)
	}
	catchup, err := sink.CatchupFinalized(ctx)
	if err != nil {
		return fmt.Errorf("catchup finalized: %w", err)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"field", "value"})
	table.Append([]string{"max_block", optionalUint(maxBlock, maxOK)})
	table.Append([]string{"best", optionalBlock(bestNum, bestHash, bestOK)})
	table.Append([]string{"finalized", optionalBlock(finalNum, finalHash, finalOK)})
	table.Append([]string{"catchup_finalized", strconv.FormatBool(catchup)})
	table.Render()
	return nil
}

func optionalUint(n chain.BlockNumber, ok bool) string {
	if !ok {
		return "<none>"
	}
	return strconv.FormatUint(uint64(n), 10)
}

func optionalBlock(n chain.BlockNumber, h chain.Hash, ok bool) string {
	if !ok {
		return "<none>"
	}
	return fmt.Sprintf("%d (%s)", n, h)
}
