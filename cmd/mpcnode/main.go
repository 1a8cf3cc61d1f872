// (c) 2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// mpcnode runs one participant of the threshold-ECDSA signing cluster.
//
// The production deployment wires the chain indexer and the peer transport
// around the precomputation core. Until those services are configured the
// node offers --dev, which runs a small in-process cluster over a loopback
// transport with the dealer-based protocols: every pool, manager and router
// behaves exactly as in production, only the cryptography and the wire are
// simulated.
package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/Andy-commits-lgtm/mpc/config"
	"github.com/Andy-commits-lgtm/mpc/protocol"
	"github.com/Andy-commits-lgtm/mpc/storage"
	"github.com/Andy-commits-lgtm/mpc/tecdsa"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "Path to the node configuration file",
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "datadir",
		Usage: "Directory for the pool databases (in-memory when empty)",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	logFileFlag = &cli.StringFlag{
		Name:  "log-file",
		Usage: "Write logs to the given rotated file in addition to stderr",
	}
	metricsFlag = &cli.StringFlag{
		Name:  "metrics",
		Usage: "Serve prometheus metrics on the given address (e.g. :6060)",
	}
	devFlag = &cli.BoolFlag{
		Name:  "dev",
		Usage: "Run an in-process cluster with dealer-based protocols",
	}
	devNodesFlag = &cli.IntFlag{
		Name:  "dev-nodes",
		Usage: "Number of participants in the dev cluster",
		Value: 3,
	}
	devThresholdFlag = &cli.IntFlag{
		Name:  "dev-threshold",
		Usage: "Signing threshold of the dev cluster",
		Value: 2,
	}
)

func main() {
	app := &cli.App{
		Name:  "mpcnode",
		Usage: "threshold-ECDSA precomputation node",
		Flags: []cli.Flag{
			configFlag, dataDirFlag, verbosityFlag, logFileFlag, metricsFlag,
			devFlag, devNodesFlag, devThresholdFlag,
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) {
	var writer io.Writer = os.Stderr
	useColor := false
	if logFile := ctx.String(logFileFlag.Name); logFile != "" {
		writer = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // MB
			MaxBackups: 10,
		})
	}
	glogger := log.NewGlogHandler(log.NewTerminalHandler(writer, useColor))
	glogger.Verbosity(log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)))
	log.SetDefault(log.NewLogger(glogger))
}

func run(ctx *cli.Context) error {
	setupLogging(ctx)

	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	if dir := ctx.String(dataDirFlag.Name); dir != "" {
		cfg.DataDir = dir
	}

	if addr := ctx.String(metricsFlag.Name); addr != "" {
		go func() {
			log.Info("Serving metrics", "addr", addr)
			if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
				log.Error("Metrics server failed", "err", err)
			}
		}()
	}

	if !ctx.Bool(devFlag.Name) {
		return cli.Exit("the chain indexer and peer transport integrations are not configured; run with --dev", 1)
	}
	return runDev(ctx, cfg)
}

// devNode is one simulated participant.
type devNode struct {
	me         tecdsa.Participant
	db         ethdb.KeyValueStore
	triples    *protocol.TripleManager
	presigs    *protocol.PresignatureManager
	controller *protocol.SupplyController
}

func newDevNode(cfg config.Config, me tecdsa.Participant, snap protocol.StateSnapshot, state protocol.StateSource, transport *protocol.Loopback) (*devNode, error) {
	var (
		db  ethdb.KeyValueStore
		err error
	)
	if cfg.DataDir == "" {
		db = memorydb.New()
	} else {
		path := filepath.Join(cfg.DataDir, fmt.Sprintf("node%d", me))
		db, err = leveldb.New(path, 16, 16, "mpc", false)
		if err != nil {
			return nil, fmt.Errorf("opening pool database %s: %w", path, err)
		}
	}
	account := fmt.Sprintf("%s-%d", cfg.NodeAccount, me)

	triples, err := protocol.NewTripleManager(
		storage.NewPoolStore(db, account, storage.KindTriple),
		func(participants []tecdsa.Participant, me tecdsa.Participant, threshold int) (tecdsa.Protocol, error) {
			return tecdsa.NewTripleGen(participants, me, threshold)
		},
		me, snap, cfg.TripleTarget)
	if err != nil {
		return nil, err
	}
	presigs, err := protocol.NewPresignatureManager(
		storage.NewPoolStore(db, account, storage.KindPresignature),
		triples,
		func(participants []tecdsa.Participant, me tecdsa.Participant, threshold int, t0, t1 protocol.Triple) (tecdsa.Protocol, error) {
			return tecdsa.NewPresign(participants, me, threshold,
				&tecdsa.TripleOutput{Share: t0.Share, Pub: t0.Pub},
				&tecdsa.TripleOutput{Share: t1.Share, Pub: t1.Pub})
		},
		me, snap, cfg.PresignatureTarget)
	if err != nil {
		return nil, err
	}
	router, err := protocol.NewRouter(triples, presigs, cfg.MessageBuffer, cfg.MessageTTL)
	if err != nil {
		return nil, err
	}
	controller := protocol.NewSupplyController(protocol.SupplyOptions{
		MaxConcurrentTripleGen:       cfg.MaxConcurrentTripleGen,
		MaxConcurrentPresignatureGen: cfg.MaxConcurrentPresignatureGen,
		GeneratorTimeout:             cfg.GeneratorTimeout,
		TickInterval:                 cfg.SupplyTickInterval,
		SendTimeout:                  cfg.SendTimeout,
	}, state, triples, presigs, router, transport)
	transport.Attach(me, router)
	return &devNode{me: me, db: db, triples: triples, presigs: presigs, controller: controller}, nil
}

func runDev(ctx *cli.Context, cfg config.Config) error {
	count := ctx.Int(devNodesFlag.Name)
	threshold := ctx.Int(devThresholdFlag.Name)
	if count < 1 || threshold < 1 || threshold > count {
		return cli.Exit(fmt.Sprintf("invalid dev cluster: %d nodes, threshold %d", count, threshold), 1)
	}

	participants := make([]tecdsa.Participant, count)
	for i := range participants {
		participants[i] = tecdsa.Participant(i)
	}
	snap := protocol.StateSnapshot{Epoch: 1, Threshold: threshold, Participants: participants}
	state := protocol.NewContractState(snap)
	transport := protocol.NewLoopback(4096, 256)

	nodes := make([]*devNode, 0, count)
	for _, me := range participants {
		n, err := newDevNode(cfg, me, snap, state, transport)
		if err != nil {
			return err
		}
		nodes = append(nodes, n)
	}

	log.Info("Starting dev cluster", "nodes", count, "threshold", threshold,
		"tripleTarget", cfg.TripleTarget, "presignatureTarget", cfg.PresignatureTarget)
	transport.Start()
	for _, n := range nodes {
		n.controller.Start()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	status := time.NewTicker(2 * time.Second)
	defer status.Stop()

loop:
	for {
		select {
		case sig := <-sigCh:
			log.Info("Shutting down", "signal", sig)
			break loop
		case <-status.C:
			for _, n := range nodes {
				log.Info("Pool status", "node", n.me,
					"triples", n.triples.Len(), "triplesMine", n.triples.LenMine(),
					"tripleGens", n.triples.LenGenerating(),
					"presigs", n.presigs.Len(), "presigsMine", n.presigs.LenMine(),
					"presigGens", n.presigs.LenGenerating())
			}
		}
	}

	for _, n := range nodes {
		n.controller.Stop()
	}
	transport.Stop()
	for _, n := range nodes {
		if err := n.db.Close(); err != nil {
			log.Warn("Closing pool database", "node", n.me, "err", err)
		}
	}
	return nil
}
