package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"QuorumDriver/internal/aggregator"
	"QuorumDriver/internal/api"
	"QuorumDriver/internal/authority"
	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/genesis"
	"QuorumDriver/internal/logger"
	"QuorumDriver/internal/network"
	"QuorumDriver/internal/storage"
	"QuorumDriver/internal/types"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() (err error) {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return fmt.Errorf("create data dir:\n%w", err)
	}

	db, err := storage.New(filepath.Join(cfg.DataPath, "db"))
	if err != nil {
		return fmt.Errorf("open storage:\n%w", err)
	}
	defer db.Close()

	store := committee.NewStore(db)

	c, err := bootstrapCommittee(cfg, store)
	if err != nil {
		return err
	}

	node, err := network.NewNode(network.Config{
		PrivateKey:     cfg.PrivateKey,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}
	defer node.Close()

	dial := func(ctx context.Context, c *committee.Committee, existing map[types.AuthorityName]authority.Client) (map[types.AuthorityName]authority.Client, error) {
		return authority.DialCommittee(ctx, node, c, existing, cfg.RequestTimeout)
	}

	clients, err := dial(ctx, c, nil)
	if err != nil {
		return fmt.Errorf("dial committee:\n%w", err)
	}

	reg := prometheus.NewRegistry()

	agg, err := aggregator.New(c, clients,
		aggregator.WithMetrics(aggregator.NewMetrics(reg)),
		aggregator.WithCommitteeStore(store),
		aggregator.WithDialer(dial),
	)
	if err != nil {
		return fmt.Errorf("create aggregator:\n%w", err)
	}

	d := NewDriver(agg, store)
	defer func() {
		if cerr := authority.CloseClients(d.Aggregator().InnerClients()); cerr != nil && err == nil {
			err = fmt.Errorf("close clients:\n%w", cerr)
		}
	}()

	printStartupInfo(cfg, c)

	if _, err := d.Reconfigure(ctx); err != nil {
		logger.Warn("initial epoch check failed", "error", err)
	}

	if cfg.HTTPAddress != "" {
		return serve(ctx, cfg, d, reg)
	}

	return submit(ctx, cfg, d)
}

// bootstrapCommittee returns the latest stored committee, seeding the store
// with the committee from the flags on first start.
func bootstrapCommittee(cfg *Config, store *committee.Store) (*committee.Committee, error) {
	flagged, _, err := committee.DevCommittee(types.EpochID(cfg.Epoch), cfg.Stakes, cfg.Addrs)
	if err != nil {
		return nil, fmt.Errorf("build committee:\n%w", err)
	}

	if err := store.Insert(flagged); err != nil {
		return nil, err
	}

	latest, err := store.Latest()
	if err != nil {
		return nil, err
	}

	return latest, nil
}

// submit spends the first genesis objects in one transaction and prints the result.
func submit(ctx context.Context, cfg *Config, d *Driver) error {
	owner := genesis.DevOwnerKey()

	ids := make([]types.ObjectID, cfg.Objects)
	for i := range ids {
		ids[i] = genesis.ObjectID(owner.Public().(ed25519.PublicKey), i)
	}

	fx, err := d.Submit(ctx, owner, ids, cfg.GasBudget, []byte(cfg.Payload), cfg.MaxElapsed)
	if err != nil {
		return fmt.Errorf("submit transaction:\n%w", err)
	}

	logger.Info("transaction executed",
		"tx", fx.Data.TransactionDigest.Short(),
		"effects", fx.Digest().String(),
		"epoch", fx.Auth.Epoch,
		"mutated", len(fx.Data.Mutated),
	)

	fmt.Println(fx.Digest().String())

	return nil
}

// serve runs the HTTP gateway and the epoch watcher until ctx ends.
func serve(ctx context.Context, cfg *Config, d *Driver, reg *prometheus.Registry) error {
	server := api.New(cfg.HTTPAddress, d, reg)
	if err := server.Start(); err != nil {
		return fmt.Errorf("start http api:\n%w", err)
	}

	go d.WatchEpochs(ctx, cfg.EpochPoll)

	<-ctx.Done()
	logger.Info("shutting down")

	return server.Stop()
}

// printStartupInfo displays the driver configuration at startup.
func printStartupInfo(cfg *Config, c *committee.Committee) {
	pubKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	logger.Info("starting quorum driver",
		"pubkey", hex.EncodeToString(pubKey),
		"epoch", c.Epoch(),
		"members", c.Size(),
		"total_stake", c.TotalVotes(),
		"data", cfg.DataPath,
		"http", cfg.HTTPAddress,
	)
}
