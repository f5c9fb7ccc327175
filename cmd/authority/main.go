package main

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"QuorumDriver/internal/authority"
	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/genesis"
	"QuorumDriver/internal/logger"
	"QuorumDriver/internal/network"
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
func run() error {
	cfg, err := parseFlags()
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	c, ids, err := committee.DevCommittee(types.EpochID(cfg.Epoch), cfg.Stakes, cfg.Addrs)
	if err != nil {
		return fmt.Errorf("build committee:\n%w", err)
	}

	id := ids[cfg.Index]

	objects, err := genesis.Objects(genesis.Config{
		Owner:   genesis.DevOwnerKey().Public().(ed25519.PublicKey),
		Objects: cfg.Objects,
	})
	if err != nil {
		return fmt.Errorf("build genesis:\n%w", err)
	}

	local, err := authority.NewLocalAuthority(id.Key, c, objects)
	if err != nil {
		return fmt.Errorf("create authority:\n%w", err)
	}

	node, err := network.NewNode(network.Config{
		PrivateKey:     id.NetworkKey,
		ListenAddr:     cfg.Addrs[cfg.Index],
		HandlerTimeout: cfg.HandlerTimeout,
	})
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	authority.NewServer(node, local)

	if err := node.Start(); err != nil {
		return fmt.Errorf("start node:\n%w", err)
	}

	printStartupInfo(cfg, c, id)

	return waitForShutdown(node)
}

// printStartupInfo displays the authority configuration at startup.
func printStartupInfo(cfg *Config, c *committee.Committee, id *committee.DevIdentity) {
	logger.Info("starting authority",
		"name", id.Name().Concise(),
		"index", cfg.Index,
		"addr", cfg.Addrs[cfg.Index],
		"epoch", c.Epoch(),
		"stake", c.Weight(id.Name()),
		"total_stake", c.TotalVotes(),
		"objects", cfg.Objects,
	)
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func waitForShutdown(node *network.Node) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return node.Close()
}
