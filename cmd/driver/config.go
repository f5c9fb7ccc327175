package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"time"

	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/types"
)

// Config holds the driver configuration.
type Config struct {
	// DataPath is the directory for the committee store.
	DataPath string

	// KeyPath is the path to the Ed25519 network key file.
	KeyPath string

	// PrivateKey is the driver's QUIC identity.
	PrivateKey ed25519.PrivateKey

	// Committee lists the members as addr=stake pairs, in index order.
	Committee string

	// Epoch is the epoch of the bootstrap committee.
	Epoch uint64

	// Objects is how many genesis objects the submitted transaction spends.
	Objects int

	// Payload is the command carried by the submitted transaction.
	Payload string

	// GasBudget is the gas budget of the submitted transaction.
	GasBudget uint64

	// HTTPAddress enables the HTTP gateway when set. The driver then serves
	// requests until stopped instead of submitting one transaction.
	HTTPAddress string

	// EpochPoll is the interval between system state queries in gateway mode.
	EpochPoll time.Duration

	// RequestTimeout bounds each request to an authority.
	RequestTimeout time.Duration

	// MaxElapsed bounds retries of the submitted transaction.
	MaxElapsed time.Duration

	// LogLevel is the minimum log level.
	LogLevel string

	// Stakes and Addrs are parsed from Committee.
	Stakes []types.StakeUnit
	Addrs  []string
}

// parseFlags parses command-line flags into Config.
func parseFlags() (*Config, error) {
	cfg := &Config{}

	flag.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	flag.StringVar(&cfg.KeyPath, "key", "", "Ed25519 network key path (generates new if missing)")
	flag.StringVar(&cfg.Committee, "committee", "127.0.0.1:9000,127.0.0.1:9001,127.0.0.1:9002,127.0.0.1:9003", "Committee members as addr=stake,...")
	flag.Uint64Var(&cfg.Epoch, "epoch", 1, "Bootstrap committee epoch")
	flag.IntVar(&cfg.Objects, "objects", 1, "Number of genesis objects to spend")
	flag.StringVar(&cfg.Payload, "payload", "hello", "Transaction payload")
	flag.Uint64Var(&cfg.GasBudget, "gas-budget", 1000, "Transaction gas budget")
	flag.StringVar(&cfg.HTTPAddress, "http", "", "HTTP gateway address (disabled if empty)")
	flag.DurationVar(&cfg.EpochPoll, "epoch-poll", 10*time.Second, "System state poll interval")
	flag.DurationVar(&cfg.RequestTimeout, "request-timeout", 10*time.Second, "Per authority request timeout")
	flag.DurationVar(&cfg.MaxElapsed, "max-elapsed", 2*time.Minute, "Maximum time spent retrying a transaction")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	return cfg, cfg.validate()
}

// validate parses the committee and checks numeric flags.
func (cfg *Config) validate() error {
	var err error

	cfg.Stakes, cfg.Addrs, err = committee.ParseDevMembers(cfg.Committee)
	if err != nil {
		return fmt.Errorf("parse committee:\n%w", err)
	}

	if cfg.Objects < 1 {
		return fmt.Errorf("a transaction spends at least one object, got %d", cfg.Objects)
	}

	if cfg.EpochPoll <= 0 {
		return fmt.Errorf("epoch poll interval must be positive, got %s", cfg.EpochPoll)
	}

	return nil
}

// loadOrGenerateKey loads the private key from file or generates a new one.
func loadOrGenerateKey(keyPath string) (ed25519.PrivateKey, error) {
	if keyPath == "" {
		return generateNewKey()
	}

	data, err := os.ReadFile(keyPath)
	if os.IsNotExist(err) {
		return generateAndSaveKey(keyPath)
	}

	if err != nil {
		return nil, fmt.Errorf("read key file:\n%w", err)
	}

	if len(data) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(data), ed25519.PrivateKeySize)
	}

	return ed25519.PrivateKey(data), nil
}

// generateNewKey creates a new Ed25519 private key.
func generateNewKey() (ed25519.PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key:\n%w", err)
	}

	return priv, nil
}

// generateAndSaveKey creates a new key and saves it to the given path.
func generateAndSaveKey(path string) (ed25519.PrivateKey, error) {
	priv, err := generateNewKey()
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, priv, 0600); err != nil {
		return nil, fmt.Errorf("save key to %s:\n%w", path, err)
	}

	return priv, nil
}
