package main

import (
	"flag"
	"fmt"
	"time"

	"QuorumDriver/internal/committee"
	"QuorumDriver/internal/types"
)

// Config holds the authority configuration.
type Config struct {
	// Index selects this authority's dev identity and committee slot.
	Index int

	// Committee lists the members as addr=stake pairs, in index order.
	Committee string

	// Epoch is the epoch of the committee.
	Epoch uint64

	// Objects is the number of genesis objects owned by the dev owner key.
	Objects int

	// HandlerTimeout bounds each incoming request.
	HandlerTimeout time.Duration

	// LogLevel is the minimum log level.
	LogLevel string

	// Stakes and Addrs are parsed from Committee.
	Stakes []types.StakeUnit
	Addrs  []string
}

// parseFlags parses command-line flags into Config.
func parseFlags() (*Config, error) {
	cfg := &Config{}

	flag.IntVar(&cfg.Index, "index", 0, "Authority index in the committee")
	flag.StringVar(&cfg.Committee, "committee", "127.0.0.1:9000,127.0.0.1:9001,127.0.0.1:9002,127.0.0.1:9003", "Committee members as addr=stake,...")
	flag.Uint64Var(&cfg.Epoch, "epoch", 1, "Committee epoch")
	flag.IntVar(&cfg.Objects, "objects", 16, "Number of genesis objects")
	flag.DurationVar(&cfg.HandlerTimeout, "handler-timeout", 30*time.Second, "Incoming request timeout")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	return cfg, cfg.validate()
}

// validate parses the committee and checks the index against it.
func (cfg *Config) validate() error {
	var err error

	cfg.Stakes, cfg.Addrs, err = committee.ParseDevMembers(cfg.Committee)
	if err != nil {
		return fmt.Errorf("parse committee:\n%w", err)
	}

	if cfg.Index < 0 || cfg.Index >= len(cfg.Addrs) {
		return fmt.Errorf("index %d out of range for %d members", cfg.Index, len(cfg.Addrs))
	}

	if cfg.Objects < 0 {
		return fmt.Errorf("negative object count: %d", cfg.Objects)
	}

	return nil
}
