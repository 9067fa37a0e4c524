package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"QuorumStore/internal/logger"
)

// Config holds the node configuration.
type Config struct {
	// DataPath is the directory for persistent storage.
	DataPath string

	// HTTPAddress is the HTTP API listen address.
	HTTPAddress string

	// QUICAddress is the QUIC P2P listen address.
	QUICAddress string

	// KeyPath is the path to the Ed25519 private key file.
	KeyPath string

	// PrivateKey is the node's Ed25519 signing key.
	PrivateKey ed25519.PrivateKey

	// Peers are the QUIC addresses dialed at startup.
	Peers []string

	// ValidatorsPath is the JSON file describing the validator set.
	ValidatorsPath string

	// ProofTimeoutMS is how long a proof may collect signatures, in milliseconds.
	ProofTimeoutMS uint64

	// QuorumStore enables fragment and signed digest processing.
	QuorumStore bool

	// MaxFragmentBytes bounds the transaction bytes of one fragment.
	MaxFragmentBytes int

	// MaxBatchBytes bounds a reassembled batch.
	MaxBatchBytes int

	// Epoch is the current epoch.
	Epoch uint64

	// RoundDuration is the length of one round of the local round clock.
	RoundDuration time.Duration

	// ExpiryRounds is how many rounds a disseminated batch stays valid.
	ExpiryRounds uint64

	// PruneInterval is the period of expired proof cleanup.
	PruneInterval time.Duration

	// LogLevel is the minimum level written to the log.
	LogLevel string

	// PrintIdentity prints this node's validator entry and exits.
	PrintIdentity bool
}

// parseFlags parses command-line arguments into Config.
func parseFlags(args []string) (*Config, error) {
	cfg := &Config{}

	fs := pflag.NewFlagSet("quorumstore", pflag.ContinueOnError)

	fs.StringVar(&cfg.DataPath, "data", "./data", "Data directory path")
	fs.StringVar(&cfg.HTTPAddress, "http", ":8080", "HTTP API address")
	fs.StringVar(&cfg.QUICAddress, "quic", ":9000", "QUIC P2P address")
	fs.StringVar(&cfg.KeyPath, "key", "", "Ed25519 private key path (generates new if missing)")
	fs.StringSliceVar(&cfg.Peers, "peers", nil, "Comma-separated peer QUIC addresses")
	fs.StringVar(&cfg.ValidatorsPath, "validators", "", "Validator set JSON file")
	fs.Uint64Var(&cfg.ProofTimeoutMS, "proof-timeout", 10_000, "Proof of store timeout in milliseconds")
	fs.BoolVar(&cfg.QuorumStore, "quorum-store", true, "Enable quorum store message processing")
	fs.IntVar(&cfg.MaxFragmentBytes, "max-fragment-bytes", 256<<10, "Maximum transaction bytes per fragment")
	fs.IntVar(&cfg.MaxBatchBytes, "max-batch-bytes", 4<<20, "Maximum bytes of a reassembled batch")
	fs.Uint64Var(&cfg.Epoch, "epoch", 1, "Current epoch")
	fs.DurationVar(&cfg.RoundDuration, "round-duration", time.Second, "Round length of the local round clock")
	fs.Uint64Var(&cfg.ExpiryRounds, "expiry-rounds", 600, "Rounds a batch stays valid after dissemination")
	fs.DurationVar(&cfg.PruneInterval, "prune-interval", time.Minute, "Interval between expired proof cleanups")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	fs.BoolVar(&cfg.PrintIdentity, "print-identity", false, "Print this node's validator entry and exit")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks the configuration for values the node cannot start with.
func (c *Config) validate() error {
	if c.PrintIdentity {
		return nil
	}

	if c.ValidatorsPath == "" {
		return fmt.Errorf("--validators is required")
	}

	if c.ProofTimeoutMS == 0 {
		return fmt.Errorf("--proof-timeout must be positive")
	}

	if c.MaxFragmentBytes <= 0 {
		return fmt.Errorf("--max-fragment-bytes must be positive")
	}

	if c.MaxBatchBytes < c.MaxFragmentBytes {
		return fmt.Errorf("--max-batch-bytes %d is below --max-fragment-bytes %d", c.MaxBatchBytes, c.MaxFragmentBytes)
	}

	if c.RoundDuration <= 0 {
		return fmt.Errorf("--round-duration must be positive")
	}

	if c.ExpiryRounds == 0 {
		return fmt.Errorf("--expiry-rounds must be positive")
	}

	if c.PruneInterval <= 0 {
		return fmt.Errorf("--prune-interval must be positive")
	}

	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}

	for _, p := range c.Peers {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("--peers contains an empty address")
		}
	}

	return nil
}

// ProofTimeout returns the proof timeout as a duration.
func (c *Config) ProofTimeout() time.Duration {
	return time.Duration(c.ProofTimeoutMS) * time.Millisecond
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
