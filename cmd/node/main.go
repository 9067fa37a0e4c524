package main

import (
	"crypto/ed25519"
	"fmt"
	"io"
	"os"

	"QuorumStore/internal/bls"
	"QuorumStore/internal/logger"
	"QuorumStore/internal/network"
	"QuorumStore/internal/validator"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	cfg, err := parseFlags(args)
	if err != nil {
		return err
	}

	if err := cfg.validate(); err != nil {
		return fmt.Errorf("invalid configuration:\n%w", err)
	}

	level, _ := logger.ParseLevel(cfg.LogLevel)
	logger.Init(level)

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	if cfg.PrintIdentity {
		return printIdentity(os.Stdout, cfg.PrivateKey)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(cfg, node)

	return node.Run()
}

// printIdentity writes the validator file entry of this node with a voting power of 1.
func printIdentity(w io.Writer, key ed25519.PrivateKey) error {
	id, err := network.PeerIDFromPublicKey(key.Public().(ed25519.PublicKey))
	if err != nil {
		return err
	}

	blsKey, err := bls.DeriveFromED25519(key)
	if err != nil {
		return fmt.Errorf("derive bls key:\n%w", err)
	}

	data, err := validator.MarshalJSON([]validator.ValidatorInfo{{
		ID:          id,
		BLSPubkey:   blsKey.PublicKey(),
		VotingPower: 1,
	}})
	if err != nil {
		return err
	}

	_, err = fmt.Fprintln(w, string(data))

	return err
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cfg *Config, n *Node) {
	logger.Info("starting quorum store node",
		"peer_id", n.network.ID().String(),
		"http", cfg.HTTPAddress,
		"quic", cfg.QUICAddress,
		"data", cfg.DataPath,
		"epoch", cfg.Epoch,
		"validators", n.verifier.Len(),
		"quorum_store", cfg.QuorumStore,
		"proof_timeout", cfg.ProofTimeout(),
	)
}
