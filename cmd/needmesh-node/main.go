package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"needmesh/internal/config"
	"needmesh/internal/conn"
	"needmesh/internal/crawler"
	"needmesh/internal/facet"
	"needmesh/internal/logging"
	"needmesh/internal/network"
	"needmesh/internal/pipeline"
	"needmesh/internal/proto"
	"needmesh/internal/router"
	"needmesh/internal/sign"
	"needmesh/internal/store"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: needmesh-node run [--config <path>]")
}

func runNode(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to TOML config file")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(log)

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		log.Error("opening store failed", "path", cfg.Storage.Path, "err", err)
		return 1
	}
	defer st.Close()

	signer, verifier, err := buildSignatureGate(cfg)
	if err != nil {
		log.Error("signature gate setup failed", "err", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	resolver := network.NewResolver(cfg.Node.Peers)
	machine := conn.NewMachine(st)

	// The router's system queue feeds responses back into the pipeline,
	// which itself needs the router. The pipe variable closes that loop.
	var pipe *pipeline.Pipeline
	system := func(ctx context.Context, env *proto.Envelope) error {
		_, err := pipe.Inbound(ctx, env)
		return err
	}
	rt := router.New(resolver, ownerLog{log}, system, st, int64(cfg.Router.Workers), log)
	facets := facet.NewRegistry(facet.Deps{
		Router:     rt,
		Store:      st,
		Machine:    machine,
		NodeURI:    cfg.Node.URI,
		NodePrefix: cfg.Node.URI,
		Log:        log,
	})
	pipe = pipeline.New(pipeline.Options{
		Verifier:   verifier,
		Signer:     signer,
		Store:      st,
		Machine:    machine,
		Facets:     facets,
		Router:     rt,
		NodeURI:    cfg.Node.URI,
		NodePrefix: cfg.Node.URI,
		Log:        log,
	})

	crawl := crawler.New(
		peerClient{resolver},
		func(ctx context.Context, env *proto.Envelope) error {
			_, err := pipe.Inbound(ctx, env)
			return err
		},
		cfg.Crawler.SkipNodeURIs,
		time.Duration(cfg.Crawler.TickSec)*time.Second,
		log,
	)
	go crawl.Run(ctx)
	for _, uri := range cfg.Crawler.NodeURIs {
		if err := crawl.Post(ctx, crawler.NodeDiscovered{NodeURI: uri}); err != nil {
			break
		}
	}

	server := &network.Server{Addr: cfg.Node.ListenAddr, Handler: pipe.HandleWire, Log: log}
	err = server.ListenAndServe(ctx)
	rt.Wait()
	if err != nil && ctx.Err() == nil {
		log.Error("server failed", "err", err)
		return 1
	}
	log.Info("shut down")
	return 0
}

func buildSignatureGate(cfg *config.Config) (sign.Signer, sign.Verifier, error) {
	var signer sign.Signer = sign.NoopSigner{}
	var ownKey ed25519.PrivateKey
	if cfg.Node.SigningKeySeedHex != "" {
		seed, err := hex.DecodeString(cfg.Node.SigningKeySeedHex)
		if err != nil {
			return nil, nil, fmt.Errorf("decode signing key seed: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, nil, fmt.Errorf("signing key seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		ownKey = ed25519.NewKeyFromSeed(seed)
		signer = &sign.Ed25519Signer{NodeURI: cfg.Node.URI, Key: ownKey}
	}
	var verifier sign.Verifier = sign.AcceptAll{}
	if len(cfg.Node.PeerKeysHex) > 0 {
		keys := sign.StaticKeys{}
		for nodeURI, keyHex := range cfg.Node.PeerKeysHex {
			raw, err := hex.DecodeString(keyHex)
			if err != nil {
				return nil, nil, fmt.Errorf("decode public key for %s: %w", nodeURI, err)
			}
			if len(raw) != ed25519.PublicKeySize {
				return nil, nil, fmt.Errorf("public key for %s must be %d bytes, got %d", nodeURI, ed25519.PublicKeySize, len(raw))
			}
			keys[nodeURI] = ed25519.PublicKey(raw)
		}
		// Loop-back acks are self-signed and pass back through the gate.
		if ownKey != nil {
			keys[cfg.Node.URI] = ownKey.Public().(ed25519.PublicKey)
		}
		verifier = &sign.Ed25519Verifier{Resolver: keys}
	}
	return signer, verifier, nil
}

// ownerLog is the owner delivery surface of a node running without any
// attached owner application; deliveries are logged and acknowledged.
type ownerLog struct {
	log *slog.Logger
}

func (o ownerLog) Send(ctx context.Context, recipientID string, env *proto.Envelope) error {
	o.log.Info("owner delivery", "recipient", recipientID, "type", env.Type, "message", env.MessageURI)
	return nil
}

// peerClient backs the crawl actor with the static peer address book.
// Registration succeeds when an address is known; subscription rides the
// same QUIC exchange path and needs no separate setup.
type peerClient struct {
	resolver *network.Resolver
}

func (c peerClient) Register(ctx context.Context, nodeURI string) error {
	if c.resolver.Lookup(nodeURI) == "" {
		return fmt.Errorf("no address configured for %s", nodeURI)
	}
	return nil
}

func (c peerClient) Subscribe(ctx context.Context, nodeURI string) error { return nil }
