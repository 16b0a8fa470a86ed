// Command asmtpd runs the broker daemon: the peer-to-peer overlay core
// (internal/broker's Runner) and the admin REST surface (internal/rest)
// in one process, the way a network's single server-side component
// should combine both planes.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/primetype-labs/asmtpd/internal/broker"
	"github.com/primetype-labs/asmtpd/internal/config"
	"github.com/primetype-labs/asmtpd/internal/connections"
	"github.com/primetype-labs/asmtpd/internal/gossipstore"
	"github.com/primetype-labs/asmtpd/internal/identity"
	"github.com/primetype-labs/asmtpd/internal/passport"
	"github.com/primetype-labs/asmtpd/internal/rest"
	"github.com/primetype-labs/asmtpd/internal/scheduler"
	"github.com/primetype-labs/asmtpd/internal/session"
	"github.com/primetype-labs/asmtpd/internal/topicstore"
	"github.com/primetype-labs/asmtpd/internal/topology"
	"github.com/primetype-labs/asmtpd/internal/wire"
)

var version = "dev"

func main() {
	var (
		configPath    = flag.String("config", "", "path to broker config file")
		listen        = flag.String("listen", "", "override the peer-to-peer listen address")
		publicAddress = flag.String("public-address", "", "override the advertised public address")
		restListen    = flag.String("rest-listen", "", "override the REST admin surface listen address")
		identityPath  = flag.String("identity", "", "override path to the entropy file the signing identity is derived from")
		passwordEnv   = flag.String("password-env", "ASMTPD_PASSWORD", "environment variable holding the identity password")
		logLevel      = flag.String("log-level", "info", "log level: debug, info, warn, error")
		showVersion   = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("asmtpd %s\n", version)
		os.Exit(0)
	}

	log := newLogger(*logLevel)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	applyOverrides(cfg, *listen, *publicAddress, *restListen, *identityPath)

	self, err := loadIdentity(cfg.IdentityPath, *passwordEnv)
	if err != nil {
		log.Error("load identity", "error", err)
		os.Exit(1)
	}
	log.Info("identity loaded", "public_key", self.Public())

	db, err := openDB(cfg.Storage)
	if err != nil {
		log.Error("open storage", "error", err)
		os.Exit(1)
	}

	passports, err := passport.NewStore(db, cfg.Storage.PassportCacheSize)
	if err != nil {
		log.Error("open passport store", "error", err)
		os.Exit(1)
	}
	topics, err := topicstore.NewStore(db)
	if err != nil {
		log.Error("open topic store", "error", err)
		os.Exit(1)
	}
	gossipStore, err := gossipstore.NewStore(db, time.Duration(cfg.Storage.GossipRefreshRate))
	if err != nil {
		log.Error("open gossip store", "error", err)
		os.Exit(1)
	}

	topo := topology.New()
	bootstrapKnownGossips(topo, cfg.KnownGossips, log)

	privileged, err := parsePrivilegedUsers(cfg.PrivilegedUsers)
	if err != nil {
		log.Error("parse privileged_users", "error", err)
		os.Exit(1)
	}
	for id := range privileged {
		wire.RegisterKnownIdentity(id)
	}

	conns := connections.New(log, self, cfg.MaxOpenedConnections, cfg.MessageQueueSize)
	sched := scheduler.New(cfg.Gossiping.QueueSize, cfg.Gossiping.HistorySize, time.Duration(cfg.Gossiping.MinElapsed))

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		log.Error("bind listener", "address", cfg.Listen, "error", err)
		os.Exit(1)
	}

	brokerConfig := broker.Config{
		HeartBeat:             time.Duration(cfg.HeartBeat),
		KnownMessageCacheSize: cfg.KnownMessageCacheSize,
		PublicAddress:         cfg.PublicAddress,
		PrivilegedUsers:       privileged,
	}
	b := broker.New(log, self, brokerConfig, listener, passports, topics, gossipStore, topo, conns, sched)

	restConfig := rest.Config{
		Listen: cfg.REST.Listen,
		Session: session.Config{
			MaxActive:   cfg.Session.MaxActive,
			MaxIdle:     time.Duration(cfg.Session.MaxIdle),
			MaxLifespan: time.Duration(cfg.Session.MaxLifespan),
		},
	}
	restServer := rest.New(restConfig, self, passports, topics, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := restServer.Run(); err != nil {
			log.Error("rest surface stopped", "error", err)
		}
	}()

	brokerDone := make(chan error, 1)
	go func() {
		brokerDone <- b.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received signal, shutting down", "signal", sig)
		b.RequestShutdown()
	case err := <-brokerDone:
		if err != nil {
			log.Error("broker stopped", "error", err)
			os.Exit(1)
		}
		return
	}

	select {
	case <-brokerDone:
	case <-time.After(broker.ShutdownGrace):
		log.Warn("shutdown grace period elapsed, exiting anyway")
	}
}

func newLogger(levelName string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelName) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfig(path)
}

func applyOverrides(cfg *config.Config, listen, publicAddress, restListen, identityPath string) {
	if listen != "" {
		cfg.Listen = listen
	}
	if publicAddress != "" {
		cfg.PublicAddress = publicAddress
	}
	if restListen != "" {
		cfg.REST.Listen = restListen
	}
	if identityPath != "" {
		cfg.IdentityPath = identityPath
	}
}

// loadIdentity recovers the broker's signing identity from its entropy
// file and a password, the way the CLI's `Seed::derive_from_key` flow
// does. The password comes from the named environment variable; no
// terminal-prompt library exists anywhere in the corpus, so an unset
// variable is a hard startup failure rather than an interactive prompt.
func loadIdentity(entropyPath, passwordEnv string) (*identity.Identity, error) {
	entropy, err := os.ReadFile(entropyPath)
	if err != nil {
		return nil, fmt.Errorf("read entropy file: %w", err)
	}
	password := os.Getenv(passwordEnv)
	if password == "" {
		return nil, fmt.Errorf("environment variable %s is not set", passwordEnv)
	}
	return identity.FromEntropyAndPassword(entropy, password)
}

// openDB opens the shared SQLite database every store migrates its own
// tables into. Mode is the only StorageConfig knob this backend can
// honor directly, mapped onto SQLite's journal_mode pragma.
func openDB(cfg config.StorageConfig) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(cfg.Database), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	journalMode := "DELETE"
	if cfg.Mode == "fast" {
		journalMode = "WAL"
	}
	if err := db.Exec(fmt.Sprintf("PRAGMA journal_mode=%s", journalMode)).Error; err != nil {
		return nil, fmt.Errorf("set journal_mode: %w", err)
	}
	return db, nil
}

func bootstrapKnownGossips(topo *topology.Topology, knownGossips []string, log *slog.Logger) {
	for _, hexGossip := range knownGossips {
		raw, err := hex.DecodeString(hexGossip)
		if err != nil {
			log.Warn("invalid known_gossips entry, skipping", "error", err)
			continue
		}
		g, err := topology.Decode(raw)
		if err != nil {
			log.Warn("cannot decode known_gossips entry, skipping", "error", err)
			continue
		}
		if !g.Verify() {
			log.Warn("known_gossips entry failed signature verification, skipping", "peer", g.ID)
			continue
		}
		topo.AcceptGossip(g)
		wire.RegisterKnownIdentity(g.ID)
	}
}

func parsePrivilegedUsers(hexKeys []string) (map[identity.PublicIdentity]struct{}, error) {
	out := make(map[identity.PublicIdentity]struct{}, len(hexKeys))
	for _, h := range hexKeys {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("privileged user %q: %w", h, err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("privileged user %q: expected 32 bytes, got %d", h, len(raw))
		}
		var id identity.PublicIdentity
		copy(id[:], raw)
		out[id] = struct{}{}
	}
	return out, nil
}
