// Command dvpnd runs one mesh node: it maintains TLS peer sessions,
// exchanges link-state advertisements over them, and maintains the derived
// Loc-RIB and CSPF routing tree.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dvpnmesh/dvpnd/internal/config"
	"github.com/dvpnmesh/dvpnd/internal/connect"
	"github.com/dvpnmesh/dvpnd/internal/cspf"
	"github.com/dvpnmesh/dvpnd/internal/db"
	"github.com/dvpnmesh/dvpnd/internal/history"
	"github.com/dvpnmesh/dvpnd/internal/httpapi"
	"github.com/dvpnmesh/dvpnd/internal/listen"
	"github.com/dvpnmesh/dvpnd/internal/lsa"
	"github.com/dvpnmesh/dvpnd/internal/metrics"
	"github.com/dvpnmesh/dvpnd/internal/nodeid"
	"github.com/dvpnmesh/dvpnd/internal/probe"
	"github.com/dvpnmesh/dvpnd/internal/publish"
	"github.com/dvpnmesh/dvpnd/internal/rib"
	"github.com/dvpnmesh/dvpnd/internal/session"
	"github.com/dvpnmesh/dvpnd/internal/tunnel"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: dvpnd <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve     Run the mesh node")
	fmt.Println("  migrate   Run LSA history database migrations")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -c, --config <path> Path to configuration YAML file")
	fmt.Println("  --log-level <lvl> Override log level (debug, info, warn, error)")
}

func parseFlags(args []string) (configPath, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config", "-c":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	return cfg, initLogger(cfg.Service.LogLevel)
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// identity is this node's long-lived key pair and derived ID.
type identity struct {
	tlsCert tls.Certificate
	nodeID  nodeid.ID
}

func loadIdentity(cfg *config.Config) (*identity, error) {
	cert, err := tls.LoadX509KeyPair(cfg.Node.CertificatePath, cfg.Node.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("loading node certificate/key: %w", err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parsing node certificate: %w", err)
	}
	id, err := nodeid.FromCertificate(leaf)
	if err != nil {
		return nil, fmt.Errorf("deriving node id: %w", err)
	}
	return &identity{tlsCert: cert, nodeID: id}, nil
}

// node bundles the routing plane tables and the peer sessions attached to
// them, and implements httpapi.SessionCounter.
type node struct {
	mu       sync.Mutex
	sessions map[nodeid.ID]*session.Session

	locRIB *rib.LocRIB
	ownLSA atomic.Pointer[lsa.LSA]
	logger *zap.Logger
}

func newNode(logger *zap.Logger) *node {
	return &node{sessions: make(map[nodeid.ID]*session.Session), locRIB: rib.NewLocRIB(), logger: logger}
}

// SetOwnLSA records the LSA this node currently originates, serving as the
// source for internal/probe's topology-probe responder.
func (n *node) SetOwnLSA(l *lsa.LSA) {
	n.ownLSA.Store(l)
}

// OwnLSA implements probe.Source.
func (n *node) OwnLSA() *lsa.LSA {
	return n.ownLSA.Load()
}

func (n *node) ConnectedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, s := range n.sessions {
		if s.State() == session.StateConnected {
			count++
		}
	}
	return count
}

// attach registers a newly handshaken session's Adj-RIB-In with Loc-RIB and
// tracks it for ConnectedCount/shutdown.
func (n *node) attach(peerID nodeid.ID, adjIn *rib.AdjRIB, s *session.Session) {
	n.mu.Lock()
	n.sessions[peerID] = s
	n.mu.Unlock()
	n.locRIB.Subscribe(peerID, adjIn)
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	id, err := loadIdentity(cfg)
	if err != nil {
		logger.Fatal("failed to load node identity", zap.Error(err))
	}
	logger.Info("starting dvpnd", zap.String("instance_id", cfg.Service.InstanceID), zap.String("node_id", id.nodeID.String()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := newNode(logger)

	var wg sync.WaitGroup

	ownLSA, err := buildOwnLSA(cfg, id.nodeID)
	if err != nil {
		logger.Fatal("failed to build own LSA", zap.Error(err))
	}
	n.SetOwnLSA(ownLSA)

	if cfg.Probe.Enabled {
		responder, err := probe.Listen(cfg.Probe.Listen, n.OwnLSA, logger.Named("probe"))
		if err != nil {
			logger.Fatal("failed to start topology probe responder", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			responder.Run(ctx)
		}()
	}

	var pool *pgxpool.Pool
	if cfg.History.Enabled {
		p, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns, logger.Named("history.pool"))
		if err != nil {
			logger.Fatal("failed to connect to history database", zap.Error(err))
		}
		defer p.Close()
		pool = p

		writer := history.NewWriter(p, logger.Named("history.writer"), cfg.History.StoreRaw, cfg.History.CompressRaw)
		pipeline := history.NewPipeline(writer, cfg.History.BatchSize, cfg.History.FlushIntervalMs, cfg.History.StoreRaw, logger.Named("history.pipeline"))

		events := make(chan rib.Event, 256)
		n.locRIB.Listen(pipeline.Listener(id.nodeID, events))
		go pipeline.Run(ctx, id.nodeID, events)

		retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
		wg.Add(1)
		go func() {
			defer wg.Done()
			retentionTicker(ctx, writer, retention, logger.Named("history.retention"))
		}()
	}

	var pub *publish.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		tlsCfg, err := cfg.Kafka.BuildTLSConfig()
		if err != nil {
			logger.Fatal("failed to build kafka TLS config", zap.Error(err))
		}
		pub, err = publish.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.ClientID, tlsCfg, cfg.Kafka.BuildSASLMechanism(), logger.Named("publish"))
		if err != nil {
			logger.Fatal("failed to create topology publisher", zap.Error(err))
		}
		defer pub.Close()

		n.locRIB.Listen(func(ev rib.Event) {
			pub.PublishLocRIBEvent(ctx, ev, time.Now().Unix())
		})
	}

	n.locRIB.Listen(func(rib.Event) {
		metrics.LocRIBSize.Set(float64(n.locRIB.Len()))
	})

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{id.tlsCert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
	}

	for _, lc := range cfg.Listen {
		lc := lc
		entries := make([]*listen.Entry, 0, len(lc.Entries))
		for _, ec := range lc.Entries {
			e := &listen.Entry{Name: ec.Name, MaxSessions: ec.MaxSessions}
			if ec.Fingerprint == "any" {
				e.Wildcard = true
			} else {
				fp, err := nodeid.ParseHex(ec.Fingerprint)
				if err != nil {
					logger.Fatal("invalid listen entry fingerprint", zap.String("entry", ec.Name), zap.Error(err))
				}
				e.Fingerprint = fp
			}
			entries = append(entries, e)
		}

		sock, err := listen.NewSocket(lc.Addr, tlsCfg, entries, logger.Named("listen"))
		if err != nil {
			logger.Fatal("failed to configure listen socket", zap.Error(err))
		}
		ln, err := sock.Start(ctx)
		if err != nil {
			logger.Fatal("failed to bind listen socket", zap.Error(err))
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			acceptLoop(ctx, ln, sock, tlsCfg, n, logger)
		}()
	}

	for _, pc := range cfg.Peers {
		pc := pc
		fp, err := nodeid.ParseHex(pc.Fingerprint)
		if err != nil {
			logger.Fatal("invalid peer fingerprint", zap.String("peer", pc.Name), zap.Error(err))
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			dialLoop(ctx, pc.Host, pc.Port, pc.Name, fp, tlsCfg, n, logger)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		cspfTicker(ctx, n.locRIB, id.nodeID, logger.Named("cspf"))
	}()

	var httpServer *httpapi.Server
	if cfg.Metrics.HTTPListen != "" {
		httpServer = httpapi.NewServer(cfg.Metrics.HTTPListen, pool, n, logger.Named("httpapi"))
		if err := httpServer.Start(); err != nil {
			logger.Fatal("failed to start http server", zap.Error(err))
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Service.ShutdownTimeoutSeconds)*time.Second)
	defer shutdownCancel()

	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", zap.Error(err))
		}
	}

	cancel()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
		logger.Info("all sessions stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some sessions may not have finished")
	}

	logger.Info("dvpnd stopped")
}

func acceptLoop(ctx context.Context, ln net.Listener, sock *listen.Socket, tlsCfg *tls.Config, n *node, logger *zap.Logger) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept error", zap.Error(err))
			continue
		}

		adjIn := rib.NewAdjRIB()
		s := session.NewServer(raw, session.ServerConfig{
			TLSConfig: tlsCfg,
			Listen:    sock,
			AdjRIBIn:  adjIn,
			Tunnel:    tunnel.NewNull(),
			Logger:    logger,
		})

		go func() {
			if !waitForKeyVerified(s) {
				logger.Warn("inbound session did not complete key verification in time, dropping")
				s.Close()
				return
			}
			peerID := s.PeerID()
			n.attach(peerID, adjIn, s)
			adjIn.Subscribe(func(rib.Event) {
				metrics.AdjRIBSize.WithLabelValues(peerID.String()).Set(float64(adjIn.Len()))
			})
			s.Run(ctx)
		}()
	}
}

// buildOwnLSA composes the LSA this node originates: its own name and the
// peering relationship declared toward each configured outbound peer. The
// topology-probe responder (internal/probe) answers queries with this LSA.
func buildOwnLSA(cfg *config.Config, id nodeid.ID) (*lsa.LSA, error) {
	attrs := []lsa.Attribute{lsa.EncodeNodeNameAttr(cfg.Service.InstanceID)}

	for _, pc := range cfg.Peers {
		target, err := nodeid.ParseHex(pc.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", pc.Name, err)
		}
		pt, err := lsa.ParsePeerType(pc.PeerType)
		if err != nil {
			return nil, fmt.Errorf("peer %s: %w", pc.Name, err)
		}
		attrs = append(attrs, lsa.EncodePeerAttr(target, pc.Metric, pt))
	}

	return lsa.New(id, attrs)
}

func dialLoop(ctx context.Context, host string, port int, name string, expectedID nodeid.ID, tlsCfg *tls.Config, n *node, logger *zap.Logger) {
	dialer := connect.NewDialer(host, port, logger.Named("connect"))
	for {
		if ctx.Err() != nil {
			return
		}

		raw, err := dialer.Run(ctx)
		if err != nil {
			return // ctx cancelled
		}

		adjIn := rib.NewAdjRIB()
		s := session.NewClient(raw, session.ClientConfig{
			TLSConfig:  tlsCfg,
			ExpectedID: expectedID,
			PeerName:   name,
			AdjRIBIn:   adjIn,
			Tunnel:     tunnel.NewNull(),
			Logger:     logger,
		})

		if !waitForKeyVerified(s) {
			logger.Warn("outbound session did not complete key verification in time, redialing", zap.String("peer", name))
			s.Close()
			continue
		}
		n.attach(expectedID, adjIn, s)
		adjIn.Subscribe(func(rib.Event) {
			metrics.AdjRIBSize.WithLabelValues(expectedID.String()).Set(float64(adjIn.Len()))
		})
		s.Run(ctx) // blocks until this session dies, then the loop redials
	}
}

// waitForKeyVerified spins until a session has verified its peer's key, up
// to the session handshake timeout, so Loc-RIB subscription uses the
// verified owner key rather than the zero value. The handshake itself
// happens in its own background goroutine (see secureconn.Dial/Accept);
// this only waits for it. Reports false if verification did not complete
// in time, in which case the caller must not attach the session.
func waitForKeyVerified(s *session.Session) bool {
	deadline := time.Now().Add(session.HandshakeTimeout)
	for time.Now().Before(deadline) {
		if s.State() >= session.StateKeyVerified {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s.State() >= session.StateKeyVerified
}

// cspfTicker recomputes this node's shortest-path tree from Loc-RIB on a
// fixed interval rather than on every Loc-RIB change, since a busy mesh can
// update Loc-RIB far more often than anything needs a fresh tree.
func cspfTicker(ctx context.Context, lr *rib.LocRIB, source nodeid.ID, logger *zap.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tree := buildCSPFTree(lr, source)
			logger.Debug("cspf tree recomputed", zap.Int("reachable", len(tree.Results)))
		}
	}
}

// retentionTicker purges audit rows older than retention on a daily cycle.
// Running once a day rather than on every history flush keeps the DELETE
// off the hot ingest path.
func retentionTicker(ctx context.Context, w *history.Writer, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := w.PurgeOlderThan(ctx, retention)
			if err != nil {
				logger.Warn("history retention purge failed", zap.Error(err))
				continue
			}
			logger.Info("history retention purge complete", zap.Int64("rows_deleted", n))
		}
	}
}

// buildCSPFTree recomputes the shortest-path tree from Loc-RIB's current
// contents, recording run duration and reachable node count.
func buildCSPFTree(lr *rib.LocRIB, source nodeid.ID) *cspf.Tree {
	start := time.Now()
	g := cspf.NewGraph()
	lr.Iter(func(l *lsa.LSA) bool {
		g.AddFromLSA(l)
		return true
	})
	tree := cspf.Run(g.Build(), source)
	metrics.CSPFRunDuration.Observe(time.Since(start).Seconds())
	reachable := 0
	for _, res := range tree.Results {
		if res.Reachable {
			reachable++
		}
	}
	metrics.CSPFReachableNodes.Set(float64(reachable))
	return tree
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns, cfg.Postgres.MinConns, logger.Named("history.pool"))
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := db.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("migrations complete")
}
