package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dd0wney/cluso-graphsync/pkg/health"
	"github.com/dd0wney/cluso-graphsync/pkg/logging"
	"github.com/dd0wney/cluso-graphsync/pkg/metrics"
	"github.com/dd0wney/cluso-graphsync/pkg/server"
	"github.com/dd0wney/cluso-graphsync/pkg/syncengine"
	"github.com/dd0wney/cluso-graphsync/pkg/syncstore"
	"github.com/dd0wney/cluso-graphsync/pkg/transport"
)

// Node is one running replica: a store, its engine, the sync server peers
// pull from, and a sync loop per peer.
type Node struct {
	cfg       *Config
	logger    logging.Logger
	metrics   *metrics.Registry
	store     syncstore.Store
	engine    *syncengine.Engine
	server    *transport.Server
	links     []*peerLink
	health    *health.HealthChecker
	http      *server.GracefulServer
	startedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// peerLink is the connection to one peer and the graphs synced over it
type peerLink struct {
	client *transport.Client
	peers  []*transport.Peer

	mu     sync.Mutex
	status health.PeerStatus
}

func (l *peerLink) record(err error, at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.status.ConsecutiveFailures++
		l.status.LastError = err.Error()
		return
	}
	l.status.ConsecutiveFailures = 0
	l.status.LastError = ""
	l.status.LastSuccess = at
}

func (l *peerLink) snapshot() health.PeerStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.status
}

// NewNode opens the store and wires the engine, transport and HTTP surface.
// Nothing listens until Start.
func NewNode(ctx context.Context, cfg *Config, logger logging.Logger) (*Node, error) {
	logger = logging.OrNop(logger)
	reg := metrics.NewRegistry()

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Kind, err)
	}

	engine, err := syncengine.New(st, cfg.Engine,
		syncengine.WithLogger(logger),
		syncengine.WithMetrics(reg))
	if err != nil {
		st.Close()
		return nil, err
	}

	topts := []transport.Option{
		transport.WithLogger(logger),
		transport.WithMetrics(reg),
		transport.WithTimeout(cfg.Sync.Timeout),
		transport.WithWorkers(cfg.Sync.Workers),
	}

	n := &Node{
		cfg:       cfg,
		logger:    logger.With(logging.Component("node"), logging.Instance(engine.InstanceID())),
		metrics:   reg,
		store:     st,
		engine:    engine,
		server:    transport.NewServer(engine, topts...),
		health:    health.NewHealthChecker(),
		startedAt: time.Now(),
	}

	for _, addr := range cfg.Peers {
		client, err := transport.Dial(addr, topts...)
		if err != nil {
			n.closeLinks()
			st.Close()
			return nil, err
		}
		link := &peerLink{client: client, status: health.PeerStatus{Addr: addr}}
		for _, g := range cfg.Graphs {
			link.peers = append(link.peers, transport.NewPeer(engine, client, g.Session, g.Graph, topts...))
		}
		n.links = append(n.links, link)
	}

	storeCheck := health.StoreCheck(probeStore(st), 0)
	n.health.RegisterCheck("store", storeCheck)
	n.health.RegisterCheck("peer_sync", health.PeerSyncCheck(n.PeerStatus, cfg.Sync.StaleAfter))
	n.health.RegisterCheck("memory", health.MemoryCheck(health.RuntimeMemory))
	n.health.RegisterReadinessCheck("store", storeCheck)
	n.health.RegisterLivenessCheck("memory", health.MemoryCheck(health.RuntimeMemory))

	if cfg.HTTPAddr != "" {
		n.http = server.NewGracefulServer(cfg.HTTPAddr, n.Handler(), logger)
	}
	return n, nil
}

// Engine returns the node's sync engine
func (n *Node) Engine() *syncengine.Engine {
	return n.engine
}

// Handler serves the metrics and health endpoints
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(n.metrics.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	mux.Handle("GET /health", n.health.HTTPHandler())
	mux.Handle("GET /health/ready", n.health.ReadinessHandler())
	mux.Handle("GET /health/live", n.health.LivenessHandler())
	return metricsMiddleware(n.metrics, mux)
}

// PeerStatus reports the sync history of every peer
func (n *Node) PeerStatus() []health.PeerStatus {
	out := make([]health.PeerStatus, 0, len(n.links))
	for _, l := range n.links {
		out = append(out, l.snapshot())
	}
	return out
}

// Start binds the sync server, starts the HTTP server and launches the
// background loops.
func (n *Node) Start(ctx context.Context) error {
	if err := n.server.Start(n.cfg.Listen); err != nil {
		return err
	}

	ctx, n.cancel = context.WithCancel(ctx)

	if n.http != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.http.Start(); err != nil {
				n.logger.Error("http server failed", logging.Error(err))
			}
		}()
	}

	for _, link := range n.links {
		n.wg.Add(1)
		go n.syncLoop(ctx, link)
	}
	n.wg.Add(1)
	go n.maintenanceLoop(ctx)

	n.logger.Info("node started",
		logging.String("listen", n.server.Addr()),
		logging.Int("peers", len(n.links)),
		logging.Int("graphs", len(n.cfg.Graphs)),
		logging.String("store", n.cfg.Store.Kind))
	return nil
}

// Close stops the loops and servers and closes the store
func (n *Node) Close() error {
	if n.cancel != nil {
		n.cancel()
	}
	var errs []error
	if n.http != nil {
		errs = append(errs, n.http.Shutdown(server.DefaultShutdownTimeout))
	}
	n.wg.Wait()

	errs = append(errs, n.server.Stop())
	n.closeLinks()
	if c, ok := n.store.(checkpointer); ok {
		if err := c.Checkpoint(); err != nil {
			n.logger.Warn("final checkpoint failed", logging.Error(err))
		}
	}
	errs = append(errs, n.store.Close())

	n.logger.Info("node stopped", logging.Duration("uptime", time.Since(n.startedAt)))
	return errors.Join(errs...)
}

func (n *Node) closeLinks() {
	for _, l := range n.links {
		l.client.Close()
	}
}

func (n *Node) syncLoop(ctx context.Context, link *peerLink) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.Sync.Interval)
	defer ticker.Stop()

	n.syncLink(ctx, link)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.syncLink(ctx, link)
		}
	}
}

// syncLink runs one round for every graph shared with a peer. A failed
// graph does not stop the others.
func (n *Node) syncLink(ctx context.Context, link *peerLink) error {
	var errs []error
	for _, p := range link.peers {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := p.SyncOnce(ctx); err != nil {
			n.logger.Warn("peer sync failed", logging.Peer(link.client.Addr()), logging.Error(err))
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	link.record(err, time.Now())
	return err
}

// SyncNow runs one sync round with every peer
func (n *Node) SyncNow(ctx context.Context) error {
	var errs []error
	for _, link := range n.links {
		errs = append(errs, n.syncLink(ctx, link))
	}
	return errors.Join(errs...)
}

func (n *Node) maintenanceLoop(ctx context.Context) {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.Maintenance.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := n.Maintain(ctx); err != nil {
				n.logger.Warn("maintenance failed", logging.Error(err))
			}
		}
	}
}

// Maintain refreshes process metrics, prunes changelogs past retention and
// compacts the store log.
func (n *Node) Maintain(ctx context.Context) error {
	n.metrics.UpdateSystemMetrics(n.startedAt)

	var errs []error
	if retention := n.cfg.Maintenance.ChangelogRetention; retention > 0 {
		cutoff := time.Now().Add(-retention)
		for _, session := range n.cfg.Sessions() {
			if _, err := n.engine.PruneChangelog(ctx, session, cutoff); err != nil {
				errs = append(errs, fmt.Errorf("prune %s: %w", session, err))
			}
		}
	}
	if c, ok := n.store.(checkpointer); ok {
		if err := c.Checkpoint(); err != nil {
			errs = append(errs, fmt.Errorf("checkpoint: %w", err))
		}
	}
	return errors.Join(errs...)
}
