// Package node assembles an auctiond node: the auction store and registry,
// the broadcast coordinator and the peer endpoint.
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/net/netutil"

	"github.com/auctionmesh/auctiond/config"
	"github.com/auctionmesh/auctiond/internal/auction"
	"github.com/auctionmesh/auctiond/internal/broadcast"
	"github.com/auctionmesh/auctiond/internal/peer"
	"github.com/auctionmesh/auctiond/internal/store"
	"github.com/auctionmesh/auctiond/libs/log"
	"github.com/auctionmesh/auctiond/libs/service"
	"github.com/auctionmesh/auctiond/types"
)

const shutdownTimeout = 5 * time.Second

// Node is a running auction registry serving one topic.
type Node struct {
	service.BaseService
	logger log.Logger
	config *config.Config

	peerKey types.PeerKey
	topic   types.TopicKey

	store       store.Store
	registry    *auction.Registry
	coordinator *broadcast.Coordinator
	manager     *peer.Manager

	listener      net.Listener
	server        *http.Server
	prometheusSrv *http.Server
}

// Option sets an optional parameter on the Node.
type Option func(*options)

type options struct {
	storeProvider config.StoreProvider
}

// WithStoreProvider replaces the store selected by the config.
func WithStoreProvider(p config.StoreProvider) Option {
	return func(o *options) { o.storeProvider = p }
}

// New builds a node from cfg. The returned node owns the store and closes it
// on Stop.
func New(ctx context.Context, cfg *config.Config, logger log.Logger, opts ...Option) (*Node, error) {
	o := options{storeProvider: config.DefaultStoreProvider}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.ValidateBasic(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	peerKey, err := types.LoadOrGenPeerKey(cfg.PeerKeyFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load or gen peer key %s: %w", cfg.PeerKeyFile(), err)
	}

	st, err := o.storeProvider(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open auction store: %w", err)
	}

	auctionMetrics, broadcastMetrics := defaultMetricsProvider(cfg.Instrumentation)

	registry, err := auction.NewRegistry(ctx, st, logger.With("module", "auction"),
		auction.WithMetrics(auctionMetrics),
		auction.WithCurrency(cfg.Auction.Currency),
		auction.WithStrictIncrease(cfg.Auction.StrictIncrease),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	coordinator := broadcast.NewCoordinator(logger.With("module", "broadcast"),
		cfg.P2P.BroadcastQueueSize, broadcast.WithMetrics(broadcastMetrics))

	topic := types.NewTopicKey(cfg.P2P.Topic)
	manager := peer.NewManager(
		logger.With("module", "peer"),
		topic,
		registry,
		coordinator,
		peer.NewKeyResolver(topic),
		peer.ManagerOptions{
			ConnOptions: peer.ConnOptions{
				MaxMessageSize: cfg.P2P.MaxMessageSize,
				WriteTimeout:   cfg.P2P.WriteTimeout,
				PingInterval:   cfg.P2P.PingInterval,
			},
			HandshakeTimeout: cfg.P2P.HandshakeTimeout,
			CheckOrigin:      originChecker(cfg.P2P.CORSAllowedOrigins),
		},
	)

	n := &Node{
		logger:      logger,
		config:      cfg,
		peerKey:     peerKey,
		topic:       topic,
		store:       st,
		registry:    registry,
		coordinator: coordinator,
		manager:     manager,
	}
	n.BaseService = *service.NewBaseService(logger, "Node", n)
	return n, nil
}

// OnStart starts the coordinator and the peer manager, then opens the peer
// endpoint.
func (n *Node) OnStart(ctx context.Context) error {
	if n.config.Instrumentation.Prometheus && n.config.Instrumentation.PrometheusListenAddr != "" {
		n.prometheusSrv = n.startPrometheusServer(ctx, n.config.Instrumentation.PrometheusListenAddr)
	}

	if err := n.coordinator.Start(ctx); err != nil {
		return err
	}
	if err := n.manager.Start(ctx); err != nil {
		return err
	}

	listener, err := listen(n.config.P2P.ListenAddress, n.config.P2P.MaxOpenConnections)
	if err != nil {
		return err
	}
	n.listener = listener

	mux := http.NewServeMux()
	mux.Handle(peer.TopicPath(n.topic), n.manager)

	var rootHandler http.Handler = mux
	if len(n.config.P2P.CORSAllowedOrigins) > 0 {
		corsMiddleware := cors.New(cors.Options{
			AllowedOrigins: n.config.P2P.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet},
		})
		rootHandler = corsMiddleware.Handler(mux)
	}

	n.server = &http.Server{
		Handler:           rootHandler,
		ReadHeaderTimeout: n.config.P2P.HandshakeTimeout,
	}
	go func() {
		if err := n.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.logger.Error("peer endpoint stopped", "err", err)
		}
	}()

	n.logger.Info("accepting peers",
		"addr", listener.Addr().String(),
		"topic", n.config.P2P.Topic,
		"path", peer.TopicPath(n.topic),
		"node_id", n.peerKey.ID(),
		"open_auctions", n.registry.NumAuctions(),
	)
	return nil
}

// OnStop closes the peer endpoint and every connection, then the store.
func (n *Node) OnStop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if n.server != nil {
		if err := n.server.Shutdown(ctx); err != nil {
			n.logger.Error("error shutting down peer endpoint", "err", err)
		}
	}
	if n.manager.IsRunning() {
		if err := n.manager.Stop(); err != nil {
			n.logger.Error("error stopping peer manager", "err", err)
		}
	}
	if n.coordinator.IsRunning() {
		if err := n.coordinator.Stop(); err != nil {
			n.logger.Error("error stopping broadcast coordinator", "err", err)
		}
	}
	if err := n.store.Close(); err != nil {
		n.logger.Error("error closing auction store", "err", err)
	}
	if n.prometheusSrv != nil {
		if err := n.prometheusSrv.Shutdown(ctx); err != nil {
			n.logger.Error("prometheus server Shutdown", "err", err)
		}
	}
}

// Addr returns the address of the peer endpoint, nil before Start.
func (n *Node) Addr() net.Addr {
	if n.listener == nil {
		return nil
	}
	return n.listener.Addr()
}

// Topic returns the topic key peers connect with.
func (n *Node) Topic() types.TopicKey { return n.topic }

// PeerKey returns the node's own key.
func (n *Node) PeerKey() types.PeerKey { return n.peerKey }

// Registry returns the auction registry of the node.
func (n *Node) Registry() *auction.Registry { return n.registry }

// startPrometheusServer starts a Prometheus HTTP server, listening for metrics
// collectors on addr.
func (n *Node) startPrometheusServer(ctx context.Context, addr string) *http.Server {
	srv := &http.Server{
		Addr: addr,
		Handler: promhttp.InstrumentMetricHandler(
			prometheus.DefaultRegisterer, promhttp.HandlerFor(
				prometheus.DefaultGatherer,
				promhttp.HandlerOpts{},
			),
		),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			// Error starting or closing listener:
			n.logger.Error("prometheus HTTP server ListenAndServe", "err", err)
		}
	}()
	return srv
}

// listen opens addr, which may carry a tcp:// scheme, and caps the number of
// simultaneously accepted connections at maxOpen unless it is 0.
func listen(addr string, maxOpen int) (net.Listener, error) {
	parts := strings.SplitN(addr, "://", 2)
	protocol, address := "tcp", addr
	if len(parts) == 2 {
		protocol, address = parts[0], parts[1]
	}
	if protocol != "tcp" {
		return nil, fmt.Errorf("invalid listen address %q: only tcp is supported", addr)
	}

	listener, err := net.Listen(protocol, address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %v: %w", addr, err)
	}
	if maxOpen > 0 {
		listener = netutil.LimitListener(listener, maxOpen)
	}
	return listener, nil
}

// originChecker restricts websocket upgrades to the configured origins,
// following the matching rules of the CORS middleware: '*' allows everything
// and an origin may contain a single '*' wildcard. Requests without an Origin
// header do not come from a browser and are always accepted.
func originChecker(allowed []string) func(*http.Request) bool {
	patterns := make([]string, 0, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return nil
		}
		patterns = append(patterns, strings.ToLower(o))
	}
	return func(r *http.Request) bool {
		origin := strings.ToLower(r.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		for _, p := range patterns {
			if matchOrigin(p, origin) {
				return true
			}
		}
		return false
	}
}

func matchOrigin(pattern, origin string) bool {
	i := strings.IndexByte(pattern, '*')
	if i < 0 {
		return pattern == origin
	}
	prefix, suffix := pattern[:i], pattern[i+1:]
	return len(origin) >= len(prefix)+len(suffix) &&
		strings.HasPrefix(origin, prefix) && strings.HasSuffix(origin, suffix)
}

func defaultMetricsProvider(cfg *config.InstrumentationConfig) (*auction.Metrics, *broadcast.Metrics) {
	if cfg.Prometheus {
		return auction.PrometheusMetrics(cfg.Namespace), broadcast.PrometheusMetrics(cfg.Namespace)
	}
	return auction.NopMetrics(), broadcast.NopMetrics()
}
