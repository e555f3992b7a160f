// Command radsecproxy bridges legacy UDP RADIUS clients and RADIUS-over-TLS
// upstream servers: it matches an inbound Access-Request's username realm
// to a configured server peer, re-encrypts the request under that peer's
// secret, forwards it, and relays the eventual reply back to the client
// under the client's own secret. It never authenticates anyone itself.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/radsecproxy/internal/config"
	radsecmetrics "github.com/dantte-lp/radsecproxy/internal/metrics"
	"github.com/dantte-lp/radsecproxy/internal/proxy"
	"github.com/dantte-lp/radsecproxy/internal/radius"
	appversion "github.com/dantte-lp/radsecproxy/internal/version"
)

const (
	shutdownTimeout = 10 * time.Second

	// The configuration grammar has no metrics option (EXTERNAL INTERFACES
	// names none); the Prometheus endpoint is an always-on operational
	// surface, fixed like the teacher's own metrics listener.
	defaultMetricsAddr = ":9433"
	defaultMetricsPath = "/metrics"

	defaultLabelOverridesFile = "/etc/radsecproxy/metrics_labels.yaml"

	// udpReplyQueueFactor matches ClientPeer's doc comment: the shared UDP
	// reply queue is sized clients_count*256.
	udpReplyQueueFactor = 256
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("c", "", "path to configuration file (default: built-in defaults)")
	debugLevel := flag.Int("d", 0, "debug level override, 1 (debug) .. 4 (error)")
	foreground := flag.Bool("f", false, "no-op: this process never daemonizes itself")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appversion.Full("radsecproxy"))

		return 0
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", slog.String("error", err.Error()))

		return 1
	}

	level := cfg.LogLevel
	if *debugLevel != 0 {
		level = *debugLevel
	}

	logger := newLogger(config.ParseLogLevel(level))
	logger.Info("radsecproxy starting",
		slog.String("version", appversion.Version),
		slog.String("listen_udp", cfg.ListenUDP),
		slog.String("listen_tcp", cfg.ListenTCP),
		slog.Bool("foreground", *foreground),
	)

	reg := prometheus.NewRegistry()

	extraLabels, err := radsecmetrics.LoadLabelOverrides(defaultLabelOverridesFile)
	if err != nil {
		logger.Warn("failed to load metrics label overrides, continuing without them", slog.String("error", err.Error()))
	}

	collector := radsecmetrics.NewCollectorWithLabels(reg, extraLabels)

	d, err := newDaemon(cfg, collector, logger)
	if err != nil {
		logger.Error("failed to build peer topology", slog.String("error", err.Error()))

		return 1
	}
	defer d.Close()

	if err := d.Run(reg, logger); err != nil {
		logger.Error("radsecproxy exited with error", slog.String("error", err.Error()))

		return 1
	}

	logger.Info("radsecproxy stopped")

	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// tlsMaterial is one named tls block's loaded keypair and raw CA bundle.
type tlsMaterial struct {
	cert  tls.Certificate
	caPEM []byte
}

func loadTLSMaterial(blocks []config.TLSConfig) (map[string]tlsMaterial, error) {
	out := make(map[string]tlsMaterial, len(blocks))

	for _, b := range blocks {
		cert, err := tls.LoadX509KeyPair(b.CertificateFile, b.CertificateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("tls %q: load keypair: %w", b.Name, err)
		}

		var caPEM []byte

		if b.CACertificateFile != "" {
			caPEM, err = os.ReadFile(b.CACertificateFile)
			if err != nil {
				return nil, fmt.Errorf("tls %q: read ca certificate: %w", b.Name, err)
			}
		}

		out[b.Name] = tlsMaterial{cert: cert, caPEM: caPEM}
	}

	return out, nil
}

func poolFromPEMs(pemBundles [][]byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()

	for _, bundle := range pemBundles {
		if len(bundle) == 0 {
			continue
		}

		if !pool.AppendCertsFromPEM(bundle) {
			return nil, errors.New("config: no certificates found in ca bundle")
		}
	}

	return pool, nil
}

// serverLink pairs a configured server peer with the sender driving
// traffic to it, plus (for TLS peers only) the session the sender writes
// over and that runTLSUpstream reconnects.
type serverLink struct {
	server  *radius.ServerPeer
	sender  *proxy.ClientSender
	session *proxy.TlsSession
}

// daemon holds every wired-together piece needed to run the proxy: the
// peer topology, the open sockets, and the goroutines serving them.
type daemon struct {
	cfg       *config.Config
	registry  *radius.PeerRegistry
	router    *radius.RealmRouter
	collector *radsecmetrics.Collector
	logger    *slog.Logger

	inboundUDPConn  *net.UDPConn
	outboundUDPConn *net.UDPConn

	udpReplyQueue *radius.ReplyQueue

	udpServers []*radius.ServerPeer
	links      []*serverLink

	listener   *proxy.ServerListener
	inboundTLS *proxy.InboundTLSServer
}

func newDaemon(cfg *config.Config, collector *radsecmetrics.Collector, logger *slog.Logger) (*daemon, error) {
	tlsMat, err := loadTLSMaterial(cfg.TLS)
	if err != nil {
		return nil, err
	}

	inboundUDPConn, err := listenUDPReuseAddr(cfg.ListenUDP)
	if err != nil {
		return nil, fmt.Errorf("listen udp %s: %w", cfg.ListenUDP, err)
	}

	outboundUDPConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		inboundUDPConn.Close()

		return nil, fmt.Errorf("open outbound udp socket: %w", err)
	}

	d := &daemon{
		cfg:             cfg,
		collector:       collector,
		logger:          logger,
		inboundUDPConn:  inboundUDPConn,
		outboundUDPConn: outboundUDPConn,
	}

	clients, tlsClientBlocks, err := buildClients(cfg.Clients)
	if err != nil {
		d.Close()

		return nil, err
	}

	servers, tlsServerBlocks, err := buildServers(cfg.Servers)
	if err != nil {
		d.Close()

		return nil, err
	}

	for _, s := range servers {
		if s.Config.Type == radius.TransportUDP {
			d.udpServers = append(d.udpServers, s)
		}
	}

	registry := radius.NewPeerRegistry(clients, servers)
	d.registry = registry

	router, err := buildRealmRouter(cfg.Realms, registry)
	if err != nil {
		d.Close()

		return nil, err
	}

	d.router = router

	onSuspect := func(s *radius.ServerPeer) { collector.SetServerUp(s.Config.Name, false) }

	senders := make(map[string]*proxy.ClientSender, len(servers))

	for _, s := range d.udpServers {
		sender := proxy.NewUDPClientSender(s, outboundUDPConn, logger, onSuspect)
		sender.SetMetrics(collector)

		senders[s.Config.Name] = sender
		d.links = append(d.links, &serverLink{server: s, sender: sender})
	}

	for _, block := range tlsServerBlocks {
		mat, ok := tlsMat[block.TLSName]
		if !ok {
			d.Close()

			return nil, fmt.Errorf("server %q: %w", block.Name, config.ErrMissingTLSReference)
		}

		pool, err := poolFromPEMs([][]byte{mat.caPEM})
		if err != nil {
			d.Close()

			return nil, fmt.Errorf("server %q: %w", block.Name, err)
		}

		server, _ := registry.ServerByName(block.Name)

		port := block.Port
		if port == 0 {
			port = config.DefaultPeerPortTLS
		}

		session := proxy.NewTlsSession(fmt.Sprintf("%s:%d", block.Name, port), block.Name, mat.cert, pool, logger)
		sender := proxy.NewTLSClientSender(server, session, logger, onSuspect)
		sender.SetMetrics(collector)

		senders[server.Config.Name] = sender
		d.links = append(d.links, &serverLink{server: server, sender: sender, session: session})
	}

	d.listener = proxy.NewServerListener(registry, router, senders, logger)
	d.listener.SetMetrics(collector)

	if len(tlsClientBlocks) > 0 {
		inboundTLS, err := buildInboundTLS(tlsClientBlocks, tlsMat, d.listener, clients, logger)
		if err != nil {
			d.Close()

			return nil, err
		}

		d.inboundTLS = inboundTLS
	}

	d.udpReplyQueue = firstUDPReplyQueue(clients)

	return d, nil
}

func buildClients(blocks []config.PeerBlock) (clients []*radius.ClientPeer, tlsBlocks []config.PeerBlock, err error) {
	udpCount := 0

	for _, c := range blocks {
		if c.Type == "udp" {
			udpCount++
		}
	}

	var udpReplyQueue *radius.ReplyQueue
	if udpCount > 0 {
		udpReplyQueue = radius.NewReplyQueue(udpCount * udpReplyQueueFactor)
	}

	for _, c := range blocks {
		switch c.Type {
		case "udp":
			addr, err := netip.ParseAddr(c.Name)
			if err != nil {
				return nil, nil, fmt.Errorf("client %q: parse address: %w", c.Name, err)
			}

			port := c.Port
			if port == 0 {
				port = config.DefaultPeerPortUDP
			}

			clients = append(clients, radius.NewClientPeer(radius.PeerConfig{
				Name:      c.Name,
				Type:      radius.TransportUDP,
				Addresses: []netip.AddrPort{netip.AddrPortFrom(addr, uint16(port))},
				Secret:    []byte(c.Secret),
			}, udpReplyQueue))

		case "tls":
			clients = append(clients, radius.NewClientPeer(radius.PeerConfig{
				Name:          c.Name,
				Type:          radius.TransportTLS,
				Secret:        []byte(c.Secret),
				TLSServerName: c.Name,
			}, radius.NewReplyQueue(udpReplyQueueFactor)))

			tlsBlocks = append(tlsBlocks, c)

		default:
			return nil, nil, fmt.Errorf("client %q: %w", c.Name, config.ErrUnknownPeerType)
		}
	}

	return clients, tlsBlocks, nil
}

func buildServers(blocks []config.PeerBlock) (servers []*radius.ServerPeer, tlsBlocks []config.PeerBlock, err error) {
	for _, s := range blocks {
		switch s.Type {
		case "udp":
			addr, err := netip.ParseAddr(s.Name)
			if err != nil {
				return nil, nil, fmt.Errorf("server %q: parse address: %w", s.Name, err)
			}

			port := s.Port
			if port == 0 {
				port = config.DefaultPeerPortUDP
			}

			servers = append(servers, radius.NewServerPeer(radius.PeerConfig{
				Name:      s.Name,
				Type:      radius.TransportUDP,
				Addresses: []netip.AddrPort{netip.AddrPortFrom(addr, uint16(port))},
				Secret:    []byte(s.Secret),
			}, s.StatusServer))

		case "tls":
			servers = append(servers, radius.NewServerPeer(radius.PeerConfig{
				Name:          s.Name,
				Type:          radius.TransportTLS,
				Secret:        []byte(s.Secret),
				TLSServerName: s.Name,
			}, s.StatusServer))

			tlsBlocks = append(tlsBlocks, s)

		default:
			return nil, nil, fmt.Errorf("server %q: %w", s.Name, config.ErrUnknownPeerType)
		}
	}

	return servers, tlsBlocks, nil
}

func buildRealmRouter(blocks []config.RealmBlock, registry *radius.PeerRegistry) (*radius.RealmRouter, error) {
	realms := make([]*radius.Realm, 0, len(blocks))

	for _, r := range blocks {
		re, err := radius.CompilePattern(r.Pattern)
		if err != nil {
			return nil, err
		}

		realm := &radius.Realm{Pattern: r.Pattern, Regex: re, RejectMessage: r.Message}

		if r.Server != "" {
			server, ok := registry.ServerByName(r.Server)
			if !ok {
				return nil, fmt.Errorf("realm %q references unknown server %q: %w", r.Pattern, r.Server, config.ErrMissingServerRef)
			}

			realm.Server = server
		}

		realms = append(realms, realm)
	}

	return radius.NewRealmRouter(realms), nil
}

// buildInboundTLS picks the first TLS-type client's referenced tls block as
// this proxy's own listening identity: RadSec uses the same mutual-TLS
// material on both ends of the connection, so any client-referenced
// context serves equally well as the server's own certificate. The CA pool
// used to verify inbound client certificates is the union of every tls
// block referenced by a TLS-type client.
func buildInboundTLS(tlsClientBlocks []config.PeerBlock, tlsMat map[string]tlsMaterial, listener *proxy.ServerListener, clients []*radius.ClientPeer, logger *slog.Logger) (*proxy.InboundTLSServer, error) {
	serverMat, ok := tlsMat[tlsClientBlocks[0].TLSName]
	if !ok {
		return nil, fmt.Errorf("client %q: %w", tlsClientBlocks[0].Name, config.ErrMissingTLSReference)
	}

	caPEMs := make([][]byte, 0, len(tlsClientBlocks))

	for _, b := range tlsClientBlocks {
		m, ok := tlsMat[b.TLSName]
		if !ok {
			return nil, fmt.Errorf("client %q: %w", b.Name, config.ErrMissingTLSReference)
		}

		caPEMs = append(caPEMs, m.caPEM)
	}

	pool, err := poolFromPEMs(caPEMs)
	if err != nil {
		return nil, err
	}

	return proxy.NewInboundTLSServer(listener, clients, serverMat.cert, pool, logger), nil
}

func firstUDPReplyQueue(clients []*radius.ClientPeer) *radius.ReplyQueue {
	for _, c := range clients {
		if c.Config.Type == radius.TransportUDP {
			return c.ReplyQueue
		}
	}

	return nil
}

// Run starts every serving goroutine and blocks until SIGINT/SIGTERM or a
// fatal component error, then shuts the metrics server down gracefully.
func (d *daemon) Run(reg *prometheus.Registry, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	metricsSrv := newMetricsServer(reg)
	g.Go(func() error {
		logger.Info("metrics server listening", slog.String("addr", defaultMetricsAddr), slog.String("path", defaultMetricsPath))

		return listenAndServeHTTP(gctx, metricsSrv, defaultMetricsAddr)
	})

	g.Go(func() error {
		logger.Info("udp listener started", slog.String("addr", d.cfg.ListenUDP))

		return d.listener.ServeUDP(gctx, d.inboundUDPConn)
	})

	if d.udpReplyQueue != nil {
		replier := proxy.NewServerReplier(d.udpReplyQueue, func(r radius.Reply) error {
			if _, err := d.inboundUDPConn.WriteToUDPAddrPort(r.Buffer, r.DestAddr); err != nil {
				return fmt.Errorf("write udp reply to %s: %w", r.DestAddr, err)
			}

			return nil
		}, logger)

		g.Go(func() error { return replier.Run(gctx) })
	}

	if len(d.udpServers) > 0 {
		receiver := proxy.NewClientReceiver(proxy.NewUDPReplyTransport(d.outboundUDPConn, d.udpServers), d.registry, logger)
		receiver.SetMetrics(d.collector)

		g.Go(func() error { return receiver.Run() })
	}

	for _, link := range d.links {
		link := link

		g.Go(func() error { return link.sender.Run(gctx) })

		if link.session != nil {
			g.Go(func() error { return d.runTLSUpstream(gctx, link, logger) })
		}
	}

	if d.inboundTLS != nil {
		ln, err := net.Listen("tcp", d.cfg.ListenTCP)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", d.cfg.ListenTCP, err)
		}

		g.Go(func() error {
			logger.Info("tls listener started", slog.String("addr", d.cfg.ListenTCP))

			return d.inboundTLS.Serve(gctx, ln)
		})
	}

	g.Go(func() error {
		<-gctx.Done()

		return shutdownMetricsServer(metricsSrv)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run daemon: %w", err)
	}

	return nil
}

// runTLSUpstream owns one TLS upstream's whole lifecycle: connect (with
// backoff), run a receiver over the session until it disconnects, then
// reconnect. It only returns when gctx is canceled.
func (d *daemon) runTLSUpstream(gctx context.Context, link *serverLink, logger *slog.Logger) error {
	for {
		if err := link.session.Connect(gctx); err != nil {
			return fmt.Errorf("connect to %s: %w", link.server.Config.Name, err)
		}

		receiver := proxy.NewClientReceiver(proxy.NewTLSReplyTransport(link.session, link.server), d.registry, logger)
		receiver.SetMetrics(d.collector)

		err := receiver.Run()
		if gctx.Err() != nil {
			return fmt.Errorf("tls upstream %s stopped: %w", link.server.Config.Name, gctx.Err())
		}

		logger.Warn("tls upstream receiver stopped, reconnecting",
			slog.String("server", link.server.Config.Name),
			slog.String("error", err.Error()),
		)

		d.collector.IncTLSReconnects(link.server.Config.Name)
	}
}

func newMetricsServer(reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(defaultMetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	return &http.Server{
		Addr:              defaultMetricsAddr,
		Handler:           h2c.NewHandler(mux, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServeHTTP(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}

	return nil
}

func shutdownMetricsServer(srv *http.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}

	return nil
}

// Close releases every socket and TLS session this daemon opened. Safe to
// call on a partially built daemon.
func (d *daemon) Close() {
	if d.inboundUDPConn != nil {
		d.inboundUDPConn.Close()
	}

	if d.outboundUDPConn != nil {
		d.outboundUDPConn.Close()
	}

	for _, link := range d.links {
		if link.session != nil {
			link.session.Close()
		}
	}
}
