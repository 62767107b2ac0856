// Package main is the AEGIS edge node entry point: it wires the packet
// filter, TLS terminator, request pipeline, distributed state layers, and
// management surfaces together and runs them until a shutdown signal.
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cilium/ebpf"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegis-network/edge/infrastructure/config"
	aegiscrypto "github.com/aegis-network/edge/infrastructure/crypto"
	"github.com/aegis-network/edge/infrastructure/httputil"
	"github.com/aegis-network/edge/infrastructure/logging"
	aegismetrics "github.com/aegis-network/edge/infrastructure/metrics"
	"github.com/aegis-network/edge/infrastructure/middleware"
	"github.com/aegis-network/edge/infrastructure/node"
	"github.com/aegis-network/edge/infrastructure/runtime"
	"github.com/aegis-network/edge/services/adminapi"
	"github.com/aegis-network/edge/services/botstage"
	"github.com/aegis-network/edge/services/cache"
	"github.com/aegis-network/edge/services/challengeapi"
	"github.com/aegis-network/edge/services/metricsrecorder"
	"github.com/aegis-network/edge/services/packetfilter"
	"github.com/aegis-network/edge/services/packetfilter/bpf"
	"github.com/aegis-network/edge/services/pipeline"
	"github.com/aegis-network/edge/services/ratelimit"
	"github.com/aegis-network/edge/services/responsefilter"
	"github.com/aegis-network/edge/services/sandbox"
	"github.com/aegis-network/edge/services/threatintel"
	"github.com/aegis-network/edge/services/tlsterm"
	"github.com/aegis-network/edge/services/waf"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := logging.NewFromEnv("edge")

	nodeID := config.GetEnv("AEGIS_NODE_ID", "")
	if nodeID == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatalf("CRITICAL: AEGIS_NODE_ID is not set and hostname is unreadable: %v", err)
		}
		nodeID = host
	}

	n := node.New(node.Config{ID: nodeID})
	pub, priv := loadReportingKeypair(n)
	if err := n.SetReportingKeypair(pub, priv); err != nil {
		log.Fatalf("CRITICAL: install reporting keypair: %v", err)
	}

	// Route table: a boot-time parse failure is fatal; reload failures
	// after boot keep the last-known-good table.
	routesFile := config.GetEnv("AEGIS_ROUTES_FILE", "routes.yaml")
	routeLoader, routeTable, err := config.LoadRoutes(routesFile, logger)
	if err != nil {
		log.Fatalf("CRITICAL: load route config %s: %v", routesFile, err)
	}
	if err := routeLoader.Watch(ctx); err != nil {
		log.Fatalf("CRITICAL: watch route config: %v", err)
	}

	// Packet filter maps: XDP-backed when an interface and object file
	// are configured and attachable, userspace fallback otherwise. The
	// kernel filter failing to attach must not take the node down — the
	// proxy keeps running with userspace enforcement only.
	filterMaps := buildFilterMaps(logger)

	// Threat-intel durable store + gossip bus.
	blocklistDSN := config.GetEnv("AEGIS_BLOCKLIST_DB", "blocklist.db")
	blocklistDB, err := threatintel.Open(ctx, blocklistDSN)
	if err != nil {
		log.Fatalf("CRITICAL: open blocklist store %s: %v", blocklistDSN, err)
	}
	defer blocklistDB.Close()
	intelStore, err := threatintel.NewStore(ctx, blocklistDB)
	if err != nil {
		log.Fatalf("CRITICAL: initialize blocklist store: %v", err)
	}

	keyring := threatintel.NewKeyRing()
	keyring.Set(nodeID, n.ReportingPublicKey())
	loadPeerKeys(keyring, logger)

	var intelBus *threatintel.Bus
	if config.GetEnvBool("AEGIS_GOSSIP_ENABLED", true) {
		intelBus, err = threatintel.NewBus(threatintel.Config{
			NodeID:    nodeID,
			BindAddr:  config.GetEnv("AEGIS_GOSSIP_BIND_ADDR", ""),
			BindPort:  config.GetEnvInt("AEGIS_GOSSIP_PORT", 7946),
			JoinAddrs: config.SplitAndTrimCSV(os.Getenv("AEGIS_GOSSIP_JOIN")),
		}, keyring, filterMaps, intelStore, logger)
		if err != nil {
			log.Fatalf("CRITICAL: start threat-intel bus: %v", err)
		}
	} else {
		logger.Warn(ctx, "threat-intel gossip disabled, running with local blocklist only", nil)
	}

	// Restore non-expired blocklist entries into the filter and announce
	// them so rejoining peers converge.
	if err := threatintel.Converge(ctx, intelStore, filterMaps, intelBus, n); err != nil {
		logger.WithError(err).Warn("startup blocklist convergence incomplete")
	}

	// Distributed rate-limit store over JetStream; absent a NATS URL the
	// node degrades to local-only counting (bot rate verdicts fail open).
	var rateStore *ratelimit.Store
	var natsConn *nats.Conn
	if natsURL := config.GetEnv("AEGIS_NATS_URL", ""); natsURL != "" {
		rateStore, natsConn = connectRateStore(ctx, natsURL, nodeID, logger)
		if natsConn != nil {
			defer natsConn.Drain()
		}
	} else {
		logger.Warn(ctx, "AEGIS_NATS_URL not set, rate-limit counters are node-local", nil)
	}

	// Response cache.
	respCache := cache.NewFromConfig(cache.Config{
		Addr:       config.GetEnv("AEGIS_REDIS_ADDR", "127.0.0.1:6379"),
		Password:   config.EnvOrSecret(n, "AEGIS_REDIS_PASSWORD", ""),
		DB:         config.GetEnvInt("AEGIS_REDIS_DB", 0),
		DefaultTTL: config.ParseDurationOrDefault(os.Getenv("AEGIS_CACHE_DEFAULT_TTL"), 5*time.Minute),
	})

	// Edge-module registry.
	registry := sandbox.NewRegistry()
	loadModules(registry, logger)

	// Bot stage shares the node's reporting keypair for trust-token
	// signing, and the distributed counters for rate verdicts.
	botPolicy := botstage.DefaultPolicy()
	botPolicy.SigningPub = pub
	botPolicy.SigningPriv = priv
	botPolicy.ChallengeDifficulty = config.GetEnvInt("AEGIS_CHALLENGE_DIFFICULTY", botPolicy.ChallengeDifficulty)
	var rates botstage.RateWindowChecker
	if rateStore != nil {
		rates = rateStore
	}
	bot := botstage.New(botPolicy, rates)

	recorder := metricsrecorder.New(nodeID, n)
	go recorder.Run(ctx, config.ParseDurationOrDefault(os.Getenv("AEGIS_METRICS_WINDOW"), 5*time.Minute), func(report *metricsrecorder.MetricReport) {
		logger.Info(ctx, "metric report window closed", map[string]interface{}{
			"window_start":   report.WindowStart,
			"window_end":     report.WindowEnd,
			"total_requests": report.TotalRequests,
		})
	})

	var opMetrics *aegismetrics.Metrics
	if aegismetrics.Enabled() {
		opMetrics = aegismetrics.Init("edge")
	}

	dispatcher := pipeline.New(pipeline.Config{
		Routes:         routeTable,
		Bot:            bot,
		WAF:            waf.New(waf.DefaultPolicy()),
		EdgeModules:    sandbox.New(registry, sandbox.NewModuleCache(respCache), logger),
		CacheLookup:    cache.NewLookupStage(respCache, logger),
		ResponseFilter: responsefilter.New(nil),
		BodyCapture:    cache.NewWritebackStage(respCache, logger),
		MetricsStage:   metricsrecorder.NewStage(recorder),
		Origin: pipeline.NewOriginFetcher(
			&http.Client{Timeout: config.ParseDurationOrDefault(os.Getenv("AEGIS_ORIGIN_TIMEOUT"), 30*time.Second)},
			config.ParseUint32OrDefault(os.Getenv("AEGIS_ORIGIN_BREAKER_FAILURES"), 5),
			logger,
		),
		BodyCapBytes: int64(config.GetEnvInt("AEGIS_BODY_CAP_BYTES", 1<<20)),
		Log:          logger,
		Metrics:      opMetrics,
	})

	trustedProxies := parseTrustedProxies(os.Getenv("AEGIS_TRUSTED_PROXIES"))
	dataPlane := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := httputil.ClientIPTrusting(r, trustedProxies)
		if rateStore != nil {
			rateStore.Increment(r.Context(), "ip:"+clientIP, 1)
		}
		dispatcher.Handle(w, r, clientIP)
	})

	// Listeners. Data plane on HTTP and (certificates permitting) HTTPS;
	// management, oracle, and challenge surfaces on their own ports.
	servers := make([]*http.Server, 0, 5)

	httpServer := dataPlaneServer(config.GetEnvInt("AEGIS_HTTP_PORT", 80), dataPlane)
	servers = append(servers, httpServer)
	go serveFatal(httpServer, "http data plane", false)

	if certDir := config.GetEnv("AEGIS_CERT_DIR", ""); certDir != "" {
		term := tlsterm.New(n, logger)
		if err := term.WatchDir(certDir); err != nil {
			log.Fatalf("CRITICAL: load TLS material from %s: %v", certDir, err)
		}
		defer term.Close()

		httpsServer := dataPlaneServer(config.GetEnvInt("AEGIS_HTTPS_PORT", 443), dataPlane)
		httpsServer.TLSConfig = term.TLSConfig()
		servers = append(servers, httpsServer)
		go serveFatal(httpsServer, "https data plane", true)
	} else {
		logger.Warn(ctx, "AEGIS_CERT_DIR not set, HTTPS listener disabled", nil)
	}

	adminServer := adminapi.New(adminapi.Config{
		Routes:     routeTable,
		Blocklist:  filterMaps,
		RateLimits: adminRateLimits{rateStore},
		Modules:    registry,
		JWTSecret:  adminJWTSecret(n),
		Logger:     logger,
	})
	mgmtMux := http.NewServeMux()
	mgmtMux.Handle("/admin/", adminServer)
	mgmtMux.HandleFunc("/metrics", recorder.TextHandler(logger))
	mgmtMux.HandleFunc("/healthz", middleware.LivenessHandler())
	if opMetrics != nil {
		mgmtMux.Handle("/metrics/process", promhttp.Handler())
	}
	mgmtServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.GetEnvInt("AEGIS_MGMT_PORT", 9100)),
		Handler:           mgmtMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers = append(servers, mgmtServer)
	go serveFatal(mgmtServer, "management", false)

	oracleMux := http.NewServeMux()
	oracleMux.HandleFunc("/report", recorder.JSONHandler(logger))
	oracleServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", config.GetEnvInt("AEGIS_ORACLE_PORT", 9101)),
		Handler:           oracleMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers = append(servers, oracleServer)
	go serveFatal(oracleServer, "oracle metrics", false)

	challengeServer := &http.Server{
		Addr: fmt.Sprintf(":%d", config.GetEnvInt("AEGIS_CHALLENGE_PORT", 9102)),
		Handler: challengeapi.New(challengeapi.Config{
			Verifier:       bot,
			TrustedProxies: trustedProxies,
			Logger:         logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers = append(servers, challengeServer)
	go serveFatal(challengeServer, "challenge api", false)

	logger.Info(ctx, "edge node started", map[string]interface{}{
		"node_id": nodeID,
		"routes":  len(routeTable.Snapshot()),
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}
	if intelBus != nil {
		if err := intelBus.Shutdown(5 * time.Second); err != nil {
			log.Printf("Gossip shutdown error: %v", err)
		}
	}
}

// loadReportingKeypair reads the node's Ed25519 reporting key: a 32-byte
// seed or 64-byte private key, base64- or raw-encoded, optionally sealed
// in an envelope under AEGIS_KEY_ENCRYPTION_KEY. In development with no
// key configured an ephemeral keypair is generated with a warning; in
// production a missing or unreadable key is fatal.
func loadReportingKeypair(n *node.Node) (ed25519.PublicKey, ed25519.PrivateKey) {
	keyFile := config.GetEnv("AEGIS_REPORTING_KEY_FILE", "")
	if keyFile == "" {
		if runtime.IsProduction() {
			log.Fatalf("CRITICAL: AEGIS_REPORTING_KEY_FILE is required in production")
		}
		log.Printf("WARNING: generating ephemeral reporting keypair - DO NOT USE IN PRODUCTION")
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			log.Fatalf("CRITICAL: generate ephemeral reporting keypair: %v", err)
		}
		return pub, priv
	}

	raw, err := os.ReadFile(keyFile)
	if err != nil {
		log.Fatalf("CRITICAL: read reporting key %s: %v", keyFile, err)
	}

	if kek := config.EnvOrSecret(n, "AEGIS_KEY_ENCRYPTION_KEY", ""); kek != "" {
		master, decodeErr := base64.StdEncoding.DecodeString(kek)
		if decodeErr != nil {
			log.Fatalf("CRITICAL: AEGIS_KEY_ENCRYPTION_KEY must be base64: %v", decodeErr)
		}
		raw, err = aegiscrypto.DecryptEnvelope(master, []byte(n.ID()), "reporting-key", raw)
		if err != nil {
			log.Fatalf("CRITICAL: decrypt reporting key: %v", err)
		}
	}

	seed := strings.TrimSpace(string(raw))
	keyBytes := []byte(seed)
	if decoded, decodeErr := base64.StdEncoding.DecodeString(seed); decodeErr == nil {
		keyBytes = decoded
	}

	switch len(keyBytes) {
	case ed25519.SeedSize:
		priv := ed25519.NewKeyFromSeed(keyBytes)
		return priv.Public().(ed25519.PublicKey), priv
	case ed25519.PrivateKeySize:
		priv := ed25519.PrivateKey(keyBytes)
		return priv.Public().(ed25519.PublicKey), priv
	default:
		log.Fatalf("CRITICAL: reporting key must be a %d-byte seed or %d-byte private key, got %d bytes",
			ed25519.SeedSize, ed25519.PrivateKeySize, len(keyBytes))
		return nil, nil
	}
}

// filterMapSet is the packet-filter surface main needs: the decision
// maps plus the blocklist-size diagnostic the admin API exposes. Both
// packetfilter.Maps and the XDP-backed bpf.Loader satisfy it.
type filterMapSet interface {
	packetfilter.MapSet
	BlocklistSize() int
}

// buildFilterMaps attaches the XDP program when configured, falling back
// to the userspace map set on any failure.
func buildFilterMaps(logger *logging.Logger) filterMapSet {
	thresholds := packetfilter.DefaultThresholds()
	thresholds.SYNPerSecond = uint64(config.GetEnvInt("AEGIS_SYN_THRESHOLD", int(thresholds.SYNPerSecond)))
	thresholds.UDPPerSecond = uint64(config.GetEnvInt("AEGIS_UDP_THRESHOLD", int(thresholds.UDPPerSecond)))

	iface := config.GetEnv("AEGIS_XDP_IFACE", "")
	object := config.GetEnv("AEGIS_XDP_OBJECT", "")
	if iface != "" && object != "" {
		spec, err := ebpf.LoadCollectionSpec(object)
		if err == nil {
			loader, attachErr := bpf.Attach(spec, "aegis_filter", iface)
			if attachErr == nil {
				if err := loader.SetThresholds(thresholds); err != nil {
					logger.WithError(err).Warn("packet filter threshold config failed, kernel defaults in effect")
				}
				return loader
			}
			err = attachErr
		}
		logger.WithError(err).Warn("XDP attach failed, falling back to userspace packet filter maps")
	}

	return packetfilter.NewMaps(thresholds, time.Second)
}

// loadPeerKeys installs trusted issuer public keys from
// AEGIS_PEER_KEYS_DIR, one 32-byte (or base64) key per file named after
// the issuing node id.
func loadPeerKeys(keyring *threatintel.KeyRing, logger *logging.Logger) {
	dir := config.GetEnv("AEGIS_PEER_KEYS_DIR", "")
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.WithError(err).Warn("peer key directory unreadable, accepting own signatures only")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.WithError(err).Warn("skipping unreadable peer key " + entry.Name())
			continue
		}
		keyBytes := []byte(strings.TrimSpace(string(raw)))
		if decoded, decodeErr := base64.StdEncoding.DecodeString(string(keyBytes)); decodeErr == nil {
			keyBytes = decoded
		}
		if len(keyBytes) != ed25519.PublicKeySize {
			logger.Warn(context.Background(), "skipping malformed peer key", map[string]interface{}{"file": entry.Name()})
			continue
		}
		keyring.Set(entry.Name(), ed25519.PublicKey(keyBytes))
	}
}

// connectRateStore dials NATS, ensures the state stream, and starts the
// convergence subscription. Any failure degrades to local-only counting
// rather than refusing to boot; stream outages never lose local
// increments.
func connectRateStore(ctx context.Context, url, nodeID string, logger *logging.Logger) (*ratelimit.Store, *nats.Conn) {
	nc, err := nats.Connect(url, nats.Name("aegis-edge-"+nodeID))
	if err != nil {
		logger.WithError(err).Warn("NATS unreachable, rate-limit counters are node-local")
		return nil, nil
	}
	js, err := nc.JetStream()
	if err != nil {
		logger.WithError(err).Warn("JetStream unavailable, rate-limit counters are node-local")
		nc.Close()
		return nil, nil
	}
	if err := ratelimit.EnsureStream(js); err != nil {
		logger.WithError(err).Warn("AEGIS_STATE stream unavailable, rate-limit counters are node-local")
		nc.Close()
		return nil, nil
	}
	store, err := ratelimit.New(ratelimit.Config{ActorID: nodeID}, js, logger)
	if err != nil {
		logger.WithError(err).Warn("rate-limit store init failed, counters are node-local")
		nc.Close()
		return nil, nil
	}
	if err := store.Subscribe(ctx); err != nil {
		logger.WithError(err).Warn("rate-limit convergence subscription failed, counters are node-local")
	}
	return store, nc
}

// loadModules loads every <name>.js module in AEGIS_MODULES_DIR together
// with its detached <name>.js.sig and <name>.js.pub. A module that fails
// verification or compilation is skipped with an error log — a bad
// module never blocks traffic.
func loadModules(registry *sandbox.Registry, logger *logging.Logger) {
	dir := config.GetEnv("AEGIS_MODULES_DIR", "")
	if dir == "" {
		return
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.WithError(err).Warn("module directory unreadable, no edge modules loaded")
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".js") {
			continue
		}
		base := filepath.Join(dir, entry.Name())
		source, err := os.ReadFile(base)
		if err != nil {
			logger.Error(context.Background(), "skipping unreadable module "+entry.Name(), err, nil)
			continue
		}
		sig, err := os.ReadFile(base + ".sig")
		if err != nil {
			logger.Error(context.Background(), "skipping module without signature "+entry.Name(), err, nil)
			continue
		}
		pubBytes, err := os.ReadFile(base + ".pub")
		if err != nil || len(pubBytes) != ed25519.PublicKeySize {
			logger.Error(context.Background(), "skipping module without a valid public key "+entry.Name(), err, nil)
			continue
		}
		module, err := registry.Load(source, ed25519.PublicKey(pubBytes), sig, "", sandbox.DefaultLimits())
		if err != nil {
			logger.Error(context.Background(), "module failed to load "+entry.Name(), err, nil)
			continue
		}
		logger.Info(context.Background(), "edge module loaded", map[string]interface{}{
			"file":      entry.Name(),
			"module_id": module.ID,
		})
	}
}

func parseTrustedProxies(raw string) []*net.IPNet {
	var nets []*net.IPNet
	for _, part := range config.SplitAndTrimCSV(raw) {
		if !strings.Contains(part, "/") {
			if ip := net.ParseIP(part); ip != nil {
				bits := 32
				if ip.To4() == nil {
					bits = 128
				}
				part = fmt.Sprintf("%s/%d", part, bits)
			}
		}
		if _, cidr, err := net.ParseCIDR(part); err == nil {
			nets = append(nets, cidr)
		}
	}
	return nets
}

func adminJWTSecret(n *node.Node) []byte {
	secret := config.EnvOrSecret(n, "AEGIS_ADMIN_JWT_SECRET", "")
	if secret == "" {
		if runtime.IsProduction() {
			log.Fatalf("CRITICAL: AEGIS_ADMIN_JWT_SECRET is required in production")
		}
		log.Printf("WARNING: using insecure default admin JWT secret - DO NOT USE IN PRODUCTION")
		secret = "development-insecure-secret-32bytes-minimum"
	}
	if len(secret) < 32 {
		log.Fatalf("CRITICAL: AEGIS_ADMIN_JWT_SECRET must be at least 32 bytes")
	}
	return []byte(secret)
}

func dataPlaneServer(port int, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
}

// serveFatal runs srv and treats any listen failure as a fatal boot
// error: an unbindable port exits non-zero per the startup contract.
func serveFatal(srv *http.Server, name string, useTLS bool) {
	var err error
	if useTLS {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		log.Fatalf("CRITICAL: %s server: %v", name, err)
	}
}

// adminRateLimits adapts an optional rate-limit store to the admin API's
// source interface; a nil store reports empty diagnostics instead of
// panicking.
type adminRateLimits struct{ store *ratelimit.Store }

func (a adminRateLimits) ResourceCount() int {
	if a.store == nil {
		return 0
	}
	return a.store.ResourceCount()
}

func (a adminRateLimits) ActorCounts() map[string]int {
	if a.store == nil {
		return map[string]int{}
	}
	return a.store.ActorCounts()
}
