// Command hub is the local application hub entrypoint: it wires the wire
// protocol listener, node registry, URL router, session store, app
// supervisor, system node, log sink, and HTTP dispatcher into one running
// process, grounded on cmd/loom/main.go's flag/config/signal-handling shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"html/template"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/unicom/internal/connector"
	"github.com/jordanhubbard/unicom/internal/dispatcher"
	"github.com/jordanhubbard/unicom/internal/healthwatch"
	"github.com/jordanhubbard/unicom/internal/logsink"
	"github.com/jordanhubbard/unicom/internal/registry"
	"github.com/jordanhubbard/unicom/internal/router"
	"github.com/jordanhubbard/unicom/internal/session"
	"github.com/jordanhubbard/unicom/internal/supervisor"
	"github.com/jordanhubbard/unicom/internal/sysnode"
	"github.com/jordanhubbard/unicom/internal/telemetry"
	"github.com/jordanhubbard/unicom/pkg/config"
	"github.com/jordanhubbard/unicom/pkg/protocol"
)

const version = "0.1.0"

// requestTimeout bounds inter-node RPCs relayed by the accept loop (a node
// calling another node's API, as distinct from the dispatcher's own
// per-request timeout constant).
const requestTimeout = 30 * time.Second

// healthCheckInterval bounds how often the watchdog recomputes node/app
// coherence for /healthz.
const healthCheckInterval = 30 * time.Second

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "", "Path to config.toml (defaults to ./config.toml or /etc/unicom/config.toml)")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("unicom-hub v%s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if cfg.Tracing.Enabled {
		shutdown, err := telemetry.InitTelemetry(context.Background(), cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint)
		if err != nil {
			log.Printf("telemetry disabled: %v", err)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	sink := logsink.New(log.New(os.Stdout, "", log.LstdFlags))

	rt := router.New()
	reg := registry.New(rt)

	if err := os.MkdirAll(cfg.AppDir, 0o755); err != nil {
		log.Fatalf("failed to create app dir %s: %v", cfg.AppDir, err)
	}
	sup, err := supervisor.New(cfg.AppDir, sink)
	if err != nil {
		log.Fatalf("failed to start supervisor: %v", err)
	}
	reg.SetCallbacks(sup.NodeRegistered, sup.NodeRemoved)

	sessions, err := buildSessionStore(cfg)
	if err != nil {
		log.Fatalf("failed to build session store: %v", err)
	}

	sysConn := sysnode.New(reg, sup, sessions, sink)
	if _, err := reg.NewNode(context.Background(), sysConn); err != nil {
		log.Fatalf("failed to register system node: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup.StartReady()
	if err := sup.WatchRoot(runCtx); err != nil {
		log.Printf("app directory watch disabled: %v", err)
	}

	ln, err := connector.Listen(cfg.UnixStreamPath)
	if err != nil {
		log.Fatalf("failed to listen on %s: %v", cfg.UnixStreamPath, err)
	}
	go acceptLoop(runCtx, ln, reg)

	var tokens *session.TokenIssuer
	if cfg.Session.JWTSecret != "" {
		tokens = session.NewTokenIssuer([]byte(cfg.Session.JWTSecret), cfg.Session.TokenTTL)
	}

	templates := loadTemplates(cfg.TemplateDir)
	srv := dispatcher.New(reg, rt, sessions, templates, tokens)

	watchdog := healthwatch.New(reg, sup)
	go watchdog.Run(runCtx, healthCheckInterval)

	mux := http.NewServeMux()
	mux.Handle("/", srv)
	mux.Handle("/healthz", watchdog)
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", promhttp.Handler())
	}

	var handler http.Handler = mux
	if cfg.Tracing.Enabled {
		handler = otelhttp.NewHandler(handler, "unicom-hub")
	}

	httpSrv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("unicom hub listening on %s (socket %s)", httpSrv.Addr, cfg.UnixStreamPath)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	_ = ln.Close()
	sup.Close()
	sink.Close()
}

func loadConfig(path string) (config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	return config.LoadDefaultPaths()
}

// buildSessionStore wires the configured persistence and authentication
// backends (§4.6, §6).
func buildSessionStore(cfg config.Config) (*session.Store, error) {
	var persist session.Persister
	switch cfg.Session.Backend {
	case "redis":
		persist = session.NewRedisPersister(cfg.Session.RedisAddr, cfg.Session.RedisKey)
	default:
		persist = session.NewFilePersister(cfg.SessionPath)
	}

	// OS password/group lookup is the external collaborator named in §1 —
	// a deployment wires its own PAM/shadow verifier here; the zero-config
	// default fails every authentication attempt closed rather than
	// silently accepting any password.
	backend := session.NewUnixBackend(nil)

	return session.New(persist, backend), nil
}

// loadTemplates parses every *.html under dir. A missing or empty directory
// yields an empty template set. This set is the only one View endpoints
// render from: the Templates a node lists in its manifest are not loaded.
func loadTemplates(dir string) *template.Template {
	root := template.New("root")
	matches, err := filepath.Glob(filepath.Join(dir, "*.html"))
	if err != nil || len(matches) == 0 {
		return root
	}
	parsed, err := root.ParseGlob(filepath.Join(dir, "*.html"))
	if err != nil {
		log.Printf("template load warning: %v", err)
		return root
	}
	return parsed
}

// acceptLoop accepts Unix-socket node connections, performs the registry's
// init handshake, and relays each inbound Request to its target node — the
// "requests may flow either direction over a connector" generality the
// transport contract (§4.3) allows for, beyond the hub-initiated RPCs the
// dispatcher itself issues.
func acceptLoop(ctx context.Context, ln *connector.Listener, reg *registry.Registry) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("accept error: %v", err)
				return
			}
		}
		go serveNode(ctx, reg, conn)
	}
}

func serveNode(ctx context.Context, reg *registry.Registry, conn *connector.UnixConnector) {
	node, err := reg.NewNode(ctx, conn)
	if err != nil {
		log.Printf("node registration failed: %v", err)
		return
	}
	defer reg.Remove(node.Name)

	for {
		msg, err := conn.Next(ctx)
		if err != nil {
			return
		}
		switch msg.Tag {
		case protocol.TagQuit:
			return
		case protocol.TagRequest:
			go relayRequest(ctx, reg, conn, msg)
		}
	}
}

// relayRequest forwards a Request a connected node issued to whichever node
// it targets, then answers the origin with the target's Response or Error.
func relayRequest(ctx context.Context, reg *registry.Registry, origin *connector.UnixConnector, msg protocol.UnixMessage) {
	target, err := reg.Get(msg.Req.NodeName)
	if err != nil {
		_ = origin.Error(ctx, msg.ID, asUnicomError(err))
		return
	}

	resp, err := target.Conn.Request(ctx, msg.Req, requestTimeout)
	if err != nil {
		_ = origin.Error(ctx, msg.ID, asUnicomError(err))
		return
	}
	_ = origin.Response(ctx, msg.ID, resp.Data)
}

func asUnicomError(err error) *protocol.UnicomError {
	if uerr, ok := err.(*protocol.UnicomError); ok {
		return uerr
	}
	return protocol.NewError(protocol.ErrInternal, "%s", err)
}
