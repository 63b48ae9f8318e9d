// Command p2pmeshd is a standalone demonstration of the p2p mesh: it loads a
// node configuration, opens a websocket listener, dials configured seeds,
// and runs until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/websocket"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/nhbmesh/p2p"
	"github.com/nhbmesh/p2p/observability/logging"
	"github.com/nhbmesh/p2p/observability/otel"
	"github.com/nhbmesh/p2p/transport"
)

// fileConfig is the on-disk shape p2pmeshd accepts, either as TOML or YAML.
// Only the peer lists, node identity, listen, node-info and telemetry settings
// are exposed; every other p2p.Config field keeps its Go-level default.
type fileConfig struct {
	Identity struct {
		KeyPath string `toml:"key_path" yaml:"key_path"`
	} `toml:"identity" yaml:"identity"`

	Listen struct {
		Address      string `toml:"address" yaml:"address"`
		HealthCheck  string `toml:"health_check" yaml:"health_check"`
	} `toml:"listen" yaml:"listen"`

	Node struct {
		Version         string   `toml:"version" yaml:"version"`
		ProtocolVersion string   `toml:"protocol_version" yaml:"protocol_version"`
		Modules         []string `toml:"modules" yaml:"modules"`
	} `toml:"node" yaml:"node"`

	Peers struct {
		Seed       []string `toml:"seed" yaml:"seed"`
		Fixed      []string `toml:"fixed" yaml:"fixed"`
		Whitelist  []string `toml:"whitelist" yaml:"whitelist"`
		Blacklist  []string `toml:"blacklist" yaml:"blacklist"`
	} `toml:"peers" yaml:"peers"`

	Telemetry struct {
		Enabled     bool   `toml:"enabled" yaml:"enabled"`
		Environment string `toml:"environment" yaml:"environment"`
		Endpoint    string `toml:"endpoint" yaml:"endpoint"`
	} `toml:"telemetry" yaml:"telemetry"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	switch ext := extOf(path); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return cfg, fmt.Errorf("parse toml config: %w", err)
		}
	}
	return cfg, nil
}

func extOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '.' {
			return path[i:]
		}
		if path[i] == '/' {
			break
		}
	}
	return ""
}

// healthHandler answers a loopback health check over a plain HTTP+WS
// listener built on gorilla/websocket, distinct from the mesh's own
// nhooyr.io/websocket-based peer transport — operators can probe liveness
// without speaking the mesh's peer protocol.
func healthHandler() http.Handler {
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws/health", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteMessage(websocket.TextMessage, []byte("ok"))
	})
	return mux
}

func main() {
	configPath := flag.String("config", "p2pmesh.toml", "path to TOML or YAML config file")
	env := flag.String("env", "development", "deployment environment name, used for logging/telemetry")
	flag.Parse()

	isTTY := term.IsTerminal(int(os.Stdout.Fd()))
	logger := logging.Setup("p2pmeshd", *env)
	if isTTY {
		logger.Info("interactive terminal detected, logs below are still JSON (set up a pretty handler in your shell pipeline if desired)")
	}

	cfg, err := loadFileConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if cfg.Identity.KeyPath == "" {
		cfg.Identity.KeyPath = "p2pmeshd-identity.json"
	}
	identity, err := p2p.LoadOrCreateIdentity(cfg.Identity.KeyPath)
	if err != nil {
		logger.Error("failed to load identity", "error", err)
		os.Exit(1)
	}
	logger.Info("node identity ready", "nodeId", identity.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var otelShutdown func(context.Context) error
	if cfg.Telemetry.Enabled {
		shutdown, err := otel.Init(ctx, otel.Config{
			ServiceName: "p2pmeshd",
			Environment: cfg.Telemetry.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    true,
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			logger.Warn("telemetry init failed, continuing without it", "error", err)
		} else {
			otelShutdown = shutdown
			defer otelShutdown(context.Background())
		}
	}

	poolCfg := p2p.DefaultConfig()
	poolCfg.PeerLists = p2p.PeerLists{
		SeedPeers:      cfg.Peers.Seed,
		FixedPeers:     cfg.Peers.Fixed,
		WhitelistedIPs: cfg.Peers.Whitelist,
		BlacklistedIPs: cfg.Peers.Blacklist,
	}
	if err := poolCfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}

	nodeInfo := p2p.NodeInfo{
		PeerInfo: p2p.PeerInfo{
			Version:         cfg.Node.Version,
			ProtocolVersion: cfg.Node.ProtocolVersion,
			Modules:         cfg.Node.Modules,
		},
	}

	metrics := p2p.NewMetrics("p2pmeshd")
	pool := p2p.NewPool(poolCfg, nodeInfo, logger, metrics)
	dialer := transport.WebSocketDialer{ReadTimeout: 30 * time.Second, WriteTimeout: 10 * time.Second}
	facade := p2p.NewFacade(poolCfg, identity, pool, dialer, logger, metrics)

	listenAddr := cfg.Listen.Address
	if listenAddr == "" {
		listenAddr = "0.0.0.0:7946"
	}
	listener, err := transport.NewWebSocketListener(listenAddr, 30*time.Second, 10*time.Second)
	if err != nil {
		logger.Error("failed to open listener", "error", err)
		os.Exit(1)
	}
	go func() {
		if err := listener.ListenAndServe(); err != nil && ctx.Err() == nil {
			logger.Error("listener stopped unexpectedly", "error", err)
		}
	}()

	if cfg.Listen.HealthCheck != "" {
		healthServer := &http.Server{Addr: cfg.Listen.HealthCheck, Handler: healthHandler()}
		go func() {
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("health check server stopped", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			healthServer.Shutdown(shutdownCtx)
		}()
	}

	go func() {
		for ev := range facade.Events() {
			logger.Debug("p2p event", "name", ev.Name, "data", ev.Data)
		}
	}()

	if err := facade.Start(ctx, listener); err != nil {
		logger.Error("failed to start facade", "error", err)
		os.Exit(1)
	}
	logger.Info("p2pmeshd started", "listen", listenAddr)

	<-ctx.Done()
	logger.Info("shutting down")
	if err := facade.Stop(); err != nil {
		logger.Warn("facade stop returned error", "error", err)
	}
}
