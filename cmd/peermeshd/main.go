package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"peermesh/config"
	"peermesh/crypto"
	"peermesh/observability/logging"
	telemetry "peermesh/observability/otel"
	"peermesh/p2p"
	"peermesh/p2p/seeds"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "peermeshd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "./config.toml", "path to the configuration file")
	listenOverride := flag.String("listen", "", "override the configured listen address")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if strings.TrimSpace(*listenOverride) != "" {
		cfg.ListenAddress = *listenOverride
	}

	env := cfg.Telemetry.Environment
	logger := logging.Setup(cfg.Telemetry.ServiceName, env, logging.Options{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	var shutdownTelemetry func(context.Context) error
	if strings.TrimSpace(cfg.Telemetry.OTLPEndpoint) != "" {
		shutdownTelemetry, err = telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: cfg.Telemetry.ServiceName,
			Environment: env,
			Endpoint:    cfg.Telemetry.OTLPEndpoint,
			Insecure:    cfg.Telemetry.OTLPInsecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     true,
			Traces:      true,
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			_ = shutdownTelemetry(context.Background())
		}()
	}

	key, err := crypto.LoadFromKeystore(cfg.IdentityKeystorePath, config.KeystorePassphrase())
	if err != nil {
		return fmt.Errorf("load identity keystore: %w", err)
	}
	identity, err := p2p.NewIdentity(key)
	if err != nil {
		return fmt.Errorf("derive identity: %w", err)
	}
	logger.Info("node identity loaded",
		logging.MaskField("node_id", identity.NodeID),
		logging.MaskField("address", identity.DisplayAddress()))

	cache, err := p2p.NewPeerCache(cfg.Cache.Path, p2p.PeerCacheConfig{
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        cfg.CacheTTL(),
	}, logger)
	if err != nil {
		return fmt.Errorf("open peer cache: %w", err)
	}

	registry, resolver, err := loadSeedRegistry(cfg, logger)
	if err != nil {
		return fmt.Errorf("load seed registry: %w", err)
	}

	transport, err := p2p.NewTransport(p2p.TransportConfig{
		NetworkID:     cfg.NetworkName,
		ClientVersion: cfg.ClientVersion,
	}, identity)
	if err != nil {
		return fmt.Errorf("build transport: %w", err)
	}

	node, err := p2p.NewNode(nodeConfig(cfg, registry, resolver), p2p.NodeDeps{
		Identity: identity,
		Dialer:   transport,
		Cache:    cache,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	server := p2p.NewServer(p2p.ServerConfig{
		ListenAddress:    cfg.ListenAddress,
		MaxMsgsPerSecond: cfg.P2P.MaxMsgsPerSecond,
	}, node, transport, logger)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := server.Start(stopCtx); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	node.Start(stopCtx)

	metricsServer := startMetricsServer(cfg, logger)

	go func() {
		if err := node.ConnectToNetwork(stopCtx); err != nil {
			logger.Error("bootstrap failed", slog.Any("error", err))
		}
	}()

	logger.Info("peermeshd running",
		"listen", server.Addr(),
		"network", cfg.NetworkName)

	<-stopCtx.Done()
	logger.Info("shutting down")

	server.Stop()
	if err := node.Close(); err != nil {
		logger.Error("node shutdown", slog.Any("error", err))
	}
	transport.Close()
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			_ = metricsServer.Close()
		}
	}
	return nil
}

// nodeConfig maps the on-disk configuration onto the networking core's knobs.
func nodeConfig(cfg *config.Config, registry *seeds.Registry, resolver seeds.Resolver) p2p.NodeConfig {
	return p2p.NodeConfig{
		MaxPeers:             cfg.P2P.MaxPeers,
		GlobalAdmissionRate:  cfg.P2P.GlobalAdmissionRate,
		GlobalAdmissionBurst: cfg.P2P.GlobalAdmissionBurst,
		PerIPRate:            cfg.P2P.PerIPRate,
		PerIPBurst:           cfg.P2P.PerIPBurst,
		Bootstrap: p2p.BootstrapConfig{
			BootstrapNodes:    cfg.P2P.BootstrapNodes,
			ManualPeers:       cfg.P2P.ManualPeers,
			MinConnectedPeers: cfg.P2P.MinConnectedPeers,
			DialTimeout:       time.Duration(cfg.P2P.DialTimeoutSeconds) * time.Second,
			MaxCacheDials:     cfg.P2P.MaxCacheDials,
			WatchdogInterval:  time.Duration(cfg.P2P.WatchdogSeconds) * time.Second,
			SeedRegistry:      registry,
			SeedResolver:      resolver,
		},
		Diversity: p2p.DiversityConfig{
			Budget:         cfg.P2P.MaxPeers,
			Fraction:       cfg.Diversity.Fraction,
			IPv4PrefixBits: cfg.Diversity.IPv4PrefixBits,
			IPv6PrefixBits: cfg.Diversity.IPv6PrefixBits,
		},
		Dht: p2p.DhtConfig{
			ReplicationFactor: cfg.Dht.ReplicationFactor,
			Alpha:             cfg.Dht.Alpha,
			MaxHops:           cfg.Dht.MaxHops,
			QueryTimeout:      time.Duration(cfg.Dht.QueryTimeoutMs) * time.Millisecond,
			MinTablePeers:     cfg.Dht.MinTablePeers,
			BootstrapTimeout:  time.Duration(cfg.Dht.BootstrapTimeoutSeconds) * time.Second,
		},
		Pow: p2p.PowConfig{
			MinDifficultyBits: cfg.Pow.MinDifficultyBits,
			MaxDifficultyBits: cfg.Pow.MaxDifficultyBits,
			ChallengeTTL:      time.Duration(cfg.Pow.ChallengeTTLSeconds) * time.Second,
			MemoryKiB:         uint32(cfg.Pow.MemoryKiB),
			Time:              uint32(cfg.Pow.TimeCost),
			Threads:           uint8(cfg.Pow.Threads),
		},
		Reputation: p2p.ReputationConfig{
			BanDuration: time.Duration(cfg.Reputation.BanSeconds) * time.Second,
			IdleExpiry:  time.Duration(cfg.Reputation.IdleExpiryHours) * time.Hour,
		},
	}
}

// loadSeedRegistry builds the DNS fallback path from configuration. A missing
// registry file simply disables the fallback tier.
func loadSeedRegistry(cfg *config.Config, logger *slog.Logger) (*seeds.Registry, seeds.Resolver, error) {
	path := strings.TrimSpace(cfg.Seeds.RegistryPath)
	if path == "" {
		return nil, nil, nil
	}
	registry, err := seeds.LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("seed registry file missing, DNS fallback disabled",
				logging.MaskField("path", path))
			return nil, nil, nil
		}
		return nil, nil, err
	}
	resolver := seeds.DefaultResolver()
	if len(cfg.Seeds.DNSServers) > 0 {
		timeout := time.Duration(cfg.Seeds.ResolveTimeoutSeconds) * time.Second
		custom, err := seeds.NewServerResolver(cfg.Seeds.DNSServers, timeout)
		if err != nil {
			return nil, nil, err
		}
		resolver = custom
	}
	return registry, resolver, nil
}

// startMetricsServer exposes the Prometheus registry and a liveness probe.
func startMetricsServer(cfg *config.Config, logger *slog.Logger) *http.Server {
	addr := strings.TrimSpace(cfg.Telemetry.MetricsAddress)
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	server := &http.Server{
		Addr:         addr,
		Handler:      otelhttp.NewHandler(mux, "peermeshd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics endpoint failed", slog.Any("error", err))
		}
	}()
	return server
}
