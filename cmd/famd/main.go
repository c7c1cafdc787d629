// Command famd runs one OpenFAM memory/metadata server: it owns a
// persistent KVS, the region/dataitem directory, the placement and
// permission engines, and answers the spec.md §6 RPC surface over
// whichever transport binding its configuration selects.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/multiformats/go-multiaddr"
	"github.com/pion/webrtc/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/openfam/openfam/internal/bitmap"
	"github.com/openfam/openfam/internal/config"
	"github.com/openfam/openfam/internal/dataitemcache"
	"github.com/openfam/openfam/internal/directory"
	"github.com/openfam/openfam/internal/kvs"
	"github.com/openfam/openfam/internal/metadata"
	"github.com/openfam/openfam/internal/rpcstats"
	"github.com/openfam/openfam/internal/server"
	"github.com/openfam/openfam/internal/transport"
	"github.com/openfam/openfam/internal/transport/rdmabind"
	"github.com/openfam/openfam/internal/transport/reqresp"
)

func main() {
	configPath := flag.String("config", "", "path to a JSON config file (defaults used for anything it omits)")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Error("famd: load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if err := run(log, cfg); err != nil {
		log.Error("famd: exited with error", "err", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, cfg config.Config) error {
	store, err := kvs.OpenBoltStore(cfg.KVSPath)
	if err != nil {
		return err
	}
	defer store.Close()

	dir, err := directory.Open(store)
	if err != nil {
		return err
	}
	bm, err := bitmap.Open(store, kvs.RootShelfBitmap, cfg.BitmapCapacity)
	if err != nil {
		return err
	}
	cache := dataitemcache.New(store, dir)

	svc := metadata.New(log, store, dir, bm, cache, cfg.SelfServerID)
	svc.UpdateMemoryServer(cfg.Placement.PersistentServerIDs, cfg.Placement.VolatileServerIDs, cfg.Placement.SpanEnabled, cfg.Placement.SpanSizePerServer)

	tr, err := buildTransport(log, cfg.Transport)
	if err != nil {
		return err
	}

	var rec rpcstats.Recorder = rpcstats.Noop{}
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		rec = rpcstats.NewPrometheus(reg)
		go serveMetrics(log, cfg.Metrics.Addr, reg)
	}

	srv := server.New(log, svc, tr, rec)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		return err
	}
	log.Info("famd started", "self_server_id", cfg.SelfServerID, "transport", cfg.Transport.Kind)

	<-ctx.Done()
	log.Info("famd shutting down")
	return srv.Stop(context.Background())
}

func buildTransport(log *slog.Logger, cfg config.TransportConfig) (transport.Transport, error) {
	switch cfg.Kind {
	case "rdma":
		return rdmabind.New(log, cfg.SignalAddr, []webrtc.ICEServer{}), nil
	default:
		addrs := make([]multiaddr.Multiaddr, 0, len(cfg.ListenAddrs))
		for _, raw := range cfg.ListenAddrs {
			a, err := multiaddr.NewMultiaddr(raw)
			if err != nil {
				return nil, err
			}
			addrs = append(addrs, a)
		}
		return reqresp.New(log, addrs).WithIdentity(cfg.IdentityPath), nil
	}
}

func serveMetrics(log *slog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("famd: metrics server stopped", "err", err)
	}
}
