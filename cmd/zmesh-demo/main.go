// zmesh-demo wires the protocol engine end to end against the
// in-memory mesh transport and runs one file transfer between two
// local nodes. Real device bring-up is out of scope; swap
// meshport.FakePort for a concrete Port implementation to talk to
// actual hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/z-mesh/z-mesh/internal/config"
	"github.com/z-mesh/z-mesh/internal/events"
	"github.com/z-mesh/z-mesh/internal/logging"
	"github.com/z-mesh/z-mesh/internal/meshframe"
	"github.com/z-mesh/z-mesh/internal/meshport"
	"github.com/z-mesh/z-mesh/internal/metrics"
	"github.com/z-mesh/z-mesh/internal/registry"
	"github.com/z-mesh/z-mesh/internal/session"
	"github.com/z-mesh/z-mesh/internal/sink"
	"github.com/z-mesh/z-mesh/internal/transfer"
)

func main() {
	configPath := flag.String("config", "", "path to zmesh config file (optional; defaults apply)")
	sendFile := flag.String("send", "", "path of a file to send from node A to node B")
	metricsAddr := flag.String("metrics-addr", ":9847", "address to serve /metrics on")
	flag.Parse()

	cfg := config.Config{Node: config.NodeInfo{Name: "zmesh-demo"}}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}

	baseLogger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	bus := events.New()
	logger := slog.New(logging.NewBusHandler(baseLogger.Handler(), bus))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	exp := metrics.NewExporter(bus)
	go exp.Run(ctx)
	go serveMetrics(ctx, *metricsAddr, exp, logger)

	if cfg.Logging.EventLogFile != "" {
		store, err := events.NewJSONLStore(bus, cfg.Logging.EventLogFile, 0)
		if err != nil {
			logger.Error("opening event log", "error", err)
			os.Exit(1)
		}
		go store.Run(ctx)
		defer store.Close()
	}

	fileSink, err := buildSink(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "preparing sink: %v\n", err)
		os.Exit(1)
	}

	mesh := meshport.NewFakeMesh(meshport.FakeMeshConfig{MinLatency: 5 * time.Millisecond, MaxLatency: 40 * time.Millisecond})
	codec := meshframe.NewCodec(0)

	const nodeA, nodeB meshport.NodeID = 1, 2
	mgrA := buildManager(mesh, nodeA, cfg, codec, bus, logger.With("node", "A"), fileSink)
	mgrB := buildManager(mesh, nodeB, cfg, codec, bus, logger.With("node", "B"), fileSink)

	go mgrA.Run(ctx)
	go mgrB.Run(ctx)

	if *sendFile != "" {
		data, err := os.ReadFile(*sendFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reading %s: %v\n", *sendFile, err)
			os.Exit(1)
		}
		startCtx, cancelStart := context.WithTimeout(ctx, 5*time.Second)
		tid, err := mgrA.StartTransfer(startCtx, nodeB, *sendFile, data)
		cancelStart()
		if err != nil {
			logger.Error("starting transfer", "error", err)
			os.Exit(1)
		}
		logger.Info("transfer started", "transfer_id", tid, "file", *sendFile, "bytes", len(data))
	}

	<-ctx.Done()
}

func buildSink(ctx context.Context, cfg config.Config) (transfer.Sink, error) {
	local, err := sink.NewLocalSink(cfg.Delivery.DownloadsDir)
	if err != nil {
		return nil, fmt.Errorf("local sink: %w", err)
	}
	if cfg.Delivery.S3Archive == nil {
		return local, nil
	}
	s3 := cfg.Delivery.S3Archive
	archive, err := sink.NewS3Sink(ctx, s3.Bucket, s3.Prefix, s3.Region, s3.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("s3 archive: %w", err)
	}
	return sink.NewMultiSink(local, archive), nil
}

func buildManager(mesh *meshport.FakeMesh, id meshport.NodeID, cfg config.Config, codec *meshframe.Codec, bus *events.Bus, logger *slog.Logger, fileSink transfer.Sink) *session.Manager {
	port := mesh.NewPort(id)
	reg := registry.New(registry.Config{
		NodeActiveWindow:  cfg.Discovery.NodeActiveWindow,
		DiscoveryInterval: cfg.Discovery.Interval,
	}, port, codec, bus, logger)
	go reg.StartDiscovery(context.Background(), cfg.Discovery.Interval)

	sessCfg := session.DefaultConfig()
	sessCfg.Transfer = transfer.Config{
		ChunkPayloadMax:  cfg.Transfer.ChunkPayloadMax,
		ChunkTimeout:     cfg.Transfer.ChunkTimeout,
		MaxRetries:       uint8(cfg.Transfer.MaxRetries),
		NegotiateTimeout: cfg.Transfer.NegotiateTimeout,
		FinalTimeout:     cfg.Transfer.FinalTimeout,
		RecvIdleTimeout:  cfg.Transfer.RecvIdleTimeout,
		MaxNAKsPerBatch:  cfg.Transfer.MaxNAKsPerBatch,
	}
	sessCfg.TXBurst = cfg.Outbound.TXBurst
	sessCfg.TXRateHz = cfg.Outbound.TXRateHz

	mgr := session.New(sessCfg, port, codec, bus, logger, fileSink, reg)
	mgr.TransferLogDir = cfg.Logging.TransferLogDir
	return mgr
}

func serveMetrics(ctx context.Context, addr string, exp *metrics.Exporter, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", exp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("metrics server error", "error", err)
	}
}
