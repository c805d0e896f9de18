//go:build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	nl "github.com/vishvananda/netlink"

	"github.com/malbeclabs/pimsmd/internal/config"
	"github.com/malbeclabs/pimsmd/internal/engine"
	"github.com/malbeclabs/pimsmd/internal/fea"
	"github.com/malbeclabs/pimsmd/internal/rib"
	"github.com/malbeclabs/pimsmd/internal/vif"
)

var (
	configPath    = flag.String("config", "/etc/pimsmd/config.json", "path to the PIM-SM engine configuration file")
	verboseLog    = flag.Bool("v", false, "enable debug-level logging")
	prettyLog     = flag.Bool("pretty", false, "use a human-readable console log handler instead of JSON")
	metricsEnable = flag.Bool("metrics-enable", false, "enable the prometheus metrics endpoint")
	metricsAddr   = flag.String("metrics-addr", "localhost:0", "address to listen on for prometheus metrics")
	maxVifs       = flag.Int("max-vifs", 32, "maximum number of vifs the engine will track")

	version = "dev"
	commit  = "none"
)

func main() {
	flag.Parse()

	var handler slog.Handler
	if *prettyLog {
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: logLevel()})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel()})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("pimsmd starting", "version", version, "commit", commit)

	if *metricsEnable {
		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				logger.Error("failed to start prometheus metrics listener", "err", err)
				os.Exit(1)
			}
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("prometheus metrics server started", "address", listener.Addr().String())
			if err := http.Serve(listener, mux); err != nil {
				logger.Error("prometheus metrics server stopped", "err", err)
			}
		}()
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "path", *configPath, "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The forwarding-agent and RIB RPC surfaces are defined purely as
	// Conn interfaces (internal/fea, internal/rib): this binary's job
	// is to wire a concrete transport to each before constructing the
	// engine. No such transport ships in this tree (see DESIGN.md);
	// production deployments supply one (Unix-socket RPC, gRPC, or
	// similar) that fulfills fea.Conn/rib.Conn against a real
	// forwarding agent and routing process.
	feaConn, ribConn, err := dialForwardingAgent(ctx)
	if err != nil {
		logger.Error("failed to connect to forwarding agent / rib", "err", err)
		os.Exit(1)
	}

	e := engine.New(logger, cfg, feaConn, ribConn, *maxVifs)

	if err := discoverVifs(e); err != nil {
		logger.Error("vif discovery failed", "err", err)
		os.Exit(1)
	}

	for _, vc := range cfg.Snapshot().Vifs {
		if !vc.AutoStart {
			continue
		}
		v, err := e.Vifs.ByName(vc.Name)
		if err != nil {
			logger.Warn("configured vif not found on host", "vif", vc.Name)
			continue
		}
		e.StartVif(ctx, v)
	}

	if err := e.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("engine exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("pimsmd stopped")
}

// dialForwardingAgent produces the two RPC transports the engine needs.
// fea.Conn and rib.Conn are deliberately left as interfaces (see
// DESIGN.md): no concrete forwarding-agent or RIB wire protocol ships
// in this tree, so this dials nothing and reports the gap plainly
// rather than pretending a stub connection is a real one.
func dialForwardingAgent(ctx context.Context) (fea.Conn, rib.Conn, error) {
	return nil, nil, fmt.Errorf("no forwarding-agent/rib transport configured for this deployment")
}

func logLevel() slog.Level {
	if *verboseLog {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// discoverVifs enumerates the host's network links via netlink and
// registers one vif per multicast-capable, non-loopback interface,
// mirroring the teacher's reliance on vishvananda/netlink for kernel
// link/address state rather than hand-rolled ioctls.
func discoverVifs(e *engine.Engine) error {
	links, err := nl.LinkList()
	if err != nil {
		return fmt.Errorf("list links: %w", err)
	}
	index := 0
	for _, link := range links {
		attrs := link.Attrs()
		if attrs.Flags&net.FlagLoopback != 0 {
			continue
		}
		if attrs.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := nl.AddrList(link, nl.FAMILY_V4)
		if err != nil || len(addrs) == 0 {
			continue
		}
		primary, ok := netip.AddrFromSlice(addrs[0].IP.To4())
		if !ok {
			continue
		}
		v := vif.New(index, attrs.Name, primary.Unmap())
		v.MTU = attrs.MTU
		for _, a := range addrs[1:] {
			if ip, ok := netip.AddrFromSlice(a.IP.To4()); ok {
				v.SecondaryAddress = append(v.SecondaryAddress, ip.Unmap())
			}
		}
		if err := e.Vifs.Add(v); err != nil {
			return fmt.Errorf("register vif %s: %w", attrs.Name, err)
		}
		index++
	}
	return nil
}
