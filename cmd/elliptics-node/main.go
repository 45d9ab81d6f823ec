// Command elliptics-node runs one storage node process: it loads the
// node's YAML configuration, wires up the core (Pool Manager, Backpressure
// Controller, Network Pollers, Acceptor, Recovery), and serves connections
// until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/elliptics-io/elliptics-go/internal/config"
	"github.com/elliptics-io/elliptics-go/internal/dispatch"
	"github.com/elliptics-io/elliptics-go/internal/logging"
	"github.com/elliptics-io/elliptics-go/internal/metrics"
	"github.com/elliptics-io/elliptics-go/internal/node"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the node's YAML configuration file")
	flag.Parse()

	var cfg config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "elliptics-node: config: %v\n", err)
		return 1
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "elliptics-node: logging: %v\n", err)
		return 1
	}
	defer log.Sync()

	n, err := node.New(cfg, node.Dependencies{
		// No real storage backend ships with the core (spec.md §1
		// Non-goals); deployments supply one by linking their own
		// dispatch.Backend implementation in place of this nil value,
		// in which case every request except AUTH, JOIN, MONITOR_STAT
		// and ROUTE_LIST (answered by the node itself) gets an ENOSYS
		// error reply.
		Backend: nil,
		Routes:  dispatch.StaticRouteTable{Default: 0},
		Logger:  log,
	})
	if err != nil {
		log.Error("failed to build node", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Listen(ctx); err != nil {
		log.Error("failed to listen", zap.Int("port", cfg.Port), zap.Error(err))
		return 1
	}

	if cfg.MetricsAddr != "" {
		ln, err := netListen(cfg.MetricsAddr)
		if err != nil {
			log.Error("failed to listen on metrics address", zap.String("addr", cfg.MetricsAddr), zap.Error(err))
			return 1
		}
		go func() {
			if err := metrics.ServeDebug(ctx, ln, log); err != nil {
				log.Error("metrics server exited with error", zap.Error(err))
			}
		}()
		log.Info("metrics/debug listener started", zap.String("addr", cfg.MetricsAddr))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	log.Info("elliptics-node starting", zap.Int("port", cfg.Port), zap.Int("net_thread_num", cfg.NetThreadNum))
	if err := n.Run(ctx); err != nil {
		log.Error("node run loop exited with error", zap.Error(err))
		n.Shutdown()
		return 1
	}

	n.Shutdown()
	return 0
}

// netListen opens the plain net.Listener the metrics/debug cmux multiplexer
// serves on; unlike the main wire-protocol listener, nothing here needs a
// raw fd, so a stock net.Listen is enough.
func netListen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
