// Command midimeshd runs a standalone mesh node: it joins the LAN mesh,
// advertises itself over both discovery mechanisms, logs peer and MIDI
// traffic, and serves Prometheus metrics.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/localrivet/midimesh"
	"github.com/localrivet/midimesh/discovery"
	"github.com/localrivet/midimesh/logx"
	"github.com/localrivet/midimesh/metrics"
)

func main() {
	var (
		name        = flag.String("name", "", "instance name advertised in discovery (default: hostname)")
		udpPort     = flag.Int("udp-port", 0, "UDP data port (0 = OS-assigned)")
		metricsAddr = flag.String("metrics-addr", "", "address to serve /metrics on (empty = disabled)")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warning, error")
		noMDNS      = flag.Bool("no-mdns", false, "disable mDNS discovery")
		noMulticast = flag.Bool("no-multicast", false, "disable UDP-multicast fallback discovery")
	)
	flag.Parse()

	cfg := midimesh.DefaultConfig()
	cfg.UDPPort = *udpPort
	cfg.EnableMDNS = !*noMDNS
	cfg.EnableMulticast = !*noMulticast
	cfg.LogLevel = *logLevel
	if *name != "" {
		cfg.Name = *name
	} else if hostname, err := os.Hostname(); err == nil {
		cfg.Name = hostname
	}

	logger := logx.NewLogger(*logLevel)

	mesh, err := midimesh.New(cfg, midimesh.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(os.Stderr, "midimeshd: %v\n", err)
		os.Exit(1)
	}

	mesh.RegisterReceive(func(source midimesh.NodeID, device uint16, midi []byte) {
		logger.Debug("midi from %s device %d: % X", source, device, midi)
	})
	mesh.RegisterPeerEvents(
		func(peer discovery.Peer) {
			logger.Info("peer up: %s (%s) %s:%d devices=%d", peer.Name, peer.NodeID, peer.Addr, peer.UDPPort, peer.Devices)
		},
		func(id midimesh.NodeID) {
			logger.Info("peer down: %s", id)
		},
	)

	if err := mesh.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "midimeshd: %v\n", err)
		os.Exit(1)
	}
	defer mesh.Stop()

	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics.NewMeshCollector(mesh, prometheus.Labels{"node": cfg.Name}))
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		go func() {
			logger.Info("serving metrics on %s", *metricsAddr)
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				logger.Error("metrics server: %v", err)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	logger.Info("shutting down")
}
