/*
 * Copyright (c) 2026 Firefly Software Solutions Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

/*
Dataplane - loopback exerciser for the container transport.

USAGE:
======

	dataplane [options]

OPTIONS:
========

	-config string    Path to configuration file (JSON format)
	-protocol string  Transfer protocol of both endpoints
	-buffers int      Buffers per port
	-length size      Bytes per buffer, plain or with a unit (64K)
	-count int        Messages to send
	-metrics          Serve Prometheus metrics while running
	-quiet            Skip the banner
	-version          Show version information

STARTUP SEQUENCE:
=================
1. Parse flags and load configuration (file, environment, flags)
2. Initialize logging and metrics
3. Register every transfer driver with a manager
4. Allocate two local endpoints and connect them with a circuit
5. Stream -count messages through the circuit, verifying each
6. Print a summary and exit non-zero on any mismatch
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"code.cloudfoundry.org/bytefmt"

	"dataplane/internal/banner"
	"dataplane/internal/config"
	"dataplane/internal/discovery"
	"dataplane/internal/drivers/datagram"
	"dataplane/internal/drivers/dma"
	"dataplane/internal/drivers/ofed"
	"dataplane/internal/drivers/pio"
	"dataplane/internal/health"
	"dataplane/internal/logging"
	"dataplane/internal/metrics"
	"dataplane/internal/transport"
	"dataplane/internal/xfer"
	"dataplane/pkg/cli"
)

func printHelp() {
	banner.PrintTo(os.Stdout, "Dataplane", "Container transport")
	cli.Header("Usage:")
	fmt.Println("  dataplane [options]")
	fmt.Println()
	cli.Header("Options:")
	fmt.Println("  -config string    Path to configuration file (JSON format)")
	fmt.Println("  -protocol string  Transfer protocol: ocpi-smb-pio, ocpi-dma-pio, ocpi-ofed-rdma, ocpi-udp-rdma")
	fmt.Println("  -buffers int      Buffers per port")
	fmt.Println("  -length size      Bytes per buffer, plain or with a unit (64K)")
	fmt.Println("  -count int        Messages to send (default 10000)")
	fmt.Println("  -metrics          Serve Prometheus metrics while running")
	fmt.Println("  -quiet            Skip the banner")
	fmt.Println("  -version          Show version information")
	fmt.Println()
	cli.Header("Environment Variables:")
	fmt.Println("  OCPI_TRANSFER_MAILBOX    First mailbox of local endpoints")
	fmt.Println("  OCPI_MAX_MAILBOX         Mailboxes per protocol")
	fmt.Println("  OCPI_SMB_SIZE            Endpoint address space in bytes")
	fmt.Println("  OCPI_DMA_MEMORY          DMA window, <size>M$0x<addr>")
	fmt.Println("  DATAPLANE_LOG_LEVEL      Log level: debug, info, warn, error")
	fmt.Println()
	cli.Header("Examples:")
	fmt.Println("  # Shared memory loopback with defaults")
	fmt.Println("  dataplane")
	fmt.Println()
	fmt.Println("  # UDP transport, small buffers")
	fmt.Println("  dataplane -protocol ocpi-udp-rdma -length 1K -count 1000")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-h" || arg == "--help" || arg == "-help" || arg == "help" {
			printHelp()
			return
		}
	}

	configPath := flag.String("config", "", "Path to configuration file")
	protocol := flag.String("protocol", "", "Transfer protocol of both endpoints")
	buffers := flag.Int("buffers", 0, "Buffers per port")
	length := flag.String("length", "", "Bytes per buffer, plain or with a unit (64K)")
	count := flag.Int("count", 10000, "Messages to send")
	serveMetrics := flag.Bool("metrics", false, "Serve Prometheus metrics while running")
	quiet := flag.Bool("quiet", false, "Skip the banner")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Usage = printHelp
	flag.Parse()

	if *showVersion {
		banner.PrintTo(os.Stdout, "Dataplane", banner.Copyright)
		return
	}

	cfgMgr := config.Global()
	if *configPath != "" {
		if err := cfgMgr.LoadFromFile(*configPath); err != nil {
			cli.Error("Error loading config file: %v", err)
			os.Exit(1)
		}
	}
	cfgMgr.LoadFromEnv()
	cfg := cfgMgr.Get()
	cfg.Finalize()
	if *protocol != "" {
		cfg.Transfer.DefaultProtocol = *protocol
	}
	if *buffers > 0 {
		cfg.Buffers.Count = *buffers
	}
	if *length != "" {
		n, err := parseSize(*length)
		if err != nil {
			cli.Error("Invalid -length: %v", err)
			os.Exit(1)
		}
		cfg.Buffers.Length = n
	}
	if *serveMetrics {
		cfg.Metrics.Enabled = true
	}
	if err := cfg.Validate(); err != nil {
		cli.Error("Invalid configuration: %v", err)
		os.Exit(1)
	}

	if !*quiet {
		banner.PrintWithConfigTo(os.Stdout, cfg)
	}
	logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	logging.SetJSONMode(cfg.LogJSON)
	logger := logging.NewLogger("main")
	logger.Info("Starting dataplane", "version", banner.Version, "protocol", cfg.Transfer.DefaultProtocol)

	mgr, err := newManager(cfg)
	if err != nil {
		logger.Error("Failed to register drivers", "error", err)
		os.Exit(1)
	}

	opts, err := transport.OptionsFrom(cfg)
	if err != nil {
		logger.Error("Invalid transport options", "error", err)
		mgr.Close()
		os.Exit(1)
	}
	tr := transport.New(mgr, opts)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(&cfg.Metrics)
		metricsServer.Handle("/health", newChecker(tr).Handler())
		if err := metricsServer.Start(); err != nil {
			logger.Error("Failed to start metrics server", "error", err)
			metricsServer = nil
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	sum, err := runLoopback(ctx, tr, cfg.Transfer.DefaultProtocol, *count, func(names []string) func() {
		return advertise(cfg, names, logger)
	})
	stop()

	tr.Close()
	mgr.Close()
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Error stopping metrics server", "error", err)
		}
	}

	if sum != nil {
		sum.print()
	}
	if err != nil {
		cli.Error("Loopback failed: %v", err)
		os.Exit(1)
	}
}

// parseSize accepts a plain byte count or a size with a unit.
func parseSize(s string) (int, error) {
	if n, err := strconv.Atoi(s); err == nil {
		if n <= 0 {
			return 0, fmt.Errorf("size must be positive: %d", n)
		}
		return n, nil
	}
	n, err := bytefmt.ToBytes(s)
	if err != nil {
		return 0, err
	}
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("size %s too large", s)
	}
	return int(n), nil
}

// newManager builds a transfer manager with every in-tree driver.
func newManager(cfg *config.Config) (*xfer.Manager, error) {
	mgr := xfer.NewManager(xfer.ConfigFrom(cfg))
	rdma, err := ofed.New(cfg.OFED, ofed.NewSimulated())
	if err != nil {
		mgr.Close()
		return nil, err
	}
	for _, d := range []xfer.Driver{
		pio.New(cfg.PIO),
		dma.New(cfg.DMA),
		rdma,
		datagram.New(cfg.Datagram),
	} {
		if err := mgr.Register(d); err != nil {
			mgr.Close()
			return nil, err
		}
	}
	return mgr, nil
}

// newChecker reports failed ports, endpoint memory use and mailbox
// timeouts of tr.
func newChecker(tr *transport.Transport) *health.Checker {
	c := health.NewChecker(banner.Version)
	c.RegisterCheck("ports", health.PortsCheck(func() []string {
		var names []string
		for _, p := range tr.FailedPorts() {
			names = append(names, p.String())
		}
		return names
	}))
	c.RegisterCheck("endpoint_memory", health.EndpointMemoryCheck(90, func() map[string]float64 {
		usage := make(map[string]float64)
		for _, ep := range tr.EndPoints() {
			r := ep.Resources()
			usage[ep.Name()] = 100 * float64(r.Size()-r.Available()) / float64(r.Size())
		}
		return usage
	}))
	c.RegisterCheck("mailbox", health.MailboxCheck(metrics.Get().MailboxTimeouts.Load))
	return c
}

// advertise publishes the loopback endpoints when discovery is enabled and
// returns the function withdrawing them.
func advertise(cfg *config.Config, names []string, logger *logging.Logger) func() {
	if !cfg.Discovery.Enabled {
		return func() {}
	}
	svc := discovery.New(discovery.ConfigFrom(cfg, names))
	if err := svc.Start(); err != nil {
		logger.Warn("Failed to advertise endpoints", "error", err)
		return func() {}
	}
	return func() {
		if err := svc.Stop(); err != nil {
			logger.Warn("Error stopping discovery", "error", err)
		}
	}
}
