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
Package discovery advertises and finds dataplane endpoints with mDNS.

OVERVIEW:
=========
Endpoint strings are self describing, so a peer that learns one can connect
to it through the mailbox bootstrap without further configuration. A
process advertises the endpoint strings of its local endpoints as TXT
records of one mDNS service instance and browses the same service type to
learn its peers' endpoints.

SERVICE TYPE:
=============
	_ocpi-dataplane._udp.local.

Each instance publishes:
- Instance name: <host>-<pid> unless configured
- Port: the datagram base port, or DefaultPort
- TXT records: one "ep=<endpoint string>" per local endpoint

USAGE:
======

	svc := discovery.New(discovery.Config{Endpoints: names})
	svc.Start()
	defer svc.Stop()

	peers, err := svc.Discover(ctx, 3*time.Second)
*/
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"dataplane/internal/config"
	"dataplane/internal/logging"
	"dataplane/internal/xfer"
)

const (
	// ServiceType is the default mDNS service type.
	ServiceType = "_ocpi-dataplane._udp"

	// DefaultTimeout bounds a browse when none is given.
	DefaultTimeout = 3 * time.Second

	// DefaultPort is advertised when no datagram port is configured.
	DefaultPort = 20400

	endpointKey = "ep"
	maxTXT      = 255
)

// DiscoveredEndpoint is one endpoint string learned from a peer.
type DiscoveredEndpoint struct {
	Instance     string
	Name         string // full endpoint string
	Protocol     string
	Mailbox      uint16
	Host         string
	Port         int
	DiscoveredAt time.Time
}

// Config holds the advertisement settings.
type Config struct {
	Instance  string
	Service   string
	Port      int
	Endpoints []string
	IPs       []net.IP // all non-loopback IPv4 addresses when empty
	Advertise bool
}

// ConfigFrom builds a Config for the given endpoint strings.
func ConfigFrom(c *config.Config, endpoints []string) Config {
	return Config{
		Service:   c.Discovery.Service,
		Port:      c.Datagram.Port,
		Endpoints: endpoints,
		Advertise: c.Discovery.Enabled,
	}
}

// Service advertises local endpoints and browses for remote ones.
type Service struct {
	cfg    Config
	logger *logging.Logger

	mu      sync.RWMutex
	server  *mdns.Server
	seen    map[string]*DiscoveredEndpoint
	running bool
}

// New creates a discovery service; nothing is sent until Start or Discover.
func New(cfg Config) *Service {
	if cfg.Service == "" {
		cfg.Service = ServiceType
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Instance == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "dataplane"
		}
		cfg.Instance = fmt.Sprintf("%s-%d", strings.Split(host, ".")[0], os.Getpid())
	}
	return &Service{
		cfg:    cfg,
		logger: logging.NewLogger("discovery").With("service", cfg.Service),
		seen:   make(map[string]*DiscoveredEndpoint),
	}
}

// txtRecords returns one record per endpoint string that fits a TXT string.
func (s *Service) txtRecords() []string {
	records := make([]string, 0, len(s.cfg.Endpoints))
	for _, ep := range s.cfg.Endpoints {
		r := endpointKey + "=" + ep
		if len(r) > maxTXT {
			s.logger.Warn("Endpoint string too long to advertise", "endpoint", ep, "length", len(r))
			continue
		}
		records = append(records, r)
	}
	return records
}

func (s *Service) zone() (*mdns.MDNSService, error) {
	ips := s.cfg.IPs
	if len(ips) == 0 {
		ips = localIPs()
	}
	return mdns.NewMDNSService(s.cfg.Instance, s.cfg.Service, "", "", s.cfg.Port, ips, s.txtRecords())
}

// Start begins answering queries for the local endpoints.
func (s *Service) Start() error {
	if !s.cfg.Advertise {
		s.logger.Debug("Advertising disabled")
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	zone, err := s.zone()
	if err != nil {
		return fmt.Errorf("failed to create mDNS service: %w", err)
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		return fmt.Errorf("failed to create mDNS server: %w", err)
	}
	s.server = server
	s.running = true
	s.logger.Info("Advertising endpoints", "instance", s.cfg.Instance, "endpoints", len(s.cfg.Endpoints))
	return nil
}

// Stop withdraws the advertisement.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	err := s.server.Shutdown()
	s.server = nil
	s.logger.Info("Advertising stopped")
	return err
}

// IsRunning reports whether the service is advertising.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Discover browses for endpoints until timeout or ctx is done. The
// service's own instance is skipped.
func (s *Service) Discover(ctx context.Context, timeout time.Duration) ([]DiscoveredEndpoint, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if dl, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(dl))
	}

	entries := make(chan *mdns.ServiceEntry, 16)
	var found []DiscoveredEndpoint
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for e := range entries {
			for _, d := range parseEntry(e, s.cfg.Service) {
				if d.Instance == s.cfg.Instance {
					continue
				}
				found = append(found, d)
			}
		}
	}()

	params := &mdns.QueryParam{
		Service:             s.cfg.Service,
		Domain:              "local",
		Timeout:             timeout,
		Entries:             entries,
		WantUnicastResponse: true,
		DisableIPv6:         true,
	}
	errc := make(chan error, 1)
	go func() {
		errc <- mdns.Query(params)
		close(entries)
	}()

	var err error
	select {
	case err = <-errc:
	case <-ctx.Done():
		err = ctx.Err()
		go func() { <-errc }()
		return nil, err
	}
	<-collected
	if err != nil {
		return nil, fmt.Errorf("mDNS query failed: %w", err)
	}

	found = dedupe(found)
	now := time.Now()
	s.mu.Lock()
	for i := range found {
		found[i].DiscoveredAt = now
		d := found[i]
		s.seen[d.Name] = &d
	}
	s.mu.Unlock()
	s.logger.Debug("Browse complete", "endpoints", len(found))
	return found, nil
}

// Cached returns every endpoint seen by earlier browses.
func (s *Service) Cached() []DiscoveredEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DiscoveredEndpoint, 0, len(s.seen))
	for _, d := range s.seen {
		out = append(out, *d)
	}
	return out
}

// Lookup returns the cached endpoints speaking protocol.
func (s *Service) Lookup(protocol string) []string {
	var names []string
	for _, d := range s.Cached() {
		if d.Protocol == protocol {
			names = append(names, d.Name)
		}
	}
	return names
}

// parseEntry turns one service entry into its advertised endpoints.
// Records that do not hold a valid endpoint string are ignored.
func parseEntry(e *mdns.ServiceEntry, service string) []DiscoveredEndpoint {
	if e == nil {
		return nil
	}
	var host string
	switch {
	case e.AddrV4 != nil:
		host = e.AddrV4.String()
	case e.AddrV6 != nil:
		host = e.AddrV6.String()
	}
	instance := e.Name
	if i := strings.Index(instance, "."+service); i > 0 {
		instance = instance[:i]
	}

	var out []DiscoveredEndpoint
	for _, txt := range e.InfoFields {
		key, value, ok := strings.Cut(txt, "=")
		if !ok || key != endpointKey {
			continue
		}
		spec, err := xfer.ParseEndPoint(value)
		if err != nil {
			continue
		}
		out = append(out, DiscoveredEndpoint{
			Instance: instance,
			Name:     value,
			Protocol: spec.Protocol,
			Mailbox:  spec.Mailbox,
			Host:     host,
			Port:     e.Port,
		})
	}
	return out
}

// dedupe keeps the first sighting of each endpoint string. Multicast
// answers repeat across interfaces.
func dedupe(in []DiscoveredEndpoint) []DiscoveredEndpoint {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, d := range in {
		if seen[d.Name] {
			continue
		}
		seen[d.Name] = true
		out = append(out, d)
	}
	return out
}

// localIPs returns all non-loopback IPv4 addresses.
func localIPs() []net.IP {
	var ips []net.IP
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ips
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
			ips = append(ips, ipnet.IP)
		}
	}
	if len(ips) == 0 {
		ips = append(ips, net.IPv4(127, 0, 0, 1))
	}
	return ips
}
