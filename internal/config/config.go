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
Package config provides configuration management for the dataplane.

CONFIGURATION SOURCES (in order of precedence):
===============================================
1. Command-line flags (highest priority)
2. Environment variables (OCPI_* compatibility names, DATAPLANE_* prefix)
3. Configuration file (JSON format)
4. Default values (lowest priority)

CONFIGURATION CATEGORIES:
=========================
- Transfer: SMB size, mailbox range, retry bound, default protocol
- Poll: backoff policy for mailbox and buffer polling
- Buffers: count, length, zero copy, role preference
- Drivers: pio, dma, ofed, datagram
- Observability: logging, metrics, discovery

EXAMPLE CONFIGURATION FILE:
===========================

	{
	  "transfer": {"smb_size": 4194304, "max_mailboxes": 16},
	  "datagram": {"bind_addr": "10.0.0.5", "port": 40001},
	  "metrics": {"enabled": true, "addr": ":9094"}
	}

ENVIRONMENT VARIABLES:
======================
The historical names OCPI_TRANSFER_MAILBOX, OCPI_MAX_MAILBOX, OCPI_SMB_SIZE
and OCPI_DMA_MEMORY are honored. Everything else uses DATAPLANE_, for example
DATAPLANE_LOG_LEVEL="debug" DATAPLANE_DATAGRAM_PORT=40001.

The environment is read once, by LoadFromEnv at startup. Transport code gets
its settings injected and never reads the environment itself.
*/
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Environment variable names
const (
	EnvTransferMailbox = "OCPI_TRANSFER_MAILBOX"
	EnvMaxMailbox      = "OCPI_MAX_MAILBOX"
	EnvSMBSize         = "OCPI_SMB_SIZE"
	EnvDMAMemory       = "OCPI_DMA_MEMORY"

	EnvLogLevel        = "DATAPLANE_LOG_LEVEL"
	EnvLogJSON         = "DATAPLANE_LOG_JSON"
	EnvProtocol        = "DATAPLANE_PROTOCOL"
	EnvRetryCount      = "DATAPLANE_RETRY_COUNT"
	EnvBufferCount     = "DATAPLANE_BUFFER_COUNT"
	EnvBufferLength    = "DATAPLANE_BUFFER_LENGTH"
	EnvZeroCopy        = "DATAPLANE_ZERO_COPY"
	EnvFlagIsMeta      = "DATAPLANE_FLAG_IS_META"
	EnvRolePreference  = "DATAPLANE_ROLE_PREFERENCE"
	EnvShmDir          = "DATAPLANE_SHM_DIR"
	EnvDMADevice       = "DATAPLANE_DMA_DEVICE"
	EnvOFEDDevice      = "DATAPLANE_OFED_DEVICE"
	EnvOFEDPort        = "DATAPLANE_OFED_PORT"
	EnvOFEDBackend     = "DATAPLANE_OFED_BACKEND"
	EnvDatagramAddr    = "DATAPLANE_DATAGRAM_ADDR"
	EnvDatagramPort    = "DATAPLANE_DATAGRAM_PORT"
	EnvDatagramPayload = "DATAPLANE_DATAGRAM_MAX_PAYLOAD"
	EnvDatagramResends = "DATAPLANE_DATAGRAM_MAX_RESENDS"
	EnvMetricsEnabled  = "DATAPLANE_METRICS_ENABLED"
	EnvMetricsAddr     = "DATAPLANE_METRICS_ADDR"
	EnvDiscovery       = "DATAPLANE_DISCOVERY_ENABLED"
)

// Protocol names of the built-in drivers.
const (
	ProtocolPIO      = "ocpi-smb-pio"
	ProtocolDMA      = "ocpi-dma-pio"
	ProtocolOFED     = "ocpi-ofed-rdma"
	ProtocolDatagram = "ocpi-udp-rdma"
)

// MaxSystemSMBs is the default upper bound on mailboxes per protocol.
const MaxSystemSMBs = 10

// TransferConfig controls endpoint and mailbox allocation.
type TransferConfig struct {
	SMBSize         uint64 `toml:"smb_size" json:"smb_size"`                 // Default endpoint address space size
	RetryCount      int    `toml:"retry_count" json:"retry_count"`           // Poll bound for mailbox round trips
	FirstMailbox    uint16 `toml:"first_mailbox" json:"first_mailbox"`       // First mailbox handed to local endpoints
	MaxMailboxes    uint16 `toml:"max_mailboxes" json:"max_mailboxes"`       // Mailboxes per protocol
	DefaultProtocol string `toml:"default_protocol" json:"default_protocol"` // Protocol for new local endpoints
}

// PollConfig is the backoff used while waiting on flags and mailboxes.
type PollConfig struct {
	IntervalUs    int     `toml:"interval_us" json:"interval_us"`         // First wait, microseconds
	MaxIntervalUs int     `toml:"max_interval_us" json:"max_interval_us"` // Backoff ceiling, microseconds
	Multiplier    float64 `toml:"multiplier" json:"multiplier"`
}

// Interval returns the initial poll interval.
func (p PollConfig) Interval() time.Duration {
	return time.Duration(p.IntervalUs) * time.Microsecond
}

// MaxInterval returns the backoff ceiling.
func (p PollConfig) MaxInterval() time.Duration {
	return time.Duration(p.MaxIntervalUs) * time.Microsecond
}

// BufferConfig holds the defaults for new ports.
type BufferConfig struct {
	Count          int      `toml:"count" json:"count"`
	Length         int      `toml:"length" json:"length"`
	ZeroCopy       bool     `toml:"zero_copy" json:"zero_copy"`             // Zero copy between ports on one endpoint
	FlagIsMeta     bool     `toml:"flag_is_meta" json:"flag_is_meta"`       // Carry the metadata word in the full flag
	RolePreference []string `toml:"role_preference" json:"role_preference"` // Best role first
}

// PIOConfig configures the shared memory driver.
type PIOConfig struct {
	ShmDir string `toml:"shm_dir" json:"shm_dir"` // Directory holding SMB backing files
}

// DMAConfig configures the DMA driver.
type DMAConfig struct {
	Device string `toml:"device" json:"device"` // Memory device, /dev/mem by default
	Memory string `toml:"memory" json:"memory"` // <size>M$0x<addr>
}

// OFEDConfig configures the RDMA driver.
type OFEDConfig struct {
	Device    string `toml:"device" json:"device"`
	Port      int    `toml:"port" json:"port"`
	Backend   string `toml:"backend" json:"backend"` // "simulated" is the only in-tree backend
	MaxSendWR int    `toml:"max_send_wr" json:"max_send_wr"`
	MaxCQE    int    `toml:"max_cqe" json:"max_cqe"`
}

// DatagramConfig configures the UDP driver.
type DatagramConfig struct {
	BindAddr            string `toml:"bind_addr" json:"bind_addr"`
	Port                int    `toml:"port" json:"port"`                               // 0 picks an ephemeral port
	MaxPayload          int    `toml:"max_payload" json:"max_payload"`                 // Bytes per frame on the wire
	AckIntervalMs       int    `toml:"ack_interval_ms" json:"ack_interval_ms"`         // Delay before a standalone ack
	RetransmitTimeoutMs int    `toml:"retransmit_timeout_ms" json:"retransmit_timeout_ms"` // Age before a frame is resent
	MaxResends          int    `toml:"max_resends" json:"max_resends"`                 // Resends before the connection fails
}

// AckInterval returns the standalone ack delay.
func (d DatagramConfig) AckInterval() time.Duration {
	return time.Duration(d.AckIntervalMs) * time.Millisecond
}

// RetransmitTimeout returns the frame retransmit age.
func (d DatagramConfig) RetransmitTimeout() time.Duration {
	return time.Duration(d.RetransmitTimeoutMs) * time.Millisecond
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Addr    string `toml:"addr" json:"addr"`
}

// DiscoveryConfig holds mDNS endpoint discovery settings.
type DiscoveryConfig struct {
	Enabled   bool   `toml:"enabled" json:"enabled"`
	Service   string `toml:"service" json:"service"`
	TimeoutMs int    `toml:"timeout_ms" json:"timeout_ms"`
}

// Config holds the configuration for the dataplane.
type Config struct {
	LogLevel string `toml:"log_level" json:"log_level"`
	LogJSON  bool   `toml:"log_json" json:"log_json"`

	Transfer  TransferConfig  `toml:"transfer" json:"transfer"`
	Poll      PollConfig      `toml:"poll" json:"poll"`
	Buffers   BufferConfig    `toml:"buffers" json:"buffers"`
	PIO       PIOConfig       `toml:"pio" json:"pio"`
	DMA       DMAConfig       `toml:"dma" json:"dma"`
	OFED      OFEDConfig      `toml:"ofed" json:"ofed"`
	Datagram  DatagramConfig  `toml:"datagram" json:"datagram"`
	Metrics   MetricsConfig   `toml:"metrics" json:"metrics"`
	Discovery DiscoveryConfig `toml:"discovery" json:"discovery"`

	ConfigFile string `toml:"-" json:"-"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogJSON:  false,
		Transfer: TransferConfig{
			SMBSize:         3 * 1024 * 1024,
			RetryCount:      128,
			FirstMailbox:    1,
			MaxMailboxes:    MaxSystemSMBs,
			DefaultProtocol: ProtocolPIO,
		},
		Poll: PollConfig{
			IntervalUs:    10,
			MaxIntervalUs: 2000,
			Multiplier:    2,
		},
		Buffers: BufferConfig{
			Count:          2,
			Length:         4096,
			ZeroCopy:       true,
			FlagIsMeta:     false,
			RolePreference: []string{"ActiveMessage", "ActiveFlowControl", "ActiveOnly", "Passive"},
		},
		PIO: PIOConfig{
			ShmDir: defaultShmDir(),
		},
		DMA: DMAConfig{
			Device: "/dev/mem",
		},
		OFED: OFEDConfig{
			Device:    "ofed0",
			Port:      1,
			Backend:   "simulated",
			MaxSendWR: 1024,
			MaxCQE:    2048,
		},
		Datagram: DatagramConfig{
			BindAddr:            "127.0.0.1",
			Port:                0,
			MaxPayload:          1472,
			AckIntervalMs:       5,
			RetransmitTimeoutMs: 200,
			MaxResends:          10,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9094",
		},
		Discovery: DiscoveryConfig{
			Enabled:   false,
			Service:   "_ocpi-dataplane._udp",
			TimeoutMs: 3000,
		},
	}
}

func defaultShmDir() string {
	if st, err := os.Stat("/dev/shm"); err == nil && st.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// Manager handles configuration loading.
type Manager struct {
	config *Config
	mu     sync.RWMutex
}

var globalManager = &Manager{
	config: DefaultConfig(),
}

// Global returns the global manager.
func Global() *Manager {
	return globalManager
}

// NewManager returns a manager seeded with the defaults.
func NewManager() *Manager {
	return &Manager{config: DefaultConfig()}
}

// Get returns a copy of current config.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := *m.config
	cfg.Buffers.RolePreference = append([]string(nil), m.config.Buffers.RolePreference...)
	return &cfg
}

// Set updates the config.
func (m *Manager) Set(cfg *Config) {
	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
}

// LoadFromFile loads configuration from a JSON file.
func (m *Manager) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.ConfigFile = path
	m.Set(cfg)
	return nil
}

// LoadFromEnv loads configuration from environment variables.
func (m *Manager) LoadFromEnv() {
	m.LoadFromLookup(os.LookupEnv)
}

// LoadFromLookup applies overrides from an environment lookup function.
func (m *Manager) LoadFromLookup(lookup func(string) (string, bool)) {
	cfg := m.Get()

	get := func(key string) string {
		v, ok := lookup(key)
		if !ok {
			return ""
		}
		return strings.TrimSpace(v)
	}

	if v := get(EnvTransferMailbox); v != "" {
		if i, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Transfer.FirstMailbox = uint16(i)
		}
	}
	if v := get(EnvMaxMailbox); v != "" {
		if i, err := strconv.ParseUint(v, 10, 16); err == nil {
			cfg.Transfer.MaxMailboxes = uint16(i)
		}
	}
	if v := get(EnvSMBSize); v != "" {
		if i, err := strconv.ParseUint(v, 0, 64); err == nil {
			cfg.Transfer.SMBSize = i
		}
	}
	if v := get(EnvDMAMemory); v != "" {
		cfg.DMA.Memory = v
	}
	if v := get(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := get(EnvLogJSON); v != "" {
		cfg.LogJSON = parseBool(v)
	}
	if v := get(EnvProtocol); v != "" {
		cfg.Transfer.DefaultProtocol = v
	}
	if v := get(EnvRetryCount); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Transfer.RetryCount = i
		}
	}
	if v := get(EnvBufferCount); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Buffers.Count = i
		}
	}
	if v := get(EnvBufferLength); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Buffers.Length = i
		}
	}
	if v := get(EnvZeroCopy); v != "" {
		cfg.Buffers.ZeroCopy = parseBool(v)
	}
	if v := get(EnvFlagIsMeta); v != "" {
		cfg.Buffers.FlagIsMeta = parseBool(v)
	}
	if v := get(EnvRolePreference); v != "" {
		var roles []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				roles = append(roles, r)
			}
		}
		cfg.Buffers.RolePreference = roles
	}
	if v := get(EnvShmDir); v != "" {
		cfg.PIO.ShmDir = v
	}
	if v := get(EnvDMADevice); v != "" {
		cfg.DMA.Device = v
	}
	if v := get(EnvOFEDDevice); v != "" {
		cfg.OFED.Device = v
	}
	if v := get(EnvOFEDPort); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.OFED.Port = i
		}
	}
	if v := get(EnvOFEDBackend); v != "" {
		cfg.OFED.Backend = v
	}
	if v := get(EnvDatagramAddr); v != "" {
		cfg.Datagram.BindAddr = v
	}
	if v := get(EnvDatagramPort); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Datagram.Port = i
		}
	}
	if v := get(EnvDatagramPayload); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Datagram.MaxPayload = i
		}
	}
	if v := get(EnvDatagramResends); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Datagram.MaxResends = i
		}
	}
	if v := get(EnvMetricsEnabled); v != "" {
		cfg.Metrics.Enabled = parseBool(v)
	}
	if v := get(EnvMetricsAddr); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := get(EnvDiscovery); v != "" {
		cfg.Discovery.Enabled = parseBool(v)
	}

	m.Set(cfg)
}

func parseBool(v string) bool {
	v = strings.ToLower(v)
	return v == "true" || v == "1" || v == "yes"
}

// Finalize performs final configuration adjustments after loading.
// This should be called after loading config from file and environment.
func (c *Config) Finalize() {
	if c.Poll.Multiplier < 1 {
		c.Poll.Multiplier = 1
	}
	if c.Poll.MaxIntervalUs < c.Poll.IntervalUs {
		c.Poll.MaxIntervalUs = c.Poll.IntervalUs
	}
	if len(c.Buffers.RolePreference) == 0 {
		c.Buffers.RolePreference = DefaultConfig().Buffers.RolePreference
	}
	if c.Transfer.DefaultProtocol == "" {
		c.Transfer.DefaultProtocol = ProtocolPIO
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Transfer.SMBSize == 0 {
		return fmt.Errorf("transfer.smb_size must be positive")
	}
	if c.Transfer.SMBSize > 1<<32 {
		return fmt.Errorf("transfer.smb_size %d exceeds the 32-bit offset range", c.Transfer.SMBSize)
	}
	if c.Transfer.MaxMailboxes < 2 {
		return fmt.Errorf("transfer.max_mailboxes must be at least 2")
	}
	if c.Transfer.FirstMailbox >= c.Transfer.MaxMailboxes {
		return fmt.Errorf("transfer.first_mailbox %d must be below max_mailboxes %d",
			c.Transfer.FirstMailbox, c.Transfer.MaxMailboxes)
	}
	if c.Transfer.RetryCount <= 0 {
		return fmt.Errorf("transfer.retry_count must be positive")
	}
	if c.Poll.IntervalUs <= 0 {
		return fmt.Errorf("poll.interval_us must be positive")
	}
	if c.Buffers.Count <= 0 {
		return fmt.Errorf("buffers.count must be positive")
	}
	if c.Buffers.Length <= 0 {
		return fmt.Errorf("buffers.length must be positive")
	}

	validRoles := map[string]bool{
		"ActiveMessage": true, "ActiveFlowControl": true, "ActiveOnly": true, "Passive": true,
	}
	for _, r := range c.Buffers.RolePreference {
		if !validRoles[r] {
			return fmt.Errorf("buffers.role_preference: unknown role %q", r)
		}
	}

	if c.OFED.Backend != "" && c.OFED.Backend != "simulated" {
		return fmt.Errorf("ofed.backend must be 'simulated'")
	}
	if c.Datagram.Port < 0 || c.Datagram.Port > 65535 {
		return fmt.Errorf("datagram.port out of range: %d", c.Datagram.Port)
	}
	if c.Datagram.MaxPayload < 128 || c.Datagram.MaxPayload > 65507 {
		return fmt.Errorf("datagram.max_payload must be between 128 and 65507")
	}
	if c.Datagram.MaxResends <= 0 {
		return fmt.Errorf("datagram.max_resends must be positive")
	}
	if c.Datagram.RetransmitTimeoutMs <= 0 {
		return fmt.Errorf("datagram.retransmit_timeout_ms must be positive")
	}

	if c.DMA.Memory != "" {
		if _, _, err := ParseDMAMemory(c.DMA.Memory); err != nil {
			return err
		}
	}
	return nil
}

// ParseDMAMemory parses "<size>M$0x<addr>" into a byte size and base address.
func ParseDMAMemory(spec string) (size uint64, base uint64, err error) {
	parts := strings.SplitN(spec, "$", 2)
	if len(parts) != 2 || !strings.HasSuffix(parts[0], "M") || !strings.HasPrefix(parts[1], "0x") {
		return 0, 0, fmt.Errorf("bad format for %s: %q", EnvDMAMemory, spec)
	}
	mb, err := strconv.ParseUint(strings.TrimSuffix(parts[0], "M"), 10, 32)
	if err != nil || mb == 0 {
		return 0, 0, fmt.Errorf("bad size in %s: %q", EnvDMAMemory, spec)
	}
	base, err = strconv.ParseUint(parts[1][2:], 16, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad address in %s: %q", EnvDMAMemory, spec)
	}
	return mb * 1024 * 1024, base, nil
}
