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

package xfer

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"dataplane/internal/config"
	"dataplane/internal/logging"
	"dataplane/internal/metrics"
)

// Config holds the manager settings.
type Config struct {
	SMBSize         uint64
	FirstMailbox    uint16
	MaxMailboxes    uint16
	RetryCount      int
	DefaultProtocol string
	Poll            PollPolicy
}

// ConfigFrom extracts the manager settings from the process configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		SMBSize:         c.Transfer.SMBSize,
		FirstMailbox:    c.Transfer.FirstMailbox,
		MaxMailboxes:    c.Transfer.MaxMailboxes,
		RetryCount:      c.Transfer.RetryCount,
		DefaultProtocol: c.Transfer.DefaultProtocol,
		Poll:            PollPolicyFrom(c.Poll),
	}
}

// DefaultManagerConfig returns the manager settings of the default
// configuration.
func DefaultManagerConfig() Config {
	return ConfigFrom(config.DefaultConfig())
}

type templateKey struct {
	from, to uuid.UUID
}

// Template is a cached, reference counted connection template.
type Template struct {
	svc  Services
	key  templateKey
	mgr  *Manager
	refs int // guarded by mgr.mu
}

// Services returns the driver connection.
func (t *Template) Services() Services { return t.svc }

// CreateRequest creates a request on the connection.
func (t *Template) CreateRequest() Request { return t.svc.CreateRequest() }

// From returns the source endpoint.
func (t *Template) From() *EndPoint { return t.svc.From() }

// To returns the target endpoint.
func (t *Template) To() *EndPoint { return t.svc.To() }

// Release drops a reference; the last one closes the connection.
func (t *Template) Release() {
	t.mgr.releaseTemplate(t)
}

// Manager is the registry of drivers, endpoints and templates.
type Manager struct {
	cfg       Config
	mu        sync.Mutex
	drivers   map[string]Driver
	endpoints map[uuid.UUID]*EndPoint
	templates map[templateKey]*Template
	logger    *logging.Logger
}

// NewManager creates an empty registry.
func NewManager(cfg Config) *Manager {
	if cfg.MaxMailboxes == 0 {
		cfg.MaxMailboxes = config.MaxSystemSMBs
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 128
	}
	if cfg.SMBSize == 0 {
		cfg.SMBSize = 3 * 1024 * 1024
	}
	return &Manager{
		cfg:       cfg,
		drivers:   make(map[string]Driver),
		endpoints: make(map[uuid.UUID]*EndPoint),
		templates: make(map[templateKey]*Template),
		logger:    logging.NewLogger("xfer"),
	}
}

// Config returns the manager settings.
func (m *Manager) Config() Config { return m.cfg }

// Register adds a driver.
func (m *Manager) Register(d Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drivers[d.Protocol()]; ok {
		return fmt.Errorf("driver for %s already registered", d.Protocol())
	}
	m.drivers[d.Protocol()] = d
	m.logger.Info("Registered transfer driver", "protocol", d.Protocol())
	return nil
}

// Driver returns the driver for a protocol.
func (m *Manager) Driver(protocol string) (Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, protocol)
	}
	return d, nil
}

// Protocols lists the registered protocols.
func (m *Manager) Protocols() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.drivers))
	for p := range m.drivers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// SupportsEndPoint reports whether some driver handles the endpoint string.
func (m *Manager) SupportsEndPoint(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.drivers {
		if SupportsProtocol(p, name) {
			return true
		}
	}
	return false
}

// AllocateEndPoint creates a local endpoint with the next free mailbox.
// A zero size uses the configured SMB size.
func (m *Manager) AllocateEndPoint(protocol string, size uint64) (*EndPoint, error) {
	if protocol == "" {
		protocol = m.cfg.DefaultProtocol
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.usedMailboxesLocked(protocol)
	for mb := m.cfg.FirstMailbox; mb < m.cfg.MaxMailboxes; mb++ {
		if !used[mb] {
			return m.createLocalLocked(protocol, mb, m.cfg.MaxMailboxes, size)
		}
	}
	return nil, fmt.Errorf("%w: mailboxes for endpoints for protocol %s are exhausted", ErrMailboxesExhausted, protocol)
}

// NewCompatibleEndPoint creates a local endpoint that can talk to remote:
// same protocol and mailbox count, a mailbox distinct from the remote's and
// from every local endpoint of the protocol.
func (m *Manager) NewCompatibleEndPoint(remote *EndPoint) (*EndPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	used := m.usedMailboxesLocked(remote.Protocol)
	used[remote.Mailbox] = true
	for mb := uint16(1); mb < remote.MaxMailboxes; mb++ {
		if !used[mb] {
			return m.createLocalLocked(remote.Protocol, mb, remote.MaxMailboxes, 0)
		}
	}
	return nil, fmt.Errorf("%w: mailboxes for endpoints for protocol %s are exhausted", ErrMailboxesExhausted, remote.Protocol)
}

// CanSupport reports whether local can reach remote.
func (m *Manager) CanSupport(local, remote *EndPoint) bool {
	return local.Protocol == remote.Protocol &&
		local.MaxMailboxes == remote.MaxMailboxes &&
		local.Mailbox != remote.Mailbox
}

// FindLocal returns a local endpoint of the protocol that can reach remote
// (any local endpoint of the protocol when remote is nil), with a new
// reference.
func (m *Manager) FindLocal(protocol string, remote *EndPoint) *EndPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *EndPoint
	for _, ep := range m.endpoints {
		if !ep.Local || ep.closed || ep.Protocol != protocol {
			continue
		}
		if remote != nil && !m.CanSupport(ep, remote) {
			continue
		}
		if best == nil || ep.Mailbox < best.Mailbox {
			best = ep
		}
	}
	if best != nil {
		best.refs++
	}
	return best
}

// GetEndPoint returns the endpoint named by an endpoint string, creating it
// on first reference. A nonzero size must match the string. With cantExist
// an already known uuid is an error.
func (m *Manager) GetEndPoint(name string, local, cantExist bool, size uint64) (*EndPoint, error) {
	spec, err := ParseEndPoint(name)
	if err != nil {
		return nil, err
	}
	if size != 0 && size != spec.Size {
		return nil, fmt.Errorf("%w: size %d does not match %s", ErrInvalidEndpoint, size, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if ep, ok := m.endpoints[spec.UUID]; ok {
		if cantExist {
			return nil, fmt.Errorf("%w: endpoint %s already exists", ErrInvalidEndpoint, name)
		}
		ep.refs++
		return ep, nil
	}
	return m.createLocked(spec, local)
}

// EndPoints returns the known endpoints.
func (m *Manager) EndPoints() []*EndPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*EndPoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

func (m *Manager) usedMailboxesLocked(protocol string) map[uint16]bool {
	used := make(map[uint16]bool)
	for _, ep := range m.endpoints {
		if ep.Local && ep.Protocol == protocol {
			used[ep.Mailbox] = true
		}
	}
	return used
}

func (m *Manager) createLocalLocked(protocol string, mailbox, max uint16, size uint64) (*EndPoint, error) {
	d, ok := m.drivers[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, protocol)
	}
	if size == 0 {
		size = m.cfg.SMBSize
	}
	if size < CommsSizeFor(max) {
		return nil, fmt.Errorf("%w: size %d cannot hold the mailbox block", ErrInvalidEndpoint, size)
	}
	info, err := d.NewLocal(mailbox, max, size)
	if err != nil {
		return nil, fmt.Errorf("allocate %s endpoint: %w", protocol, err)
	}
	spec := EndPointSpec{
		Protocol:     protocol,
		Info:         info,
		UUID:         uuid.New(),
		Size:         size,
		Mailbox:      mailbox,
		MaxMailboxes: max,
	}
	return m.createLocked(spec, true)
}

func (m *Manager) createLocked(spec EndPointSpec, local bool) (*EndPoint, error) {
	d, ok := m.drivers[spec.Protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, spec.Protocol)
	}
	commsSize := CommsSizeFor(spec.MaxMailboxes)
	if local && spec.Size < commsSize {
		return nil, fmt.Errorf("%w: size %d cannot hold the mailbox block", ErrInvalidEndpoint, spec.Size)
	}

	ep := &EndPoint{
		EndPointSpec: spec,
		Local:        local,
		name:         spec.String(),
		mgr:          m,
		driver:       d,
		refs:         1,
	}
	smem, err := d.NewSmem(ep)
	if err != nil {
		return nil, fmt.Errorf("memory services for %s: %w", ep.name, err)
	}
	ep.smem = smem

	if local {
		ep.resources = NewResourceServices(spec.Size)
		off, err := ep.resources.Alloc(commsSize, 8)
		if err == nil && off != 0 {
			err = errors.New("mailbox block not at offset 0")
		}
		if err == nil {
			ep.comms, err = newComms(ep)
		}
		if err != nil {
			smem.Close()
			if r, ok := d.(EndPointReleaser); ok {
				r.ReleaseEndPoint(ep)
			}
			return nil, fmt.Errorf("mailbox block for %s: %w", ep.name, err)
		}
	}

	m.endpoints[spec.UUID] = ep
	metrics.Get().ActiveEndpoints.Add(1)
	m.logger.Info("Created endpoint", "endpoint", ep.name, "local", local)
	return ep, nil
}

func (m *Manager) releaseEndPoint(ep *EndPoint) {
	m.mu.Lock()
	ep.refs--
	if ep.refs > 0 || ep.closed {
		m.mu.Unlock()
		return
	}
	ep.closed = true
	delete(m.endpoints, ep.UUID)
	m.mu.Unlock()

	m.destroyEndPoint(ep)
}

func (m *Manager) destroyEndPoint(ep *EndPoint) {
	if ep.comms != nil {
		ep.comms.close()
	}
	if err := ep.smem.Close(); err != nil {
		m.logger.Warn("Closing endpoint memory failed", "endpoint", ep.name, "error", err)
	}
	if r, ok := ep.driver.(EndPointReleaser); ok {
		r.ReleaseEndPoint(ep)
	}
	metrics.Get().ActiveEndpoints.Add(-1)
	m.logger.Info("Destroyed endpoint", "endpoint", ep.name)
}

// GetTemplate returns the connection template for the ordered pair, taking
// a reference. The source must be local.
func (m *Manager) GetTemplate(from, to *EndPoint) (*Template, error) {
	if !from.Local {
		return nil, fmt.Errorf("%w: template source %s is not local", ErrInvalidEndpoint, from.name)
	}
	key := templateKey{from.UUID, to.UUID}

	m.mu.Lock()
	defer m.mu.Unlock()

	if from.closed || to.closed {
		return nil, ErrEndpointClosed
	}
	if t, ok := m.templates[key]; ok {
		t.refs++
		return t, nil
	}
	svc, err := from.driver.NewServices(from, to)
	if err != nil {
		return nil, fmt.Errorf("connect %s to %s: %w", from.name, to.name, err)
	}
	from.refs++
	to.refs++
	t := &Template{svc: svc, key: key, mgr: m, refs: 1}
	m.templates[key] = t
	m.logger.Debug("Created template", "from", from.name, "to", to.name)
	return t, nil
}

// TemplateCount returns the number of cached templates.
func (m *Manager) TemplateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.templates)
}

func (m *Manager) releaseTemplate(t *Template) {
	m.mu.Lock()
	t.refs--
	if t.refs > 0 {
		m.mu.Unlock()
		return
	}
	if m.templates[t.key] == t {
		delete(m.templates, t.key)
	}
	m.mu.Unlock()

	if err := t.svc.Close(); err != nil {
		m.logger.Warn("Closing template failed", "error", err)
	}
	t.svc.From().Release()
	t.svc.To().Release()
}

// Close destroys every template and endpoint and closes the drivers.
func (m *Manager) Close() error {
	m.mu.Lock()
	templates := make([]*Template, 0, len(m.templates))
	for _, t := range m.templates {
		templates = append(templates, t)
	}
	m.templates = make(map[templateKey]*Template)
	m.mu.Unlock()

	for _, t := range templates {
		t.svc.Close()
	}

	m.mu.Lock()
	eps := make([]*EndPoint, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		ep.closed = true
		eps = append(eps, ep)
	}
	m.endpoints = make(map[uuid.UUID]*EndPoint)
	drivers := make([]Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		drivers = append(drivers, d)
	}
	m.mu.Unlock()

	for _, ep := range eps {
		m.destroyEndPoint(ep)
	}
	var firstErr error
	for _, d := range drivers {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
