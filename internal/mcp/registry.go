package mcp

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/tydell/wisp/internal/config"
	"github.com/tydell/wisp/internal/tools"
)

// SharingMode controls which callers can see and tear down a connection.
type SharingMode string

const (
	// SharingShared makes the connection visible to every caller in the host.
	SharingShared SharingMode = "shared"
	// SharingPrivate restricts visibility and disconnection to the owner.
	SharingPrivate SharingMode = "private"
)

// AuthorizationMode records how tool invocations on a connection are to be
// cleared. The permission layer consults it; the registry only stores it.
type AuthorizationMode string

const (
	AuthPreApproved AuthorizationMode = "pre_approved"
	AuthAskEach     AuthorizationMode = "ask"
)

// Authorizer is the permission layer's hook. It runs before every skill
// execution; a non-nil error blocks the call.
type Authorizer interface {
	Authorize(ctx context.Context, serverName, toolName string) error
}

// TransportFactory builds an unconnected transport for one server config.
type TransportFactory interface {
	New(serverName string, cfg config.MCPServerConfig) (Transport, error)
}

// Factories groups the supported transport factories.
type Factories struct {
	Stdio TransportFactory
	HTTP  TransportFactory
}

type transportFactoryFunc func(serverName string, cfg config.MCPServerConfig) (Transport, error)

func (f transportFactoryFunc) New(serverName string, cfg config.MCPServerConfig) (Transport, error) {
	return f(serverName, cfg)
}

// DefaultFactories returns production factories for both transports.
func DefaultFactories() Factories {
	return Factories{
		Stdio: transportFactoryFunc(func(serverName string, cfg config.MCPServerConfig) (Transport, error) {
			return newStdioTransport(serverName, cfg), nil
		}),
		HTTP: transportFactoryFunc(func(serverName string, cfg config.MCPServerConfig) (Transport, error) {
			return newHTTPTransport(serverName, cfg, &DestinationPolicy{AllowedHosts: cfg.AllowedHosts}), nil
		}),
	}
}

// connection binds one transport+client pair to its registry bookkeeping.
type connection struct {
	name          string
	client        *Client
	sharing       SharingMode
	authorization AuthorizationMode
	owner         string

	tools     []ToolDescriptor
	resources []ResourceDescriptor
	prompts   []PromptDescriptor
}

func (c *connection) visibleTo(caller string) bool {
	return c.sharing == SharingShared || c.owner == caller
}

// ConnectionInfo is the caller-facing snapshot of one live connection.
type ConnectionInfo struct {
	Name            string
	State           State
	Sharing         SharingMode
	Authorization   AuthorizationMode
	Owner           string
	ProtocolVersion string
	ServerInfo      Info
	Tools           []ToolDescriptor
	Resources       []ResourceDescriptor
	Prompts         []PromptDescriptor
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithAuthorizer installs the permission layer hook.
func WithAuthorizer(a Authorizer) RegistryOption {
	return func(r *Registry) { r.authorizer = a }
}

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithClientOptions forwards options to every client the registry creates.
func WithClientOptions(options ...ClientOption) RegistryOption {
	return func(r *Registry) { r.clientOptions = options }
}

// Registry owns the configured server set and their live connections. It is
// an explicit instance passed through the host's agent context; there is no
// package-level default.
type Registry struct {
	factories     Factories
	authorizer    Authorizer
	logger        *slog.Logger
	clientOptions []ClientOption

	mu      sync.RWMutex
	configs map[string]config.MCPServerConfig
	conns   map[string]*connection
}

// NewRegistry builds a registry over the enabled servers in the config map.
func NewRegistry(servers map[string]config.MCPServerConfig, factories Factories, options ...RegistryOption) *Registry {
	configs := make(map[string]config.MCPServerConfig, len(servers))
	for name, cfg := range servers {
		if !config.IsMCPServerEnabled(cfg) {
			continue
		}
		cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
		configs[name] = cfg
	}

	r := &Registry{
		factories: factories,
		logger:    slog.Default(),
		configs:   configs,
		conns:     make(map[string]*connection),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// ServerNames lists the configured (enabled) servers.
func (r *Registry) ServerNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Connect dials the named server, performs the handshake, runs initial
// discovery, and records the connection. An empty caller gets a generated
// owner token, returned in the ConnectionInfo.
func (r *Registry) Connect(ctx context.Context, name string, auth AuthorizationMode, sharing SharingMode, caller string) (ConnectionInfo, error) {
	r.mu.RLock()
	cfg, ok := r.configs[name]
	_, alreadyConnected := r.conns[name]
	r.mu.RUnlock()

	if !ok {
		return ConnectionInfo{}, errors.Newf("mcp server not found: %s", name)
	}
	if alreadyConnected {
		return ConnectionInfo{}, errors.Newf("mcp server %s is already connected", name)
	}

	transport, err := r.transportFor(name, cfg)
	if err != nil {
		return ConnectionInfo{}, err
	}

	client := NewClient(name, transport, r.clientOptions...)
	if err := client.Connect(ctx); err != nil {
		return ConnectionInfo{}, err
	}

	conn := &connection{
		name:          name,
		client:        client,
		sharing:       sharing,
		authorization: auth,
		owner:         strings.TrimSpace(caller),
	}
	if conn.owner == "" {
		conn.owner = uuid.NewString()
	}

	if err := r.discover(ctx, conn); err != nil {
		_ = client.Close()
		return ConnectionInfo{}, err
	}

	r.mu.Lock()
	if _, raced := r.conns[name]; raced {
		r.mu.Unlock()
		_ = client.Close()
		return ConnectionInfo{}, errors.Newf("mcp server %s is already connected", name)
	}
	r.conns[name] = conn
	info := r.infoLocked(conn)
	r.mu.Unlock()

	r.logger.Info("mcp server connected",
		"server", name, "sharing", sharing, "tools", len(conn.tools),
		"resources", len(conn.resources), "prompts", len(conn.prompts))
	return info, nil
}

func (r *Registry) transportFor(name string, cfg config.MCPServerConfig) (Transport, error) {
	switch cfg.Kind() {
	case config.TransportStdio:
		if r.factories.Stdio == nil {
			return nil, errors.Newf("no stdio transport factory configured")
		}
		return r.factories.Stdio.New(name, cfg)
	case config.TransportHTTP:
		if r.factories.HTTP == nil {
			return nil, errors.Newf("no http transport factory configured")
		}
		return r.factories.HTTP.New(name, cfg)
	default:
		return nil, errors.Newf("mcp server %s: unknown transport %q", name, cfg.Transport)
	}
}

// discover snapshots tools, resources, and prompts as far as the server's
// capabilities permit. Snapshots are immutable; Retry replaces them wholesale.
func (r *Registry) discover(ctx context.Context, conn *connection) error {
	caps := conn.client.Capabilities()

	if caps.Tools != nil {
		discovered, err := conn.client.ListTools(ctx)
		if err != nil {
			return errors.Wrapf(err, "mcp server %s: discover tools", conn.name)
		}
		conn.tools = discovered
	}
	if caps.Resources != nil {
		discovered, err := conn.client.ListResources(ctx)
		if err != nil {
			return errors.Wrapf(err, "mcp server %s: discover resources", conn.name)
		}
		conn.resources = discovered
	}
	if caps.Prompts != nil {
		discovered, err := conn.client.ListPrompts(ctx)
		if err != nil {
			return errors.Wrapf(err, "mcp server %s: discover prompts", conn.name)
		}
		conn.prompts = discovered
	}
	return nil
}

// Disconnect closes the named connection. A private connection may only be
// disconnected by its owner; shared connections by anyone.
func (r *Registry) Disconnect(name, caller string) error {
	r.mu.Lock()
	conn, ok := r.conns[name]
	if ok && conn.sharing == SharingPrivate && conn.owner != caller {
		r.mu.Unlock()
		return errors.Newf("mcp server %s: private connection owned by another caller", name)
	}
	delete(r.conns, name)
	r.mu.Unlock()

	if !ok {
		return errors.Newf("mcp server %s is not connected", name)
	}
	return conn.client.Close()
}

// Retry re-runs discovery on an already-ready connection without touching the
// transport, recovering from a transient discovery failure while requests
// from other callers stay in flight.
func (r *Registry) Retry(ctx context.Context, name string) error {
	r.mu.RLock()
	conn, ok := r.conns[name]
	r.mu.RUnlock()
	if !ok {
		return errors.Newf("mcp server %s is not connected", name)
	}
	if state := conn.client.State(); state != StateReady {
		return errors.Newf("mcp server %s: cannot retry discovery in state %s", name, state)
	}

	fresh := &connection{name: conn.name, client: conn.client}
	if err := r.discover(ctx, fresh); err != nil {
		return err
	}

	r.mu.Lock()
	conn.tools = fresh.tools
	conn.resources = fresh.resources
	conn.prompts = fresh.prompts
	r.mu.Unlock()
	return nil
}

// Connection returns the info snapshot for one connection, if visible.
func (r *Registry) Connection(name, caller string) (ConnectionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[name]
	if !ok || !conn.visibleTo(caller) {
		return ConnectionInfo{}, false
	}
	return r.infoLocked(conn), true
}

// Connections lists every connection visible to the caller.
func (r *Registry) Connections(caller string) []ConnectionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.conns))
	for name, conn := range r.conns {
		if conn.visibleTo(caller) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	out := make([]ConnectionInfo, 0, len(names))
	for _, name := range names {
		out = append(out, r.infoLocked(r.conns[name]))
	}
	return out
}

func (r *Registry) infoLocked(conn *connection) ConnectionInfo {
	return ConnectionInfo{
		Name:            conn.name,
		State:           conn.client.State(),
		Sharing:         conn.sharing,
		Authorization:   conn.authorization,
		Owner:           conn.owner,
		ProtocolVersion: conn.client.ProtocolVersion(),
		ServerInfo:      conn.client.ServerInfo(),
		Tools:           append([]ToolDescriptor(nil), conn.tools...),
		Resources:       append([]ResourceDescriptor(nil), conn.resources...),
		Prompts:         append([]PromptDescriptor(nil), conn.prompts...),
	}
}

// Skills aggregates tool adapters from every connection visible to caller.
func (r *Registry) Skills(caller string) []SkillAdapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.conns))
	for name, conn := range r.conns {
		if conn.visibleTo(caller) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var out []SkillAdapter
	for _, serverName := range names {
		for _, def := range r.conns[serverName].tools {
			if strings.TrimSpace(def.Name) == "" {
				continue
			}
			out = append(out, newSkillAdapter(r, serverName, def))
		}
	}
	return out
}

// RegisterSkills registers every visible skill adapter into the tool registry.
func (r *Registry) RegisterSkills(reg *tools.Registry, caller string) error {
	if reg == nil {
		return errors.New("tool registry is required")
	}
	for _, adapter := range r.Skills(caller) {
		if err := reg.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}

// CallTool routes an invocation to the owning connection, consulting the
// authorizer first. Every skill adapter execute funnels through here.
func (r *Registry) CallTool(ctx context.Context, serverName, toolName, argsJSON string) (string, error) {
	r.mu.RLock()
	conn, ok := r.conns[serverName]
	r.mu.RUnlock()
	if !ok {
		return "", connectionErrf(nil, "mcp server %s is not connected", serverName)
	}

	if r.authorizer != nil {
		if err := r.authorizer.Authorize(ctx, serverName, toolName); err != nil {
			return "", errors.Wrapf(err, "mcp server %s: tool %s not authorized", serverName, toolName)
		}
	}

	args, err := normalizeToolArgs(argsJSON)
	if err != nil {
		return "", err
	}
	result, err := conn.client.CallTool(ctx, toolName, args)
	if err != nil {
		return "", err
	}
	return renderToolResult(result)
}

// Ping round-trips on the named connection and returns the latency.
func (r *Registry) Ping(ctx context.Context, name string) (time.Duration, error) {
	r.mu.RLock()
	conn, ok := r.conns[name]
	r.mu.RUnlock()
	if !ok {
		return 0, connectionErrf(nil, "mcp server %s is not connected", name)
	}
	return conn.client.Ping(ctx)
}

// CloseAll tears down every connection. One failure does not stop the others;
// all failures come back combined.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*connection)
	r.mu.Unlock()

	var combined error
	for name, conn := range conns {
		if err := conn.client.Close(); err != nil {
			r.logger.Warn("mcp server close failed", "server", name, "error", err)
			combined = errors.CombineErrors(combined, errors.Wrapf(err, "close %s", name))
		}
	}
	return combined
}
