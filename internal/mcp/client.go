package mcp

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// State is the connection lifecycle position. Closed is terminal.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	defaultConnectTimeout     = 30 * time.Second
	defaultCallTimeout        = 15 * time.Second
	defaultNotificationBudget = 100
)

// NotificationHandler receives server notifications the client does not
// consume itself.
type NotificationHandler func(method string, params json.RawMessage)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConnectTimeout sets the handshake deadline, which is typically longer
// than the per-call one because servers load slowly on first spawn.
func WithConnectTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.connectTimeout = d }
}

// WithCallTimeout sets the default deadline applied to each call that does
// not already carry one.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.callTimeout = d }
}

// WithNotificationBudget bounds how many notifications may be discarded while
// any single request is pending before that request fails.
func WithNotificationBudget(n int) ClientOption {
	return func(c *Client) { c.notificationBudget = n }
}

// WithNotificationHandler registers a sink for server notifications.
func WithNotificationHandler(h NotificationHandler) ClientOption {
	return func(c *Client) { c.onNotification = h }
}

// WithClientInfo overrides the identity sent in the handshake.
func WithClientInfo(info Info) ClientOption {
	return func(c *Client) { c.info = info }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

type callResult struct {
	msg Message
	err error
}

// pendingRequest correlates one outgoing request id to its waiter. It is
// resolved exactly once: by a matching response, by cancellation, by the
// notification budget, or by connection closure.
type pendingRequest struct {
	ch       chan callResult
	discards int
}

// Client is the protocol state machine on top of one Transport: handshake,
// request/response correlation, pagination, cancellation, ping. One read loop
// per client fans responses out to waiters by id; any number of callers may
// have requests in flight concurrently.
type Client struct {
	serverName string
	transport  Transport
	info       Info
	logger     *slog.Logger

	connectTimeout     time.Duration
	callTimeout        time.Duration
	notificationBudget int
	onNotification     NotificationHandler

	state  atomic.Int32
	nextID atomic.Int64

	mu       sync.Mutex
	pending  map[int64]*pendingRequest
	closeErr error

	serverInfo Info
	serverCaps ServerCapabilities
	negotiated string

	readDone chan struct{}
	once     sync.Once
}

// NewClient wraps a transport. Connect must be called before any operation.
func NewClient(serverName string, transport Transport, options ...ClientOption) *Client {
	c := &Client{
		serverName:         serverName,
		transport:          transport,
		info:               Info{Name: "wisp", Version: "0.1.0"},
		logger:             slog.Default(),
		connectTimeout:     defaultConnectTimeout,
		callTimeout:        defaultCallTimeout,
		notificationBudget: defaultNotificationBudget,
		pending:            make(map[int64]*pendingRequest),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

// ServerInfo returns the identity the server declared in the handshake.
func (c *Client) ServerInfo() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Capabilities returns the server-declared capability set.
func (c *Client) Capabilities() ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverCaps
}

// ProtocolVersion returns the negotiated protocol revision.
func (c *Client) ProtocolVersion() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiated
}

// Connect establishes the transport, performs the initialize handshake under
// the connect timeout, records the negotiated version and capabilities, and
// acknowledges with notifications/initialized.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return connectionErrf(nil, "mcp server %q: connect on %s connection", c.serverName, c.State())
	}

	if err := c.transport.Connect(ctx); err != nil {
		c.state.Store(int32(StateClosed))
		return err
	}

	c.readDone = make(chan struct{})
	go c.readLoop()

	raw, err := c.roundTrip(ctx, methodInitialize, initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    clientCapabilities{},
		ClientInfo:      c.info,
	}, c.connectTimeout)
	if err != nil {
		_ = c.Close()
		return errors.Wrapf(err, "mcp server %q: handshake", c.serverName)
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		_ = c.Close()
		return protocolErrf(err, "mcp server %q: decode initialize result", c.serverName)
	}
	if result.ProtocolVersion == "" {
		_ = c.Close()
		return protocolErrf(nil, "mcp server %q: server declared no protocol version", c.serverName)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.serverCaps = result.Capabilities
	c.negotiated = result.ProtocolVersion
	c.mu.Unlock()

	if aware, ok := c.transport.(interface{ SetProtocolVersion(string) }); ok {
		aware.SetProtocolVersion(result.ProtocolVersion)
	}

	// The acknowledgment carries no params key at all; Params stays nil so
	// encoding omits it rather than sending an empty object.
	ack := Message{JSONRPC: jsonRPCVersion, Method: methodNotificationsInitialized}
	if err := c.transport.Send(ctx, ack); err != nil {
		_ = c.Close()
		return errors.Wrapf(err, "mcp server %q: send initialized notification", c.serverName)
	}

	c.state.Store(int32(StateReady))
	return nil
}

// Close transitions to Closed, tears down the transport, and fails every
// pending request with a connection-closed error. Idempotent.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		err = c.transport.Close()
		c.failPending(connectionErrf(nil, "mcp server %q: connection closed", c.serverName))
		if c.readDone != nil {
			<-c.readDone
		}
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		msg, err := c.transport.Receive(context.Background())
		if err != nil {
			// Resource-limit failures (oversized frame) poison the stream just
			// as hard as I/O errors: framing can no longer be trusted.
			c.state.Store(int32(StateClosed))
			c.failPending(err)
			return
		}
		c.dispatch(msg)
	}
}

func (c *Client) failPending(cause error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	if c.closeErr == nil {
		c.closeErr = cause
	}
	c.mu.Unlock()

	for _, p := range pending {
		p.ch <- callResult{err: cause}
	}
}

func (c *Client) dispatch(msg Message) {
	switch {
	case msg.IsResponse():
		id, ok := msg.NumericID()
		if !ok {
			c.logger.Warn("dropping response with non-numeric id", "server", c.serverName, "id", string(msg.ID))
			return
		}
		c.mu.Lock()
		p := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if p == nil {
			// Unmatched ids are never delivered to a waiter; a confused or
			// malicious server cannot inject a result into another call.
			c.logger.Warn("dropping response with no pending request", "server", c.serverName, "id", id)
			return
		}
		p.ch <- callResult{msg: msg}

	case msg.IsNotification():
		if c.onNotification != nil {
			c.onNotification(msg.Method, msg.Params)
			return
		}
		c.chargeDiscard()

	case msg.Method != "":
		// Server-initiated request. Only ping is answered; anything else gets
		// a method-not-found error.
		if msg.Method == methodPing {
			c.reply(Message{JSONRPC: jsonRPCVersion, ID: msg.ID, Result: json.RawMessage("{}")})
			return
		}
		c.reply(Message{JSONRPC: jsonRPCVersion, ID: msg.ID, Error: &RPCError{
			Code:    rpcMethodNotFoundCode,
			Message: "method not found: " + msg.Method,
		}})

	default:
		c.logger.Warn("dropping frame with neither method nor result", "server", c.serverName)
	}
}

// chargeDiscard debits every pending request's notification budget. A server
// flooding notifications fails the starved calls with a resource-limit error
// instead of stalling them forever.
func (c *Client) chargeDiscard() {
	var starved []*pendingRequest
	c.mu.Lock()
	for id, p := range c.pending {
		p.discards++
		if p.discards > c.notificationBudget {
			delete(c.pending, id)
			starved = append(starved, p)
		}
	}
	c.mu.Unlock()

	for _, p := range starved {
		p.ch <- callResult{err: resourceLimitErrf(
			"mcp server %q: %d notifications discarded while awaiting response", c.serverName, c.notificationBudget)}
	}
}

func (c *Client) reply(msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), c.callTimeout)
	defer cancel()
	if err := c.transport.Send(ctx, msg); err != nil {
		c.logger.Warn("failed to answer server request", "server", c.serverName, "error", err)
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	switch c.State() {
	case StateReady:
	case StateClosed:
		return nil, connectionErrf(nil, "mcp server %q: connection closed", c.serverName)
	default:
		return nil, connectionErrf(nil, "mcp server %q: connection not ready", c.serverName)
	}
	return c.roundTrip(ctx, method, params, c.callTimeout)
}

func (c *Client) roundTrip(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	p := &pendingRequest{ch: make(chan callResult, 1)}

	c.mu.Lock()
	if c.closeErr != nil {
		closeErr := c.closeErr
		c.mu.Unlock()
		return nil, closeErr
	}
	c.pending[id] = p
	c.mu.Unlock()

	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg := Message{JSONRPC: jsonRPCVersion, ID: rawID(id), Method: method, Params: raw}
	if err := c.transport.Send(callCtx, msg); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case res := <-p.ch:
		if res.err != nil {
			return nil, res.err
		}
		if res.msg.Error != nil {
			return nil, protocolErrf(res.msg.Error, "mcp server %q: %s failed", c.serverName, method)
		}
		return res.msg.Result, nil

	case <-callCtx.Done():
		c.removePending(id)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(ctx.Err(), context.Canceled) {
			return nil, errors.Mark(
				errors.Newf("mcp server %q: %s exceeded %s deadline", c.serverName, method, timeout), ErrTimeout)
		}
		// Caller cancellation: the waiter is already gone, so a late response
		// for this id is dropped by dispatch. Tell the server to stop work.
		c.sendCancelled(id)
		return nil, errors.Mark(
			errors.Wrapf(ctx.Err(), "mcp server %q: %s cancelled", c.serverName, method), ErrCancelled)
	}
}

func (c *Client) removePending(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) sendCancelled(id int64) {
	params, err := marshalParams(cancelledParams{RequestID: rawID(id), Reason: "client cancelled"})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	notif := Message{JSONRPC: jsonRPCVersion, Method: methodNotificationsCancelled, Params: params}
	if err := c.transport.Send(ctx, notif); err != nil {
		c.logger.Debug("failed to send cancellation", "server", c.serverName, "error", err)
	}
}

// Ping round-trips an empty request and returns the measured latency.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.call(ctx, methodPing, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

func (c *Client) notSupported(feature string) error {
	return errors.Mark(errors.Mark(
		errors.Newf("mcp server %q does not support %s", c.serverName, feature),
		ErrNotSupported), ErrProtocol)
}

// ListTools walks every page of tools/list and returns the full set. A cursor
// that fails to advance aborts the whole operation; partial pages are never
// returned as a complete result.
func (c *Client) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if c.Capabilities().Tools == nil {
		return nil, c.notSupported("tools")
	}
	var all []ToolDescriptor
	err := c.paginate(ctx, methodToolsList, func(raw json.RawMessage) (string, error) {
		var page toolsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", protocolErrf(err, "mcp server %q: decode tools/list result", c.serverName)
		}
		all = append(all, page.Tools...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// ListResources walks every page of resources/list.
func (c *Client) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	if c.Capabilities().Resources == nil {
		return nil, c.notSupported("resources")
	}
	var all []ResourceDescriptor
	err := c.paginate(ctx, methodResourcesList, func(raw json.RawMessage) (string, error) {
		var page resourcesListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", protocolErrf(err, "mcp server %q: decode resources/list result", c.serverName)
		}
		all = append(all, page.Resources...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

// ListPrompts walks every page of prompts/list.
func (c *Client) ListPrompts(ctx context.Context) ([]PromptDescriptor, error) {
	if c.Capabilities().Prompts == nil {
		return nil, c.notSupported("prompts")
	}
	var all []PromptDescriptor
	err := c.paginate(ctx, methodPromptsList, func(raw json.RawMessage) (string, error) {
		var page promptsListResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return "", protocolErrf(err, "mcp server %q: decode prompts/list result", c.serverName)
		}
		all = append(all, page.Prompts...)
		return page.NextCursor, nil
	})
	if err != nil {
		return nil, err
	}
	return all, nil
}

func (c *Client) paginate(ctx context.Context, method string, accumulate func(json.RawMessage) (string, error)) error {
	cursor := ""
	for {
		raw, err := c.call(ctx, method, listParams{Cursor: cursor})
		if err != nil {
			return err
		}
		next, err := accumulate(raw)
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		if next == cursor {
			return protocolErrf(nil, "mcp server %q: %s cursor %q did not advance", c.serverName, method, cursor)
		}
		cursor = next
	}
}

// CallTool invokes a named tool with raw JSON arguments.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (CallToolResult, error) {
	if c.Capabilities().Tools == nil {
		return CallToolResult{}, c.notSupported("tools")
	}
	raw, err := c.call(ctx, methodToolsCall, callToolParams{Name: name, Arguments: args})
	if err != nil {
		return CallToolResult{}, err
	}
	var result CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return CallToolResult{}, protocolErrf(err, "mcp server %q: decode tools/call result", c.serverName)
	}
	return result, nil
}

// ReadResource fetches the contents of one resource by URI.
func (c *Client) ReadResource(ctx context.Context, uri string) (ReadResourceResult, error) {
	if c.Capabilities().Resources == nil {
		return ReadResourceResult{}, c.notSupported("resources")
	}
	raw, err := c.call(ctx, methodResourcesRead, readResourceParams{URI: uri})
	if err != nil {
		return ReadResourceResult{}, err
	}
	var result ReadResourceResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ReadResourceResult{}, protocolErrf(err, "mcp server %q: decode resources/read result", c.serverName)
	}
	return result, nil
}

// SubscribeResource registers for change notifications on a resource.
// Requires the server's subscribe capability, not just resource support.
func (c *Client) SubscribeResource(ctx context.Context, uri string) error {
	caps := c.Capabilities()
	if caps.Resources == nil || !caps.Resources.Subscribe {
		return c.notSupported("resource subscription")
	}
	_, err := c.call(ctx, methodResourcesSubscribe, subscribeResourceParams{URI: uri})
	return err
}

// GetPrompt renders a named prompt with the given arguments.
func (c *Client) GetPrompt(ctx context.Context, name string, args map[string]string) (GetPromptResult, error) {
	if c.Capabilities().Prompts == nil {
		return GetPromptResult{}, c.notSupported("prompts")
	}
	raw, err := c.call(ctx, methodPromptsGet, getPromptParams{Name: name, Arguments: args})
	if err != nil {
		return GetPromptResult{}, err
	}
	var result GetPromptResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return GetPromptResult{}, protocolErrf(err, "mcp server %q: decode prompts/get result", c.serverName)
	}
	return result, nil
}
