package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/tmaxmax/go-sse"

	"github.com/tydell/wisp/internal/config"
)

const (
	protocolVersionHeader = "MCP-Protocol-Version"
	sessionIDHeader       = "Mcp-Session-Id"

	httpInboxDepth = 64
)

// httpTransport talks to a streamable-HTTP MCP endpoint. Every outgoing
// message is an independent POST; response bodies, JSON or SSE, are decoded
// and queued for the read loop.
type httpTransport struct {
	serverName string
	endpoint   string
	headers    map[string]string
	policy     *DestinationPolicy
	httpClient *http.Client
	maxFrame   int

	mu              sync.Mutex
	sessionID       string
	protocolVersion string

	inbox     chan Message
	closed    chan struct{}
	closeOnce sync.Once
}

func newHTTPTransport(serverName string, cfg config.MCPServerConfig, policy *DestinationPolicy) *httpTransport {
	maxFrame := cfg.MaxFrameBytes
	if maxFrame <= 0 {
		maxFrame = defaultMaxFrameBytes
	}
	headers := make(map[string]string, len(cfg.Headers))
	for key, value := range cfg.Headers {
		if key = strings.TrimSpace(key); key != "" {
			headers[key] = value
		}
	}
	return &httpTransport{
		serverName: serverName,
		endpoint:   strings.TrimSpace(cfg.URL),
		headers:    headers,
		policy:     policy,
		httpClient: &http.Client{Timeout: 0},
		maxFrame:   maxFrame,
		inbox:      make(chan Message, httpInboxDepth),
		closed:     make(chan struct{}),
	}
}

func (t *httpTransport) Connect(ctx context.Context) error {
	if t.endpoint == "" {
		return connectionErrf(nil, "mcp server %q: http transport requires a url", t.serverName)
	}
	return t.policy.Validate(t.endpoint)
}

// SetProtocolVersion records the version negotiated during the handshake; it
// is replayed as a header on every subsequent request.
func (t *httpTransport) SetProtocolVersion(version string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.protocolVersion = version
}

func (t *httpTransport) Send(ctx context.Context, msg Message) error {
	select {
	case <-t.closed:
		return connectionErrf(nil, "mcp server %q: transport closed", t.serverName)
	default:
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return protocolErrf(err, "mcp server %q: encode frame", t.serverName)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return connectionErrf(err, "mcp server %q: build request", t.serverName)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	t.mu.Lock()
	if t.protocolVersion != "" {
		req.Header.Set(protocolVersionHeader, t.protocolVersion)
	}
	if t.sessionID != "" {
		req.Header.Set(sessionIDHeader, t.sessionID)
	}
	t.mu.Unlock()
	for key, value := range t.headers {
		req.Header.Set(key, value)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return connectionErrf(err, "mcp server %q: post %s", t.serverName, t.endpoint)
	}

	if session := resp.Header.Get(sessionIDHeader); session != "" {
		t.mu.Lock()
		t.sessionID = session
		t.mu.Unlock()
	}

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		_ = resp.Body.Close()
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		_ = resp.Body.Close()
		detail := strings.TrimSpace(string(body))
		if detail == "" {
			detail = resp.Status
		}
		return connectionErrf(nil, "mcp server %q: request failed: %s", t.serverName, detail)
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.HasPrefix(contentType, "text/event-stream") {
		// The stream may carry notifications before the response; drain it off
		// the caller's goroutine so Send returns as soon as the POST is done.
		go t.consumeEventStream(resp.Body)
		return nil
	}

	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxFrame)+1))
	if err != nil {
		return connectionErrf(err, "mcp server %q: read response", t.serverName)
	}
	if len(body) > t.maxFrame {
		return resourceLimitErrf("mcp server %q: response exceeds %d bytes", t.serverName, t.maxFrame)
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var decoded Message
	if err := json.Unmarshal(body, &decoded); err != nil {
		return protocolErrf(err, "mcp server %q: malformed response", t.serverName)
	}
	t.deliver(decoded)
	return nil
}

func (t *httpTransport) consumeEventStream(body io.ReadCloser) {
	defer body.Close()

	// Unblock the event reader when the transport closes mid-stream.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-t.closed:
			_ = body.Close()
		case <-done:
		}
	}()

	cfg := &sse.ReadConfig{MaxEventSize: t.maxFrame}
	for event, err := range sse.Read(body, cfg) {
		if err != nil {
			return
		}
		if event.Type != "" && event.Type != "message" {
			continue
		}
		var decoded Message
		if err := json.Unmarshal([]byte(event.Data), &decoded); err != nil {
			continue
		}
		t.deliver(decoded)
	}
}

func (t *httpTransport) deliver(msg Message) {
	select {
	case t.inbox <- msg:
	case <-t.closed:
	}
}

func (t *httpTransport) Receive(ctx context.Context) (Message, error) {
	select {
	case msg := <-t.inbox:
		return msg, nil
	case <-t.closed:
		return Message{}, connectionErrf(nil, "mcp server %q: transport closed", t.serverName)
	case <-ctx.Done():
		return Message{}, errors.Mark(ctx.Err(), ErrConnection)
	}
}

func (t *httpTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.httpClient.CloseIdleConnections()
	})
	return nil
}
