package mcp

import (
	"encoding/json"
	"strconv"

	"github.com/cockroachdb/errors"
)

const (
	jsonRPCVersion = "2.0"

	// protocolVersion is the newest revision this client speaks. The server
	// answers with the revision it selected; that value is what gets replayed
	// on subsequent HTTP requests.
	protocolVersion = "2025-03-26"
)

const (
	methodInitialize         = "initialize"
	methodPing               = "ping"
	methodToolsList          = "tools/list"
	methodToolsCall          = "tools/call"
	methodResourcesList      = "resources/list"
	methodResourcesRead      = "resources/read"
	methodResourcesSubscribe = "resources/subscribe"
	methodPromptsList        = "prompts/list"
	methodPromptsGet         = "prompts/get"

	methodNotificationsInitialized = "notifications/initialized"
	methodNotificationsCancelled   = "notifications/cancelled"
)

// Message is one JSON-RPC 2.0 frame: request, response, or notification.
// Params and Result stay raw so the transport layer never interprets them.
type Message struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsNotification reports whether the message carries no id.
func (m Message) IsNotification() bool {
	return len(m.ID) == 0 && m.Method != ""
}

// IsResponse reports whether the message answers an earlier request.
func (m Message) IsResponse() bool {
	return len(m.ID) > 0 && m.Method == ""
}

// NumericID decodes the id as the int64 this client assigns to outgoing
// requests. Ids of any other shape never match a pending request.
func (m Message) NumericID() (int64, bool) {
	if len(m.ID) == 0 {
		return 0, false
	}
	id, err := strconv.ParseInt(string(m.ID), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func rawID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// RPCError is the JSON-RPC error payload.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "json-rpc error code " + strconv.Itoa(e.Code)
}

const rpcMethodNotFoundCode = -32601

// Info identifies one side of the protocol handshake.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerCapabilities records the optional feature set a server declared during
// the handshake. Known features get typed fields; everything else lands in
// Extra so a newer server does not lose information on an older client.
type ServerCapabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// ToolsCapability signals tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability signals resource support.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability signals prompt support.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability signals log-message support.
type LoggingCapability struct{}

func (c *ServerCapabilities) UnmarshalJSON(data []byte) error {
	type known ServerCapabilities
	var typed known
	if err := json.Unmarshal(data, &typed); err != nil {
		return err
	}

	var all map[string]json.RawMessage
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	delete(all, "tools")
	delete(all, "resources")
	delete(all, "prompts")
	delete(all, "logging")

	*c = ServerCapabilities(typed)
	if len(all) > 0 {
		c.Extra = all
	}
	return nil
}

type clientCapabilities struct{}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    clientCapabilities `json:"capabilities"`
	ClientInfo      Info               `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
}

// ToolDescriptor is an immutable snapshot of one discovered tool.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ResourceDescriptor is an immutable snapshot of one discovered resource.
type ResourceDescriptor struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// PromptDescriptor is an immutable snapshot of one discovered prompt.
type PromptDescriptor struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// PromptArgument describes one prompt parameter.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

type listParams struct {
	Cursor string `json:"cursor,omitempty"`
}

type toolsListResult struct {
	Tools      []ToolDescriptor `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

type resourcesListResult struct {
	Resources  []ResourceDescriptor `json:"resources"`
	NextCursor string               `json:"nextCursor,omitempty"`
}

type promptsListResult struct {
	Prompts    []PromptDescriptor `json:"prompts"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the payload returned by tools/call.
type CallToolResult struct {
	Content           []ContentBlock  `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}

// ContentBlock is one element of a tool or prompt result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// Text joins the text blocks of the result.
func (r CallToolResult) Text() string {
	out := ""
	for _, block := range r.Content {
		if block.Type != "text" || block.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += block.Text
	}
	return out
}

type readResourceParams struct {
	URI string `json:"uri"`
}

// ReadResourceResult is the payload returned by resources/read.
type ReadResourceResult struct {
	Contents []ResourceContents `json:"contents"`
}

// ResourceContents is one chunk of resource data, textual or binary.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

type subscribeResourceParams struct {
	URI string `json:"uri"`
}

type getPromptParams struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// GetPromptResult is the payload returned by prompts/get.
type GetPromptResult struct {
	Description string          `json:"description,omitempty"`
	Messages    []PromptMessage `json:"messages"`
}

// PromptMessage is one rendered prompt message.
type PromptMessage struct {
	Role    string       `json:"role"`
	Content ContentBlock `json:"content"`
}

type cancelledParams struct {
	RequestID json.RawMessage `json:"requestId"`
	Reason    string          `json:"reason,omitempty"`
}

func marshalParams(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "encode params")
	}
	return data, nil
}
