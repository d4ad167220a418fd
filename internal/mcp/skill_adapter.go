package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/cockroachdb/errors"
)

// SkillAdapter exposes one discovered server tool as a generic host skill.
// It carries the discovery-time metadata snapshot and forwards execution to
// the registry, which applies the authorization hook.
type SkillAdapter struct {
	registry   *Registry
	serverName string
	toolName   string
	fullName   string
	desc       string
	schemaJSON json.RawMessage
}

func newSkillAdapter(registry *Registry, serverName string, def ToolDescriptor) SkillAdapter {
	toolName := strings.TrimSpace(def.Name)
	desc := strings.TrimSpace(def.Description)
	if desc == "" {
		desc = toolName
	}
	return SkillAdapter{
		registry:   registry,
		serverName: strings.TrimSpace(serverName),
		toolName:   toolName,
		fullName:   fmt.Sprintf("mcp.%s.%s", strings.TrimSpace(serverName), toolName),
		desc:       desc,
		schemaJSON: def.InputSchema,
	}
}

// Name returns the host-wide unique skill name.
func (a SkillAdapter) Name() string { return a.fullName }

// Description returns the tool description from discovery.
func (a SkillAdapter) Description() string { return a.desc }

// InputSchema returns the raw JSON schema for the tool arguments.
func (a SkillAdapter) InputSchema() json.RawMessage { return a.schemaJSON }

func (a SkillAdapter) Info(ctx context.Context) (*schema.ToolInfo, error) {
	extra := map[string]any{
		"provider": "mcp",
		"server":   a.serverName,
		"tool":     a.toolName,
	}
	if len(a.schemaJSON) > 0 {
		extra["input_schema"] = json.RawMessage(a.schemaJSON)
	}
	return &schema.ToolInfo{
		Name:  a.fullName,
		Desc:  a.desc,
		Extra: extra,
	}, nil
}

func (a SkillAdapter) InvokableRun(ctx context.Context, argsJSON string, opts ...tool.Option) (string, error) {
	if a.registry == nil {
		return "", errors.New("mcp registry is not configured")
	}
	return a.registry.CallTool(ctx, a.serverName, a.toolName, argsJSON)
}

// normalizeToolArgs turns caller-provided argument text into the raw JSON the
// wire call expects; empty input becomes an empty object.
func normalizeToolArgs(argsJSON string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(argsJSON)
	if trimmed == "" {
		return json.RawMessage("{}"), nil
	}
	if !json.Valid([]byte(trimmed)) {
		return nil, errors.Newf("invalid tool args json: %s", trimmed)
	}
	return json.RawMessage(trimmed), nil
}

// renderToolResult flattens a call result into the host's generic string
// result shape: text content first, then structured content, then raw JSON.
func renderToolResult(result CallToolResult) (string, error) {
	text := strings.TrimSpace(result.Text())
	if result.IsError {
		if text == "" {
			text = "mcp tool call failed"
		}
		return "", errors.New(text)
	}
	if text != "" {
		return text, nil
	}
	if len(result.StructuredContent) > 0 {
		return string(result.StructuredContent), nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return "", errors.Wrap(err, "encode tool result")
	}
	if out := strings.TrimSpace(string(data)); out != "" && out != "null" {
		return out, nil
	}
	return "(no output)", nil
}
