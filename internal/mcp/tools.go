package mcp

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/fourma/bikelocator/internal/locator"
)

// LatestProtocolVersion is offered when the client asks for a version this
// server does not know.
const LatestProtocolVersion = "2025-06-18"

var supportedProtocolVersions = []string{LatestProtocolVersion, "2025-03-26", "2024-11-05"}

// BikeFinder is the operation the find_bikes tool exposes.
type BikeFinder interface {
	FindBikes(ctx context.Context, query string) locator.Response
}

// Tool describes one callable tool in tools/list.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Content is one item of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// CallToolResult is the result of tools/call.
type CallToolResult struct {
	Content           []Content `json:"content"`
	StructuredContent any       `json:"structuredContent,omitempty"`
	IsError           bool      `json:"isError"`
}

const findBikesTool = "find_bikes"

var findBikes = Tool{
	Name:        findBikesTool,
	Description: "Find nearby shared bikes based on a location query. The query is a free-text campus place name, alias or abbreviation.",
	InputSchema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The location query string",
			},
		},
		"required": []string{"query"},
	},
}

// NewLocatorServer returns a Server exposing finder as the find_bikes tool.
func NewLocatorServer(finder BikeFinder, version string) *Server {
	s := NewServer()

	s.Register("initialize", func(_ context.Context, params json.RawMessage) (any, error) {
		var p struct {
			ProtocolVersion string `json:"protocolVersion"`
			ClientInfo      struct {
				Name    string `json:"name"`
				Version string `json:"version"`
			} `json:"clientInfo"`
		}
		if len(params) > 0 {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, invalidParams("invalid initialize params: %v", err)
			}
		}
		protocol := LatestProtocolVersion
		if slices.Contains(supportedProtocolVersions, p.ProtocolVersion) {
			protocol = p.ProtocolVersion
		}
		s.logger.Info("client connected", "client", p.ClientInfo.Name, "client_version", p.ClientInfo.Version, "protocol", protocol)
		return map[string]any{
			"protocolVersion": protocol,
			"capabilities": map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			"serverInfo": map[string]any{
				"name":    ServerName,
				"version": version,
			},
		}, nil
	})

	s.Register("notifications/initialized", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})

	s.Register("ping", func(context.Context, json.RawMessage) (any, error) {
		return struct{}{}, nil
	})

	s.Register("tools/list", func(context.Context, json.RawMessage) (any, error) {
		return map[string]any{"tools": []Tool{findBikes}}, nil
	})

	s.Register("tools/call", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, invalidParams("invalid tools/call params: %v", err)
		}
		if p.Name != findBikesTool {
			return nil, invalidParams("unknown tool: %s", p.Name)
		}

		var args struct {
			Query *string `json:"query"`
		}
		if len(p.Arguments) == 0 || json.Unmarshal(p.Arguments, &args) != nil || args.Query == nil {
			return nil, invalidParams("find_bikes requires a string argument 'query'")
		}

		resp := finder.FindBikes(locator.WithTransport(ctx, "mcp"), *args.Query)
		text, err := json.Marshal(resp)
		if err != nil {
			return nil, err
		}
		return CallToolResult{
			Content:           []Content{{Type: "text", Text: string(text)}},
			StructuredContent: resp,
		}, nil
	})

	return s
}
