// Package mcp defines the injected capability interface the run engine uses
// to reach Model Context Protocol tool servers (spec §9: "the core treats
// the MCP client as an injected capability ... the core need not be
// MCP-aware beyond the namespace__tool split"). Spawning/lifecycle-managing
// the child processes is explicitly out of core scope; NoopClient is the
// zero-value collaborator a deployment without any configured MCP servers
// wires in.
package mcp

import (
	"context"
	"fmt"
	"strings"
)

// ToolDescriptor is one tool an MCP server advertises.
type ToolDescriptor struct {
	NamespacedName string // "<server>__<tool>"
	Schema         map[string]any
}

// Client is the capability the run engine depends on. Implementations spawn
// and supervise MCP server subprocesses; the core only calls these two
// methods.
type Client interface {
	GetToolList(ctx context.Context) ([]ToolDescriptor, error)
	Call(ctx context.Context, namespacedName string, args map[string]any) (result string, isError bool, err error)
}

// Split divides a namespaced tool name on the MCP delimiter. ok is false for
// a built-in (non-MCP) tool name.
func Split(namespacedName string) (server, tool string, ok bool) {
	parts := strings.SplitN(namespacedName, "__", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// NoopClient is the default Client when no MCP servers are configured: it
// advertises no tools and fails any call.
type NoopClient struct{}

func (NoopClient) GetToolList(ctx context.Context) ([]ToolDescriptor, error) { return nil, nil }

func (NoopClient) Call(ctx context.Context, namespacedName string, args map[string]any) (string, bool, error) {
	return "", true, fmt.Errorf("no MCP client configured for %s", namespacedName)
}
