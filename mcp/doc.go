// Package mcp contains the Model Context Protocol wire types the gateway
// speaks: method names, the initialize handshake, tool listings and tool call
// results. It carries no transport logic; streaminghttp frames these types and
// internal/engine produces them.
//
// # Method Names
//
// JSON-RPC method and notification names are enumerated as Method constants
// (e.g. ToolsListMethod).
//
// # Tool Results
//
// Gateway tool calls always produce a CallToolResult with a single text
// content block. Upstream and caller failures set IsError rather than failing
// the JSON-RPC request, so clients can show the message to a model:
//
//	res := &mcp.CallToolResult{
//	    Content: []mcp.ContentBlock{{Type: mcp.ContentTypeText, Text: "hello"}},
//	}
//
// # Compatibility
//
// LatestProtocolVersion is the protocol revision offered when a client asks
// for one the gateway does not know.
package mcp
