package mcp

import "encoding/json"

// LatestProtocolVersion is the newest protocol revision the gateway speaks.
const LatestProtocolVersion = "2025-06-18"

// SupportedProtocolVersions lists every revision accepted during initialize.
var SupportedProtocolVersions = []string{
	LatestProtocolVersion,
	"2025-03-26",
	"2024-11-05",
}

// ClientCapabilities advertises client features. The gateway never calls back
// into the client, so the values are only recorded.
type ClientCapabilities struct {
	Roots *struct {
		ListChanged bool `json:"listChanged"`
	} `json:"roots,omitempty"`
	Sampling    *struct{} `json:"sampling,omitempty"`
	Elicitation *struct{} `json:"elicitation,omitempty"`
}

// ServerCapabilities advertises server features.
type ServerCapabilities struct {
	Tools *ToolsCapability `json:"tools,omitempty"`
}

// ToolsCapability is the tools entry of ServerCapabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ImplementationInfo describes the implementation name and version.
type ImplementationInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Title   string `json:"title,omitzero"`
}

// ContentTypeText is the type of a text ContentBlock.
const ContentTypeText = "text"

// ContentBlock is a typed content part of a result.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Tool describes a callable tool. InputSchema is passed through verbatim from
// the catalogue.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// TextResult builds a single-block text result.
func TextResult(text string, isError bool) *CallToolResult {
	return &CallToolResult{
		Content: []ContentBlock{{Type: ContentTypeText, Text: text}},
		IsError: isError,
	}
}
