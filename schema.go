package mcp

// ServerCapabilities is the capability set the server declares in the initialize result.
type ServerCapabilities struct {
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
	Sampling  *SamplingCapability  `json:"sampling,omitempty"`
}

// PromptsCapability represents prompts-specific capabilities.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability represents resources-specific capabilities.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// ToolsCapability represents tools-specific capabilities.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability represents logging-specific capabilities.
type LoggingCapability struct{}

// SamplingCapability represents sampling-specific capabilities.
type SamplingCapability struct{}

// Info contains metadata about a server or client instance including its name and version.
type Info struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeParams are the params of the initialize method. Capabilities are kept as an
// opaque mapping and stored on the Session as sent.
type InitializeParams struct {
	ProtocolVersion string         `json:"protocolVersion,omitempty"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      Info           `json:"clientInfo"`
}

// InitializeResult is the result of the initialize method.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      Info               `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ShutdownResult is the fixed acknowledgement of the shutdown method.
type ShutdownResult struct {
	Status string `json:"status"`
}

const (
	// DefaultProtocolVersion is echoed in the initialize result when the client does not
	// send a protocolVersion.
	DefaultProtocolVersion = "2024-11-05"

	// ShutdownStatus is the status carried by ShutdownResult.
	ShutdownStatus = "shutting_down"

	// MethodPromptsList is the method the prompts capability is derived from.
	MethodPromptsList = "prompts/list"
	// MethodToolsList is the method the tools capability is derived from.
	MethodToolsList = "tools/list"
	// MethodResourcesList is the method the resources capability is derived from.
	MethodResourcesList = "resources/list"
	// MethodResourcesSubscribe marks the resources capability as supporting subscriptions.
	MethodResourcesSubscribe = "resources/subscribe"
)
