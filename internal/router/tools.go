package router

import (
	"fmt"
	"maps"
	"slices"

	"github.com/goccy/go-json"
	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/wagiedev/ida-proxy-mcp/internal/errors"
)

// Session tools are answered by the proxy itself.
const (
	ToolOpen    = "idalib_open"
	ToolClose   = "idalib_close"
	ToolSwitch  = "idalib_switch"
	ToolList    = "idalib_list"
	ToolCurrent = "idalib_current"
)

const sessionArgDescription = "Session ID to run this tool against. Defaults to the current session."

// IsSessionTool reports whether name is handled by the proxy rather than
// forwarded to a backend.
func IsSessionTool(name string) bool {
	switch name {
	case ToolOpen, ToolClose, ToolSwitch, ToolList, ToolCurrent:
		return true
	default:
		return false
	}
}

// SessionTools returns the proxy's own tool definitions.
func SessionTools() []*mcp.Tool {
	openSchema := ObjectSchema(map[string]*jsonschema.Schema{
		"input_path": {
			Type:        "string",
			Description: "Path to the binary file to analyze",
		},
		"run_auto_analysis": {
			Type:        "boolean",
			Description: "Run IDA auto-analysis (default: true)",
			Default:     []byte("true"),
		},
	}, "input_path")

	sessionIDSchema := func(description string) *jsonschema.Schema {
		return ObjectSchema(map[string]*jsonschema.Schema{
			"session_id": {Type: "string", Description: description},
		}, "session_id")
	}

	return []*mcp.Tool{
		NewTool(ToolOpen, "Open a binary file for analysis. Creates a new session and makes it current.", openSchema),
		NewTool(ToolClose, "Close a session and release its resources.", sessionIDSchema("Session ID to close")),
		NewTool(ToolSwitch, "Switch to a different session.", sessionIDSchema("Session ID to switch to")),
		NewTool(ToolList, "List all open sessions.", ObjectSchema(nil)),
		NewTool(ToolCurrent, "Get the current active session.", ObjectSchema(nil)),
	}
}

// WithSessionArg returns a copy of a backend tool whose input schema also
// accepts the session routing argument.
func WithSessionArg(tool *mcp.Tool) (*mcp.Tool, error) {
	schema := &jsonschema.Schema{}

	if tool.InputSchema != nil {
		data, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("encode %s input schema: %w", tool.Name, err)
		}

		if err := json.Unmarshal(data, schema); err != nil {
			return nil, fmt.Errorf("decode %s input schema: %w", tool.Name, err)
		}
	}

	if schema.Type == "" {
		schema.Type = "object"
	}

	if schema.Type != "object" {
		return nil, fmt.Errorf("tool %s input schema has type %q, want object", tool.Name, schema.Type)
	}

	props := make(map[string]*jsonschema.Schema, len(schema.Properties)+1)
	maps.Copy(props, schema.Properties)
	props[SessionArg] = &jsonschema.Schema{Type: "string", Description: sessionArgDescription}
	schema.Properties = props

	schema.Required = slices.DeleteFunc(slices.Clone(schema.Required), func(name string) bool {
		return name == SessionArg
	})

	clone := *tool
	clone.InputSchema = schema

	return &clone, nil
}

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(props map[string]*jsonschema.Schema, required ...string) *jsonschema.Schema {
	if props == nil {
		props = map[string]*jsonschema.Schema{}
	}

	return &jsonschema.Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}
}

// NewTool creates an mcp.Tool with the given parameters.
func NewTool(name, description string, inputSchema *jsonschema.Schema) *mcp.Tool {
	return &mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
	}
}

// JSONResult renders v as indented JSON text and also attaches it as
// structured content.
func JSONResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return ErrorResult(fmt.Errorf("encode result: %w", err), "", "")
	}

	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(data)}},
		StructuredContent: v,
	}
}

// ErrorResult reports err as a tool error. The structured content carries
// the error kind so clients can tell a stale session id from a dead backend
// or a full pool.
func ErrorResult(err error, session, tool string) *mcp.CallToolResult {
	body := map[string]any{
		"success": false,
		"error":   err.Error(),
		"kind":    string(errors.KindOf(err)),
	}

	if session != "" {
		body["session"] = session
	}

	if tool != "" {
		body["tool"] = tool
	}

	data, marshalErr := json.Marshal(body)
	if marshalErr != nil {
		data = []byte(err.Error())
	}

	return &mcp.CallToolResult{
		Content:           []mcp.Content{&mcp.TextContent{Text: string(data)}},
		StructuredContent: body,
		IsError:           true,
	}
}
