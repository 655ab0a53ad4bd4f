package llm

import "github.com/google/jsonschema-go/jsonschema"

// ToolDeclaration describes a tool the model may call. The runtime treats
// the schema opaquely: tools are matched by name for provider compatibility,
// and the declaration is forwarded to providers that support tool calling.
// Execution belongs to the external tool layer.
type ToolDeclaration struct {
	Name        string
	Description string
	Parameters  *jsonschema.Schema
}

// ToolCall is a tool invocation requested by the model, normalized from the
// provider's native shape. The runtime forwards it to the presentation/tool
// layer as a tool-call event; it does not execute anything.
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}
