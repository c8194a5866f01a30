package tools

import (
	"fmt"
	"sort"
	"sync"

	"github.com/agentsmithy/agentsmithy/pkg/llms"
)

// Registry is the stable dispatch map from tool name to implementation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds a registry holding the standard tool set wired to
// one dialog's context.
func NewRegistry(tc *ToolContext) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, tool := range []Tool{
		NewReadFileTool(tc),
		NewWriteFileTool(tc),
		NewReplaceInFileTool(tc),
		NewDeleteFileTool(tc),
		NewListFilesTool(tc),
		NewSearchFilesTool(tc),
		NewRunCommandTool(tc),
		NewWebSearchTool(tc),
		NewWebFetchTool(tc),
		NewGetToolResultTool(tc),
		NewGenerateDialogTitleTool(tc),
	} {
		r.tools[tool.GetName()] = tool
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.GetName()] = tool
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool %s not found", name)
	}
	return tool, nil
}

// List returns tool infos sorted by name.
func (r *Registry) List() []ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	infos := make([]ToolInfo, 0, len(r.tools))
	for _, tool := range r.tools {
		infos = append(infos, tool.GetInfo())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Definitions renders the registry as OpenAI function definitions.
func (r *Registry) Definitions() []llms.ToolDefinition {
	infos := r.List()
	defs := make([]llms.ToolDefinition, len(infos))
	for i, info := range infos {
		defs[i] = llms.ToolDefinition{
			Name:        info.Name,
			Description: info.Description,
			Parameters:  schemaFromParameters(info.Parameters),
		}
	}
	return defs
}

// Kind returns a tool's concurrency kind, defaulting to read.
func (r *Registry) Kind(name string) string {
	tool, err := r.Get(name)
	if err != nil {
		return KindRead
	}
	if kind := tool.GetInfo().Kind; kind != "" {
		return kind
	}
	return KindRead
}

func schemaFromParameters(params []ToolParameter) map[string]any {
	properties := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
