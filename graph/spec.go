package graph

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/stepflow-ai/stepflow/types"
)

// SpecVersion is the current graph document version.
const SpecVersion = "1.0"

// supportedVersions lists the spec versions the normalizer accepts.
var supportedVersions = map[string]bool{
	"1":   true,
	"1.0": true,
}

// Builtin node type identifiers.
const (
	NodeTypeStart       = "start"
	NodeTypeEnd         = "end"
	NodeTypeTransform   = "transform"
	NodeTypeConditional = "conditional"
	NodeTypeLLM         = "llm"
	NodeTypeTool        = "tool"
	NodeTypeHumanInput  = "human_input"
	NodeTypeApproval    = "approval"
	NodeTypeParallel    = "parallel"
)

// InteractionNodeTypes are the node types that must suspend the run and
// wait for external input before executing.
var InteractionNodeTypes = map[string]bool{
	NodeTypeHumanInput: true,
	NodeTypeApproval:   true,
}

// GraphSpec is the author-facing declarative description of a workflow.
type GraphSpec struct {
	SpecVersion string `json:"spec_version" yaml:"spec_version"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Nodes       []Node `json:"nodes" yaml:"nodes"`
	Edges       []Edge `json:"edges" yaml:"edges"`
}

// Node is a single typed step in a graph document.
type Node struct {
	ID            string            `json:"id" yaml:"id"`
	Type          string            `json:"type" yaml:"type"`
	Name          string            `json:"name,omitempty" yaml:"name,omitempty"`
	Config        map[string]any    `json:"config,omitempty" yaml:"config,omitempty"`
	InputMappings map[string]string `json:"input_mappings,omitempty" yaml:"input_mappings,omitempty"`
	Position      *Position         `json:"position,omitempty" yaml:"position,omitempty"`
}

// DisplayName returns the node name, falling back to its ID.
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Edge is a directed connection between two nodes. SourceHandle carries the
// branch label for conditional routing.
type Edge struct {
	ID           string `json:"id,omitempty" yaml:"id,omitempty"`
	Source       string `json:"source" yaml:"source"`
	Target       string `json:"target" yaml:"target"`
	SourceHandle string `json:"source_handle,omitempty" yaml:"source_handle,omitempty"`
	TargetHandle string `json:"target_handle,omitempty" yaml:"target_handle,omitempty"`
}

// Position is the editor placement of a node. The engine ignores it.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// legacyFields maps alternate field spellings from older documents to their
// canonical snake_case names. Translation happens once, in Normalize.
var legacyFields = map[string]string{
	"specVersion":   "spec_version",
	"inputMappings": "input_mappings",
	"sourceHandle":  "source_handle",
	"targetHandle":  "target_handle",
}

// ParseJSON decodes and normalizes a JSON graph document.
func ParseJSON(data []byte) (*GraphSpec, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, types.NewError(types.ErrSchema, "invalid graph document").WithCause(err)
	}
	return Normalize(doc)
}

// ParseYAML decodes and normalizes a YAML graph document.
func ParseYAML(data []byte) (*GraphSpec, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, types.NewError(types.ErrSchema, "invalid graph document").WithCause(err)
	}
	return Normalize(normalizeKeys(doc))
}

// Normalize turns a raw graph document into a canonical GraphSpec. It is a
// pure function: no I/O, no mutation of the input. Legacy field spellings
// are rewritten to canonical names before shape validation.
func Normalize(doc map[string]any) (*GraphSpec, error) {
	doc = migrateLegacy(doc)

	version, _ := doc["spec_version"].(string)
	if version == "" {
		return nil, types.NewError(types.ErrSchema, "spec_version is required")
	}
	if !supportedVersions[version] {
		return nil, types.NewError(types.ErrSpecVersion,
			fmt.Sprintf("unsupported spec_version %q", version))
	}

	spec := &GraphSpec{
		SpecVersion: version,
		Name:        stringField(doc, "name"),
	}

	rawNodes, err := sequenceField(doc, "nodes")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(rawNodes))
	for i, raw := range rawNodes {
		node, err := normalizeNode(raw, i)
		if err != nil {
			return nil, err
		}
		if seen[node.ID] {
			return nil, types.NewError(types.ErrSchema,
				fmt.Sprintf("duplicate node id %q", node.ID))
		}
		seen[node.ID] = true
		spec.Nodes = append(spec.Nodes, node)
	}

	rawEdges, err := sequenceField(doc, "edges")
	if err != nil {
		return nil, err
	}
	for i, raw := range rawEdges {
		edge, err := normalizeEdge(raw, i)
		if err != nil {
			return nil, err
		}
		if !seen[edge.Source] {
			return nil, types.NewError(types.ErrSchema,
				fmt.Sprintf("edge %s references unknown source node %q", edge.ID, edge.Source))
		}
		if !seen[edge.Target] {
			return nil, types.NewError(types.ErrSchema,
				fmt.Sprintf("edge %s references unknown target node %q", edge.ID, edge.Target))
		}
		spec.Edges = append(spec.Edges, edge)
	}

	return spec, nil
}

func normalizeNode(raw map[string]any, index int) (Node, error) {
	node := Node{
		ID:   stringField(raw, "id"),
		Type: stringField(raw, "type"),
		Name: stringField(raw, "name"),
	}
	if node.ID == "" {
		return Node{}, types.NewError(types.ErrSchema,
			fmt.Sprintf("node at index %d has no id", index))
	}
	if node.Type == "" {
		return Node{}, types.NewError(types.ErrSchema,
			fmt.Sprintf("node %q has no type", node.ID))
	}
	if cfg, ok := raw["config"].(map[string]any); ok {
		node.Config = cfg
	}
	if mappings, ok := raw["input_mappings"].(map[string]any); ok {
		node.InputMappings = make(map[string]string, len(mappings))
		for k, v := range mappings {
			s, sOK := v.(string)
			if !sOK {
				return Node{}, types.NewError(types.ErrSchema,
					fmt.Sprintf("node %q input mapping %q is not a string", node.ID, k))
			}
			node.InputMappings[k] = s
		}
	}
	if pos, ok := raw["position"].(map[string]any); ok {
		node.Position = &Position{X: floatField(pos, "x"), Y: floatField(pos, "y")}
	}
	return node, nil
}

func normalizeEdge(raw map[string]any, index int) (Edge, error) {
	edge := Edge{
		ID:           stringField(raw, "id"),
		Source:       stringField(raw, "source"),
		Target:       stringField(raw, "target"),
		SourceHandle: stringField(raw, "source_handle"),
		TargetHandle: stringField(raw, "target_handle"),
	}
	if edge.ID == "" {
		edge.ID = fmt.Sprintf("edge_%d", index)
	}
	if edge.Source == "" || edge.Target == "" {
		return Edge{}, types.NewError(types.ErrSchema,
			fmt.Sprintf("edge %s must have both source and target", edge.ID))
	}
	return edge, nil
}

// migrateLegacy rewrites alternate field spellings recursively on the
// document and its node/edge entries.
func migrateLegacy(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if canonical, ok := legacyFields[k]; ok {
			k = canonical
		}
		if nested, ok := v.(map[string]any); ok {
			v = migrateLegacy(nested)
		}
		if seq, ok := v.([]any); ok {
			migrated := make([]any, len(seq))
			for i, item := range seq {
				if m, mOK := item.(map[string]any); mOK {
					migrated[i] = migrateLegacy(m)
				} else {
					migrated[i] = item
				}
			}
			v = migrated
		}
		out[k] = v
	}
	return out
}

func sequenceField(doc map[string]any, key string) ([]map[string]any, error) {
	raw, ok := doc[key]
	if !ok || raw == nil {
		return nil, nil
	}
	seq, ok := raw.([]any)
	if !ok {
		return nil, types.NewError(types.ErrSchema, fmt.Sprintf("%s must be a sequence", key))
	}
	out := make([]map[string]any, 0, len(seq))
	for i, item := range seq {
		m, mOK := item.(map[string]any)
		if !mOK {
			return nil, types.NewError(types.ErrSchema,
				fmt.Sprintf("%s[%d] must be a mapping", key, i))
		}
		out = append(out, m)
	}
	return out, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func floatField(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// normalizeKeys converts YAML's map[any]any containers into map[string]any
// so the normalizer sees a uniform document shape.
func normalizeKeys(v any) map[string]any {
	out, _ := normalizeValue(v).(map[string]any)
	return out
}

func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = normalizeValue(item)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[fmt.Sprintf("%v", k)] = normalizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
