package graph

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Validation issue codes.
const (
	IssueUnsupportedVersion = "unsupported_spec_version"
	IssueMissingStart       = "missing_start_node"
	IssueMultipleStart      = "multiple_start_nodes"
	IssueUnknownNodeType    = "unknown_node_type"
	IssueInvalidNodeConfig  = "invalid_node_config"
	IssueMissingHandle      = "conditional_edge_missing_source_handle"
	IssueDuplicateHandle    = "duplicate_branch_handle"
	IssueInvalidHandle      = "invalid_branch_handle"
	IssueMissingBranchEdges = "missing_branch_edges"
	IssueMissingEnd         = "missing_end_node"
	IssueUnreachableNode    = "unreachable_node"
	IssueNoExitReachable    = "no_exit_reachable"
)

// ValidationIssue is a single problem found while validating a GraphSpec.
// Issue order is stable across runs: nodes are visited in spec order and
// rules fire in a fixed sequence, so test assertions can rely on it.
type ValidationIssue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	NodeID   string   `json:"node_id,omitempty"`
	Message  string   `json:"message"`
}

func (i ValidationIssue) String() string {
	if i.NodeID != "" {
		return fmt.Sprintf("%s: %s (node %s)", i.Severity, i.Message, i.NodeID)
	}
	return fmt.Sprintf("%s: %s", i.Severity, i.Message)
}

// CompileError aggregates every validation issue of a failed compile.
// Compilation never surfaces problems one at a time.
type CompileError struct {
	Issues []ValidationIssue
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	msgs := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		if issue.Severity == SeverityError {
			msgs = append(msgs, issue.Message)
		}
	}
	return fmt.Sprintf("graph validation failed: %s", strings.Join(msgs, "; "))
}

// CompileOptions carries per-agent compile inputs beyond the spec itself.
type CompileOptions struct {
	// MemoryConfig is merged into the initial context of every run of the
	// compiled graph. The compiler records it; the engine applies it.
	MemoryConfig map[string]any

	// MaxSteps bounds the number of node executions per run. Zero selects
	// the default.
	MaxSteps int
}

// DefaultMaxSteps bounds runaway graphs when no constraint is configured.
const DefaultMaxSteps = 256

// Compiler validates graph specs and lowers them into GraphIR.
type Compiler struct {
	registry *Registry
	logger   *zap.Logger
}

// NewCompiler creates a compiler bound to an executor registry.
func NewCompiler(registry *Registry, logger *zap.Logger) *Compiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Compiler{
		registry: registry,
		logger:   logger.With(zap.String("component", "graph_compiler")),
	}
}

// Validate checks a normalized GraphSpec against all structural and
// branch-completeness rules. Every issue is collected; validation never
// short-circuits on the first problem.
func (c *Compiler) Validate(spec *GraphSpec) []ValidationIssue {
	var issues []ValidationIssue

	if !supportedVersions[spec.SpecVersion] {
		issues = append(issues, ValidationIssue{
			Severity: SeverityError,
			Code:     IssueUnsupportedVersion,
			Message:  fmt.Sprintf("unsupported spec_version %q", spec.SpecVersion),
		})
	}

	issues = append(issues, c.validateStartEnd(spec)...)
	issues = append(issues, c.validateNodeTypes(spec)...)
	issues = append(issues, c.validateBranches(spec)...)
	issues = append(issues, c.validateReachability(spec)...)

	return issues
}

func (c *Compiler) validateStartEnd(spec *GraphSpec) []ValidationIssue {
	var issues []ValidationIssue

	var starts, ends []string
	for _, node := range spec.Nodes {
		switch node.Type {
		case NodeTypeStart:
			starts = append(starts, node.ID)
		case NodeTypeEnd:
			ends = append(ends, node.ID)
		}
	}

	switch {
	case len(starts) == 0:
		issues = append(issues, ValidationIssue{
			Severity: SeverityError,
			Code:     IssueMissingStart,
			Message:  "graph must have exactly one start node",
		})
	case len(starts) > 1:
		issues = append(issues, ValidationIssue{
			Severity: SeverityError,
			Code:     IssueMultipleStart,
			Message:  fmt.Sprintf("graph has %d start nodes: %s", len(starts), strings.Join(starts, ", ")),
		})
	}

	if len(ends) == 0 {
		issues = append(issues, ValidationIssue{
			Severity: SeverityWarning,
			Code:     IssueMissingEnd,
			Message:  "graph has no end node",
		})
	}

	return issues
}

func (c *Compiler) validateNodeTypes(spec *GraphSpec) []ValidationIssue {
	var issues []ValidationIssue

	for _, node := range spec.Nodes {
		factory, ok := c.registry.Executor(node.Type)
		if !ok {
			issues = append(issues, ValidationIssue{
				Severity: SeverityError,
				Code:     IssueUnknownNodeType,
				NodeID:   node.ID,
				Message:  fmt.Sprintf("no executor registered for node type %q", node.Type),
			})
			continue
		}

		result := factory(c.logger).ValidateConfig(node.Config)
		if !result.Valid {
			for _, msg := range result.Errors {
				issues = append(issues, ValidationIssue{
					Severity: SeverityError,
					Code:     IssueInvalidNodeConfig,
					NodeID:   node.ID,
					Message:  fmt.Sprintf("invalid config for node %q: %s", node.ID, msg),
				})
			}
		}
	}

	return issues
}

func (c *Compiler) validateBranches(spec *GraphSpec) []ValidationIssue {
	var issues []ValidationIssue
	outgoing := groupEdges(spec)

	for _, node := range spec.Nodes {
		edges := outgoing[node.ID]

		// Branching requires every edge to be labeled, or branch selection
		// would be nondeterministic.
		if len(edges) > 1 {
			for _, edge := range edges {
				if edge.SourceHandle == "" {
					issues = append(issues, ValidationIssue{
						Severity: SeverityError,
						Code:     IssueMissingHandle,
						NodeID:   node.ID,
						Message:  fmt.Sprintf("conditional edge missing source_handle on edge %s from node %q", edge.ID, node.ID),
					})
				}
			}
		}

		seen := make(map[string]bool)
		for _, edge := range edges {
			if edge.SourceHandle == "" {
				continue
			}
			if seen[edge.SourceHandle] {
				issues = append(issues, ValidationIssue{
					Severity: SeverityError,
					Code:     IssueDuplicateHandle,
					NodeID:   node.ID,
					Message:  fmt.Sprintf("duplicate branch handle %q on node %q", edge.SourceHandle, node.ID),
				})
			}
			seen[edge.SourceHandle] = true
		}

		entry, ok := c.registry.Entry(node.Type)
		if !ok {
			continue
		}

		if entry.AllowedHandles != nil {
			allowed := make(map[string]bool, len(entry.AllowedHandles))
			for _, h := range entry.AllowedHandles {
				allowed[h] = true
			}
			for _, edge := range edges {
				if edge.SourceHandle != "" && !allowed[edge.SourceHandle] {
					issues = append(issues, ValidationIssue{
						Severity: SeverityError,
						Code:     IssueInvalidHandle,
						NodeID:   node.ID,
						Message:  fmt.Sprintf("invalid branch handle %q on node %q (allowed: %s)", edge.SourceHandle, node.ID, strings.Join(entry.AllowedHandles, ", ")),
					})
				}
			}
		}

		if len(entry.RequiredHandles) > 0 {
			var missing []string
			for _, h := range entry.RequiredHandles {
				if !seen[h] {
					missing = append(missing, h)
				}
			}
			if len(missing) > 0 {
				issues = append(issues, ValidationIssue{
					Severity: SeverityError,
					Code:     IssueMissingBranchEdges,
					NodeID:   node.ID,
					Message:  fmt.Sprintf("Missing branch edges for handles: %s on node %q", strings.Join(missing, ", "), node.ID),
				})
			}
		}
	}

	return issues
}

func (c *Compiler) validateReachability(spec *GraphSpec) []ValidationIssue {
	var issues []ValidationIssue

	var entry string
	exits := make(map[string]bool)
	for _, node := range spec.Nodes {
		if node.Type == NodeTypeStart && entry == "" {
			entry = node.ID
		}
		if node.Type == NodeTypeEnd {
			exits[node.ID] = true
		}
	}
	if entry == "" {
		return nil // already reported as a missing-start error
	}

	forward := make(map[string][]string)
	reverse := make(map[string][]string)
	for _, edge := range spec.Edges {
		forward[edge.Source] = append(forward[edge.Source], edge.Target)
		reverse[edge.Target] = append(reverse[edge.Target], edge.Source)
	}

	fromEntry := walk(entry, forward)
	toExit := make(map[string]bool)
	for exit := range exits {
		for id := range walk(exit, reverse) {
			toExit[id] = true
		}
	}

	// Dead branches are tolerated during editing, so both checks warn
	// rather than fail the compile.
	for _, node := range spec.Nodes {
		if !fromEntry[node.ID] {
			issues = append(issues, ValidationIssue{
				Severity: SeverityWarning,
				Code:     IssueUnreachableNode,
				NodeID:   node.ID,
				Message:  fmt.Sprintf("node %q is unreachable from the start node", node.ID),
			})
			continue
		}
		if len(exits) > 0 && !toExit[node.ID] {
			issues = append(issues, ValidationIssue{
				Severity: SeverityWarning,
				Code:     IssueNoExitReachable,
				NodeID:   node.ID,
				Message:  fmt.Sprintf("no exit node is reachable from node %q", node.ID),
			})
		}
	}

	return issues
}

// Compile validates the spec and lowers it into an immutable GraphIR.
// Any error-severity issue aborts compilation with a CompileError carrying
// the complete issue list.
func (c *Compiler) Compile(agentID string, version int, spec *GraphSpec, opts CompileOptions) (*GraphIR, error) {
	issues := c.Validate(spec)
	for _, issue := range issues {
		if issue.Severity == SeverityError {
			c.logger.Warn("graph failed validation",
				zap.String("agent_id", agentID),
				zap.Int("version", version),
				zap.Int("issues", len(issues)),
			)
			return nil, &CompileError{Issues: issues}
		}
	}

	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}

	ir := &GraphIR{
		agentID:         agentID,
		version:         version,
		exitNodes:       make(map[string]bool),
		nodes:           make(map[string]Node, len(spec.Nodes)),
		adjacency:       make(map[string][]Edge),
		routingMaps:     make(map[string]RoutingMap),
		interruptBefore: make(map[string]bool),
		maxSteps:        maxSteps,
		memoryConfig:    opts.MemoryConfig,
	}

	for _, node := range spec.Nodes {
		ir.nodes[node.ID] = node
		ir.nodeOrder = append(ir.nodeOrder, node.ID)
		if node.Type == NodeTypeStart {
			ir.entryPoint = node.ID
		}
		if node.Type == NodeTypeEnd {
			ir.exitNodes[node.ID] = true
		}
		if c.registry.Interactive(node.Type) {
			ir.interruptBefore[node.ID] = true
		}
	}

	for _, edge := range spec.Edges {
		ir.adjacency[edge.Source] = append(ir.adjacency[edge.Source], edge)
	}

	// Routing maps exist only for nodes whose edges carry handles. Handle
	// insertion order follows edge order in the original spec.
	for _, id := range ir.nodeOrder {
		edges := ir.adjacency[id]
		branching := false
		for _, edge := range edges {
			if edge.SourceHandle != "" {
				branching = true
				break
			}
		}
		if !branching {
			continue
		}
		rm := RoutingMap{targets: make(map[string]string, len(edges))}
		for _, edge := range edges {
			if edge.SourceHandle == "" {
				continue
			}
			rm.handles = append(rm.handles, edge.SourceHandle)
			rm.targets[edge.SourceHandle] = edge.Target
		}
		ir.routingMaps[id] = rm
	}

	c.logger.Info("graph compiled",
		zap.String("agent_id", agentID),
		zap.Int("version", version),
		zap.Int("nodes", len(spec.Nodes)),
		zap.Int("edges", len(spec.Edges)),
		zap.Int("interrupt_nodes", len(ir.interruptBefore)),
	)

	return ir, nil
}

func groupEdges(spec *GraphSpec) map[string][]Edge {
	out := make(map[string][]Edge)
	for _, edge := range spec.Edges {
		out[edge.Source] = append(out[edge.Source], edge)
	}
	return out
}

func walk(start string, edges map[string][]string) map[string]bool {
	visited := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, next := range edges[current] {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}
	return visited
}
