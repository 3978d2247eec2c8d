package graph

// RoutingMap is the per-node table from outgoing edge handle to target
// node, present only for nodes with branching edges.
type RoutingMap struct {
	handles []string
	targets map[string]string
}

// Handles returns the branch handles in edge insertion order.
func (m RoutingMap) Handles() []string {
	out := make([]string, len(m.handles))
	copy(out, m.handles)
	return out
}

// Target resolves a handle to its target node.
func (m RoutingMap) Target(handle string) (string, bool) {
	target, ok := m.targets[handle]
	return target, ok
}

// GraphIR is the compiled, immutable routing representation of a graph.
// It is derived solely from a validated GraphSpec and never mutated after
// compilation; a new compile produces a new GraphIR.
type GraphIR struct {
	agentID         string
	version         int
	entryPoint      string
	exitNodes       map[string]bool
	nodes           map[string]Node
	nodeOrder       []string
	adjacency       map[string][]Edge
	routingMaps     map[string]RoutingMap
	interruptBefore map[string]bool
	maxSteps        int
	memoryConfig    map[string]any
}

// MemoryConfig returns the compile-time memory configuration the engine
// merges into the initial context of each run.
func (ir *GraphIR) MemoryConfig() map[string]any {
	out := make(map[string]any, len(ir.memoryConfig))
	for k, v := range ir.memoryConfig {
		out[k] = v
	}
	return out
}

// AgentID returns the owning agent identifier.
func (ir *GraphIR) AgentID() string { return ir.agentID }

// Version returns the agent definition version this IR was compiled for.
func (ir *GraphIR) Version() int { return ir.version }

// EntryPoint returns the node the step loop starts from.
func (ir *GraphIR) EntryPoint() string { return ir.entryPoint }

// MaxSteps returns the execution constraint on node steps per run.
func (ir *GraphIR) MaxSteps() int { return ir.maxSteps }

// Node returns a node by ID.
func (ir *GraphIR) Node(id string) (Node, bool) {
	node, ok := ir.nodes[id]
	return node, ok
}

// NodeIDs returns node IDs in original spec order.
func (ir *GraphIR) NodeIDs() []string {
	out := make([]string, len(ir.nodeOrder))
	copy(out, ir.nodeOrder)
	return out
}

// Outgoing returns a node's outgoing edges in spec insertion order.
func (ir *GraphIR) Outgoing(id string) []Edge {
	edges := ir.adjacency[id]
	out := make([]Edge, len(edges))
	copy(out, edges)
	return out
}

// RoutingMap returns the branch routing table for a node, if it has one.
func (ir *GraphIR) RoutingMap(id string) (RoutingMap, bool) {
	m, ok := ir.routingMaps[id]
	return m, ok
}

// IsExit reports whether the node is an exit node.
func (ir *GraphIR) IsExit(id string) bool {
	return ir.exitNodes[id]
}

// InterruptsBefore reports whether the run must suspend before executing
// the node, pending external input.
func (ir *GraphIR) InterruptsBefore(id string) bool {
	return ir.interruptBefore[id]
}

// InterruptNodes returns the interrupt node IDs in spec order.
func (ir *GraphIR) InterruptNodes() []string {
	var out []string
	for _, id := range ir.nodeOrder {
		if ir.interruptBefore[id] {
			out = append(out, id)
		}
	}
	return out
}
