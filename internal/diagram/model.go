package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStep     NodeKind = "step"
	NodeKindApproval NodeKind = "approval"
	NodeKindTrigger  NodeKind = "trigger"
	NodeKindAction   NodeKind = "action"
	NodeKindExec     NodeKind = "exec"
	NodeKindPrompt   NodeKind = "prompt"
	NodeKindMCP      NodeKind = "mcp"
	NodeKindStart    NodeKind = "start"
	NodeKindEnd      NodeKind = "end"
)

// Runtime overlays.
const (
	StatusCurrent   = "current"
	StatusWaiting   = "waiting"
	StatusDisabled  = "disabled"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	StatusPending   = "pending"
)

// DiagramModel is the intermediate representation used by all renderers.
type DiagramModel struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is one step, trigger or action.
type Node struct {
	ID     string
	Label  string
	Detail []string
	Kind   NodeKind
	Status string
}

// Edge is a transition or sequence link. Label holds the condition, if any.
type Edge struct {
	From  string
	To    string
	Label string
}

// Outgoing returns the edges leaving id in model order.
func (m *DiagramModel) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range m.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Node returns the node with id, or nil.
func (m *DiagramModel) Node(id string) *Node {
	for _, n := range m.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
