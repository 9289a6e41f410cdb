package diagram

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/rendis/hookflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// BuildWorkflow maps a workflow definition to a model. Step workflows become
// a state graph of steps and transitions; lifecycle workflows become one chain
// of actions per trigger. A non-nil st marks the session's current step.
func BuildWorkflow(def *schema.WorkflowDefinition, st *schema.WorkflowState) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil workflow")
	}
	if def.Type == schema.WorkflowTypeLifecycle {
		return buildLifecycle(def), nil
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("diagram: workflow %s has no steps", def.Name)
	}

	model := &DiagramModel{Title: def.Name}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})
	model.Edges = append(model.Edges, Edge{From: startID, To: def.Steps[0].Name})

	for i := range def.Steps {
		step := &def.Steps[i]
		node := &Node{
			ID:     step.Name,
			Label:  step.Name,
			Detail: stepDetail(step),
			Kind:   NodeKindStep,
			Status: stepStatus(def.Name, step.Name, st),
		}
		if step.Approval != nil {
			node.Kind = NodeKindApproval
		}
		model.Nodes = append(model.Nodes, node)
		for _, tr := range step.Transitions {
			model.Edges = append(model.Edges, Edge{From: step.Name, To: tr.NextStep, Label: tr.Condition})
		}
	}
	return model, nil
}

func stepStatus(workflow, step string, st *schema.WorkflowState) string {
	if st == nil || st.WorkflowName != workflow || st.Step != step {
		return ""
	}
	switch {
	case st.Disabled:
		return StatusDisabled
	case st.ApprovalPending:
		return StatusWaiting
	default:
		return StatusCurrent
	}
}

func stepDetail(step *schema.WorkflowStep) []string {
	var out []string
	if !step.AllowedTools.All {
		out = append(out, "allow: "+strings.Join(step.AllowedTools.Names, ", "))
	}
	if len(step.BlockedTools) > 0 {
		out = append(out, "block: "+strings.Join(step.BlockedTools, ", "))
	}
	if n := len(step.Rules); n > 0 {
		out = append(out, fmt.Sprintf("%d rules", n))
	}
	if step.Approval != nil {
		out = append(out, "approval: "+step.Approval.Condition)
	}
	return out
}

func buildLifecycle(def *schema.WorkflowDefinition) *DiagramModel {
	model := &DiagramModel{Title: fmt.Sprintf("%s (priority %d)", def.Name, def.DefaultPriority())}

	events := make([]string, 0, len(def.Triggers))
	for ev := range def.Triggers {
		events = append(events, ev)
	}
	sort.Strings(events)

	for _, ev := range events {
		trigger := "trigger_" + ev
		model.Nodes = append(model.Nodes, &Node{ID: trigger, Label: ev, Kind: NodeKindTrigger})
		prev := trigger
		for i, act := range def.Triggers[ev] {
			id := fmt.Sprintf("%s_%d", ev, i)
			model.Nodes = append(model.Nodes, &Node{ID: id, Label: act.Action, Kind: NodeKindAction})
			model.Edges = append(model.Edges, Edge{From: prev, To: id})
			prev = id
		}
	}
	return model
}

// BuildPipeline maps a pipeline to a linear model. A non-nil exec overlays
// each step's outcome.
func BuildPipeline(def *schema.PipelineDefinition, exec *schema.PipelineExecution) (*DiagramModel, error) {
	if def == nil {
		return nil, fmt.Errorf("diagram: nil pipeline")
	}
	title := def.Name
	if exec != nil {
		title = fmt.Sprintf("%s (%s)", def.Name, exec.Status)
	}
	model := &DiagramModel{Title: title}
	model.Nodes = append(model.Nodes, &Node{ID: startID, Label: "Start", Kind: NodeKindStart})

	prev := startID
	for i := range def.Steps {
		step := &def.Steps[i]
		node := &Node{
			ID:     step.ID,
			Label:  step.ID,
			Detail: pipelineDetail(step),
			Kind:   pipelineKind(step),
			Status: pipelineStatus(step.ID, exec),
		}
		model.Nodes = append(model.Nodes, node)
		model.Edges = append(model.Edges, Edge{From: prev, To: step.ID, Label: step.Condition})
		prev = step.ID
	}

	model.Nodes = append(model.Nodes, &Node{ID: endID, Label: "End", Kind: NodeKindEnd})
	model.Edges = append(model.Edges, Edge{From: prev, To: endID})
	return model, nil
}

func pipelineKind(step *schema.PipelineStep) NodeKind {
	switch step.Kind() {
	case "prompt":
		return NodeKindPrompt
	case "mcp":
		return NodeKindMCP
	default:
		return NodeKindExec
	}
}

func pipelineDetail(step *schema.PipelineStep) []string {
	var out []string
	switch step.Kind() {
	case "exec":
		out = append(out, "exec: "+firstLine(step.Exec))
	case "prompt":
		out = append(out, "prompt")
	case "mcp":
		out = append(out, fmt.Sprintf("mcp: %s/%s", step.MCP.Server, step.MCP.Tool))
	}
	if step.Approval != nil && step.Approval.Required {
		out = append(out, "approval required")
	}
	if step.OutputFilter != "" {
		out = append(out, "filter: "+step.OutputFilter)
	}
	return out
}

func pipelineStatus(id string, exec *schema.PipelineExecution) string {
	if exec == nil {
		return ""
	}
	if slices.Contains(exec.Skipped, id) {
		return StatusSkipped
	}
	if _, ok := exec.Outputs[id]; ok {
		return StatusCompleted
	}
	switch {
	case exec.Status == schema.ExecutionWaitingApproval && exec.ApprovalStep == id:
		return StatusWaiting
	case exec.Status == schema.ExecutionFailed && exec.CurrentStep == id:
		return StatusFailed
	case exec.Status == schema.ExecutionRunning && exec.CurrentStep == id:
		return StatusCurrent
	}
	return StatusPending
}
