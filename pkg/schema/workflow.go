package schema

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"
)

// WorkflowType distinguishes exclusive step workflows from event-triggered lifecycle workflows.
type WorkflowType string

const (
	WorkflowTypeStep      WorkflowType = "step"
	WorkflowTypeLifecycle WorkflowType = "lifecycle"
)

// LifecycleMarker is the reserved workflow name of a state row that holds only
// session variables and has no active step workflow.
const LifecycleMarker = "__lifecycle__"

// DefaultInstancePriority applies to lifecycle instances without a saved priority.
const DefaultInstancePriority = 100

// AllTools is the sentinel accepted by allowed_tools to permit every tool.
const AllTools = "all"

// WorkflowDefinition is an immutable workflow loaded from configuration.
type WorkflowDefinition struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Version     string                  `json:"version,omitempty"`
	Type        WorkflowType            `json:"type"`
	Steps       []WorkflowStep          `json:"steps,omitempty"`
	Triggers    map[string][]ActionSpec `json:"triggers,omitempty"`
	Variables   map[string]any          `json:"variables,omitempty"`
	Enabled     *bool                   `json:"enabled,omitempty"`
	Priority    *int                    `json:"priority,omitempty"`
}

// IsEnabled reports whether the definition auto-activates. Unset means true.
func (d *WorkflowDefinition) IsEnabled() bool {
	return d.Enabled == nil || *d.Enabled
}

// DefaultPriority returns the priority new instances of this definition start
// with. Only an unset priority falls back to DefaultInstancePriority; 0 is a
// valid priority that runs first.
func (d *WorkflowDefinition) DefaultPriority() int {
	if d.Priority == nil {
		return DefaultInstancePriority
	}
	return *d.Priority
}

// Step returns the named step, or nil.
func (d *WorkflowDefinition) Step(name string) *WorkflowStep {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// TriggerActions returns the action list bound to an event type. Keys may carry an "on_" prefix.
func (d *WorkflowDefinition) TriggerActions(eventType EventType) ([]ActionSpec, bool) {
	if acts, ok := d.Triggers[string(eventType)]; ok {
		return acts, true
	}
	acts, ok := d.Triggers["on_"+string(eventType)]
	return acts, ok
}

// WorkflowStep is one state of a step workflow.
type WorkflowStep struct {
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	AllowedTools   ToolSet       `json:"allowed_tools"`
	BlockedTools   []string      `json:"blocked_tools,omitempty"`
	Rules          []Rule        `json:"rules,omitempty"`
	Transitions    []Transition  `json:"transitions,omitempty"`
	ExitConditions []string      `json:"exit_conditions,omitempty"`
	Approval       *StepApproval `json:"approval,omitempty"`
	OnEnter        []ActionSpec  `json:"on_enter,omitempty"`
}

// UnmarshalJSON defaults a missing allowed_tools to "all".
func (s *WorkflowStep) UnmarshalJSON(data []byte) error {
	type plain WorkflowStep
	p := plain{AllowedTools: ToolSet{All: true}}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = WorkflowStep(p)
	return nil
}

// Rule is a conditional verdict. Rules are evaluated in order and the first match wins.
type Rule struct {
	Condition string   `json:"condition"`
	Effect    Decision `json:"effect"`
	Reason    string   `json:"reason,omitempty"`
}

// Transition moves a step workflow to NextStep when Condition holds.
type Transition struct {
	Condition string `json:"condition"`
	NextStep  string `json:"next_step"`
}

// StepApproval gates a step behind human confirmation.
type StepApproval struct {
	Condition      string `json:"condition"`
	Message        string `json:"message,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
	Blocking       bool   `json:"blocking,omitempty"`
}

// ToolSet is either the "all" sentinel or an explicit list of tool name patterns.
type ToolSet struct {
	All   bool
	Names []string
}

// AllToolsSet returns a ToolSet permitting every tool.
func AllToolsSet() ToolSet { return ToolSet{All: true} }

// UnmarshalJSON accepts "all", a list of names, or null (treated as "all").
func (t *ToolSet) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*t = ToolSet{All: true}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s != AllTools {
			return fmt.Errorf("allowed_tools: expected %q or a list, got %q", AllTools, s)
		}
		*t = ToolSet{All: true}
		return nil
	}
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return fmt.Errorf("allowed_tools: %w", err)
	}
	*t = ToolSet{Names: names}
	return nil
}

// Permits reports whether any candidate is allowed. A zero ToolSet permits
// everything; an explicit empty list permits nothing.
func (t ToolSet) Permits(candidates ...string) bool {
	if t.All || t.Names == nil {
		return true
	}
	return MatchTool(t.Names, candidates...)
}

// MarshalJSON writes "all" or the name list.
func (t ToolSet) MarshalJSON() ([]byte, error) {
	if t.All {
		return json.Marshal(AllTools)
	}
	names := t.Names
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

// MatchTool reports whether any candidate name matches any pattern. Patterns use path.Match syntax.
func MatchTool(patterns []string, candidates ...string) bool {
	for _, p := range patterns {
		for _, c := range candidates {
			if c == "" {
				continue
			}
			if p == c {
				return true
			}
			if ok, err := path.Match(p, c); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// ActionSpec is one entry of an action list. In definition files the action
// parameters sit beside the "action" key.
type ActionSpec struct {
	Action string
	Params map[string]any
}

// UnmarshalJSON flattens {"action": "x", ...params} into an ActionSpec.
func (a *ActionSpec) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	name, _ := raw["action"].(string)
	if name == "" {
		return fmt.Errorf("action entry is missing 'action'")
	}
	delete(raw, "action")
	a.Action = name
	a.Params = raw
	return nil
}

// MarshalJSON writes the flattened form.
func (a ActionSpec) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(a.Params)+1)
	for k, v := range a.Params {
		out[k] = v
	}
	out["action"] = a.Action
	return json.Marshal(out)
}

// WorkflowState is the per-session record of the active step workflow. It also
// carries session-scoped variables.
type WorkflowState struct {
	SessionID           string         `json:"session_id"`
	WorkflowName        string         `json:"workflow_name"`
	Step                string         `json:"step,omitempty"`
	StepEnteredAt       *time.Time     `json:"step_entered_at,omitempty"`
	Variables           map[string]any `json:"variables"`
	ApprovalPending     bool           `json:"approval_pending"`
	ApprovalRequestedAt *time.Time     `json:"approval_requested_at,omitempty"`
	ApprovalTimeout     int            `json:"approval_timeout_seconds,omitempty"`
	Disabled            bool           `json:"disabled"`
	DisabledReason      string         `json:"disabled_reason,omitempty"`
	StopReason          string         `json:"stop_reason,omitempty"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// IsLifecycleOnly reports whether the state holds only session variables.
func (s *WorkflowState) IsLifecycleOnly() bool {
	return s.WorkflowName == "" || s.WorkflowName == LifecycleMarker
}

// ApprovalExpired reports whether a pending approval has outlived its timeout at now.
func (s *WorkflowState) ApprovalExpired(now time.Time) bool {
	if !s.ApprovalPending || s.ApprovalTimeout <= 0 || s.ApprovalRequestedAt == nil {
		return false
	}
	return now.After(s.ApprovalRequestedAt.Add(time.Duration(s.ApprovalTimeout) * time.Second))
}

// WorkflowInstance is the runtime record of one lifecycle workflow for one session.
type WorkflowInstance struct {
	ID               string         `json:"id"`
	SessionID        string         `json:"session_id"`
	WorkflowName     string         `json:"workflow_name"`
	Enabled          bool           `json:"enabled"`
	Priority         int            `json:"priority"`
	CurrentStep      string         `json:"current_step,omitempty"`
	StepEnteredAt    *time.Time     `json:"step_entered_at,omitempty"`
	StepActionCount  int            `json:"step_action_count"`
	TotalActionCount int            `json:"total_action_count"`
	Variables        map[string]any `json:"variables"`
	ContextInjected  bool           `json:"context_injected"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
