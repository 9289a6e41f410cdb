package pipeline

import "github.com/rendis/hookflow/pkg/schema"

// Outcome is how a Run or Resume call stopped. Exactly one of Completed,
// Failed or WaitingApproval; callers switch on the concrete type.
type Outcome interface {
	Execution() *schema.PipelineExecution
	Status() schema.ExecutionStatus
	sealed()
}

// Completed means every step ran or was skipped.
type Completed struct {
	Exec    *schema.PipelineExecution
	Outputs map[string]any
}

// Failed means a step error, a rejection or a timeout stopped the run.
// Side effects of steps that already ran are not undone.
type Failed struct {
	Exec   *schema.PipelineExecution
	StepID string
	Err    error
}

// WaitingApproval means the run is parked on a step that needs a human.
// Resume with the token continues it.
type WaitingApproval struct {
	Exec     *schema.PipelineExecution
	Approval schema.ApprovalRequired
}

func (o *Completed) Execution() *schema.PipelineExecution       { return o.Exec }
func (o *Failed) Execution() *schema.PipelineExecution          { return o.Exec }
func (o *WaitingApproval) Execution() *schema.PipelineExecution { return o.Exec }

func (o *Completed) Status() schema.ExecutionStatus       { return schema.ExecutionCompleted }
func (o *Failed) Status() schema.ExecutionStatus          { return schema.ExecutionFailed }
func (o *WaitingApproval) Status() schema.ExecutionStatus { return schema.ExecutionWaitingApproval }

func (*Completed) sealed()       {}
func (*Failed) sealed()          {}
func (*WaitingApproval) sealed() {}

// Error returns the failure message.
func (o *Failed) Error() string {
	if o.Err == nil {
		return "pipeline failed"
	}
	return o.Err.Error()
}
