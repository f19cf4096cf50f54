package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/go-conductor/internal/agent"
	"github.com/basket/go-conductor/internal/persistence"
)

// ErrUnknownChain is returned for a chain id with no recorded run.
var ErrUnknownChain = persistence.ErrChainNotFound

// ErrInvalidChain wraps every reason a chain spec is rejected before it runs.
var ErrInvalidChain = errors.New("invalid chain")

// ChainSpec is an ordered pipeline of agent tasks.
type ChainSpec struct {
	Name    string `json:"name,omitempty" yaml:"name"`
	Channel string `json:"channel,omitempty" yaml:"channel"`
	Steps   []Step `json:"steps" yaml:"steps"`
	// HaltOnFailure stops the chain at the first failed or cancelled step.
	// Nil means true.
	HaltOnFailure *bool `json:"halt_on_failure,omitempty" yaml:"halt_on_failure"`
}

// Step is one task of a chain.
type Step struct {
	Kind  string         `json:"kind" yaml:"kind"`
	Input map[string]any `json:"input,omitempty" yaml:"input"`
	// MaxRetries resubmits a failed step with the failure attached.
	// Cancelled steps are never retried.
	MaxRetries int `json:"max_retries,omitempty" yaml:"max_retries"`
}

// Halts reports the effective halt-on-failure setting.
func (c ChainSpec) Halts() bool {
	return c.HaltOnFailure == nil || *c.HaltOnFailure
}

// Validate checks that the chain is runnable against reg. Step inputs are
// validated when each step is submitted.
func (c ChainSpec) Validate(reg *agent.Registry) error {
	if len(c.Steps) == 0 {
		return errors.New("chain has no steps")
	}
	for i, st := range c.Steps {
		if st.Kind == "" {
			return fmt.Errorf("step %d: kind is required", i)
		}
		if st.MaxRetries < 0 {
			return fmt.Errorf("step %d: max_retries must not be negative", i)
		}
		if reg != nil {
			if _, err := reg.Describe(st.Kind); err != nil {
				return fmt.Errorf("step %d: %w", i, err)
			}
		}
	}
	return nil
}

// StepResult is the outcome of one chain step.
type StepResult struct {
	Index    int                     `json:"index"`
	Kind     string                  `json:"kind"`
	TaskID   string                  `json:"task_id,omitempty"`
	Status   persistence.TaskStatus  `json:"status"`
	Result   *persistence.TaskResult `json:"result,omitempty"`
	Error    *persistence.TaskError  `json:"error,omitempty"`
	Attempts int                     `json:"attempts,omitempty"`
}

// Succeeded reports whether the step completed.
func (r StepResult) Succeeded() bool {
	return r.Status == persistence.TaskStatusCompleted
}

// ChainResult is the state of a chain run. Steps holds one entry per step
// that was started, in order.
type ChainResult struct {
	ChainID       string                  `json:"chain_id"`
	Name          string                  `json:"name,omitempty"`
	Channel       string                  `json:"channel"`
	Status        persistence.ChainStatus `json:"status"`
	HaltOnFailure bool                    `json:"halt_on_failure"`
	TotalSteps    int                     `json:"total_steps"`
	Steps         []StepResult            `json:"steps"`
	Error         string                  `json:"error,omitempty"`
}

// Output returns the payload of the last completed step, or nil.
func (r *ChainResult) Output() json.RawMessage {
	for i := len(r.Steps) - 1; i >= 0; i-- {
		if s := r.Steps[i]; s.Succeeded() && s.Result != nil {
			return s.Result.Payload
		}
	}
	return nil
}

func stepFromTask(index int, task *persistence.Task) StepResult {
	return StepResult{
		Index:  index,
		Kind:   task.Kind,
		TaskID: task.ID,
		Status: task.Status,
		Result: task.Result,
		Error:  task.Error,
	}
}
