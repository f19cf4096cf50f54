package coordinator

import (
	"maps"

	"github.com/basket/go-conductor/internal/persistence"
)

// retryInput copies a step's input and attaches the failure of the previous
// attempt under "retry" so the agent can adjust its approach.
func retryInput(input map[string]any, failure *persistence.TaskError, attempt int) map[string]any {
	out := make(map[string]any, len(input)+1)
	maps.Copy(out, input)
	retry := map[string]any{"attempt": attempt}
	if failure != nil {
		retry["previous_error"] = failure.Message
		retry["previous_error_class"] = string(failure.Class)
	}
	out["retry"] = retry
	return out
}

// retryable reports whether a finished step may be attempted again.
func retryable(status persistence.TaskStatus) bool {
	return status == persistence.TaskStatusFailed
}
