package engine

import (
	"context"
	"errors"
	"strings"

	"github.com/basket/go-conductor/internal/bus"
)

// ErrSchedulerClosed is returned by Submit after Drain.
var ErrSchedulerClosed = errors.New("scheduler is draining")

// ClassifiedError lets a generator choose the class recorded on the task.
type ClassifiedError interface {
	error
	ErrorClass() bus.ErrorClass
}

// classifyFailure maps a generation error to the task error taxonomy.
// Anything that is not a timeout is a collaborator error.
func classifyFailure(err error, genCtx context.Context) bus.ErrorClass {
	if err == nil {
		return bus.ClassCollaborator
	}
	var ce ClassifiedError
	if errors.As(err, &ce) {
		return ce.ErrorClass()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(genCtx.Err(), context.DeadlineExceeded) {
		return bus.ClassTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return bus.ClassTimeout
	}
	return bus.ClassCollaborator
}
