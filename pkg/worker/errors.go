package worker

import "fmt"

// PanicError wraps a panic raised while processing a job.
type PanicError struct {
	Job   int
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job %d panicked: %v", e.Job, e.Value)
}
