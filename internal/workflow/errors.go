package workflow

import (
	"errors"
	"fmt"
)

// FailedError is the terminal failure of a workflow instance: one of its
// steps exhausted its retries. The instance is not restarted automatically;
// its checkpoint is retained in the failed state for inspection.
type FailedError struct {
	Workflow string
	Key      string
	Step     string
	Err      error
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("workflow %s/%s failed at step %q: %v", e.Workflow, e.Key, e.Step, e.Err)
}

func (e *FailedError) Unwrap() error { return e.Err }

// IsFailed reports whether err is a terminal workflow failure.
func IsFailed(err error) bool {
	var fe *FailedError
	return errors.As(err, &fe)
}
