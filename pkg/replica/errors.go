package replica

import (
	"errors"
	"fmt"
)

var (
	// ErrReleased is returned by every mutation after Release.
	ErrReleased = errors.New("replica released")
	// ErrSealed is returned by ApplyLocalEdit once local edits have been stopped.
	ErrSealed = errors.New("replica no longer accepts local edits")
)

// ValidationError reports a malformed edit or operation. Nothing was applied.
type ValidationError struct {
	Op     ID
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Op.IsZero() {
		return "invalid edit: " + e.Reason
	}
	return fmt.Sprintf("invalid operation %s: %s", e.Op, e.Reason)
}
