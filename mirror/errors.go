package mirror

import (
	"errors"
	"fmt"
)

// Stage-level failure sentinels. Per-file transport and checksum failures
// are counted, never raised; these mark the conditions that end a target.
var (
	// ErrNoReleaseFile means neither InRelease nor Release could be
	// downloaded; the URL does not point at a repository.
	ErrNoReleaseFile = errors.New("url does not point to a valid repository, no release file found")

	// ErrInconsistentRepository means metadata the manifest certifies
	// failed to download, so no consistent snapshot can be committed.
	ErrInconsistentRepository = errors.New("required metadata failed to download")
)

// StepError wraps a failure with the identity of the stage it happened in,
// so the error text places the fault without losing the chain for
// errors.Is/As.
type StepError struct {
	Step  string
	Inner error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("error occurred while %s: %v", e.Step, e.Inner)
}

func (e *StepError) Unwrap() error {
	return e.Inner
}
