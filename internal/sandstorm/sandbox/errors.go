package sandbox

import "fmt"

// ProvisionError reports that an environment could not be created. The
// orchestrator treats it as terminal for the session with nothing further to
// tear down beyond the (possibly partial) handle.
type ProvisionError struct {
	// Backend is the variant that failed ("docker" or "e2b").
	Backend string
	// Reason is a short machine-independent description (e.g. "image missing",
	// "substrate unreachable").
	Reason string
	// Err is the underlying cause.
	Err error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s provision: %s: %v", e.Backend, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s provision: %s", e.Backend, e.Reason)
}

func (e *ProvisionError) Unwrap() error { return e.Err }
