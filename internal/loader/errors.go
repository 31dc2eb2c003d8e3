package loader

import (
	"errors"
	"fmt"
)

// ErrBadHookResult marks a hook contract violation: a hook returned a result
// the pipeline cannot use, such as an empty normalized name or address.
var ErrBadHookResult = errors.New("invalid hook result")

// ConflictError reports that a script declared a module name that is already
// registered, or already claimed by a different in-flight load.
type ConflictError struct {
	Name string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("module %q is already registered or loading", e.Name)
}

// LinkError reports a failure to bind an import declaration to a concrete
// module during the link pass.
type LinkError struct {
	// Importer is the script or module whose import could not be satisfied.
	Importer string
	// Target is the full name of the module being imported.
	Target string
	// Missing is the export name absent from the target, when that is the
	// failure. Empty otherwise.
	Missing string
	// Err carries the underlying resolution failure when Missing is empty.
	Err error
}

func (e *LinkError) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("cannot link %s: module %q has no export %q", e.Importer, e.Target, e.Missing)
	}
	return fmt.Sprintf("cannot link %s: import %q: %v", e.Importer, e.Target, e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }
