package verify

import "errors"

// ErrCapability marks failures of the OS process-inspection facility itself.
// Callers must treat it as "cannot know", never as "not running".
var ErrCapability = errors.New("process inspection unavailable")

// ErrIdentityMismatch marks a live PID whose executable/command line does not
// correspond to the expected server. The PID file naming it is stale.
var ErrIdentityMismatch = errors.New("process identity mismatch")
