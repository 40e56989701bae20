package contextstore

import "errors"

var (
	// ErrNoCurrentSession indicates a session selector could not be resolved
	// because no current session is bound and no implicit id was supplied.
	ErrNoCurrentSession = errors.New("no current session bound")
)
