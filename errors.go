package autobisect

import "errors"

// ErrInvalidConfig reports a missing, unreadable, or malformed settings
// source. The message is stable; callers match on it.
var ErrInvalidConfig = errors.New("invalid configuration file specified")
