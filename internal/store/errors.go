package store

import "errors"

// ErrStorage reports an unreadable, unwritable, or corrupt state database.
var ErrStorage = errors.New("storage error")

// ErrBuildInUse reports an eviction attempted against a checked-out build.
// The eviction query excludes in-use builds, so this is defensive only and
// must never be observable under correct operation.
var ErrBuildInUse = errors.New("build is in use")
