package builds

import (
	"errors"

	"github.com/bisectio/autobisect/internal/store"
)

// ErrBuildAcquisition reports a failed materialization. It surfaces only
// after the partial directory and the download-queue entry have been rolled
// back.
var ErrBuildAcquisition = errors.New("build acquisition failed")

// Errors re-exported from the state store.
var (
	// ErrStorage reports an unreadable, unwritable, or corrupt state
	// database.
	ErrStorage = store.ErrStorage

	// ErrBuildInUse reports an eviction attempted against a checked-out
	// build. Defensive only; never observable under correct operation.
	ErrBuildInUse = store.ErrBuildInUse
)
