package builds

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
)

// markerFileName marks a fully materialized build directory. A directory
// without it is a partial extraction and is never handed out.
const markerFileName = ".complete"

// marker records what a completed materialization reported, so recovery can
// re-adopt a directory whose state row was lost in a crash.
type marker struct {
	Changeset string `json:"changeset"`
	Size      int64  `json:"size"`
}

// writeMarker atomically writes the completion marker into dir.
func writeMarker(dir, changeset string, size int64) error {
	data, err := json.Marshal(marker{Changeset: changeset, Size: size})
	if err != nil {
		return fmt.Errorf("encode marker: %w", err)
	}

	err = atomic.WriteFile(filepath.Join(dir, markerFileName), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("write marker: %w", err)
	}

	return nil
}

// readMarker loads the completion marker from dir. It fails when the marker
// is missing, unparsable, or recorded for a different changeset.
func readMarker(dir, changeset string) (*marker, error) {
	data, err := os.ReadFile(filepath.Join(dir, markerFileName)) //nolint:gosec // path is derived from the store root
	if err != nil {
		return nil, fmt.Errorf("read marker: %w", err)
	}

	var m marker

	err = json.Unmarshal(data, &m)
	if err != nil {
		return nil, fmt.Errorf("decode marker: %w", err)
	}

	if m.Changeset != changeset {
		return nil, fmt.Errorf("marker changeset %q does not match %q", m.Changeset, changeset)
	}

	return &m, nil
}
