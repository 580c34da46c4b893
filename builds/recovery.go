package builds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/sys/unix"
)

// recover reconciles the state store with on-disk reality for this prefix.
// After a crash the two can disagree in every direction: queue rows for
// downloads that died, in-use rows owned by dead processes, build rows whose
// directory is gone or partial, and completed directories whose row was
// lost. Recovery restores the invariant that every tracked build has exactly
// one complete directory and vice versa, without touching state owned by
// live processes.
func (m *Manager) recover(ctx context.Context) error {
	queue, err := m.store.ListQueue(ctx, m.prefix)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	pending := make(map[string]bool, len(queue))

	for _, q := range queue {
		if pidAlive(q.PID) {
			pending[q.Changeset] = true

			continue
		}

		log.Warnf("removing stale download of %s (owner pid %d is gone)",
			m.buildName(q.Changeset), q.PID)

		err = os.RemoveAll(m.buildPath(q.Changeset))
		if err != nil {
			return fmt.Errorf("recover: remove partial build: %w", err)
		}

		err = m.store.DeleteQueue(ctx, m.prefix, q.Changeset)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
	}

	inUse, err := m.store.ListInUse(ctx, m.prefix)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	for _, u := range inUse {
		if pidAlive(u.PID) {
			continue
		}

		log.Warnf("releasing checkout of %s held by dead pid %d", m.buildName(u.Changeset), u.PID)

		err = m.store.Release(ctx, m.prefix, u.Changeset, u.Client)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
	}

	tracked, err := m.store.ListBuilds(ctx, m.prefix)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	known := make(map[string]bool, len(tracked))

	for _, b := range tracked {
		dir := m.buildPath(b.Changeset)

		_, markerErr := readMarker(dir, b.Changeset)
		if markerErr == nil {
			known[b.Changeset] = true

			continue
		}

		log.Warnf("dropping tracked build %s: %v", m.buildName(b.Changeset), markerErr)

		err = os.RemoveAll(dir)
		if err != nil {
			return fmt.Errorf("recover: remove broken build: %w", err)
		}

		err = m.store.DeleteBuild(ctx, m.prefix, b.Changeset)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
	}

	return m.adoptOrphans(ctx, known, pending)
}

// adoptOrphans scans the storage root for build directories this prefix owns
// but the store does not track. Complete directories are re-registered with
// their marker size; partial ones are removed unless a live download owns
// them.
func (m *Manager) adoptOrphans(ctx context.Context, known, pending map[string]bool) error {
	entries, err := os.ReadDir(m.cfg.StorePath)
	if err != nil {
		return fmt.Errorf("recover: read storage root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		changeset, ok := strings.CutPrefix(entry.Name(), m.prefix+"-")
		if !ok || changeset == "" {
			continue
		}

		if known[changeset] || pending[changeset] {
			continue
		}

		dir := m.buildPath(changeset)

		mark, markerErr := readMarker(dir, changeset)
		if markerErr != nil {
			// The queue snapshot above is stale by now; a peer may have
			// started downloading this changeset since. Re-check inside the
			// removal transaction so an in-flight extraction is never
			// deleted out from under its owner.
			removed, removeErr := m.store.RemoveUntracked(ctx, m.prefix, changeset, func() error {
				return os.RemoveAll(dir)
			})
			if removeErr != nil {
				return fmt.Errorf("recover: remove orphan: %w", removeErr)
			}

			if removed {
				log.Warnf("removed partial build directory %s: %v", entry.Name(), markerErr)
			}

			continue
		}

		log.Infof("adopting untracked build %s (%d bytes)", entry.Name(), mark.Size)

		err = m.store.RegisterBuild(ctx, m.prefix, changeset, mark.Size)
		if err != nil {
			return fmt.Errorf("recover: %w", err)
		}
	}

	return nil
}

// pidAlive reports whether a process with the given pid exists. EPERM means
// the process exists but belongs to someone else.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}

	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}

	return errors.Is(err, unix.EPERM)
}
