// Package builds manages the disk cache of extracted build artifacts shared
// by bisection runs. Builds are keyed by revision, bounded by a byte quota,
// and handed out as scoped checkouts; a checked-out build is never evicted.
//
// The cache may be shared by independent processes pointed at the same
// storage path. All coordination goes through the state store, which
// executes every check-then-act sequence as one atomic transaction.
package builds

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/bisectio/autobisect"
	"github.com/bisectio/autobisect/internal/store"
)

// queuePollInterval is how often a waiting caller re-checks a download owned
// by someone else.
const queuePollInterval = 250 * time.Millisecond

// storeDirPerm is the mode for the storage root and build directories.
const storeDirPerm = 0o750

// Manager orchestrates acquisition, materialization, reference tracking, and
// eviction for one build prefix. Managers with distinct prefixes can share a
// storage path and state database without interfering.
type Manager struct {
	cfg    autobisect.BisectionConfig
	prefix string
	pid    int
	store  *store.Store

	mu   sync.Mutex
	size int64 // running total of registered build bytes
}

// NewManager opens the build cache rooted at cfg.StorePath for the given
// build prefix. It creates the storage root, opens the state store at
// cfg.DBPath, reconciles the store with on-disk reality, and derives the
// running cached-byte total from the store. The total is never trusted
// across restarts; it is rebuilt here so it is correct after a crash.
func NewManager(ctx context.Context, cfg *autobisect.BisectionConfig, buildPrefix string) (*Manager, error) {
	if ctx == nil {
		return nil, errors.New("new manager: context is nil")
	}

	if cfg == nil {
		return nil, errors.New("new manager: config is nil")
	}

	if cfg.StorePath == "" {
		return nil, errors.New("new manager: storage path is empty")
	}

	if buildPrefix == "" {
		return nil, errors.New("new manager: build prefix is empty")
	}

	if strings.ContainsRune(buildPrefix, os.PathSeparator) {
		return nil, fmt.Errorf("new manager: build prefix %q contains a path separator", buildPrefix)
	}

	err := os.MkdirAll(cfg.StorePath, storeDirPerm)
	if err != nil {
		return nil, fmt.Errorf("new manager: create storage root: %w", err)
	}

	st, err := store.Open(ctx, cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("new manager: %w", err)
	}

	m := &Manager{
		cfg:    *cfg,
		prefix: buildPrefix,
		pid:    os.Getpid(),
		store:  st,
	}

	err = m.recover(ctx)
	if err != nil {
		_ = st.Close()

		return nil, fmt.Errorf("new manager: %w", err)
	}

	err = m.refreshSize(ctx)
	if err != nil {
		_ = st.Close()

		return nil, fmt.Errorf("new manager: %w", err)
	}

	return m, nil
}

// Close releases the state store handle. It is idempotent. Close does not
// release outstanding checkouts.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}

	return m.store.Close()
}

// BuildPrefix returns the namespace prefix this manager serves.
func (m *Manager) BuildPrefix() string {
	return m.prefix
}

// BuildDir returns the directory build directories are created under.
func (m *Manager) BuildDir() string {
	return m.cfg.StorePath
}

// CurrentBuildSize returns the running total of cached build bytes. It is
// kept consistent with the state store after every registration or removal.
func (m *Manager) CurrentBuildSize() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.size
}

// EnumerateBuilds returns every tracked build for this prefix, ordered by
// registration. It has no side effects.
func (m *Manager) EnumerateBuilds(ctx context.Context) ([]CachedBuild, error) {
	records, err := m.store.ListBuilds(ctx, m.prefix)
	if err != nil {
		return nil, fmt.Errorf("enumerate builds: %w", err)
	}

	cached := make([]CachedBuild, 0, len(records))
	for _, rec := range records {
		cached = append(cached, CachedBuild{
			Changeset: rec.Changeset,
			Path:      m.buildPath(rec.Changeset),
			Size:      rec.Size,
		})
	}

	return cached, nil
}

// GetBuild returns a scoped checkout of the build for the artifact's
// changeset, materializing it first when absent. Re-requesting a cached
// changeset never re-invokes materialization. The caller must release the
// checkout on every exit path, typically with defer.
func (m *Manager) GetBuild(ctx context.Context, artifact Artifact) (*Checkout, error) {
	if ctx == nil {
		return nil, errors.New("get build: context is nil")
	}

	if artifact == nil {
		return nil, errors.New("get build: artifact is nil")
	}

	changeset := artifact.Changeset()

	err := validateChangeset(changeset)
	if err != nil {
		return nil, fmt.Errorf("get build: %w", err)
	}

	client := uuid.NewString()

	for {
		result, err := m.store.Acquire(ctx, m.prefix, changeset, client, m.pid)
		if err != nil {
			return nil, fmt.Errorf("get build: %w", err)
		}

		switch result {
		case store.AcquireCached:
			dir := m.buildPath(changeset)

			_, markerErr := readMarker(dir, changeset)
			if markerErr == nil {
				return m.newCheckout(changeset, client), nil
			}

			// Registered build without a usable directory. Drop the row and
			// retry; the next pass takes the download path.
			log.Warnf("build %s registered but not usable on disk, dropping: %v",
				m.buildName(changeset), markerErr)

			err = m.dropBrokenBuild(ctx, changeset, client)
			if err != nil {
				return nil, fmt.Errorf("get build: %w", err)
			}

		case store.AcquireQueued:
			// The owner may have died after this manager's construction-time
			// recovery ran. Probe it each round so a crashed downloader
			// never wedges waiters until the next process restart.
			cleared, err := m.store.ClearStaleDownload(ctx, m.prefix, changeset, pidAlive)
			if err != nil {
				return nil, fmt.Errorf("get build: %w", err)
			}

			if cleared {
				log.Warnf("download of %s was owned by a dead process, taking over",
					m.buildName(changeset))

				continue
			}

			log.Debugf("build %s is being fetched by another caller, waiting", m.buildName(changeset))

			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("get build: %w", context.Cause(ctx))
			case <-time.After(queuePollInterval):
			}

		case store.AcquireOwned:
			return m.download(ctx, artifact, client)
		}
	}
}

// WithBuild acquires the build, runs fn with its directory path, and
// guarantees the checkout is released on every exit path of fn.
func (m *Manager) WithBuild(ctx context.Context, artifact Artifact, fn func(path string) error) error {
	checkout, err := m.GetBuild(ctx, artifact)
	if err != nil {
		return err
	}

	defer func() { _ = checkout.Release() }()

	return fn(checkout.Path())
}

// download materializes the artifact into its target directory. The caller
// owns the download-queue entry. Any failure removes the partial directory
// and the queue entry before the error propagates; a failed attempt never
// leaves a registered build behind.
func (m *Manager) download(ctx context.Context, artifact Artifact, client string) (*Checkout, error) {
	changeset := artifact.Changeset()
	dir := m.buildPath(changeset)

	abort := func() {
		err := os.RemoveAll(dir)
		if err != nil {
			log.Warnf("rollback of %s: remove partial directory: %v", m.buildName(changeset), err)
		}

		// Queue removal must happen even when ctx is already done, or the
		// changeset stays locked for every other caller.
		err = m.store.AbortDownload(context.WithoutCancel(ctx), m.prefix, changeset)
		if err != nil {
			log.Warnf("rollback of %s: release download queue entry: %v", m.buildName(changeset), err)
		}
	}

	if m.cfg.Persist {
		err := m.makeRoom(ctx, artifact.Size())
		if err != nil {
			abort()

			return nil, fmt.Errorf("get build: %w", err)
		}
	}

	err := os.RemoveAll(dir)
	if err != nil {
		abort()

		return nil, fmt.Errorf("%w %s: clear target: %w", ErrBuildAcquisition, changeset, err)
	}

	log.Infof("fetching build %s", m.buildName(changeset))

	err = artifact.Materialize(dir)
	if err != nil {
		abort()

		return nil, fmt.Errorf("%w %s: %w", ErrBuildAcquisition, changeset, err)
	}

	size := artifact.Size()

	err = writeMarker(dir, changeset, size)
	if err != nil {
		abort()

		return nil, fmt.Errorf("%w %s: %w", ErrBuildAcquisition, changeset, err)
	}

	err = m.store.FinishDownload(ctx, m.prefix, changeset, client, m.pid, size)
	if err != nil {
		abort()

		return nil, fmt.Errorf("get build: %w", err)
	}

	m.mu.Lock()
	m.size += size
	m.mu.Unlock()

	return m.newCheckout(changeset, client), nil
}

// RemoveOldBuilds evicts least-recently-used builds with zero checkouts
// until the cached total is within the quota. The invariant against evicting
// in-use builds takes precedence over quota compliance: when every remaining
// build is checked out, the sweep stops and the cache stays over quota.
func (m *Manager) RemoveOldBuilds(ctx context.Context) error {
	for {
		total, err := m.store.TotalSize(ctx, m.prefix)
		if err != nil {
			return fmt.Errorf("remove old builds: %w", err)
		}

		m.mu.Lock()
		m.size = total
		m.mu.Unlock()

		if total <= m.cfg.PersistLimit {
			return nil
		}

		victim, err := m.store.EvictOne(ctx, m.prefix, func(rec store.BuildRecord) error {
			return os.RemoveAll(m.buildPath(rec.Changeset))
		})
		if err != nil {
			return fmt.Errorf("remove old builds: %w", err)
		}

		if victim == nil {
			log.Warnf("cache over quota (%d > %d bytes) but every build is in use",
				total, m.cfg.PersistLimit)

			return nil
		}

		m.mu.Lock()
		m.size -= victim.Size
		m.mu.Unlock()

		log.Infof("evicted build %s (%d bytes)", m.buildName(victim.Changeset), victim.Size)
	}
}

// makeRoom runs before a download while quota enforcement is enabled. When
// the cached total already exceeds the quota, it evicts least-recently-used
// unreferenced builds until the incoming build fits (or nothing is left to
// evict). A cache at or under quota is left alone even when the incoming
// build will push it over; the overshoot is reclaimed before the next
// download. incoming is the artifact's pre-materialization size, which may be
// a compressed estimate (see [Artifact]).
func (m *Manager) makeRoom(ctx context.Context, incoming int64) error {
	total, err := m.store.TotalSize(ctx, m.prefix)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.size = total
	m.mu.Unlock()

	if total <= m.cfg.PersistLimit {
		return nil
	}

	for total+incoming > m.cfg.PersistLimit {
		victim, err := m.store.EvictOne(ctx, m.prefix, func(rec store.BuildRecord) error {
			return os.RemoveAll(m.buildPath(rec.Changeset))
		})
		if err != nil {
			return err
		}

		if victim == nil {
			if total > m.cfg.PersistLimit {
				log.Warnf("cache over quota (%d > %d bytes) but every build is in use",
					total, m.cfg.PersistLimit)
			}

			return nil
		}

		total -= victim.Size

		m.mu.Lock()
		m.size = total
		m.mu.Unlock()

		log.Infof("evicted build %s (%d bytes)", m.buildName(victim.Changeset), victim.Size)
	}

	return nil
}

// dropBrokenBuild removes a build row whose directory is unusable, together
// with the caller's just-created in-use row, then re-derives the size total.
func (m *Manager) dropBrokenBuild(ctx context.Context, changeset, client string) error {
	err := m.store.Release(ctx, m.prefix, changeset, client)
	if err != nil {
		return err
	}

	err = m.store.DeleteBuild(ctx, m.prefix, changeset)
	if err != nil {
		return err
	}

	_ = os.RemoveAll(m.buildPath(changeset))

	return m.refreshSize(ctx)
}

// refreshSize re-derives the running byte total from the state store.
func (m *Manager) refreshSize(ctx context.Context) error {
	total, err := m.store.TotalSize(ctx, m.prefix)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.size = total
	m.mu.Unlock()

	return nil
}

// buildName returns the namespaced build identifier, <prefix>-<changeset>.
func (m *Manager) buildName(changeset string) string {
	return m.prefix + "-" + changeset
}

// buildPath returns the build directory for a changeset.
func (m *Manager) buildPath(changeset string) string {
	return filepath.Join(m.cfg.StorePath, m.buildName(changeset))
}

// validateChangeset rejects identifiers that cannot name a directory.
func validateChangeset(changeset string) error {
	if changeset == "" {
		return errors.New("changeset is empty")
	}

	if strings.ContainsRune(changeset, os.PathSeparator) || changeset == "." || changeset == ".." {
		return fmt.Errorf("changeset %q is not a valid directory name", changeset)
	}

	return nil
}
