package builds

// Artifact is anything the cache can materialize: it reports the changeset
// it was built from, populates a target directory on demand, and reports how
// many bytes that produced.
//
// Materialize is treated as an opaque, potentially slow, potentially failing
// operation; the manager wraps no timeout or retry around it. The target
// directory does not exist when Materialize is called; the artifact must
// create it.
type Artifact interface {
	// Changeset identifies the source revision the build corresponds to.
	Changeset() string

	// Size is the byte count of the materialized build. It is read after a
	// successful Materialize call. Before Materialize it may be a smaller
	// estimate (an archive provider reports the compressed size), in which
	// case the pre-download eviction sweep under-budgets by the difference;
	// the overshoot is reclaimed before the next download.
	Size() int64

	// Materialize populates the target directory with the build.
	Materialize(targetDir string) error
}

// CachedBuild describes one materialized build tracked by the cache.
type CachedBuild struct {
	// Changeset is the revision the build corresponds to.
	Changeset string

	// Path is the build directory, <store path>/<prefix>-<changeset>.
	Path string

	// Size is the artifact-reported byte count recorded at registration.
	Size int64
}
