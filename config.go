// Package autobisect holds the configuration shared by bisection runs that
// point at the same build storage. The cache itself lives in the builds
// package; this package only knows how to locate it.
package autobisect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tailscale/hujson"
)

// DBFileName is the state database created under the storage path.
const DBFileName = "autobisect.db"

// bytesPerMB converts the persist-limit config value (megabytes) to bytes.
const bytesPerMB = 1048576

// BisectionConfig holds the cache settings shared by every bisection run
// pointed at the same storage path.
type BisectionConfig struct {
	// StorePath is the root directory holding cached build directories and
	// the state database.
	StorePath string

	// Persist enables quota enforcement. While set, a download that finds
	// the cache over PersistLimit evicts unreferenced builds first.
	Persist bool

	// PersistLimit is the cache quota in bytes.
	PersistLimit int64

	// DBPath is the state database location. Empty means the default
	// location under StorePath.
	DBPath string
}

// configFile mirrors the on-disk HuJSON document.
type configFile struct {
	StoragePath  string `json:"storage-path"`
	Persist      bool   `json:"persist"`
	PersistLimit int64  `json:"persist-limit"` // megabytes
}

// LoadConfig reads a bisection configuration file.
//
// The file is HuJSON (JSON with comments and trailing commas). Recognized
// keys: "storage-path" (string), "persist" (bool), "persist-limit" (integer
// megabytes). A missing, unreadable, or malformed file returns an error
// matching [ErrInvalidConfig].
func LoadConfig(path string) (*BisectionConfig, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: path is empty", ErrInvalidConfig)
	}

	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, path)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidConfig, path, err)
	}

	var file configFile

	unmarshalErr := json.Unmarshal(standardized, &file)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("%w %s: %w", ErrInvalidConfig, path, unmarshalErr)
	}

	if file.PersistLimit < 0 {
		return nil, fmt.Errorf("%w %s: persist-limit must be >= 0", ErrInvalidConfig, path)
	}

	storePath := file.StoragePath
	if storePath == "" {
		storePath, err = defaultStorePath()
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", ErrInvalidConfig, path, err)
		}
	}

	cfg := &BisectionConfig{
		StorePath:    storePath,
		Persist:      file.Persist,
		PersistLimit: file.PersistLimit * bytesPerMB,
	}
	cfg.DBPath = cfg.DatabasePath()

	return cfg, nil
}

// DatabasePath returns DBPath, or the default <StorePath>/autobisect.db when
// DBPath is unset.
func (c *BisectionConfig) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}

	return filepath.Join(c.StorePath, DBFileName)
}

// defaultStorePath places the cache under the user cache directory when the
// config file does not name a storage path.
func defaultStorePath() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("resolve user cache dir: %w", err)
	}

	return filepath.Join(base, "autobisect"), nil
}
