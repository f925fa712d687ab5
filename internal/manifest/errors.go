package manifest

import "errors"

// Sentinel errors for the manifest package, matching the rest of jobctl's
// errors.Is-friendly idiom.
var (
	// ErrManifestMissing is returned by Load when the job directory has no
	// job_manifest.json and no restorable backup.
	ErrManifestMissing = errors.New("job manifest missing")

	// ErrManifestCorrupt is returned by Load when job_manifest.json exists
	// but fails to parse as JSON, and no backup could be restored either.
	ErrManifestCorrupt = errors.New("job manifest corrupt")

	// ErrNoBackup is returned when a restore is attempted but .backups/
	// contains no usable snapshot.
	ErrNoBackup = errors.New("no manifest backup available to restore")
)
