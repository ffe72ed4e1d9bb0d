package semantic

import (
	"os"
)

// LoadManifestFromDisk reads and parses the semantic manifest at path.
// A missing file is a ManifestNotFoundError (the caller may choose to
// fall back to an artifact-derived manifest instead); any other read or
// parse failure is a ManifestInvalidError.
func LoadManifestFromDisk(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &ManifestNotFoundError{Path: path}
		}
		return nil, &ManifestInvalidError{Cause: err}
	}
	return ParseManifest(data)
}
