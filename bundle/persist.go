package bundle

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	summaryFile    = "summary.json"
	qualityFile    = "quality.json"
	resultMeshFile = "result_mesh.json"
)

// writeFile is swapped in tests to inject mid-persist failures.
var writeFile = os.WriteFile

// Persist writes the bundle under dir as bundle-<id>/ with one JSON
// document per record. The records are written to a staging directory and
// renamed into place, so a reader of dir never observes a partial bundle.
// Returns the final bundle directory path.
func Persist(b *Bundle, dir string) (string, error) {
	if b == nil {
		return "", fmt.Errorf("bundle: nil bundle")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("bundle: creating %s: %w", dir, err)
	}

	// Stage inside dir so the final rename stays on one filesystem.
	staging, err := os.MkdirTemp(dir, ".staging-")
	if err != nil {
		return "", fmt.Errorf("bundle: creating staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	records := []struct {
		name string
		v    any
	}{
		{summaryFile, &b.Summary},
		{qualityFile, &b.Quality},
		{resultMeshFile, &b.ResultMesh},
	}
	for _, rec := range records {
		data, err := json.MarshalIndent(rec.v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("bundle: encoding %s: %w", rec.name, err)
		}
		if err := writeFile(filepath.Join(staging, rec.name), data, 0o644); err != nil {
			return "", fmt.Errorf("bundle: writing %s: %w", rec.name, err)
		}
	}

	final := filepath.Join(dir, "bundle-"+b.ID)
	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("bundle: publishing %s: %w", final, err)
	}
	return final, nil
}

// Load reads a persisted bundle directory back, verifying that the three
// records agree on bundle identity and schema version.
func Load(dir string) (*Bundle, error) {
	b := &Bundle{}
	if err := readRecord(dir, summaryFile, &b.Summary); err != nil {
		return nil, err
	}
	if err := readRecord(dir, qualityFile, &b.Quality); err != nil {
		return nil, err
	}
	if err := readRecord(dir, resultMeshFile, &b.ResultMesh); err != nil {
		return nil, err
	}

	b.ID = b.Summary.BundleID
	if b.Quality.BundleID != b.ID || b.ResultMesh.BundleID != b.ID {
		return nil, fmt.Errorf("bundle: records in %s disagree on bundle id", dir)
	}
	for _, v := range []string{b.Summary.SchemaVersion, b.Quality.SchemaVersion, b.ResultMesh.SchemaVersion} {
		if v != SchemaVersion {
			return nil, fmt.Errorf("bundle: unsupported schema version %q (want %q)", v, SchemaVersion)
		}
	}
	return b, nil
}

func readRecord(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return fmt.Errorf("bundle: reading %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("bundle: decoding %s: %w", name, err)
	}
	return nil
}
