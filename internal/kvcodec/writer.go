package kvcodec

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/tinytelemetry/kvrelay/internal/model"
)

const defaultFileMode = 0644

// WriteFile encodes rec into a temp file next to path, syncs it and renames it
// into place so readers never observe a partially written file.
func WriteFile(path string, rec *model.Record) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("kvcodec: create temp: %w", err)
	}
	tmpPath := tmp.Name()

	if err := Encode(tmp, rec); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("kvcodec: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("kvcodec: close temp: %w", err)
	}
	if err := os.Chmod(tmpPath, defaultFileMode); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("kvcodec: chmod temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("kvcodec: rename into place: %w", err)
	}
	return nil
}
