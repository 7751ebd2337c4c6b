package view

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charlievieth/fastwalk"
	"github.com/klauspost/compress/flate"
)

// archiveSkipDirs are excluded from the packaged source; dependency caches
// are huge and reproducible from the manifest.
var archiveSkipDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	".vite":        true,
	"__pycache__":  true,
}

// CreateArchive zips the project source plus the captured aux documents
// into outPath. Documents are written under a top-level meta/ entry so the
// snapshot that was deployed travels with the source even if the build
// output is excluded.
func CreateArchive(ctx context.Context, projectDir string, docs map[string][]byte, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("archive dir: %w", err)
	}

	// Write to a temp name and rename so a concurrent download never sees
	// a half-written archive.
	tmp := outPath + ".partial"
	zipFile, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	defer zipFile.Close()
	defer os.Remove(tmp)

	zipWriter := zip.NewWriter(zipFile)
	zipWriter.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestSpeed)
	})

	// Single worker: the zip writer is not safe for concurrent entries.
	conf := fastwalk.Config{Follow: false, NumWorkers: 1}
	err = fastwalk.Walk(&conf, projectDir, func(path string, d os.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil || path == projectDir {
			return nil
		}

		relPath, relErr := filepath.Rel(projectDir, path)
		if relErr != nil {
			return nil
		}

		if d.IsDir() {
			if archiveSkipDirs[d.Name()] {
				return filepath.SkipDir
			}
			_, err := zipWriter.Create(relPath + "/")
			return err
		}

		writer, err := zipWriter.Create(relPath)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			// Unreadable file: skip, keep packaging.
			return nil
		}
		defer file.Close()

		_, err = io.Copy(writer, file)
		return err
	})
	if err != nil {
		zipWriter.Close()
		return fmt.Errorf("package source: %w", err)
	}

	for name, data := range docs {
		writer, err := zipWriter.Create("meta/" + name)
		if err != nil {
			zipWriter.Close()
			return fmt.Errorf("package document %s: %w", name, err)
		}
		if _, err := writer.Write(data); err != nil {
			zipWriter.Close()
			return fmt.Errorf("package document %s: %w", name, err)
		}
	}

	if err := zipWriter.Close(); err != nil {
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err := zipFile.Close(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	return os.Rename(tmp, outPath)
}
