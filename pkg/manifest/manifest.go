// Package manifest reads dataset list files: CSV documents whose first
// column names an audio file. Order is preserved because reference IDs in
// a built index follow manifest order.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Read parses a manifest from r. A leading header row whose first cell is
// "path", "file" or "filename" is skipped, as are blank rows and rows whose
// first cell starts with '#'. Relative paths are joined onto root when root
// is non-empty.
func Read(r io.Reader, root string) ([]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var paths []string
	first := true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("manifest: %w", err)
		}
		if len(rec) == 0 {
			continue
		}
		p := strings.TrimSpace(rec[0])
		if first {
			first = false
			switch strings.ToLower(p) {
			case "path", "file", "filename":
				continue
			}
		}
		if p == "" {
			continue
		}
		if root != "" && !filepath.IsAbs(p) {
			p = filepath.Join(root, p)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Load reads the manifest file at path.
func Load(path, root string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	defer f.Close()
	return Read(f, root)
}

// Write emits paths as a manifest with a "path" header row.
func Write(w io.Writer, paths []string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"path"}); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	for _, p := range paths {
		if err := cw.Write([]string{p}); err != nil {
			return fmt.Errorf("manifest: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("manifest: %w", err)
	}
	return nil
}
