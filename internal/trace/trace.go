// Package trace reads and writes the tracker output consumed by mosaic.Build.
package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"refframe/internal/mosaic"
)

// Suffix marks trace files in watched directories.
const Suffix = ".trace.json"

// Decode reads one trace document from r and validates it.
func Decode(r io.Reader) (*mosaic.Trace, error) {
	var t mosaic.Trace
	dec := json.NewDecoder(r)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Load reads the trace at path. A relative Video entry is resolved against the
// trace's directory.
func Load(path string) (*mosaic.Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &mosaic.IOError{Op: "open trace", Path: path, Err: err}
	}
	defer f.Close()

	t, err := Decode(f)
	if err != nil {
		var cfgErr *mosaic.ConfigError
		if errors.As(err, &cfgErr) {
			return nil, err
		}
		return nil, &mosaic.IOError{Op: "read trace", Path: path, Err: err}
	}
	if t.Video != "" && !filepath.IsAbs(t.Video) {
		t.Video = filepath.Join(filepath.Dir(path), t.Video)
	}
	return t, nil
}

// Save writes t as indented JSON.
func Save(path string, t *mosaic.Trace) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trace: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return &mosaic.IOError{Op: "write trace", Path: path, Err: err}
	}
	return nil
}

// IsTraceFile reports whether path looks like a trace document.
func IsTraceFile(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), Suffix)
}

// Stem strips the trace suffix, giving the default artifact base name.
func Stem(path string) string {
	base := filepath.Base(path)
	if IsTraceFile(base) {
		return base[:len(base)-len(Suffix)]
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
